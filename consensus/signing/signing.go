// Package signing holds the small signature value type shared by block
// headers and view-change proofs. It has no dependency on core so that both
// core and the view-change/topology packages can import it.
package signing

import "github.com/tolelom/tolchain/crypto"

// Signature pairs a signer's hex-encoded public key with a signature over
// some externally agreed-upon digest (a block hash, a proof digest, ...).
type Signature struct {
	SignerPublicKey string `json:"signer_public_key"`
	Signature       string `json:"signature"`
}

// Sign produces a Signature of data by priv.
func Sign(priv crypto.PrivateKey, data []byte) Signature {
	return Signature{
		SignerPublicKey: priv.Public().Hex(),
		Signature:       crypto.Sign(priv, data),
	}
}

// Verify checks that sig is a valid signature of data by the claimed signer.
func Verify(sig Signature, data []byte) error {
	pub, err := crypto.PubKeyFromHex(sig.SignerPublicKey)
	if err != nil {
		return err
	}
	return crypto.Verify(pub, data, sig.Signature)
}

// DedupeBySigner keeps the first signature seen per signer public key,
// preserving order. Used by ProxyTail vote counting so that a peer which
// signs twice only contributes a single vote.
func DedupeBySigner(sigs []Signature) []Signature {
	seen := make(map[string]bool, len(sigs))
	out := make([]Signature, 0, len(sigs))
	for _, s := range sigs {
		if seen[s.SignerPublicKey] {
			continue
		}
		seen[s.SignerPublicKey] = true
		out = append(out, s)
	}
	return out
}
