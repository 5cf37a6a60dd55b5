// Package viewchange implements the view-change proof chain: peers suspect
// the leader or proxy tail of a view and accumulate signed proofs until a
// quorum is reached, at which point the view-change index advances and the
// topology rotates.
package viewchange

import (
	"encoding/json"

	"github.com/tolelom/tolchain/consensus/signing"
	"github.com/tolelom/tolchain/consensus/topology"
	"github.com/tolelom/tolchain/crypto"
)

// Proof is a single peer's (or, once merged, several peers') suggestion that
// the view identified by (LatestBlockHash, ViewChangeIndex) should change.
type Proof struct {
	LatestBlockHash string              `json:"latest_block_hash"`
	ViewChangeIndex uint64              `json:"view_change_index"`
	Signatures      []signing.Signature `json:"signatures"`
}

type proofDigest struct {
	LatestBlockHash string `json:"latest_block_hash"`
	ViewChangeIndex uint64 `json:"view_change_index"`
}

// digest returns the canonical bytes a peer signs when voting for this proof.
func (p Proof) digest() []byte {
	data, err := json.Marshal(proofDigest{p.LatestBlockHash, p.ViewChangeIndex})
	if err != nil {
		return nil
	}
	return data
}

// Sign appends priv's signature over the proof's digest.
func (p *Proof) Sign(priv crypto.PrivateKey) {
	p.Signatures = append(p.Signatures, signing.Sign(priv, p.digest()))
}

// isValid reports whether the proof carries 2f+1 distinct signatures from
// peers in peerList, all signing the same digest.
func (p Proof) isValid(peerList []topology.PeerId, f int) bool {
	known := make(map[string]bool, len(peerList))
	for _, peer := range peerList {
		known[peer.PublicKey] = true
	}
	digest := p.digest()
	seen := make(map[string]bool, len(p.Signatures))
	for _, sig := range p.Signatures {
		if !known[sig.SignerPublicKey] {
			continue
		}
		if signing.Verify(sig, digest) != nil {
			continue
		}
		seen[sig.SignerPublicKey] = true
	}
	return len(seen) >= 2*f+1
}

// ProofChain is an ordered sequence of per-view-change-index proofs. Proof i
// extends proof i-1; the chain's verified length is the largest prefix of
// fully-quorumed proofs.
type ProofChain []Proof

// InsertProof merges proof into the chain: if a proof already exists at the
// same index and is bound to the same latest block hash, their signatures
// are merged (deduplicated by signer); if the proof at that index is bound
// to a different hash, proof is rejected. With no proof at that index, proof
// is appended only if it is bound to latestBlockHash. Returns true if the
// chain's content changed.
func (c *ProofChain) InsertProof(peerList []topology.PeerId, f int, latestBlockHash string, proof Proof) bool {
	for i := range *c {
		existing := &(*c)[i]
		if existing.ViewChangeIndex != proof.ViewChangeIndex {
			continue
		}
		if existing.LatestBlockHash != proof.LatestBlockHash {
			return false // stale proof bound to a superseded block
		}
		before := len(existing.Signatures)
		existing.Signatures = signing.DedupeBySigner(append(existing.Signatures, proof.Signatures...))
		return len(existing.Signatures) != before
	}
	if proof.LatestBlockHash != latestBlockHash {
		return false
	}
	*c = append(*c, proof)
	return true
}

// VerifyWithState returns the verified depth of the chain: the number of
// consecutive, quorumed proofs starting at index 0 and bound to
// latestBlockHash. A gap or an under-quorumed proof stops the count.
func (c ProofChain) VerifyWithState(peerList []topology.PeerId, f int, latestBlockHash string) int {
	byIndex := make(map[uint64]Proof, len(c))
	for _, p := range c {
		if p.LatestBlockHash == latestBlockHash {
			byIndex[p.ViewChangeIndex] = p
		}
	}
	depth := 0
	for {
		p, ok := byIndex[uint64(depth)]
		if !ok || !p.isValid(peerList, f) {
			break
		}
		depth++
	}
	return depth
}

// Prune drops every proof no longer bound to latestBlockHash (i.e. whose
// view has already moved on via a fresh commit).
func (c *ProofChain) Prune(latestBlockHash string) {
	kept := (*c)[:0]
	for _, p := range *c {
		if p.LatestBlockHash == latestBlockHash {
			kept = append(kept, p)
		}
	}
	*c = kept
}

// Clone returns a deep-enough copy safe to attach to an outgoing message
// without aliasing the engine's own slice.
func (c ProofChain) Clone() ProofChain {
	out := make(ProofChain, len(c))
	for i, p := range c {
		sigs := make([]signing.Signature, len(p.Signatures))
		copy(sigs, p.Signatures)
		out[i] = Proof{LatestBlockHash: p.LatestBlockHash, ViewChangeIndex: p.ViewChangeIndex, Signatures: sigs}
	}
	return out
}
