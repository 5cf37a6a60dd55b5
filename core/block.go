package core

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tolelom/tolchain/consensus/signing"
	"github.com/tolelom/tolchain/consensus/topology"
	"github.com/tolelom/tolchain/consensus/viewchange"
	"github.com/tolelom/tolchain/crypto"
)

// BlockHeader contains the block metadata that is hashed and signed.
type BlockHeader struct {
	Height    int64  `json:"height"`
	PrevHash  string `json:"prev_hash"`
	StateRoot string `json:"state_root"` // hash of state after executing this block
	TxRoot    string `json:"tx_root"`    // hash of all transaction IDs
	Timestamp int64  `json:"timestamp"`

	// ViewChangeIndex is the topology view this block was proposed under.
	// A ValidatingPeer or ProxyTail rejects a BlockCreated whose index does
	// not match its own verified view.
	ViewChangeIndex uint64 `json:"view_change_index"`

	// GenesisTopology is set only on the height-0 block; it is the trust
	// anchor every peer bootstraps its initial Topology from.
	GenesisTopology *topology.Topology `json:"genesis_topology,omitempty"`
}

// Block is a collection of transactions carried through Pending, Valid and
// Committed states. The three states are not distinct Go types: a block is
// Pending while Hash == "", Valid once hashed and carrying at least one
// signature, and Committed once Signatures reaches topology quorum — the
// consensus engine tells these apart with its quorumSatisfied check, not
// with the type system.
type Block struct {
	Header       BlockHeader         `json:"header"`
	Transactions []*Transaction      `json:"transactions"`
	Hash         string              `json:"hash"`
	Signatures   []signing.Signature `json:"signatures"`

	// ViewChangeProofs is the Leader's local proof chain (verified and
	// not-yet-quorumed proofs alike) when this block was created, carried along so a newly-synced peer can reconstruct why
	// the topology that produced it looked the way it did.
	ViewChangeProofs viewchange.ProofChain `json:"view_change_proofs,omitempty"`
}

// ComputeHash returns the SHA-256 hash of the serialised header.
// Returns an empty string if marshalling fails (which cannot happen in practice).
func (b *Block) ComputeHash() string {
	data, err := json.Marshal(b.Header)
	if err != nil {
		return ""
	}
	return crypto.Hash(data)
}

// SetHash stamps b.Hash with the header's current hash. Call once the header
// is fully populated and before collecting any signature, since signatures
// are taken over the hash.
func (b *Block) SetHash() {
	b.Hash = b.ComputeHash()
}

// AddSignature appends priv's signature over the block hash. SetHash must
// have been called first.
func (b *Block) AddSignature(priv crypto.PrivateKey) {
	b.Signatures = append(b.Signatures, signing.Sign(priv, []byte(b.Hash)))
}

// VerifySignatures checks that every entry in b.Signatures is a valid
// signature over b.Hash by its claimed signer, returning the count of
// entries that verified.
func (b *Block) VerifySignatures() int {
	valid := 0
	for _, sig := range b.Signatures {
		if signing.Verify(sig, []byte(b.Hash)) == nil {
			valid++
		}
	}
	return valid
}

// VerifyIntegrity checks the structural integrity of a block independently of
// any signature: hash consistency and TxRoot correctness.
func (b *Block) VerifyIntegrity() error {
	if computed := b.ComputeHash(); b.Hash != computed {
		return fmt.Errorf("block hash mismatch: stored %s computed %s", b.Hash, computed)
	}
	if txRoot := ComputeTxRoot(b.Transactions); b.Header.TxRoot != txRoot {
		return errors.New("tx_root mismatch")
	}
	return nil
}

// ComputeTxRoot builds a deterministic root hash from all transaction IDs.
// Each ID is length-prefixed (4-byte big-endian) to prevent boundary ambiguity
// where different ID sets could otherwise produce the same byte sequence.
func ComputeTxRoot(txs []*Transaction) string {
	if len(txs) == 0 {
		return crypto.Hash([]byte("empty"))
	}
	var buf bytes.Buffer
	var lenBuf [4]byte
	for _, tx := range txs {
		id := []byte(tx.ID)
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(id)))
		buf.Write(lenBuf[:])
		buf.Write(id)
	}
	return crypto.Hash(buf.Bytes())
}

// NewBlock creates an unsigned, unhashed (Pending) block with the given
// parameters. Call SetHash followed by AddSignature to move it to Valid.
func NewBlock(height int64, prevHash string, txs []*Transaction) *Block {
	return &Block{
		Header: BlockHeader{
			Height:    height,
			PrevHash:  prevHash,
			TxRoot:    ComputeTxRoot(txs),
			Timestamp: time.Now().UnixNano(),
		},
		Transactions: txs,
	}
}
