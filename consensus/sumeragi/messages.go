package sumeragi

import (
	"github.com/tolelom/tolchain/consensus/topology"
	"github.com/tolelom/tolchain/consensus/viewchange"
	"github.com/tolelom/tolchain/core"
)

// BlockCreated is broadcast by the Leader to peers_set_a (validators + proxy
// tail) to open a voting round on a freshly assembled block.
type BlockCreated struct {
	Block *core.Block `json:"block"`
}

// BlockSigned is unicast by a ValidatingPeer to the ProxyTail once it has
// added its own signature to the voting block.
type BlockSigned struct {
	Block *core.Block `json:"block"`
}

// BlockCommitted is broadcast by the ProxyTail (or the genesis peer, or a
// single-peer Leader) once a block has reached quorum.
type BlockCommitted struct {
	Block     *core.Block `json:"block"`
	IsGenesis bool        `json:"is_genesis"`
}

// TransactionForwarded is sent by a non-leader peer to the Leader when it
// samples a pending transaction as a liveness probe.
type TransactionForwarded struct {
	Tx     *core.Transaction     `json:"tx"`
	From   topology.PeerId       `json:"from"`
	Proofs viewchange.ProofChain `json:"proofs"`
}

// ViewChangeSuggested is broadcast when a peer suspects the current Leader
// or ProxyTail of the active view.
type ViewChangeSuggested struct {
	Proofs viewchange.ProofChain `json:"proofs"`
}

// TransactionGossip periodically rebroadcasts a peer's cached transactions
// to every other peer in the topology, tolerating packet loss via fan-out.
type TransactionGossip struct {
	Txs []*core.Transaction `json:"txs"`
}

// viewChangeProofsOf extracts the view-change proof chain embedded in any
// block-bearing payload, used by the loop to merge foreign chains regardless
// of which message type carried them.
func viewChangeProofsOf(block *core.Block) viewchange.ProofChain {
	if block == nil {
		return nil
	}
	return block.ViewChangeProofs
}
