package sumeragi

import (
	"errors"
	"log"

	"github.com/tolelom/tolchain/consensus/signing"
	"github.com/tolelom/tolchain/consensus/topology"
	"github.com/tolelom/tolchain/consensus/viewchange"
	"github.com/tolelom/tolchain/core"
	"github.com/tolelom/tolchain/events"
	"github.com/tolelom/tolchain/network"
)

var errInsufficientQuorum = errors.New("block lacks quorum signatures")

// revalidate re-executes block against the WSV under lock and compares the
// resulting root against the one already stamped in its header, without
// persisting anything. This is the check a ValidatingPeer, ProxyTail or
// ObservingPeer runs before trusting a block it did not itself assemble;
// commitBlock repeats the execution for real once the block has quorum.
func (e *Engine) revalidate(block *core.Block) error {
	e.wsv.Lock()
	defer e.wsv.Unlock()
	st := e.wsv.State()
	snapID, err := st.Snapshot()
	if err != nil {
		return err
	}
	defer func() { _ = st.RevertToSnapshot(snapID) }()
	if err := e.exec.ExecuteBlock(block); err != nil {
		return err
	}
	if root := st.ComputeRoot(); root != block.Header.StateRoot {
		return errors.New("state root mismatch")
	}
	return nil
}

// quorumSatisfied reports whether block carries at least 2f+1 distinct,
// verified signatures from peers holding a voting role (Leader,
// ValidatingPeer or ProxyTail) in the current topology, with exactly one of
// them from the ProxyTail — the uniform rule applied at every role's
// BlockCommitted handler.
func (e *Engine) quorumSatisfied(block *core.Block) bool {
	if block == nil {
		return false
	}
	deduped := signing.DedupeBySigner(block.Signatures)
	votes := 0
	proxyTailVotes := 0
	for _, sig := range deduped {
		if signing.Verify(sig, []byte(block.Hash)) != nil {
			continue
		}
		switch e.topo.RoleByKey(sig.SignerPublicKey) {
		case topology.RoleLeader, topology.RoleValidatingPeer:
			votes++
		case topology.RoleProxyTail:
			votes++
			proxyTailVotes++
		}
	}
	return votes >= e.topo.MinVotesForCommit() && proxyTailVotes == 1
}

// commitBlock applies block to the WSV for real, persists it durably, and
// settles every piece of loop state that depends on chain height. A failure
// here is fatal: the alternative is a node that silently diverges from the
// rest of the network.
func (e *Engine) commitBlock(block *core.Block) {
	e.wsv.Lock()
	st := e.wsv.State()
	if err := e.exec.ExecuteBlock(block); err != nil {
		e.wsv.Unlock()
		log.Fatalf("[consensus] FATAL: block %d failed to apply to WSV: %v", block.Header.Height, err)
	}
	block.Header.StateRoot = st.ComputeRoot()
	if err := e.bc.AddBlock(block); err != nil {
		e.wsv.Unlock()
		log.Fatalf("[consensus] FATAL: block %d rejected by the durable store: %v", block.Header.Height, err)
	}
	if err := st.Commit(); err != nil {
		e.wsv.Unlock()
		log.Fatalf("[consensus] FATAL: block %d stored but state commit failed: %v", block.Header.Height, err)
	}
	e.wsv.Unlock()

	e.markCommitted(block.Transactions)
	e.mempool.Remove(txIDs(block.Transactions))

	e.emitter.Emit(events.Event{
		Type:        events.EventBlockCommit,
		BlockHeight: block.Header.Height,
		Data: map[string]any{
			"hash":       block.Hash,
			"tx_count":   len(block.Transactions),
			"view":       block.Header.ViewChangeIndex,
			"is_genesis": block.Header.Height == 0,
		},
	})

	e.topo = e.topo.RefreshAtNewBlock(block.Hash)
	e.proofChain.Prune(block.Hash)
	e.cache.DropCommitted(e.isInBlockchain)
	e.votingBlock = nil
}

func txIDs(txs []*core.Transaction) []string {
	ids := make([]string, len(txs))
	for i, tx := range txs {
		ids[i] = tx.ID
	}
	return ids
}

// maxTrackedCommittedTxIDs bounds the in-memory committed-tx set used for
// the mempool/cache "already in blockchain" check. It does not need to
// cover the whole chain history: a transaction that reappears long after
// commit is rejected downstream by its stale nonce anyway.
const maxTrackedCommittedTxIDs = 20_000

func (e *Engine) isInBlockchain(txID string) bool {
	return e.committedTxIDs[txID]
}

func (e *Engine) markCommitted(txs []*core.Transaction) {
	for _, tx := range txs {
		if e.committedTxIDs[tx.ID] {
			continue
		}
		e.committedTxIDs[tx.ID] = true
		e.committedOrder = append(e.committedOrder, tx.ID)
	}
	for len(e.committedOrder) > maxTrackedCommittedTxIDs {
		delete(e.committedTxIDs, e.committedOrder[0])
		e.committedOrder = e.committedOrder[1:]
	}
}

// requestViewChange signs and records this peer's own view-change proof for
// the active (latest hash, view index) pair, then broadcasts it so other
// peers can accumulate toward the quorum that advances the view.
func (e *Engine) requestViewChange() {
	latest := e.latestBlockHash()
	proof := viewchange.Proof{LatestBlockHash: latest, ViewChangeIndex: e.topo.ViewChangeIndex()}
	proof.Sign(e.privKey)
	e.proofChain.InsertProof(e.topo.SortedPeers(), e.topo.MaxFaults(), latest, proof)
	e.broadcast(network.MsgViewChangeSuggested, ViewChangeSuggested{Proofs: viewchange.ProofChain{proof}})
	log.Printf("[consensus] requested view change at v=%d (leader %s unresponsive)", e.topo.ViewChangeIndex(), e.topo.Leader().Address)
}
