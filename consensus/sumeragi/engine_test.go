package sumeragi

import (
	"sort"
	"testing"

	"github.com/tolelom/tolchain/config"
	"github.com/tolelom/tolchain/consensus/signing"
	"github.com/tolelom/tolchain/consensus/topology"
	"github.com/tolelom/tolchain/core"
	"github.com/tolelom/tolchain/crypto"
	"github.com/tolelom/tolchain/events"
	"github.com/tolelom/tolchain/internal/testutil"
	"github.com/tolelom/tolchain/network"
	"github.com/tolelom/tolchain/vm"
	"github.com/tolelom/tolchain/wallet"

	_ "github.com/tolelom/tolchain/vm/modules/economy"
)

type peerKey struct {
	priv crypto.PrivateKey
	peer topology.PeerId
}

func fourPeerKeys(t *testing.T) []peerKey {
	t.Helper()
	var out []peerKey
	for i := 0; i < 4; i++ {
		priv, pub, err := crypto.GenerateKeyPair()
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, peerKey{priv: priv, peer: topology.PeerId{Address: "peer", PublicKey: pub.Hex()}})
	}
	// Order by public key so keys[i] sits at position i of topology.New's
	// ordering: keys[0] is the Leader, keys[1..2] validate, keys[3] is ProxyTail.
	sort.Slice(out, func(i, j int) bool { return out[i].peer.PublicKey < out[j].peer.PublicKey })
	return out
}

func peerIDs(keys []peerKey) []topology.PeerId {
	out := make([]topology.PeerId, len(keys))
	for i, k := range keys {
		out[i] = k.peer
	}
	return out
}

func newTestEngine(t *testing.T, topo topology.Topology, privKey crypto.PrivateKey) *Engine {
	t.Helper()
	stateDB := testutil.NewStateDB()
	bc := core.NewBlockchain(testutil.NewMemBlockStore())
	if err := bc.Init(); err != nil {
		t.Fatal(err)
	}
	emitter := events.NewEmitter()
	exec := vm.NewExecutor(stateDB, emitter)
	wsv := NewPublicWSV(stateDB)
	mempool := core.NewMempool()
	node := network.NewNode("test", ":0", mempool, nil)

	cfg := config.DefaultConfig()
	cfg.TrustedPeers = topo.SortedPeers()
	cfg.BlockTimeMs = 50
	cfg.CommitTimeLimitMs = 200

	return New(cfg, bc, wsv, mempool, exec, emitter, node, privKey, topo)
}

func signBlock(block *core.Block, privs ...crypto.PrivateKey) {
	block.SetHash()
	for _, p := range privs {
		block.AddSignature(p)
	}
}

func TestQuorumSatisfiedRequiresExactlyOneProxyTail(t *testing.T) {
	keys := fourPeerKeys(t)
	topo := topology.New(peerIDs(keys))
	e := newTestEngine(t, topo, keys[0].priv)

	block := core.NewBlock(1, "prev", nil)
	// leader + both validating peers, no proxy tail: 3 votes but proxyTailVotes=0
	signBlock(block, keys[0].priv, keys[1].priv, keys[2].priv)
	if e.quorumSatisfied(block) {
		t.Error("quorum should require a proxy tail signature, not just 3 votes")
	}

	block2 := core.NewBlock(1, "prev", nil)
	signBlock(block2, keys[0].priv, keys[1].priv, keys[3].priv) // leader + 1 validator + proxy tail
	if !e.quorumSatisfied(block2) {
		t.Error("leader + validator + proxy tail should satisfy quorum for n=4 (2f+1=3)")
	}
}

func TestQuorumSatisfiedDedupesRepeatedSigner(t *testing.T) {
	keys := fourPeerKeys(t)
	topo := topology.New(peerIDs(keys))
	e := newTestEngine(t, topo, keys[0].priv)

	block := core.NewBlock(1, "prev", nil)
	block.SetHash()
	block.AddSignature(keys[0].priv)
	block.AddSignature(keys[0].priv) // same signer twice: 2 distinct signers, 3 if double-counted
	block.AddSignature(keys[3].priv) // proxy tail

	if e.quorumSatisfied(block) {
		t.Error("a repeated signer must not be double-counted toward quorum")
	}
}

func TestQuorumSatisfiedRejectsInvalidSignature(t *testing.T) {
	keys := fourPeerKeys(t)
	topo := topology.New(peerIDs(keys))
	e := newTestEngine(t, topo, keys[0].priv)

	block := core.NewBlock(1, "prev", nil)
	block.SetHash()
	block.AddSignature(keys[0].priv)
	block.AddSignature(keys[1].priv)
	block.AddSignature(keys[3].priv)
	// Tamper with the proxy tail's signature so it no longer verifies.
	block.Signatures[2] = signing.Signature{SignerPublicKey: keys[3].peer.PublicKey, Signature: "garbage"}

	if e.quorumSatisfied(block) {
		t.Error("a block with a forged proxy tail signature must not satisfy quorum")
	}
}

func TestSingleNodeProposeCommitsDirectly(t *testing.T) {
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	topo := topology.New([]topology.PeerId{{Address: "solo:1", PublicKey: pub.Hex()}})
	e := newTestEngine(t, topo, priv)

	if err := e.wsv.State().SetAccount(&core.Account{Address: pub.Hex(), Balance: 1000}); err != nil {
		t.Fatal(err)
	}
	if err := e.wsv.State().Commit(); err != nil {
		t.Fatal(err)
	}

	w := wallet.New(priv)
	txn, err := w.Transfer("receiver", 10, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	e.cache.Push(txn)

	e.proposeBlock()

	if e.bc.Height() != 1 {
		t.Fatalf("single-peer topology should commit its own proposal immediately, height=%d", e.bc.Height())
	}
	if e.votingBlock != nil {
		t.Error("votingBlock should be cleared after a direct single-node commit")
	}
}

func TestHandleBlockCreatedRejectsStaleView(t *testing.T) {
	keys := fourPeerKeys(t)
	topo := topology.New(peerIDs(keys))
	// keys[1] is a ValidatingPeer under the initial rotation.
	e := newTestEngine(t, topo, keys[1].priv)
	e.topo = e.topo.RebuildWithNewViewChangeCount(1)

	block := core.NewBlock(1, e.latestBlockHash(), nil)
	block.Header.ViewChangeIndex = 0 // stale: local view is now 1
	signBlock(block, keys[0].priv)

	e.handleBlockCreated(block)

	if e.votingBlock != nil {
		t.Error("a BlockCreated proposed under a stale view must be rejected, not accepted into votingBlock")
	}
}

func TestHandleBlockCreatedRejectsWrongHeight(t *testing.T) {
	keys := fourPeerKeys(t)
	topo := topology.New(peerIDs(keys))
	e := newTestEngine(t, topo, keys[1].priv)

	block := core.NewBlock(5, e.latestBlockHash(), nil) // height should be 1 (bc.Height()+1)
	signBlock(block, keys[0].priv)

	e.handleBlockCreated(block)

	if e.votingBlock != nil {
		t.Error("a BlockCreated at the wrong height must be rejected")
	}
}

func TestMergeVoteRejectsMismatchedBlock(t *testing.T) {
	keys := fourPeerKeys(t)
	topo := topology.New(peerIDs(keys))
	e := newTestEngine(t, topo, keys[3].priv) // proxy tail

	votingBlock := core.NewBlock(1, e.latestBlockHash(), nil)
	signBlock(votingBlock, keys[0].priv)
	e.votingBlock = votingBlock

	other := core.NewBlock(1, e.latestBlockHash(), nil)
	other.Header.Timestamp++ // force a different hash
	signBlock(other, keys[1].priv)

	if e.mergeVote(other) {
		t.Error("mergeVote must reject signatures for a block other than the one in flight")
	}
}

func TestMergeVoteMergesMatchingBlock(t *testing.T) {
	keys := fourPeerKeys(t)
	topo := topology.New(peerIDs(keys))
	e := newTestEngine(t, topo, keys[3].priv)

	votingBlock := core.NewBlock(1, e.latestBlockHash(), nil)
	signBlock(votingBlock, keys[0].priv)
	e.votingBlock = votingBlock

	incoming := &core.Block{Hash: votingBlock.Hash}
	incoming.Signatures = append(incoming.Signatures, signing.Sign(keys[1].priv, []byte(votingBlock.Hash)))

	if !e.mergeVote(incoming) {
		t.Fatal("mergeVote should accept a signature over the in-flight block's hash")
	}
	if len(e.votingBlock.Signatures) != 2 {
		t.Fatalf("expected 2 signatures after merge, got %d", len(e.votingBlock.Signatures))
	}
}
