// Package sumeragi implements the single-threaded, role-dispatched BFT
// consensus loop: topology-based ordering in place of simple round-robin
// proposer rotation. The engine owns no goroutines of its own beyond what
// network.Node already runs for transport; Run is meant to be called from a
// single loop goroutine started by cmd/node.
package sumeragi

import (
	"encoding/json"
	"log"
	"math/rand"
	"time"

	"github.com/tolelom/tolchain/config"
	"github.com/tolelom/tolchain/consensus/signing"
	"github.com/tolelom/tolchain/consensus/topology"
	"github.com/tolelom/tolchain/consensus/txcache"
	"github.com/tolelom/tolchain/consensus/viewchange"
	"github.com/tolelom/tolchain/core"
	"github.com/tolelom/tolchain/crypto"
	"github.com/tolelom/tolchain/events"
	"github.com/tolelom/tolchain/network"
	"github.com/tolelom/tolchain/vm"
)

// inboundEnvelope is one received, not-yet-decoded consensus message.
type inboundEnvelope struct {
	msgType network.MsgType
	payload json.RawMessage
}

// Engine is the Sumeragi consensus loop. One Engine exists per node.
type Engine struct {
	cfg     *config.Config
	bc      *core.Blockchain
	wsv     *PublicWSV
	mempool *core.Mempool
	exec    *vm.Executor
	emitter *events.Emitter
	node    *network.Node

	self    topology.PeerId
	privKey crypto.PrivateKey

	topo       topology.Topology
	proofChain viewchange.ProofChain
	cache      *txcache.Cache
	rng        *rand.Rand

	// votingBlock is the block currently collecting signatures, nil when no
	// round is in flight for the current height.
	votingBlock *core.Block

	lastHeight          int64
	lastViewChangeIndex uint64
	hasSentTransactions bool
	shouldSleep         bool

	blockDeadline    time.Time
	commitDeadline   time.Time
	pipelineDeadline time.Time
	nextGossip       time.Time

	committedTxIDs map[string]bool
	committedOrder []string

	inbox chan inboundEnvelope
}

// New builds an Engine. genesisTopology is the topology to start from:
// cmd/node passes the trusted-peer topology replayed over any committed
// blocks. On a fresh chain, Bootstrap (genesis.go) then replaces it with the
// topology carried by the genesis block when this node is not the genesis
// peer.
func New(cfg *config.Config, bc *core.Blockchain, wsv *PublicWSV, mempool *core.Mempool, exec *vm.Executor, emitter *events.Emitter, node *network.Node, privKey crypto.PrivateKey, genesisTopology topology.Topology) *Engine {
	pub := privKey.Public().Hex()
	self := topology.PeerId{PublicKey: pub}
	for _, p := range genesisTopology.SortedPeers() {
		if p.PublicKey == pub {
			self = p
			break
		}
	}
	e := &Engine{
		cfg:            cfg,
		bc:             bc,
		wsv:            wsv,
		mempool:        mempool,
		exec:           exec,
		emitter:        emitter,
		node:           node,
		self:           self,
		privKey:        privKey,
		topo:           genesisTopology,
		cache:          txcache.New(cfg.TxCacheCapacity, time.Duration(cfg.TxTimeToLiveMs)*time.Millisecond),
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
		committedTxIDs: make(map[string]bool),
		inbox:          make(chan inboundEnvelope, 256),
		lastHeight:     -1, // forces the first Run tick to reset deadlines
	}
	e.registerHandlers()
	return e
}

// Topology returns the engine's current topology, used by cmd/node to print
// startup diagnostics and by tests to assert role assignment.
func (e *Engine) Topology() topology.Topology { return e.topo }

func (e *Engine) registerHandlers() {
	e.node.Handle(network.MsgBlockCreated, e.onNetworkMessage)
	e.node.Handle(network.MsgBlockSigned, e.onNetworkMessage)
	e.node.Handle(network.MsgBlockCommitted, e.onNetworkMessage)
	e.node.Handle(network.MsgTransactionForwarded, e.onNetworkMessage)
	e.node.Handle(network.MsgViewChangeSuggested, e.onNetworkMessage)
	e.node.Handle(network.MsgTransactionGossip, e.onNetworkMessage)
}

// onNetworkMessage is the network.MessageHandler registered for every
// consensus message type. It never blocks: a full inbox means a faulty or
// overwhelming peer, and the message is dropped rather than stalling the
// reader goroutine.
func (e *Engine) onNetworkMessage(_ *network.Peer, msg network.Message) {
	select {
	case e.inbox <- inboundEnvelope{msgType: msg.Type, payload: msg.Payload}:
	default:
		log.Printf("[consensus] inbox full, dropping %s", msg.Type)
	}
}

func (e *Engine) tryRecv() (inboundEnvelope, bool) {
	select {
	case env := <-e.inbox:
		return env, true
	default:
		return inboundEnvelope{}, false
	}
}

// Run is the cooperative event loop. It returns when shutdown is closed.
func (e *Engine) Run(shutdown <-chan struct{}) {
	for {
		select {
		case <-shutdown:
			return
		default:
		}

		if e.shouldSleep {
			time.Sleep(5 * time.Millisecond)
			e.shouldSleep = false
		}

		e.reconcilePeers()
		e.refreshCache()
		e.maybeGossip()

		env, handled := e.tryRecv()
		e.pruneAndVerifyProofChain()
		e.checkHeightChanged()
		e.checkViewChangeIndexChanged()
		e.dispatch(env, handled)

		if !handled {
			e.shouldSleep = true
		}
	}
}

// reconcilePeers connects to every topology member not yet connected and
// drops connections to peers no longer in the topology, keeping the P2P
// mesh in sync with a peer set that can change under rotation.
func (e *Engine) reconcilePeers() {
	want := make(map[string]bool, e.topo.N())
	for _, p := range e.topo.SortedPeers() {
		if p.PublicKey == e.self.PublicKey {
			continue
		}
		want[p.Address] = true
		if e.node.Peer(p.Address) == nil {
			if err := e.node.ConnectPeer(p.Address, p.Address); err != nil {
				log.Printf("[consensus] connect to %s: %v", p.Address, err)
			}
		}
	}
	for _, id := range e.node.PeerIDs() {
		if !want[id] {
			e.node.DisconnectPeer(id)
		}
	}
}

// refreshCache drops expired entries and pulls newly-queued transactions in
// from the external mempool, bounded by the cache's capacity.
func (e *Engine) refreshCache() {
	if dropped := e.cache.CompactExpired(time.Now()); dropped > 0 {
		log.Printf("[consensus] dropped %d expired cached txs", dropped)
	}
	e.cache.Fill(e.mempool.PopWithoutSeen)
}

func (e *Engine) maybeGossip() {
	now := time.Now()
	if now.Before(e.nextGossip) {
		return
	}
	e.nextGossip = now.Add(time.Duration(e.cfg.GossipPeriodMs) * time.Millisecond)
	batch := e.cache.GossipBatch(e.cfg.GossipBatchSize)
	if len(batch) == 0 {
		return
	}
	e.broadcast(network.MsgTransactionGossip, TransactionGossip{Txs: batch})
}

func (e *Engine) latestBlockHash() string {
	if tip := e.bc.Tip(); tip != nil {
		return tip.Hash
	}
	return config.GenesisHash
}

// pruneAndVerifyProofChain drops proofs bound to a superseded block hash,
// the housekeeping half of checkViewChangeIndexChanged's re-verification.
func (e *Engine) pruneAndVerifyProofChain() {
	e.proofChain.Prune(e.latestBlockHash())
}

func (e *Engine) checkHeightChanged() {
	h := e.bc.Height()
	if h == e.lastHeight {
		return
	}
	e.lastHeight = h
	e.votingBlock = nil
	e.hasSentTransactions = false
	e.pipelineDeadline = time.Time{}
	e.blockDeadline = time.Now().Add(time.Duration(e.cfg.BlockTimeMs) * time.Millisecond)
}

func (e *Engine) checkViewChangeIndexChanged() {
	depth := uint64(e.proofChain.VerifyWithState(e.topo.SortedPeers(), e.topo.MaxFaults(), e.latestBlockHash()))
	if depth == e.topo.ViewChangeIndex() {
		return
	}
	e.topo = e.topo.RebuildWithNewViewChangeCount(depth)
	e.lastViewChangeIndex = depth
	e.votingBlock = nil
	log.Printf("[consensus] view change: now v=%d leader=%s", depth, e.topo.Leader().Address)
}

func (e *Engine) mergeProofChain(foreign viewchange.ProofChain) {
	if len(foreign) == 0 {
		return
	}
	peers := e.topo.SortedPeers()
	f := e.topo.MaxFaults()
	latest := e.latestBlockHash()
	for _, p := range foreign {
		e.proofChain.InsertProof(peers, f, latest, p)
	}
}

func (e *Engine) dispatch(env inboundEnvelope, handled bool) {
	switch e.topo.RoleByKey(e.self.PublicKey) {
	case topology.RoleLeader:
		e.runLeader(env, handled)
	case topology.RoleValidatingPeer:
		e.runValidatingPeer(env, handled)
	case topology.RoleProxyTail:
		e.runProxyTail(env, handled)
	default:
		e.runObservingPeer(env, handled)
	}
}

// --- message transport helpers ---

func (e *Engine) broadcast(typ network.MsgType, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[consensus] marshal %s: %v", typ, err)
		return
	}
	e.node.Broadcast(network.Message{Type: typ, Payload: data})
}

func (e *Engine) broadcastTo(peers []topology.PeerId, typ network.MsgType, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[consensus] marshal %s: %v", typ, err)
		return
	}
	for _, p := range peers {
		if p.PublicKey == e.self.PublicKey {
			continue
		}
		if err := e.node.Unicast(p.Address, network.Message{Type: typ, Payload: data}); err != nil {
			log.Printf("[consensus] send %s to %s: %v", typ, p.Address, err)
		}
	}
}

func (e *Engine) unicast(peer topology.PeerId, typ network.MsgType, payload any) {
	if peer.PublicKey == e.self.PublicKey {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[consensus] marshal %s: %v", typ, err)
		return
	}
	if err := e.node.Unicast(peer.Address, network.Message{Type: typ, Payload: data}); err != nil {
		log.Printf("[consensus] send %s to %s: %v", typ, peer.Address, err)
	}
}

// --- Leader role ---

func (e *Engine) runLeader(env inboundEnvelope, handled bool) {
	if handled {
		switch env.msgType {
		case network.MsgTransactionForwarded:
			var m TransactionForwarded
			if err := json.Unmarshal(env.payload, &m); err == nil {
				e.mergeProofChain(m.Proofs)
				e.cache.Push(m.Tx)
			}
		case network.MsgBlockCommitted:
			var m BlockCommitted
			if err := json.Unmarshal(env.payload, &m); err == nil {
				e.mergeProofChain(viewChangeProofsOf(m.Block))
				e.acceptIfQuorumed(m.Block)
			}
		case network.MsgViewChangeSuggested:
			var m ViewChangeSuggested
			if err := json.Unmarshal(env.payload, &m); err == nil {
				e.mergeProofChain(m.Proofs)
			}
		}
	}

	if e.votingBlock == nil {
		if e.cache.Len() > 0 && (time.Now().After(e.blockDeadline) || e.cache.Full()) {
			e.proposeBlock()
		}
		return
	}

	if time.Now().After(e.commitDeadline) {
		e.requestViewChange()
		e.commitDeadline = time.Now().Add(time.Duration(e.cfg.CommitTimeLimitMs) * time.Millisecond)
	}
}

func (e *Engine) proposeBlock() {
	txs := e.cache.All()
	if len(txs) > e.cfg.TxsInBlock {
		txs = txs[:e.cfg.TxsInBlock]
	}
	block := core.NewBlock(e.bc.Height()+1, e.latestBlockHash(), txs)
	block.Header.ViewChangeIndex = e.topo.ViewChangeIndex()
	block.ViewChangeProofs = e.proofChain.Clone()

	if err := e.stampStateRoot(block); err != nil {
		log.Printf("[consensus] propose block %d: %v", block.Header.Height, err)
		return
	}
	block.SetHash()
	block.AddSignature(e.privKey)

	if !e.topo.IsConsensusRequired() {
		e.commitBlock(block)
		e.broadcast(network.MsgBlockCommitted, BlockCommitted{Block: block})
		return
	}

	e.votingBlock = block
	e.commitDeadline = time.Now().Add(time.Duration(e.cfg.CommitTimeLimitMs) * time.Millisecond)
	e.broadcastTo(e.topo.PeersSetA(), network.MsgBlockCreated, BlockCreated{Block: block})
}

// stampStateRoot executes block against the WSV under lock to compute its
// state root, then reverts — nothing here is persisted. The same sequence
// runs again, for real, in commitBlock once the block reaches quorum.
func (e *Engine) stampStateRoot(block *core.Block) error {
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
	block.Header.StateRoot = st.ComputeRoot()
	return nil
}

// acceptIfQuorumed commits block if it reaches quorum and extends the
// current tip, used when a BlockCommitted arrives out of band (e.g. the
// Leader itself receives confirmation a ProxyTail already assembled).
func (e *Engine) acceptIfQuorumed(block *core.Block) {
	if block == nil || block.Header.PrevHash != e.latestBlockHash() {
		return
	}
	if !e.quorumSatisfied(block) {
		return
	}
	if err := e.revalidate(block); err != nil {
		log.Printf("[consensus] rejecting committed block %d: %v", block.Header.Height, err)
		return
	}
	e.commitBlock(block)
}

// --- ValidatingPeer role ---

func (e *Engine) runValidatingPeer(env inboundEnvelope, handled bool) {
	if handled {
		switch env.msgType {
		case network.MsgBlockCreated:
			var m BlockCreated
			if err := json.Unmarshal(env.payload, &m); err == nil {
				e.mergeProofChain(viewChangeProofsOf(m.Block))
				e.handleBlockCreated(m.Block)
			}
		case network.MsgBlockCommitted:
			var m BlockCommitted
			if err := json.Unmarshal(env.payload, &m); err == nil {
				e.mergeProofChain(viewChangeProofsOf(m.Block))
				e.acceptIfQuorumed(m.Block)
			}
		case network.MsgViewChangeSuggested:
			var m ViewChangeSuggested
			if err := json.Unmarshal(env.payload, &m); err == nil {
				e.mergeProofChain(m.Proofs)
			}
		}
	}
	e.nonLeaderLivenessProbe()
}

// handleBlockCreated is shared by ValidatingPeer and ProxyTail: both
// revalidate an incoming proposal, sign it, and forward their vote on —
// ValidatingPeer to the ProxyTail, ProxyTail to itself (folded into its own
// accumulator).
func (e *Engine) handleBlockCreated(block *core.Block) {
	if e.votingBlock != nil {
		log.Printf("[consensus] rejecting BlockCreated for height %d: already voting", block.Header.Height)
		return
	}
	if block.Header.Height != e.bc.Height()+1 || block.Header.PrevHash != e.latestBlockHash() {
		log.Printf("[consensus] rejecting BlockCreated: height/prev_hash mismatch")
		return
	}
	if block.Header.ViewChangeIndex != e.topo.ViewChangeIndex() {
		log.Printf("[consensus] rejecting BlockCreated: view_change_index %d != local %d", block.Header.ViewChangeIndex, e.topo.ViewChangeIndex())
		return
	}
	if block.VerifySignatures() == 0 || e.topo.RoleByKey(signerOf(block)) != topology.RoleLeader {
		log.Printf("[consensus] rejecting BlockCreated: not signed by the current leader")
		return
	}
	if err := block.VerifyIntegrity(); err != nil {
		log.Printf("[consensus] rejecting BlockCreated: %v", err)
		return
	}
	if err := e.revalidate(block); err != nil {
		log.Printf("[consensus] rejecting BlockCreated: %v", err)
		return
	}

	block.AddSignature(e.privKey)
	e.votingBlock = block
	e.commitDeadline = time.Now().Add(time.Duration(e.cfg.CommitTimeLimitMs) * time.Millisecond)

	switch e.topo.RoleByKey(e.self.PublicKey) {
	case topology.RoleValidatingPeer:
		e.unicast(e.topo.ProxyTail(), network.MsgBlockSigned, BlockSigned{Block: block})
	case topology.RoleProxyTail:
		if e.quorumSatisfied(block) {
			e.commitBlock(block)
			e.broadcast(network.MsgBlockCommitted, BlockCommitted{Block: block})
		}
	}
}

// signerOf returns the public key of a freshly-created block's sole
// signature (the Leader's), or "" if it has none yet.
func signerOf(block *core.Block) string {
	if len(block.Signatures) == 0 {
		return ""
	}
	return block.Signatures[0].SignerPublicKey
}

// --- ProxyTail role ---

func (e *Engine) runProxyTail(env inboundEnvelope, handled bool) {
	if handled {
		switch env.msgType {
		case network.MsgBlockCreated:
			var m BlockCreated
			if err := json.Unmarshal(env.payload, &m); err == nil {
				e.mergeProofChain(viewChangeProofsOf(m.Block))
				e.handleBlockCreated(m.Block)
			}
		case network.MsgBlockSigned:
			var m BlockSigned
			if err := json.Unmarshal(env.payload, &m); err == nil {
				if e.mergeVote(m.Block) && e.quorumSatisfied(e.votingBlock) {
					e.commitBlock(e.votingBlock)
					e.broadcast(network.MsgBlockCommitted, BlockCommitted{Block: e.votingBlock})
				}
			}
		case network.MsgBlockCommitted:
			var m BlockCommitted
			if err := json.Unmarshal(env.payload, &m); err == nil {
				e.mergeProofChain(viewChangeProofsOf(m.Block))
				e.acceptIfQuorumed(m.Block)
			}
		case network.MsgViewChangeSuggested:
			var m ViewChangeSuggested
			if err := json.Unmarshal(env.payload, &m); err == nil {
				e.mergeProofChain(m.Proofs)
			}
		}
	}
	e.nonLeaderLivenessProbe()

	if e.votingBlock != nil && time.Now().After(e.commitDeadline) {
		e.requestViewChange()
		e.commitDeadline = time.Now().Add(time.Duration(e.cfg.CommitTimeLimitMs) * time.Millisecond)
	}
}

// mergeVote folds incoming signatures into the in-flight voting block,
// rejecting anything that doesn't match the block currently being voted on.
func (e *Engine) mergeVote(incoming *core.Block) bool {
	if e.votingBlock == nil || incoming == nil || incoming.Hash != e.votingBlock.Hash {
		return false
	}
	before := len(e.votingBlock.Signatures)
	e.votingBlock.Signatures = signing.DedupeBySigner(append(e.votingBlock.Signatures, incoming.Signatures...))
	return len(e.votingBlock.Signatures) != before
}

// --- ObservingPeer role ---

func (e *Engine) runObservingPeer(env inboundEnvelope, handled bool) {
	if handled {
		switch env.msgType {
		case network.MsgBlockCommitted:
			var m BlockCommitted
			if err := json.Unmarshal(env.payload, &m); err == nil {
				e.mergeProofChain(viewChangeProofsOf(m.Block))
				e.acceptIfQuorumed(m.Block)
			}
		case network.MsgViewChangeSuggested:
			var m ViewChangeSuggested
			if err := json.Unmarshal(env.payload, &m); err == nil {
				e.mergeProofChain(m.Proofs)
			}
		}
	}
	e.nonLeaderLivenessProbe()
}

// --- shared non-leader behavior ---

// nonLeaderLivenessProbe forwards a single sampled cached transaction to the
// Leader once the block deadline has elapsed with nothing produced, giving
// the Leader both a transaction to include and this peer's view of the
// proof chain. Forwarding arms pipelineDeadline = block_time + commit_time;
// checkPipelineDeadline escalates to a view-change suggestion if no new
// block has appeared by the time it elapses — the mechanism that lets a
// silent Leader's faults surface as view-change proofs elsewhere in the
// topology.
func (e *Engine) nonLeaderLivenessProbe() {
	if e.hasSentTransactions {
		e.checkPipelineDeadline()
		return
	}
	if time.Now().Before(e.blockDeadline) {
		return
	}
	tx, ok := e.cache.Sample(e.rng.Intn)
	if !ok {
		return
	}
	e.hasSentTransactions = true
	e.pipelineDeadline = time.Now().Add(time.Duration(e.cfg.BlockTimeMs+e.cfg.CommitTimeLimitMs) * time.Millisecond)
	e.unicast(e.topo.Leader(), network.MsgTransactionForwarded, TransactionForwarded{
		Tx:     tx,
		From:   e.self,
		Proofs: e.proofChain.Clone(),
	})
}

// checkPipelineDeadline requests a view change once pipelineDeadline has
// elapsed with no new block having appeared, then extends the deadline by
// commit_time so a still-silent Leader keeps getting escalated.
func (e *Engine) checkPipelineDeadline() {
	if time.Now().Before(e.pipelineDeadline) {
		return
	}
	e.requestViewChange()
	e.pipelineDeadline = time.Now().Add(time.Duration(e.cfg.CommitTimeLimitMs) * time.Millisecond)
}

// ValidateBlock implements network.BlockValidator for the block-sync path:
// a block pulled from a peer during catch-up is checked for integrity and
// quorum exactly as a live BlockCommitted would be, without re-running it
// through the voting state machine.
func (e *Engine) ValidateBlock(block *core.Block) error {
	if err := block.VerifyIntegrity(); err != nil {
		return err
	}
	if !e.quorumSatisfied(block) {
		return errInsufficientQuorum
	}
	return nil
}
