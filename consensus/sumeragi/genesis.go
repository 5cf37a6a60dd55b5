package sumeragi

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/tolelom/tolchain/config"
	"github.com/tolelom/tolchain/core"
	"github.com/tolelom/tolchain/network"
)

// Bootstrap brings the chain to height 0 before Run's main loop starts. If
// this node is the genesis peer (isGenesisPeer, decided by cmd/node from
// local config) it assembles and broadcasts block #0; otherwise it waits to
// receive one from the network and adopts whatever topology it carries.
//
// Callers must invoke this once, after New and before Run, with the node's
// network.Node already listening so peers can reach it.
func (e *Engine) Bootstrap(cfg *config.Config, isGenesisPeer bool) error {
	if isGenesisPeer {
		return e.bootstrapAsGenesisPeer(cfg)
	}
	return e.bootstrapByWaiting()
}

func (e *Engine) bootstrapAsGenesisPeer(cfg *config.Config) error {
	time.Sleep(250 * time.Millisecond) // give peers time to connect first

	if e.bc.Height() != 0 || e.bc.Tip() != nil {
		return fmt.Errorf("genesis peer must start from an empty chain")
	}

	e.wsv.Lock()
	block, err := config.CreateGenesisBlock(cfg, e.wsv.State(), e.topo, e.privKey)
	e.wsv.Unlock()
	if err != nil {
		return fmt.Errorf("build genesis block: %w", err)
	}

	if err := block.VerifyIntegrity(); err != nil {
		return fmt.Errorf("genesis block integrity: %w", err)
	}

	e.commitGenesis(block)
	e.broadcast(network.MsgBlockCommitted, BlockCommitted{Block: block, IsGenesis: true})
	log.Printf("[consensus] genesis block committed, hash=%s", block.Hash)
	return nil
}

func (e *Engine) bootstrapByWaiting() error {
	log.Printf("[consensus] waiting for genesis block from the network")
	for {
		env, ok := e.tryRecv()
		if !ok {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if env.msgType != network.MsgBlockCommitted {
			continue // ignore every other message kind during genesis wait
		}
		var m BlockCommitted
		if err := json.Unmarshal(env.payload, &m); err != nil {
			continue
		}
		if !m.IsGenesis || m.Block == nil || m.Block.Header.GenesisTopology == nil {
			continue
		}
		if err := m.Block.VerifyIntegrity(); err != nil {
			log.Printf("[consensus] rejecting genesis block: %v", err)
			continue
		}
		e.topo = *m.Block.Header.GenesisTopology
		// re-resolve self now that the real topology (not our bare guess) is known
		for _, p := range e.topo.SortedPeers() {
			if p.PublicKey == e.self.PublicKey {
				e.self = p
				break
			}
		}
		e.commitGenesis(m.Block)
		log.Printf("[consensus] adopted genesis block, hash=%s role=%s", m.Block.Hash, e.topo.RoleByKey(e.self.PublicKey))
		return nil
	}
}

// commitGenesis applies the height-0 block directly, bypassing the normal
// quorum check: on the genesis peer the block was built from local
// configuration; on the waiting path it is accepted once it carries the
// genesis flag and a topology and passes VerifyIntegrity. The embedded
// topology is not compared against the peer's own trusted peers.
func (e *Engine) commitGenesis(block *core.Block) {
	e.wsv.Lock()
	if err := e.bc.AddBlock(block); err != nil {
		e.wsv.Unlock()
		log.Fatalf("[consensus] FATAL: genesis block rejected by durable store: %v", err)
	}
	if err := e.wsv.State().Commit(); err != nil {
		e.wsv.Unlock()
		log.Fatalf("[consensus] FATAL: genesis state commit failed: %v", err)
	}
	e.wsv.Unlock()

	e.topo = e.topo.RefreshAtNewBlock(block.Hash)
	e.lastHeight = block.Header.Height
}
