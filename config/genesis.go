package config

import (
	"strings"

	"github.com/tolelom/tolchain/consensus/topology"
	"github.com/tolelom/tolchain/core"
	"github.com/tolelom/tolchain/crypto"
)

// GenesisHash is a canonical all-zeros previous hash for the genesis block.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// CreateGenesisBlock builds block #0 from the config's Alloc map, stamps it
// with genesisTopology (the trust anchor every peer bootstraps from) and
// signs it with proposerPriv. It also sets initial account balances in
// state and commits. The caller (consensus/sumeragi/genesis.go) is
// responsible for committing the block to the chain and broadcasting it.
func CreateGenesisBlock(cfg *Config, state core.State, genesisTopology topology.Topology, proposerPriv crypto.PrivateKey) (*core.Block, error) {
	for pubkeyHex, balance := range cfg.Genesis.Alloc {
		acc := &core.Account{
			Address: pubkeyHex,
			Balance: balance,
			Nonce:   0,
		}
		if err := state.SetAccount(acc); err != nil {
			return nil, err
		}
	}

	stateRoot := state.ComputeRoot()
	if err := state.Commit(); err != nil {
		return nil, err
	}

	block := core.NewBlock(0, GenesisHash, nil)
	block.Header.StateRoot = stateRoot
	// TxRoot has no transactions to hash at genesis; embed the chain ID
	// instead so the field still identifies this chain uniquely.
	block.Header.TxRoot = crypto.Hash([]byte(cfg.Genesis.ChainID))
	block.Header.GenesisTopology = &genesisTopology
	block.SetHash()
	block.AddSignature(proposerPriv)
	return block, nil
}

// IsGenesisHash returns true if the hash is the canonical genesis prev-hash.
func IsGenesisHash(h string) bool {
	return strings.Count(h, "0") == len(h) && len(h) == 64
}
