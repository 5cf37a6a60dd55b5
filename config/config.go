package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tolelom/tolchain/consensus/topology"
)

// TLSConfig holds paths to the PEM files needed for mTLS.
// When nil or all paths empty, the node falls back to plain TCP.
type TLSConfig struct {
	CACert   string `json:"ca_cert"`   // CA certificate PEM path
	NodeCert string `json:"node_cert"` // node certificate PEM path
	NodeKey  string `json:"node_key"`  // node private key PEM path
}

// SeedPeer identifies a remote node to connect to on startup.
type SeedPeer struct {
	ID   string `json:"id"`   // remote node ID
	Addr string `json:"addr"` // host:port
}

// GenesisConfig describes the chain's initial state.
type GenesisConfig struct {
	ChainID string            `json:"chain_id"`
	Alloc   map[string]uint64 `json:"alloc"` // pubkey hex → initial balance
}

// TransactionLimits bounds the cost of a single transaction's payload and
// execution. The values are loaded with the config; the VM executor does not
// check them.
type TransactionLimits struct {
	MaxWasmSizeBytes int `json:"max_wasm_size_bytes"`
	MaxInstructions  int `json:"max_instructions"`
}

// Config holds all node configuration.
type Config struct {
	NodeID  string `json:"node_id"`
	DataDir string `json:"data_dir"`
	RPCPort int    `json:"rpc_port"`
	P2PPort int    `json:"p2p_port"`

	// TrustedPeers is the genesis peer set the topology is seeded from.
	TrustedPeers []topology.PeerId `json:"trusted_peers"`

	BlockTimeMs       int64             `json:"block_time_ms"`        // deadline for Leader to assemble a block
	CommitTimeLimitMs int64             `json:"commit_time_limit_ms"` // deadline for a voting block to reach quorum
	GossipBatchSize   int               `json:"gossip_batch_size"`    // max cached txs gossiped per period
	GossipPeriodMs    int64             `json:"gossip_period_ms"`     // how often the cache is gossiped
	TxsInBlock        int               `json:"txs_in_block"`         // max transactions per block
	TransactionLimits TransactionLimits `json:"transaction_limits"`
	TxCacheCapacity   int               `json:"tx_cache_capacity"`  // bound on the loop-owned tx cache
	TxTimeToLiveMs    int64             `json:"tx_time_to_live_ms"` // cache residency limit per transaction

	Genesis      GenesisConfig `json:"genesis"`
	SeedPeers    []SeedPeer    `json:"seed_peers,omitempty"`     // initial peers to connect to
	TLS          *TLSConfig    `json:"tls,omitempty"`            // nil → plain TCP
	RPCAuthToken string        `json:"rpc_auth_token,omitempty"` // empty → no auth
}

// DefaultConfig returns a single-node development configuration.
func DefaultConfig() *Config {
	return &Config{
		NodeID:            "node0",
		DataDir:           "./data",
		RPCPort:           8545,
		P2PPort:           30303,
		BlockTimeMs:       2000,
		CommitTimeLimitMs: 4000,
		GossipBatchSize:   50,
		GossipPeriodMs:    1000,
		TxsInBlock:        500,
		TransactionLimits: TransactionLimits{MaxWasmSizeBytes: 4 << 20, MaxInstructions: 1_000_000},
		TxCacheCapacity:   5000,
		TxTimeToLiveMs:    int64(time.Hour / time.Millisecond),
		Genesis: GenesisConfig{
			ChainID: "tolchain-dev",
			Alloc:   map[string]uint64{},
		},
	}
}

// Load reads a JSON config file from path and validates required fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required fields are present and well-formed.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.Genesis.ChainID == "" {
		return fmt.Errorf("genesis.chain_id must not be empty")
	}
	if c.RPCPort <= 0 || c.RPCPort > 65535 {
		return fmt.Errorf("rpc_port must be 1-65535, got %d", c.RPCPort)
	}
	if c.P2PPort <= 0 || c.P2PPort > 65535 {
		return fmt.Errorf("p2p_port must be 1-65535, got %d", c.P2PPort)
	}
	if c.RPCPort == c.P2PPort {
		return fmt.Errorf("rpc_port and p2p_port must not be the same (%d)", c.RPCPort)
	}
	if len(c.TrustedPeers) == 0 {
		return fmt.Errorf("trusted_peers list must not be empty")
	}
	for i, p := range c.TrustedPeers {
		b, err := hex.DecodeString(p.PublicKey)
		if err != nil || len(b) != 32 {
			return fmt.Errorf("trusted_peers[%d]: public_key must be 64-char hex (32 bytes ed25519 pubkey), got %q", i, p.PublicKey)
		}
		if p.Address == "" {
			return fmt.Errorf("trusted_peers[%d]: address must not be empty", i)
		}
	}
	if c.BlockTimeMs <= 0 {
		return fmt.Errorf("block_time_ms must be positive")
	}
	if c.CommitTimeLimitMs <= 0 {
		return fmt.Errorf("commit_time_limit_ms must be positive")
	}
	if c.TxsInBlock <= 0 {
		return fmt.Errorf("txs_in_block must be positive")
	}
	if c.TxCacheCapacity <= 0 {
		return fmt.Errorf("tx_cache_capacity must be positive")
	}
	if c.TLS != nil {
		t := c.TLS
		allSet := t.CACert != "" && t.NodeCert != "" && t.NodeKey != ""
		allEmpty := t.CACert == "" && t.NodeCert == "" && t.NodeKey == ""
		if !allSet && !allEmpty {
			return fmt.Errorf("tls: all three paths (ca_cert, node_cert, node_key) must be set or all empty")
		}
	}
	return nil
}

// Save writes the config to path as formatted JSON.
func Save(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
