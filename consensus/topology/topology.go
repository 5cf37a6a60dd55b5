// Package topology maintains the ordered peer set and derives role
// assignments from it. Rebuilding the topology is the only way roles ever
// change: on a view change (new view-change index) or on a block commit
// (rotation seeded by the new block hash).
package topology

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/tolelom/tolchain/consensus/signing"
)

// PeerId identifies a peer by its transport address and public key.
type PeerId struct {
	Address   string `json:"address"`
	PublicKey string `json:"public_key"` // hex-encoded ed25519 public key
}

// SameKey reports whether two PeerIds share the same public key, which is
// the equality used for online-peer liveness tracking.
func (p PeerId) SameKey(o PeerId) bool { return p.PublicKey == o.PublicKey }

// Role is the consensus duty assigned to a peer for the current view.
type Role int

const (
	RoleObservingPeer Role = iota
	RoleValidatingPeer
	RoleLeader
	RoleProxyTail
)

func (r Role) String() string {
	switch r {
	case RoleLeader:
		return "Leader"
	case RoleProxyTail:
		return "ProxyTail"
	case RoleValidatingPeer:
		return "ValidatingPeer"
	default:
		return "ObservingPeer"
	}
}

// Topology is a totally ordered peer set plus a view-change counter. Role
// assignment is a pure function of (peers, viewChangeIndex, hashSeed): the
// effective rotation is the cyclic shift (hashSeed + viewChangeIndex) mod n.
type Topology struct {
	peers           []PeerId
	viewChangeIndex uint64
	hashSeed        int // rotation offset derived from the latest committed block hash, frozen until the next commit
}

// New builds a Topology from an unordered peer set. Peers are sorted by
// public key so that every node derives an identical ordering.
func New(peers []PeerId) Topology {
	t := Topology{peers: sortedCopy(peers)}
	return t
}

func sortedCopy(peers []PeerId) []PeerId {
	out := make([]PeerId, len(peers))
	copy(out, peers)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].PublicKey > out[j].PublicKey; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// N returns the number of peers in the topology.
func (t Topology) N() int { return len(t.peers) }

// MaxFaults returns f = floor((n-1)/3), the maximum tolerated faulty peers.
func (t Topology) MaxFaults() int {
	n := len(t.peers)
	if n == 0 {
		return 0
	}
	return (n - 1) / 3
}

// MinVotesForCommit returns 2f+1, the quorum size.
func (t Topology) MinVotesForCommit() int {
	return 2*t.MaxFaults() + 1
}

// IsConsensusRequired is false for networks of fewer than four peers, in
// which case the Leader commits without broadcasting for votes.
func (t Topology) IsConsensusRequired() bool {
	return len(t.peers) >= 4
}

// SortedPeers returns the canonical peer ordering (rotated by view/height).
func (t Topology) SortedPeers() []PeerId {
	n := len(t.peers)
	if n == 0 {
		return nil
	}
	rotation := (t.hashSeed + int(t.viewChangeIndex%uint64(n))) % n
	out := make([]PeerId, n)
	for i := range out {
		out[i] = t.peers[(i+rotation)%n]
	}
	return out
}

// Role returns the duty assigned to peer under the current rotation.
func (t Topology) Role(peer PeerId) Role {
	sorted := t.SortedPeers()
	n := len(sorted)
	for i, p := range sorted {
		if !p.SameKey(peer) {
			continue
		}
		switch {
		case i == 0:
			return RoleLeader
		case n >= 4 && i == n-1:
			return RoleProxyTail
		case n >= 4 && i <= 2*t.MaxFaults():
			return RoleValidatingPeer
		default:
			return RoleObservingPeer
		}
	}
	return RoleObservingPeer
}

// RoleByKey returns the role of the peer whose public key is pubKeyHex, or
// RoleObservingPeer if no such peer is a member of this topology.
func (t Topology) RoleByKey(pubKeyHex string) Role {
	for _, p := range t.peers {
		if p.PublicKey == pubKeyHex {
			return t.Role(p)
		}
	}
	return RoleObservingPeer
}

// Leader returns the current leader peer. Panics if the topology is empty;
// callers always hold a non-empty topology once configured.
func (t Topology) Leader() PeerId {
	sorted := t.SortedPeers()
	return sorted[0]
}

// ProxyTail returns the current proxy tail peer (only meaningful when
// n >= 4; for smaller networks it returns the last sorted peer).
func (t Topology) ProxyTail() PeerId {
	sorted := t.SortedPeers()
	return sorted[len(sorted)-1]
}

// ValidatingPeers returns the 2f validating peers.
func (t Topology) ValidatingPeers() []PeerId {
	sorted := t.SortedPeers()
	n := len(sorted)
	if n < 4 {
		return nil
	}
	f := t.MaxFaults()
	return append([]PeerId(nil), sorted[1:1+2*f]...)
}

// PeersSetA returns validating peers plus the proxy tail: the set the
// Leader broadcasts BlockCreated to.
func (t Topology) PeersSetA() []PeerId {
	out := append([]PeerId(nil), t.ValidatingPeers()...)
	if t.N() >= 4 {
		out = append(out, t.ProxyTail())
	}
	return out
}

// FilterSignaturesByRoles returns the subset of sigs whose signer public key
// maps to one of roles under this topology. Signatures from unknown keys are
// silently discarded. The engine's quorum check (quorumSatisfied in
// consensus/sumeragi) does not call this; it resolves roles with RoleByKey.
func (t Topology) FilterSignaturesByRoles(roles []Role, sigs []signing.Signature) []signing.Signature {
	wanted := make(map[Role]bool, len(roles))
	for _, r := range roles {
		wanted[r] = true
	}
	byKey := make(map[string]Role, len(t.peers))
	for _, p := range t.peers {
		byKey[p.PublicKey] = t.Role(p)
	}
	var out []signing.Signature
	for _, s := range sigs {
		if role, ok := byKey[s.SignerPublicKey]; ok && wanted[role] {
			out = append(out, s)
		}
	}
	return out
}

// RebuildWithNewViewChangeCount returns a new topology with the view-change
// index set to v, keeping the hash seed frozen at the last commit (no new
// block hash involved — this happens mid-view, between commits). Effective
// rotation is (hashSeed + v) mod n, so role assignment after a view change
// still depends on the latest committed block hash as well as v.
func (t Topology) RebuildWithNewViewChangeCount(v uint64) Topology {
	return Topology{peers: t.peers, viewChangeIndex: v, hashSeed: t.hashSeed}
}

// RefreshAtNewBlock resets the view-change index to 0 and reseeds the hash
// seed from the newly committed block hash.
func (t Topology) RefreshAtNewBlock(blockHash string) Topology {
	n := len(t.peers)
	out := Topology{peers: t.peers, viewChangeIndex: 0}
	if n > 0 {
		out.hashSeed = hashOffset(blockHash) % n
	}
	return out
}

// WithPeers replaces the peer set if its membership (by public key) differs
// from the current one, rebuilding at view-change index 0. If membership is
// unchanged (same set, any order), the receiver is returned unmodified so
// that rotation state carries over.
func (t Topology) WithPeers(peers []PeerId) Topology {
	if sameMembership(t.peers, peers) {
		return t
	}
	return New(peers)
}

func sameMembership(a, b []PeerId) bool {
	sa := mapset.NewThreadUnsafeSet[string]()
	for _, p := range a {
		sa.Add(p.PublicKey)
	}
	sb := mapset.NewThreadUnsafeSet[string]()
	for _, p := range b {
		sb.Add(p.PublicKey)
	}
	return sa.Equal(sb)
}

func hashOffset(blockHash string) int {
	h := sha256.Sum256([]byte(blockHash))
	v := binary.BigEndian.Uint64(h[:8])
	if v > 1<<62 {
		v %= 1 << 62 // keep the value non-negative once converted to a 64-bit int
	}
	return int(v)
}

// ViewChangeIndex returns the topology's current view-change counter.
func (t Topology) ViewChangeIndex() uint64 { return t.viewChangeIndex }

// String renders a short human-readable summary, handy in logs.
func (t Topology) String() string {
	return fmt.Sprintf("Topology{n=%d, v=%d}", len(t.peers), t.viewChangeIndex)
}

// PubKeyHex is a convenience to build a PeerId's public key field from raw
// bytes-ish hex input; kept here since PeerId construction is common at
// config-load time.
func PubKeyHex(s string) (string, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("invalid public key hex: %w", err)
	}
	return hex.EncodeToString(b), nil
}
