package topology

import "testing"

func fourPeers() []PeerId {
	return []PeerId{
		{Address: "p1:1", PublicKey: "aa"},
		{Address: "p2:2", PublicKey: "bb"},
		{Address: "p3:3", PublicKey: "cc"},
		{Address: "p4:4", PublicKey: "dd"},
	}
}

func TestNewSortsByPublicKey(t *testing.T) {
	unordered := []PeerId{
		{Address: "p4:4", PublicKey: "dd"},
		{Address: "p1:1", PublicKey: "aa"},
		{Address: "p3:3", PublicKey: "cc"},
		{Address: "p2:2", PublicKey: "bb"},
	}
	topo := New(unordered)
	sorted := topo.SortedPeers()
	want := []string{"aa", "bb", "cc", "dd"}
	for i, p := range sorted {
		if p.PublicKey != want[i] {
			t.Fatalf("position %d: got %s want %s", i, p.PublicKey, want[i])
		}
	}
}

func TestRoleAssignmentFourPeers(t *testing.T) {
	topo := New(fourPeers())
	if r := topo.RoleByKey("aa"); r != RoleLeader {
		t.Errorf("peer aa: got %s want Leader", r)
	}
	if r := topo.RoleByKey("bb"); r != RoleValidatingPeer {
		t.Errorf("peer bb: got %s want ValidatingPeer", r)
	}
	if r := topo.RoleByKey("dd"); r != RoleProxyTail {
		t.Errorf("peer dd: got %s want ProxyTail", r)
	}
	if topo.MaxFaults() != 1 {
		t.Errorf("MaxFaults: got %d want 1", topo.MaxFaults())
	}
	if topo.MinVotesForCommit() != 3 {
		t.Errorf("MinVotesForCommit: got %d want 3", topo.MinVotesForCommit())
	}
	if !topo.IsConsensusRequired() {
		t.Error("4-peer topology should require consensus")
	}
}

func TestSinglePeerSkipsConsensus(t *testing.T) {
	topo := New([]PeerId{{Address: "solo:1", PublicKey: "aa"}})
	if topo.IsConsensusRequired() {
		t.Error("single-peer topology should not require consensus")
	}
	if topo.RoleByKey("aa") != RoleLeader {
		t.Error("sole peer should be Leader")
	}
}

func TestRoleByKeyUnknownPeerIsObserving(t *testing.T) {
	topo := New(fourPeers())
	if r := topo.RoleByKey("ff"); r != RoleObservingPeer {
		t.Errorf("unknown peer: got %s want ObservingPeer", r)
	}
}

func TestRefreshAtNewBlockResetsViewAndReseedsRotation(t *testing.T) {
	topo := New(fourPeers())
	topo = topo.RebuildWithNewViewChangeCount(2)
	if topo.ViewChangeIndex() != 2 {
		t.Fatalf("view change index: got %d want 2", topo.ViewChangeIndex())
	}
	refreshed := topo.RefreshAtNewBlock("somehash")
	if refreshed.ViewChangeIndex() != 0 {
		t.Errorf("refreshed view change index: got %d want 0", refreshed.ViewChangeIndex())
	}
}

func TestRefreshAtNewBlockIsDeterministic(t *testing.T) {
	topo := New(fourPeers())
	a := topo.RefreshAtNewBlock("blockhash-1")
	b := topo.RefreshAtNewBlock("blockhash-1")
	if a.Leader().PublicKey != b.Leader().PublicKey {
		t.Error("same hash should produce the same rotation")
	}
}

func TestWithPeersKeepsRotationWhenMembershipUnchanged(t *testing.T) {
	topo := New(fourPeers())
	topo = topo.RebuildWithNewViewChangeCount(3)
	same := fourPeers()
	refreshed := topo.WithPeers(same)
	if refreshed.ViewChangeIndex() != 3 {
		t.Errorf("unchanged membership should preserve rotation state, got view=%d", refreshed.ViewChangeIndex())
	}
}

func TestWithPeersRebuildsOnMembershipChange(t *testing.T) {
	topo := New(fourPeers())
	topo = topo.RebuildWithNewViewChangeCount(3)
	changed := append(fourPeers(), PeerId{Address: "p5:5", PublicKey: "ee"})
	refreshed := topo.WithPeers(changed)
	if refreshed.ViewChangeIndex() != 0 {
		t.Errorf("changed membership should rebuild at v=0, got view=%d", refreshed.ViewChangeIndex())
	}
	if refreshed.N() != 5 {
		t.Errorf("N: got %d want 5", refreshed.N())
	}
}

func TestPeersSetAExcludesLeaderAndObservers(t *testing.T) {
	peers := append(fourPeers(),
		PeerId{Address: "p5:5", PublicKey: "ee"},
		PeerId{Address: "p6:6", PublicKey: "ff"},
	)
	topo := New(peers)
	setA := topo.PeersSetA()
	leader := topo.Leader()
	for _, p := range setA {
		if p.PublicKey == leader.PublicKey {
			t.Error("peers_set_a should not include the leader")
		}
	}
	// validating peers (2f) + proxy tail = 2*1 + 1 = 3 for n=6, f=(6-1)/3=1
	if len(setA) != 3 {
		t.Errorf("peers_set_a size: got %d want 3", len(setA))
	}
}
