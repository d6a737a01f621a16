package ring

import (
	"fmt"
	"testing"
)

func testNodes(n int) []Node {
	nodes := make([]Node, 0, n)
	for i := 1; i <= n; i++ {
		nodes = append(nodes, Node{ID: fmt.Sprintf("node%d", i), Addr: fmt.Sprintf("127.0.0.1:%d", 50050+i)})
	}
	return nodes
}

func TestRing_Determinism(t *testing.T) {
	ring1 := NewRing(64)
	ring2 := NewRing(64)
	ring1.SetNodes(testNodes(3))
	ring2.SetNodes(testNodes(3))

	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("key-%d", i)
		n1, _ := ring1.ResponsibleNode(key)
		n2, _ := ring2.ResponsibleNode(key)
		if n1.ID != n2.ID {
			t.Errorf("Determinism failed for key %s: %s != %s", key, n1.ID, n2.ID)
		}
	}
}

func TestRing_OrderInvariant(t *testing.T) {
	nodes := testNodes(4)
	reversed := []Node{nodes[3], nodes[2], nodes[1], nodes[0]}

	a := NewRing(16)
	b := NewRing(16)
	a.SetNodes(nodes)
	b.SetNodes(reversed)

	ra, rb := a.Ranges(), b.Ranges()
	if len(ra) != len(rb) {
		t.Fatalf("range count differs: %d vs %d", len(ra), len(rb))
	}
	for i := range ra {
		if ra[i] != rb[i] {
			t.Errorf("range %d differs: %v vs %v", i, ra[i], rb[i])
		}
	}
}

func TestRing_Distribution(t *testing.T) {
	ring := NewRing(128)
	ring.SetNodes(testNodes(3))

	distribution := make(map[string]int)
	numKeys := 1000
	for i := 0; i < numKeys; i++ {
		node, found := ring.ResponsibleNode(fmt.Sprintf("key-%d", i))
		if !found {
			t.Fatalf("Expected to find node for key-%d", i)
		}
		distribution[node.ID]++
	}

	if len(distribution) != 3 {
		t.Errorf("Expected 3 nodes to have keys, got %d", len(distribution))
	}
	for nodeID, count := range distribution {
		if pct := float64(count) / float64(numKeys) * 100; pct > 90 {
			t.Errorf("Node %s has %.2f%% of keys (too high)", nodeID, pct)
		}
	}
}

func TestRing_NodeRemoval(t *testing.T) {
	ring := NewRing(64)
	ring.SetNodes(testNodes(3))
	ring.RemoveNode("node2")

	for i := 0; i < 50; i++ {
		node, found := ring.ResponsibleNode(fmt.Sprintf("key-%d", i))
		if !found {
			t.Fatalf("Expected to find node after removal")
		}
		if node.ID == "node2" {
			t.Errorf("key-%d still mapped to removed node2", i)
		}
	}
	if len(ring.GetNodes()) != 2 {
		t.Errorf("Expected 2 nodes, got %d", len(ring.GetNodes()))
	}
	if len(ring.Ranges()) != 2*64 {
		t.Errorf("Expected %d ranges, got %d", 2*64, len(ring.Ranges()))
	}
}

func TestRing_AddNodeMatchesSetNodes(t *testing.T) {
	incremental := NewRing(32)
	incremental.SetNodes(testNodes(1))
	incremental.AddNode(Node{ID: "node2", Addr: "127.0.0.1:50052"})
	incremental.AddNode(Node{ID: "node2", Addr: "127.0.0.1:50052"})

	rebuilt := NewRing(32)
	rebuilt.SetNodes(testNodes(2))

	if len(incremental.GetNodes()) != 2 {
		t.Fatalf("Expected 2 nodes, got %d", len(incremental.GetNodes()))
	}
	ri, rr := incremental.Ranges(), rebuilt.Ranges()
	if len(ri) != len(rr) {
		t.Fatalf("range count differs: %d vs %d", len(ri), len(rr))
	}
	for i := range ri {
		if ri[i] != rr[i] {
			t.Fatalf("range %d differs: %v vs %v", i, ri[i], rr[i])
		}
	}
}

func TestRing_EmptyRing(t *testing.T) {
	ring := NewRing(64)
	if _, found := ring.ResponsibleNode("any-key"); found {
		t.Error("Expected no node found for empty ring")
	}
	if ring.Ranges() != nil {
		t.Error("Expected no ranges for empty ring")
	}
	if got := ring.ReplicasForToken(42, 3); len(got) != 0 {
		t.Errorf("Expected no replicas, got %d", len(got))
	}
}

func TestRing_PreferenceList(t *testing.T) {
	ring := NewRing(64)
	ring.SetNodes(testNodes(3))

	key := "test-key"
	prefList := ring.PreferenceList(key, 3)
	if len(prefList) != 3 {
		t.Fatalf("Expected preference list of length 3, got %d", len(prefList))
	}

	seen := make(map[string]bool)
	for _, node := range prefList {
		if seen[node.ID] {
			t.Errorf("Duplicate node %s in preference list", node.ID)
		}
		seen[node.ID] = true
	}

	responsible, _ := ring.ResponsibleNode(key)
	if prefList[0].ID != responsible.ID {
		t.Errorf("First node in preference list should be responsible node: got %s, expected %s", prefList[0].ID, responsible.ID)
	}

	if got := ring.PreferenceList("key", 5); len(got) != 3 {
		t.Errorf("Expected preference list capped at 3 nodes, got %d", len(got))
	}
}

func TestRing_RangesTileTokenSpace(t *testing.T) {
	ring := NewRing(8)
	ring.SetNodes(testNodes(3))
	ranges := ring.Ranges()

	for i := 0; i < 500; i++ {
		token := Token(fmt.Sprintf("pk-%d", i))
		owners := 0
		for _, kr := range ranges {
			if kr.Contains(token) {
				owners++
			}
		}
		if owners != 1 {
			t.Fatalf("token %d contained in %d ranges, want 1", token, owners)
		}
	}
}

func TestRing_RangeReplicasMatchKeyReplicas(t *testing.T) {
	ring := NewRing(8)
	ring.SetNodes(testNodes(4))
	ranges := ring.Ranges()

	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("pk-%d", i)
		token := Token(key)
		for _, kr := range ranges {
			if !kr.Contains(token) {
				continue
			}
			byKey := ring.PreferenceList(key, 3)
			byRange := ring.ReplicasForToken(kr.End, 3)
			for j := range byKey {
				if byKey[j].ID != byRange[j].ID {
					t.Fatalf("key %s: replica %d is %s by key, %s by range", key, j, byKey[j].ID, byRange[j].ID)
				}
			}
		}
	}
}
