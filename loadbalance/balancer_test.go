package loadbalance

import (
	"errors"
	"fmt"
	"testing"

	"github.com/CloudNetService/CloudNet-sub027/registry"
)

var testNodes = []registry.Node{
	{Name: "node-1", Addr: ":8001", Weight: 10},
	{Name: "node-2", Addr: ":8002", Weight: 5},
	{Name: "node-3", Addr: ":8003", Weight: 10},
}

func TestRoundRobin(t *testing.T) {
	b := &RoundRobinBalancer{}

	// Pick 3 times, should cycle through all nodes
	results := make([]string, 3)
	for i := 0; i < 3; i++ {
		n, err := b.Pick(testNodes)
		if err != nil {
			t.Fatal(err)
		}
		results[i] = n.Name
	}
	if results[0] == results[1] || results[1] == results[2] || results[0] == results[2] {
		t.Fatalf("expect every node once, got %v", results)
	}

	// Pick again, should wrap around to first
	n, _ := b.Pick(testNodes)
	if n.Name != results[0] {
		t.Fatalf("expect wrap around to %s, got %s", results[0], n.Name)
	}
}

func TestRoundRobinEmpty(t *testing.T) {
	b := &RoundRobinBalancer{}
	if _, err := b.Pick(nil); !errors.Is(err, ErrNoNodes) {
		t.Fatalf("expect ErrNoNodes, got %v", err)
	}
}

func TestWeightedRandom(t *testing.T) {
	b := &WeightedRandomBalancer{}

	counts := map[string]int{}
	n := 10000
	for i := 0; i < n; i++ {
		node, err := b.Pick(testNodes)
		if err != nil {
			t.Fatal(err)
		}
		counts[node.Name]++
	}

	// Weight ratio is 10:5:10, so node-1 and node-3 should be ~2x of node-2
	ratio := float64(counts["node-1"]) / float64(counts["node-2"])
	if ratio < 1.5 || ratio > 2.5 {
		t.Fatalf("weight ratio node-1/node-2 = %.2f, expect ~2.0", ratio)
	}
}

func TestWeightedRandomZeroWeights(t *testing.T) {
	b := &WeightedRandomBalancer{}
	nodes := []registry.Node{{Name: "a", Addr: ":1"}, {Name: "b", Addr: ":2"}}
	for i := 0; i < 100; i++ {
		if _, err := b.Pick(nodes); err != nil {
			t.Fatal(err)
		}
	}
}

func TestConsistentHash(t *testing.T) {
	b := NewConsistentHashBalancer()
	for _, n := range testNodes {
		b.Add(n)
	}

	// Same key should always map to the same node
	n1, _ := b.Pick("template-lobby")
	n2, _ := b.Pick("template-lobby")
	if n1.Name != n2.Name {
		t.Fatalf("same key mapped to different nodes: %s vs %s", n1.Name, n2.Name)
	}

	// Different keys should (likely) map to different nodes
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		n, _ := b.Pick(fmt.Sprintf("key-%d", i))
		seen[n.Name] = true
	}

	// With 100 different keys and 3 nodes, we should hit at least 2
	if len(seen) < 2 {
		t.Fatalf("expect at least 2 different nodes, got %d", len(seen))
	}
}

func TestConsistentHashSet(t *testing.T) {
	b := NewConsistentHashBalancer()
	if _, err := b.Pick("x"); !errors.Is(err, ErrNoNodes) {
		t.Fatalf("expect ErrNoNodes on empty ring, got %v", err)
	}

	b.Set(testNodes)
	before := map[string]string{}
	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("key-%d", i)
		n, _ := b.Pick(key)
		before[key] = n.Name
	}

	// removing a node only moves the keys it owned
	b.Set(testNodes[:2])
	for key, owner := range before {
		n, _ := b.Pick(key)
		if owner != "node-3" && n.Name != owner {
			t.Fatalf("key %s moved from %s to %s", key, owner, n.Name)
		}
		if n.Name == "node-3" {
			t.Fatalf("key %s still maps to removed node", key)
		}
	}
}
