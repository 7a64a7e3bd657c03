package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"sync"

	"github.com/CloudNetService/CloudNet-sub027/registry"
)

// ConsistentHashBalancer maps keys to nodes using a hash ring. The same key
// always maps to the same node until the ring changes, which keeps e.g. a
// template's deployments on one node.
//
// Each node is placed on the ring as many virtual nodes, so a handful of
// nodes does not cluster on one side of the ring.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	replicas int

	mu    sync.RWMutex
	ring  []uint32                  // sorted hash values
	nodes map[uint32]*registry.Node // hash value → node
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per node.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]*registry.Node),
	}
}

// Add places a node onto the ring. Virtual nodes are hashed from
// "{name}#{i}", so a node keeps its place when its address changes.
func (b *ConsistentHashBalancer) Add(node registry.Node) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addLocked(&node)
	b.sortLocked()
}

// Set replaces the ring with nodes.
func (b *ConsistentHashBalancer) Set(nodes []registry.Node) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ring = b.ring[:0]
	clear(b.nodes)
	for i := range nodes {
		n := nodes[i]
		b.addLocked(&n)
	}
	b.sortLocked()
}

func (b *ConsistentHashBalancer) addLocked(node *registry.Node) {
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", node.Name, i)))
		if _, taken := b.nodes[hash]; !taken {
			b.ring = append(b.ring, hash)
		}
		b.nodes[hash] = node
	}
}

func (b *ConsistentHashBalancer) sortLocked() {
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
}

// Pick finds the node responsible for key: the first virtual node at or after
// the key's hash, wrapping around to the start of the ring.
//
// Pick takes a key rather than a node list, so it does not implement
// Balancer directly.
func (b *ConsistentHashBalancer) Pick(key string) (*registry.Node, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.ring) == 0 {
		return nil, ErrNoNodes
	}
	hash := crc32.ChecksumIEEE([]byte(key))

	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]], nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
