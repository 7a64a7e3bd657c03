package loadbalance

import (
	"sync/atomic"

	"github.com/CloudNetService/CloudNet-sub027/registry"
)

// RoundRobinBalancer distributes picks evenly across all nodes in order.
// Uses an atomic counter for lock-free, goroutine-safe operation.
type RoundRobinBalancer struct {
	counter atomic.Uint64 // incremented on each Pick()
}

// Pick selects the next node in round-robin order.
func (b *RoundRobinBalancer) Pick(nodes []registry.Node) (*registry.Node, error) {
	if len(nodes) == 0 {
		return nil, ErrNoNodes
	}
	index := (b.counter.Add(1) - 1) % uint64(len(nodes))
	return &nodes[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
