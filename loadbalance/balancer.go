// Package loadbalance picks the cluster node a request or transfer goes to.
//
// Three strategies are implemented:
//   - RoundRobin:      spread calls evenly over equal nodes
//   - WeightedRandom:  nodes with different capacity
//   - ConsistentHash:  affinity, e.g. a template always lands on the same node
package loadbalance

import (
	"errors"

	"github.com/CloudNetService/CloudNet-sub027/registry"
)

var ErrNoNodes = errors.New("loadbalance: no nodes available")

// Balancer is the interface for load balancing strategies.
// The client calls Pick() before opening or reusing a channel.
type Balancer interface {
	// Pick selects one node from the available list.
	// Must be goroutine-safe.
	Pick(nodes []registry.Node) (*registry.Node, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}
