// Package registry keeps track of which nodes belong to the cluster.
package registry

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvalidNode = errors.New("registry: node needs a name and an address")
	ErrClosed      = errors.New("registry: closed")
)

// Node is one cluster member as announced by itself.
type Node struct {
	Name   string `json:"name"`
	Addr   string `json:"addr"`
	Weight int    `json:"weight"` // Weight for load balancing
}

func (n Node) validate() error {
	if n.Name == "" || n.Addr == "" {
		return ErrInvalidNode
	}
	return nil
}

// Registry announces the local node and discovers its peers.
type Registry interface {
	// Register announces node until ttl passes without renewal. Implementations
	// renew the announcement until Deregister or Close.
	Register(ctx context.Context, node Node, ttl time.Duration) error
	Deregister(ctx context.Context, name string) error
	Discover(ctx context.Context) ([]Node, error)
	// Watch emits the full member list after every change until ctx is done.
	Watch(ctx context.Context) <-chan []Node
	Close() error
}
