package main

import (
	"context"
	"time"

	"github.com/CloudNetService/CloudNet-sub027/codec"
	"github.com/CloudNetService/CloudNet-sub027/rpc"
)

// clusterNode is what every node exposes about itself to its peers.
type clusterNode struct {
	name    string
	started time.Time
}

var (
	sigName   = codec.NewSignature("string")
	sigUptime = codec.NewSignature("duration")
	sigEcho   = codec.NewSignature("string", "string")

	clusterNodeCap = rpc.NewCapability("ClusterNode").
			Method("name", sigName).
			Method("uptime", sigUptime).
			Method("echo", sigEcho)
)

func clusterNodeHandler(n *clusterNode) (*rpc.Handler, error) {
	h := rpc.NewHandler(clusterNodeCap, rpc.WithInstance(n))
	if err := h.Bind("name", sigName, rpc.Invoke0(func(_ context.Context, n *clusterNode) (string, error) {
		return n.name, nil
	})); err != nil {
		return nil, err
	}
	if err := h.Bind("uptime", sigUptime, rpc.Invoke0(func(_ context.Context, n *clusterNode) (time.Duration, error) {
		return time.Since(n.started), nil
	})); err != nil {
		return nil, err
	}
	if err := h.Bind("echo", sigEcho, rpc.Invoke1(func(_ context.Context, _ *clusterNode, s string) (string, error) {
		return s, nil
	})); err != nil {
		return nil, err
	}
	return h, nil
}
