package registry

import (
	"context"
	"net"
	"testing"
	"time"
)

func newEtcd(t *testing.T) *Etcd {
	t.Helper()
	conn, err := net.DialTimeout("tcp", "127.0.0.1:2379", 200*time.Millisecond)
	if err != nil {
		t.Skip("etcd not reachable on 127.0.0.1:2379")
	}
	conn.Close()

	reg, err := NewEtcd([]string{"127.0.0.1:2379"}, time.Second, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestRegisterAndDiscover(t *testing.T) {
	reg := newEtcd(t)
	ctx := context.Background()

	// Register two nodes
	node1 := Node{Name: "test-node-1", Addr: "127.0.0.1:8001", Weight: 10}
	node2 := Node{Name: "test-node-2", Addr: "127.0.0.1:8002", Weight: 5}

	if err := reg.Register(ctx, node1, 10*time.Second); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(ctx, node2, 10*time.Second); err != nil {
		t.Fatal(err)
	}
	defer reg.Deregister(ctx, node2.Name)

	nodes, err := reg.Discover(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !contains(nodes, node1) || !contains(nodes, node2) {
		t.Fatalf("expect both nodes, got %v", nodes)
	}

	// Deregister one
	if err := reg.Deregister(ctx, node1.Name); err != nil {
		t.Fatal(err)
	}

	nodes, err = reg.Discover(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if contains(nodes, node1) {
		t.Fatalf("expect %s gone after deregister, got %v", node1.Name, nodes)
	}
	if !contains(nodes, node2) {
		t.Fatalf("expect %s to stay, got %v", node2.Name, nodes)
	}
}

func TestEtcdWatch(t *testing.T) {
	reg := newEtcd(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	updates := reg.Watch(ctx)
	// give the watch a moment to be established
	time.Sleep(100 * time.Millisecond)

	node := Node{Name: "test-node-watch", Addr: "127.0.0.1:8003", Weight: 1}
	if err := reg.Register(ctx, node, 10*time.Second); err != nil {
		t.Fatal(err)
	}
	defer reg.Deregister(context.Background(), node.Name)

	for {
		select {
		case nodes, ok := <-updates:
			if !ok {
				t.Fatal("watch closed before the node showed up")
			}
			if contains(nodes, node) {
				return
			}
		case <-ctx.Done():
			t.Fatal("timeout waiting for watch update")
		}
	}
}

func contains(nodes []Node, n Node) bool {
	for _, m := range nodes {
		if m == n {
			return true
		}
	}
	return false
}
