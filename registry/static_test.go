package registry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestStaticRegisterDiscover(t *testing.T) {
	ctx := context.Background()
	reg := NewStatic(Node{Name: "b", Addr: ":8002", Weight: 1})

	if err := reg.Register(ctx, Node{Name: "a", Addr: ":8001", Weight: 2}, time.Second); err != nil {
		t.Fatal(err)
	}
	nodes, err := reg.Discover(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 2 || nodes[0].Name != "a" || nodes[1].Name != "b" {
		t.Fatalf("expect [a b] ordered by name, got %v", nodes)
	}

	if err := reg.Deregister(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	nodes, _ = reg.Discover(ctx)
	if len(nodes) != 1 || nodes[0].Name != "b" {
		t.Fatalf("expect [b], got %v", nodes)
	}
}

func TestStaticInvalidNode(t *testing.T) {
	reg := NewStatic()
	for _, n := range []Node{{Addr: ":1"}, {Name: "x"}} {
		if err := reg.Register(context.Background(), n, 0); !errors.Is(err, ErrInvalidNode) {
			t.Errorf("register %+v: expect ErrInvalidNode, got %v", n, err)
		}
	}
}

func TestStaticWatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	reg := NewStatic()
	updates := reg.Watch(ctx)

	reg.Register(ctx, Node{Name: "a", Addr: ":8001"}, 0)
	reg.Register(ctx, Node{Name: "b", Addr: ":8002"}, 0)

	// the unread first update was replaced by the latest list
	select {
	case nodes := <-updates:
		if len(nodes) != 2 {
			t.Fatalf("expect latest list with 2 nodes, got %v", nodes)
		}
	case <-time.After(time.Second):
		t.Fatal("no watch update")
	}

	cancel()
	select {
	case _, ok := <-updates:
		if ok {
			t.Fatal("expect watch channel closed after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("watch channel not closed after cancel")
	}
}

func TestStaticClose(t *testing.T) {
	reg := NewStatic()
	updates := reg.Watch(context.Background())
	reg.Close()

	if _, ok := <-updates; ok {
		t.Fatal("expect watch channel closed by Close")
	}
	if _, err := reg.Discover(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expect ErrClosed, got %v", err)
	}
	if _, ok := <-reg.Watch(context.Background()); ok {
		t.Fatal("expect closed channel from Watch after Close")
	}
}
