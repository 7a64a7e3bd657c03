package server

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/CloudNetService/CloudNet-sub027/codec"
	"github.com/CloudNetService/CloudNet-sub027/registry"
	"github.com/CloudNetService/CloudNet-sub027/rpc"
	"github.com/CloudNetService/CloudNet-sub027/transport"
	"github.com/CloudNetService/CloudNet-sub027/worker"
)

type arith struct {
	delay   time.Duration
	started chan struct{}
}

var arithCap = rpc.NewCapability("Arith").
	Method("add", codec.NewSignature("int32", "int32", "int32"))

func arithListeners(t *testing.T, a *arith, sched *worker.Scheduler) (*transport.Listeners, *codec.Mapper) {
	t.Helper()
	m := codec.NewMapper()
	h := rpc.NewHandler(arithCap, rpc.WithInstance(a))
	err := h.Bind("add", codec.NewSignature("int32", "int32", "int32"), rpc.Invoke2(func(_ context.Context, a *arith, x, y int32) (int32, error) {
		if a.started != nil {
			a.started <- struct{}{}
		}
		time.Sleep(a.delay)
		return x + y, nil
	}))
	if err != nil {
		t.Fatal(err)
	}
	reg := rpc.NewRegistry()
	reg.Register(h)

	ls := transport.NewListeners()
	rpc.NewDispatcher(reg, m, sched).Listen(ls)
	return ls, m
}

func startServer(t *testing.T, ls *transport.Listeners, opts ...Option) (*Server, <-chan error) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	svr := New(ls, append([]Option{WithChannelOptions(transport.WithHeartbeat(0))}, opts...)...)
	served := make(chan error, 1)
	go func() { served <- svr.ServeListener(l) }()
	return svr, served
}

func TestServer(t *testing.T) {
	sched := worker.New(2)
	ls, m := arithListeners(t, &arith{}, sched)
	svr, served := startServer(t, ls, WithScheduler(sched))

	ch, err := transport.Dial(context.Background(), svr.Addr().String(), transport.NewListeners())
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close()

	impl, err := rpc.Generate(arithCap, m, rpc.Fixed(ch))
	if err != nil {
		t.Fatal(err)
	}
	res, err := impl.Call(context.Background(), "add", int32(1), int32(2))
	if err != nil {
		t.Fatal(err)
	}
	if sum, ok := rpc.As[int32](res); !ok || sum != 3 {
		t.Fatalf("Expect get result = 3, get %+v", res)
	}

	if err := svr.Shutdown(3 * time.Second); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if err := <-served; err != nil {
		t.Fatalf("Serve returned %v after Shutdown", err)
	}
	select {
	case <-ch.Done():
	case <-time.After(time.Second):
		t.Fatal("client channel not closed after server shutdown")
	}
}

func TestServerChannels(t *testing.T) {
	svr, _ := startServer(t, transport.NewListeners())
	defer svr.Shutdown(time.Second)

	var clients []*transport.Channel
	for i := 0; i < 3; i++ {
		ch, err := transport.Dial(context.Background(), svr.Addr().String(), transport.NewListeners())
		if err != nil {
			t.Fatal(err)
		}
		clients = append(clients, ch)
	}

	waitFor(t, func() bool { return len(svr.Channels()) == 3 })

	clients[0].Close()
	waitFor(t, func() bool { return len(svr.Channels()) == 2 })
	for _, ch := range clients[1:] {
		ch.Close()
	}
}

func TestShutdownDrainsInFlight(t *testing.T) {
	sched := worker.New(1)
	a := &arith{delay: 300 * time.Millisecond, started: make(chan struct{}, 1)}
	ls, m := arithListeners(t, a, sched)
	svr, _ := startServer(t, ls, WithScheduler(sched))

	ch, err := transport.Dial(context.Background(), svr.Addr().String(), transport.NewListeners())
	if err != nil {
		t.Fatal(err)
	}
	impl, _ := rpc.Generate(arithCap, m, rpc.Fixed(ch))
	f, err := impl.CallAsync("add", int32(20), int32(22))
	if err != nil {
		t.Fatal(err)
	}
	<-a.started

	if err := svr.Shutdown(3 * time.Second); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	res, err := f.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sum, ok := rpc.As[int32](res); !ok || sum != 42 {
		t.Fatalf("in-flight call lost during shutdown: %+v", res)
	}
}

func TestShutdownTimeout(t *testing.T) {
	sched := worker.New(1)
	a := &arith{delay: time.Second, started: make(chan struct{}, 1)}
	ls, m := arithListeners(t, a, sched)
	svr, _ := startServer(t, ls, WithScheduler(sched))

	ch, err := transport.Dial(context.Background(), svr.Addr().String(), transport.NewListeners())
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close()
	impl, _ := rpc.Generate(arithCap, m, rpc.Fixed(ch))
	if err := impl.Fire("add", int32(1), int32(1)); err != nil {
		t.Fatal(err)
	}
	<-a.started

	if err := svr.Shutdown(100 * time.Millisecond); !errors.Is(err, ErrShutdownTimeout) {
		t.Fatalf("expect ErrShutdownTimeout, got %v", err)
	}
}

func TestServerAnnounce(t *testing.T) {
	reg := registry.NewStatic()
	svr, _ := startServer(t, transport.NewListeners(), WithRegistry(reg, registry.Node{Name: "node-1", Weight: 1}, 10*time.Second))
	addr := svr.Addr().String()

	waitFor(t, func() bool {
		nodes, _ := reg.Discover(context.Background())
		return len(nodes) == 1 && nodes[0].Addr == addr
	})

	svr.Shutdown(time.Second)
	nodes, _ := reg.Discover(context.Background())
	if len(nodes) != 0 {
		t.Fatalf("expect node deregistered on shutdown, got %v", nodes)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
