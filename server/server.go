// Package server accepts node connections and turns each one into a
// transport.Channel sharing one set of packet listeners.
//
// Connection lifecycle:
//
//	Accept conn → transport.New (read loop, heartbeat, query table)
//	  → packets dispatched to the listener of their channel (rpc, chunk, ...)
//	  → peer hangs up or Shutdown → channel closed, removed from the set
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/CloudNetService/CloudNet-sub027/registry"
	"github.com/CloudNetService/CloudNet-sub027/transport"
	"github.com/CloudNetService/CloudNet-sub027/worker"
)

var (
	ErrServerClosed    = errors.New("server: closed")
	ErrShutdownTimeout = errors.New("server: timeout waiting for ongoing work to finish")
)

// Server is the listening side of the node network.
type Server struct {
	listeners   *transport.Listeners
	channelOpts []transport.Option
	log         *zap.Logger
	scheduler   *worker.Scheduler // drained on Shutdown, nil if the owner drains it

	registry registry.Registry // nil if not announcing
	node     registry.Node
	ttl      time.Duration

	mu       sync.Mutex
	listener net.Listener
	channels map[*transport.Channel]struct{}
	ready    chan struct{}
	wg       sync.WaitGroup // open channels
	shutdown atomic.Bool    // suppresses the Accept error caused by Shutdown
}

type Option func(*Server)

func WithLogger(log *zap.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithChannelOptions configures every accepted channel.
func WithChannelOptions(opts ...transport.Option) Option {
	return func(s *Server) { s.channelOpts = append(s.channelOpts, opts...) }
}

// WithScheduler lets Shutdown wait for the tasks still queued on sched, so
// their responses go out before the channels close.
func WithScheduler(sched *worker.Scheduler) Option {
	return func(s *Server) { s.scheduler = sched }
}

// WithRegistry announces node in reg once the server listens, and removes it
// again on Shutdown. An empty node address is replaced by the listen address.
func WithRegistry(reg registry.Registry, node registry.Node, ttl time.Duration) Option {
	return func(s *Server) {
		s.registry = reg
		s.node = node
		s.ttl = ttl
	}
}

func New(listeners *transport.Listeners, opts ...Option) *Server {
	s := &Server{
		listeners: listeners,
		log:       zap.NewNop(),
		channels:  make(map[*transport.Channel]struct{}),
		ready:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	return s
}

// Serve listens on address and accepts connections until Shutdown.
func (s *Server) Serve(network, address string) error {
	l, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return s.ServeListener(l)
}

// ServeListener accepts connections on l until Shutdown, which makes it
// return nil.
func (s *Server) ServeListener(l net.Listener) error {
	s.mu.Lock()
	if s.listener != nil {
		s.mu.Unlock()
		l.Close()
		return errors.New("server: already serving")
	}
	s.listener = l
	close(s.ready)
	s.mu.Unlock()
	if s.shutdown.Load() {
		l.Close()
		return ErrServerClosed
	}

	s.log.Info("listening", zap.Stringer("addr", l.Addr()))
	if err := s.announce(l.Addr()); err != nil {
		l.Close()
		return err
	}

	for {
		conn, err := l.Accept()
		if err != nil {
			// Shutdown closes the listener, which is not an error
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		s.accept(conn)
	}
}

func (s *Server) announce(addr net.Addr) error {
	if s.registry == nil {
		return nil
	}
	if s.node.Addr == "" {
		s.node.Addr = addr.String()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.registry.Register(ctx, s.node, s.ttl); err != nil {
		return fmt.Errorf("server: announce %s: %w", s.node.Name, err)
	}
	s.log.Info("announced node", zap.String("node", s.node.Name), zap.String("addr", s.node.Addr))
	return nil
}

func (s *Server) accept(conn net.Conn) {
	ch := transport.New(conn, s.listeners, append([]transport.Option{transport.WithLogger(s.log)}, s.channelOpts...)...)

	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		ch.Close()
		return
	}
	s.channels[ch] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	s.log.Debug("channel opened", zap.Stringer("remote", conn.RemoteAddr()))
	ch.OnClose(func(ch *transport.Channel) {
		s.mu.Lock()
		delete(s.channels, ch)
		s.mu.Unlock()
		s.wg.Done()
		s.log.Debug("channel closed", zap.Stringer("remote", ch.RemoteAddr()))
	})
}

// Addr blocks until the server listens and returns the listen address.
func (s *Server) Addr() net.Addr {
	<-s.ready
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener.Addr()
}

// Channels returns a snapshot of the open channels, e.g. to broadcast a
// chunked transfer to every connected node.
func (s *Server) Channels() []*transport.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*transport.Channel, 0, len(s.channels))
	for ch := range s.channels {
		out = append(out, ch)
	}
	return out
}

// Shutdown performs graceful shutdown:
//  1. Remove the node from the registry, so peers stop routing to it
//  2. Set the shutdown flag and close the listener
//  3. Let queued work finish (WithScheduler), bounded by timeout
//  4. Close all channels and wait for them to be released
func (s *Server) Shutdown(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	if s.registry != nil && s.node.Name != "" {
		ctx, cancel := context.WithDeadline(context.Background(), deadline)
		if err := s.registry.Deregister(ctx, s.node.Name); err != nil {
			s.log.Warn("deregister failed", zap.String("node", s.node.Name), zap.Error(err))
		}
		cancel()
	}

	// the flag must be set before the listener closes, otherwise Serve
	// reports the Accept error
	s.shutdown.Store(true)
	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Unlock()

	var err error
	if s.scheduler != nil {
		if !wait(s.scheduler.Close, time.Until(deadline)) {
			err = ErrShutdownTimeout
		}
	}

	for _, ch := range s.Channels() {
		ch.Close()
	}
	if !wait(s.wg.Wait, time.Until(deadline)) && err == nil {
		err = ErrShutdownTimeout
	}
	return err
}

// wait runs fn and reports whether it returned within d.
func wait(fn func(), d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	timer := time.NewTimer(max(d, 0))
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}
