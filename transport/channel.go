// Package transport implements the network channel every node and worker
// speaks: a multiplexed, full duplex packet stream over one connection.
//
// A Channel owns exactly one reader goroutine. TCP is a byte stream, so the
// reader feeds every received chunk into a protocol.Decoder and dispatches
// the packets it yields strictly in arrival order:
//
//	conn ──bytes──→ Decoder ──packet──┬─ channel 0 (heartbeat) → ignored
//	                                  ├─ query response + id   → query.Manager.Resolve
//	                                  └─ any other channel     → Listeners[channel]
//
// Writers share the connection through a mutex and write every frame with a
// single call, so frames from different goroutines never interleave.
package transport

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glycerine/idem"
	"go.uber.org/zap"

	"github.com/CloudNetService/CloudNet-sub027/future"
	"github.com/CloudNetService/CloudNet-sub027/protocol"
	"github.com/CloudNetService/CloudNet-sub027/query"
)

const DefaultHeartbeat = 30 * time.Second

var ErrClosed = errors.New("transport: channel closed")

type Channel struct {
	conn      net.Conn
	listeners *Listeners
	queries   *query.Manager
	log       *zap.Logger

	heartbeat time.Duration
	queryTTL  time.Duration

	writeMu sync.Mutex
	sent    atomic.Int64

	halt      *idem.Halter
	closeOnce sync.Once
	hookMu    sync.Mutex
	hooks     []func(*Channel)
}

type Option func(*Channel)

func WithLogger(log *zap.Logger) Option {
	return func(c *Channel) { c.log = log }
}

// WithHeartbeat sets the keep-alive interval; zero disables heartbeats.
func WithHeartbeat(interval time.Duration) Option {
	return func(c *Channel) { c.heartbeat = interval }
}

// WithQueryTTL sets how long queries wait for their response.
func WithQueryTTL(ttl time.Duration) Option {
	return func(c *Channel) { c.queryTTL = ttl }
}

// New wraps conn and starts the read and heartbeat goroutines. Packets are
// routed to listeners.
func New(conn net.Conn, listeners *Listeners, opts ...Option) *Channel {
	c := &Channel{
		conn:      conn,
		listeners: listeners,
		log:       zap.NewNop(),
		heartbeat: DefaultHeartbeat,
		queryTTL:  query.DefaultTTL,
		halt:      idem.NewHalter(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With(zap.Stringer("remote", conn.RemoteAddr()))
	c.queries = query.New(c, query.WithTTL(c.queryTTL), query.WithLogger(c.log))

	go c.readLoop()
	if c.heartbeat > 0 {
		go c.heartbeatLoop()
	}
	return c
}

// SendPacket writes p without waiting for an answer. A packet too large to
// frame is refused with protocol.ErrFrameTooLarge and leaves the channel
// open; any write error closes it.
func (c *Channel) SendPacket(p *protocol.Packet) error {
	if c.halt.ReqStop.IsClosed() {
		return ErrClosed
	}
	if err := protocol.CheckSize(p); err != nil {
		return err
	}
	c.writeMu.Lock()
	err := protocol.Encode(c.conn, p)
	c.writeMu.Unlock()
	if err != nil {
		c.closeWithError(err)
		return err
	}
	c.sent.Add(1)
	return nil
}

// SendQuery writes p as a query. The future completes with the response, or
// with protocol.EmptyPacket() on timeout or when the channel closes.
func (c *Channel) SendQuery(p *protocol.Packet) (*future.Future[*protocol.Packet], error) {
	if c.halt.ReqStop.IsClosed() {
		return nil, ErrClosed
	}
	return c.queries.Send(p)
}

// SendQueryTTL is SendQuery with a per query time to live.
func (c *Channel) SendQueryTTL(p *protocol.Packet, ttl time.Duration) (*future.Future[*protocol.Packet], error) {
	if c.halt.ReqStop.IsClosed() {
		return nil, ErrClosed
	}
	return c.queries.SendWithTTL(p, ttl)
}

// OnClose registers fn to run once the channel is closed. If it already is,
// fn runs right away.
func (c *Channel) OnClose(fn func(*Channel)) {
	c.hookMu.Lock()
	if !c.halt.Done.IsClosed() {
		c.hooks = append(c.hooks, fn)
		c.hookMu.Unlock()
		return
	}
	c.hookMu.Unlock()
	fn(c)
}

// Close shuts the connection down, completes all pending queries with the
// empty packet and runs the close hooks.
func (c *Channel) Close() error {
	c.closeWithError(nil)
	return nil
}

func (c *Channel) closeWithError(err error) {
	var hooks []func(*Channel)
	c.closeOnce.Do(func() {
		if err != nil {
			c.halt.ReqStop.CloseWithReason(err)
		} else {
			c.halt.ReqStop.Close()
		}
		c.conn.Close()
		c.queries.Close()

		c.hookMu.Lock()
		hooks = c.hooks
		c.hooks = nil
		c.halt.Done.Close()
		c.hookMu.Unlock()
	})
	// hooks run outside the once so they may call Close themselves
	for _, fn := range hooks {
		fn(c)
	}
}

// Done is closed once the channel has shut down.
func (c *Channel) Done() <-chan struct{} { return c.halt.Done.Chan }

// IsClosed reports whether Close was called or the connection failed.
func (c *Channel) IsClosed() bool { return c.halt.ReqStop.IsClosed() }

func (c *Channel) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *Channel) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// SentPackets returns the number of packets written so far.
func (c *Channel) SentPackets() int64 { return c.sent.Load() }

// PendingQueries returns the number of unanswered queries.
func (c *Channel) PendingQueries() int { return c.queries.Pending() }

func (c *Channel) readLoop() {
	d := protocol.NewDecoder()
	buf := make([]byte, 32*1024)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			d.Feed(buf[:n])
			if !c.drain(d) {
				return
			}
		}
		if err != nil {
			switch {
			case c.halt.ReqStop.IsClosed():
			case errors.Is(err, io.EOF):
				c.log.Debug("connection closed by peer")
			default:
				c.log.Info("connection read failed", zap.Error(err))
			}
			c.closeWithError(err)
			return
		}
	}
}

// drain dispatches every complete packet. It reports false once the stream
// turned out to be corrupt and the channel was closed.
func (c *Channel) drain(d *protocol.Decoder) bool {
	for {
		p, err := d.Next()
		if err != nil {
			c.log.Warn("closing channel after corrupt frame", zap.Error(err))
			c.closeWithError(err)
			return false
		}
		if p == nil {
			return true
		}
		c.dispatch(p)
	}
}

func (c *Channel) dispatch(p *protocol.Packet) {
	switch {
	case p.Channel == protocol.ChannelHeartbeat:
		return
	case p.Channel == protocol.ChannelQueryResponse && p.HasID():
		c.queries.Resolve(p)
		return
	}
	l, ok := c.listeners.Get(p.Channel)
	if !ok {
		c.log.Debug("dropping packet for unregistered channel", zap.Int32("channel", p.Channel))
		return
	}
	l.HandlePacket(c, p)
}

func (c *Channel) heartbeatLoop() {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-c.halt.ReqStop.Chan:
			return
		case <-ticker.C:
			if err := c.SendPacket(protocol.NewPacket(protocol.ChannelHeartbeat, nil)); err != nil {
				return
			}
		}
	}
}
