// Package query correlates response packets with the query that requested
// them.
//
// Every query carries a correlation id. The manager keeps one pending entry
// per id and completes its future exactly once: with the response if one
// arrives in time, otherwise with protocol.EmptyPacket().
//
//	Send(id=A) ──┐                     ┌── Resolve(id=B) → future B
//	Send(id=B) ──┼── pending{A,B} ─────┤
//	             │   deadline heap     └── janitor: A expired → future A ← empty
//
// Expiry is driven by a min-heap of deadlines and a single timer armed for
// the earliest one, instead of one timer per query.
package query

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	"github.com/glycerine/idem"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/CloudNetService/CloudNet-sub027/future"
	"github.com/CloudNetService/CloudNet-sub027/protocol"
)

const DefaultTTL = 30 * time.Second

var (
	ErrDuplicateID = errors.New("query: duplicate correlation id")
	ErrClosed      = errors.New("query: manager closed")
)

// Sender transmits a packet; a transport.Channel is one.
type Sender interface {
	SendPacket(p *protocol.Packet) error
}

type Manager struct {
	sender Sender
	ttl    time.Duration
	log    *zap.Logger

	mu        sync.Mutex
	pending   map[uuid.UUID]*entry
	deadlines deadlineQueue
	closed    bool

	wake chan struct{}
	halt *idem.Halter
}

type Option func(*Manager)

// WithTTL sets how long a query waits for its response.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.ttl = ttl }
}

func WithLogger(log *zap.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// New creates a manager sending through sender and starts its janitor.
func New(sender Sender, opts ...Option) *Manager {
	m := &Manager{
		sender:  sender,
		ttl:     DefaultTTL,
		log:     zap.NewNop(),
		pending: make(map[uuid.UUID]*entry),
		wake:    make(chan struct{}, 1),
		halt:    idem.NewHalter(),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.janitor()
	return m
}

// Send registers p as a pending query and transmits it. A packet without id
// gets a fresh one. The returned future never fails; a query that times out
// or whose manager closes completes with protocol.EmptyPacket().
func (m *Manager) Send(p *protocol.Packet) (*future.Future[*protocol.Packet], error) {
	return m.SendWithTTL(p, m.ttl)
}

// SendWithTTL is Send with a per query time to live.
func (m *Manager) SendWithTTL(p *protocol.Packet, ttl time.Duration) (*future.Future[*protocol.Packet], error) {
	if !p.HasID() {
		p.ID = uuid.New()
	}
	e := &entry{id: p.ID, deadline: time.Now().Add(ttl), f: future.New[*protocol.Packet]()}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if _, ok := m.pending[e.id]; ok {
		m.mu.Unlock()
		return nil, ErrDuplicateID
	}
	m.pending[e.id] = e
	heap.Push(&m.deadlines, e)
	earliest := e.index == 0
	m.mu.Unlock()

	if earliest {
		select {
		case m.wake <- struct{}{}:
		default:
		}
	}

	if err := m.sender.SendPacket(p); err != nil {
		m.claim(e.id)
		return nil, err
	}
	return e.f, nil
}

// Resolve completes the query p answers. Responses for unknown, expired or
// already answered ids are dropped and Resolve reports false.
func (m *Manager) Resolve(p *protocol.Packet) bool {
	e := m.claim(p.ID)
	if e == nil {
		m.log.Debug("dropping response without pending query", zap.Stringer("id", p.ID))
		return false
	}
	e.f.Complete(p)
	return true
}

// claim removes the entry for id. Whoever removes it owns its completion.
func (m *Manager) claim(id uuid.UUID) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.pending[id]
	if !ok {
		return nil
	}
	delete(m.pending, id)
	heap.Remove(&m.deadlines, e.index)
	return e
}

// Pending returns the number of unanswered queries.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Close completes every pending query with the empty packet and rejects
// further sends.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	entries := make([]*entry, 0, len(m.pending))
	for _, e := range m.pending {
		entries = append(entries, e)
	}
	clear(m.pending)
	m.deadlines = nil
	m.mu.Unlock()

	m.halt.ReqStop.Close()
	for _, e := range entries {
		e.f.Complete(protocol.EmptyPacket())
	}
	<-m.halt.Done.Chan
}

func (m *Manager) janitor() {
	defer m.halt.Done.Close()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		wait, armed := m.nextDeadline()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if armed {
			timer.Reset(wait)
		}

		select {
		case <-m.halt.ReqStop.Chan:
			return
		case <-m.wake:
		case <-timer.C:
			m.expire(time.Now())
		}
	}
}

func (m *Manager) nextDeadline() (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.deadlines) == 0 {
		return 0, false
	}
	return max(time.Until(m.deadlines[0].deadline), 0), true
}

func (m *Manager) expire(now time.Time) {
	var expired []*entry
	m.mu.Lock()
	for len(m.deadlines) > 0 && !m.deadlines[0].deadline.After(now) {
		e := heap.Pop(&m.deadlines).(*entry)
		delete(m.pending, e.id)
		expired = append(expired, e)
	}
	m.mu.Unlock()

	for _, e := range expired {
		m.log.Debug("query timed out", zap.Stringer("id", e.id))
		e.f.Complete(protocol.EmptyPacket())
	}
}
