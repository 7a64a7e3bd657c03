package chunk

import (
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/CloudNetService/CloudNet-sub027/future"
	"github.com/CloudNetService/CloudNet-sub027/protocol"
	"github.com/CloudNetService/CloudNet-sub027/transport"
)

// Handler receives one session: chunks are appended to Sink and Done, if
// set, is called exactly once with the outcome.
type Handler struct {
	Sink io.WriteCloser
	Done func(info SessionInfo, status Status)
}

// HandlerFactory decides at open time whether a session is accepted. An
// error rejects it.
type HandlerFactory func(info SessionInfo) (Handler, error)

// SinkFactory creates the sink of a locally opened session.
type SinkFactory func(info SessionInfo) (io.WriteCloser, error)

// Discarder is implemented by sinks that can throw away partial output.
type Discarder interface {
	Discard() error
}

// Receiver reassembles incoming sessions. Register it on the chunk channels
// of a transport.Listeners.
type Receiver struct {
	mu        sync.Mutex
	factories map[string]HandlerFactory
	sessions  map[uuid.UUID]*session
	opening   map[uuid.UUID]*pendingOpen
	log       *zap.Logger
}

// pendingOpen reserves a session id while its factory runs.
type pendingOpen struct {
	aborted bool
}

type ReceiverOption func(*Receiver)

func WithReceiverLogger(log *zap.Logger) ReceiverOption {
	return func(r *Receiver) { r.log = log }
}

func NewReceiver(opts ...ReceiverOption) *Receiver {
	r := &Receiver{
		factories: make(map[string]HandlerFactory),
		sessions:  make(map[uuid.UUID]*session),
		opening:   make(map[uuid.UUID]*pendingOpen),
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Listen registers r for the chunk transfer and chunk session channels.
func (r *Receiver) Listen(ls *transport.Listeners) {
	ls.Register(protocol.ChannelChunkTransfer, r)
	ls.Register(protocol.ChannelChunkSession, r)
}

// RegisterHandler makes sessions on transferChannel acceptable.
func (r *Receiver) RegisterHandler(transferChannel string, f HandlerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[transferChannel] = f
}

func (r *Receiver) UnregisterHandler(transferChannel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.factories, transferChannel)
}

// Open prepares a session before its sender announces it; the sender's
// open signal is then accepted regardless of the registered handlers.
func (r *Receiver) Open(info SessionInfo, sinks SinkFactory) (*future.Future[Status], error) {
	if err := info.validate(); err != nil {
		return nil, err
	}
	if err := r.reserve(info.ID); err != nil {
		return nil, err
	}
	sink, err := sinks(info)
	if err != nil {
		r.unreserve(info.ID)
		return nil, err
	}
	s, err := r.start(info, Handler{Sink: sink})
	if err != nil {
		discard(r.log, sink)
		return nil, err
	}
	return s.result, nil
}

// Sessions returns the number of sessions in progress.
func (r *Receiver) Sessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// HandlePacket runs on the channel's read goroutine. It only routes; sink
// I/O happens on the session's goroutine.
func (r *Receiver) HandlePacket(ch *transport.Channel, p *protocol.Packet) {
	switch p.Channel {
	case protocol.ChannelChunkSession:
		r.handleControl(ch, p)
	case protocol.ChannelChunkTransfer:
		r.handleChunk(ch, p)
	}
}

func (r *Receiver) handleControl(ch *transport.Channel, p *protocol.Packet) {
	c, err := unmarshalControl(p.Body)
	if err != nil {
		r.log.Warn("malformed chunk session packet", zap.Error(err))
		reply(r.log, ch, p, Failure)
		return
	}
	switch c.op {
	case opAbort:
		r.mu.Lock()
		s := r.sessions[c.info.ID]
		if pend, ok := r.opening[c.info.ID]; ok {
			pend.aborted = true
		}
		r.mu.Unlock()
		if s != nil {
			s.abort(ErrAborted)
		}
	case opOpen:
		r.handleOpen(ch, p, c.info)
	}
}

// handleOpen answers a remote open. A pre-opened session is accepted right
// away; otherwise the id is reserved and the handler factory, which may touch
// the disk, runs on its own goroutine that answers the query.
func (r *Receiver) handleOpen(ch *transport.Channel, p *protocol.Packet, info SessionInfo) {
	r.mu.Lock()
	if s, ok := r.sessions[info.ID]; ok {
		r.mu.Unlock()
		ch.OnClose(func(*transport.Channel) { s.abort(ErrChannelClosed) })
		reply(r.log, ch, p, Success)
		return
	}
	f, found := r.factories[info.TransferChannel]
	var err error
	switch {
	case !found:
		err = fmt.Errorf("%w: %q", ErrNoHandler, info.TransferChannel)
	case r.opening[info.ID] != nil:
		err = fmt.Errorf("%w: %s", ErrSessionExists, info.ID)
	default:
		r.opening[info.ID] = &pendingOpen{}
	}
	r.mu.Unlock()
	if err != nil {
		r.reject(ch, p, info, err)
		return
	}

	go func() {
		h, err := f(info)
		if err == nil && h.Sink == nil {
			err = fmt.Errorf("%w: handler for %q has no sink", ErrNoHandler, info.TransferChannel)
		}
		if err != nil {
			r.unreserve(info.ID)
			r.reject(ch, p, info, err)
			return
		}
		s, err := r.start(info, h)
		if err != nil {
			discard(r.log, h.Sink)
			if h.Done != nil {
				h.Done(info, Failure)
			}
			r.reject(ch, p, info, err)
			return
		}
		ch.OnClose(func(*transport.Channel) { s.abort(ErrChannelClosed) })
		reply(r.log, ch, p, Success)
	}()
}

func (r *Receiver) reject(ch *transport.Channel, p *protocol.Packet, info SessionInfo, err error) {
	r.log.Warn("rejecting chunk session", zap.Stringer("session", info.ID),
		zap.String("transfer_channel", info.TransferChannel), zap.Error(err))
	reply(r.log, ch, p, Failure)
}

// reserve claims id for a session whose sink is still being created.
func (r *Receiver) reserve(id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		return fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	if _, ok := r.opening[id]; ok {
		return fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	r.opening[id] = &pendingOpen{}
	return nil
}

func (r *Receiver) unreserve(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.opening, id)
}

// start turns a reservation into a running session. It fails if the sender
// aborted while the sink was being created.
func (r *Receiver) start(info SessionInfo, h Handler) (*session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pend := r.opening[info.ID]
	delete(r.opening, info.ID)
	if pend != nil && pend.aborted {
		return nil, ErrAborted
	}
	return r.startLocked(info, h), nil
}

func (r *Receiver) handleChunk(ch *transport.Channel, p *protocol.Packet) {
	c, err := UnmarshalChunk(p.Body)
	if err != nil {
		r.log.Warn("malformed chunk", zap.Error(err))
		reply(r.log, ch, p, Failure)
		return
	}
	r.mu.Lock()
	s := r.sessions[c.Session]
	r.mu.Unlock()
	if s == nil || !s.enqueue(item{chunk: c, ch: ch, packet: p}) {
		r.log.Debug("chunk for unknown session", zap.Stringer("session", c.Session), zap.Int32("seq", c.Seq))
		reply(r.log, ch, p, Failure)
	}
}

func (r *Receiver) startLocked(info SessionInfo, h Handler) *session {
	s := &session{
		info:    info,
		handler: h,
		result:  future.New[Status](),
		wake:    make(chan struct{}, 1),
		log:     r.log.With(zap.Stringer("session", info.ID)),
	}
	s.release = func() {
		r.mu.Lock()
		if r.sessions[info.ID] == s {
			delete(r.sessions, info.ID)
		}
		r.mu.Unlock()
	}
	r.sessions[info.ID] = s
	go s.run()
	return s
}

// reply answers p if it was sent as a query.
func reply(log *zap.Logger, ch *transport.Channel, p *protocol.Packet, status Status) {
	if ch == nil || !p.HasID() {
		return
	}
	if err := ch.SendPacket(p.Response([]byte{byte(status)})); err != nil {
		log.Debug("cannot answer chunk packet", zap.Int32("channel", p.Channel), zap.Error(err))
	}
}
