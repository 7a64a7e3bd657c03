package chunk

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/CloudNetService/CloudNet-sub027/future"
	"github.com/CloudNetService/CloudNet-sub027/protocol"
	"github.com/CloudNetService/CloudNet-sub027/transport"
)

type item struct {
	chunk  Chunk
	ch     *transport.Channel
	packet *protocol.Packet
	abort  error
}

// session owns its sink. Only the goroutine running run touches it; every
// other goroutine talks to the session through its queue.
type session struct {
	info    SessionInfo
	handler Handler
	result  *future.Future[Status]
	log     *zap.Logger
	release func()

	mu      sync.Mutex
	queue   []item
	stopped bool
	wake    chan struct{}

	next int32
}

// enqueue reports false once the session has finished.
func (s *session) enqueue(it item) bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, it)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

func (s *session) abort(err error) {
	s.enqueue(item{abort: err})
}

func (s *session) run() {
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		if len(batch) == 0 {
			<-s.wake
			continue
		}
		for i, it := range batch {
			status, done := s.apply(it)
			if !done {
				continue
			}
			s.stop(status, it, batch[i+1:])
			return
		}
	}
}

// apply processes one queued item and reports whether the session ended.
func (s *session) apply(it item) (Status, bool) {
	if it.abort != nil {
		s.fail(it.abort)
		return Failure, true
	}
	c := it.chunk
	if c.Seq != s.next {
		s.fail(fmt.Errorf("%w: expected %d, got %d", ErrOutOfOrder, s.next, c.Seq))
		return Failure, true
	}
	s.next++
	if _, err := s.handler.Sink.Write(c.Payload); err != nil {
		s.fail(fmt.Errorf("chunk: sink write: %w", err))
		return Failure, true
	}
	if !c.Final {
		return Failure, false
	}
	if err := s.handler.Sink.Close(); err != nil {
		s.fail(fmt.Errorf("chunk: sink close: %w", err))
		return Failure, true
	}
	return Success, true
}

func (s *session) fail(err error) {
	if errors.Is(err, ErrChannelClosed) {
		s.log.Debug("chunk session aborted", zap.Error(err))
	} else {
		s.log.Warn("chunk session aborted", zap.Error(err))
	}
	discard(s.log, s.handler.Sink)
}

// discard throws sink's output away, or closes it if it cannot.
func discard(log *zap.Logger, sink io.WriteCloser) {
	var err error
	if d, ok := sink.(Discarder); ok {
		err = d.Discard()
	} else {
		err = sink.Close()
	}
	if err != nil {
		log.Debug("discarding partial chunk output", zap.Error(err))
	}
}

// stop finishes the session exactly once: it leaves the receiver, answers
// the final chunk and anything still queued, then reports the status.
func (s *session) stop(status Status, last item, rest []item) {
	s.release()

	s.mu.Lock()
	s.stopped = true
	rest = append(rest, s.queue...)
	s.queue = nil
	s.mu.Unlock()

	if last.packet != nil {
		reply(s.log, last.ch, last.packet, status)
	}
	for _, it := range rest {
		if it.packet != nil {
			reply(s.log, it.ch, it.packet, Failure)
		}
	}

	s.result.Complete(status)
	if s.handler.Done != nil {
		s.handler.Done(s.info, status)
	}
}
