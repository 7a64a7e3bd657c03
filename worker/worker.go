// Package worker runs tasks on a fixed set of goroutines fed by an unbounded
// FIFO queue. Submitting never blocks, so the goroutine reading a connection
// can hand work off without stalling the stream.
package worker

import (
	"errors"
	"runtime"
	"sync"

	"go.uber.org/zap"

	"github.com/CloudNetService/CloudNet-sub027/future"
)

var ErrClosed = errors.New("worker: scheduler closed")

type Scheduler struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	wg     sync.WaitGroup
	log    *zap.Logger
}

type Option func(*Scheduler)

func WithLogger(log *zap.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

// New starts a scheduler with the given number of workers; n <= 0 uses
// GOMAXPROCS.
func New(n int, opts ...Option) *Scheduler {
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	s := &Scheduler{log: zap.NewNop()}
	s.cond = sync.NewCond(&s.mu)
	for _, opt := range opts {
		opt(s)
	}
	s.wg.Add(n)
	for i := 0; i < n; i++ {
		go s.run()
	}
	return s
}

// Submit queues fn. It fails only after Close.
func (s *Scheduler) Submit(fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.queue = append(s.queue, fn)
	s.cond.Signal()
	return nil
}

// Go runs fn on s and returns a future for its result.
func Go[T any](s *Scheduler, fn func() (T, error)) *future.Future[T] {
	f := future.New[T]()
	err := s.Submit(func() {
		v, err := fn()
		if err != nil {
			f.Fail(err)
			return
		}
		f.Complete(v)
	})
	if err != nil {
		f.Fail(err)
	}
	return f
}

// Pending returns the number of queued tasks not yet picked up.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close stops accepting tasks, lets the workers drain the queue and waits
// for them to exit.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		fn := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.exec(fn)
	}
}

func (s *Scheduler) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("worker task panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	fn()
}
