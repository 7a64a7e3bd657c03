// Package future provides a single-assignment result slot that many
// goroutines can wait on.
package future

import (
	"context"
	"sync"
	"time"
)

// Future is completed exactly once, either with a value or with an error.
// Every later attempt to complete it is ignored.
type Future[T any] struct {
	mu        sync.Mutex
	done      chan struct{}
	value     T
	err       error
	callbacks []func(T, error)
}

func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Completed returns a future that already holds v.
func Completed[T any](v T) *Future[T] {
	f := New[T]()
	f.Complete(v)
	return f
}

// Failed returns a future that already holds err.
func Failed[T any](err error) *Future[T] {
	f := New[T]()
	f.Fail(err)
	return f
}

// Complete sets the value. It reports false if the future was already done.
func (f *Future[T]) Complete(v T) bool {
	return f.finish(v, nil)
}

// Fail sets the error. It reports false if the future was already done.
func (f *Future[T]) Fail(err error) bool {
	var zero T
	return f.finish(zero, err)
}

func (f *Future[T]) finish(v T, err error) bool {
	f.mu.Lock()
	select {
	case <-f.done:
		f.mu.Unlock()
		return false
	default:
	}
	f.value, f.err = v, err
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, fn := range callbacks {
		fn(v, err)
	}
	return true
}

// Done is closed once the future holds a value or an error.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// IsDone reports whether the future is complete.
func (f *Future[T]) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Get waits for the result or for ctx to end.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// GetTimeout waits at most d and returns fallback on timeout or failure.
func (f *Future[T]) GetTimeout(d time.Duration, fallback T) T {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-f.done:
		if f.err != nil {
			return fallback
		}
		return f.value
	case <-timer.C:
		return fallback
	}
}

// Then registers fn to run once the future completes. If it already has, fn
// runs immediately on the calling goroutine; otherwise it runs on the
// goroutine that completes the future.
func (f *Future[T]) Then(fn func(T, error)) {
	f.mu.Lock()
	select {
	case <-f.done:
		f.mu.Unlock()
		fn(f.value, f.err)
		return
	default:
	}
	f.callbacks = append(f.callbacks, fn)
	f.mu.Unlock()
}
