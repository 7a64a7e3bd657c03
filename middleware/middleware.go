// Package middleware wraps the execution of rpc calls on the receiving node.
//
// Middlewares compose like an onion; the first one passed to Chain is the
// outermost:
//
//	Chain(Recover, Logging, Timeout)(handler)
//	  → Recover → Logging → Timeout → handler → Timeout → Logging → Recover
//
// A failed call returns an error; the dispatcher turns it into an empty
// result, so the caller cannot tell a failure from a missing handler.
package middleware

import (
	"context"
	"errors"

	"github.com/CloudNetService/CloudNet-sub027/message"
)

var (
	ErrTimeout     = errors.New("middleware: call timed out")
	ErrRateLimited = errors.New("middleware: rate limit exceeded")
	ErrPanic       = errors.New("middleware: handler panicked")
)

type HandlerFunc func(ctx context.Context, call *message.Call) (message.Result, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines several middlewares into one.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
