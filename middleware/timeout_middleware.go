package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/CloudNetService/CloudNet-sub027/message"
)

// TimeOutMiddleware gives up on handlers running longer than timeout. The
// handler keeps running in the background and should watch ctx.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) (message.Result, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			type outcome struct {
				res message.Result
				err error
			}
			done := make(chan outcome, 1)
			go func() {
				// outside the reach of RecoverMiddleware
				defer func() {
					if r := recover(); r != nil {
						done <- outcome{message.Empty(), fmt.Errorf("%w: %v", ErrPanic, r)}
					}
				}()
				res, err := next(ctx, call)
				done <- outcome{res, err}
			}()

			select {
			case o := <-done:
				return o.res, o.err
			case <-ctx.Done():
				return message.Empty(), fmt.Errorf("%w after %v", ErrTimeout, timeout)
			}
		}
	}
}
