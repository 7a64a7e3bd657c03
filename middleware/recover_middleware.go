package middleware

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/CloudNetService/CloudNet-sub027/message"
)

// RecoverMiddleware turns a panicking handler into a failed call.
func RecoverMiddleware(log *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) (res message.Result, err error) {
			defer func() {
				if r := recover(); r != nil {
					log.Error("rpc handler panicked",
						zap.String("class", call.Class),
						zap.String("method", call.Method),
						zap.Any("panic", r),
						zap.Stack("stack"))
					res, err = message.Empty(), fmt.Errorf("%w: %v", ErrPanic, r)
				}
			}()
			return next(ctx, call)
		}
	}
}
