package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/CloudNetService/CloudNet-sub027/message"
)

// LoggingMiddleware logs every call at debug level and failed calls at warn.
func LoggingMiddleware(log *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) (message.Result, error) {
			start := time.Now()
			res, err := next(ctx, call)
			fields := []zap.Field{
				zap.String("class", call.Class),
				zap.String("method", call.Method+call.Sig.String()),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				log.Warn("rpc call failed", append(fields, zap.Error(err))...)
			} else {
				log.Debug("rpc call", append(fields, zap.Bool("present", res.Present))...)
			}
			return res, err
		}
	}
}
