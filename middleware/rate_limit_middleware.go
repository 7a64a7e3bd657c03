package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/CloudNetService/CloudNet-sub027/message"
)

// RateLimitMiddleware rejects calls beyond r per second with the given
// burst, using a token bucket.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) (message.Result, error) {
			if !limiter.Allow() {
				return message.Empty(), ErrRateLimited
			}
			return next(ctx, call)
		}
	}
}
