package middleware

import (
	"context"

	"protorpc/status"

	"golang.org/x/time/rate"
	"google.golang.org/protobuf/proto"
)

// RateLimitMiddleware admits calls through a token bucket of r calls per second
// with the given burst. Rejected calls fail without reaching the implementation.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *Call) (proto.Message, error) {
			if !limiter.Allow() {
				return nil, status.New(status.KindApplication, "rate limit exceeded")
			}
			return next(ctx, call)
		}
	}
}
