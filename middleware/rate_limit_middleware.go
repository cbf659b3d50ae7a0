package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"farcall/message"
)

// RateLimitMiddleware rejects calls beyond a token-bucket allowance of r
// requests per second with bursts of up to burst.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			if !limiter.Allow() {
				return failure("rate limit exceeded", "rate_limit")
			}
			return next(ctx, req)
		}
	}
}
