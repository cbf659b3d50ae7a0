package middleware

import (
	"context"
	"time"

	"farcall/message"
)

// TimeoutMiddleware bounds handler execution. The handler keeps running in
// its own goroutine after the deadline (there is no cooperative kill), but
// the caller gets a timeout failure instead of waiting on it.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Response, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return failure("request timed out", "timeout")
			}
		}
	}
}
