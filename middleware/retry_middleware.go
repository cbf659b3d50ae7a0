package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"farcall/message"
)

// RetryMiddleware re-runs a handler whose failure looks transient (kind
// "timeout"), with exponential backoff. Anything else returns immediately;
// a missing function or a bad argument does not get better by retrying.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, log *zap.Logger) Middleware {
	if log == nil {
		log = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			resp := next(ctx, req)
			for i := 0; i < maxRetries; i++ {
				if !retryable(resp) {
					return resp
				}
				log.Info("retrying call",
					zap.Stringer("key", req.Key),
					zap.Int("attempt", i+1),
					zap.String("error", resp.Err.Msg))
				time.Sleep(baseDelay * time.Duration(1<<i))
				resp = next(ctx, req)
			}
			return resp
		}
	}
}

func retryable(resp *message.Response) bool {
	if resp.Err == nil {
		return false
	}
	for _, cause := range resp.Err.Cause {
		if cause.Kind == "timeout" {
			return true
		}
	}
	return false
}
