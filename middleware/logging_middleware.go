package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"farcall/message"
)

// LoggingMiddleware logs every dispatched call with its key, duration, and
// outcome.
func LoggingMiddleware(log *zap.Logger) Middleware {
	if log == nil {
		log = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)
			fields := []zap.Field{
				zap.Stringer("key", req.Key),
				zap.Duration("duration", time.Since(start)),
			}
			if resp.Err != nil {
				log.Warn("call failed", append(fields, zap.String("error", resp.Err.Msg))...)
			} else {
				log.Info("call served", fields...)
			}
			return resp
		}
	}
}
