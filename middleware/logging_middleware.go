package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"hello-connect/message"
)

// LoggingMiddleware logs each call with its duration at debug level, and
// failed calls at warn level.
func LoggingMiddleware(log *zap.Logger) Middleware {
	if log == nil {
		log = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			start := time.Now()
			resp := next(ctx, req)
			fields := []zap.Field{
				zap.String("method", req.ServiceMethod),
				zap.Duration("duration", time.Since(start)),
			}
			if resp.Failed() {
				log.Warn("call failed", append(fields, zap.String("error", resp.Error))...)
				return resp
			}
			log.Debug("call", fields...)
			return resp
		}
	}
}
