package middleware

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"hello-connect/message"
)

// Retryable reports whether a failed reply is worth another attempt.
type Retryable func(resp *message.RPCMessage) bool

// TransientFailure treats timeouts and refused connections as retryable.
func TransientFailure(resp *message.RPCMessage) bool {
	return strings.Contains(resp.Error, "timeout") ||
		strings.Contains(resp.Error, "timed out") ||
		strings.Contains(resp.Error, "connection refused")
}

// RetryMiddleware re-issues a failed call up to maxRetries times with
// exponential backoff starting at baseDelay. Backoff sleeps end early when
// ctx is done.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, retryable Retryable, log *zap.Logger) Middleware {
	if retryable == nil {
		retryable = TransientFailure
	}
	if log == nil {
		log = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			resp := next(ctx, req)
			for i := 0; i < maxRetries && resp.Failed() && retryable(resp); i++ {
				log.Info("retrying call",
					zap.String("method", req.ServiceMethod),
					zap.Int("attempt", i+1),
					zap.String("error", resp.Error))

				t := time.NewTimer(baseDelay << i)
				select {
				case <-ctx.Done():
					t.Stop()
					return resp
				case <-t.C:
				}
				resp = next(ctx, req)
			}
			return resp
		}
	}
}
