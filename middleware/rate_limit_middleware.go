package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"hello-connect/message"
)

const ErrRateLimited = "rate limit exceeded"

// RateLimitMiddleware rejects calls beyond r per second (token bucket with
// the given burst) instead of queueing them.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			if !limiter.Allow() {
				return message.ErrorReply(req.ServiceMethod, ErrRateLimited)
			}
			return next(ctx, req)
		}
	}
}
