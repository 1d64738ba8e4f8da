package middleware

import (
	"context"
	"time"

	"hello-connect/message"
)

const ErrTimeout = "request timed out"

// TimeOutMiddleware fails the call with ErrTimeout once timeout elapses. The
// inner handler keeps running with a cancelled context; its late reply is
// dropped.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.RPCMessage, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return message.ErrorReply(req.ServiceMethod, ErrTimeout)
			}
		}
	}
}
