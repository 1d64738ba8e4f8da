// Package middleware wraps call handlers in onion layers. The same HandlerFunc
// shape serves the server (around service dispatch) and the client (around
// the network round trip).
package middleware

import (
	"context"

	"hello-connect/message"
)

type HandlerFunc func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so that the first one listed runs outermost:
// Chain(A, B)(h) == A(B(h)).
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
