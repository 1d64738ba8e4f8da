package client

import "github.com/pkg/errors"

var ErrClosed = errors.New("client closed")

// CallError is a failed remote call. Reason is the description reported by
// the provider or by the RPC layer on the way to it; Error returns it as is.
type CallError struct {
	ServiceMethod string
	Reason        string
}

func (e *CallError) Error() string {
	return e.Reason
}
