package client

import (
	"context"
	"sync"
)

// Call is a pending asynchronous request. It completes exactly once, with
// either a decoded Reply or an error.
type Call struct {
	ServiceMethod string
	Args          any
	Reply         any // valid once Done is closed and Err is nil

	once sync.Once
	done chan struct{}
	err  error
}

// NewCall returns an incomplete call. Client.Go creates calls itself; other
// producers (fakes, adapters) complete them with Finish.
func NewCall(serviceMethod string, args, reply any) *Call {
	return &Call{
		ServiceMethod: serviceMethod,
		Args:          args,
		Reply:         reply,
		done:          make(chan struct{}),
	}
}

// Finish completes the call with err. Only the first completion counts; it
// reports whether this one did.
func (c *Call) Finish(err error) bool {
	return c.complete(func() error { return err })
}

// complete runs fill and records its result, once.
func (c *Call) complete(fill func() error) bool {
	won := false
	c.once.Do(func() {
		c.err = fill()
		won = true
		close(c.done)
	})
	return won
}

// Done is closed when the call completes.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Err returns the call's failure, or nil while it is pending or after success.
func (c *Call) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Wait blocks until the call completes or ctx is done.
func (c *Call) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnFinished runs handler in its own goroutine once the call completes. Each
// registered handler runs exactly once; a call that never completes never
// runs its handlers.
func (c *Call) OnFinished(handler func(*Call)) {
	go func() {
		<-c.done
		handler(c)
	}()
}
