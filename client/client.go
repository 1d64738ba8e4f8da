// Package client calls providers of one logical service. The provider for
// each call is chosen by an installed Resolver; the call itself runs in the
// background and is handed back as a *Call.
package client

import (
	"context"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"hello-connect/codec"
	"hello-connect/message"
	"hello-connect/middleware"
	"hello-connect/registry"
	"hello-connect/transport"
)

// Resolver picks the provider for a single call.
type Resolver interface {
	Resolve(ctx context.Context, serviceName, key string) (*registry.ServiceInstance, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, serviceName, key string) (*registry.ServiceInstance, error)

func (f ResolverFunc) Resolve(ctx context.Context, serviceName, key string) (*registry.ServiceInstance, error) {
	return f(ctx, serviceName, key)
}

var errNoResolver = errors.New("no resolver installed")

type Client struct {
	service string
	opts    options
	log     *zap.Logger
	pool    *ants.Pool
	invoke  middleware.HandlerFunc

	mu         sync.Mutex
	resolver   Resolver
	transports map[string]*transport.ClientTransport
	calls      map[*Call]struct{}
	closed     bool

	dials singleflight.Group
	done  chan struct{}
}

// NewClient returns a client for the logical service serviceName. Calls fail
// until a resolver is installed with SetResolver.
func NewClient(serviceName string, opts ...Option) (*Client, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	pool, err := ants.NewPool(o.poolSize, ants.WithNonblocking(true))
	if err != nil {
		return nil, errors.Wrap(err, "create call pool")
	}

	c := &Client{
		service:    serviceName,
		opts:       o,
		log:        o.logger.With(zap.String("service", serviceName)),
		pool:       pool,
		transports: make(map[string]*transport.ClientTransport),
		calls:      make(map[*Call]struct{}),
		done:       make(chan struct{}),
	}

	mws := o.middlewares
	if o.callTimeout > 0 {
		mws = append(mws, middleware.TimeOutMiddleware(o.callTimeout))
	}
	c.invoke = middleware.Chain(mws...)(c.roundTrip)
	return c, nil
}

// Service returns the logical service name the client was built for.
func (c *Client) Service() string {
	return c.service
}

// SetResolver installs r for subsequent calls.
func (c *Client) SetResolver(r Resolver) {
	c.mu.Lock()
	c.resolver = r
	c.mu.Unlock()
}

// Go starts an asynchronous call of serviceMethod ("Service.Method") and
// returns immediately. Every failure, including resolution and dialing, is
// delivered through the returned Call.
func (c *Client) Go(ctx context.Context, serviceMethod string, args, reply any) *Call {
	call := NewCall(serviceMethod, args, reply)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		call.Finish(ErrClosed)
		return call
	}
	c.calls[call] = struct{}{}
	c.mu.Unlock()

	err := c.pool.Submit(func() {
		c.run(ctx, call)
	})
	if err != nil {
		c.forget(call)
		call.Finish(errors.Wrap(err, "schedule call"))
	}
	return call
}

// Call is the synchronous form of Go.
func (c *Client) Call(ctx context.Context, serviceMethod string, args, reply any) error {
	return c.Go(ctx, serviceMethod, args, reply).Wait(ctx)
}

func (c *Client) run(ctx context.Context, call *Call) {
	defer c.forget(call)

	payload, err := codec.MarshalPayload(call.Args)
	if err != nil {
		call.Finish(errors.Wrap(err, "encode args"))
		return
	}

	resp := c.invoke(ctx, &message.RPCMessage{ServiceMethod: call.ServiceMethod, Payload: payload})
	call.complete(func() error {
		if resp.Failed() {
			return &CallError{ServiceMethod: call.ServiceMethod, Reason: resp.Error}
		}
		return errors.Wrap(codec.UnmarshalPayload(resp.Payload, call.Reply), "decode reply")
	})
}

// roundTrip is the innermost handler: resolve a provider, send the request
// on its transport and wait for the answer.
func (c *Client) roundTrip(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	c.mu.Lock()
	r := c.resolver
	c.mu.Unlock()
	if r == nil {
		return message.ErrorReply(req.ServiceMethod, errNoResolver.Error())
	}

	inst, err := r.Resolve(ctx, c.service, req.ServiceMethod)
	if err != nil {
		return message.ErrorReply(req.ServiceMethod, err.Error())
	}

	t, err := c.getTransport(ctx, inst.Addr)
	if err != nil {
		return message.ErrorReply(req.ServiceMethod, err.Error())
	}

	ch, err := t.Send(req)
	if err != nil {
		return message.ErrorReply(req.ServiceMethod, err.Error())
	}

	select {
	case resp := <-ch:
		return resp
	case <-ctx.Done():
		t.Forget(ch)
		return message.ErrorReply(req.ServiceMethod, ctx.Err().Error())
	case <-c.done:
		return message.ErrorReply(req.ServiceMethod, ErrClosed.Error())
	}
}

// getTransport returns a live transport to addr, dialing at most once
// concurrently per address. Broken transports are replaced.
func (c *Client) getTransport(ctx context.Context, addr string) (*transport.ClientTransport, error) {
	c.mu.Lock()
	t, ok := c.transports[addr]
	c.mu.Unlock()
	if ok && t.Err() == nil {
		return t, nil
	}

	v, err, _ := c.dials.Do(addr, func() (interface{}, error) {
		c.mu.Lock()
		if t, ok := c.transports[addr]; ok && t.Err() == nil {
			c.mu.Unlock()
			return t, nil
		}
		c.mu.Unlock()

		dialCtx, cancel := context.WithTimeout(ctx, c.opts.dialTimeout)
		defer cancel()
		t, err := transport.Dial(dialCtx, addr, c.opts.codec, c.log)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			t.Close()
			return nil, ErrClosed
		}
		c.transports[addr] = t
		c.log.Debug("connected", zap.String("addr", addr))
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*transport.ClientTransport), nil
}

func (c *Client) forget(call *Call) {
	c.mu.Lock()
	delete(c.calls, call)
	c.mu.Unlock()
}

// Outstanding reports how many calls have been issued and not yet completed.
func (c *Client) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

// Close fails every outstanding call with ErrClosed and closes all
// connections. Calls issued afterwards fail immediately.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	calls := c.calls
	c.calls = make(map[*Call]struct{})
	transports := c.transports
	c.transports = make(map[string]*transport.ClientTransport)
	c.mu.Unlock()

	for call := range calls {
		call.Finish(ErrClosed)
	}
	for _, t := range transports {
		t.Close()
	}
	if err := c.pool.ReleaseTimeout(time.Second); err != nil {
		c.log.Warn("call workers still busy after close", zap.Error(err))
	}
	return nil
}
