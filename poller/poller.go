// Package poller issues one request per interval without waiting for earlier
// requests to finish, and logs how each one ends.
package poller

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"hello-connect/client"
)

const (
	DefaultText     = "Hello from JavaScript"
	DefaultInterval = 5 * time.Second
)

// Sender starts one asynchronous request carrying text.
type Sender interface {
	Send(ctx context.Context, text string) *client.Call
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, text string) *client.Call

func (f SenderFunc) Send(ctx context.Context, text string) *client.Call {
	return f(ctx, text)
}

// PayloadProvider returns the text for the next request.
type PayloadProvider func() string

// Constant returns a provider that always yields text.
func Constant(text string) PayloadProvider {
	return func() string { return text }
}

type ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct{ *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.Ticker.C }

type options struct {
	interval  time.Duration
	payload   PayloadProvider
	logger    *zap.Logger
	newTicker func(time.Duration) ticker
}

type Option func(*options)

func WithInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.interval = d
		}
	}
}

func WithPayload(p PayloadProvider) Option {
	return func(o *options) {
		if p != nil {
			o.payload = p
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func withTicker(f func(time.Duration) ticker) Option {
	return func(o *options) { o.newTicker = f }
}

// Poller is a periodic request loop. The sequence number starts at 0 and
// grows by one per tick; each completion is logged under the number its
// request was issued with.
type Poller struct {
	sender Sender
	opts   options
	log    *zap.Logger

	seq         atomic.Int64
	outstanding atomic.Int64
	pending     sync.WaitGroup
}

func New(sender Sender, opts ...Option) *Poller {
	o := options{
		interval: DefaultInterval,
		payload:  Constant(DefaultText),
		logger:   zap.NewNop(),
		newTicker: func(d time.Duration) ticker {
			return timeTicker{time.NewTicker(d)}
		},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Poller{sender: sender, opts: o, log: o.logger}
}

// Run ticks every interval until ctx is done, then returns nil. The first
// request goes out one full interval after Run starts. Calls still pending
// when Run returns keep their handlers and are logged if they complete.
func (p *Poller) Run(ctx context.Context) error {
	t := p.opts.newTicker(p.opts.interval)
	defer t.Stop()

	p.log.Info("polling", zap.Duration("interval", p.opts.interval))
	for {
		select {
		case <-ctx.Done():
			p.log.Info("polling stopped", zap.Int64("issued", p.Seq()), zap.Int64("outstanding", p.Outstanding()))
			return nil
		case <-t.C():
			p.tick(ctx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	n := p.seq.Add(1)
	text := p.opts.payload()
	p.log.Info(fmt.Sprintf("%d: sending %s", n, text), zap.Int64("seq", n))

	call := p.sender.Send(ctx, text)
	if call == nil {
		p.log.Error(fmt.Sprintf("%d: failed! no call issued", n), zap.Int64("seq", n))
		return
	}
	p.outstanding.Add(1)
	p.pending.Add(1)
	call.OnFinished(func(c *client.Call) {
		defer p.pending.Done()
		defer p.outstanding.Add(-1)
		if err := c.Err(); err != nil {
			p.log.Warn(fmt.Sprintf("%d: failed! %v", n, err), zap.Int64("seq", n), zap.Error(err))
			return
		}
		p.log.Info(fmt.Sprintf("%d: received %v", n, c.Reply), zap.Int64("seq", n))
	})
}

// Drain waits until every issued call has completed and been logged, or
// until ctx is done. Call it after Run has returned.
func (p *Poller) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Seq returns how many requests have been issued.
func (p *Poller) Seq() int64 {
	return p.seq.Load()
}

// Outstanding returns how many issued requests have not completed.
func (p *Poller) Outstanding() int64 {
	return p.outstanding.Load()
}
