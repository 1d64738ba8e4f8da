package client

import (
	"time"

	"go.uber.org/zap"

	"hello-connect/codec"
	"hello-connect/middleware"
)

const (
	DefaultPoolSize    = 10000
	DefaultDialTimeout = 5 * time.Second
)

type options struct {
	codec       codec.CodecType
	poolSize    int
	dialTimeout time.Duration
	callTimeout time.Duration
	middlewares []middleware.Middleware
	logger      *zap.Logger
}

func defaultOptions() options {
	return options{
		codec:       codec.CodecTypeJSON,
		poolSize:    DefaultPoolSize,
		dialTimeout: DefaultDialTimeout,
		logger:      zap.NewNop(),
	}
}

type Option func(*options)

func WithCodec(ct codec.CodecType) Option {
	return func(o *options) { o.codec = ct }
}

// WithPoolSize bounds how many calls may be in flight at once; calls beyond
// it fail immediately instead of queueing.
func WithPoolSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.poolSize = n
		}
	}
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.dialTimeout = d
		}
	}
}

// WithCallTimeout fails calls that take longer than d. Zero, the default,
// lets a call wait for as long as its context allows.
func WithCallTimeout(d time.Duration) Option {
	return func(o *options) { o.callTimeout = d }
}

// WithMiddleware wraps every call, outermost first.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(o *options) { o.middlewares = append(o.middlewares, mws...) }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}
