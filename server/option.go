package server

import (
	"time"

	"go.uber.org/zap"

	"hello-connect/registry"
)

type options struct {
	poolSize        int
	logger          *zap.Logger
	registry        registry.Registry
	discoveryName   string
	instance        registry.ServiceInstance
	ttl             int64
	registryTimeout time.Duration
}

func defaultOptions() options {
	return options{
		poolSize:        10000,
		logger:          zap.NewNop(),
		ttl:             10,
		registryTimeout: 5 * time.Second,
	}
}

type Option func(*options)

// WithRegistry advertises the server in reg under discoveryName. An empty
// instance.Addr is replaced by the listener's address. The entry lives for
// ttl seconds unless renewed.
func WithRegistry(reg registry.Registry, discoveryName string, instance registry.ServiceInstance, ttl int64) Option {
	return func(o *options) {
		o.registry = reg
		o.discoveryName = discoveryName
		o.instance = instance
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithPoolSize bounds how many requests run at once; further requests wait
// for a free worker.
func WithPoolSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.poolSize = n
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
