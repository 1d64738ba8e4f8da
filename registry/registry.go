// Package registry maps logical service names to the providers that serve
// them.
package registry

import (
	"context"

	"github.com/pkg/errors"
)

var ErrNotFound = errors.New("service has no registered instances")

type ServiceInstance struct {
	Addr    string `json:"addr" yaml:"addr"`
	Weight  int    `json:"weight,omitempty" yaml:"weight"` // load balancing weight, <= 0 counts as 1
	Version string `json:"version,omitempty" yaml:"version"`
}

type Registry interface {
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	// Watch emits the current instance list, then the full list after every
	// change until ctx is done, then closes the channel. No change made after
	// the first list was read is missed.
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
	Close() error
}
