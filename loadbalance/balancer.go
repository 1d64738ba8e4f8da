// Package loadbalance picks one provider out of the instances discovery
// returned for a service.
//
//   - RoundRobin:      equal-capacity, stateless providers
//   - WeightedRandom:  providers of different capacity
//   - ConsistentHash:  providers that keep per-key state or caches
package loadbalance

import (
	"strings"

	"github.com/pkg/errors"

	"hello-connect/registry"
)

var ErrNoInstances = errors.New("no instances available")

// Balancer is consulted once per call and must be goroutine-safe.
type Balancer interface {
	// Pick selects one of instances. key identifies the call for strategies
	// with affinity; the others ignore it.
	Pick(key string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error)
	Name() string
}

const (
	RoundRobin     = "round_robin"
	WeightedRandom = "weighted_random"
	ConsistentHash = "consistent_hash"
)

// New returns the balancer registered under name.
func New(name string) (Balancer, error) {
	switch strings.ToLower(name) {
	case "", RoundRobin:
		return &RoundRobinBalancer{}, nil
	case WeightedRandom:
		return &WeightedRandomBalancer{}, nil
	case ConsistentHash:
		return NewConsistentHashBalancer(), nil
	default:
		return nil, errors.Errorf("unknown balancer %q", name)
	}
}

func weightOf(inst registry.ServiceInstance) int {
	if inst.Weight <= 0 {
		return 1
	}
	return inst.Weight
}
