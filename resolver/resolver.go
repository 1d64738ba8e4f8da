// Package resolver turns a logical service name into one concrete provider
// per call. DiscoveryConsumer asks the registry on first use of a service,
// keeps the answer in an LRU cache that a registry watch keeps fresh, and
// lets a Balancer choose among the cached instances.
package resolver

import (
	"context"
	"sync"

	"github.com/blang/semver"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"hello-connect/credential"
	"hello-connect/loadbalance"
	"hello-connect/registry"
)

const DefaultCacheSize = 128

// Options configure discovery for a DiscoveryConsumer.
type Options struct {
	// Token authorizes discovery requests.
	Token    credential.Token
	Registry registry.Registry
	// Balancer defaults to round robin.
	Balancer loadbalance.Balancer
	// VersionRange, when set, keeps only providers whose version satisfies
	// it, e.g. ">=1.0.0 <2.0.0".
	VersionRange string
	// CacheSize bounds how many services are cached (and watched) at once.
	CacheSize int
	Logger    *zap.Logger
}

type entry struct {
	mu        sync.RWMutex
	instances []registry.ServiceInstance
	cancel    context.CancelFunc
}

func (e *entry) get() []registry.ServiceInstance {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.instances
}

func (e *entry) set(instances []registry.ServiceInstance) {
	e.mu.Lock()
	e.instances = instances
	e.mu.Unlock()
}

type DiscoveryConsumer struct {
	token    string
	reg      registry.Registry
	balancer loadbalance.Balancer
	versions semver.Range // nil accepts every version
	log      *zap.Logger

	cache *lru.Cache // service name -> *entry
	group singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
}

func NewDiscoveryConsumer(opts Options) (*DiscoveryConsumer, error) {
	if opts.Registry == nil {
		return nil, errors.New("resolver: registry is required")
	}
	if opts.Balancer == nil {
		opts.Balancer = &loadbalance.RoundRobinBalancer{}
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	d := &DiscoveryConsumer{
		token:    string(opts.Token),
		reg:      opts.Registry,
		balancer: opts.Balancer,
		log:      opts.Logger,
	}
	if opts.VersionRange != "" {
		rng, err := semver.ParseRange(opts.VersionRange)
		if err != nil {
			return nil, errors.Wrapf(err, "resolver: version range %q", opts.VersionRange)
		}
		d.versions = rng
	}

	cache, err := lru.NewWithEvict(opts.CacheSize, func(_, value interface{}) {
		value.(*entry).cancel()
	})
	if err != nil {
		return nil, err
	}
	d.cache = cache
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// Resolve picks the provider for one call to serviceName. key is handed to
// the balancer for affinity.
func (d *DiscoveryConsumer) Resolve(ctx context.Context, serviceName, key string) (*registry.ServiceInstance, error) {
	instances, err := d.Instances(ctx, serviceName)
	if err != nil {
		return nil, err
	}
	inst, err := d.balancer.Pick(key, instances)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", serviceName)
	}
	return inst, nil
}

// Instances returns the cached, version-filtered providers of serviceName,
// asking the registry on a cache miss.
func (d *DiscoveryConsumer) Instances(ctx context.Context, serviceName string) ([]registry.ServiceInstance, error) {
	if v, ok := d.cache.Get(serviceName); ok {
		return v.(*entry).get(), nil
	}

	v, err, _ := d.group.Do(serviceName, func() (interface{}, error) {
		if v, ok := d.cache.Get(serviceName); ok {
			return v.(*entry).get(), nil
		}
		return d.load(ctx, serviceName)
	})
	if err != nil {
		return nil, err
	}
	return v.([]registry.ServiceInstance), nil
}

func (d *DiscoveryConsumer) load(ctx context.Context, serviceName string) ([]registry.ServiceInstance, error) {
	if d.ctx.Err() != nil {
		return nil, errors.New("resolver: closed")
	}

	found, err := d.reg.Discover(registry.WithToken(ctx, d.token), serviceName)
	if err != nil {
		return nil, err
	}

	// the watch starts with its own snapshot, which covers providers that
	// changed since Discover read the registry
	watchCtx, cancel := context.WithCancel(registry.WithToken(d.ctx, d.token))
	updates := d.reg.Watch(watchCtx, serviceName)
	e := &entry{instances: d.filter(serviceName, found), cancel: cancel}
	d.cache.Add(serviceName, e)
	go d.watch(serviceName, e, updates)

	d.log.Debug("discovered", zap.String("service", serviceName), zap.Int("instances", len(e.instances)))
	return e.instances, nil
}

func (d *DiscoveryConsumer) watch(serviceName string, e *entry, updates <-chan []registry.ServiceInstance) {
	for found := range updates {
		e.set(d.filter(serviceName, found))
		d.log.Debug("providers updated", zap.String("service", serviceName), zap.Int("instances", len(e.get())))
	}

	// watch ended: forget the entry so the next call rediscovers
	if v, ok := d.cache.Peek(serviceName); ok && v.(*entry) == e {
		d.cache.Remove(serviceName)
	}
}

func (d *DiscoveryConsumer) filter(serviceName string, found []registry.ServiceInstance) []registry.ServiceInstance {
	if d.versions == nil {
		return found
	}
	kept := make([]registry.ServiceInstance, 0, len(found))
	for _, inst := range found {
		v, err := semver.ParseTolerant(inst.Version)
		if err != nil || !d.versions(v) {
			d.log.Debug("skipping provider",
				zap.String("service", serviceName),
				zap.String("addr", inst.Addr),
				zap.String("version", inst.Version))
			continue
		}
		kept = append(kept, inst)
	}
	return kept
}

// Close stops every watch and empties the cache. The registry is not closed.
func (d *DiscoveryConsumer) Close() error {
	d.cancel()
	d.cache.Purge()
	return nil
}
