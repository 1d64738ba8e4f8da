package registry

import (
	"context"
	"sync"
)

// MemoryRegistry keeps instances in process. It serves statically configured
// providers and tests; TTLs are ignored.
type MemoryRegistry struct {
	mu        sync.Mutex
	instances map[string][]ServiceInstance
	watchers  map[string]map[chan []ServiceInstance]struct{}
	closed    bool
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		instances: make(map[string][]ServiceInstance),
		watchers:  make(map[string]map[chan []ServiceInstance]struct{}),
	}
}

// Register adds instance, replacing any entry with the same address.
func (m *MemoryRegistry) Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	insts := m.instances[serviceName]
	for i := range insts {
		if insts[i].Addr == instance.Addr {
			insts[i] = instance
			m.notifyLocked(serviceName)
			return nil
		}
	}
	m.instances[serviceName] = append(insts, instance)
	m.notifyLocked(serviceName)
	return nil
}

func (m *MemoryRegistry) Deregister(ctx context.Context, serviceName string, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	insts := m.instances[serviceName]
	for i, inst := range insts {
		if inst.Addr == addr {
			m.instances[serviceName] = append(insts[:i:i], insts[i+1:]...)
			m.notifyLocked(serviceName)
			break
		}
	}
	return nil
}

func (m *MemoryRegistry) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(serviceName), nil
}

// Watch delivers the current instance list at once, then the full list after
// every change.
func (m *MemoryRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		close(ch)
		return ch
	}
	set := m.watchers[serviceName]
	if set == nil {
		set = make(map[chan []ServiceInstance]struct{})
		m.watchers[serviceName] = set
	}
	set[ch] = struct{}{}
	ch <- m.snapshotLocked(serviceName)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.watchers[serviceName][ch]; ok {
			delete(m.watchers[serviceName], ch)
			close(ch)
		}
	}()
	return ch
}

// Close ends every watch.
func (m *MemoryRegistry) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for service, set := range m.watchers {
		for ch := range set {
			close(ch)
		}
		delete(m.watchers, service)
	}
	return nil
}

func (m *MemoryRegistry) snapshotLocked(serviceName string) []ServiceInstance {
	return append([]ServiceInstance(nil), m.instances[serviceName]...)
}

func (m *MemoryRegistry) notifyLocked(serviceName string) {
	for ch := range m.watchers[serviceName] {
		sendLatest(ch, m.snapshotLocked(serviceName))
	}
}
