package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"hello-connect/registry"
)

// ConsistentHashBalancer maps call keys onto a hash ring so that the same key
// keeps landing on the same provider while the instance set is unchanged.
//
// Each instance occupies `replicas` virtual nodes hashed from "{addr}#{i}";
// without them a handful of instances cluster on the ring and load skews.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	                ╲   ╱
type ConsistentHashBalancer struct {
	replicas int

	mu   sync.Mutex
	sig  string // instance set the ring was built from
	ring *hashRing
}

type hashRing struct {
	hashes []uint32
	nodes  map[uint32]int // hash -> index into the instance slice
}

func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{replicas: 100}
}

// Pick returns the instance owning key. The ring is rebuilt only when the
// instance set changes between calls.
func (b *ConsistentHashBalancer) Pick(key string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}

	ring := b.ringFor(instances)
	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(ring.hashes), func(i int) bool {
		return ring.hashes[i] >= hash
	})
	if idx == len(ring.hashes) {
		idx = 0
	}
	return &instances[ring.nodes[ring.hashes[idx]]], nil
}

func (b *ConsistentHashBalancer) ringFor(instances []registry.ServiceInstance) *hashRing {
	addrs := make([]string, len(instances))
	for i, inst := range instances {
		addrs[i] = inst.Addr
	}
	sig := strings.Join(addrs, ",")

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ring != nil && b.sig == sig {
		return b.ring
	}

	ring := &hashRing{
		hashes: make([]uint32, 0, len(instances)*b.replicas),
		nodes:  make(map[uint32]int, len(instances)*b.replicas),
	}
	for i, inst := range instances {
		for r := 0; r < b.replicas; r++ {
			h := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", inst.Addr, r)))
			if _, taken := ring.nodes[h]; taken {
				continue
			}
			ring.hashes = append(ring.hashes, h)
			ring.nodes[h] = i
		}
	}
	sort.Slice(ring.hashes, func(i, j int) bool { return ring.hashes[i] < ring.hashes[j] })

	b.sig, b.ring = sig, ring
	return ring
}

func (b *ConsistentHashBalancer) Name() string {
	return ConsistentHash
}
