package loadbalance

import (
	"fmt"
	"hash/crc32"
	"slices"
	"sort"
	"strings"
	"sync"

	"vpp-ping/discovery"
)

// ConsistentHashBalancer maps keys to endpoints using a hash ring.
// The same client name always lands on the same engine (until the ring changes),
// so repeated probes of one client exercise one engine.
//
// Virtual nodes: each endpoint is mapped to N virtual nodes on the ring.
// Without virtual nodes, 3 endpoints might cluster together on the ring,
// causing uneven load distribution.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	replicas int // Virtual nodes per endpoint

	mu      sync.Mutex
	members string                         // Sorted addresses the ring was built from
	ring    []uint32                       // Sorted hash values on the ring
	nodes   map[uint32]*discovery.Endpoint // Hash value → endpoint mapping
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per endpoint.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]*discovery.Endpoint),
	}
}

// add places an endpoint onto the hash ring with N virtual nodes, each hashed
// from "{addr}#{i}".
func (b *ConsistentHashBalancer) add(ep *discovery.Endpoint) {
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", ep.Addr, i)))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = ep
	}
	// Keep the ring sorted for binary search in Pick()
	slices.Sort(b.ring)
}

// Pick finds the endpoint responsible for key. The ring is rebuilt whenever
// the endpoint list differs from the one it was built from.
func (b *ConsistentHashBalancer) Pick(endpoints []discovery.Endpoint, key string) (*discovery.Endpoint, error) {
	if len(endpoints) == 0 {
		return nil, errNoEndpoints
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if members := membersOf(endpoints); members != b.members {
		b.ring = b.ring[:0]
		clear(b.nodes)
		for i := range endpoints {
			ep := endpoints[i]
			b.add(&ep)
		}
		b.members = members
	}
	return b.lookup(key), nil
}

// lookup hashes the key, then binary-searches for the first node >= hash on the ring.
// If the hash is larger than all nodes, it wraps around to the first node (ring property).
func (b *ConsistentHashBalancer) lookup(key string) *discovery.Endpoint {
	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]]
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}

func membersOf(endpoints []discovery.Endpoint) string {
	addrs := make([]string, len(endpoints))
	for i, ep := range endpoints {
		addrs[i] = ep.Addr
	}
	slices.Sort(addrs)
	return strings.Join(addrs, ",")
}
