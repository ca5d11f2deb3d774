package loadbalance

import (
	"sync/atomic"

	"vpp-ping/discovery"
)

// RoundRobinBalancer cycles through the endpoints in order.
// Uses an atomic counter for lock-free, goroutine-safe operation.
type RoundRobinBalancer struct {
	counter atomic.Uint64 // Incremented on each Pick()
}

func (b *RoundRobinBalancer) Pick(endpoints []discovery.Endpoint, _ string) (*discovery.Endpoint, error) {
	if len(endpoints) == 0 {
		return nil, errNoEndpoints
	}
	index := (b.counter.Add(1) - 1) % uint64(len(endpoints))
	return &endpoints[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
