// Package loadbalance picks which discovered API endpoint a probe run targets
// when it is not probing all of them.
//
// Three strategies are implemented:
//   - RoundRobin:      Spread successive runs evenly across engines
//   - WeightedRandom:  Favour engines with a higher weight
//   - ConsistentHash:  Pin a client name to the same engine across runs
package loadbalance

import (
	"github.com/pkg/errors"

	"vpp-ping/discovery"
)

var errNoEndpoints = errors.New("no endpoints available")

// Balancer is the interface for load balancing strategies.
type Balancer interface {
	// Pick selects one endpoint from the available list. key identifies the
	// caller; strategies without affinity ignore it. Must be goroutine-safe.
	Pick(endpoints []discovery.Endpoint, key string) (*discovery.Endpoint, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the strategy with the given name: "roundrobin", "weighted" or "hash".
func New(name string) (Balancer, error) {
	switch name {
	case "", "roundrobin":
		return &RoundRobinBalancer{}, nil
	case "weighted":
		return &WeightedRandomBalancer{}, nil
	case "hash":
		return NewConsistentHashBalancer(), nil
	}
	return nil, errors.Errorf("unknown balancer %q", name)
}
