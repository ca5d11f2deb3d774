// Package discovery tells the probe where VPP API endpoints live and records
// what the probe saw there.
package discovery

import (
	"context"
	"fmt"
)

// Endpoint is one VPP binary API socket.
type Endpoint struct {
	Name    string `json:"name"`
	Network string `json:"network"` // "unix" or "tcp"
	Addr    string `json:"addr"`
	Weight  int    `json:"weight"` // Weight for load balancing
	Version string `json:"version,omitempty"`
}

func (e Endpoint) String() string {
	if e.Name != "" {
		return e.Name
	}
	return fmt.Sprintf("%s://%s", e.Network, e.Addr)
}

type Discovery interface {
	Register(ctx context.Context, service string, ep Endpoint, ttl int64) error
	Deregister(ctx context.Context, service string, addr string) error
	Discover(ctx context.Context, service string) ([]Endpoint, error)
	Watch(ctx context.Context, service string) <-chan []Endpoint
}

// StatusStore keeps the last probe result per endpoint.
type StatusStore interface {
	PublishStatus(ctx context.Context, service string, addr string, status []byte, ttl int64) error
	Statuses(ctx context.Context, service string) (map[string][]byte, error)
}
