package discovery

import (
	"context"
	"sync"
)

// Static is an in-process Discovery for fixed endpoint lists and tests.
// TTLs are ignored: entries live until deregistered.
type Static struct {
	mu        sync.RWMutex
	endpoints map[string][]Endpoint
	statuses  map[string]map[string][]byte
	watchers  map[string][]chan []Endpoint
}

func NewStatic() *Static {
	return &Static{
		endpoints: make(map[string][]Endpoint),
		statuses:  make(map[string]map[string][]byte),
		watchers:  make(map[string][]chan []Endpoint),
	}
}

// NewStaticFrom returns a Static with eps registered under service.
func NewStaticFrom(service string, eps ...Endpoint) *Static {
	s := NewStatic()
	s.endpoints[service] = append([]Endpoint(nil), eps...)
	return s
}

func (s *Static) Register(ctx context.Context, service string, ep Endpoint, ttl int64) error {
	s.mu.Lock()
	eps := s.endpoints[service]
	replaced := false
	for i := range eps {
		if eps[i].Addr == ep.Addr {
			eps[i] = ep
			replaced = true
		}
	}
	if !replaced {
		eps = append(eps, ep)
	}
	s.endpoints[service] = eps
	s.mu.Unlock()

	s.notify(service)
	return nil
}

func (s *Static) Deregister(ctx context.Context, service string, addr string) error {
	s.mu.Lock()
	eps := s.endpoints[service]
	for i, ep := range eps {
		if ep.Addr == addr {
			s.endpoints[service] = append(eps[:i:i], eps[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	s.notify(service)
	return nil
}

func (s *Static) Discover(ctx context.Context, service string) ([]Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Endpoint(nil), s.endpoints[service]...), nil
}

// Watch emits the endpoint list after every change until ctx is done.
// Only the latest list is kept if the receiver falls behind.
func (s *Static) Watch(ctx context.Context, service string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)
	s.mu.Lock()
	s.watchers[service] = append(s.watchers[service], ch)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		ws := s.watchers[service]
		for i, w := range ws {
			if w == ch {
				s.watchers[service] = append(ws[:i:i], ws[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

func (s *Static) notify(service string) {
	eps, _ := s.Discover(context.Background(), service)

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.watchers[service] {
		// Drop a stale list nobody read yet, then offer the new one
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- eps:
		default:
		}
	}
}

func (s *Static) PublishStatus(ctx context.Context, service string, addr string, status []byte, ttl int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statuses[service] == nil {
		s.statuses[service] = make(map[string][]byte)
	}
	s.statuses[service][addr] = append([]byte(nil), status...)
	return nil
}

func (s *Static) Statuses(ctx context.Context, service string) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]byte, len(s.statuses[service]))
	for addr, st := range s.statuses[service] {
		out[addr] = append([]byte(nil), st...)
	}
	return out, nil
}
