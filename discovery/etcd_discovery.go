// Package discovery provides the etcd-based implementation of the Discovery interface.
//
// etcd serves as a "distributed phonebook" for VPP API endpoints and as the
// place where probes leave their latest verdict:
//
//	Key:   /vpp-ping/endpoints/{Service}/{Addr}
//	Value: JSON-encoded Endpoint
//
//	Key:   /vpp-ping/status/{Service}/{Addr}
//	Value: JSON-encoded probe report
//
// Both use TTL-based leases: if the owner disappears, the lease expires and the
// entry is removed automatically, so there are no "ghost" endpoints or stale verdicts.
package discovery

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	keyPrefix      = "/vpp-ping/"
	endpointPrefix = keyPrefix + "endpoints/"
	statusPrefix   = keyPrefix + "status/"
)

// EtcdDiscovery implements Discovery and StatusStore using etcd v3.
type EtcdDiscovery struct {
	client *clientv3.Client // etcd client connection (thread-safe, shared across goroutines)
	logger zerolog.Logger

	mu     sync.Mutex
	leases map[string]context.CancelFunc // key -> stops its KeepAlive
}

// NewEtcdDiscovery creates a discovery client connected to the given etcd endpoints.
func NewEtcdDiscovery(endpoints []string, dialTimeout time.Duration, logger zerolog.Logger) (*EtcdDiscovery, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, errors.Wrap(err, "connecting to etcd")
	}
	return &EtcdDiscovery{
		client: c,
		logger: logger.With().Str("component", "discovery").Logger(),
		leases: make(map[string]context.CancelFunc),
	}, nil
}

func endpointKey(service, addr string) string { return endpointPrefix + service + "/" + addr }

func statusKey(service, addr string) string { return statusPrefix + service + "/" + addr }

// Register adds an endpoint to etcd with a TTL lease that is kept alive until
// Deregister or Close.
//
// Note: the lease id is local to the call, not stored on the struct. Several
// simulators may share one EtcdDiscovery instance.
func (d *EtcdDiscovery) Register(ctx context.Context, service string, ep Endpoint, ttl int64) error {
	val, err := json.Marshal(ep)
	if err != nil {
		return err
	}
	return d.putWithKeepAlive(ctx, endpointKey(service, ep.Addr), string(val), ttl)
}

func (d *EtcdDiscovery) putWithKeepAlive(ctx context.Context, key, val string, ttl int64) error {
	lease, err := d.client.Grant(ctx, ttl)
	if err != nil {
		return errors.Wrapf(err, "granting lease for %s", key)
	}
	if _, err := d.client.Put(ctx, key, val, clientv3.WithLease(lease.ID)); err != nil {
		return errors.Wrapf(err, "putting %s", key)
	}

	// The keepalive must outlive ctx, which usually belongs to a single call
	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := d.client.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		return errors.Wrapf(err, "keeping %s alive", key)
	}

	d.mu.Lock()
	if prev, ok := d.leases[key]; ok {
		prev()
	}
	d.leases[key] = cancel
	d.mu.Unlock()

	// Consume KeepAlive responses to prevent the channel from filling up
	go func() {
		for range ch {
		}
		d.logger.Debug().Str("key", key).Msg("lease keepalive stopped")
	}()
	return nil
}

// Deregister removes an endpoint from etcd.
// Called during graceful shutdown before closing the listener.
func (d *EtcdDiscovery) Deregister(ctx context.Context, service string, addr string) error {
	key := endpointKey(service, addr)
	d.stopKeepAlive(key)
	if _, err := d.client.Delete(ctx, key); err != nil {
		return errors.Wrapf(err, "deleting %s", key)
	}
	return nil
}

func (d *EtcdDiscovery) stopKeepAlive(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cancel, ok := d.leases[key]; ok {
		cancel()
		delete(d.leases, key)
	}
}

// Watch monitors a service prefix in etcd and emits updated endpoint lists
// whenever changes occur (new registrations, deregistrations, lease expirations).
// The channel is closed when ctx is done.
func (d *EtcdDiscovery) Watch(ctx context.Context, service string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)
	prefix := endpointPrefix + service + "/"

	go func() {
		defer close(ch)
		watchChan := d.client.Watch(ctx, prefix, clientv3.WithPrefix())
		for range watchChan {
			// On any change, re-fetch the full list
			// (simpler than applying individual watch events)
			eps, err := d.Discover(ctx, service)
			if err != nil {
				d.logger.Warn().Err(err).Str("service", service).Msg("re-reading endpoints after watch event")
				continue
			}
			select {
			case ch <- eps:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Discover returns all currently registered endpoints for a service.
func (d *EtcdDiscovery) Discover(ctx context.Context, service string) ([]Endpoint, error) {
	resp, err := d.client.Get(ctx, endpointPrefix+service+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrapf(err, "listing endpoints of %s", service)
	}

	eps := make([]Endpoint, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var ep Endpoint
		if err := json.Unmarshal(kv.Value, &ep); err != nil {
			d.logger.Warn().Err(err).Str("key", string(kv.Key)).Msg("skipping malformed endpoint")
			continue
		}
		eps = append(eps, ep)
	}
	return eps, nil
}

// PublishStatus stores a probe verdict for addr. A lease of ttl seconds makes
// the verdict vanish when the probe stops reporting; it is not kept alive.
func (d *EtcdDiscovery) PublishStatus(ctx context.Context, service string, addr string, status []byte, ttl int64) error {
	lease, err := d.client.Grant(ctx, ttl)
	if err != nil {
		return errors.Wrap(err, "granting status lease")
	}
	if _, err := d.client.Put(ctx, statusKey(service, addr), string(status), clientv3.WithLease(lease.ID)); err != nil {
		return errors.Wrap(err, "putting status")
	}
	return nil
}

// Statuses returns the stored verdicts of a service keyed by endpoint address.
func (d *EtcdDiscovery) Statuses(ctx context.Context, service string) (map[string][]byte, error) {
	prefix := statusPrefix + service + "/"
	resp, err := d.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrapf(err, "listing statuses of %s", service)
	}
	out := make(map[string][]byte, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out[string(kv.Key)[len(prefix):]] = kv.Value
	}
	return out, nil
}

// Close stops all keepalives and closes the etcd client. Registered entries
// expire with their leases.
func (d *EtcdDiscovery) Close() error {
	d.mu.Lock()
	for key, cancel := range d.leases {
		cancel()
		delete(d.leases, key)
	}
	d.mu.Unlock()
	return d.client.Close()
}
