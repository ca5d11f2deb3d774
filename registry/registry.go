// Package registry manages the lifecycle of one engine connection and the
// plugins bound to it.
//
// Connect dials and handshakes; Register binds a plugin and its callback to the
// connection; Close tears everything down in reverse order.
package registry

import (
	"context"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"vpp-ping/callback"
	"vpp-ping/transport"
)

// DefaultSocket is where the engine listens for socket API clients.
const DefaultSocket = "/run/vpp/api.sock"

var (
	ErrDuplicatePlugin = errors.New("plugin already registered")
	ErrUnknownPlugin   = errors.New("plugin not registered")
	ErrNotPinger       = errors.New("plugin cannot send control_ping")
	ErrClosed          = errors.New("registry closed")
)

// Plugin is an API binding that sends requests over the registry's connection.
type Plugin interface {
	Name() string
	Init(tr *transport.ClientTransport, cb callback.Callback) error
	Close() error
}

// Pinger is a plugin that can send a control_ping.
type Pinger interface {
	ControlPing() (uint32, error)
}

type options struct {
	network      string
	addr         string
	dialTimeout  time.Duration
	keepalive    time.Duration
	closeTimeout time.Duration
	logger       zerolog.Logger
}

type Option func(*options)

// WithAddress sets the engine socket. Network is "unix" or "tcp".
func WithAddress(network, addr string) Option {
	return func(o *options) { o.network, o.addr = network, addr }
}

func WithDialTimeout(d time.Duration) Option { return func(o *options) { o.dialTimeout = d } }

// WithKeepalive enables the transport keepalive ping.
func WithKeepalive(d time.Duration) Option { return func(o *options) { o.keepalive = d } }

// WithCloseTimeout bounds how long Close waits for the engine to acknowledge.
func WithCloseTimeout(d time.Duration) Option { return func(o *options) { o.closeTimeout = d } }

func WithLogger(l zerolog.Logger) Option { return func(o *options) { o.logger = l } }

type entry struct {
	plugin Plugin
	cb     callback.Callback
}

// Registry owns one connection to the engine.
type Registry struct {
	tr           *transport.ClientTransport
	plugins      cmap.ConcurrentMap[string, *entry]
	logger       zerolog.Logger
	closeTimeout time.Duration

	mu     sync.Mutex // Serialises Register against Close
	closed bool
}

// Connect opens a session with the engine under clientName.
func Connect(ctx context.Context, clientName string, opts ...Option) (*Registry, error) {
	o := options{
		network:      "unix",
		addr:         DefaultSocket,
		dialTimeout:  5 * time.Second,
		closeTimeout: time.Second,
		logger:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	dialCtx := ctx
	if o.dialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, o.dialTimeout)
		defer cancel()
	}
	tr, err := transport.Dial(dialCtx, o.network, o.addr, clientName, transport.Config{
		Logger:            o.logger,
		KeepaliveInterval: o.keepalive,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "connecting %q to %s", clientName, o.addr)
	}

	logger := o.logger.With().Str("client", clientName).Logger()
	logger.Info().
		Str("addr", o.addr).
		Uint32("client_index", tr.Session().ClientIndex).
		Int("messages", tr.Session().Table.Len()).
		Msg("connected to engine")

	return &Registry{
		tr:           tr,
		plugins:      cmap.New[*entry](),
		logger:       logger,
		closeTimeout: o.closeTimeout,
	}, nil
}

// Transport returns the underlying connection.
func (r *Registry) Transport() *transport.ClientTransport { return r.tr }

// Register binds plugin to the connection. Its requests report to cb.
func (r *Registry) Register(plugin Plugin, cb callback.Callback) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}

	name := plugin.Name()
	if !r.plugins.SetIfAbsent(name, &entry{plugin: plugin, cb: cb}) {
		return errors.Wrap(ErrDuplicatePlugin, name)
	}
	if err := plugin.Init(r.tr, cb); err != nil {
		r.plugins.Remove(name)
		return errors.Wrapf(err, "initializing plugin %s", name)
	}
	r.logger.Debug().Str("plugin", name).Msg("plugin registered")
	return nil
}

// Unregister detaches the named plugin. Its outstanding requests fail with a
// disconnect error.
func (r *Registry) Unregister(name string) error {
	e, ok := r.plugins.Pop(name)
	if !ok {
		return errors.Wrap(ErrUnknownPlugin, name)
	}
	return e.plugin.Close()
}

// Plugin returns the named plugin.
func (r *Registry) Plugin(name string) (Plugin, bool) {
	e, ok := r.plugins.Get(name)
	if !ok {
		return nil, false
	}
	return e.plugin, true
}

// ControlPing sends a control_ping through the named plugin. The outcome goes
// to that plugin's callback.
func (r *Registry) ControlPing(name string) (uint32, error) {
	e, ok := r.plugins.Get(name)
	if !ok {
		return 0, errors.Wrap(ErrUnknownPlugin, name)
	}
	p, ok := e.plugin.(Pinger)
	if !ok {
		return 0, errors.Wrap(ErrNotPinger, name)
	}
	ctxID, err := p.ControlPing()
	if err != nil {
		return 0, err
	}
	r.logger.Debug().Str("plugin", name).Uint32("context", ctxID).Msg("control_ping sent")
	return ctxID, nil
}

// Close closes every plugin, then the connection. Calling it again is a no-op.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	var firstErr error
	for name, e := range r.plugins.Items() {
		r.plugins.Remove(name)
		if err := e.plugin.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "closing plugin %s", name)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.closeTimeout)
	defer cancel()
	if err := r.tr.Close(ctx); err != nil && firstErr == nil {
		firstErr = errors.Wrap(err, "closing connection")
	}
	r.logger.Info().Msg("disconnected from engine")
	return firstErr
}
