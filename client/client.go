// Package client is the core plugin: the direct API of the memclnt messages.
//
// A Client is bound to one connection by Init. Send is asynchronous: the
// outcome of every request it accepts is delivered to the plugin callback
// exactly once, as a reply, an engine error, a timeout or a disconnect.
package client

import (
	"context"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"vpp-ping/callback"
	"vpp-ping/message"
	"vpp-ping/transport"
)

// PluginName is the name the core plugin registers under.
const PluginName = "core"

var (
	ErrNotConnected = errors.New("plugin not connected")
	ErrInitialized  = errors.New("plugin already initialized")
)

// DefaultReplyTimeout bounds how long a request may stay unanswered before
// its callback gets a timeout error.
const DefaultReplyTimeout = 5 * time.Second

type Client struct {
	name         string
	replyTimeout time.Duration
	logger       zerolog.Logger

	mu     sync.RWMutex
	tr     *transport.ClientTransport
	cb     callback.Callback
	closed chan struct{}
	wg     sync.WaitGroup // Outstanding requests waiting for their outcome
}

type Option func(*Client)

func WithName(name string) Option { return func(c *Client) { c.name = name } }

// WithReplyTimeout sets the per-request reply timeout. Zero waits until the
// connection goes away.
func WithReplyTimeout(d time.Duration) Option { return func(c *Client) { c.replyTimeout = d } }

func WithLogger(l zerolog.Logger) Option { return func(c *Client) { c.logger = l } }

func New(opts ...Option) *Client {
	c := &Client{
		name:         PluginName,
		replyTimeout: DefaultReplyTimeout,
		logger:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("plugin", c.name).Logger()
	return c
}

func (c *Client) Name() string { return c.name }

// Init binds the plugin to a connection and the callback that receives outcomes.
func (c *Client) Init(tr *transport.ClientTransport, cb callback.Callback) error {
	if tr == nil || cb == nil {
		return errors.New("client: Init needs a transport and a callback")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tr != nil {
		return ErrInitialized
	}
	c.tr, c.cb = tr, cb
	c.closed = make(chan struct{})
	return nil
}

func (c *Client) conn() (*transport.ClientTransport, callback.Callback, chan struct{}, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connLocked()
}

func (c *Client) connLocked() (*transport.ClientTransport, callback.Callback, chan struct{}, error) {
	if c.tr == nil {
		return nil, nil, nil, ErrNotConnected
	}
	select {
	case <-c.closed:
		return nil, nil, nil, ErrNotConnected
	default:
	}
	return c.tr, c.cb, c.closed, nil
}

// Send writes msg and returns its context id. The outcome is delivered to the
// callback later. A returned error means the request was not sent and the
// callback will not be invoked for it.
func (c *Client) Send(msg message.Message) (uint32, error) {
	// Held until wg.Add so that Close cannot start waiting in between.
	c.mu.RLock()
	defer c.mu.RUnlock()
	tr, cb, closed, err := c.connLocked()
	if err != nil {
		return 0, err
	}

	method := MethodName(msg)
	ctxID, ch, err := tr.Send(msg)
	if err != nil {
		if errors.Is(err, transport.ErrClosed) {
			return 0, ErrNotConnected
		}
		return 0, errors.Wrapf(err, "sending %s", method)
	}
	c.logger.Debug().Str("method", method).Uint32("context", ctxID).Msg("request sent")

	c.wg.Add(1)
	go c.await(tr, cb, closed, method, ctxID, ch)
	return ctxID, nil
}

// ControlPing sends a control_ping.
func (c *Client) ControlPing() (uint32, error) {
	return c.Send(&message.ControlPing{})
}

// await turns the single Result of a request into the single callback
// invocation. Whoever pops the pending entry first decides the outcome: the
// transport by delivering, or await by cancelling on timeout or close.
func (c *Client) await(tr *transport.ClientTransport, cb callback.Callback, closed chan struct{}, method string, ctxID uint32, ch <-chan *transport.Result) {
	defer c.wg.Done()

	var timeout <-chan time.Time
	if c.replyTimeout > 0 {
		timer := time.NewTimer(c.replyTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var res *transport.Result
	select {
	case res = <-ch:
	case <-timeout:
		if tr.Cancel(ctxID) {
			c.logger.Warn().Str("method", method).Uint32("context", ctxID).Dur("timeout", c.replyTimeout).Msg("no reply")
			callback.Fail(cb, method, callback.ErrCodeTimeout, ctxID)
			return
		}
		res = <-ch
	case <-closed:
		if tr.Cancel(ctxID) {
			callback.Fail(cb, method, callback.ErrCodeDisconnected, ctxID)
			return
		}
		res = <-ch
	}

	if res.Err != nil {
		c.logger.Debug().Err(res.Err).Str("method", method).Uint32("context", ctxID).Msg("request failed")
		callback.Fail(cb, method, callback.ErrCodeDisconnected, ctxID)
		return
	}
	callback.Dispatch(cb, res.Envelope.Message, method, ctxID)
}

// Call sends req and waits for its reply, which is copied into reply. It does
// not involve the callback. A reply with a non-zero retval is returned as a
// *callback.Error.
func (c *Client) Call(ctx context.Context, req, reply message.Message) error {
	tr, _, _, err := c.conn()
	if err != nil {
		return err
	}
	method := MethodName(req)

	ctxID, ch, err := tr.Send(req)
	if err != nil {
		return errors.Wrapf(err, "sending %s", method)
	}

	var res *transport.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		if tr.Cancel(ctxID) {
			return &callback.Error{MethodName: method, ErrorCode: callback.ErrCodeTimeout, CtxID: ctxID}
		}
		res = <-ch
	}
	if res.Err != nil {
		return &callback.Error{MethodName: method, ErrorCode: callback.ErrCodeDisconnected, CtxID: ctxID}
	}

	got := reflect.ValueOf(res.Envelope.Message)
	dst := reflect.ValueOf(reply)
	if dst.Type() != got.Type() {
		return errors.Errorf("client: %s answered with %s, not %s", method, res.Envelope.Message.GetMessageName(), reply.GetMessageName())
	}
	dst.Elem().Set(got.Elem())

	if r, ok := reply.(message.Retvaler); ok && r.GetRetval() != 0 {
		return &callback.Error{MethodName: method, ErrorCode: r.GetRetval(), CtxID: ctxID}
	}
	return nil
}

// Close detaches the plugin. Requests still waiting for a reply get a
// disconnect error. The connection itself stays open.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.tr == nil {
		c.mu.Unlock()
		return nil
	}
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	c.mu.Unlock()

	c.wg.Wait()
	return nil
}

// MethodName returns the API method name of a message: control_ping is controlPing.
func MethodName(msg message.Message) string {
	parts := strings.Split(msg.GetMessageName(), "_")
	for i := 1; i < len(parts); i++ {
		if parts[i] != "" {
			parts[i] = strings.ToUpper(parts[i][:1]) + parts[i][1:]
		}
	}
	return strings.Join(parts, "")
}
