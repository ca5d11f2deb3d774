// Package transport implements the client side of the VPP socket API with multiplexing
// and keepalive.
//
// ClientTransport enables many outstanding requests over a single socket connection.
// Each request gets a unique context id, and a background goroutine (recvLoop)
// continuously reads replies and routes them to the correct caller via pending channels.
//
//	goroutine-1 ──Send(ctx=2)──┐
//	goroutine-2 ──Send(ctx=3)──┼──→ single socket ──→ VPP
//	goroutine-3 ──Send(ctx=4)──┘
//
//	recvLoop:  ←── reply(ctx=3) → pending[3] chan ← reply → goroutine-2 wakes up
package transport

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"vpp-ping/codec"
	"vpp-ping/message"
	"vpp-ping/protocol"
)

var (
	ErrClosed         = errors.New("transport closed")
	ErrUnknownMessage = errors.New("message not supported by engine")
	ErrHandshake      = errors.New("handshake rejected")
)

// Result is the outcome of one request: a reply envelope or a transport failure.
type Result struct {
	Envelope *message.Envelope
	Err      error
}

// Config tunes a ClientTransport. The zero value is usable.
type Config struct {
	Logger zerolog.Logger

	// KeepaliveInterval enables a periodic control_ping. A ping that is not
	// answered within one interval closes the connection. Zero disables it.
	KeepaliveInterval time.Duration
}

// ClientTransport manages a single multiplexed socket API session.
type ClientTransport struct {
	conn    net.Conn
	session *Session
	codec   codec.Codec
	logger  zerolog.Logger
	seq     uint32                                   // Last context id handed out (protected by sending mutex)
	pending cmap.ConcurrentMap[uint32, chan *Result] // Each request waits on its own channel
	sending sync.Mutex                               // Serialises frame writes on the shared conn
	closing atomic.Bool                              // Set once Close starts; rejects new requests
	done    chan struct{}                            // Closed when recvLoop exits
	err     error                                    // Why recvLoop exited, readable after done
}

// Dial connects to the engine socket, performs the handshake and starts the transport.
func Dial(ctx context.Context, network, addr, clientName string, cfg Config) (*ClientTransport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dialing %s %s", network, addr)
	}
	session, err := Handshake(ctx, conn, clientName)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return NewClientTransport(conn, session, cfg), nil
}

// NewClientTransport wraps an already handshaken connection and starts two background goroutines:
//   - recvLoop: continuously reads replies and dispatches them to pending callers
//   - keepaliveLoop: pings periodically to detect a dead engine (only if configured)
func NewClientTransport(conn net.Conn, session *Session, cfg Config) *ClientTransport {
	t := &ClientTransport{
		conn:    conn,
		session: session,
		codec:   &codec.BinaryCodec{},
		logger:  cfg.Logger.With().Str("client", session.ClientName).Uint32("client_index", session.ClientIndex).Logger(),
		seq:     handshakeContext,
		pending: cmap.NewWithCustomShardingFunction[uint32, chan *Result](func(key uint32) uint32 { return key }),
		done:    make(chan struct{}),
	}
	go t.recvLoop()
	if cfg.KeepaliveInterval > 0 {
		go t.keepaliveLoop(cfg.KeepaliveInterval)
	}
	return t
}

// Session returns the handshake result of this connection.
func (t *ClientTransport) Session() *Session { return t.session }

// Done is closed once the connection is gone, whether by Close or by failure.
func (t *ClientTransport) Done() <-chan struct{} { return t.done }

// Err reports why the connection is gone. It is nil while the connection is up.
func (t *ClientTransport) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Send encodes and writes a request. It returns the context id and a channel that
// receives exactly one Result: the reply, or the failure that prevents one.
func (t *ClientTransport) Send(msg message.Message) (uint32, <-chan *Result, error) {
	if t.closing.Load() {
		return 0, nil, ErrClosed
	}
	return t.send(msg)
}

func (t *ClientTransport) send(msg message.Message) (uint32, <-chan *Result, error) {
	id, ok := t.session.Table.ID(message.ID(msg))
	if !ok {
		return 0, nil, errors.Wrap(ErrUnknownMessage, message.ID(msg))
	}

	t.sending.Lock()
	defer t.sending.Unlock()

	// Context 0 is never used so that a zero context on the wire is always stray
	t.seq++
	if t.seq == 0 {
		t.seq++
	}
	ctxID := t.seq

	body, err := t.codec.Encode(&message.Envelope{
		MsgID:       id,
		ClientIndex: t.session.ClientIndex,
		Context:     ctxID,
		Message:     msg,
	})
	if err != nil {
		return 0, nil, err
	}

	// Register the channel BEFORE writing so recvLoop can never miss the reply
	respChan := make(chan *Result, 1) // Buffered so recvLoop never blocks
	t.pending.Set(ctxID, respChan)

	select {
	case <-t.done:
		// recvLoop is gone; whoever pops the entry delivers the single result
		if _, ok := t.pending.Pop(ctxID); ok {
			return 0, nil, t.err
		}
		return ctxID, respChan, nil
	default:
	}

	if err := protocol.Encode(t.conn, &protocol.Header{}, body); err != nil {
		t.pending.Remove(ctxID)
		return 0, nil, errors.Wrapf(err, "writing %s", msg.GetMessageName())
	}
	return ctxID, respChan, nil
}

// Cancel forgets a pending request. It reports whether the request was still
// pending; false means a Result has already been delivered on its channel.
func (t *ClientTransport) Cancel(ctxID uint32) bool {
	_, ok := t.pending.Pop(ctxID)
	return ok
}

// Pending returns the number of requests still waiting for a reply.
func (t *ClientTransport) Pending() int { return t.pending.Count() }

// recvLoop runs in a dedicated goroutine, continuously reading frames from the connection.
// A stream socket must be read sequentially to find frame boundaries, so there is
// exactly one reader per connection.
func (t *ClientTransport) recvLoop() {
	for {
		_, body, err := protocol.Decode(t.conn)
		if err != nil {
			if t.closing.Load() {
				err = ErrClosed
			}
			t.fail(err)
			return
		}

		id, _ := protocol.PeekMsgID(body)
		name, ok := t.session.Table.Name(id)
		if !ok {
			t.logger.Debug().Uint16("msg_id", id).Msg("dropping frame with unknown message id")
			continue
		}
		msg, err := message.New(name)
		if err != nil {
			t.logger.Debug().Str("msg", name).Msg("dropping unsupported message")
			continue
		}

		env := &message.Envelope{Message: msg}
		if err := t.codec.Decode(body, env); err != nil {
			t.logger.Warn().Err(err).Str("msg", name).Msg("dropping malformed frame")
			continue
		}

		// Route the reply to the caller waiting on its context id
		if ch, ok := t.pending.Pop(env.Context); ok {
			ch <- &Result{Envelope: env}
		} else {
			t.logger.Debug().Str("msg", name).Uint32("context", env.Context).Msg("no pending request for reply")
		}
	}
}

// fail records why the connection ended and unblocks every pending caller.
func (t *ClientTransport) fail(err error) {
	t.err = err
	close(t.done)
	t.closeAllPending(err)
	if !errors.Is(err, ErrClosed) {
		t.logger.Warn().Err(err).Msg("connection lost")
	}
}

// closeAllPending sends the failure to every pending caller so they don't block forever.
// Pop guarantees a caller that raced us with Cancel is not served twice.
func (t *ClientTransport) closeAllPending(err error) {
	for ctxID := range t.pending.Items() {
		if ch, ok := t.pending.Pop(ctxID); ok {
			ch <- &Result{Err: err}
		}
	}
}

// Close ends the session: it asks the engine to drop the client, waits for the
// acknowledgement until ctx is done, then closes the connection. Outstanding
// requests receive ErrClosed. Calling Close again is a no-op.
func (t *ClientTransport) Close(ctx context.Context) error {
	if !t.closing.CompareAndSwap(false, true) {
		<-t.done
		return nil
	}

	_, ch, err := t.send(&message.SockclntDelete{Index: t.session.ClientIndex})
	if err == nil {
		select {
		case res := <-ch:
			if res.Err == nil {
				if r, ok := res.Envelope.Message.(message.Retvaler); ok && r.GetRetval() != 0 {
					t.logger.Warn().Int32("retval", r.GetRetval()).Msg("sockclnt_delete refused")
				}
			}
		case <-ctx.Done():
			t.logger.Debug().Msg("no sockclnt_delete_reply before deadline")
		}
	} else if !errors.Is(err, ErrClosed) {
		t.logger.Debug().Err(err).Msg("sockclnt_delete not sent")
	}

	err = t.conn.Close()
	<-t.done
	if errors.Is(err, net.ErrClosed) {
		// keepalive already tore the connection down
		return nil
	}
	return err
}

// keepaliveLoop pings the engine periodically. An engine that stops answering
// would otherwise leave every caller waiting for its own timeout.
func (t *ClientTransport) keepaliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}

		ctxID, ch, err := t.Send(&message.ControlPing{})
		if err != nil {
			return // Closing or connection broken, exit keepalive loop
		}

		timer := time.NewTimer(interval)
		select {
		case res := <-ch:
			timer.Stop()
			if res.Err != nil {
				return
			}
		case <-timer.C:
			if t.Cancel(ctxID) {
				t.logger.Warn().Dur("interval", interval).Msg("keepalive unanswered, closing connection")
				t.conn.Close()
				return
			}
		case <-t.done:
			timer.Stop()
			return
		}
	}
}
