package transport

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"

	"vpp-ping/codec"
	"vpp-ping/message"
	"vpp-ping/protocol"
)

// handshakeContext is the context id of sockclnt_create. The transport's own
// context ids start after it.
const handshakeContext uint32 = 1

// Session is what the engine hands back when a client connects.
type Session struct {
	ClientName  string
	ClientIndex uint32
	Table       *MessageTable
}

// Handshake opens a socket API session on conn under clientName.
//
// It runs before any receive loop exists, so it reads the reply directly from
// the connection. The reply is decoded without an id lookup because the table
// that would resolve it is the reply's own payload.
func Handshake(ctx context.Context, conn net.Conn, clientName string) (*Session, error) {
	// Unblock reads and writes as soon as ctx is done
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer func() {
		stop()
		conn.SetDeadline(time.Time{})
	}()

	cdc := &codec.BinaryCodec{}
	body, err := cdc.Encode(&message.Envelope{
		MsgID:   message.SockclntCreateMsgID,
		Context: handshakeContext,
		Message: &message.SockclntCreate{Name: clientName},
	})
	if err != nil {
		return nil, err
	}
	if err := protocol.Encode(conn, &protocol.Header{}, body); err != nil {
		return nil, errors.Wrap(ctxErr(ctx, err), "sending sockclnt_create")
	}

	_, replyBody, err := protocol.Decode(conn)
	if err != nil {
		return nil, errors.Wrap(ctxErr(ctx, err), "reading sockclnt_create_reply")
	}

	reply := &message.SockclntCreateReply{}
	if err := cdc.Decode(replyBody, &message.Envelope{Message: reply}); err != nil {
		return nil, errors.Wrap(err, "decoding sockclnt_create_reply")
	}
	if reply.Response != 0 {
		return nil, errors.Wrapf(ErrHandshake, "engine refused client %q: response %d", clientName, reply.Response)
	}

	return &Session{
		ClientName:  clientName,
		ClientIndex: reply.Index,
		Table:       NewMessageTable(reply.MessageTable),
	}, nil
}

// ctxErr prefers the context's error over the deadline error it caused.
func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
