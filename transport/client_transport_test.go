package transport_test

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vpp-ping/codec"
	"vpp-ping/message"
	"vpp-ping/protocol"
	"vpp-ping/server"
	"vpp-ping/transport"
)

func startSim(t *testing.T, opts ...server.Option) *server.Server {
	t.Helper()
	svr := server.NewServer(opts...)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go svr.ServeListener(l)
	<-svr.Ready()
	t.Cleanup(func() { svr.Shutdown(time.Second) })
	return svr
}

func dial(t *testing.T, svr *server.Server, cfg transport.Config) *transport.ClientTransport {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	tr, err := transport.Dial(ctx, "tcp", svr.Addr().String(), "transport-test", cfg)
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close(context.Background()) })
	return tr
}

func TestClientTransportSerial(t *testing.T) {
	tr := dial(t, startSim(t), transport.Config{})

	var last uint32
	for i := 0; i < 3; i++ {
		ctxID, ch, err := tr.Send(&message.ControlPing{})
		require.NoError(t, err)
		assert.Greater(t, ctxID, last, "context ids increase")
		last = ctxID

		res := <-ch
		require.NoError(t, res.Err)
		assert.Equal(t, ctxID, res.Envelope.Context)
		assert.IsType(t, &message.ControlPingReply{}, res.Envelope.Message)
	}
	assert.Zero(t, tr.Pending())
}

func TestClientTransportConcurrent(t *testing.T) {
	tr := dial(t, startSim(t), transport.Config{})

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[uint32]bool{}
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctxID, ch, err := tr.Send(&message.ControlPing{})
			if !assert.NoError(t, err) {
				return
			}
			res := <-ch
			if assert.NoError(t, res.Err) {
				assert.Equal(t, ctxID, res.Envelope.Context, "reply routed to its caller")
			}
			mu.Lock()
			assert.False(t, seen[ctxID], "context %d reused", ctxID)
			seen[ctxID] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 100)
}

func TestClientTransportCloseFailsPending(t *testing.T) {
	tr := dial(t, startSim(t, server.WithDrop(true)), transport.Config{})

	_, ch, err := tr.Send(&message.ControlPing{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, tr.Close(ctx))

	res := <-ch
	assert.ErrorIs(t, res.Err, transport.ErrClosed)
	assert.ErrorIs(t, tr.Err(), transport.ErrClosed)

	_, _, err = tr.Send(&message.ControlPing{})
	assert.ErrorIs(t, err, transport.ErrClosed)
	assert.NoError(t, tr.Close(ctx), "second Close is a no-op")
}

func TestClientTransportCancel(t *testing.T) {
	tr := dial(t, startSim(t, server.WithDrop(true)), transport.Config{})

	ctxID, _, err := tr.Send(&message.ControlPing{})
	require.NoError(t, err)
	assert.Equal(t, 1, tr.Pending())
	assert.True(t, tr.Cancel(ctxID))
	assert.False(t, tr.Cancel(ctxID))
	assert.Zero(t, tr.Pending())
}

func TestClientTransportKeepalive(t *testing.T) {
	svr := startSim(t)
	tr := dial(t, svr, transport.Config{KeepaliveInterval: 30 * time.Millisecond})

	// Answered keepalives keep the connection up
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, tr.Err())

	svr.SetDrop(true)
	select {
	case <-tr.Done():
		assert.Error(t, tr.Err())
	case <-time.After(2 * time.Second):
		t.Fatal("unanswered keepalive did not close the connection")
	}
	assert.NoError(t, tr.Close(context.Background()))
}

func TestHandshakeRefused(t *testing.T) {
	svr := startSim(t, server.WithRefuse(-30))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := transport.Dial(ctx, "tcp", svr.Addr().String(), "refused", transport.Config{})
	assert.ErrorIs(t, err, transport.ErrHandshake)
}

func TestHandshakeTimeout(t *testing.T) {
	// An engine that accepts but never answers
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	go func() {
		conn, err := l.Accept()
		if err == nil {
			defer conn.Close()
			time.Sleep(time.Second)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = transport.Dial(ctx, "tcp", l.Addr().String(), "slow", transport.Config{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// fakeEngine serves one pipe connection by hand.
type fakeEngine struct {
	conn  net.Conn
	table *transport.MessageTable
	cdc   codec.BinaryCodec
}

func newPipe(t *testing.T, entries []message.MessageTableEntry) (*transport.ClientTransport, *fakeEngine) {
	t.Helper()
	client, engine := net.Pipe()
	table := transport.NewMessageTable(entries)
	tr := transport.NewClientTransport(client, &transport.Session{ClientName: "pipe", ClientIndex: 7, Table: table}, transport.Config{})
	t.Cleanup(func() {
		engine.Close()
		client.Close()
	})
	return tr, &fakeEngine{conn: engine, table: table}
}

func (f *fakeEngine) read(t *testing.T, msg message.Message) *message.Envelope {
	t.Helper()
	_, body, err := protocol.Decode(f.conn)
	require.NoError(t, err)
	env := &message.Envelope{Message: msg}
	require.NoError(t, f.cdc.Decode(body, env))
	return env
}

func (f *fakeEngine) write(t *testing.T, id uint16, ctxID uint32, msg message.Message) {
	t.Helper()
	body, err := f.cdc.Encode(&message.Envelope{MsgID: id, Context: ctxID, Message: msg})
	require.NoError(t, err)
	require.NoError(t, protocol.Encode(f.conn, &protocol.Header{}, body))
}

var pingTable = []message.MessageTableEntry{
	{Index: 20, Name: message.ID(&message.ControlPing{})},
	{Index: 21, Name: message.ID(&message.ControlPingReply{})},
}

func TestRecvLoopDropsStrayFrames(t *testing.T) {
	tr, engine := newPipe(t, pingTable)

	ctxID, ch, err := tr.Send(&message.ControlPing{})
	require.NoError(t, err)
	req := engine.read(t, &message.ControlPing{})
	assert.Equal(t, uint16(20), req.MsgID)
	assert.Equal(t, uint32(7), req.ClientIndex)
	assert.Equal(t, ctxID, req.Context)

	engine.write(t, 99, ctxID, &message.ControlPingReply{Retval: -1})     // Unknown id
	engine.write(t, 21, ctxID+100, &message.ControlPingReply{Retval: -2}) // Nobody waits for this context
	engine.write(t, 21, ctxID, &message.ControlPingReply{VpePID: 12})     // The real reply

	select {
	case res := <-ch:
		require.NoError(t, res.Err)
		assert.Equal(t, uint32(12), res.Envelope.Message.(*message.ControlPingReply).VpePID)
	case <-time.After(time.Second):
		t.Fatal("reply not delivered")
	}
}

func TestSendUnknownMessage(t *testing.T) {
	tr, _ := newPipe(t, nil)
	_, _, err := tr.Send(&message.ControlPing{})
	assert.ErrorIs(t, err, transport.ErrUnknownMessage)
}

func TestConnectionLossFailsPending(t *testing.T) {
	tr, engine := newPipe(t, pingTable)

	_, ch, err := tr.Send(&message.ControlPing{})
	require.NoError(t, err)
	engine.read(t, &message.ControlPing{})
	engine.conn.Close()

	res := <-ch
	assert.Error(t, res.Err)
	assert.NotErrorIs(t, res.Err, transport.ErrClosed)
	<-tr.Done()
}

func TestMessageTable(t *testing.T) {
	table := transport.NewMessageTable(pingTable)

	id, ok := table.ID(message.ID(&message.ControlPing{}))
	require.True(t, ok)
	assert.Equal(t, uint16(20), id)

	name, ok := table.Name(message.SockclntCreateMsgID)
	require.True(t, ok, "sockclnt_create is always known")
	assert.Equal(t, message.ID(&message.SockclntCreate{}), name)

	_, ok = table.Name(99)
	assert.False(t, ok)

	entries := table.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, message.SockclntCreateMsgID, entries[0].Index)
	assert.Equal(t, uint16(21), entries[2].Index)
}
