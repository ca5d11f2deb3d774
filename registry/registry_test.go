package registry

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vpp-ping/callback"
	"vpp-ping/client"
	"vpp-ping/message"
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

func connect(t *testing.T, svr *server.Server, opts ...Option) *Registry {
	t.Helper()
	opts = append([]Option{WithAddress("tcp", svr.Addr().String())}, opts...)
	reg, err := Connect(context.Background(), "registry-test", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	return reg
}

func await(t *testing.T, rec *callback.Recorder, ctxID uint32) *callback.Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	o, err := rec.Await(ctx, ctxID)
	require.NoError(t, err)
	return o
}

func TestConnectFails(t *testing.T) {
	_, err := Connect(context.Background(), "nobody",
		WithAddress("unix", t.TempDir()+"/missing.sock"),
		WithDialTimeout(100*time.Millisecond))
	assert.Error(t, err)
}

func TestConnectRefused(t *testing.T) {
	svr := startSim(t, server.WithRefuse(-1))
	_, err := Connect(context.Background(), "refused", WithAddress("tcp", svr.Addr().String()))
	assert.ErrorIs(t, err, transport.ErrHandshake)
}

func TestRegisterAndPing(t *testing.T) {
	reg := connect(t, startSim(t))
	rec := callback.NewRecorder(nil)
	require.NoError(t, reg.Register(client.New(), rec))

	ctxID, err := reg.ControlPing(client.PluginName)
	require.NoError(t, err)
	o := await(t, rec, ctxID)
	require.True(t, o.OK())
	assert.IsType(t, &message.ControlPingReply{}, o.Reply)

	p, ok := reg.Plugin(client.PluginName)
	require.True(t, ok)
	assert.Equal(t, client.PluginName, p.Name())
}

func TestRegisterDuplicate(t *testing.T) {
	reg := connect(t, startSim(t))
	require.NoError(t, reg.Register(client.New(), callback.NewRecorder(nil)))
	err := reg.Register(client.New(), callback.NewRecorder(nil))
	assert.ErrorIs(t, err, ErrDuplicatePlugin)
}

func TestRegisterInitFailure(t *testing.T) {
	reg := connect(t, startSim(t))
	err := reg.Register(client.New(), nil)
	require.Error(t, err)
	_, ok := reg.Plugin(client.PluginName)
	assert.False(t, ok)
}

func TestUnregister(t *testing.T) {
	reg := connect(t, startSim(t))
	require.NoError(t, reg.Register(client.New(), callback.NewRecorder(nil)))
	require.NoError(t, reg.Unregister(client.PluginName))
	assert.ErrorIs(t, reg.Unregister(client.PluginName), ErrUnknownPlugin)

	_, err := reg.ControlPing(client.PluginName)
	assert.ErrorIs(t, err, ErrUnknownPlugin)
}

type silentPlugin struct{}

func (silentPlugin) Name() string                                             { return "silent" }
func (silentPlugin) Init(*transport.ClientTransport, callback.Callback) error { return nil }
func (silentPlugin) Close() error                                             { return nil }

func TestControlPingNeedsPinger(t *testing.T) {
	reg := connect(t, startSim(t))
	require.NoError(t, reg.Register(silentPlugin{}, callback.NewRecorder(nil)))
	_, err := reg.ControlPing("silent")
	assert.ErrorIs(t, err, ErrNotPinger)
}

func TestCloseWithOutstandingPing(t *testing.T) {
	svr := startSim(t, server.WithDrop(true))
	reg := connect(t, svr)
	rec := callback.NewRecorder(nil)
	require.NoError(t, reg.Register(client.New(client.WithReplyTimeout(0)), rec))

	ctxID, err := reg.ControlPing(client.PluginName)
	require.NoError(t, err)

	require.NoError(t, reg.Close())
	o, ok := rec.Outcome(ctxID)
	require.True(t, ok)
	assert.Equal(t, callback.ErrCodeDisconnected, o.Err.ErrorCode)

	// Idempotent, and nothing can be registered afterwards
	assert.NoError(t, reg.Close())
	assert.ErrorIs(t, reg.Register(client.New(), rec), ErrClosed)
	assert.Eventually(t, func() bool { return svr.Clients() == 0 }, time.Second, 10*time.Millisecond)
}

func TestCloseWithoutPlugins(t *testing.T) {
	reg := connect(t, startSim(t))
	assert.NoError(t, reg.Close())
	select {
	case <-reg.Transport().Done():
	default:
		t.Fatal("connection still open after Close")
	}
}

func TestKeepaliveDetectsDeadEngine(t *testing.T) {
	svr := startSim(t)
	reg := connect(t, svr, WithKeepalive(50*time.Millisecond))
	svr.SetDrop(true)

	select {
	case <-reg.Transport().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("keepalive did not close an unresponsive connection")
	}
	require.NoError(t, reg.Close())
}
