package main

import (
	"bytes"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vpp-ping/discovery"
	"vpp-ping/probe"
	"vpp-ping/server"
)

func startSim(t *testing.T, opts ...server.Option) string {
	t.Helper()
	svr := server.NewServer(opts...)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go svr.ServeListener(l)
	<-svr.Ready()
	t.Cleanup(func() { svr.Shutdown(time.Second) })
	return svr.Addr().String()
}

func TestRunSucceeds(t *testing.T) {
	addr := startSim(t)
	var stdout, stderr bytes.Buffer

	code := run(context.Background(), []string{"-network", "tcp", "-socket", addr, "-log-level", "error"}, &stdout, &stderr)
	assert.Equal(t, exitOK, code, stderr.String())
	assert.Equal(t, 2, strings.Count(stdout.String(), "Received ControlPingReply"))
}

func TestRunEngineError(t *testing.T) {
	addr := startSim(t, server.WithRetval(-1))
	var stdout, stderr bytes.Buffer

	code := run(context.Background(), []string{"-network", "tcp", "-socket", addr, "-log-level", "off"}, &stdout, &stderr)
	assert.Equal(t, exitFailed, code)
	assert.Equal(t, 2, strings.Count(stdout.String(), "Received onError exception: call=controlPing, reply=-1"))
}

func TestRunNoEngine(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"-socket", t.TempDir() + "/api.sock", "-log-level", "off"}, &stdout, &stderr)
	assert.Equal(t, exitFailed, code)
}

func TestRunUsage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, exitUsage, run(context.Background(), []string{"-output", "xml"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "output must be text or json")
	assert.Equal(t, exitUsage, run(context.Background(), []string{"-bogus"}, &stdout, &stderr))
	assert.Equal(t, exitOK, run(context.Background(), []string{"-h"}, &stdout, &stderr))
}

func TestRunWatchStopsOnCancel(t *testing.T) {
	addr := startSim(t)
	var stdout, stderr bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	code := run(ctx, []string{"-network", "tcp", "-socket", addr, "-watch", "-interval", "50ms", "-log-level", "off"}, &stdout, &stderr)
	assert.Equal(t, exitOK, code)
	assert.GreaterOrEqual(t, strings.Count(stdout.String(), ": OK"), 2)
}

func TestRunLogsConfiguration(t *testing.T) {
	addr := startSim(t)
	var stdout, stderr bytes.Buffer

	code := run(context.Background(), []string{"-network", "tcp", "-socket", addr, "-name", "cfg-test", "-log-level", "debug"}, &stdout, &stderr)
	assert.Equal(t, exitOK, code, stderr.String())
	assert.Contains(t, stderr.String(), `"client_name":"cfg-test"`)
}

func TestListStatuses(t *testing.T) {
	store := discovery.NewStatic()
	ctx := context.Background()
	logger := zerolog.Nop()

	var out bytes.Buffer
	assert.Equal(t, exitFailed, listStatuses(ctx, store, "vpp", probe.FormatText, &out, logger))

	// Publish one passing verdict through a real run
	report, err := probe.Run(ctx, probe.Config{
		ClientName:   "status-test",
		Endpoint:     discovery.Endpoint{Network: "tcp", Addr: startSim(t)},
		Timeout:      5 * time.Second,
		ReplyTimeout: time.Second,
		DialTimeout:  time.Second,
		CloseTimeout: time.Second,
	}, probe.Options{Status: store, Service: "vpp", StatusTTL: 10})
	require.NoError(t, err)
	require.True(t, report.OK())

	out.Reset()
	assert.Equal(t, exitOK, listStatuses(ctx, store, "vpp", probe.FormatText, &out, logger))
	assert.Contains(t, out.String(), report.RunID+" ")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(out.String()), "OK"))

	require.NoError(t, store.PublishStatus(ctx, "vpp", "10.0.0.9:5002", []byte(`{"results":[]}`), 10))
	out.Reset()
	assert.Equal(t, exitFailed, listStatuses(ctx, store, "vpp", probe.FormatJSON, &out, logger))
	assert.Equal(t, 2, strings.Count(out.String(), "\n"))
}
