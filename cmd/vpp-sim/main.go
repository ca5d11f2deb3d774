// Command vpp-sim runs a VPP binary API simulator that answers the handshake
// and control pings, for trying vpp-ping without an engine.
package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"vpp-ping/discovery"
	"vpp-ping/logging"
	"vpp-ping/metrics"
	"vpp-ping/middleware"
	"vpp-ping/server"
)

func main() {
	network := flag.String("network", "unix", "listen network: unix or tcp")
	socket := flag.String("socket", "/run/vpp/api.sock", "socket path or host:port to listen on")
	advertise := flag.String("advertise", "", "address registered in etcd, defaults to the listen address")
	etcd := flag.String("etcd", "", "comma separated etcd endpoints to register with")
	pid := flag.Uint("pid", uint(os.Getpid()), "vpe_pid reported in control_ping replies")
	retval := flag.Int("retval", 0, "retval of every control_ping reply")
	drop := flag.Bool("drop", false, "never answer requests")
	handlerTimeout := flag.Duration("handler-timeout", 0, "bound on each request handler, 0 = unbounded")
	rps := flag.Float64("rate", 0, "requests per second served, 0 = unlimited")
	metricsAddr := flag.String("metrics-addr", "", "serve Prometheus metrics on this address")
	level := flag.String("log-level", "info", "debug, info, warn or error")
	flag.Parse()

	logCfg := logging.DefaultConfig("vpp-sim")
	logCfg.Level = *level
	logger := logging.New(logCfg)

	m := metrics.New("vpp_sim")
	svr := server.NewServer(
		server.WithLogger(logger),
		server.WithPID(uint32(*pid)),
		server.WithRetval(int32(*retval)),
		server.WithDrop(*drop),
	)
	svr.Use(middleware.LoggingMiddleware(logger))
	svr.Use(middleware.MetricsMiddleware(m, "server"))
	if *rps > 0 {
		svr.Use(middleware.RateLimitMiddleware(*rps, int(*rps)+1))
	}
	if *handlerTimeout > 0 {
		svr.Use(middleware.TimeoutMiddleware(*handlerTimeout))
	}

	if *metricsAddr != "" {
		go func() {
			srv := &http.Server{Addr: *metricsAddr, Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics server")
			}
		}()
	}

	var disc discovery.Discovery
	if *etcd != "" {
		ed, err := discovery.NewEtcdDiscovery(strings.Split(*etcd, ","), 5*time.Second, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("connecting to etcd")
		}
		defer ed.Close()
		disc = ed
	}

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info().Msg("shutting down simulator")
		if err := svr.Shutdown(5 * time.Second); err != nil {
			logger.Warn().Err(err).Msg("shutdown")
		}
	}()

	if err := svr.Serve(*network, *socket, *advertise, disc); err != nil {
		logger.Error().Err(err).Msg("serve")
		os.Exit(1)
	}
	if *network == "unix" {
		os.Remove(*socket)
	}
}
