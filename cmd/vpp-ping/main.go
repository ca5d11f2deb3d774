// Command vpp-ping checks that a VPP engine answers control pings through both
// the registry and the core plugin.
//
// Exit status is 0 when every probed engine replied on both paths, 1 when a
// probe failed and 2 on usage or configuration errors.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"maps"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"vpp-ping/config"
	"vpp-ping/discovery"
	"vpp-ping/loadbalance"
	"vpp-ping/logging"
	"vpp-ping/metrics"
	"vpp-ping/middleware"
	"vpp-ping/probe"
)

const (
	exitOK       = 0
	exitFailed   = 1
	exitUsage    = 2
	retryBackoff = 100 * time.Millisecond
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		io.WriteString(stderr, err.Error()+"\n")
		return exitUsage
	}
	fs := flag.NewFlagSet("vpp-ping", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfg.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	if err := cfg.Validate(); err != nil {
		io.WriteString(stderr, "vpp-ping: "+err.Error()+"\n")
		return exitUsage
	}

	logCfg := logging.DefaultConfig("vpp-ping")
	logCfg.Level = cfg.LogLevel
	logCfg.Output = stderr
	logger := logging.New(logCfg)
	if data, err := cfg.ToJSON(); err == nil {
		logger.Debug().RawJSON("config", []byte(data)).Msg("configuration")
	}

	m := metrics.New("vpp_ping")
	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics server")
			}
		}()
		defer srv.Close()
	}

	p := &prober{
		cfg:    cfg,
		logger: logger,
		opts: probe.Options{
			Logger:      logger,
			Printer:     probe.NewPrinter(stdout, cfg.Output),
			Metrics:     m,
			Middlewares: clientMiddlewares(cfg, m, logger),
		},
		probeCfg: probe.Config{
			ClientName:   cfg.ClientName,
			Timeout:      cfg.Timeout,
			ReplyTimeout: cfg.ReplyTimeout,
			DialTimeout:  cfg.DialTimeout,
			Keepalive:    cfg.Keepalive,
			CloseTimeout: cfg.CloseTimeout,
		},
	}

	if cfg.UseDiscovery() {
		disc, err := discovery.NewEtcdDiscovery(cfg.Discovery.Endpoints, cfg.Discovery.DialTimeout, logger)
		if err != nil {
			logger.Error().Err(err).Msg("connecting to etcd")
			return exitUsage
		}
		defer disc.Close()
		bal, err := loadbalance.New(cfg.Discovery.Balancer)
		if err != nil {
			io.WriteString(stderr, "vpp-ping: "+err.Error()+"\n")
			return exitUsage
		}
		p.disc, p.bal = disc, bal
		p.opts.Status = disc
		p.opts.Service = cfg.Discovery.Service
		p.opts.StatusTTL = cfg.Discovery.StatusTTL
		if cfg.Discovery.Status {
			return listStatuses(ctx, disc, cfg.Discovery.Service, cfg.Output, stdout, logger)
		}
	}

	if !cfg.Watch {
		return p.once(ctx)
	}
	return p.watch(ctx)
}

// listStatuses prints the verdicts published for service, one per engine. It
// fails when nothing is published or any stored run failed.
func listStatuses(ctx context.Context, store discovery.StatusStore, service, format string, w io.Writer, logger zerolog.Logger) int {
	statuses, err := store.Statuses(ctx, service)
	if err != nil {
		logger.Error().Err(err).Str("service", service).Msg("reading published verdicts")
		return exitFailed
	}
	if len(statuses) == 0 {
		logger.Warn().Str("service", service).Msg("no published verdicts")
		return exitFailed
	}

	code := exitOK
	for _, addr := range slices.Sorted(maps.Keys(statuses)) {
		data := statuses[addr]
		var r probe.Report
		if err := json.Unmarshal(data, &r); err != nil {
			logger.Warn().Err(err).Str("endpoint", addr).Msg("unreadable verdict")
			code = exitFailed
			continue
		}
		verdict := "OK"
		if !r.OK() {
			verdict = "FAILED"
			code = exitFailed
		}
		if format == probe.FormatJSON {
			fmt.Fprintln(w, string(data))
			continue
		}
		fmt.Fprintf(w, "%s %s %s %s\n", addr, r.RunID, r.Started.Format(time.RFC3339), verdict)
	}
	return code
}

// clientMiddlewares builds the chain every ping passes through.
func clientMiddlewares(cfg *config.Config, m *metrics.Metrics, logger zerolog.Logger) []middleware.Middleware {
	mws := []middleware.Middleware{
		middleware.LoggingMiddleware(logger),
		middleware.MetricsMiddleware(m, "client"),
	}
	if cfg.RateLimit > 0 {
		// Two pings per run
		mws = append(mws, middleware.RateLimitMiddleware(cfg.RateLimit, 2))
	}
	if cfg.Retries > 0 {
		mws = append(mws, middleware.RetryMiddleware(cfg.Retries, retryBackoff, nil, logger))
	}
	return mws
}

type prober struct {
	cfg      *config.Config
	logger   zerolog.Logger
	opts     probe.Options
	probeCfg probe.Config
	disc     discovery.Discovery // Nil when probing cfg.Socket
	bal      loadbalance.Balancer
}

func (p *prober) targets(ctx context.Context) ([]discovery.Endpoint, error) {
	if p.disc == nil {
		return []discovery.Endpoint{{Network: p.cfg.Network, Addr: p.cfg.Socket}}, nil
	}
	return probe.Targets(ctx, p.disc, p.cfg.Discovery.Service, p.bal, p.cfg.ClientName, p.cfg.Discovery.All)
}

func (p *prober) once(ctx context.Context) int {
	eps, err := p.targets(ctx)
	if err != nil {
		p.logger.Error().Err(err).Msg("no engine to probe")
		return exitFailed
	}
	if probe.AllOK(probe.RunAll(ctx, p.probeCfg, eps, p.opts, 0)) {
		return exitOK
	}
	return exitFailed
}

// watch probes every interval until ctx is done. The exit status reflects the
// last completed round.
func (p *prober) watch(ctx context.Context) int {
	if p.disc != nil {
		go p.logTopology(ctx)
	}

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	code := p.once(ctx)
	for {
		select {
		case <-ctx.Done():
			return code
		case <-ticker.C:
		}
		if next := p.once(ctx); ctx.Err() == nil {
			code = next
		}
	}
}

func (p *prober) logTopology(ctx context.Context) {
	for eps := range p.disc.Watch(ctx, p.cfg.Discovery.Service) {
		addrs := make([]string, len(eps))
		for i, ep := range eps {
			addrs[i] = ep.Addr
		}
		p.logger.Info().Strs("engines", addrs).Msg("engine set changed")
	}
}
