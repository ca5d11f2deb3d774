// Package probe runs the control-ping liveness check against one or more
// engines.
//
// A run connects under a client name, registers the core plugin with a
// Recorder, pings once through the registry and once through the plugin, and
// disconnects. Each ping is awaited on its own completion handle, bounded by
// the reply timeout, instead of sleeping for a fixed time.
package probe

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/xid"
	"github.com/rs/zerolog"

	"vpp-ping/callback"
	"vpp-ping/client"
	"vpp-ping/codec"
	"vpp-ping/discovery"
	"vpp-ping/message"
	"vpp-ping/metrics"
	"vpp-ping/middleware"
	"vpp-ping/registry"
)

// Path is the API path a ping was sent through.
type Path string

const (
	PathConnect  Path = "connect"
	PathRegistry Path = "registry"
	PathPlugin   Path = "plugin"
)

// Config describes one probe run.
type Config struct {
	ClientName   string
	Endpoint     discovery.Endpoint
	Timeout      time.Duration // Whole run, 0 = bounded by ctx only
	ReplyTimeout time.Duration // Each ping
	DialTimeout  time.Duration
	Keepalive    time.Duration
	CloseTimeout time.Duration
}

// Options are the collaborators of a run. The zero value runs silently.
type Options struct {
	Logger      zerolog.Logger
	Printer     *Printer
	Metrics     *metrics.Metrics
	Middlewares []middleware.Middleware // Wrapped around every ping, in order

	// Status, when set, receives the report of every run
	Status    discovery.StatusStore
	Service   string
	StatusTTL int64
}

// Result is the outcome of one ping.
type Result struct {
	Path     Path                      `json:"path"`
	CtxID    uint32                    `json:"context"`
	Attempts int                       `json:"attempts"`
	Reply    *message.ControlPingReply `json:"reply,omitempty"`
	Error    *callback.Error           `json:"error,omitempty"`
	Err      string                    `json:"failure,omitempty"` // Ping could not be sent
	RTT      time.Duration             `json:"rtt_ns"`
}

// OK reports whether the ping was answered with retval 0.
func (r *Result) OK() bool { return r.Reply != nil && r.Error == nil && r.Err == "" }

func (r *Result) outcome() string {
	switch {
	case r.OK():
		return metrics.OutcomeReply
	case r.Error != nil && r.Error.Timeout():
		return metrics.OutcomeTimeout
	default:
		return metrics.OutcomeError
	}
}

// Report is the outcome of one run.
type Report struct {
	RunID       string        `json:"run_id"`
	ClientName  string        `json:"client_name"`
	Endpoint    string        `json:"endpoint"`
	ClientIndex uint32        `json:"client_index,omitempty"`
	Started     time.Time     `json:"started"`
	Duration    time.Duration `json:"duration_ns"`
	Results     []Result      `json:"results"`
	Err         string        `json:"error,omitempty"` // Connection failure
}

// OK reports whether both paths produced a reply.
func (r *Report) OK() bool {
	replied := map[Path]bool{}
	for i := range r.Results {
		if r.Results[i].OK() {
			replied[r.Results[i].Path] = true
		}
	}
	return r.Err == "" && replied[PathRegistry] && replied[PathPlugin]
}

// Result returns the result of path, if it ran.
func (r *Report) Result(path Path) (*Result, bool) {
	for i := range r.Results {
		if r.Results[i].Path == path {
			return &r.Results[i], true
		}
	}
	return nil, false
}

// Run performs one probe. The returned error reports a failed connection; a
// run whose pings failed still returns a nil error and a Report that is not OK.
func Run(ctx context.Context, cfg Config, opts Options) (*Report, error) {
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	ep := cfg.Endpoint
	report := &Report{
		RunID:      xid.New().String(),
		ClientName: cfg.ClientName,
		Endpoint:   ep.String(),
		Started:    time.Now(),
	}
	logger := opts.Logger.With().Str("run_id", report.RunID).Str("endpoint", report.Endpoint).Logger()
	out := opts.Printer
	if out == nil {
		out = NewPrinter(io.Discard, FormatText)
	}

	defer func() {
		report.Duration = time.Since(report.Started)
		record(opts.Metrics, report)
		publish(opts, ep, report, logger)
		out.Report(report)
	}()

	out.Progress("Testing ControlPing using callback API")
	reg, err := registry.Connect(ctx, cfg.ClientName,
		registry.WithAddress(ep.Network, ep.Addr),
		registry.WithDialTimeout(cfg.DialTimeout),
		registry.WithKeepalive(cfg.Keepalive),
		registry.WithCloseTimeout(cfg.CloseTimeout),
		registry.WithLogger(logger),
	)
	if err != nil {
		report.Err = err.Error()
		logger.Error().Err(err).Msg("connection failed")
		return report, err
	}
	report.ClientIndex = reg.Transport().Session().ClientIndex
	if opts.Metrics != nil {
		opts.Metrics.Connected.WithLabelValues(report.Endpoint).Set(1)
		defer opts.Metrics.Connected.WithLabelValues(report.Endpoint).Set(0)
	}

	rec := callback.NewRecorder(out)
	plugin := client.New(client.WithReplyTimeout(cfg.ReplyTimeout), client.WithLogger(logger))
	if err := reg.Register(plugin, rec); err != nil {
		report.Err = err.Error()
		reg.Close()
		return report, err
	}
	out.Progress("Successfully connected to VPP")

	// The plugin reports a timeout itself after ReplyTimeout. The extra second
	// only bounds an attempt whose plugin never reports.
	var bound time.Duration
	if cfg.ReplyTimeout > 0 {
		bound = cfg.ReplyTimeout + time.Second
	}
	p := newPinger(rec, opts.Middlewares, bound)

	out.Progress("Sending control ping using registry")
	report.Results = append(report.Results, p.ping(ctx, PathRegistry, func() (uint32, error) {
		return reg.ControlPing(plugin.Name())
	}))

	out.Progress("Sending control ping using core plugin")
	report.Results = append(report.Results, p.ping(ctx, PathPlugin, func() (uint32, error) {
		return plugin.Send(&message.ControlPing{})
	}))

	out.Progress("Disconnecting...")
	if err := reg.Close(); err != nil {
		logger.Warn().Err(err).Msg("disconnect")
	}
	return report, nil
}

type pinger struct {
	rec     *callback.Recorder
	handler middleware.Middleware
}

// newPinger wraps mws around every attempt. A positive bound adds a
// TimeoutMiddleware innermost so each attempt is bounded separately.
func newPinger(rec *callback.Recorder, mws []middleware.Middleware, bound time.Duration) *pinger {
	if bound > 0 {
		mws = append(mws[:len(mws):len(mws)], middleware.TimeoutMiddleware(bound))
	}
	return &pinger{rec: rec, handler: middleware.Chain(mws...)}
}

// ping sends one control_ping through send and waits for its outcome. Retries
// by middleware send a new ping; the result describes the last one.
func (p *pinger) ping(ctx context.Context, path Path, send func() (uint32, error)) Result {
	res := Result{Path: path}
	var (
		mu    sync.Mutex // A timeout middleware may return while an attempt still runs
		start time.Time
	)

	h := p.handler(func(ctx context.Context, req message.Message) (message.Message, error) {
		mu.Lock()
		res.Attempts++
		start = time.Now()
		mu.Unlock()

		ctxID, err := send()
		if err != nil {
			return nil, err
		}
		mu.Lock()
		res.CtxID = ctxID
		mu.Unlock()
		o, err := p.rec.Await(ctx, ctxID)
		if err != nil {
			return nil, &callback.Error{MethodName: client.MethodName(req), ErrorCode: callback.ErrCodeTimeout, CtxID: ctxID}
		}
		if o.Err != nil {
			return nil, o.Err
		}
		return o.Reply, nil
	})

	reply, err := h(ctx, &message.ControlPing{})
	mu.Lock()
	defer mu.Unlock()
	res.RTT = time.Since(start)

	var cbErr *callback.Error
	switch {
	case err == nil:
		if r, ok := reply.(*message.ControlPingReply); ok && r != nil {
			res.Reply = r
		} else {
			res.Err = "no control_ping_reply"
		}
	case errors.As(err, &cbErr):
		res.Error = cbErr
	case errors.Is(err, middleware.ErrTimeout):
		res.Error = &callback.Error{MethodName: "controlPing", ErrorCode: callback.ErrCodeTimeout, CtxID: res.CtxID}
	default:
		res.Err = err.Error()
	}
	return res
}

func record(m *metrics.Metrics, r *Report) {
	if m == nil {
		return
	}
	if r.Err != "" {
		m.ProbesTotal.WithLabelValues(r.Endpoint, string(PathConnect), metrics.OutcomeError).Inc()
		return
	}
	for i := range r.Results {
		res := &r.Results[i]
		m.ProbesTotal.WithLabelValues(r.Endpoint, string(res.Path), res.outcome()).Inc()
		if res.OK() {
			m.ProbeRTT.WithLabelValues(r.Endpoint, string(res.Path)).Observe(res.RTT.Seconds())
		}
	}
	if r.OK() {
		m.LastSuccessTS.WithLabelValues(r.Endpoint).SetToCurrentTime()
	}
}

func publish(opts Options, ep discovery.Endpoint, r *Report, logger zerolog.Logger) {
	if opts.Status == nil {
		return
	}
	data, err := codec.GetCodec(codec.CodecTypeJSON).Encode(r)
	if err != nil {
		logger.Warn().Err(err).Msg("encoding report")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := opts.Status.PublishStatus(ctx, opts.Service, ep.Addr, data, opts.StatusTTL); err != nil {
		logger.Warn().Err(err).Msg("publishing report")
	}
}
