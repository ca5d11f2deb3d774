// Package metrics holds the Prometheus collectors of the probe and the simulator.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome label values.
const (
	OutcomeReply   = "reply"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
)

// Metrics holds all Prometheus metrics. Each instance owns its registry so that
// several probes (or tests) in one process do not collide.
type Metrics struct {
	registry *prometheus.Registry

	// API request metrics, shared by client and simulator middleware
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Probe metrics
	ProbesTotal   *prometheus.CounterVec
	ProbeRTT      *prometheus.HistogramVec
	Connected     *prometheus.GaugeVec
	LastSuccessTS *prometheus.GaugeVec
}

// New creates and registers all metrics under namespace.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Binary API requests by message, side and outcome.",
			},
			[]string{"msg", "side", "outcome"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Binary API request latency.",
				Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
			},
			[]string{"msg", "side"},
		),

		ProbesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "probe",
				Name:      "total",
				Help:      "Liveness probes by endpoint, send path and outcome.",
			},
			[]string{"endpoint", "path", "outcome"},
		),
		ProbeRTT: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "probe",
				Name:      "rtt_seconds",
				Help:      "Round trip time of answered liveness probes.",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
			},
			[]string{"endpoint", "path"},
		),
		Connected: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "probe",
				Name:      "connected",
				Help:      "1 while a probe holds a connection to the endpoint.",
			},
			[]string{"endpoint"},
		),
		LastSuccessTS: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "probe",
				Name:      "last_success_timestamp_seconds",
				Help:      "Unix time of the last probe run where every path replied.",
			},
			[]string{"endpoint"},
		),
	}
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
