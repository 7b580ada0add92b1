// Package metrics provides Prometheus metrics for the bridge.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ovpn_bridge"

// Metrics holds all Prometheus metrics for the bridge.
type Metrics struct {
	// Session metrics
	StageTransitions *prometheus.CounterVec
	CurrentStage     *prometheus.GaugeVec
	ConnectAttempts  *prometheus.CounterVec
	ObserverAttached prometheus.Gauge

	// Command metrics
	CallsTotal   *prometheus.CounterVec
	CallDuration *prometheus.HistogramVec

	// Traffic of the current session, as reported by openvpn
	BytesIn  prometheus.Gauge
	BytesOut prometheus.Gauge

	// Host metrics
	CapabilityRequests prometheus.Counter

	// API auth metrics
	AuthAttempts *prometheus.CounterVec
	AuthFailures *prometheus.CounterVec

	// System metrics
	Uptime     prometheus.Gauge
	GoRoutines prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.StageTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_transitions_total",
			Help:      "Total number of stored stage transitions",
		},
		[]string{"stage"},
	)

	m.CurrentStage = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stage",
			Help:      "Current session stage (1 for the active stage)",
		},
		[]string{"stage"},
	)

	m.ConnectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "Connect commands by outcome",
		},
		[]string{"outcome"},
	)

	m.ObserverAttached = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "observer_attached",
			Help:      "Whether a stage stream observer is registered (1 = yes)",
		},
	)

	m.CallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Total number of dispatched commands",
		},
		[]string{"method", "code"},
	)

	m.CallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Duration of dispatched commands",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
		},
		[]string{"method"},
	)

	m.BytesIn = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_bytes_in",
			Help:      "Bytes received by the current session",
		},
	)

	m.BytesOut = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_bytes_out",
			Help:      "Bytes sent by the current session",
		},
	)

	m.CapabilityRequests = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capability_requests_total",
			Help:      "Total number of VPN capability consent requests",
		},
	)

	m.AuthAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_attempts_total",
			Help:      "Total number of API authentication attempts",
		},
		[]string{"method"},
	)

	m.AuthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Total number of API authentication failures",
		},
		[]string{"method", "reason"},
	)

	m.Uptime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Daemon uptime in seconds",
		},
	)

	m.GoRoutines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutines",
			Help:      "Number of goroutines",
		},
	)

	m.registry.MustRegister(
		m.StageTransitions,
		m.CurrentStage,
		m.ConnectAttempts,
		m.ObserverAttached,
		m.CallsTotal,
		m.CallDuration,
		m.BytesIn,
		m.BytesOut,
		m.CapabilityRequests,
		m.AuthAttempts,
		m.AuthFailures,
		m.Uptime,
		m.GoRoutines,
	)

	m.registry.MustRegister(prometheus.NewGoCollector())
	m.registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	return m
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
