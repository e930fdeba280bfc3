// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	RewritesTotal  *prometheus.CounterVec
	FallbacksTotal *prometheus.CounterVec

	BackendUp            prometheus.Gauge
	ReadinessWaitSeconds prometheus.Gauge

	internalPaths []string
}

// New creates a Metrics instance with a custom registry and all collectors registered.
// internalPaths are the proxy's own endpoints; they keep their own path label,
// everything else is labeled "proxy".
func New(internalPaths ...string) *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "myst_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "myst_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "myst_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "myst_proxy_upstream_request_duration_seconds",
			Help:    "Time to backend response headers in seconds.",
			Buckets: defaultBuckets,
		}, []string{"target", "method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "myst_proxy_upstream_responses_total",
			Help: "Total backend responses by target, method and status code.",
		}, []string{"target", "method", "status_code"}),

		RewritesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "myst_proxy_rewrites_total",
			Help: "Text responses considered for link rewriting, by outcome.",
		}, []string{"outcome"}),

		FallbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "myst_proxy_fallback_responses_total",
			Help: "Gateway error responses served because a backend was unavailable.",
		}, []string{"target", "reason"}),

		BackendUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "myst_proxy_backend_up",
			Help: "1 while the supervised backend process is running.",
		}),

		ReadinessWaitSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "myst_proxy_readiness_wait_seconds",
			Help: "Time spent waiting for the backend before the listener opened.",
		}),

		internalPaths: internalPaths,
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.RewritesTotal,
		m.FallbacksTotal,
		m.BackendUp,
		m.ReadinessWaitSeconds,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// PathLabel returns a bounded path label: one of the internal paths, or "proxy".
func (m *Metrics) PathLabel(path string) string {
	for _, prefix := range m.internalPaths {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return prefix
		}
	}
	return "proxy"
}
