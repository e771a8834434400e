// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for API latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  prometheus.Histogram
	UpstreamResponses *prometheus.CounterVec
	UpstreamFailures  *prometheus.CounterVec

	UpstreamHealth        prometheus.Gauge
	UpstreamCheckDuration *prometheus.HistogramVec

	// pathPrefixes bounds the path_prefix label; it includes the
	// configured metrics path.
	pathPrefixes []string
}

// New creates a Metrics instance with a custom registry and all collectors
// registered. metricsPath is the route the registry is served on.
func New(metricsPath string) *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "awin_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "awin_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "awin_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "awin_proxy_upstream_request_duration_seconds",
			Help:    "Product-search call latency in seconds.",
			Buckets: defaultBuckets,
		}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "awin_proxy_upstream_responses_total",
			Help: "Total product-search responses by status code.",
		}, []string{"status_code"}),

		UpstreamFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "awin_proxy_upstream_failures_total",
			Help: "Product-search calls that produced no relayable response, by reason.",
		}, []string{"reason"}),

		UpstreamHealth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "awin_proxy_upstream_health",
			Help: "Result of the last upstream check: 2 healthy, 1 degraded, 0 error.",
		}),

		UpstreamCheckDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "awin_proxy_upstream_check_duration_seconds",
			Help:    "Upstream check latency in seconds, by endpoint.",
			Buckets: defaultBuckets,
		}, []string{"endpoint"}),

		pathPrefixes: append(append([]string{}, routePrefixes...), metricsPath),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.UpstreamFailures,
		m.UpstreamHealth,
		m.UpstreamCheckDuration,
	)

	return m
}

// Failure reasons recorded in UpstreamFailures.
const (
	ReasonTransport   = "transport"
	ReasonBodyTooBig  = "body_too_large"
	ReasonInvalidJSON = "invalid_json"
)

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other".
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// routePrefixes are the fixed routes allowed as path label values.
var routePrefixes = []string{"/proxy/awin", "/proxy/status", "/healthz"}

// NormalizePath returns a bounded path label for Prometheus metrics.
func (m *Metrics) NormalizePath(path string) string {
	for _, prefix := range m.pathPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}
