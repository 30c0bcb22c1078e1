package proxylab

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the proxy.
type Metrics struct {
	connectionsTotal   *prometheus.CounterVec
	connectionsBlocked *prometheus.CounterVec
	connDuration       *prometheus.HistogramVec
	activeConns        prometheus.Gauge
	patternCount       prometheus.Gauge
	patternChanges     *prometheus.CounterVec
	reloadErrs         prometheus.Counter
	upstreamErrors     *prometheus.CounterVec
	rateLimited        prometheus.Counter
	oversizeResponses  prometheus.Counter
	malformedRequests  prometheus.Counter
	tunnelBytes        *prometheus.CounterVec
	accessLogErrs      prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a new Metrics instance with all collectors registered.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		connectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "proxylab",
			Name:      "connections_total",
			Help:      "Total number of parsed client connections.",
		}, []string{"method", "kind"}),

		connectionsBlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "proxylab",
			Name:      "connections_blocked_total",
			Help:      "Total number of connections answered with the block notice.",
		}, []string{"strategy"}),

		connDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "proxylab",
			Name:      "connection_duration_seconds",
			Help:      "Time from accept to close of a handled connection.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"kind", "status"}),

		activeConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "proxylab",
			Name:      "active_connections",
			Help:      "Number of connections currently being handled.",
		}),

		patternCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "proxylab",
			Name:      "block_pattern_count",
			Help:      "Number of stored block patterns.",
		}),

		patternChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "proxylab",
			Name:      "block_pattern_changes_total",
			Help:      "Block list mutations by operation.",
		}, []string{"op"}),

		reloadErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "proxylab",
			Name:      "block_list_reload_errors_total",
			Help:      "Number of failed block list reloads.",
		}),

		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "proxylab",
			Name:      "upstream_errors_total",
			Help:      "Number of destination connect or forward errors.",
		}, []string{"kind"}),

		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "proxylab",
			Name:      "rate_limited_total",
			Help:      "Connections dropped by the per-client rate limit.",
		}),

		oversizeResponses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "proxylab",
			Name:      "oversize_responses_total",
			Help:      "Forwarded responses cut off at the size cap.",
		}),

		malformedRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "proxylab",
			Name:      "malformed_requests_total",
			Help:      "Connections closed because the request line could not be parsed.",
		}),

		tunnelBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "proxylab",
			Name:      "tunnel_bytes_total",
			Help:      "Bytes relayed through CONNECT tunnels.",
		}, []string{"direction"}),

		accessLogErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "proxylab",
			Name:      "access_log_errors_total",
			Help:      "Access events that could not be persisted.",
		}),

		registry: reg,
	}

	reg.MustRegister(
		m.connectionsTotal,
		m.connectionsBlocked,
		m.connDuration,
		m.activeConns,
		m.patternCount,
		m.patternChanges,
		m.reloadErrs,
		m.upstreamErrors,
		m.rateLimited,
		m.oversizeResponses,
		m.malformedRequests,
		m.tunnelBytes,
		m.accessLogErrs,
	)

	return m
}

// Handler returns an http.Handler that serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// knownMethods bounds the method label; anything else counts as "other".
var knownMethods = map[string]struct{}{
	"CONNECT": {}, "GET": {}, "HEAD": {}, "POST": {}, "PUT": {},
	"DELETE": {}, "OPTIONS": {}, "PATCH": {}, "TRACE": {},
}

func methodLabel(method string) string {
	m := strings.ToUpper(method)
	if _, ok := knownMethods[m]; ok {
		return m
	}
	return "other"
}

// RecordConnection records a parsed connection. kind is "tunnel" or "forward".
func (m *Metrics) RecordConnection(method, kind string) {
	m.connectionsTotal.WithLabelValues(methodLabel(method), kind).Inc()
}

// RecordBlocked records a block by the strategy that triggered it.
func (m *Metrics) RecordBlocked(s Strategy) {
	m.connectionsBlocked.WithLabelValues(s.String()).Inc()
}

// RecordConnectionDuration records how long a connection was handled.
func (m *Metrics) RecordConnectionDuration(kind string, statusCode int, d time.Duration) {
	m.connDuration.WithLabelValues(kind, strconv.Itoa(statusCode)).Observe(d.Seconds())
}

// IncActiveConns increments the active connection gauge.
func (m *Metrics) IncActiveConns() {
	m.activeConns.Inc()
}

// DecActiveConns decrements the active connection gauge.
func (m *Metrics) DecActiveConns() {
	m.activeConns.Dec()
}

// SetPatternCount sets the block pattern gauge.
func (m *Metrics) SetPatternCount(count int) {
	m.patternCount.Set(float64(count))
}

// RecordPatternChange counts a block list mutation ("add", "remove",
// "reload", "normalize").
func (m *Metrics) RecordPatternChange(op string) {
	m.patternChanges.WithLabelValues(op).Inc()
}

// RecordReloadError records a failed block list reload.
func (m *Metrics) RecordReloadError() {
	m.reloadErrs.Inc()
}

// RecordUpstreamError records a destination connect or forward error.
// kind is "tunnel" or "forward"; per-host counts live in HostTracker.
func (m *Metrics) RecordUpstreamError(kind string) {
	m.upstreamErrors.WithLabelValues(kind).Inc()
}

// RecordRateLimited records a connection dropped by the client limiter.
func (m *Metrics) RecordRateLimited() {
	m.rateLimited.Inc()
}

// RecordOversizeResponse records a forwarded response cut at the cap.
func (m *Metrics) RecordOversizeResponse() {
	m.oversizeResponses.Inc()
}

// RecordMalformedRequest records an unparseable request line.
func (m *Metrics) RecordMalformedRequest() {
	m.malformedRequests.Inc()
}

// RecordTunnelBytes adds relayed byte counts for one tunnel.
func (m *Metrics) RecordTunnelBytes(s RelayStats) {
	m.tunnelBytes.WithLabelValues("upstream").Add(float64(s.ClientToDest))
	m.tunnelBytes.WithLabelValues("downstream").Add(float64(s.DestToClient))
}

// RecordAccessLogError records an access event the store rejected.
func (m *Metrics) RecordAccessLogError() {
	m.accessLogErrs.Inc()
}
