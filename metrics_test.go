package proxylab

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	m := NewMetrics()
	if m == nil {
		t.Fatal("NewMetrics() returned nil")
	}
	if m.registry == nil {
		t.Fatal("registry should not be nil")
	}
}

func TestMetrics_Recorders(t *testing.T) {
	m := NewMetrics()
	m.RecordConnection("GET", "forward")
	m.RecordConnection("CONNECT", "tunnel")
	m.RecordBlocked(StrategyPlatformFamily)
	m.RecordConnectionDuration("tunnel", 200, 2*time.Second)
	m.IncActiveConns()
	m.IncActiveConns()
	m.DecActiveConns()
	m.SetPatternCount(3)
	m.RecordPatternChange("add")
	m.RecordReloadError()
	m.RecordUpstreamError("forward")
	m.RecordRateLimited()
	m.RecordOversizeResponse()
	m.RecordMalformedRequest()
	m.RecordTunnelBytes(RelayStats{ClientToDest: 10, DestToClient: 20})
	m.RecordAccessLogError()
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()
	m.RecordConnection("GET", "forward")
	m.RecordBlocked(StrategyExact)
	m.SetPatternCount(5)
	m.RecordConnectionDuration("forward", 200, 50*time.Millisecond)
	m.RecordTunnelBytes(RelayStats{ClientToDest: 1, DestToClient: 2})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	body := rec.Body.String()
	checks := []string{
		"proxylab_connections_total",
		`proxylab_connections_blocked_total{strategy="exact"} 1`,
		"proxylab_block_pattern_count 5",
		"proxylab_active_connections",
		"proxylab_connection_duration_seconds",
		`proxylab_tunnel_bytes_total{direction="downstream"} 2`,
	}
	for _, check := range checks {
		if !strings.Contains(body, check) {
			t.Errorf("metrics output missing %q", check)
		}
	}
}

func TestMetrics_MethodLabelBounded(t *testing.T) {
	m := NewMetrics()
	m.RecordConnection("get", "forward")
	m.RecordConnection("GET", "forward")
	for i := range 50 {
		m.RecordConnection(fmt.Sprintf("X-CUSTOM-%d", i), "forward")
	}

	if got := testutil.ToFloat64(m.connectionsTotal.WithLabelValues("GET", "forward")); got != 2 {
		t.Errorf("GET count = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.connectionsTotal.WithLabelValues("other", "forward")); got != 50 {
		t.Errorf("other count = %v, want 50", got)
	}
	if n := testutil.CollectAndCount(m.connectionsTotal); n != 2 {
		t.Errorf("series = %d, want 2", n)
	}
}

func TestMetrics_UpstreamErrorsByKind(t *testing.T) {
	m := NewMetrics()
	m.RecordUpstreamError("tunnel")
	m.RecordUpstreamError("tunnel")
	m.RecordUpstreamError("forward")

	if n := testutil.CollectAndCount(m.upstreamErrors); n != 2 {
		t.Errorf("series = %d, want 2", n)
	}
	if got := testutil.ToFloat64(m.upstreamErrors.WithLabelValues("tunnel")); got != 2 {
		t.Errorf("tunnel errors = %v, want 2", got)
	}
}
