package proxylab

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// HealthChecker backs the dashboard's liveness and readiness probes.
// Liveness reports that the process is serving; readiness additionally runs
// every registered check, such as a storage ping.
type HealthChecker struct {
	alive atomic.Bool
	ready atomic.Bool

	startTime time.Time

	// ReadinessChecks must all return nil for the readiness probe to pass.
	ReadinessChecks []ReadinessCheck

	// CheckTimeout bounds each readiness check. Defaults to 2 seconds.
	CheckTimeout time.Duration
}

// ReadinessCheck is a named probe of one dependency.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthResponse is the JSON body returned by health endpoints.
type HealthResponse struct {
	Status  string   `json:"status"`
	Uptime  string   `json:"uptime,omitempty"`
	Reason  string   `json:"reason,omitempty"`
	Details []string `json:"details,omitempty"`
}

// NewHealthChecker creates a new HealthChecker.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		startTime:    time.Now(),
		CheckTimeout: 2 * time.Second,
	}
}

// AddCheck registers a readiness check.
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error) {
	h.ReadinessChecks = append(h.ReadinessChecks, ReadinessCheck{Name: name, Check: check})
}

// SetAlive marks the process as alive.
func (h *HealthChecker) SetAlive(alive bool) {
	h.alive.Store(alive)
}

// SetReady marks the process as ready.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsAlive returns true if the process is alive.
func (h *HealthChecker) IsAlive() bool {
	return h.alive.Load()
}

// IsReady returns true if the ready flag is set and every check passes.
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.ready.Load() && len(h.failures(ctx)) == 0
}

func (h *HealthChecker) failures(ctx context.Context) []string {
	var out []string
	for _, rc := range h.ReadinessChecks {
		cctx, cancel := context.WithTimeout(ctx, h.CheckTimeout)
		err := rc.Check(cctx)
		cancel()
		if err != nil {
			out = append(out, fmt.Sprintf("%s: %v", rc.Name, err))
		}
	}
	return out
}

// HandleHealthz handles the /healthz liveness probe endpoint.
func (h *HealthChecker) HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{
		Uptime: time.Since(h.startTime).Truncate(time.Second).String(),
	}

	status := http.StatusOK
	resp.Status = "ok"
	if !h.IsAlive() {
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}
	writeHealth(w, status, resp)
}

// HandleReadyz handles the /readyz readiness probe endpoint.
func (h *HealthChecker) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Uptime: time.Since(h.startTime).Truncate(time.Second).String(),
	}

	if !h.ready.Load() {
		resp.Status = "not ready"
		resp.Reason = "startup not complete"
		writeHealth(w, http.StatusServiceUnavailable, resp)
		return
	}

	if failures := h.failures(r.Context()); len(failures) > 0 {
		resp.Status = "not ready"
		resp.Details = failures
		writeHealth(w, http.StatusServiceUnavailable, resp)
		return
	}

	resp.Status = "ok"
	writeHealth(w, http.StatusOK, resp)
}

func writeHealth(w http.ResponseWriter, status int, resp HealthResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
