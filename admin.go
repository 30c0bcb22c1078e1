package proxylab

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// AdminAPI is the dashboard's HTTP control surface. It exposes the
// Controller operations under /api, along with health probes and metrics.
//
// Mutations answer with {"status": "success"|"error", "message": ...} and a
// matching HTTP status code.
type AdminAPI struct {
	// Control drives the proxy and block list.
	Control *Controller

	// Store serves the access log listing and bulk clears.
	Store AdminStore

	// Hosts adds the most requested hosts to /api/stats (optional).
	Hosts *HostTracker

	// Health serves /healthz and /readyz (optional).
	Health *HealthChecker

	// Metrics serves /metrics (optional).
	Metrics *Metrics

	// RateLimiter throttles mutating requests per client (optional).
	RateLimiter *RateLimiter

	// Compress wraps responses with gzip/zstd/brotli negotiation.
	Compress bool

	// Logger for admin API events.
	Logger *slog.Logger

	// MaxBodySize caps JSON request bodies. Defaults to 64 KB.
	MaxBodySize int64
}

// NewAdminAPI creates an AdminAPI wired to the given controller and store.
func NewAdminAPI(c *Controller, store AdminStore) *AdminAPI {
	return &AdminAPI{
		Control:     c,
		Store:       store,
		Logger:      slog.Default(),
		MaxBodySize: 64 * KB,
	}
}

// DefaultLogLimit is the number of access events returned by /api/logs
// when no limit is given.
const DefaultLogLimit = 200

// MaxLogLimit caps the limit query parameter of /api/logs.
const MaxLogLimit = 10000

// Handler builds the router.
func (a *AdminAPI) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	if a.Health != nil {
		r.Get("/healthz", a.Health.HandleHealthz)
		r.Get("/readyz", a.Health.HandleReadyz)
	}
	if a.Metrics != nil {
		r.Handle("/metrics", a.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.SetHeader("Content-Type", "application/json"))

		r.Get("/stats", a.handleStats)
		r.Get("/blocked", a.handleListBlocked)
		r.Get("/logs", a.handleLogs)

		r.Group(func(r chi.Router) {
			if a.RateLimiter != nil {
				r.Use(a.RateLimiter.Middleware)
			}
			r.Use(func(next http.Handler) http.Handler {
				return LimitRequestBody(a.maxBodySize(), next)
			})

			r.Post("/start", a.handleStart)
			r.Post("/stop", a.handleStop)
			r.Post("/block-site", a.handleBlock)
			r.Post("/unblock-site", a.handleUnblock)
			r.Post("/quick-block", a.handleQuickBlock)
			r.Post("/clear-logs", a.handleClearLogs)
			r.Post("/clear-cache", a.handleClearCache)
		})
	})

	if a.Compress {
		return NewCompressHandler(r)
	}
	return r
}

// ServeHTTP implements http.Handler.
func (a *AdminAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.Handler().ServeHTTP(w, r)
}

func (a *AdminAPI) maxBodySize() int64 {
	if a.MaxBodySize > 0 {
		return a.MaxBodySize
	}
	return 64 * KB
}

// --------------------------------------------------------------------------
// Request and response types
// --------------------------------------------------------------------------

// StartRequest is the optional body for POST /api/start.
type StartRequest struct {
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`
}

// PatternRequest is the body for POST /api/block-site and /api/unblock-site.
type PatternRequest struct {
	Pattern string `json:"pattern"`
}

// QuickBlockRequest is the body for POST /api/quick-block.
type QuickBlockRequest struct {
	Site string `json:"site"`
}

// MessageResponse is returned by every mutation.
type MessageResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// StatsResponse is returned by GET /api/stats.
type StatsResponse struct {
	Stats
	ServerRunning bool        `json:"server_running"`
	ProxyAddr     string      `json:"proxy_addr,omitempty"`
	BlockedSites  []string    `json:"blocked_sites"`
	TopHosts      []HostCount `json:"top_hosts,omitempty"`
}

// BlockedResponse is returned by GET /api/blocked.
type BlockedResponse struct {
	Count    int      `json:"count"`
	Patterns []string `json:"patterns"`
}

// LogsResponse is returned by GET /api/logs.
type LogsResponse struct {
	Count  int           `json:"count"`
	Events []AccessEvent `json:"events"`
}

func success(msg string) MessageResponse { return MessageResponse{Status: "success", Message: msg} }
func failure(msg string) MessageResponse { return MessageResponse{Status: "error", Message: msg} }

// --------------------------------------------------------------------------
// Handlers
// --------------------------------------------------------------------------

func (a *AdminAPI) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, failure("invalid JSON: "+err.Error()))
		return
	}

	addr, err := a.Control.Start(req.Host, req.Port)
	switch {
	case errors.Is(err, ErrAlreadyRunning):
		writeJSON(w, http.StatusConflict, failure("Server already running"))
		return
	case err != nil:
		a.Logger.Error("proxy start failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, failure("start failed: "+err.Error()))
		return
	}

	a.Logger.Info("proxy started via dashboard", "addr", addr)
	writeJSON(w, http.StatusOK, success("Proxy server started on "+addr))
}

func (a *AdminAPI) handleStop(w http.ResponseWriter, _ *http.Request) {
	if err := a.Control.Stop(); err != nil {
		if errors.Is(err, ErrNotRunning) {
			writeJSON(w, http.StatusConflict, failure("Server not running"))
			return
		}
		writeJSON(w, http.StatusInternalServerError, failure("stop failed: "+err.Error()))
		return
	}
	a.Logger.Info("proxy stopped via dashboard")
	writeJSON(w, http.StatusOK, success("Proxy server stopped"))
}

func (a *AdminAPI) handleBlock(w http.ResponseWriter, r *http.Request) {
	pattern, ok := a.decodePattern(w, r)
	if !ok {
		return
	}

	added, err := a.Control.AddBlock(r.Context(), pattern)
	switch {
	case errors.Is(err, ErrEmptyPattern):
		writeJSON(w, http.StatusBadRequest, failure("Please enter a website URL"))
	case err != nil:
		a.Logger.Error("block-site failed", "pattern", pattern, "error", err)
		writeJSON(w, http.StatusInternalServerError, failure(err.Error()))
	case !added:
		writeJSON(w, http.StatusConflict, failure("Already blocked: "+pattern))
	default:
		writeJSON(w, http.StatusCreated, success("Blocked: "+pattern))
	}
}

func (a *AdminAPI) handleUnblock(w http.ResponseWriter, r *http.Request) {
	pattern, ok := a.decodePattern(w, r)
	if !ok {
		return
	}

	removed, err := a.Control.RemoveBlock(r.Context(), pattern)
	switch {
	case errors.Is(err, ErrEmptyPattern):
		writeJSON(w, http.StatusBadRequest, failure("Please enter a website URL"))
	case err != nil:
		a.Logger.Error("unblock-site failed", "pattern", pattern, "error", err)
		writeJSON(w, http.StatusInternalServerError, failure(err.Error()))
	case !removed:
		writeJSON(w, http.StatusNotFound, failure("Not found: "+pattern))
	default:
		writeJSON(w, http.StatusOK, success("Unblocked: "+pattern))
	}
}

func (a *AdminAPI) handleQuickBlock(w http.ResponseWriter, r *http.Request) {
	var req QuickBlockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, failure("invalid JSON: "+err.Error()))
		return
	}

	site := strings.ToLower(strings.TrimSpace(req.Site))
	pattern, ok := QuickBlockPresets[site]
	if !ok {
		writeJSON(w, http.StatusBadRequest, failure("Invalid site"))
		return
	}

	added, err := a.Control.AddBlock(r.Context(), pattern)
	switch {
	case err != nil:
		a.Logger.Error("quick-block failed", "site", site, "error", err)
		writeJSON(w, http.StatusInternalServerError, failure(err.Error()))
	case !added:
		writeJSON(w, http.StatusConflict, failure(titleCase(site)+" already blocked"))
	default:
		writeJSON(w, http.StatusCreated, success("Blocked "+titleCase(site)))
	}
}

func (a *AdminAPI) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.Control.Stats(r.Context())
	if err != nil {
		a.Logger.Error("stats failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, failure(err.Error()))
		return
	}

	resp := StatsResponse{
		Stats:         stats,
		ServerRunning: a.Control.Running(),
		BlockedSites:  a.Control.ListBlocked(),
	}
	if addr := a.Control.Proxy.Addr(); addr != nil {
		resp.ProxyAddr = addr.String()
	}
	if resp.BlockedSites == nil {
		resp.BlockedSites = []string{}
	}
	if a.Hosts != nil {
		resp.TopHosts = a.Hosts.Top()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *AdminAPI) handleListBlocked(w http.ResponseWriter, _ *http.Request) {
	patterns := a.Control.ListBlocked()
	if patterns == nil {
		patterns = []string{}
	}
	writeJSON(w, http.StatusOK, BlockedResponse{Count: len(patterns), Patterns: patterns})
}

func (a *AdminAPI) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := DefaultLogLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, failure("limit must be a positive integer"))
			return
		}
		limit = min(n, MaxLogLimit)
	}

	events, err := a.Store.RecentEvents(r.Context(), limit)
	if err != nil {
		a.Logger.Error("listing access events failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, failure(err.Error()))
		return
	}
	if events == nil {
		events = []AccessEvent{}
	}
	writeJSON(w, http.StatusOK, LogsResponse{Count: len(events), Events: events})
}

func (a *AdminAPI) handleClearLogs(w http.ResponseWriter, r *http.Request) {
	if err := a.Store.ClearEvents(r.Context()); err != nil {
		a.Logger.Error("clear-logs failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, failure(err.Error()))
		return
	}
	a.Logger.Info("access log cleared via dashboard")
	writeJSON(w, http.StatusOK, success("Logs cleared successfully"))
}

func (a *AdminAPI) handleClearCache(w http.ResponseWriter, r *http.Request) {
	if err := a.Store.ClearCache(r.Context()); err != nil {
		a.Logger.Error("clear-cache failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, failure(err.Error()))
		return
	}
	a.Logger.Info("cache cleared via dashboard")
	writeJSON(w, http.StatusOK, success("Cache cleared successfully"))
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

func (a *AdminAPI) decodePattern(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req PatternRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, failure("invalid JSON: "+err.Error()))
		return "", false
	}
	return strings.TrimSpace(req.Pattern), true
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Debug("admin API write error", "error", err)
	}
}
