package proxylab

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter throttles clients by IP address. Each client gets an
// independent token bucket from golang.org/x/time/rate; idle buckets are
// dropped by a background sweeper.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientLimiter

	// Rate is the number of events permitted per second per client.
	Rate rate.Limit

	// Burst is the largest number of events a client can make at once.
	Burst int

	// CleanupInterval controls how often stale clients are removed.
	// Defaults to 1 minute.
	CleanupInterval time.Duration

	done chan struct{}
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a per-client limiter allowing perSecond events per
// second with the given burst.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	rl := &RateLimiter{
		clients:         make(map[string]*clientLimiter),
		Rate:            rate.Limit(perSecond),
		Burst:           burst,
		CleanupInterval: time.Minute,
		done:            make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// Allow reports whether an event from addr is permitted. addr may be a
// host:port pair or a bare host.
func (rl *RateLimiter) Allow(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	rl.mu.Lock()
	c, ok := rl.clients[host]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(rl.Rate, rl.Burst)}
		rl.clients[host] = c
	}
	c.lastSeen = time.Now()
	rl.mu.Unlock()

	return c.limiter.Allow()
}

// Middleware rejects throttled dashboard requests with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(r.RemoteAddr) {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, MessageResponse{
				Status:  "error",
				Message: "rate limit exceeded",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Close stops the background cleanup goroutine.
func (rl *RateLimiter) Close() {
	select {
	case <-rl.done:
	default:
		close(rl.done)
	}
}

// ClientCount returns the number of tracked clients.
func (rl *RateLimiter) ClientCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

func (rl *RateLimiter) cleanup() {
	interval := rl.CleanupInterval
	if interval == 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.done:
			return
		case now := <-ticker.C:
			rl.sweep(now.Add(-2 * interval))
		}
	}
}

func (rl *RateLimiter) sweep(staleBefore time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, c := range rl.clients {
		if c.lastSeen.Before(staleBefore) {
			delete(rl.clients, key)
		}
	}
}
