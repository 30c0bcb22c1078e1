package proxylab

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestRateLimiter_Allow_Basic(t *testing.T) {
	rl := NewRateLimiter(10, 5)
	defer rl.Close()

	for range 5 {
		if !rl.Allow("192.168.1.1:1234") {
			t.Fatal("first 5 requests should be allowed (burst)")
		}
	}

	if rl.Allow("192.168.1.1:1234") {
		t.Fatal("6th request should be denied (burst exhausted)")
	}
}

func TestRateLimiter_Allow_Refill(t *testing.T) {
	rl := NewRateLimiter(100, 2)
	defer rl.Close()

	rl.Allow("10.0.0.1:5000")
	rl.Allow("10.0.0.1:5000")

	if rl.Allow("10.0.0.1:5000") {
		t.Fatal("bucket should be empty")
	}

	time.Sleep(25 * time.Millisecond)

	if !rl.Allow("10.0.0.1:5000") {
		t.Fatal("should be allowed after refill")
	}
}

func TestRateLimiter_Allow_PerClient(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	defer rl.Close()

	if !rl.Allow("10.0.0.1:1") {
		t.Fatal("client A first request should be allowed")
	}
	if !rl.Allow("10.0.0.2:1") {
		t.Fatal("client B first request should be allowed (independent bucket)")
	}
	if rl.Allow("10.0.0.1:2") {
		t.Fatal("client A second request should be denied (same IP, new port)")
	}
}

func TestRateLimiter_Allow_NoPort(t *testing.T) {
	rl := NewRateLimiter(10, 1)
	defer rl.Close()

	if !rl.Allow("192.168.1.1") {
		t.Fatal("address without port should work")
	}
}

func TestRateLimiter_Middleware(t *testing.T) {
	rl := NewRateLimiter(10, 1)
	defer rl.Close()

	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/block-site", nil)
	req.RemoteAddr = "192.168.1.1:9999"

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", w.Code)
	}

	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, req)
	if w2.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", w2.Code)
	}
	if w2.Header().Get("Retry-After") != "1" {
		t.Error("missing Retry-After header")
	}
}

func TestRateLimiter_BurstCap(t *testing.T) {
	rl := NewRateLimiter(1000, 3)
	defer rl.Close()

	rl.Allow("x:1")
	rl.Allow("x:1")
	rl.Allow("x:1")

	time.Sleep(100 * time.Millisecond)

	allowed := 0
	for range 10 {
		if rl.Allow("x:1") {
			allowed++
		}
	}

	if allowed > 3 {
		t.Errorf("allowed %d > burst cap 3", allowed)
	}
}

func TestRateLimiter_ClientCount(t *testing.T) {
	rl := NewRateLimiter(10, 5)
	defer rl.Close()

	rl.Allow("a:1")
	rl.Allow("b:1")
	rl.Allow("c:1")

	if n := rl.ClientCount(); n != 3 {
		t.Errorf("ClientCount = %d, want 3", n)
	}
}

func TestRateLimiter_Close_Idempotent(t *testing.T) {
	rl := NewRateLimiter(10, 5)
	rl.Close()
	rl.Close()
}

func TestRateLimiter_Sweep(t *testing.T) {
	rl := NewRateLimiter(10, 5)
	defer rl.Close()

	now := time.Now()
	rl.mu.Lock()
	rl.clients["stale"] = &clientLimiter{limiter: rate.NewLimiter(10, 5), lastSeen: now.Add(-5 * time.Minute)}
	rl.clients["fresh"] = &clientLimiter{limiter: rate.NewLimiter(10, 5), lastSeen: now}
	rl.mu.Unlock()

	rl.sweep(now.Add(-2 * time.Minute))

	rl.mu.Lock()
	_, hasStale := rl.clients["stale"]
	_, hasFresh := rl.clients["fresh"]
	rl.mu.Unlock()

	if hasStale {
		t.Error("stale client should have been cleaned up")
	}
	if !hasFresh {
		t.Error("fresh client should still exist")
	}
}
