package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newLimiter() *RateLimiter {
	return &RateLimiter{buckets: make(map[string]*bucket), now: time.Now, stop: make(chan struct{})}
}

func allowed(rl *RateLimiter, key string, limit int) bool {
	ok, _ := rl.Allow(key, limit)
	return ok
}

func TestRateLimiterAllowDeny(t *testing.T) {
	rl := newLimiter()

	// Should allow up to the limit
	for i := 0; i < 5; i++ {
		if !allowed(rl, "k1", 5) {
			t.Fatalf("expected allow on request %d", i+1)
		}
	}

	// Should deny at the limit
	if allowed(rl, "k1", 5) {
		t.Fatal("expected deny after limit reached")
	}
}

func TestRateLimiterWindowReset(t *testing.T) {
	rl := newLimiter()
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		allowed(rl, "k1", 3)
	}
	if allowed(rl, "k1", 3) {
		t.Fatal("expected deny after limit")
	}

	now = now.Add(61 * time.Second)
	if !allowed(rl, "k1", 3) {
		t.Fatal("expected allow after window reset")
	}
}

func TestRateLimiterReportsWait(t *testing.T) {
	rl := newLimiter()
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	allowed(rl, "k1", 1)
	now = now.Add(45 * time.Second)
	ok, wait := rl.Allow("k1", 1)
	if ok || wait != 15*time.Second {
		t.Fatalf("Allow = %v, %v; want deny with 15s", ok, wait)
	}
}

func TestRateLimiterKeyIsolation(t *testing.T) {
	rl := newLimiter()

	for i := 0; i < 2; i++ {
		allowed(rl, "key1", 2)
	}
	if allowed(rl, "key1", 2) {
		t.Fatal("expected key1 denied")
	}
	if !allowed(rl, "key2", 2) {
		t.Fatal("expected key2 allowed")
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := newLimiter()

	allowed(rl, "stale", 10)
	allowed(rl, "fresh", 10)

	// Backdate the stale entry
	rl.mu.Lock()
	rl.buckets["stale"].windowAt = time.Now().Add(-5 * time.Minute)
	rl.mu.Unlock()

	rl.cleanup()

	rl.mu.Lock()
	_, hasStale := rl.buckets["stale"]
	_, hasFresh := rl.buckets["fresh"]
	rl.mu.Unlock()

	if hasStale {
		t.Fatal("expected stale entry to be cleaned up")
	}
	if !hasFresh {
		t.Fatal("expected fresh entry to remain")
	}
}

func TestRateLimiterStopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter()
	rl.Stop()
	rl.Stop()
}

func TestClassifyEndpoint(t *testing.T) {
	tests := map[string]string{
		"/v1/changes/batch":         "batch",
		"/v1/sync":                  "sync",
		"/v1/conflicts/abc/resolve": "resolve",
		"/v1/sync/status":           "other",
		"/healthz":                  "other",
	}
	for path, want := range tests {
		if got := classifyEndpoint(path); got != want {
			t.Errorf("classifyEndpoint(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.9:4242"
	if got := clientIP(req); got != "10.0.0.9" {
		t.Fatalf("remote addr: %q", got)
	}
	req.Header.Set("X-Forwarded-For", "1.2.3.4, 10.0.0.1")
	if got := clientIP(req); got != "1.2.3.4" {
		t.Fatalf("forwarded: %q", got)
	}
}

func TestBatchRateLimitPerOwner(t *testing.T) {
	srv, _ := newTestServerWithConfig(t, func(cfg *Config) {
		cfg.RateLimitBatch = 2
	})

	for i := 0; i < 2; i++ {
		w := doRequest(srv, http.MethodPost, "/v1/changes/batch", "alice", map[string]any{"changes": []any{}})
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d: %s", i+1, w.Code, w.Body.String())
		}
	}
	w := doRequest(srv, http.MethodPost, "/v1/changes/batch", "alice", map[string]any{"changes": []any{}})
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if ra := w.Header().Get("Retry-After"); ra == "" || ra == "0" {
		t.Fatalf("Retry-After = %q", ra)
	}
	assertErrorCode(t, w, ErrCodeRateLimited)

	// Other owners and other endpoint classes have their own windows.
	if w := doRequest(srv, http.MethodPost, "/v1/changes/batch", "bob", map[string]any{"changes": []any{}}); w.Code != http.StatusOK {
		t.Fatalf("bob: expected 200, got %d", w.Code)
	}
	if w := doRequest(srv, http.MethodGet, "/v1/sync/status", "alice", nil); w.Code != http.StatusOK {
		t.Fatalf("status: expected 200, got %d", w.Code)
	}
}
