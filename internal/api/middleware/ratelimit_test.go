package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestIPRateLimiterAllow(t *testing.T) {
	var buf bytes.Buffer
	rl := NewIPRateLimiter(2, 2, jsonLogger(&buf))
	defer rl.Stop()

	if !rl.Allow("192.168.1.1") {
		t.Fatal("expected first request to be allowed")
	}
	if !rl.Allow("192.168.1.1") {
		t.Fatal("expected second request to be allowed")
	}
	if rl.Allow("192.168.1.1") {
		t.Fatal("expected third request to be rate limited")
	}
	if !rl.Allow("192.168.1.2") {
		t.Fatal("expected request from different IP to be allowed")
	}
}

func TestIPRateLimiterSweep(t *testing.T) {
	var buf bytes.Buffer
	rl := NewIPRateLimiter(10, 10, jsonLogger(&buf))
	defer rl.Stop()
	rl.maxAge = 0

	rl.Allow("10.0.0.1")
	rl.sweep()

	rl.mu.Lock()
	count := len(rl.clients)
	rl.mu.Unlock()
	if count != 0 {
		t.Fatalf("expected 0 clients after sweep, got %d", count)
	}
}

func TestIPRateLimiterStopTwice(t *testing.T) {
	var buf bytes.Buffer
	rl := NewIPRateLimiter(1, 1, jsonLogger(&buf))
	rl.Stop()
	rl.Stop()
}

func TestRateLimitMiddleware(t *testing.T) {
	var buf bytes.Buffer
	rl := NewIPRateLimiter(1, 1, jsonLogger(&buf))
	defer rl.Stop()

	handler := RateLimit(rl)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/card", nil)
	req.RemoteAddr = "10.0.0.5:12345"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Fatalf("expected Retry-After header, got %q", rec.Header().Get("Retry-After"))
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte(`"error":"rate limit exceeded"`)) {
		t.Fatalf("expected JSON error body, got %q", rec.Body.String())
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		remoteAddr string
		want       string
	}{
		{"192.168.1.1:8080", "192.168.1.1"},
		{"[::1]:8080", "::1"},
		{"10.0.0.1", "10.0.0.1"},
	}

	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = tt.remoteAddr
		if got := clientIP(r); got != tt.want {
			t.Errorf("clientIP(%q) = %q, want %q", tt.remoteAddr, got, tt.want)
		}
	}
}
