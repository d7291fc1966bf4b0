package ratelimit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mcp-tower/tower/internal/clock"
)

func TestAllowWithinWindow(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	l := New(Config{Window: time.Minute, MaxRequests: 2}, fc)

	if ok, remaining, _ := l.Allow("client-a"); !ok || remaining != 1 {
		t.Fatalf("first request: ok=%v remaining=%d", ok, remaining)
	}
	if ok, remaining, _ := l.Allow("client-a"); !ok || remaining != 0 {
		t.Fatalf("second request: ok=%v remaining=%d", ok, remaining)
	}
	if ok, _, _ := l.Allow("client-a"); ok {
		t.Fatal("third request should be denied")
	}
}

func TestWindowResetsAfterExpiry(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	l := New(Config{Window: time.Minute, MaxRequests: 1}, fc)

	if ok, _, _ := l.Allow("client-a"); !ok {
		t.Fatal("expected first request allowed")
	}
	if ok, _, _ := l.Allow("client-a"); ok {
		t.Fatal("expected second request denied within window")
	}

	fc.Advance(2 * time.Minute)

	if ok, _, _ := l.Allow("client-a"); !ok {
		t.Fatal("expected request allowed after window reset")
	}
}

func TestMiddlewareSetsHeadersAndBlocks(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	l := New(Config{Window: time.Minute, MaxRequests: 1, SkipPaths: []string{"/metrics"}}, fc)

	handler := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/servers", nil)
	req.RemoteAddr = "10.0.0.5:1234"

	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req)
	if rec1.Code != http.StatusOK {
		t.Fatalf("first request status = %d", rec1.Code)
	}
	if rec1.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("remaining header = %q", rec1.Header().Get("X-RateLimit-Remaining"))
	}

	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec2.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec2.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode 429 body: %v", err)
	}
	if body["error"] != "rate_limited" {
		t.Fatalf("error = %v, want rate_limited", body["error"])
	}
	if _, ok := body["retryAfter"]; !ok {
		t.Fatal("expected retryAfter in 429 body")
	}
}

func TestClientKeyPrefersForwardedHeaders(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	l := New(Config{Window: time.Minute, MaxRequests: 1}, fc)

	handler := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/servers", nil)
	req.RemoteAddr = "10.0.0.1:9999"
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")

	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req)
	if rec1.Code != http.StatusOK {
		t.Fatalf("first request status = %d", rec1.Code)
	}

	// Same proxy peer, different forwarded client: must not share a window.
	req2 := httptest.NewRequest(http.MethodGet, "/api/servers", nil)
	req2.RemoteAddr = "10.0.0.1:9999"
	req2.Header.Set("X-Forwarded-For", "203.0.113.8, 10.0.0.1")

	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Fatalf("second forwarded client status = %d, want 200", rec2.Code)
	}

	stats := l.Stats()
	if stats.ActiveClients != 2 {
		t.Fatalf("activeClients = %d, want 2", stats.ActiveClients)
	}
}

func TestSkipPathBypassesLimiter(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	l := New(Config{Window: time.Minute, MaxRequests: 1, SkipPaths: []string{"/metrics"}}, fc)

	handler := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.RemoteAddr = "10.0.0.5:1234"

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200 (skip path)", i, rec.Code)
		}
	}
}
