package ratelimit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	logpkg "github.com/scanq/scanq/pkg/log"
)

func TestMiddlewareSetsHeadersAndRejects(t *testing.T) {
	l := New(Config{WindowMs: 60_000, Max: 2}, NewMemoryStore(), logpkg.NewTestLogger())
	h := Middleware(l)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/scan/text-scan", nil)
		req.RemoteAddr = "9.9.9.9:1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status %d", i+1, rec.Code)
		}
		if rec.Header().Get("X-RateLimit-Limit") != "2" {
			t.Fatalf("limit header: %q", rec.Header().Get("X-RateLimit-Limit"))
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/scan/text-scan", nil)
	req.RemoteAddr = "9.9.9.9:1234"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status %d want 429", rec.Code)
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("remaining header: %q", rec.Header().Get("X-RateLimit-Remaining"))
	}

	var body struct {
		Message    string `json:"message"`
		Error      string `json:"error"`
		RetryAfter int64  `json:"retryAfter"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Error != "Rate limit exceeded" {
		t.Fatalf("error field: %q", body.Error)
	}
	if body.RetryAfter <= 0 {
		t.Fatalf("retryAfter: %d", body.RetryAfter)
	}
}

func TestMiddlewareSkipSuccessful(t *testing.T) {
	cfg := Auth()
	cfg.Max = 1
	l := New(cfg, NewMemoryStore(), logpkg.NewTestLogger())

	h := Middleware(l)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// Two successes in a row under max=1 both pass.
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/auth/login", nil)
		req.RemoteAddr = "9.9.9.9:1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("success %d: status %d", i+1, rec.Code)
		}
	}
}

func TestMiddlewareSkipSuccessfulStillCountsFailures(t *testing.T) {
	cfg := Auth()
	cfg.Max = 1
	l := New(cfg, NewMemoryStore(), logpkg.NewTestLogger())

	h := Middleware(l)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/auth/login", nil)
	req.RemoteAddr = "9.9.9.9:1234"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("first attempt: status %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/v1/auth/login", nil)
	req.RemoteAddr = "9.9.9.9:1234"
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second attempt after failure: status %d want 429", rec.Code)
	}
}

func TestClientIPPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:555"
	if got := ClientIP(req); got != "10.0.0.1" {
		t.Fatalf("peer ip: %q", got)
	}
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := ClientIP(req); got != "203.0.113.9" {
		t.Fatalf("forwarded ip: %q", got)
	}
}
