package securityheaders

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/videogen/imagine-gateway/internal/config"
)

func defaultHeaders() *CompiledSecurityHeaders {
	return New(config.DefaultConfig().SecurityHeaders)
}

func TestNewDefaults(t *testing.T) {
	sh := defaultHeaders()
	h := http.Header{}
	sh.Apply(h)

	want := map[string]string{
		"X-Frame-Options":           "DENY",
		"X-Content-Type-Options":    "nosniff",
		"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
		"Server":                    "imagine-gateway",
	}
	for name, value := range want {
		if got := h.Get(name); got != value {
			t.Errorf("%s = %q, want %q", name, got, value)
		}
	}
}

func TestNewOmitsEmptyAndSortsCustom(t *testing.T) {
	sh := New(config.SecurityHeadersConfig{
		CustomHeaders: map[string]string{"X-B": "2", "X-A": "1"},
	})

	snap := sh.Snapshot()
	want := []string{"X-Content-Type-Options", "X-A", "X-B"}
	if len(snap.Headers) != len(want) {
		t.Fatalf("expected headers %v, got %v", want, snap.Headers)
	}
	for i := range want {
		if snap.Headers[i] != want[i] {
			t.Errorf("header %d = %s, want %s", i, snap.Headers[i], want[i])
		}
	}
}

func TestMiddlewareOverridesUpstream(t *testing.T) {
	sh := defaultHeaders()
	handler := sh.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", "uvicorn")
		w.Header().Set("X-Frame-Options", "SAMEORIGIN")
		w.Header().Set("Content-Type", "video/mp4")
		w.Write([]byte("frames"))
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/imagine/generate", nil))

	if got := rr.Header().Get("Server"); got != "imagine-gateway" {
		t.Errorf("expected Server imagine-gateway, got %q", got)
	}
	if got := rr.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("expected X-Frame-Options DENY, got %q", got)
	}
	if got := rr.Header().Get("Content-Type"); got != "video/mp4" {
		t.Errorf("content type should be untouched, got %q", got)
	}
	if sh.Snapshot().TotalRequests != 1 {
		t.Errorf("expected 1 applied, got %d", sh.Snapshot().TotalRequests)
	}
}

func TestMiddlewareCoversErrors(t *testing.T) {
	sh := defaultHeaders()
	handler := sh.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if got := rr.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("expected nosniff on error response, got %q", got)
	}
}

func TestMiddlewareFlush(t *testing.T) {
	sh := defaultHeaders()
	handler := sh.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.(http.Flusher).Flush()
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))

	if !rr.Flushed {
		t.Error("expected flush to reach the underlying writer")
	}
	if got := rr.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("expected headers before flush, got %q", got)
	}
}
