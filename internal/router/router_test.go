package router

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/videogen/imagine-gateway/internal/config"
	"github.com/videogen/imagine-gateway/internal/variables"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Upstream.URL = "http://backend:8001"
	cfg.Routes = []config.RouteConfig{
		{ID: "imagine", Prefix: "/imagine/"},
		{ID: "imagine-v2", Prefix: "/imagine/v2", Upstream: "http://gpu-pool:9000/api"},
		{ID: "legacy", Prefix: "/legacy"},
	}
	return cfg
}

func TestMatch(t *testing.T) {
	rt, err := New(testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tests := []struct {
		path       string
		wantOK     bool
		wantRoute  string
		wantTarget string
	}{
		{"/imagine/generate", true, "imagine", "http://backend:8001/generate"},
		{"/imagine/generate?model=ltx", true, "imagine", "http://backend:8001/generate?model=ltx"},
		{"/imagine/health", true, "imagine", "http://backend:8001/health"},
		{"/imagine/", true, "imagine", "http://backend:8001/"},
		{"/imagine", true, "imagine", "http://backend:8001/"},
		{"/imagine/v2/generate", true, "imagine-v2", "http://gpu-pool:9000/api/generate"},
		{"/imagine/v2", true, "imagine-v2", "http://gpu-pool:9000/api/"},
		{"/imagine/v2x", true, "imagine", "http://backend:8001/v2x"},
		{"/legacy/info", true, "legacy", "http://backend:8001/info"},
		{"/imaginex", false, "", ""},
		{"/", false, "", ""},
		{"/admin/stats", false, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			u, err := url.Parse(tt.path)
			if err != nil {
				t.Fatal(err)
			}
			m, ok := rt.Match(u)
			if ok != tt.wantOK {
				t.Fatalf("Match(%s) ok = %v, want %v", tt.path, ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if m.Route.ID != tt.wantRoute {
				t.Errorf("expected route %s, got %s", tt.wantRoute, m.Route.ID)
			}
			if got := m.Target.String(); got != tt.wantTarget {
				t.Errorf("expected target %s, got %s", tt.wantTarget, got)
			}
		})
	}
}

func TestMatchPreservesEscaping(t *testing.T) {
	rt, err := New(testConfig())
	if err != nil {
		t.Fatal(err)
	}

	u, _ := url.Parse("/imagine/files/a%2Fb.mp4?x=%20y")
	m, ok := rt.Match(u)
	if !ok {
		t.Fatal("expected match")
	}
	if got := m.Target.String(); got != "http://backend:8001/files/a%2Fb.mp4?x=%20y" {
		t.Errorf("unexpected target %s", got)
	}
}

func TestMatchTimeoutClass(t *testing.T) {
	cfg := testConfig()
	cfg.Upstream.Timeout = 10 * time.Minute
	cfg.Upstream.HealthTimeout = 5 * time.Second
	rt, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}

	tests := map[string]time.Duration{
		"/imagine/health":   5 * time.Second,
		"/imagine/info":     5 * time.Second,
		"/imagine/generate": 10 * time.Minute,
		"/imagine/health/x": 10 * time.Minute,
	}
	for path, want := range tests {
		u, _ := url.Parse(path)
		m, ok := rt.Match(u)
		if !ok {
			t.Fatalf("expected match for %s", path)
		}
		if m.Timeout != want {
			t.Errorf("%s: expected timeout %v, got %v", path, want, m.Timeout)
		}
	}
}

func TestNewRejectsDuplicatePrefix(t *testing.T) {
	cfg := testConfig()
	cfg.Routes = append(cfg.Routes, config.RouteConfig{ID: "dup", Prefix: "/imagine"})

	if _, err := New(cfg); err == nil || !strings.Contains(err.Error(), "duplicate prefix") {
		t.Errorf("expected duplicate prefix error, got %v", err)
	}
}

func TestMiddlewareNotFound(t *testing.T) {
	rt, err := New(testConfig())
	if err != nil {
		t.Fatal(err)
	}

	forwarded := false
	h := rt.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		forwarded = true
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/elsewhere", nil))

	if forwarded {
		t.Error("unmatched request must not be forwarded")
	}
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"detail":"Not Found"`) {
		t.Errorf("unexpected body %s", rr.Body.String())
	}
}

func TestMiddlewareStoresMatch(t *testing.T) {
	rt, err := New(testConfig())
	if err != nil {
		t.Fatal(err)
	}

	var got *Match
	h := rt.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = MatchFromContext(r.Context())
	}))

	varCtx := &variables.Context{}
	req := httptest.NewRequest("POST", "/imagine/generate", nil)
	req = req.WithContext(variables.WithContext(req.Context(), varCtx))
	h.ServeHTTP(httptest.NewRecorder(), req)

	if got == nil || got.Route.ID != "imagine" {
		t.Fatalf("expected imagine match, got %+v", got)
	}
	if varCtx.RouteID != "imagine" {
		t.Errorf("expected route id on context, got %q", varCtx.RouteID)
	}
}
