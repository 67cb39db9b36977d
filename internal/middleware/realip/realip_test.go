package realip

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/videogen/imagine-gateway/internal/variables"
)

func TestExtractDepth(t *testing.T) {
	tests := []struct {
		name  string
		depth int
		xff   []string
		want  string
	}{
		{"depth zero ignores header", 0, []string{"1.2.3.4"}, "192.168.1.1"},
		{"no header", 1, nil, "192.168.1.1"},
		{"single load balancer", 1, []string{"1.2.3.4"}, "1.2.3.4"},
		{"spoofed left entries ignored", 1, []string{"6.6.6.6, 1.2.3.4"}, "1.2.3.4"},
		{"two hops", 2, []string{"1.2.3.4, 10.0.0.1"}, "1.2.3.4"},
		{"depth beyond chain uses leftmost", 5, []string{"1.2.3.4, 10.0.0.1"}, "1.2.3.4"},
		{"multiple header lines", 2, []string{"1.2.3.4", "10.0.0.1"}, "1.2.3.4"},
		{"empty entries skipped", 1, []string{"1.2.3.4, , "}, "1.2.3.4"},
		{"garbage falls back to peer", 1, []string{"not-an-ip"}, "192.168.1.1"},
		{"ipv6", 1, []string{"2001:db8::1"}, "2001:db8::1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(tt.depth)
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = "192.168.1.1:12345"
			for _, v := range tt.xff {
				r.Header.Add("X-Forwarded-For", v)
			}

			if got := c.Extract(r); got != tt.want {
				t.Errorf("Extract() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMiddlewareStoresClientIP(t *testing.T) {
	c := New(1)

	var got string
	handler := c.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = variables.GetFromRequest(r).ClientIP
	}))

	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.1:12345"
	r.Header.Set("X-Forwarded-For", "1.2.3.4")
	handler.ServeHTTP(httptest.NewRecorder(), r)

	if got != "1.2.3.4" {
		t.Errorf("expected client ip 1.2.3.4, got %q", got)
	}
}

func TestMiddlewareReusesExistingContext(t *testing.T) {
	c := New(0)
	varCtx := &variables.Context{RequestID: "req-1"}

	handler := c.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.1:12345"
	r = r.WithContext(variables.WithContext(r.Context(), varCtx))
	handler.ServeHTTP(httptest.NewRecorder(), r)

	if varCtx.ClientIP != "10.0.0.1" {
		t.Errorf("expected client ip on the shared context, got %q", varCtx.ClientIP)
	}
}

func TestStats(t *testing.T) {
	c := New(1)

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Forwarded-For", "1.2.3.4")
	c.Extract(r)
	c.Extract(httptest.NewRequest("GET", "/", nil))

	stats := c.Stats()
	if stats.TotalRequests != 2 {
		t.Errorf("expected 2 total requests, got %d", stats.TotalRequests)
	}
	if stats.Extracted != 1 {
		t.Errorf("expected 1 extracted, got %d", stats.Extracted)
	}
	if stats.Depth != 1 {
		t.Errorf("expected depth 1, got %d", stats.Depth)
	}
}
