// Package securityheaders stamps a fixed set of response headers on every
// response leaving the gateway.
package securityheaders

import (
	"net/http"
	"sort"
	"sync/atomic"

	"github.com/videogen/imagine-gateway/internal/config"
	"github.com/videogen/imagine-gateway/internal/middleware"
)

// headerPair is a pre-computed header name + value.
type headerPair struct {
	Name  string
	Value string
}

// CompiledSecurityHeaders holds the pre-computed header set.
type CompiledSecurityHeaders struct {
	headers []headerPair
	applied atomic.Int64
}

// Snapshot is a point-in-time copy of metrics.
type Snapshot struct {
	TotalRequests int64    `json:"total_requests"`
	HeaderCount   int      `json:"header_count"`
	Headers       []string `json:"headers"`
}

// New creates a CompiledSecurityHeaders from config. Empty fields are omitted
// except X-Content-Type-Options, which defaults to nosniff.
func New(cfg config.SecurityHeadersConfig) *CompiledSecurityHeaders {
	var pairs []headerPair

	xcto := cfg.XContentTypeOptions
	if xcto == "" {
		xcto = "nosniff"
	}
	pairs = append(pairs, headerPair{"X-Content-Type-Options", xcto})

	if cfg.XFrameOptions != "" {
		pairs = append(pairs, headerPair{"X-Frame-Options", cfg.XFrameOptions})
	}
	if cfg.StrictTransportSecurity != "" {
		pairs = append(pairs, headerPair{"Strict-Transport-Security", cfg.StrictTransportSecurity})
	}
	if cfg.Server != "" {
		pairs = append(pairs, headerPair{"Server", cfg.Server})
	}

	// Sorted so the header order is stable across restarts.
	names := make([]string, 0, len(cfg.CustomHeaders))
	for name := range cfg.CustomHeaders {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		pairs = append(pairs, headerPair{name, cfg.CustomHeaders[name]})
	}

	return &CompiledSecurityHeaders{headers: pairs}
}

// Apply sets all configured security headers, replacing any existing values.
func (c *CompiledSecurityHeaders) Apply(h http.Header) {
	c.applied.Add(1)
	for _, p := range c.headers {
		h.Set(p.Name, p.Value)
	}
}

// Snapshot returns a point-in-time copy of metrics.
func (c *CompiledSecurityHeaders) Snapshot() Snapshot {
	names := make([]string, len(c.headers))
	for i, p := range c.headers {
		names[i] = p.Name
	}
	return Snapshot{
		TotalRequests: c.applied.Load(),
		HeaderCount:   len(c.headers),
		Headers:       names,
	}
}

// Middleware applies the headers just before the status line is written, so
// they also cover gateway errors and override anything the upstream sent.
func (c *CompiledSecurityHeaders) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(&headerWriter{ResponseWriter: w, sh: c}, r)
		})
	}
}

type headerWriter struct {
	http.ResponseWriter
	sh          *CompiledSecurityHeaders
	wroteHeader bool
}

func (hw *headerWriter) WriteHeader(code int) {
	if !hw.wroteHeader && code >= http.StatusOK {
		hw.wroteHeader = true
		hw.sh.Apply(hw.ResponseWriter.Header())
	}
	hw.ResponseWriter.WriteHeader(code)
}

func (hw *headerWriter) Write(b []byte) (int, error) {
	if !hw.wroteHeader {
		hw.WriteHeader(http.StatusOK)
	}
	return hw.ResponseWriter.Write(b)
}

func (hw *headerWriter) Flush() {
	if !hw.wroteHeader {
		hw.WriteHeader(http.StatusOK)
	}
	if f, ok := hw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (hw *headerWriter) Unwrap() http.ResponseWriter {
	return hw.ResponseWriter
}
