// Package realip resolves the client address of a request that may have
// passed through a fixed number of load balancers.
package realip

import (
	"net"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/videogen/imagine-gateway/internal/variables"
)

// CompiledRealIP picks the client address out of X-Forwarded-For.
//
// Each trusted hop appends the address it received the request from, so with
// depth N the client is the Nth entry counted from the right. Depth 0 trusts
// no header and uses the socket peer. When the chain is shorter than the
// depth the leftmost entry is used.
type CompiledRealIP struct {
	depth int

	totalRequests atomic.Int64
	extracted     atomic.Int64 // times the address came from the header
}

// New creates a CompiledRealIP trusting depth forwarding hops.
func New(depth int) *CompiledRealIP {
	if depth < 0 {
		depth = 0
	}
	return &CompiledRealIP{depth: depth}
}

// Extract determines the client address of r.
func (c *CompiledRealIP) Extract(r *http.Request) string {
	c.totalRequests.Add(1)

	remoteIP := extractHost(r.RemoteAddr)
	if c.depth == 0 {
		return remoteIP
	}

	chain := forwardedChain(r.Header.Values("X-Forwarded-For"))
	if len(chain) == 0 {
		return remoteIP
	}

	idx := len(chain) - c.depth
	if idx < 0 {
		idx = 0
	}
	ip := chain[idx]
	if net.ParseIP(ip) == nil {
		return remoteIP
	}

	c.extracted.Add(1)
	return ip
}

// forwardedChain flattens every X-Forwarded-For header line into one ordered
// list of non-empty entries.
func forwardedChain(values []string) []string {
	var chain []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if p := strings.TrimSpace(part); p != "" {
				chain = append(chain, p)
			}
		}
	}
	return chain
}

// Middleware stores the resolved address on the in-flight request context.
func (c *CompiledRealIP) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		varCtx := variables.FromContext(r.Context())
		if varCtx == nil {
			varCtx = &variables.Context{}
			r = r.WithContext(variables.WithContext(r.Context(), varCtx))
		}
		varCtx.ClientIP = c.Extract(r)
		next.ServeHTTP(w, r)
	})
}

// Stats returns metrics for the real IP extractor.
type Stats struct {
	TotalRequests int64 `json:"total_requests"`
	Extracted     int64 `json:"extracted"`
	Depth         int   `json:"depth"`
}

// Stats returns the current metrics.
func (c *CompiledRealIP) Stats() Stats {
	return Stats{
		TotalRequests: c.totalRequests.Load(),
		Extracted:     c.extracted.Load(),
		Depth:         c.depth,
	}
}

// extractHost extracts the host part from an address (strips port).
func extractHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
