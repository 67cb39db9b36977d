// Package variables carries the per-request in-flight context shared by the
// middleware chain: who sent the request, where it was routed, and how the
// upstream call went.
package variables

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// Context is the in-flight state of a single request. It is created when the
// request enters the chain and released when the outermost middleware returns.
type Context struct {
	RequestID            string
	ClientIP             string
	RouteID              string
	UpstreamURL          string
	UpstreamStatus       int
	UpstreamResponseTime time.Duration
	StartTime            time.Time
	RejectReason         string
}

// RequestContextKey is the context key for storing the variable context
type RequestContextKey struct{}

var contextPool = sync.Pool{
	New: func() any { return &Context{} },
}

// AcquireContext gets a Context from the pool and stamps its start time.
func AcquireContext() *Context {
	c := contextPool.Get().(*Context)
	c.StartTime = time.Now()
	return c
}

// ReleaseContext zeroes c and returns it to the pool.
// The caller must ensure no goroutine reads from c after this call.
func ReleaseContext(c *Context) {
	if c == nil {
		return
	}
	*c = Context{}
	contextPool.Put(c)
}

// WithContext attaches c to ctx.
func WithContext(ctx context.Context, c *Context) context.Context {
	return context.WithValue(ctx, RequestContextKey{}, c)
}

// FromContext returns the variable context stored in ctx, or nil.
func FromContext(ctx context.Context) *Context {
	c, _ := ctx.Value(RequestContextKey{}).(*Context)
	return c
}

// GetFromRequest extracts the variable context from an HTTP request.
// Requests that did not pass through the request-id middleware get a fresh,
// unpooled context so callers never see nil.
func GetFromRequest(r *http.Request) *Context {
	if c := FromContext(r.Context()); c != nil {
		return c
	}
	return &Context{StartTime: time.Now()}
}
