// Package ratelimit admits requests against a global token bucket and a
// per-client token bucket.
package ratelimit

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/videogen/imagine-gateway/internal/config"
	"github.com/videogen/imagine-gateway/internal/errors"
	"github.com/videogen/imagine-gateway/internal/logging"
	"github.com/videogen/imagine-gateway/internal/middleware"
	"github.com/videogen/imagine-gateway/internal/variables"
	"go.uber.org/zap"
)

// Scope names the bucket that rejected a request.
type Scope string

const (
	ScopeGlobal Scope = "global"
	ScopeIP     Scope = "ip"
)

// Result is the outcome of a rate limit check.
type Result struct {
	Allowed bool
	// Scope is set when the request was rejected.
	Scope Scope
	// Remaining is the number of tokens left in the client's bucket.
	Remaining  int
	RetryAfter time.Duration
}

// Limiter enforces the global bucket first and the per-client bucket second.
// A rejection at either stage leaves the other bucket untouched.
type Limiter struct {
	global        *Bucket
	perIP         *Registry
	sweepInterval time.Duration
	now           func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces the wall clock. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a limiter from the rate_limit config section.
func New(cfg config.RateLimitConfig, opts ...Option) (*Limiter, error) {
	perIP, err := NewRegistry(cfg.PerIP.Capacity, cfg.PerIP.RefillRate, cfg.IdleTimeout, cfg.MaxTrackedIPs)
	if err != nil {
		return nil, err
	}
	l := &Limiter{
		global:        NewBucket(cfg.Global.Capacity, cfg.Global.RefillRate),
		perIP:         perIP,
		sweepInterval: cfg.SweepInterval,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Check admits or rejects one request from key.
//
// The global bucket lock is held across the per-client check so that the
// global token is only consumed once the client bucket has admitted the
// request. Lock order is always global, registry, client bucket.
func (l *Limiter) Check(key string) Result {
	now := l.now()

	l.global.mu.Lock()
	defer l.global.mu.Unlock()
	l.global.lastSeen = now

	if d := l.global.peekLocked(now); !d.Allowed {
		return Result{Scope: ScopeGlobal, RetryAfter: d.RetryAfter}
	}

	ip := l.perIP.Take(key, now)
	if !ip.Allowed {
		return Result{Scope: ScopeIP, RetryAfter: ip.RetryAfter}
	}

	l.global.takeLocked(now)
	return Result{Allowed: true, Remaining: ip.Remaining}
}

// TrackedClients returns the number of client buckets currently held.
func (l *Limiter) TrackedClients() int {
	return l.perIP.Len()
}

// GlobalTokens returns the tokens currently left in the global bucket.
func (l *Limiter) GlobalTokens() float64 {
	return l.global.Tokens(l.now())
}

// Run sweeps idle client buckets until ctx is cancelled.
func (l *Limiter) Run(ctx context.Context) error {
	l.perIP.Run(ctx, l.sweepInterval, l.now)
	return nil
}

// Middleware returns a middleware that rejects over-limit requests with 429.
// The client key is the address resolved by the real IP middleware.
func (l *Limiter) Middleware() middleware.Middleware {
	limit := strconv.Itoa(l.perIP.capacity)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := ClientKey(r)
			res := l.Check(key)

			w.Header().Set("X-RateLimit-Limit", limit)
			if !res.Allowed {
				varCtx := variables.GetFromRequest(r)
				varCtx.RejectReason = "rate_limit_" + string(res.Scope)

				logging.Info("Rate limit exceeded",
					zap.String("request_id", varCtx.RequestID),
					zap.String("client_ip", key),
					zap.String("scope", string(res.Scope)),
					zap.Duration("retry_after", res.RetryAfter),
				)

				w.Header().Set("X-RateLimit-Remaining", "0")
				w.Header().Set("X-RateLimit-Scope", string(res.Scope))
				w.Header().Set("Retry-After", strconv.Itoa(RetryAfterSeconds(res.RetryAfter)))
				errors.ErrTooManyRequests.WriteJSON(w)
				return
			}

			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			next.ServeHTTP(w, r)
		})
	}
}

// RetryAfterSeconds rounds a retry hint up to whole seconds, minimum one.
func RetryAfterSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}

// ClientKey returns the resolved client address for r, falling back to the
// connection peer when the real IP middleware did not run.
func ClientKey(r *http.Request) string {
	if c := variables.FromContext(r.Context()); c != nil && c.ClientIP != "" {
		return c.ClientIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
