// Package gateway composes the request pipeline and runs the HTTP servers.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/videogen/imagine-gateway/internal/config"
	"github.com/videogen/imagine-gateway/internal/health"
	"github.com/videogen/imagine-gateway/internal/logging"
	"github.com/videogen/imagine-gateway/internal/metrics"
	"github.com/videogen/imagine-gateway/internal/middleware"
	"github.com/videogen/imagine-gateway/internal/middleware/auth"
	"github.com/videogen/imagine-gateway/internal/middleware/cors"
	"github.com/videogen/imagine-gateway/internal/middleware/ratelimit"
	"github.com/videogen/imagine-gateway/internal/middleware/realip"
	"github.com/videogen/imagine-gateway/internal/middleware/requestqueue"
	"github.com/videogen/imagine-gateway/internal/middleware/securityheaders"
	"github.com/videogen/imagine-gateway/internal/proxy"
	"github.com/videogen/imagine-gateway/internal/router"
	"github.com/videogen/imagine-gateway/internal/tracing"
	"go.uber.org/zap"
)

// Gateway is the composed request pipeline: every component is built once
// from the config and shared by all requests.
type Gateway struct {
	config *config.Config

	router    *router.Router
	proxy     *proxy.Proxy
	transport *http.Transport
	auth      *auth.BearerAuth
	limiter   *ratelimit.Limiter
	realIP    *realip.CompiledRealIP
	headers   *securityheaders.CompiledSecurityHeaders
	cors      *cors.Handler
	queue     *requestqueue.RequestQueue // nil when upstream concurrency is unbounded
	checker   *health.Checker
	metrics   *metrics.Collector
	tracer    *tracing.Tracer

	handler   http.Handler
	startTime time.Time
}

// Option customizes a Gateway.
type Option func(*options)

type options struct {
	rateLimitOpts []ratelimit.Option
}

// WithRateLimitClock replaces the rate limiter's clock.
func WithRateLimitClock(now func() time.Time) Option {
	return func(o *options) {
		o.rateLimitOpts = append(o.rateLimitOpts, ratelimit.WithClock(now))
	}
}

// New builds a gateway from a validated config.
func New(cfg *config.Config, opts ...Option) (*Gateway, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	g := &Gateway{
		config:    cfg,
		auth:      auth.NewBearerAuth(cfg.Authentication.Tokens),
		realIP:    realip.New(cfg.RealIP.Depth),
		headers:   securityheaders.New(cfg.SecurityHeaders),
		cors:      cors.New(cfg.CORS),
		metrics:   metrics.NewCollector(),
		startTime: time.Now(),
	}

	var err error
	if g.router, err = router.New(cfg); err != nil {
		return nil, fmt.Errorf("building routes: %w", err)
	}
	if g.limiter, err = ratelimit.New(cfg.RateLimit, o.rateLimitOpts...); err != nil {
		return nil, fmt.Errorf("building rate limiter: %w", err)
	}

	g.transport = proxy.NewTransport(proxy.TransportConfigFrom(cfg.Upstream.Transport))
	g.proxy = proxy.New(proxy.Config{
		Transport:     g.transport,
		FlushInterval: cfg.Upstream.FlushInterval,
		Observer:      g.metrics,
	})

	if cfg.Upstream.MaxConcurrent > 0 {
		g.queue = requestqueue.New(cfg.Upstream.MaxConcurrent, cfg.Upstream.MaxQueue, cfg.Upstream.QueueWait)
	}

	if g.checker, err = health.NewChecker(health.Config{
		UpstreamURL: cfg.Upstream.URL,
		Timeout:     cfg.Upstream.HealthTimeout,
		CacheTTL:    cfg.Upstream.ReadyCacheTTL,
		Transport:   g.transport,
	}); err != nil {
		return nil, fmt.Errorf("building readiness probe: %w", err)
	}

	if g.tracer, err = tracing.New(cfg.Tracing); err != nil {
		return nil, fmt.Errorf("initializing tracing: %w", err)
	}

	if err := g.metrics.RegisterGaugeFunc("ratelimit_tracked_ips",
		"Client addresses currently holding a rate-limit bucket.",
		func() float64 { return float64(g.limiter.TrackedClients()) },
	); err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}

	g.handler = g.buildHandler()

	logging.Info("Gateway initialized",
		zap.Int("routes", len(g.router.Routes())),
		zap.String("upstream", cfg.Upstream.URL),
		zap.Int("tokens", len(cfg.Authentication.Tokens)),
		zap.Int("forwarded_for_depth", cfg.RealIP.Depth),
		zap.Bool("upstream_queue", g.queue != nil),
		zap.Bool("cors", g.cors.IsEnabled()),
		zap.Bool("tracing", g.tracer.IsEnabled()),
	)
	return g, nil
}

// buildHandler assembles the chain. Rejections short-circuit, so a request
// failing authentication never reaches the rate limiter and a rate-limited
// request never reaches the router. Recovery sits inside the security headers
// so a recovered 500 carries them too.
func (g *Gateway) buildHandler() http.Handler {
	probes := http.NewServeMux()
	probes.Handle("GET /health", health.LivenessHandler())
	probes.Handle("GET /ready", g.checker.ReadinessHandler())

	isProbe := func(r *http.Request) bool {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			return false
		}
		return r.URL.Path == "/health" || r.URL.Path == "/ready"
	}

	return middleware.NewBuilder().
		Use(middleware.RequestID()).
		Use(g.realIP.Middleware).
		Use(g.tracer.Middleware()).
		Use(middleware.LoggingWithConfig(middleware.LoggingConfig{
			Observers: []middleware.RequestObserver{g.metrics.RecordRequest},
		})).
		Use(g.headers.Middleware()).
		Use(middleware.Recovery()).
		Use(g.cors.Middleware()).
		Use(middleware.Bypass(isProbe, probes)).
		Use(g.auth.Middleware()).
		Use(g.limiter.Middleware()).
		Use(g.router.Middleware()).
		UseIf(g.queue != nil, g.queueMiddleware()).
		Handler(g.proxy)
}

func (g *Gateway) queueMiddleware() middleware.Middleware {
	if g.queue == nil {
		return nil
	}
	return g.queue.Middleware()
}

// Handler returns the gateway's HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// Run runs background maintenance until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	return g.limiter.Run(ctx)
}

// Close releases upstream connections and flushes pending spans.
func (g *Gateway) Close(ctx context.Context) error {
	g.transport.CloseIdleConnections()
	if err := g.tracer.Close(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("closing tracer: %w", err)
	}
	return nil
}

// Metrics returns the gateway's metrics collector.
func (g *Gateway) Metrics() *metrics.Collector {
	return g.metrics
}

// Stats is the admin view of the gateway.
type Stats struct {
	Uptime          string                      `json:"uptime"`
	Routes          []RouteStats                `json:"routes"`
	Auth            auth.Stats                  `json:"auth"`
	RealIP          realip.Stats                `json:"real_ip"`
	RateLimit       RateLimitStats              `json:"rate_limit"`
	Queue           *requestqueue.QueueSnapshot `json:"upstream_queue,omitempty"`
	SecurityHeaders securityheaders.Snapshot    `json:"security_headers"`
	Upstream        health.CheckResult          `json:"upstream"`
	Tracing         map[string]any              `json:"tracing"`
}

// RouteStats describes one compiled route.
type RouteStats struct {
	ID       string `json:"id"`
	Prefix   string `json:"prefix"`
	Upstream string `json:"upstream"`
}

// RateLimitStats describes the limiter's configuration and state.
type RateLimitStats struct {
	Global         config.BucketConfig `json:"global"`
	PerIP          config.BucketConfig `json:"per_ip"`
	TrackedClients int                 `json:"tracked_clients"`
	GlobalTokens   float64             `json:"global_tokens"`
}

// GetStats returns current gateway statistics
func (g *Gateway) GetStats() Stats {
	stats := Stats{
		Uptime:          time.Since(g.startTime).Round(time.Second).String(),
		Auth:            g.auth.Stats(),
		RealIP:          g.realIP.Stats(),
		SecurityHeaders: g.headers.Snapshot(),
		Upstream:        g.checker.Last(),
		Tracing:         g.tracer.Status(),
		RateLimit: RateLimitStats{
			Global:         g.config.RateLimit.Global,
			PerIP:          g.config.RateLimit.PerIP,
			TrackedClients: g.limiter.TrackedClients(),
			GlobalTokens:   g.limiter.GlobalTokens(),
		},
	}
	for _, rt := range g.router.Routes() {
		stats.Routes = append(stats.Routes, RouteStats{
			ID:       rt.ID,
			Prefix:   rt.Prefix,
			Upstream: rt.Upstream.Redacted(),
		})
	}
	if g.queue != nil {
		snap := g.queue.Snapshot()
		stats.Queue = &snap
	}
	return stats
}
