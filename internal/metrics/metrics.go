// Package metrics exports gateway request, rejection and upstream metrics in
// the Prometheus exposition format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/videogen/imagine-gateway/internal/variables"
)

const namespace = "gateway"

// unmatchedRoute labels requests rejected before routing.
const unmatchedRoute = "none"

// DefaultBuckets are histogram buckets in seconds. Generation calls run for
// minutes, so the upper buckets reach well past the usual web defaults.
var DefaultBuckets = []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600}

// Collector owns a private Prometheus registry with every gateway metric.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestDurations *prometheus.HistogramVec
	rejections       *prometheus.CounterVec
	upstreamErrors   *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
	upstreamInflight prometheus.Gauge
}

// NewCollector creates a collector with Go runtime and process metrics
// registered alongside the gateway's own.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Completed requests by route, method and status.",
		}, []string{"route", "method", "status"}),
		requestDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end request latency by route.",
			Buckets:   DefaultBuckets,
		}, []string{"route"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejections_total",
			Help:      "Requests the gateway answered itself, by reason.",
		}, []string{"reason"}),
		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Failed upstream calls by route and kind.",
		}, []string{"route", "kind"}),
		upstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_response_seconds",
			Help:      "Upstream call duration, through the last body byte, by route.",
			Buckets:   DefaultBuckets,
		}, []string{"route"}),
		upstreamInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upstream_inflight",
			Help:      "Upstream calls currently in progress.",
		}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.requestsTotal,
		c.requestDurations,
		c.rejections,
		c.upstreamErrors,
		c.upstreamDuration,
		c.upstreamInflight,
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RegisterGaugeFunc exposes a value sampled at scrape time, such as the
// number of tracked rate-limit clients.
func (c *Collector) RegisterGaugeFunc(name, help string, fn func() float64) error {
	return c.registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// RecordRequest records a completed request. It matches
// middleware.RequestObserver.
func (c *Collector) RecordRequest(r *http.Request, status int, _ int64, d time.Duration) {
	route := unmatchedRoute
	varCtx := variables.FromContext(r.Context())
	if varCtx != nil && varCtx.RouteID != "" {
		route = varCtx.RouteID
	}

	c.requestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
	c.requestDurations.WithLabelValues(route).Observe(d.Seconds())

	if varCtx != nil && varCtx.RejectReason != "" {
		c.rejections.WithLabelValues(varCtx.RejectReason).Inc()
	}
}

// UpstreamStarted implements proxy.Observer.
func (c *Collector) UpstreamStarted(string) {
	c.upstreamInflight.Inc()
}

// UpstreamFinished implements proxy.Observer.
func (c *Collector) UpstreamFinished(route string, _ int, d time.Duration) {
	c.upstreamInflight.Dec()
	c.upstreamDuration.WithLabelValues(route).Observe(d.Seconds())
}

// UpstreamFailed implements proxy.Observer.
func (c *Collector) UpstreamFailed(route, kind string) {
	c.upstreamInflight.Dec()
	c.upstreamErrors.WithLabelValues(route, kind).Inc()
}

// Handler returns the scrape handler for this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
