// Package health serves the gateway's liveness and readiness endpoints.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/videogen/imagine-gateway/internal/errors"
	"github.com/videogen/imagine-gateway/internal/logging"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Status represents health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// CheckResult represents the result of an upstream probe
type CheckResult struct {
	URL       string    `json:"url"`
	Status    Status    `json:"status"`
	LatencyMs float64   `json:"latency_ms"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusRange is an inclusive range of HTTP status codes.
type StatusRange struct {
	Lo, Hi int
}

// DefaultExpectedStatus treats any 2xx or 3xx probe response as healthy.
var DefaultExpectedStatus = []StatusRange{{200, 399}}

func matchStatus(code int, ranges []StatusRange) bool {
	for _, r := range ranges {
		if code >= r.Lo && code <= r.Hi {
			return true
		}
	}
	return false
}

// Config holds the upstream probe configuration
type Config struct {
	UpstreamURL string
	HealthPath  string // default "/health"
	Timeout     time.Duration
	CacheTTL    time.Duration     // how long Ready reuses a result, default 5s
	Transport   http.RoundTripper // nil = http.DefaultTransport

	// OnChange is called when a probe flips the status.
	OnChange func(url string, status Status)
}

// Checker probes the upstream's own health endpoint and remembers the last
// outcome. Readiness requests share one probe per CacheTTL, so unauthenticated
// /ready traffic cannot fan out to the upstream.
type Checker struct {
	client   *http.Client
	probeURL string
	display  string
	timeout  time.Duration
	ttl      time.Duration
	onChange func(url string, status Status)

	probes singleflight.Group

	mu   sync.RWMutex
	last CheckResult
}

// NewChecker creates a new upstream checker
func NewChecker(cfg Config) (*Checker, error) {
	base, err := url.Parse(cfg.UpstreamURL)
	if err != nil {
		return nil, fmt.Errorf("parsing upstream url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("upstream url %q must be absolute", cfg.UpstreamURL)
	}

	path := cfg.HealthPath
	if path == "" {
		path = "/health"
	}
	probe := *base
	probe.Path = strings.TrimSuffix(base.Path, "/") + "/" + strings.TrimPrefix(path, "/")
	probe.RawPath = ""
	probe.RawQuery = ""

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	return &Checker{
		client:   &http.Client{Transport: transport},
		probeURL: probe.String(),
		display:  probe.Redacted(),
		timeout:  timeout,
		ttl:      ttl,
		onChange: cfg.OnChange,
		last:     CheckResult{URL: probe.Redacted(), Status: StatusUnknown},
	}, nil
}

// Check performs one probe bounded by the configured timeout and by ctx.
func (c *Checker) Check(ctx context.Context) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	result := CheckResult{URL: c.display, Status: StatusHealthy}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.probeURL, nil)
	if err == nil {
		var resp *http.Response
		resp, err = c.client.Do(req)
		if err == nil {
			resp.Body.Close()
			if !matchStatus(resp.StatusCode, DefaultExpectedStatus) {
				err = fmt.Errorf("unhealthy status code: %d", resp.StatusCode)
			}
		}
	}
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
	}
	result.LatencyMs = float64(time.Since(start).Microseconds()) / 1000
	result.Timestamp = time.Now()

	c.record(result)
	return result
}

func (c *Checker) record(result CheckResult) {
	c.mu.Lock()
	old := c.last.Status
	c.last = result
	c.mu.Unlock()

	if old == result.Status {
		return
	}
	logging.Info("Upstream health changed",
		zap.String("upstream", result.URL),
		zap.String("from", string(old)),
		zap.String("to", string(result.Status)),
		zap.String("error", result.Error),
	)
	if c.onChange != nil {
		c.onChange(result.URL, result.Status)
	}
}

// Ready returns the last result if it is younger than the cache TTL, and
// otherwise runs one probe shared by every concurrent caller. The probe is
// detached from ctx so one departing client cannot fail it for the others.
func (c *Checker) Ready(ctx context.Context) CheckResult {
	if last, ok := c.fresh(); ok {
		return last
	}
	v, _, _ := c.probes.Do("probe", func() (any, error) {
		if last, ok := c.fresh(); ok {
			return last, nil
		}
		return c.Check(context.WithoutCancel(ctx)), nil
	})
	return v.(CheckResult)
}

func (c *Checker) fresh() (CheckResult, bool) {
	last := c.Last()
	if last.Status == StatusUnknown {
		return last, false
	}
	return last, time.Since(last.Timestamp) < c.ttl
}

// Last returns the most recent probe result.
func (c *Checker) Last() CheckResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

var livenessBody = []byte(`{"status":"ok"}` + "\n")

// LivenessHandler answers 200 {"status":"ok"} as long as the process serves
// HTTP. It never touches the upstream.
func LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(livenessBody)
	})
}

// ReadinessHandler answers 200 when the upstream is healthy, 503 otherwise.
func (c *Checker) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result := c.Ready(r.Context())
		if result.Status != StatusHealthy {
			errors.ErrServiceUnavailable.WithDetail("Upstream not ready").WriteJSON(w)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"status":   "ready",
			"upstream": result.URL,
		})
	})
}
