// Package requestqueue bounds how many requests are in flight to the upstream
// at once, with a short bounded wait queue in front.
package requestqueue

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/videogen/imagine-gateway/internal/errors"
	"github.com/videogen/imagine-gateway/internal/logging"
	"github.com/videogen/imagine-gateway/internal/middleware"
	"github.com/videogen/imagine-gateway/internal/variables"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var (
	errQueueFull    = errors.ErrServiceUnavailable.WithDetail("Upstream is at capacity")
	errQueueTimeout = errors.ErrServiceUnavailable.WithDetail("Timed out waiting for upstream capacity")
)

// RequestQueue admits at most maxConcurrent requests. Up to maxQueue more may
// wait, each for at most maxWait; anything beyond that is rejected with 503
// immediately.
type RequestQueue struct {
	sem           *semaphore.Weighted
	maxConcurrent int64
	maxQueue      int64
	maxWait       time.Duration

	inFlight    atomic.Int64
	waiting     atomic.Int64
	admitted    atomic.Int64
	rejected    atomic.Int64
	timedOut    atomic.Int64
	totalWaitNs atomic.Int64
}

// New creates a new RequestQueue.
func New(maxConcurrent, maxQueue int, maxWait time.Duration) *RequestQueue {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if maxQueue < 0 {
		maxQueue = 0
	}
	return &RequestQueue{
		sem:           semaphore.NewWeighted(int64(maxConcurrent)),
		maxConcurrent: int64(maxConcurrent),
		maxQueue:      int64(maxQueue),
		maxWait:       maxWait,
	}
}

// acquire takes a slot, waiting in the queue if one is free there.
func (q *RequestQueue) acquire(ctx context.Context) error {
	if q.sem.TryAcquire(1) {
		return nil
	}

	if q.waiting.Add(1) > q.maxQueue {
		q.waiting.Add(-1)
		return errQueueFull
	}
	defer q.waiting.Add(-1)

	waitCtx := ctx
	if q.maxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, q.maxWait)
		defer cancel()
	}

	if err := q.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errQueueTimeout
	}
	return nil
}

func (q *RequestQueue) release() {
	q.inFlight.Add(-1)
	q.sem.Release(1)
}

// Middleware returns the admission middleware.
func (q *RequestQueue) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			err := q.acquire(r.Context())
			q.totalWaitNs.Add(int64(time.Since(start)))

			if err != nil {
				gatewayErr, ok := errors.As(err)
				if !ok {
					// Client cancelled while queued; nothing to send.
					return
				}
				if gatewayErr == errQueueTimeout {
					q.timedOut.Add(1)
				} else {
					q.rejected.Add(1)
				}
				varCtx := variables.GetFromRequest(r)
				varCtx.RejectReason = "upstream_capacity"
				logging.Warn("Upstream admission rejected",
					zap.String("request_id", varCtx.RequestID),
					zap.String("route_id", varCtx.RouteID),
					zap.String("reason", gatewayErr.Detail),
				)
				gatewayErr.WriteJSON(w)
				return
			}

			q.admitted.Add(1)
			q.inFlight.Add(1)
			defer q.release()
			next.ServeHTTP(w, r)
		})
	}
}

// InFlight returns the number of admitted requests still running.
func (q *RequestQueue) InFlight() int64 {
	return q.inFlight.Load()
}

// QueueSnapshot is a point-in-time view of queue metrics.
type QueueSnapshot struct {
	MaxConcurrent int64   `json:"max_concurrent"`
	MaxQueue      int64   `json:"max_queue"`
	MaxWaitMs     float64 `json:"max_wait_ms"`
	InFlight      int64   `json:"in_flight"`
	Waiting       int64   `json:"waiting"`
	Admitted      int64   `json:"admitted"`
	Rejected      int64   `json:"rejected"`
	TimedOut      int64   `json:"timed_out"`
	AvgWaitMs     float64 `json:"avg_wait_ms"`
}

// Snapshot returns a point-in-time view of the queue metrics.
func (q *RequestQueue) Snapshot() QueueSnapshot {
	admitted := q.admitted.Load()
	var avgMs float64
	if total := admitted + q.rejected.Load() + q.timedOut.Load(); total > 0 {
		avgMs = float64(q.totalWaitNs.Load()) / float64(total) / 1e6
	}
	return QueueSnapshot{
		MaxConcurrent: q.maxConcurrent,
		MaxQueue:      q.maxQueue,
		MaxWaitMs:     float64(q.maxWait.Milliseconds()),
		InFlight:      q.inFlight.Load(),
		Waiting:       q.waiting.Load(),
		Admitted:      admitted,
		Rejected:      q.rejected.Load(),
		TimedOut:      q.timedOut.Load(),
		AvgWaitMs:     avgMs,
	}
}
