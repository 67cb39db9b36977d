package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/videogen/imagine-gateway/internal/logging"
	"go.uber.org/zap"
)

// Registry maps client keys to their own buckets. Buckets are created on
// first sight and dropped once idle for longer than the idle timeout, or when
// the number of tracked keys exceeds maxEntries (least recently used first).
// A dropped key starts over with a full bucket.
type Registry struct {
	mu      sync.Mutex
	buckets *simplelru.LRU[string, *Bucket]

	capacity int
	rate     float64
	idle     time.Duration

	swept   atomic.Int64
	evicted atomic.Int64
}

// NewRegistry creates an empty registry. maxEntries must be positive.
func NewRegistry(capacity int, refillRate float64, idle time.Duration, maxEntries int) (*Registry, error) {
	lru, err := simplelru.NewLRU[string, *Bucket](maxEntries, nil)
	if err != nil {
		return nil, err
	}
	return &Registry{
		buckets:  lru,
		capacity: capacity,
		rate:     refillRate,
		idle:     idle,
	}, nil
}

// Take consumes one token from key's bucket at now.
func (r *Registry) Take(key string, now time.Time) Decision {
	return r.bucket(key, now).Take(now)
}

// bucket returns key's bucket, creating it if needed, and marks it used at
// now while the registry lock is held so a concurrent Sweep cannot drop it.
func (r *Registry) bucket(key string, now time.Time) *Bucket {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.buckets.Get(key)
	if !ok {
		b = NewBucket(r.capacity, r.rate)
		if r.buckets.Add(key, b) {
			r.evicted.Add(1)
		}
	}
	b.touch(now)
	return b
}

// Len returns the number of tracked keys.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buckets.Len()
}

// Sweep drops every bucket idle for longer than the idle timeout and returns
// how many were dropped. The LRU order matches last-use order, so the sweep
// stops at the first bucket still in use.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for {
		_, b, ok := r.buckets.GetOldest()
		if !ok || b.idleSince(now) <= r.idle {
			break
		}
		r.buckets.RemoveOldest()
		n++
	}
	r.swept.Add(int64(n))
	return n
}

// Run sweeps every interval until ctx is cancelled.
func (r *Registry) Run(ctx context.Context, interval time.Duration, now func() time.Time) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(now()); n > 0 {
				logging.Debug("Swept idle rate limit buckets",
					zap.Int("swept", n),
					zap.Int("tracked", r.Len()),
				)
			}
		}
	}
}
