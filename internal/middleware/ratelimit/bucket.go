package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Decision is the outcome of asking a bucket for one token.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Bucket is a token bucket holding at most Capacity tokens and refilling
// continuously at RefillRate tokens per second. A new bucket starts full.
//
// The token arithmetic is delegated to rate.Limiter. The mutex makes the
// check and the decrement a single step, so two callers racing for the last
// token never both succeed.
type Bucket struct {
	mu       sync.Mutex
	lim      *rate.Limiter
	capacity int
	rate     float64
	lastSeen time.Time
}

// NewBucket creates a full bucket.
func NewBucket(capacity int, refillRate float64) *Bucket {
	return &Bucket{
		lim:      rate.NewLimiter(rate.Limit(refillRate), capacity),
		capacity: capacity,
		rate:     refillRate,
	}
}

// Take consumes one token at now if one is available.
func (b *Bucket) Take(now time.Time) Decision {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastSeen = now
	if d := b.peekLocked(now); !d.Allowed {
		return d
	}
	return b.takeLocked(now)
}

// Tokens returns the number of tokens available at now without consuming any.
func (b *Bucket) Tokens(now time.Time) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lim.TokensAt(now)
}

// peekLocked reports whether a token is available at now and, if not, how
// long until one will be. b.mu must be held.
func (b *Bucket) peekLocked(now time.Time) Decision {
	tokens := b.lim.TokensAt(now)
	if tokens >= 1 {
		return Decision{Allowed: true, Remaining: int(tokens) - 1}
	}
	if tokens < 0 {
		tokens = 0
	}
	wait := time.Duration((1 - tokens) / b.rate * float64(time.Second))
	if wait <= 0 {
		wait = time.Millisecond
	}
	return Decision{RetryAfter: wait}
}

// takeLocked consumes a token that peekLocked just reported available.
// b.mu must be held.
func (b *Bucket) takeLocked(now time.Time) Decision {
	if !b.lim.AllowN(now, 1) {
		return b.peekLocked(now)
	}
	return Decision{Allowed: true, Remaining: int(b.lim.TokensAt(now))}
}

func (b *Bucket) touch(now time.Time) {
	b.mu.Lock()
	b.lastSeen = now
	b.mu.Unlock()
}

func (b *Bucket) idleSince(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return now.Sub(b.lastSeen)
}
