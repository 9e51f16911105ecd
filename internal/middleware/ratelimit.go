package middleware

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultPerMinute is the bucket size and refill rate used when a limiter
	// is built with a non-positive rate.
	DefaultPerMinute = 10

	// DefaultMaxKeys bounds the number of buckets held at once.
	DefaultMaxKeys = 10000

	sweepInterval  = time.Minute
	staleThreshold = 5 * time.Minute
)

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter hands out tokens per key. Bearer auth keys it by client IP and
// charges only failed attempts; order submission keys it by checkout session.
type RateLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	perMinute int
	maxKeys   int
	now       func() time.Time
	cancel    context.CancelFunc
}

// RateLimitOption configures a RateLimiter.
type RateLimitOption func(*RateLimiter)

// WithMaxKeys caps the number of tracked keys. The least recently seen key is
// evicted when the cap is reached.
func WithMaxKeys(n int) RateLimitOption {
	return func(rl *RateLimiter) {
		if n > 0 {
			rl.maxKeys = n
		}
	}
}

// WithRateLimitClock overrides the time source.
func WithRateLimitClock(now func() time.Time) RateLimitOption {
	return func(rl *RateLimiter) {
		if now != nil {
			rl.now = now
		}
	}
}

// NewRateLimiter returns a limiter allowing perMinute tokens per key, refilled
// evenly over a minute. A background sweep drops idle keys until ctx is done
// or Stop is called.
func NewRateLimiter(ctx context.Context, perMinute int, opts ...RateLimitOption) *RateLimiter {
	if perMinute <= 0 {
		perMinute = DefaultPerMinute
	}
	ctx, cancel := context.WithCancel(ctx)
	rl := &RateLimiter{
		buckets:   make(map[string]*bucket),
		perMinute: perMinute,
		maxKeys:   DefaultMaxKeys,
		now:       time.Now,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(rl)
	}
	go rl.sweepLoop(ctx)
	return rl
}

// Take consumes a token for key and reports whether one was available.
func (rl *RateLimiter) Take(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[key]
	if !ok {
		if len(rl.buckets) >= rl.maxKeys {
			rl.evictOldestLocked()
		}
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(float64(rl.perMinute)/60.0), rl.perMinute)}
		rl.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// Len returns the number of tracked keys.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// Stop ends the background sweep.
func (rl *RateLimiter) Stop() {
	rl.cancel()
}

func (rl *RateLimiter) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.sweep()
		}
	}
}

func (rl *RateLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, b := range rl.buckets {
		if now.Sub(b.lastSeen) > staleThreshold {
			delete(rl.buckets, key)
		}
	}
}

func (rl *RateLimiter) evictOldestLocked() {
	var oldest string
	var oldestSeen time.Time
	for key, b := range rl.buckets {
		if oldest == "" || b.lastSeen.Before(oldestSeen) {
			oldest, oldestSeen = key, b.lastSeen
		}
	}
	delete(rl.buckets, oldest)
}

// ExtractIP strips the port from a RemoteAddr.
func ExtractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
