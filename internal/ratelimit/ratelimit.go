// Package ratelimit provides an in-memory keyed token bucket. The execution
// pipeline paces upstream calls with "Provider:<id>" keys and caller traffic
// with "Context:<tenant>,<user>,<project>" keys; the HTTP layer reuses the
// same limiter per client IP.
package ratelimit

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ProviderKey returns the limiter key for a provider.
func ProviderKey(providerID string) string { return "Provider:" + providerID }

// ContextKey returns the limiter key for a caller context.
func ContextKey(tenantID, userID, projectID string) string {
	return "Context:" + tenantID + "," + userID + "," + projectID
}

// Limiter is a per-key token bucket rate limiter.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	rate     int           // tokens added per interval
	burst    int           // max tokens (bucket capacity)
	interval time.Duration // refill interval
	maxKeys  int           // max entries before evicting oldest
	stop     chan struct{}
	stopOnce sync.Once
	counter  prometheus.Counter // optional: incremented on each rejection

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

type bucket struct {
	tokens   int
	lastFill time.Time
}

// New creates a rate limiter. rate is tokens added per interval; burst is the
// bucket capacity and the maximum burst size.
func New(rate, burst int, interval time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		buckets:  make(map[string]*bucket),
		rate:     rate,
		burst:    burst,
		interval: interval,
		maxKeys:  100000, // default cap: 100k unique keys
		stop:     make(chan struct{}),
		nowFunc:  time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	// Periodically clean up stale entries.
	go l.cleanup()
	return l
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithCounter sets a Prometheus counter that is incremented on each rejection.
func WithCounter(c prometheus.Counter) Option {
	return func(l *Limiter) {
		l.counter = c
	}
}

// WithNow overrides the limiter's time source (tests).
func WithNow(fn func() time.Time) Option {
	return func(l *Limiter) {
		l.nowFunc = fn
	}
}

// Allow takes n tokens from key's bucket, reporting whether enough were
// available. Tokens are never driven negative: a rejected call leaves the
// bucket untouched.
func (l *Limiter) Allow(key string, n int) bool {
	if n <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.bucketLocked(key)
	l.refillLocked(b)

	if b.tokens < n {
		if l.counter != nil {
			l.counter.Inc()
		}
		return false
	}
	b.tokens -= n
	return true
}

// ResetTime returns when at least one token will next be available for key.
// Keys with tokens on hand (including unknown keys) report the current time.
func (l *Limiter) ResetTime(key string) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFunc()
	b, ok := l.buckets[key]
	if !ok {
		return now
	}
	l.refillLocked(b)
	if b.tokens > 0 {
		return now
	}
	return b.lastFill.Add(l.interval)
}

// Middleware returns an http.Handler middleware that enforces rate limits per
// client IP (using X-Real-IP or RemoteAddr).
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := r.Header.Get("X-Real-IP")
		if ip == "" {
			ip = r.RemoteAddr
		}
		if !l.Allow(ip, 1) {
			retry := int(time.Until(l.ResetTime(ip)).Seconds()) + 1
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// bucketLocked returns the bucket for key, creating it full if needed.
// Caller must hold l.mu.
func (l *Limiter) bucketLocked(key string) *bucket {
	b, ok := l.buckets[key]
	if !ok {
		// Evict oldest entry if at capacity.
		if len(l.buckets) >= l.maxKeys {
			l.evictOldestLocked()
		}
		b = &bucket{tokens: l.burst, lastFill: l.nowFunc()}
		l.buckets[key] = b
	}
	return b
}

// refillLocked adds tokens for whole elapsed intervals. Caller must hold l.mu.
func (l *Limiter) refillLocked(b *bucket) {
	elapsed := l.nowFunc().Sub(b.lastFill)
	intervals := int(elapsed / l.interval)
	if intervals <= 0 {
		return
	}
	b.tokens += intervals * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.lastFill = b.lastFill.Add(time.Duration(intervals) * l.interval)
}

// evictOldestLocked removes the bucket with the oldest lastFill time.
// Caller must hold l.mu.
func (l *Limiter) evictOldestLocked() {
	var oldestKey string
	var oldestTime time.Time
	first := true
	for k, b := range l.buckets {
		if first || b.lastFill.Before(oldestTime) {
			oldestKey = k
			oldestTime = b.lastFill
			first = false
		}
	}
	if !first {
		delete(l.buckets, oldestKey)
	}
}

// Stop terminates the background cleanup goroutine.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			cutoff := l.nowFunc().Add(-10 * time.Minute)
			for k, b := range l.buckets {
				if b.lastFill.Before(cutoff) {
					delete(l.buckets, k)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}
