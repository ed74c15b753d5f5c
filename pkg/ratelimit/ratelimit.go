// Package ratelimit throttles API callers with one token bucket per key.
package ratelimit

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter keeps a token bucket per client key
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*client
	rps      rate.Limit
	burst    int
	now      func() time.Time
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLimiter creates a limiter allowing rps requests per second per key
// with bursts of up to burst requests. A non-positive rps disables limiting.
func NewLimiter(rps float64, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*client),
		rps:      rate.Limit(rps),
		burst:    burst,
		now:      time.Now,
	}
}

// Enabled reports whether requests are limited at all
func (l *Limiter) Enabled() bool {
	return l != nil && l.rps > 0
}

// GetLimiter returns the bucket for key, creating it on first use
func (l *Limiter) GetLimiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.limiters[key]
	if !ok {
		c = &client{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.limiters[key] = c
	}
	c.lastSeen = l.now()
	return c.limiter
}

// Allow reports whether a request for key may proceed now
func (l *Limiter) Allow(key string) bool {
	if !l.Enabled() {
		return true
	}
	return l.GetLimiter(key).Allow()
}

// Len returns the number of tracked keys
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// CleanupOldLimiters forgets keys idle for longer than maxAge and returns
// how many were removed.
func (l *Limiter) CleanupOldLimiters(maxAge time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-maxAge)
	removed := 0
	for key, c := range l.limiters {
		if c.lastSeen.Before(cutoff) {
			delete(l.limiters, key)
			removed++
		}
	}
	return removed
}

// Middleware rejects requests over the limit with 429 Too Many Requests
func (l *Limiter) Middleware(keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !l.Enabled() {
			return next
		}
		// seconds until the next token
		retryAfter := strconv.Itoa(int(math.Ceil(1 / float64(l.rps))))
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow(keyFunc(r)) {
				w.Header().Set("Retry-After", retryAfter)
				http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientKeyFunc keys on the API key when one is presented and on the remote
// host otherwise. Unix socket peers share a single key.
func ClientKeyFunc(r *http.Request) string {
	if key := APIKeyFunc(r); key != "" {
		return key
	}
	return IPKeyFunc(r)
}

// IPKeyFunc extracts the client address, honouring X-Forwarded-For
func IPKeyFunc(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	if r.RemoteAddr == "" || r.RemoteAddr == "@" {
		return "unix"
	}
	return r.RemoteAddr
}

// APIKeyFunc extracts the Authorization header
func APIKeyFunc(r *http.Request) string {
	return r.Header.Get("Authorization")
}
