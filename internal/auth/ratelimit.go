// ratelimit.go -- Per-IP token bucket for unauthenticated credential endpoints.
package auth

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig sets the per-IP bucket.
type RateLimitConfig struct {
	PerMinute       int
	Burst           int
	CleanupInterval time.Duration // idle entries are dropped after twice this
}

type ipLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// IPRateLimiter hands out one token bucket per client IP.
type IPRateLimiter struct {
	limit      rate.Limit
	burst      int
	retryAfter int // seconds until one token refills
	cleanup    time.Duration
	rec        Recorder

	mu       sync.Mutex
	limiters map[string]*ipLimiter
	now      func() time.Time
}

// NewIPRateLimiter returns a limiter. rec may be nil.
func NewIPRateLimiter(cfg RateLimitConfig, rec Recorder) *IPRateLimiter {
	if cfg.PerMinute <= 0 {
		cfg.PerMinute = 30
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	return &IPRateLimiter{
		limit:      rate.Limit(float64(cfg.PerMinute) / 60.0),
		burst:      cfg.Burst,
		retryAfter: (60 + cfg.PerMinute - 1) / cfg.PerMinute,
		cleanup:    cfg.CleanupInterval,
		rec:        rec,
		limiters:   make(map[string]*ipLimiter),
		now:        time.Now,
	}
}

// Middleware returns 429 once the caller's IP has used up its bucket.
// route labels the rejection metric.
func (l *IPRateLimiter) Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.get(clientIP(r)).Allow() {
				logWarn(r, "rate limit exceeded", "route", route)
				l.rec.RecordRateLimited(route)
				w.Header().Set("Retry-After", strconv.Itoa(l.retryAfter))
				TooManyRequests(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (l *IPRateLimiter) get(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.limiters[ip]
	if !ok {
		e = &ipLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[ip] = e
	}
	e.lastAccess = l.now()
	return e.limiter
}

// Size returns the number of tracked IPs.
func (l *IPRateLimiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// Sweep drops limiters idle for more than twice the cleanup interval.
func (l *IPRateLimiter) Sweep() {
	cutoff := l.now().Add(-2 * l.cleanup)
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, e := range l.limiters {
		if e.lastAccess.Before(cutoff) {
			delete(l.limiters, ip)
		}
	}
}

// clientIP strips the port from RemoteAddr. chi's RealIP middleware has
// already replaced RemoteAddr with the forwarded address where present.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
