package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"flashlive/pkg/config"
	apperrors "flashlive/pkg/errors"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimitConfig limits HTTP requests per client address. A zero
// RequestsPerSecond disables the per-client limit; a zero MaxConcurrent
// disables the in-flight cap.
type RateLimitConfig struct {
	RequestsPerSecond rate.Limit
	Burst             int
	MaxConcurrent     int
	// IdleTTL drops a client's bucket after it has been quiet this long.
	IdleTTL time.Duration
	// Exempt paths skip both limits. Long-lived upgrades and probes belong here.
	Exempt []string
}

func NewRateLimitConfig(cfg *config.Config) RateLimitConfig {
	out := RateLimitConfig{
		IdleTTL: 10 * time.Minute,
		Exempt:  []string{"/rtc", "/health", "/ready", "/metrics"},
	}
	if cfg.RateLimiting.Enabled {
		out.RequestsPerSecond = rate.Limit(cfg.RateLimiting.HTTP.RequestsPerSecond)
		out.Burst = cfg.RateLimiting.HTTP.Burst
		out.MaxConcurrent = cfg.RateLimiting.HTTP.MaxConcurrent
	}
	return out
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientBuckets hands out one token bucket per client address and sweeps
// idle ones on access.
type clientBuckets struct {
	mu        sync.Mutex
	buckets   map[string]*clientBucket
	limit     rate.Limit
	burst     int
	idleTTL   time.Duration
	nextSweep time.Time
	now       func() time.Time
}

func newClientBuckets(limit rate.Limit, burst int, idleTTL time.Duration) *clientBuckets {
	return &clientBuckets{
		buckets: make(map[string]*clientBucket),
		limit:   limit,
		burst:   burst,
		idleTTL: idleTTL,
		now:     time.Now,
	}
}

func (b *clientBuckets) allow(addr string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.sweep(now)

	bucket, ok := b.buckets[addr]
	if !ok {
		bucket = &clientBucket{limiter: rate.NewLimiter(b.limit, b.burst)}
		b.buckets[addr] = bucket
	}
	bucket.lastSeen = now
	return bucket.limiter.AllowN(now, 1)
}

func (b *clientBuckets) sweep(now time.Time) {
	if b.idleTTL <= 0 || now.Before(b.nextSweep) {
		return
	}
	for addr, bucket := range b.buckets {
		if now.Sub(bucket.lastSeen) > b.idleTTL {
			delete(b.buckets, addr)
		}
	}
	b.nextSweep = now.Add(b.idleTTL)
}

func (b *clientBuckets) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buckets)
}

// clientIP prefers the first X-Forwarded-For hop, then the peer address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// NewHTTPRateLimitMiddleware builds the limiter from the rate_limiting
// section; with rate limiting disabled every request passes.
func NewHTTPRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	return RateLimitMiddleware(NewRateLimitConfig(cfg))
}

func RateLimitMiddleware(cfg RateLimitConfig) gin.HandlerFunc {
	mw, _ := newRateLimiter(cfg)
	return mw
}

func newRateLimiter(cfg RateLimitConfig) (gin.HandlerFunc, *clientBuckets) {
	var buckets *clientBuckets
	if cfg.RequestsPerSecond > 0 {
		buckets = newClientBuckets(cfg.RequestsPerSecond, cfg.Burst, cfg.IdleTTL)
	}
	var inFlight chan struct{}
	if cfg.MaxConcurrent > 0 {
		inFlight = make(chan struct{}, cfg.MaxConcurrent)
	}
	exempt := make(map[string]bool, len(cfg.Exempt))
	for _, p := range cfg.Exempt {
		exempt[p] = true
	}

	return func(c *gin.Context) {
		if exempt[c.Request.URL.Path] || (buckets == nil && inFlight == nil) {
			c.Next()
			return
		}

		if inFlight != nil {
			select {
			case inFlight <- struct{}{}:
				defer func() { <-inFlight }()
			default:
				c.AbortWithStatusJSON(http.StatusServiceUnavailable,
					apperrors.NewServiceUnavailableError("too many concurrent requests").Response())
				return
			}
		}

		if buckets != nil && !buckets.allow(clientIP(c.Request)) {
			c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(cfg.RequestsPerSecond)))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, apperrors.NewRateLimitError().Response())
			return
		}
		c.Next()
	}, buckets
}

func retryAfterSeconds(limit rate.Limit) int {
	if limit <= 0 || limit >= 1 {
		return 1
	}
	return int(1/float64(limit) + 0.999)
}
