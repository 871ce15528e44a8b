package handler

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimitConfig tunes the per-client limiter. Appends and archive requests
// draw from a separate, smaller write bucket than history and verify reads.
type RateLimitConfig struct {
	RPS      int // reads per second per client; <= 0 disables limiting
	WriteRPS int // POSTs per second per client; defaults to RPS
	IdleTTL  time.Duration
	Exempt   []string // exact request paths never limited
}

func (c RateLimitConfig) withDefaults() RateLimitConfig {
	if c.WriteRPS <= 0 {
		c.WriteRPS = c.RPS
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = 10 * time.Minute
	}
	return c
}

type bucketKey struct {
	client string
	write  bool
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type limiterSet struct {
	cfg RateLimitConfig

	mu      sync.Mutex
	buckets map[bucketKey]*clientBucket
}

func (s *limiterSet) allow(key bucketKey, now time.Time) bool {
	s.mu.Lock()
	b, ok := s.buckets[key]
	if !ok {
		rps := s.cfg.RPS
		if key.write {
			rps = s.cfg.WriteRPS
		}
		b = &clientBucket{limiter: rate.NewLimiter(rate.Limit(rps), rps*2)}
		s.buckets[key] = b
	}
	b.lastSeen = now
	s.mu.Unlock()
	return b.limiter.AllowN(now, 1)
}

func (s *limiterSet) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, b := range s.buckets {
		if now.Sub(b.lastSeen) > s.cfg.IdleTTL {
			delete(s.buckets, k)
		}
	}
}

// RateLimiter returns a Gin middleware enforcing per-IP token buckets with a
// burst of twice the rate. Rejections are counted in
// traceledger_rate_limited_total. Idle clients are swept until ctx is done.
func RateLimiter(ctx context.Context, cfg RateLimitConfig) gin.HandlerFunc {
	if cfg.RPS <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	cfg = cfg.withDefaults()
	exempt := make(map[string]struct{}, len(cfg.Exempt))
	for _, p := range cfg.Exempt {
		exempt[p] = struct{}{}
	}
	set := &limiterSet{cfg: cfg, buckets: make(map[bucketKey]*clientBucket)}

	go func() {
		ticker := time.NewTicker(cfg.IdleTTL / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				set.sweep(now)
			}
		}
	}()

	return func(c *gin.Context) {
		if _, ok := exempt[c.Request.URL.Path]; ok {
			c.Next()
			return
		}
		write := c.Request.Method == http.MethodPost
		if set.allow(bucketKey{client: c.ClientIP(), write: write}, time.Now()) {
			c.Next()
			return
		}

		rps, class := cfg.RPS, "read"
		if write {
			rps, class = cfg.WriteRPS, "write"
		}
		rateLimitedTotal.WithLabelValues(class).Inc()
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(1/float64(rps)))))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": "rate limit exceeded",
		})
	}
}
