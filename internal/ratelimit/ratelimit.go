// Package ratelimit throttles API clients with per-IP token buckets.
// Requests that trigger an analysis cost more tokens than plain reads.
package ratelimit

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the refill rate in tokens per minute.
	RequestsPerMinute int
	// BurstSize is the bucket capacity.
	BurstSize int
	// IdleTTL is how long an untouched bucket is kept.
	IdleTTL time.Duration
}

// DefaultConfig returns the limits used when RATE_LIMIT_RPM is unset.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 120,
		BurstSize:         20,
		IdleTTL:           5 * time.Minute,
	}
}

// Cost reports how many tokens a request consumes.
type Cost func(c *gin.Context) int

// AnalysisCost charges analysisTokens for requests that run the engine
// (POST/PUT/PATCH/DELETE and results reads) and one token otherwise.
func AnalysisCost(analysisTokens int) Cost {
	return func(c *gin.Context) int {
		if c.Request.Method != http.MethodGet || c.FullPath() == "/v1/workspaces/:id/results" {
			return analysisTokens
		}
		return 1
	}
}

// Limiter tracks token buckets by key
type Limiter struct {
	cfg     Config
	now     func() time.Time
	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	tokens float64
	seen   time.Time
}

// New creates a new rate limiter
func New(cfg Config) *Limiter {
	if cfg.BurstSize < 1 {
		cfg.BurstSize = 1
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultConfig().IdleTTL
	}
	return &Limiter{cfg: cfg, now: time.Now, buckets: make(map[string]*bucket)}
}

// Run evicts idle buckets until ctx is done.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.IdleTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.evict()
		}
	}
}

func (l *Limiter) evict() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.cfg.IdleTTL)
	for key, b := range l.buckets {
		if b.seen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

// AllowN takes n tokens from key's bucket. When the bucket is short it
// returns false and how long until n tokens are available.
func (l *Limiter) AllowN(key string, n int) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	capacity := float64(l.cfg.BurstSize)
	need := math.Min(float64(n), capacity)
	rate := float64(l.cfg.RequestsPerMinute) / 60.0

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: capacity, seen: now}
		l.buckets[key] = b
	} else {
		b.tokens = math.Min(capacity, b.tokens+now.Sub(b.seen).Seconds()*rate)
		b.seen = now
	}

	if b.tokens >= need {
		b.tokens -= need
		return true, 0
	}
	if rate <= 0 {
		return false, time.Minute
	}
	wait := time.Duration((need - b.tokens) / rate * float64(time.Second))
	return false, wait
}

// Allow takes a single token.
func (l *Limiter) Allow(key string) bool {
	ok, _ := l.AllowN(key, 1)
	return ok
}

// Middleware rate limits by client IP. A nil cost charges one token.
func (l *Limiter) Middleware(cost Cost) gin.HandlerFunc {
	return func(c *gin.Context) {
		n := 1
		if cost != nil {
			n = cost(c)
		}
		ok, wait := l.AllowN(c.ClientIP(), n)
		if !ok {
			retry := max(1, int(math.Ceil(wait.Seconds())))
			c.Header("Retry-After", strconv.Itoa(retry))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": retry,
			})
			return
		}
		c.Next()
	}
}
