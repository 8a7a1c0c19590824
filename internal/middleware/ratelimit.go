package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimiterConfig holds configuration for rate limiting
type RateLimiterConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// IdleTTL drops limiters of keys not seen for this long
	IdleTTL time.Duration
}

// DefaultRateLimiterConfig returns default rate limiting settings
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerSecond: 200,
		BurstSize:         400,
		IdleTTL:           10 * time.Minute,
	}
}

type keyedLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// KeyedRateLimiter tracks one token bucket per key, usually a peer id or
// client IP
type KeyedRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*keyedLimiter
	config   RateLimiterConfig
	now      func() time.Time
}

// NewKeyedRateLimiter creates a keyed limiter
func NewKeyedRateLimiter(config RateLimiterConfig) *KeyedRateLimiter {
	def := DefaultRateLimiterConfig()
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = def.RequestsPerSecond
	}
	if config.BurstSize <= 0 {
		config.BurstSize = def.BurstSize
	}
	if config.IdleTTL <= 0 {
		config.IdleTTL = def.IdleTTL
	}
	return &KeyedRateLimiter{
		limiters: make(map[string]*keyedLimiter),
		config:   config,
		now:      time.Now,
	}
}

// Allow reports whether a request for key may proceed now
func (rl *KeyedRateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	now := rl.now()
	entry, ok := rl.limiters[key]
	if !ok {
		entry = &keyedLimiter{limiter: rate.NewLimiter(rate.Limit(rl.config.RequestsPerSecond), rl.config.BurstSize)}
		rl.limiters[key] = entry
	}
	entry.lastSeen = now
	rl.mu.Unlock()
	return entry.limiter.AllowN(now, 1)
}

// Prune removes limiters idle longer than IdleTTL and returns how many
// remain
func (rl *KeyedRateLimiter) Prune() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-rl.config.IdleTTL)
	for key, entry := range rl.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(rl.limiters, key)
		}
	}
	return len(rl.limiters)
}

// RateLimitMiddleware limits requests per authenticated peer, falling back
// to the client IP. Idle limiters are pruned on the request path once per
// IdleTTL.
func RateLimitMiddleware(config RateLimiterConfig) gin.HandlerFunc {
	limiter := NewKeyedRateLimiter(config)
	var (
		mu        sync.Mutex
		lastPrune = time.Now()
	)

	return func(c *gin.Context) {
		key := c.GetString(PeerIDKey)
		if key == "" {
			key = c.ClientIP()
		}

		mu.Lock()
		if time.Since(lastPrune) > limiter.config.IdleTTL {
			lastPrune = time.Now()
			mu.Unlock()
			limiter.Prune()
		} else {
			mu.Unlock()
		}

		if !limiter.Allow(key) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
				"code":  "RATE_LIMITED",
			})
			return
		}
		c.Next()
	}
}

// ServiceRateLimitMiddleware applies one shared limit to every caller of a
// route group
func ServiceRateLimitMiddleware(requestsPerSecond float64, burstSize int) gin.HandlerFunc {
	limiter := rate.NewLimiter(rate.Limit(requestsPerSecond), burstSize)

	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "service rate limit exceeded",
				"code":  "RATE_LIMITED",
			})
			return
		}
		c.Next()
	}
}
