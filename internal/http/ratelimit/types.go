package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Config holds outbound rate limiting and retry configuration
type Config struct {
	RequestsPerSecond float64       `json:"requestsPerSecond"`
	MaxRetries        int           `json:"maxRetries"`
	InitialBackoff    time.Duration `json:"initialBackoff"`
	MaxBackoff        time.Duration `json:"maxBackoff"`
}

// DefaultConfig returns the default rate limit configuration
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 50,
		MaxRetries:        3,
		InitialBackoff:    200 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
	}
}

// WithOverrides returns the default config with non-zero fields replaced
func WithOverrides(overrides Config) Config {
	cfg := DefaultConfig()
	if overrides.RequestsPerSecond > 0 {
		cfg.RequestsPerSecond = overrides.RequestsPerSecond
	}
	if overrides.MaxRetries > 0 {
		cfg.MaxRetries = overrides.MaxRetries
	}
	if overrides.InitialBackoff > 0 {
		cfg.InitialBackoff = overrides.InitialBackoff
	}
	if overrides.MaxBackoff > 0 {
		cfg.MaxBackoff = overrides.MaxBackoff
	}
	return cfg
}

// RateLimiter throttles outbound requests with a token bucket
type RateLimiter struct {
	config  Config
	limiter *rate.Limiter
}

// NewRateLimiter creates a new rate limiter with the given config
func NewRateLimiter(config Config) *RateLimiter {
	limit := rate.Inf
	burst := 1
	if config.RequestsPerSecond > 0 {
		limit = rate.Limit(config.RequestsPerSecond)
		burst = int(config.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &RateLimiter{config: config, limiter: rate.NewLimiter(limit, burst)}
}

// Config returns the current configuration
func (r *RateLimiter) Config() Config {
	return r.config
}

// Throttle waits until a request may be sent or ctx is done
func (r *RateLimiter) Throttle(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// Sleep waits for d or until ctx is done
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
