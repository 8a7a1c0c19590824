package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCalculateBackoff(t *testing.T) {
	cfg := Config{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second}

	for attempt, base := range []time.Duration{100, 200, 400, 800, 1000, 1000} {
		base *= time.Millisecond
		d := CalculateBackoff(attempt, cfg)
		assert.GreaterOrEqual(t, d, base, "attempt %d", attempt)
		assert.LessOrEqual(t, d, base+base/4, "attempt %d", attempt)
	}
}

func TestCalculateRateLimitBackoff_RetryAfter(t *testing.T) {
	cfg := Config{InitialBackoff: 100 * time.Millisecond, MaxBackoff: 10 * time.Second}

	d := CalculateRateLimitBackoff(0, cfg, "3")
	assert.GreaterOrEqual(t, d, 3*time.Second)
	assert.Less(t, d, 4*time.Second)

	capped := CalculateRateLimitBackoff(0, cfg, "600")
	assert.Less(t, capped, 11*time.Second)

	fallback := CalculateRateLimitBackoff(1, cfg, "soon")
	assert.GreaterOrEqual(t, fallback, 300*time.Millisecond)
}

func TestIsRetryableStatus(t *testing.T) {
	for status, want := range map[int]bool{200: false, 400: false, 404: false, 408: true, 429: true, 500: true, 503: true} {
		assert.Equal(t, want, IsRetryableStatus(status), "status %d", status)
	}
}

func TestRetryError(t *testing.T) {
	cause := errors.New("connection refused")
	err := &RetryError{Operation: "submit result", Attempts: 3, LastStatus: 503, LastError: cause}
	assert.Equal(t, "submit result failed after 3 attempts (HTTP 503): connection refused", err.Error())
	assert.ErrorIs(t, err, cause)
}

func TestSleep_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
}

func TestRateLimiter_Throttle(t *testing.T) {
	r := NewRateLimiter(Config{RequestsPerSecond: 1000})
	assert.NoError(t, r.Throttle(context.Background()))
	assert.Equal(t, float64(1000), r.Config().RequestsPerSecond)
}
