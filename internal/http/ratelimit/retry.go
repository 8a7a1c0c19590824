package ratelimit

import (
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"
)

// RetryError represents an error when all retry attempts are exhausted
type RetryError struct {
	Operation  string
	Attempts   int
	LastStatus int
	LastError  error
}

func (e *RetryError) Error() string {
	msg := e.Operation + " failed after " + strconv.Itoa(e.Attempts) + " attempts"
	if e.LastStatus != 0 {
		msg += " (HTTP " + strconv.Itoa(e.LastStatus) + ")"
	}
	if e.LastError != nil {
		msg += ": " + e.LastError.Error()
	}
	return msg
}

func (e *RetryError) Unwrap() error { return e.LastError }

// IsRetryableStatus checks if an HTTP status code is retryable
// Retryable: 408, 429, 5xx
func IsRetryableStatus(status int) bool {
	return status == http.StatusRequestTimeout || status == http.StatusTooManyRequests ||
		(status >= 500 && status < 600)
}

// CalculateBackoff calculates exponential backoff with 0-25% jitter
func CalculateBackoff(attempt int, config Config) time.Duration {
	exponentialDelay := float64(config.InitialBackoff) * math.Pow(2.0, float64(attempt))
	cappedDelay := math.Min(exponentialDelay, float64(config.MaxBackoff))

	// jitter spreads concurrent retries apart
	jitter := rand.Float64() * 0.25 * cappedDelay

	return time.Duration(cappedDelay + jitter)
}

// CalculateRateLimitBackoff calculates backoff for HTTP 429 responses,
// honouring a Retry-After header in seconds when present
func CalculateRateLimitBackoff(attempt int, config Config, retryAfter string) time.Duration {
	if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
		d := time.Duration(seconds) * time.Second
		if d > config.MaxBackoff {
			d = config.MaxBackoff
		}
		return d + time.Duration(rand.Int64N(int64(time.Second)))
	}

	exponentialDelay := float64(config.InitialBackoff) * math.Pow(3.0, float64(attempt))
	cappedDelay := math.Min(exponentialDelay, float64(config.MaxBackoff))
	jitter := rand.Float64() * 0.25 * cappedDelay

	return time.Duration(cappedDelay + jitter)
}
