package http

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/peerswarm/lease-coordinator/internal/http/ratelimit"
)

const userAgent = "swarm-lease-coordinator/1.0"

// Request describes an outbound call. Body is resent on every attempt.
type Request struct {
	Operation string
	Method    string
	URL       string
	Body      []byte
	Header    http.Header
}

// Response is a fully read successful response
type Response struct {
	StatusCode int
	Body       []byte
	Attempts   int
}

// Client is an HTTP client with rate limiting and retry logic
type Client struct {
	httpClient  *http.Client
	rateLimiter *ratelimit.RateLimiter
	config      ratelimit.Config
}

// NewClient creates a new HTTP client with rate limiting
func NewClient(config ratelimit.Config, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient:  &http.Client{Timeout: timeout},
		rateLimiter: ratelimit.NewRateLimiter(config),
		config:      config,
	}
}

// Do performs a request with rate limiting and retries on transport errors
// and retryable statuses. Failures are returned as *ratelimit.RetryError.
func (c *Client) Do(ctx context.Context, r Request) (*Response, error) {
	return c.do(ctx, r, c.config.MaxRetries)
}

// Once performs a single attempt without retries
func (c *Client) Once(ctx context.Context, r Request) (*Response, error) {
	return c.do(ctx, r, 0)
}

func (c *Client) do(ctx context.Context, r Request, maxRetries int) (*Response, error) {
	var lastStatus int
	var lastErr error

	fail := func(attempt int) error {
		return &ratelimit.RetryError{
			Operation:  r.Operation,
			Attempts:   attempt + 1,
			LastStatus: lastStatus,
			LastError:  lastErr,
		}
	}

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := c.rateLimiter.Throttle(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter error: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, bytes.NewReader(r.Body))
		if err != nil {
			return nil, fmt.Errorf("failed to build request: %w", err)
		}
		for k, vs := range r.Header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		req.Header.Set("User-Agent", userAgent)
		if len(r.Body) > 0 && req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastStatus = 0
			lastErr = err
			if ctx.Err() != nil || attempt == maxRetries {
				return nil, fail(attempt)
			}
			if err := ratelimit.Sleep(ctx, ratelimit.CalculateBackoff(attempt, c.config)); err != nil {
				return nil, fail(attempt)
			}
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		lastStatus = resp.StatusCode

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if readErr != nil {
				return nil, fmt.Errorf("failed to read response body: %w", readErr)
			}
			return &Response{StatusCode: resp.StatusCode, Body: body, Attempts: attempt + 1}, nil
		}

		lastErr = errors.New(http.StatusText(resp.StatusCode))
		if !ratelimit.IsRetryableStatus(resp.StatusCode) || attempt == maxRetries {
			return nil, fail(attempt)
		}

		var backoff time.Duration
		if resp.StatusCode == http.StatusTooManyRequests {
			backoff = ratelimit.CalculateRateLimitBackoff(attempt, c.config, resp.Header.Get("Retry-After"))
		} else {
			backoff = ratelimit.CalculateBackoff(attempt, c.config)
		}
		if err := ratelimit.Sleep(ctx, backoff); err != nil {
			return nil, fail(attempt)
		}
	}

	return nil, fail(maxRetries)
}

// IsTransient reports whether err from Do is worth retrying later: transport
// failures and retryable statuses are, client errors are not.
func IsTransient(err error) bool {
	var re *ratelimit.RetryError
	if !errors.As(err, &re) {
		return false
	}
	return re.LastStatus == 0 || ratelimit.IsRetryableStatus(re.LastStatus)
}

// Config returns the current rate limit config
func (c *Client) Config() ratelimit.Config {
	return c.config
}

// ComputeSha256 computes the SHA256 hash of the given data
func ComputeSha256(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
