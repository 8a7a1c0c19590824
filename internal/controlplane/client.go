// Package controlplane talks to the durable workflow engine over HTTP.
package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	swarmhttp "github.com/peerswarm/lease-coordinator/internal/http"
	"github.com/peerswarm/lease-coordinator/internal/http/ratelimit"
	"github.com/peerswarm/lease-coordinator/internal/metrics"
	"github.com/peerswarm/lease-coordinator/internal/types"
)

// IdempotencyHeader carries the result idempotency key
const IdempotencyHeader = "Idempotency-Key"

// WorkflowStatus is the control plane's view of a workflow
type WorkflowStatus struct {
	WorkflowID string          `json:"workflowId"`
	Status     string          `json:"status"`
	UpdatedAt  *time.Time      `json:"updatedAt,omitempty"`
	Details    json.RawMessage `json:"details,omitempty"`
}

// ResultRequest is the body of POST /results
type ResultRequest struct {
	TaskID         string          `json:"taskId"`
	WorkflowID     string          `json:"workflowId,omitempty"`
	PeerID         string          `json:"peerId"`
	Status         string          `json:"status"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	ErrorMessage   string          `json:"errorMessage,omitempty"`
	CompletedAt    time.Time       `json:"completedAt"`
	IdempotencyKey string          `json:"-"`
}

// RequestFromSubmission builds the control plane request for an accepted submission
func RequestFromSubmission(sub types.ResultSubmission, workflowID string) ResultRequest {
	return ResultRequest{
		TaskID:         sub.TaskID,
		WorkflowID:     workflowID,
		PeerID:         sub.PeerID,
		Status:         string(sub.Status),
		Payload:        sub.Payload,
		ErrorMessage:   sub.ErrorMessage,
		CompletedAt:    sub.SubmittedAt,
		IdempotencyKey: sub.IdempotencyKey,
	}
}

// Client is the narrow control plane interface
type Client interface {
	GetWorkflowStatus(ctx context.Context, workflowID string) (*WorkflowStatus, error)
	SubmitResult(ctx context.Context, req ResultRequest) error
	Health(ctx context.Context) error
}

// Config configures the HTTP client
type Config struct {
	BaseURL string
	Timeout time.Duration
	Retry   ratelimit.Config
}

// IsTransient reports whether err means the control plane could not be
// reached and the call is worth repeating later
func IsTransient(err error) bool {
	return errors.Is(err, types.ErrControlPlaneUnavailable)
}

// HTTPClient implements Client against the control plane REST API
type HTTPClient struct {
	baseURL string
	http    *swarmhttp.Client
	metrics *metrics.Recorder
	logger  *zerolog.Logger
}

// New returns an HTTP client, or Noop when no base URL is configured
func New(cfg Config, rec *metrics.Recorder, logger *zerolog.Logger) Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return Noop{}
	}
	return NewHTTPClient(cfg, rec, logger)
}

// NewHTTPClient creates a client for cfg.BaseURL
func NewHTTPClient(cfg Config, rec *metrics.Recorder, logger *zerolog.Logger) *HTTPClient {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "controlplane").Logger()
	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    swarmhttp.NewClient(ratelimit.WithOverrides(cfg.Retry), cfg.Timeout),
		metrics: rec,
		logger:  &l,
	}
}

// GetWorkflowStatus fetches GET /workflows/{id}/status
func (c *HTTPClient) GetWorkflowStatus(ctx context.Context, workflowID string) (*WorkflowStatus, error) {
	start := time.Now()
	resp, err := c.http.Do(ctx, swarmhttp.Request{
		Operation: "get workflow status",
		Method:    http.MethodGet,
		URL:       c.baseURL + "/workflows/" + url.PathEscape(workflowID) + "/status",
	})
	c.metrics.ControlPlaneRequest("workflow_status", time.Since(start), err == nil)
	if err != nil {
		return nil, classify(err)
	}

	var status WorkflowStatus
	if err := json.Unmarshal(resp.Body, &status); err != nil {
		return nil, fmt.Errorf("failed to decode workflow status: %w", err)
	}
	if status.WorkflowID == "" {
		status.WorkflowID = workflowID
	}
	return &status, nil
}

// SubmitResult posts POST /results with the Idempotency-Key header. A 409
// means the key was already recorded and counts as delivered.
func (c *HTTPClient) SubmitResult(ctx context.Context, req ResultRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}

	header := http.Header{}
	if req.IdempotencyKey != "" {
		header.Set(IdempotencyHeader, req.IdempotencyKey)
	}

	start := time.Now()
	_, err = c.http.Do(ctx, swarmhttp.Request{
		Operation: "submit result",
		Method:    http.MethodPost,
		URL:       c.baseURL + "/results",
		Body:      body,
		Header:    header,
	})
	c.metrics.ControlPlaneRequest("submit_result", time.Since(start), err == nil)

	var re *ratelimit.RetryError
	if errors.As(err, &re) && re.LastStatus == http.StatusConflict {
		c.logger.Debug().Str("task_id", req.TaskID).Msg("Result already recorded by control plane")
		return nil
	}
	if err != nil {
		return classify(err)
	}
	return nil
}

// Health probes GET /health once, without retries
func (c *HTTPClient) Health(ctx context.Context) error {
	start := time.Now()
	_, err := c.http.Once(ctx, swarmhttp.Request{
		Operation: "health",
		Method:    http.MethodGet,
		URL:       c.baseURL + "/health",
	})
	c.metrics.ControlPlaneRequest("health", time.Since(start), err == nil)
	if err != nil {
		return classify(err)
	}
	return nil
}

// classify wraps transport failures and retryable statuses in
// ErrControlPlaneUnavailable
func classify(err error) error {
	if swarmhttp.IsTransient(err) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", types.ErrControlPlaneUnavailable, err)
	}
	return err
}

// Noop is used when no control plane is configured. It is always healthy and
// accepts every result.
type Noop struct{}

func (Noop) GetWorkflowStatus(_ context.Context, workflowID string) (*WorkflowStatus, error) {
	return &WorkflowStatus{WorkflowID: workflowID, Status: "unknown"}, nil
}

func (Noop) SubmitResult(context.Context, ResultRequest) error { return nil }

func (Noop) Health(context.Context) error { return nil }
