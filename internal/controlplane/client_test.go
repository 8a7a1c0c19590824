package controlplane

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerswarm/lease-coordinator/internal/http/ratelimit"
	"github.com/peerswarm/lease-coordinator/internal/types"
)

func testConfig(url string) Config {
	return Config{
		BaseURL: url,
		Timeout: time.Second,
		Retry:   ratelimit.Config{MaxRetries: 1, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, RequestsPerSecond: 1000},
	}
}

func TestSubmitResult_SendsIdempotencyKey(t *testing.T) {
	var got ResultRequest
	var key string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/results", r.URL.Path)
		key = r.Header.Get(IdempotencyHeader)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewHTTPClient(testConfig(srv.URL), nil, nil)
	sub := types.ResultSubmission{
		TaskID: "t1", PeerID: "p1", IdempotencyKey: "abc",
		Status: types.ResultCompleted, Payload: json.RawMessage(`{"ok":true}`),
		SubmittedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, c.SubmitResult(context.Background(), RequestFromSubmission(sub, "wf-1")))

	assert.Equal(t, "abc", key)
	assert.Equal(t, "t1", got.TaskID)
	assert.Equal(t, "wf-1", got.WorkflowID)
	assert.Equal(t, "COMPLETED", got.Status)
	assert.JSONEq(t, `{"ok":true}`, string(got.Payload))
}

func TestSubmitResult_ConflictCountsAsDelivered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	c := NewHTTPClient(testConfig(srv.URL), nil, nil)
	assert.NoError(t, c.SubmitResult(context.Background(), ResultRequest{TaskID: "t1", IdempotencyKey: "k"}))
}

func TestSubmitResult_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		transient bool
	}{
		{"server error", http.StatusBadGateway, true},
		{"throttled", http.StatusTooManyRequests, true},
		{"bad request", http.StatusBadRequest, false},
		{"unprocessable", http.StatusUnprocessableEntity, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			err := NewHTTPClient(testConfig(srv.URL), nil, nil).SubmitResult(context.Background(), ResultRequest{TaskID: "t1"})
			require.Error(t, err)
			assert.Equal(t, tt.transient, IsTransient(err))
		})
	}
}

func TestHealth_SingleAttempt(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := NewHTTPClient(testConfig(srv.URL), nil, nil).Health(context.Background())
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestHealth_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	err := NewHTTPClient(testConfig(url), nil, nil).Health(context.Background())
	assert.True(t, IsTransient(err))
}

func TestGetWorkflowStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/workflows/wf%201/status", r.URL.EscapedPath())
		w.Write([]byte(`{"status":"RUNNING"}`))
	}))
	defer srv.Close()

	status, err := NewHTTPClient(testConfig(srv.URL), nil, nil).GetWorkflowStatus(context.Background(), "wf 1")
	require.NoError(t, err)
	assert.Equal(t, "RUNNING", status.Status)
	assert.Equal(t, "wf 1", status.WorkflowID)
}

func TestNew_NoURLIsNoop(t *testing.T) {
	c := New(Config{}, nil, nil)
	_, ok := c.(Noop)
	require.True(t, ok)
	assert.NoError(t, c.Health(context.Background()))
	assert.NoError(t, c.SubmitResult(context.Background(), ResultRequest{}))
}
