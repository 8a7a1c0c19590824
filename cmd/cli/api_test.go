package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerswarm/lease-coordinator/internal/middleware"
)

func TestAdminClient_Call(t *testing.T) {
	var gotKey, gotBody, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get(middleware.APIKeyHeader)
		gotPath = r.URL.Path
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"taskId":"t1"}`))
	}))
	defer srv.Close()

	c := newAdminClient(srv.URL+"/", "secret")
	body, err := c.call(context.Background(), http.MethodPost, "/v1/tasks", map[string]string{"idempotencyKey": "k"})
	require.NoError(t, err)

	assert.Equal(t, "secret", gotKey)
	assert.Equal(t, "/v1/tasks", gotPath)
	assert.JSONEq(t, `{"idempotencyKey":"k"}`, gotBody)
	assert.JSONEq(t, `{"taskId":"t1"}`, string(body))
}

func TestAdminClient_PostIsNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newAdminClient(srv.URL, "k").call(context.Background(), http.MethodPost, "/v1/admin/buffer/flush", nil)
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestPrintJSON(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printJSON(&out, []byte(`{"a":1}`)))
	assert.Equal(t, "{\n  \"a\": 1\n}\n", out.String())

	out.Reset()
	require.NoError(t, printJSON(&out, []byte("not json")))
	assert.Equal(t, "not json", out.String())
}
