package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	swarmhttp "github.com/peerswarm/lease-coordinator/internal/http"
	"github.com/peerswarm/lease-coordinator/internal/http/ratelimit"
	"github.com/peerswarm/lease-coordinator/internal/middleware"
)

// adminClient calls the coordinator's internal API
type adminClient struct {
	base string
	key  string
	http *swarmhttp.Client
}

func newAdminClient(base, key string) *adminClient {
	return &adminClient{
		base: strings.TrimRight(base, "/"),
		key:  key,
		http: swarmhttp.NewClient(ratelimit.Config{
			RequestsPerSecond: 10,
			MaxRetries:        2,
			InitialBackoff:    200 * time.Millisecond,
			MaxBackoff:        2 * time.Second,
		}, 30*time.Second),
	}
}

// call sends body as JSON and returns the raw response body. Non-idempotent
// calls are sent once.
func (c *adminClient) call(ctx context.Context, method, path string, body any) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
	}

	req := swarmhttp.Request{
		Operation: method + " " + path,
		Method:    method,
		URL:       c.base + path,
		Body:      payload,
		Header:    http.Header{middleware.APIKeyHeader: []string{c.key}},
	}
	var (
		resp *swarmhttp.Response
		err  error
	)
	if method == http.MethodGet {
		resp, err = c.http.Do(ctx, req)
	} else {
		resp, err = c.http.Once(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// printJSON re-indents a JSON document onto w
func printJSON(w io.Writer, raw []byte) error {
	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		_, werr := w.Write(raw)
		return werr
	}
	out.WriteByte('\n')
	_, err := out.WriteTo(w)
	return err
}
