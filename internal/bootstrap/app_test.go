package bootstrap

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerswarm/lease-coordinator/config"
	"github.com/peerswarm/lease-coordinator/internal/middleware"
	"github.com/peerswarm/lease-coordinator/internal/store"
	"github.com/peerswarm/lease-coordinator/internal/types"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Server: config.ServerConfig{
			Host:            "127.0.0.1",
			Port:            0,
			ReadTimeout:     time.Second,
			WriteTimeout:    time.Second,
			ShutdownTimeout: time.Second,
		},
		Database: config.DatabaseConfig{Backend: "memory"},
		Logging:  config.LoggingConfig{Level: "debug", Format: "json"},
		Lease: config.LeaseConfig{
			TokenSecret:    "bootstrap-test-secret",
			GracePeriod:    2 * time.Second,
			DurationLow:    5 * time.Minute,
			DurationMedium: 10 * time.Minute,
			DurationHigh:   15 * time.Minute,
		},
		Requeue:    config.RequeueConfig{BaseBackoff: 30 * time.Second, MaxBackoff: time.Hour, DefaultMaxRetries: 3},
		Expiration: config.ExpirationConfig{ScanInterval: time.Second, BatchSize: 100, UpcomingWindow: time.Minute},
		Crash:      config.CrashConfig{Threshold: time.Minute, CheckInterval: time.Second},
		Heartbeat:  config.HeartbeatConfig{Backend: "memory"},
		Partition:  config.PartitionConfig{ProbeInterval: time.Second, ProbeTimeout: time.Second},
		Buffer: config.BufferConfig{
			Path:             filepath.Join(t.TempDir(), "buffer.db"),
			Capacity:         100,
			MaxRetryAttempts: 3,
			FlushInterval:    time.Second,
		},
		Events:    config.EventsConfig{Backend: "none"},
		Security:  config.SecurityConfig{InternalAPIKey: "bootstrap-key", MaxClockSkew: 30 * time.Second},
		RateLimit: config.RateLimitConfig{RequestsPerSecond: 100, Burst: 200},
		Audit:     config.AuditConfig{RetentionDays: 30, CleanupInterval: time.Hour, BatchSize: 100},
	}
}

func newApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	gin.SetMode(gin.TestMode)
	app, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })
	return app
}

func TestNew_MemoryBackend(t *testing.T) {
	app := newApp(t, testConfig(t))

	_, isMemory := app.Store.(*store.MemoryStore)
	assert.True(t, isMemory)
	assert.NotNil(t, app.Leases)
	assert.NotNil(t, app.Recovery)

	w := httptest.NewRecorder()
	app.Router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	req.Header.Set(middleware.APIKeyHeader, "bootstrap-key")
	w = httptest.NewRecorder()
	app.Router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestNew_RedisHeartbeats(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Heartbeat = config.HeartbeatConfig{Backend: "redis", RedisAddr: mr.Addr(), KeyPrefix: "test:hb"}

	app := newApp(t, cfg)
	_, err := app.Store.UpsertNode(context.Background(), types.NodeCapability{PeerID: "p1", IsAvailable: true})
	require.NoError(t, err)
	require.NoError(t, app.Crash.Heartbeat(context.Background(), "p1", nil))
	assert.NotEmpty(t, mr.Keys())
}

func TestNew_Errors(t *testing.T) {
	t.Run("missing token secret", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Lease.TokenSecret = ""
		_, err := New(context.Background(), cfg, nil)
		assert.ErrorContains(t, err, "lease token signer")
	})

	t.Run("postgres without url", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Database = config.DatabaseConfig{Backend: "postgres"}
		_, err := New(context.Background(), cfg, nil)
		assert.ErrorContains(t, err, "database.url is required")
	})

	t.Run("unknown database backend", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Database = config.DatabaseConfig{Backend: "sqlite"}
		_, err := New(context.Background(), cfg, nil)
		assert.ErrorContains(t, err, "unknown database backend")
	})

	t.Run("unreachable redis", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Heartbeat = config.HeartbeatConfig{Backend: "redis", RedisAddr: "127.0.0.1:1"}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := New(ctx, cfg, nil)
		assert.ErrorContains(t, err, "connect to redis")
	})

	t.Run("bad peer key", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Security.PeerKeys = map[string]string{"p1": "not-a-key"}
		_, err := New(context.Background(), cfg, nil)
		assert.ErrorContains(t, err, "peer keys")
	})
}

func TestRecoverOnStartup(t *testing.T) {
	app := newApp(t, testConfig(t))
	ctx := context.Background()

	task, _, err := app.Tasks.CreateWithDedup(ctx, types.NewTask{IdempotencyKey: "wf/1"})
	require.NoError(t, err)
	_, err = app.Store.UpsertNode(ctx, types.NodeCapability{PeerID: "p1", IsAvailable: true, MaxConcurrentTasks: 1})
	require.NoError(t, err)
	l, err := app.Leases.Issue(ctx, task.ID, "p1", nil)
	require.NoError(t, err)

	// a previous process expired the lease and stopped before requeueing
	_, err = app.Store.ExpireLease(ctx, l.ID, time.Now())
	require.NoError(t, err)

	require.NoError(t, app.RecoverOnStartup(ctx))

	got, err := app.Store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskQueued, got.Status)
}

func TestRun_StopsOnCancel(t *testing.T) {
	app := newApp(t, testConfig(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestClose_Idempotent(t *testing.T) {
	app, err := New(context.Background(), testConfig(t), nil)
	require.NoError(t, err)
	assert.NoError(t, app.Close())
	assert.NoError(t, app.Close())
}
