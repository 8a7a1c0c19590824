package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerswarm/lease-coordinator/internal/audit"
	"github.com/peerswarm/lease-coordinator/internal/buffer"
	"github.com/peerswarm/lease-coordinator/internal/capability"
	"github.com/peerswarm/lease-coordinator/internal/controlplane"
	"github.com/peerswarm/lease-coordinator/internal/crash"
	"github.com/peerswarm/lease-coordinator/internal/lease"
	"github.com/peerswarm/lease-coordinator/internal/middleware"
	"github.com/peerswarm/lease-coordinator/internal/partition"
	"github.com/peerswarm/lease-coordinator/internal/reconcile"
	"github.com/peerswarm/lease-coordinator/internal/recovery"
	"github.com/peerswarm/lease-coordinator/internal/requeue"
	"github.com/peerswarm/lease-coordinator/internal/revocation"
	"github.com/peerswarm/lease-coordinator/internal/store"
	"github.com/peerswarm/lease-coordinator/internal/sweepers"
	"github.com/peerswarm/lease-coordinator/internal/tasks"
	"github.com/peerswarm/lease-coordinator/internal/token"
	"github.com/peerswarm/lease-coordinator/internal/types"
)

const apiKey = "test-key"

type api struct {
	t      *testing.T
	st     *store.MemoryStore
	router *gin.Engine
	clock  *testClock
}

// testClock is wall time shifted by a settable offset
type testClock struct {
	mu     sync.Mutex
	offset time.Duration
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Now().UTC().Add(c.offset)
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset += d
}

func newAPI(t *testing.T) *api {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	st := store.NewMemoryStore()
	aw := audit.NewWriter(st, nil)
	signer, err := token.NewSigner("handler-test-secret", "")
	require.NoError(t, err)
	rq := requeue.New(st, requeue.DefaultPolicy(), aw, nil, nil, nil)

	buf, err := buffer.Open(ctx, buffer.Options{Path: filepath.Join(t.TempDir(), "buffer.db"), Capacity: 10, MaxRetryAttempts: 3}, aw, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = buf.Close() })

	clock := &testClock{}
	cp := controlplane.Noop{}
	part := partition.NewDetector(cp, partition.DefaultConfig(), aw, nil, nil, nil)
	leases := lease.NewService(lease.DefaultConfig(), lease.Deps{
		Store:     st,
		Signer:    signer,
		Requeuer:  rq,
		Partition: part,
		Buffer:    buf,
		Forwarder: cp,
		Audit:     aw,
		Clock:     clock.Now,
	})
	engine := reconcile.New(part, buf, leases, cp, aw, nil, nil)
	revoker := revocation.New(st, rq, aw, nil, nil, nil)
	orch := recovery.New(recovery.Deps{
		Store:      st,
		Revoker:    revoker,
		Reconciler: engine,
		Partition:  part,
		Requeuer:   rq,
		Audit:      aw,
		Grace:      lease.DefaultConfig().Grace,
	})
	part.SetReconciler(orch)

	h := New(Deps{
		Store:      st,
		Tasks:      tasks.NewService(st, part, 0, nil),
		Leases:     leases,
		Requeuer:   rq,
		Crash:      crash.NewDetector(crash.NewMemoryTracker(), st, crash.DefaultConfig(), aw, nil, nil, nil),
		Revoker:    revoker,
		Partition:  part,
		Reconciler: engine,
		Recovery:   orch,
		Expiration: sweepers.NewExpirationMonitor(st, rq, sweepers.DefaultExpirationConfig(), aw, nil, nil, nil),
		Buffer:     buf,
		Audit:      aw,
	})
	r := gin.New()
	h.Register(r, RouteOptions{InternalAPIKey: apiKey})
	return &api{t: t, st: st, router: r, clock: clock}
}

func (a *api) do(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func (a *api) admin(method, path string, body any) *httptest.ResponseRecorder {
	return a.do(method, path, body, map[string]string{middleware.APIKeyHeader: apiKey})
}

func (a *api) peer(peerID, method, path string, body any) *httptest.ResponseRecorder {
	return a.do(method, path, body, map[string]string{middleware.PeerIDHeader: peerID})
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestLeaseLifecycle(t *testing.T) {
	a := newAPI(t)

	for _, p := range []string{"p1", "p2"} {
		w := a.peer(p, http.MethodPost, "/v1/nodes", RegisterNodeRequest{MaxConcurrentTasks: 2})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}

	w := a.admin(http.MethodPost, "/v1/tasks", types.NewTask{IdempotencyKey: "wf-1/step-1", Complexity: types.ComplexityMedium})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[CreateTaskResponse](t, w)
	require.True(t, created.Created)
	taskID := created.Task.ID

	w = a.admin(http.MethodPost, "/v1/tasks", types.NewTask{IdempotencyKey: "wf-1/step-1"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, taskID, decode[CreateTaskResponse](t, w).Task.ID)

	w = a.peer("p1", http.MethodPost, "/v1/leases", IssueLeaseRequest{TaskID: taskID})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	l := decode[types.Lease](t, w)
	assert.Equal(t, "p1", l.PeerID)
	assert.NotEmpty(t, l.Token)

	w = a.peer("p2", http.MethodPost, "/v1/leases", IssueLeaseRequest{TaskID: taskID})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "LEASE_CONFLICT", decode[ErrorResponse](t, w).Code)

	w = a.peer("p1", http.MethodPost, "/v1/leases/ack", AckLeaseRequest{TaskID: taskID, Token: l.Token})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = a.peer("p1", http.MethodPost, "/v1/results", types.ResultSubmission{
		TaskID:  taskID,
		Token:   l.Token,
		Status:  types.ResultCompleted,
		Payload: json.RawMessage(`{"answer":42}`),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decode[types.SubmitOutcome](t, w)
	assert.True(t, out.Decision.Accepted)
	assert.Equal(t, types.TaskCompleted, out.Status)

	w = a.admin(http.MethodGet, "/v1/tasks/"+taskID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, types.TaskCompleted, decode[types.Task](t, w).Status)

	w = a.admin(http.MethodGet, "/v1/tasks?status=COMPLETED", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[ListTasksResponse](t, w).Total)
}

func TestSubmitResult_RejectionIsConflict(t *testing.T) {
	a := newAPI(t)
	require.Equal(t, http.StatusOK, a.peer("p1", http.MethodPost, "/v1/nodes", RegisterNodeRequest{}).Code)
	created := decode[CreateTaskResponse](t, a.admin(http.MethodPost, "/v1/tasks", types.NewTask{IdempotencyKey: "k"}))
	require.Equal(t, http.StatusCreated, a.peer("p1", http.MethodPost, "/v1/leases", IssueLeaseRequest{TaskID: created.Task.ID}).Code)

	w := a.peer("p1", http.MethodPost, "/v1/results", types.ResultSubmission{TaskID: created.Task.ID, Token: "not-a-jwt"})
	require.Equal(t, http.StatusConflict, w.Code)
	out := decode[types.SubmitOutcome](t, w)
	assert.False(t, out.Decision.Accepted)
	assert.Equal(t, types.RejectInvalidToken, out.Decision.Reason)
}

func TestSubmitResult_BackdatedLateResultIsExpired(t *testing.T) {
	a := newAPI(t)
	require.Equal(t, http.StatusOK, a.peer("p1", http.MethodPost, "/v1/nodes", RegisterNodeRequest{}).Code)
	created := decode[CreateTaskResponse](t, a.admin(http.MethodPost, "/v1/tasks", types.NewTask{IdempotencyKey: "late"}))
	w := a.peer("p1", http.MethodPost, "/v1/leases", IssueLeaseRequest{TaskID: created.Task.ID})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	l := decode[types.Lease](t, w)

	a.clock.Advance(l.ExpiresAt.Sub(l.IssuedAt) + time.Hour)

	w = a.peer("p1", http.MethodPost, "/v1/results", types.ResultSubmission{
		TaskID:      created.Task.ID,
		Token:       l.Token,
		Status:      types.ResultCompleted,
		SubmittedAt: l.IssuedAt,
	})
	require.Equal(t, http.StatusConflict, w.Code, w.Body.String())
	out := decode[types.SubmitOutcome](t, w)
	assert.False(t, out.Decision.Accepted)
	assert.Equal(t, types.RejectLeaseExpired, out.Decision.Reason)

	w = a.admin(http.MethodGet, "/v1/tasks/"+created.Task.ID, nil)
	assert.NotEqual(t, types.TaskCompleted, decode[types.Task](t, w).Status)
}

func TestIssueLease_CapabilityMismatch(t *testing.T) {
	a := newAPI(t)
	require.Equal(t, http.StatusOK, a.peer("cpu-1", http.MethodPost, "/v1/nodes", RegisterNodeRequest{
		Profile: capability.Profile{CPUCores: 8, MemoryMB: 16384},
	}).Code)
	created := decode[CreateTaskResponse](t, a.admin(http.MethodPost, "/v1/tasks", types.NewTask{
		IdempotencyKey: "gpu-job",
		Requirements:   capability.Requirements{Resources: capability.Resources{GPU: true}},
	}))

	w := a.peer("cpu-1", http.MethodPost, "/v1/leases", IssueLeaseRequest{TaskID: created.Task.ID})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "CAPABILITY_MISMATCH", decode[ErrorResponse](t, w).Code)

	w = a.admin(http.MethodGet, "/v1/tasks/"+created.Task.ID, nil)
	assert.Equal(t, types.TaskQueued, decode[types.Task](t, w).Status)
}

func TestErrorMapping(t *testing.T) {
	a := newAPI(t)
	tests := []struct {
		name   string
		w      *httptest.ResponseRecorder
		status int
		code   string
	}{
		{"unknown task", a.admin(http.MethodGet, "/v1/tasks/missing", nil), http.StatusNotFound, "NOT_FOUND"},
		{"missing idempotency key", a.admin(http.MethodPost, "/v1/tasks", types.NewTask{}), http.StatusBadRequest, "INVALID_INPUT"},
		{"bad status filter", a.admin(http.MethodGet, "/v1/tasks?status=DONE", nil), http.StatusBadRequest, "INVALID_INPUT"},
		{"heartbeat from unregistered peer", a.peer("ghost", http.MethodPost, "/v1/nodes/heartbeat", HeartbeatRequest{}), http.StatusNotFound, "NOT_FOUND"},
		{"peer id mismatch", a.peer("p1", http.MethodPost, "/v1/nodes", RegisterNodeRequest{PeerID: "p2"}), http.StatusBadRequest, "INVALID_INPUT"},
		{"no peer id", a.do(http.MethodPost, "/v1/leases", IssueLeaseRequest{TaskID: "t1"}, nil), http.StatusBadRequest, "INVALID_INPUT"},
		{"requeue unknown task", a.admin(http.MethodPost, "/v1/admin/tasks/nope/requeue", nil), http.StatusNotFound, "NOT_FOUND"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.status, tt.w.Code, tt.w.Body.String())
			assert.Equal(t, tt.code, decode[ErrorResponse](t, tt.w).Code)
		})
	}
}

func TestAdminRequiresKey(t *testing.T) {
	a := newAPI(t)
	w := a.do(http.MethodGet, "/v1/stats", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = a.do(http.MethodPost, "/v1/tasks", types.NewTask{IdempotencyKey: "k"}, map[string]string{middleware.APIKeyHeader: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHeartbeatAndRevokePeer(t *testing.T) {
	a := newAPI(t)
	require.Equal(t, http.StatusOK, a.peer("p1", http.MethodPost, "/v1/nodes", RegisterNodeRequest{MaxConcurrentTasks: 4}).Code)

	w := a.peer("p1", http.MethodPost, "/v1/nodes/heartbeat", HeartbeatRequest{Usage: &capability.Usage{CPUCores: 1}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "p1", decode[HeartbeatResponse](t, w).PeerID)

	for _, key := range []string{"a", "b"} {
		created := decode[CreateTaskResponse](t, a.admin(http.MethodPost, "/v1/tasks", types.NewTask{IdempotencyKey: key}))
		require.Equal(t, http.StatusCreated, a.peer("p1", http.MethodPost, "/v1/leases", IssueLeaseRequest{TaskID: created.Task.ID}).Code)
	}

	w = a.admin(http.MethodPost, "/v1/admin/peers/p1/revoke", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	sum := decode[types.RevocationSummary](t, w)
	assert.Equal(t, 2, sum.Revoked)
	assert.Equal(t, 2, sum.Requeued)

	w = a.admin(http.MethodGet, "/v1/admin/nodes/p1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, decode[types.NodeCapability](t, w).CurrentTaskCount)
}

func TestRevokeTaskLease(t *testing.T) {
	a := newAPI(t)
	require.Equal(t, http.StatusOK, a.peer("p1", http.MethodPost, "/v1/nodes", RegisterNodeRequest{}).Code)
	created := decode[CreateTaskResponse](t, a.admin(http.MethodPost, "/v1/tasks", types.NewTask{IdempotencyKey: "k"}))
	require.Equal(t, http.StatusCreated, a.peer("p1", http.MethodPost, "/v1/leases", IssueLeaseRequest{TaskID: created.Task.ID}).Code)

	w := a.admin(http.MethodPost, "/v1/admin/tasks/"+created.Task.ID+"/revoke", RevokeLeaseRequest{Reason: "drain"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, decode[RevokeLeaseResponse](t, w).Revoked)

	w = a.admin(http.MethodPost, "/v1/admin/tasks/"+created.Task.ID+"/revoke", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[RevokeLeaseResponse](t, w).Revoked)

	recs := decode[ListAuditResponse](t, a.admin(http.MethodGet, "/v1/admin/audit?kind=lease_revoked", nil))
	assert.NotZero(t, recs.Total)
}

func TestRecover(t *testing.T) {
	a := newAPI(t)

	w := a.admin(http.MethodPost, "/v1/admin/recovery", recovery.Signal{Type: "cosmic_ray"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, recovery.Unknown, decode[recovery.Result](t, w).Type)

	w = a.admin(http.MethodPost, "/v1/admin/recovery", recovery.Signal{Type: "partition.healed"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, decode[recovery.Result](t, w).Verified)

	w = a.admin(http.MethodGet, "/v1/admin/recovery/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]recovery.Result](t, w), 2)
}

func TestOperationalEndpoints(t *testing.T) {
	a := newAPI(t)

	w := a.do(http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	health := decode[HealthResponse](t, w)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "NORMAL", health.Partition)

	w = a.admin(http.MethodGet, "/v1/stats", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	stats := decode[map[string]any](t, w)
	for _, key := range []string{"tasks", "expiration", "crash", "partition", "buffer", "recovery"} {
		assert.Contains(t, stats, key)
	}

	w = a.admin(http.MethodPost, "/v1/admin/expiration/sweep", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = a.admin(http.MethodPost, "/v1/admin/crash/check", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[CrashCheckResponse](t, w).Crashes)

	w = a.admin(http.MethodPost, "/v1/admin/partition/probe", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, partition.Normal.String(), decode[map[string]any](t, w)["state"])

	w = a.admin(http.MethodPost, "/v1/admin/buffer/flush", nil)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = a.admin(http.MethodGet, "/v1/admin/buffer/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 10, decode[buffer.Stats](t, w).Capacity)

	w = a.admin(http.MethodGet, "/v1/admin/audit/export", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "spreadsheetml")
	assert.NotZero(t, w.Body.Len())

	w = a.do(http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
