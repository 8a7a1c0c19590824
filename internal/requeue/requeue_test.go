package requeue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/peerswarm/lease-coordinator/internal/audit"
	"github.com/peerswarm/lease-coordinator/internal/store"
	"github.com/peerswarm/lease-coordinator/internal/types"
)

var t0 = time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

func TestBackoff(t *testing.T) {
	p := DefaultPolicy()
	tests := []struct {
		retry int
		want  time.Duration
	}{
		{-1, 30 * time.Second},
		{0, 30 * time.Second},
		{1, 60 * time.Second},
		{3, 240 * time.Second},
		{6, 1920 * time.Second},
		{7, time.Hour},
		{10, time.Hour},
		{1000, time.Hour},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Backoff(tt.retry), "retry %d", tt.retry)
	}
}

func TestBackoff_Properties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		base := time.Duration(rapid.IntRange(1, 120).Draw(t, "base")) * time.Second
		max := base * time.Duration(rapid.IntRange(1, 500).Draw(t, "mult"))
		p := Policy{Base: base, Max: max}
		n := rapid.IntRange(0, 200).Draw(t, "retry")

		d := p.Backoff(n)
		if d > max || d < base {
			t.Fatalf("backoff %v outside [%v, %v]", d, base, max)
		}
		if next := p.Backoff(n + 1); next < d {
			t.Fatalf("backoff decreased: %v then %v", d, next)
		}
	})
}

// fixture builds a store holding one task in the given status
type fixture struct {
	st  *store.MemoryStore
	rq  *Requeuer
	ctx context.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	rq := New(st, DefaultPolicy(), audit.NewWriter(st, nil), nil, nil, nil)
	rq.now = func() time.Time { return t0 }
	return &fixture{st: st, rq: rq, ctx: context.Background()}
}

func (f *fixture) seedExpired(t *testing.T, id string, retry, max int) {
	t.Helper()
	_, _, err := f.st.InsertTask(f.ctx, types.Task{
		ID: id, Status: types.TaskQueued, IdempotencyKey: "k-" + id,
		Complexity: types.ComplexityMedium, RetryCount: retry, MaxRetries: max,
	})
	require.NoError(t, err)
	_, err = f.st.UpsertNode(f.ctx, types.NodeCapability{PeerID: "p1", IsAvailable: true})
	require.NoError(t, err)
	require.NoError(t, f.st.AcquireLease(f.ctx, types.Lease{
		ID: "l-" + id, TaskID: id, PeerID: "p1", Token: "tok",
		IssuedAt: t0.Add(-20 * time.Minute), ExpiresAt: t0.Add(-10 * time.Minute),
	}))
	ok, err := f.st.ExpireLease(f.ctx, "l-"+id, t0.Add(-time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRequeue_ExpiredTask(t *testing.T) {
	f := newFixture(t)
	f.seedExpired(t, "t1", 0, 3)

	res, err := f.rq.Requeue(f.ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeRequeued, res.Outcome)
	assert.Equal(t, 1, res.RetryCount)
	assert.Equal(t, 60*time.Second, res.Backoff)
	require.NotNil(t, res.NextEligibleAt)
	assert.Equal(t, t0.Add(60*time.Second), *res.NextEligibleAt)

	task, err := f.st.GetTask(f.ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskQueued, task.Status)
	assert.Equal(t, 1, task.RetryCount)
	assert.Nil(t, task.AssignedPeerID)

	recs, err := f.st.ListAudit(f.ctx, types.AuditFilter{Kind: types.AuditTaskRequeued})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestRequeue_AlreadyQueuedIsNoop(t *testing.T) {
	f := newFixture(t)
	f.seedExpired(t, "t1", 0, 3)

	_, err := f.rq.Requeue(f.ctx, "t1")
	require.NoError(t, err)

	again, err := f.rq.Requeue(f.ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeAlreadyQueued, again.Outcome)
	assert.Equal(t, 1, again.RetryCount)

	task, _ := f.st.GetTask(f.ctx, "t1")
	assert.Equal(t, 1, task.RetryCount)
}

func TestRequeue_RetryLimitIsTerminal(t *testing.T) {
	f := newFixture(t)
	f.seedExpired(t, "t1", 3, 3)

	res, err := f.rq.Requeue(f.ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, types.OutcomePermanentlyFailed, res.Outcome)

	task, _ := f.st.GetTask(f.ctx, "t1")
	assert.Equal(t, types.TaskPermanentlyFailed, task.Status)
	require.NotNil(t, task.ErrorMessage)

	again, err := f.rq.Requeue(f.ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, types.OutcomePermanentlyFailed, again.Outcome)

	task, _ = f.st.GetTask(f.ctx, "t1")
	assert.Equal(t, types.TaskPermanentlyFailed, task.Status)
}

func TestRequeue_InvalidState(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.st.InsertTask(f.ctx, types.Task{ID: "t1", Status: types.TaskQueued, IdempotencyKey: "k", MaxRetries: 3})
	require.NoError(t, err)
	_, err = f.st.UpsertNode(f.ctx, types.NodeCapability{PeerID: "p1", IsAvailable: true})
	require.NoError(t, err)
	require.NoError(t, f.st.AcquireLease(f.ctx, types.Lease{ID: "l1", TaskID: "t1", PeerID: "p1", IssuedAt: t0, ExpiresAt: t0.Add(time.Minute)}))

	_, err = f.rq.Requeue(f.ctx, "t1")
	require.ErrorIs(t, err, types.ErrInvalidState)

	var se *types.StateError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, types.TaskLeased, se.Have)
}

func TestRequeue_UnknownTask(t *testing.T) {
	f := newFixture(t)
	_, err := f.rq.Requeue(f.ctx, "missing")
	assert.ErrorIs(t, err, types.ErrTaskNotFound)
}

func TestRequeueExpired(t *testing.T) {
	f := newFixture(t)
	f.seedExpired(t, "t1", 0, 3)
	f.seedExpired(t, "t2", 3, 3)

	results, err := f.rq.RequeueExpired(f.ctx, 10)
	require.NoError(t, err)
	require.Len(t, results, 2)

	outcomes := map[string]types.RequeueOutcome{}
	for _, r := range results {
		outcomes[r.TaskID] = r.Outcome
	}
	assert.Equal(t, types.OutcomeRequeued, outcomes["t1"])
	assert.Equal(t, types.OutcomePermanentlyFailed, outcomes["t2"])
}
