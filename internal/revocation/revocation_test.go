package revocation

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerswarm/lease-coordinator/internal/audit"
	"github.com/peerswarm/lease-coordinator/internal/requeue"
	"github.com/peerswarm/lease-coordinator/internal/store"
	"github.com/peerswarm/lease-coordinator/internal/types"
)

var t0 = time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	ctx context.Context
	st  *store.MemoryStore
	rv  *Revoker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	aw := audit.NewWriter(st, nil)
	f := &fixture{
		ctx: context.Background(),
		st:  st,
		rv:  New(st, requeue.New(st, requeue.DefaultPolicy(), aw, nil, nil, nil), aw, nil, nil, nil),
	}
	f.rv.now = func() time.Time { return t0.Add(time.Minute) }

	for _, p := range []string{"p1", "p2"} {
		_, err := st.UpsertNode(f.ctx, types.NodeCapability{PeerID: p, IsAvailable: true})
		require.NoError(t, err)
	}
	return f
}

// lease puts a task under an active lease held by peerID
func (f *fixture) lease(t *testing.T, taskID, peerID string, maxRetries int) types.Lease {
	t.Helper()
	_, _, err := f.st.InsertTask(f.ctx, types.Task{
		ID: taskID, Status: types.TaskQueued, IdempotencyKey: "k-" + taskID,
		Complexity: types.ComplexityMedium, MaxRetries: maxRetries, CreatedAt: t0,
	})
	require.NoError(t, err)
	l := types.Lease{
		ID: "l-" + taskID, TaskID: taskID, PeerID: peerID, Token: "tok",
		IssuedAt: t0, ExpiresAt: t0.Add(10 * time.Minute),
	}
	require.NoError(t, f.st.AcquireLease(f.ctx, l))
	return l
}

func TestRevokeOnCrash_RecoversAllLeases(t *testing.T) {
	f := newFixture(t)
	const n = 6
	for i := 0; i < n; i++ {
		f.lease(t, fmt.Sprintf("t%d", i), "p1", 3)
	}
	f.lease(t, "other", "p2", 3)

	node, err := f.st.GetNode(f.ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, n, node.CurrentTaskCount)

	sum, err := f.rv.RevokeOnCrash(f.ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "p1", sum.PeerID)
	assert.Equal(t, n, sum.Revoked)
	assert.Equal(t, n, sum.Requeued)
	assert.Zero(t, sum.PermanentlyFailed)
	assert.Empty(t, sum.Errors)

	for i := 0; i < n; i++ {
		task, err := f.st.GetTask(f.ctx, fmt.Sprintf("t%d", i))
		require.NoError(t, err)
		assert.Equal(t, types.TaskQueued, task.Status)
		assert.Equal(t, 1, task.RetryCount)
		assert.Nil(t, task.AssignedPeerID)

		l, err := f.st.GetLease(f.ctx, fmt.Sprintf("l-t%d", i))
		require.NoError(t, err)
		assert.True(t, l.IsRevoked)
		assert.False(t, l.IsActive())
	}

	node, err = f.st.GetNode(f.ctx, "p1")
	require.NoError(t, err)
	assert.Zero(t, node.CurrentTaskCount)

	other, err := f.st.GetTask(f.ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, types.TaskLeased, other.Status, "other peers are untouched")

	recs, err := f.st.ListAudit(f.ctx, types.AuditFilter{Kind: types.AuditLeaseRevoked, PeerID: "p1"})
	require.NoError(t, err)
	assert.Len(t, recs, n)

	st := f.rv.Stats()
	assert.EqualValues(t, 1, st.Runs)
	assert.EqualValues(t, n, st.Revoked)
}

func TestRevokeOnCrash_RetryLimit(t *testing.T) {
	f := newFixture(t)
	f.lease(t, "spent", "p1", 0)
	f.lease(t, "fresh", "p1", 2)

	sum, err := f.rv.RevokeOnCrash(f.ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Revoked)
	assert.Equal(t, 1, sum.Requeued)
	assert.Equal(t, 1, sum.PermanentlyFailed)

	task, err := f.st.GetTask(f.ctx, "spent")
	require.NoError(t, err)
	assert.Equal(t, types.TaskPermanentlyFailed, task.Status)
}

func TestRevokeOnCrash_RaceWithExpiry(t *testing.T) {
	f := newFixture(t)
	l := f.lease(t, "t1", "p1", 3)
	f.lease(t, "t2", "p1", 3)

	// the expiration monitor won the race on t1
	ok, err := f.st.ExpireLease(f.ctx, l.ID, t0.Add(11*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	sum, err := f.rv.RevokeOnCrash(f.ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Revoked)

	// a second crash report for the same peer is a no-op
	again, err := f.rv.RevokeOnCrash(f.ctx, "p1")
	require.NoError(t, err)
	assert.Zero(t, again.Revoked)
	assert.Zero(t, again.Requeued)

	task, err := f.st.GetTask(f.ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, 1, task.RetryCount, "requeued exactly once")
}

type skippingStore struct {
	Store
	leases []types.Lease
}

func (s *skippingStore) ListActiveLeasesByPeer(context.Context, string) ([]types.Lease, error) {
	return s.leases, nil
}

func (s *skippingStore) RevokeLease(context.Context, string, string, types.TaskStatus, time.Time) (bool, error) {
	return false, nil
}

func TestRevokeOnCrash_LoserIsSkipped(t *testing.T) {
	st := &skippingStore{leases: []types.Lease{{ID: "l1", TaskID: "t1", PeerID: "p1"}}}
	rv := New(st, nil, nil, nil, nil, nil)

	sum, err := rv.RevokeOnCrash(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Skipped)
	assert.Zero(t, sum.Revoked)
}

type brokenStore struct{ Store }

func (brokenStore) ListActiveLeasesByPeer(context.Context, string) ([]types.Lease, error) {
	return nil, errors.New("connection reset")
}

func TestRevokeOnCrash_Errors(t *testing.T) {
	rv := New(brokenStore{}, nil, nil, nil, nil, nil)

	_, err := rv.RevokeOnCrash(context.Background(), "p1")
	assert.ErrorContains(t, err, "connection reset")

	var inErr *types.InputError
	_, err = rv.RevokeOnCrash(context.Background(), "")
	assert.ErrorAs(t, err, &inErr)
}
