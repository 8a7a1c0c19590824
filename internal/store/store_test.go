package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerswarm/lease-coordinator/internal/capability"
	"github.com/peerswarm/lease-coordinator/internal/types"
)

var t0 = time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

func newTask(id string) types.Task {
	return types.Task{
		ID:             id,
		Status:         types.TaskQueued,
		IdempotencyKey: "key-" + id,
		Complexity:     types.ComplexityMedium,
		MaxRetries:     3,
		Requirements: capability.Requirements{
			Capabilities: []capability.Requirement{capability.Bool("docker")},
		},
	}
}

func newNode(peerID string, max int) types.NodeCapability {
	return types.NodeCapability{
		PeerID:             peerID,
		Profile:            capability.Profile{CPUCores: 4, MemoryMB: 8192, Features: map[string]bool{"docker": true}},
		IsAvailable:        true,
		MaxConcurrentTasks: max,
	}
}

func newLease(id, taskID, peerID string, issued time.Time) types.Lease {
	return types.Lease{
		ID:        id,
		TaskID:    taskID,
		PeerID:    peerID,
		Token:     "token-" + id,
		IssuedAt:  issued,
		ExpiresAt: issued.Add(10 * time.Minute),
	}
}

// runStoreContract exercises behaviour every Store implementation must share
func runStoreContract(t *testing.T, factory func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("insert is idempotent on key", func(t *testing.T) {
		s := factory(t)
		first, created, err := s.InsertTask(ctx, newTask("t1"))
		require.NoError(t, err)
		assert.True(t, created)

		dup := newTask("t1-other")
		dup.IdempotencyKey = "key-t1"
		second, created, err := s.InsertTask(ctx, dup)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, first.ID, second.ID)

		counts, err := s.CountTasksByStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, counts[types.TaskQueued])
	})

	t.Run("acquire lease transitions task and node", func(t *testing.T) {
		s := factory(t)
		_, _, err := s.InsertTask(ctx, newTask("t1"))
		require.NoError(t, err)
		_, err = s.UpsertNode(ctx, newNode("p1", 2))
		require.NoError(t, err)

		require.NoError(t, s.AcquireLease(ctx, newLease("l1", "t1", "p1", t0)))

		task, err := s.GetTask(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, types.TaskLeased, task.Status)
		assert.True(t, task.AssignedTo("p1"))

		node, err := s.GetNode(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, 1, node.CurrentTaskCount)

		active, err := s.GetActiveLease(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, "l1", active.ID)

		err = s.AcquireLease(ctx, newLease("l2", "t1", "p1", t0))
		assert.ErrorIs(t, err, types.ErrLeaseConflict)
	})

	t.Run("acquire lease rejections", func(t *testing.T) {
		s := factory(t)
		_, _, _ = s.InsertTask(ctx, newTask("t1"))
		_, _, _ = s.InsertTask(ctx, newTask("t2"))
		_, _ = s.UpsertNode(ctx, newNode("full", 1))
		off := newNode("off", 5)
		off.IsAvailable = false
		_, _ = s.UpsertNode(ctx, off)

		assert.ErrorIs(t, s.AcquireLease(ctx, newLease("l0", "missing", "full", t0)), types.ErrTaskNotFound)
		assert.ErrorIs(t, s.AcquireLease(ctx, newLease("l1", "t1", "ghost", t0)), types.ErrNodeNotFound)
		assert.ErrorIs(t, s.AcquireLease(ctx, newLease("l2", "t1", "off", t0)), types.ErrNodeUnavailable)

		require.NoError(t, s.AcquireLease(ctx, newLease("l3", "t1", "full", t0)))
		assert.ErrorIs(t, s.AcquireLease(ctx, newLease("l4", "t2", "full", t0)), types.ErrNodeAtCapacity)

		// failed attempts leave the task queued
		task, err := s.GetTask(ctx, "t2")
		require.NoError(t, err)
		assert.Equal(t, types.TaskQueued, task.Status)
	})

	t.Run("concurrent acquire has exactly one winner", func(t *testing.T) {
		s := factory(t)
		_, _, _ = s.InsertTask(ctx, newTask("t1"))
		const peers = 8
		for i := 0; i < peers; i++ {
			_, err := s.UpsertNode(ctx, newNode(fmt.Sprintf("p%d", i), 4))
			require.NoError(t, err)
		}

		var wg sync.WaitGroup
		errs := make([]error, peers)
		for i := 0; i < peers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = s.AcquireLease(ctx, newLease(fmt.Sprintf("l%d", i), "t1", fmt.Sprintf("p%d", i), t0))
			}(i)
		}
		wg.Wait()

		wins, conflicts := 0, 0
		for _, err := range errs {
			switch {
			case err == nil:
				wins++
			case errors.Is(err, types.ErrLeaseConflict):
				conflicts++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		assert.Equal(t, 1, wins)
		assert.Equal(t, peers-1, conflicts)

		n, err := s.CountActiveLeases(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("complete lease records result once", func(t *testing.T) {
		s := factory(t)
		_, _, _ = s.InsertTask(ctx, newTask("t1"))
		_, _ = s.UpsertNode(ctx, newNode("p1", 2))
		require.NoError(t, s.AcquireLease(ctx, newLease("l1", "t1", "p1", t0)))
		require.NoError(t, s.MarkRunning(ctx, "t1", "l1", t0.Add(time.Second)))

		in := Completion{
			TaskID: "t1", LeaseID: "l1", PeerID: "p1", IdempotencyKey: "r1",
			Status: types.TaskCompleted, Result: []byte(`{"ok":true}`), At: t0.Add(time.Minute),
		}
		require.NoError(t, s.CompleteLease(ctx, in))

		task, _ := s.GetTask(ctx, "t1")
		assert.Equal(t, types.TaskCompleted, task.Status)
		assert.JSONEq(t, `{"ok":true}`, string(task.Result))

		node, _ := s.GetNode(ctx, "p1")
		assert.Equal(t, 0, node.CurrentTaskCount)
		assert.Equal(t, int64(1), node.SuccessCount)

		ok, err := s.HasAcceptedResult(ctx, "t1", "r1")
		require.NoError(t, err)
		assert.True(t, ok)

		assert.ErrorIs(t, s.CompleteLease(ctx, in), types.ErrLeaseInactive)
	})

	t.Run("revoke and expire are compare and set", func(t *testing.T) {
		s := factory(t)
		_, _, _ = s.InsertTask(ctx, newTask("t1"))
		_, _ = s.UpsertNode(ctx, newNode("p1", 2))
		require.NoError(t, s.AcquireLease(ctx, newLease("l1", "t1", "p1", t0)))

		revoked, err := s.RevokeLease(ctx, "l1", "node crash", types.TaskExpired, t0.Add(time.Minute))
		require.NoError(t, err)
		assert.True(t, revoked)

		expired, err := s.ExpireLease(ctx, "l1", t0.Add(2*time.Minute))
		require.NoError(t, err)
		assert.False(t, expired, "second ender must lose")

		again, err := s.RevokeLease(ctx, "l1", "again", types.TaskQueued, t0.Add(3*time.Minute))
		require.NoError(t, err)
		assert.False(t, again)

		task, _ := s.GetTask(ctx, "t1")
		assert.Equal(t, types.TaskExpired, task.Status)
		assert.Nil(t, task.AssignedPeerID)

		lease, _ := s.GetLease(ctx, "l1")
		assert.True(t, lease.IsRevoked)
		require.NotNil(t, lease.RevokeReason)
		assert.Equal(t, "node crash", *lease.RevokeReason)

		node, _ := s.GetNode(ctx, "p1")
		assert.Equal(t, 0, node.CurrentTaskCount)

		_, err = s.RevokeLease(ctx, "nope", "x", types.TaskQueued, t0)
		assert.ErrorIs(t, err, types.ErrLeaseNotFound)
	})

	t.Run("expired lease listing", func(t *testing.T) {
		s := factory(t)
		_, _ = s.UpsertNode(ctx, newNode("p1", 5))
		for i, issued := range []time.Time{t0, t0.Add(5 * time.Minute), t0.Add(time.Hour)} {
			id := fmt.Sprintf("t%d", i)
			_, _, _ = s.InsertTask(ctx, newTask(id))
			require.NoError(t, s.AcquireLease(ctx, newLease("l"+id, id, "p1", issued)))
		}

		expired, err := s.ListExpiredLeases(ctx, t0.Add(16*time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, expired, 2)
		assert.Equal(t, "lt0", expired[0].ID)

		n, err := s.CountLeasesExpiringBefore(ctx, t0.Add(11*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		byPeer, err := s.ListActiveLeasesByPeer(ctx, "p1")
		require.NoError(t, err)
		assert.Len(t, byPeer, 3)
	})

	t.Run("requeue is conditional on retry count", func(t *testing.T) {
		s := factory(t)
		_, _, _ = s.InsertTask(ctx, newTask("t1"))
		_, _ = s.UpsertNode(ctx, newNode("p1", 2))
		require.NoError(t, s.AcquireLease(ctx, newLease("l1", "t1", "p1", t0)))
		_, err := s.ExpireLease(ctx, "l1", t0.Add(11*time.Minute))
		require.NoError(t, err)

		next := t0.Add(12 * time.Minute)
		stale, err := s.RequeueTask(ctx, Requeue{TaskID: "t1", ExpectedRetryCount: 5, NextEligibleAt: next, At: t0})
		require.NoError(t, err)
		assert.False(t, stale)

		ok, err := s.RequeueTask(ctx, Requeue{TaskID: "t1", ExpectedRetryCount: 0, NextEligibleAt: next, At: t0})
		require.NoError(t, err)
		assert.True(t, ok)

		task, _ := s.GetTask(ctx, "t1")
		assert.Equal(t, types.TaskQueued, task.Status)
		assert.Equal(t, 1, task.RetryCount)
		require.NotNil(t, task.NextEligibleAt)
		assert.True(t, task.NextEligibleAt.Equal(next))

		// still backing off
		err = s.AcquireLease(ctx, newLease("l2", "t1", "p1", next.Add(-time.Second)))
		assert.ErrorIs(t, err, types.ErrNotYetEligible)
		require.NoError(t, s.AcquireLease(ctx, newLease("l3", "t1", "p1", next)))

		_, err = s.RequeueTask(ctx, Requeue{TaskID: "ghost"})
		assert.ErrorIs(t, err, types.ErrTaskNotFound)
	})

	t.Run("permanently failed", func(t *testing.T) {
		s := factory(t)
		_, _, _ = s.InsertTask(ctx, newTask("t1"))
		_, _ = s.UpsertNode(ctx, newNode("p1", 2))
		require.NoError(t, s.AcquireLease(ctx, newLease("l1", "t1", "p1", t0)))
		_, _ = s.ExpireLease(ctx, "l1", t0)

		ok, err := s.MarkPermanentlyFailed(ctx, "t1", 0, "retries exhausted", t0)
		require.NoError(t, err)
		assert.True(t, ok)

		task, _ := s.GetTask(ctx, "t1")
		assert.Equal(t, types.TaskPermanentlyFailed, task.Status)

		ok, err = s.RequeueTask(ctx, Requeue{TaskID: "t1", ExpectedRetryCount: 0, NextEligibleAt: t0, At: t0})
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("heartbeat marks node available", func(t *testing.T) {
		s := factory(t)
		_, err := s.UpsertNode(ctx, newNode("p1", 2))
		require.NoError(t, err)
		require.NoError(t, s.SetNodeAvailability(ctx, "p1", false))

		usage := capability.Usage{CPUCores: 1.5}
		require.NoError(t, s.RecordHeartbeat(ctx, "p1", t0, &usage))

		node, err := s.GetNode(ctx, "p1")
		require.NoError(t, err)
		assert.True(t, node.IsAvailable)
		assert.Equal(t, 1.5, node.Usage.CPUCores)
		require.NotNil(t, node.LastHeartbeatAt)

		assert.ErrorIs(t, s.RecordHeartbeat(ctx, "ghost", t0, nil), types.ErrNodeNotFound)
	})

	t.Run("audit append list delete", func(t *testing.T) {
		s := factory(t)
		require.NoError(t, s.AppendAudit(ctx, types.AuditRecord{Kind: types.AuditLeaseRejected, TaskID: "t1", CreatedAt: t0}))
		require.NoError(t, s.AppendAudit(ctx, types.AuditRecord{Kind: types.AuditTaskRequeued, TaskID: "t1", CreatedAt: t0.Add(time.Hour)}))
		require.NoError(t, s.AppendAudit(ctx, types.AuditRecord{Kind: types.AuditTaskRequeued, TaskID: "t2", Details: []byte(`{"retry":1}`), CreatedAt: t0.Add(2 * time.Hour)}))

		all, err := s.ListAudit(ctx, types.AuditFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 3)

		requeued, err := s.ListAudit(ctx, types.AuditFilter{Kind: types.AuditTaskRequeued, TaskID: "t2"})
		require.NoError(t, err)
		require.Len(t, requeued, 1)
		assert.JSONEq(t, `{"retry":1}`, string(requeued[0].Details))

		deleted, err := s.DeleteAuditBefore(ctx, t0.Add(90*time.Minute), 1)
		require.NoError(t, err)
		assert.Equal(t, int64(2), deleted)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return NewMemoryStore() })
}
