// Package store persists tasks, leases, node capabilities and the audit trail.
//
// Every multi-row mutation is a single transaction and every state change is
// a compare-and-set on the current status, so concurrent callers observe
// either the whole change or none of it.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/peerswarm/lease-coordinator/internal/capability"
	"github.com/peerswarm/lease-coordinator/internal/types"
)

// Store is the durable source of truth for task ownership
type Store interface {
	// InsertTask inserts the task unless its idempotency key already exists.
	// It returns the stored row and whether it was newly created.
	InsertTask(ctx context.Context, task types.Task) (*types.Task, bool, error)
	GetTask(ctx context.Context, taskID string) (*types.Task, error)
	GetTaskByIdempotencyKey(ctx context.Context, key string) (*types.Task, error)
	ListTasksByStatus(ctx context.Context, status types.TaskStatus, limit int) ([]types.Task, error)
	CountTasksByStatus(ctx context.Context) (map[types.TaskStatus]int, error)

	// AcquireLease moves the task QUEUED -> LEASED, inserts the lease and
	// increments the node's task count in one transaction.
	AcquireLease(ctx context.Context, lease types.Lease) error
	GetLease(ctx context.Context, leaseID string) (*types.Lease, error)
	GetActiveLease(ctx context.Context, taskID string) (*types.Lease, error)
	MarkRunning(ctx context.Context, taskID, leaseID string, at time.Time) error
	CompleteLease(ctx context.Context, in Completion) error
	// RevokeLease revokes an active lease and moves its task to taskStatus.
	// It reports false when the lease was no longer active.
	RevokeLease(ctx context.Context, leaseID, reason string, taskStatus types.TaskStatus, at time.Time) (bool, error)
	// ExpireLease marks an active lease expired and its task EXPIRED.
	// It reports false when the lease was no longer active.
	ExpireLease(ctx context.Context, leaseID string, at time.Time) (bool, error)
	ListExpiredLeases(ctx context.Context, cutoff time.Time, limit int) ([]types.Lease, error)
	ListActiveLeasesByPeer(ctx context.Context, peerID string) ([]types.Lease, error)
	CountActiveLeases(ctx context.Context) (int, error)
	CountLeasesExpiringBefore(ctx context.Context, t time.Time) (int, error)
	HasAcceptedResult(ctx context.Context, taskID, idempotencyKey string) (bool, error)

	// RequeueTask applies a conditional FAILED/EXPIRED -> QUEUED update. It
	// reports false when the task changed underneath the caller.
	RequeueTask(ctx context.Context, in Requeue) (bool, error)
	MarkPermanentlyFailed(ctx context.Context, taskID string, expectedRetryCount int, reason string, at time.Time) (bool, error)

	UpsertNode(ctx context.Context, node types.NodeCapability) (*types.NodeCapability, error)
	GetNode(ctx context.Context, peerID string) (*types.NodeCapability, error)
	ListNodes(ctx context.Context) ([]types.NodeCapability, error)
	RecordHeartbeat(ctx context.Context, peerID string, at time.Time, usage *capability.Usage) error
	SetNodeAvailability(ctx context.Context, peerID string, available bool) error

	AppendAudit(ctx context.Context, rec types.AuditRecord) error
	ListAudit(ctx context.Context, filter types.AuditFilter) ([]types.AuditRecord, error)
	DeleteAuditBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)

	Ping(ctx context.Context) error
}

// Completion describes an accepted result
type Completion struct {
	TaskID         string
	LeaseID        string
	PeerID         string
	IdempotencyKey string
	Status         types.TaskStatus
	Result         json.RawMessage
	ErrorMessage   string
	At             time.Time
}

// Requeue describes a conditional requeue
type Requeue struct {
	TaskID             string
	ExpectedRetryCount int
	NextEligibleAt     time.Time
	At                 time.Time
}

// requeueable lists the statuses a task may be requeued from
var requeueable = []types.TaskStatus{types.TaskFailed, types.TaskExpired}

func isRequeueable(s types.TaskStatus) bool {
	for _, r := range requeueable {
		if r == s {
			return true
		}
	}
	return false
}

// owning lists the statuses in which a task is held by a lease
var owning = []types.TaskStatus{types.TaskLeased, types.TaskRunning}

func isOwning(s types.TaskStatus) bool {
	return s == types.TaskLeased || s == types.TaskRunning
}
