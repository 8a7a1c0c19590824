package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/peerswarm/lease-coordinator/internal/capability"
	"github.com/peerswarm/lease-coordinator/internal/types"
)

const uniqueViolation = "23505"

const activeLease = `NOT is_revoked AND NOT is_expired AND released_at IS NULL`

const taskColumns = `task_id, status, idempotency_key, requirements, complexity, retry_count, max_retries,
	assigned_peer_id, result, error_message, next_eligible_at, workflow_id, created_at, updated_at`

const leaseColumns = `lease_id, task_id, peer_id, lease_token, issued_at, expires_at, is_revoked, is_expired,
	released_at, revoked_at, revoke_reason`

const nodeColumns = `peer_id, profile, usage, is_available, current_task_count, max_concurrent_tasks,
	success_count, failure_count, last_heartbeat_at, updated_at`

// PostgresStore implements Store on a pgx connection pool
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an open pool. Migrations must already be applied.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

var _ Store = (*PostgresStore)(nil)

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func nullableJSON(raw []byte) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func scanTask(row pgx.Row) (*types.Task, error) {
	var (
		t      types.Task
		reqs   []byte
		result []byte
		status string
		cx     string
	)
	err := row.Scan(&t.ID, &status, &t.IdempotencyKey, &reqs, &cx, &t.RetryCount, &t.MaxRetries,
		&t.AssignedPeerID, &result, &t.ErrorMessage, &t.NextEligibleAt, &t.WorkflowID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Status = types.TaskStatus(status)
	t.Complexity = types.Complexity(cx)
	if len(reqs) > 0 {
		if err := json.Unmarshal(reqs, &t.Requirements); err != nil {
			return nil, fmt.Errorf("failed to decode requirements of task %s: %w", t.ID, err)
		}
	}
	if len(result) > 0 {
		t.Result = json.RawMessage(result)
	}
	return &t, nil
}

func scanLease(row pgx.Row) (*types.Lease, error) {
	var l types.Lease
	err := row.Scan(&l.ID, &l.TaskID, &l.PeerID, &l.Token, &l.IssuedAt, &l.ExpiresAt, &l.IsRevoked, &l.IsExpired,
		&l.ReleasedAt, &l.RevokedAt, &l.RevokeReason)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func scanNode(row pgx.Row) (*types.NodeCapability, error) {
	var (
		n       types.NodeCapability
		profile []byte
		usage   []byte
	)
	err := row.Scan(&n.PeerID, &profile, &usage, &n.IsAvailable, &n.CurrentTaskCount, &n.MaxConcurrentTasks,
		&n.SuccessCount, &n.FailureCount, &n.LastHeartbeatAt, &n.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(profile) > 0 {
		if err := json.Unmarshal(profile, &n.Profile); err != nil {
			return nil, fmt.Errorf("failed to decode profile of node %s: %w", n.PeerID, err)
		}
	}
	if len(usage) > 0 {
		if err := json.Unmarshal(usage, &n.Usage); err != nil {
			return nil, fmt.Errorf("failed to decode usage of node %s: %w", n.PeerID, err)
		}
	}
	return &n, nil
}

func collectLeases(rows pgx.Rows) ([]types.Lease, error) {
	defer rows.Close()
	out := make([]types.Lease, 0)
	for rows.Next() {
		l, err := scanLease(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

// withTx runs fn in a transaction, committing only when fn succeeds
func (s *PostgresStore) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertTask(ctx context.Context, task types.Task) (*types.Task, bool, error) {
	reqs, err := json.Marshal(task.Requirements)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode requirements: %w", err)
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}

	created, err := scanTask(s.pool.QueryRow(ctx, `
		INSERT INTO tasks (task_id, status, idempotency_key, requirements, complexity, retry_count, max_retries,
			next_eligible_at, workflow_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING `+taskColumns,
		task.ID, string(task.Status), task.IdempotencyKey, reqs, string(task.Complexity), task.RetryCount, task.MaxRetries,
		task.NextEligibleAt, task.WorkflowID, task.CreatedAt))
	if err == nil {
		return created, true, nil
	}
	if isUniqueViolation(err) {
		// task_id collision with a different idempotency key
		return nil, false, types.ErrDuplicateKey
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to insert task: %w", err)
	}

	existing, err := s.GetTaskByIdempotencyKey(ctx, task.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (*types.Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = $1`, taskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", taskID, err)
	}
	return t, nil
}

func (s *PostgresStore) GetTaskByIdempotencyKey(ctx context.Context, key string) (*types.Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE idempotency_key = $1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task by idempotency key: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) ListTasksByStatus(ctx context.Context, status types.TaskStatus, limit int) ([]types.Task, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE status = $1 ORDER BY updated_at LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	out := make([]types.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountTasksByStatus(ctx context.Context) (map[types.TaskStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[types.TaskStatus(status)] = n
	}
	return counts, rows.Err()
}

func (s *PostgresStore) AcquireLease(ctx context.Context, lease types.Lease) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE tasks SET status = 'LEASED', assigned_peer_id = $2, updated_at = $3
			WHERE task_id = $1 AND status = 'QUEUED'
			  AND (next_eligible_at IS NULL OR next_eligible_at <= $3)
		`, lease.TaskID, lease.PeerID, lease.IssuedAt)
		if err != nil {
			return fmt.Errorf("failed to lease task %s: %w", lease.TaskID, err)
		}
		if tag.RowsAffected() == 0 {
			return diagnoseTaskCAS(ctx, tx, lease.TaskID)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO task_leases (lease_id, task_id, peer_id, lease_token, issued_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, lease.ID, lease.TaskID, lease.PeerID, lease.Token, lease.IssuedAt, lease.ExpiresAt)
		if isUniqueViolation(err) {
			return types.ErrLeaseConflict
		}
		if err != nil {
			return fmt.Errorf("failed to insert lease: %w", err)
		}

		tag, err = tx.Exec(ctx, `
			UPDATE node_capabilities
			SET current_task_count = current_task_count + 1, updated_at = $2
			WHERE peer_id = $1 AND is_available
			  AND (max_concurrent_tasks <= 0 OR current_task_count < max_concurrent_tasks)
		`, lease.PeerID, lease.IssuedAt)
		if err != nil {
			return fmt.Errorf("failed to reserve node slot: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return diagnoseNodeSlot(ctx, tx, lease.PeerID)
		}
		return nil
	})
}

func diagnoseTaskCAS(ctx context.Context, tx pgx.Tx, taskID string) error {
	var status string
	err := tx.QueryRow(ctx, `SELECT status FROM tasks WHERE task_id = $1`, taskID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.ErrTaskNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read task %s: %w", taskID, err)
	}
	if types.TaskStatus(status) != types.TaskQueued {
		return types.ErrLeaseConflict
	}
	return types.ErrNotYetEligible
}

func diagnoseNodeSlot(ctx context.Context, tx pgx.Tx, peerID string) error {
	var available bool
	err := tx.QueryRow(ctx, `SELECT is_available FROM node_capabilities WHERE peer_id = $1`, peerID).Scan(&available)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.ErrNodeNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read node %s: %w", peerID, err)
	}
	if !available {
		return types.ErrNodeUnavailable
	}
	return types.ErrNodeAtCapacity
}

func (s *PostgresStore) GetLease(ctx context.Context, leaseID string) (*types.Lease, error) {
	l, err := scanLease(s.pool.QueryRow(ctx, `SELECT `+leaseColumns+` FROM task_leases WHERE lease_id = $1`, leaseID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.ErrLeaseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lease %s: %w", leaseID, err)
	}
	return l, nil
}

func (s *PostgresStore) GetActiveLease(ctx context.Context, taskID string) (*types.Lease, error) {
	l, err := scanLease(s.pool.QueryRow(ctx, `
		SELECT `+leaseColumns+` FROM task_leases WHERE task_id = $1 AND `+activeLease, taskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.ErrLeaseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active lease for task %s: %w", taskID, err)
	}
	return l, nil
}

// leaseMissOrInactive distinguishes an unknown lease from one that already ended
func leaseMissOrInactive(ctx context.Context, tx pgx.Tx, leaseID, taskID string) error {
	var exists bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM task_leases WHERE lease_id = $1 AND task_id = $2)
	`, leaseID, taskID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to read lease %s: %w", leaseID, err)
	}
	if !exists {
		return types.ErrLeaseNotFound
	}
	return types.ErrLeaseInactive
}

func (s *PostgresStore) MarkRunning(ctx context.Context, taskID, leaseID string, at time.Time) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var active bool
		err := tx.QueryRow(ctx, `
			SELECT `+activeLease+` FROM task_leases WHERE lease_id = $1 AND task_id = $2 FOR SHARE
		`, leaseID, taskID).Scan(&active)
		if errors.Is(err, pgx.ErrNoRows) {
			return types.ErrLeaseNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read lease %s: %w", leaseID, err)
		}
		if !active {
			return types.ErrLeaseInactive
		}

		var status string
		err = tx.QueryRow(ctx, `
			UPDATE tasks SET status = CASE WHEN status = 'LEASED' THEN 'RUNNING' ELSE status END,
				updated_at = CASE WHEN status = 'LEASED' THEN $2 ELSE updated_at END
			WHERE task_id = $1
			RETURNING status
		`, taskID, at).Scan(&status)
		if err != nil {
			return fmt.Errorf("failed to mark task %s running: %w", taskID, err)
		}
		if types.TaskStatus(status) != types.TaskRunning {
			return &types.StateError{TaskID: taskID, Have: types.TaskStatus(status), Want: []types.TaskStatus{types.TaskLeased}}
		}
		return nil
	})
}

func (s *PostgresStore) CompleteLease(ctx context.Context, in Completion) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var peerID string
		err := tx.QueryRow(ctx, `
			UPDATE task_leases SET released_at = $3
			WHERE lease_id = $1 AND task_id = $2 AND `+activeLease+`
			RETURNING peer_id
		`, in.LeaseID, in.TaskID, in.At).Scan(&peerID)
		if errors.Is(err, pgx.ErrNoRows) {
			return leaseMissOrInactive(ctx, tx, in.LeaseID, in.TaskID)
		}
		if err != nil {
			return fmt.Errorf("failed to release lease %s: %w", in.LeaseID, err)
		}

		tag, err := tx.Exec(ctx, `
			INSERT INTO accepted_results (task_id, idempotency_key, lease_id, accepted_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (task_id, idempotency_key) DO NOTHING
		`, in.TaskID, in.IdempotencyKey, in.LeaseID, in.At)
		if err != nil {
			return fmt.Errorf("failed to record accepted result: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return types.ErrDuplicateKey
		}

		var errMsg *string
		if in.ErrorMessage != "" {
			errMsg = &in.ErrorMessage
		}
		tag, err = tx.Exec(ctx, `
			UPDATE tasks SET status = $2, result = $3, error_message = COALESCE($4, error_message), updated_at = $5
			WHERE task_id = $1 AND status IN ('LEASED', 'RUNNING')
		`, in.TaskID, string(in.Status), nullableJSON(in.Result), errMsg, in.At)
		if err != nil {
			return fmt.Errorf("failed to complete task %s: %w", in.TaskID, err)
		}
		if tag.RowsAffected() == 0 {
			var status string
			if err := tx.QueryRow(ctx, `SELECT status FROM tasks WHERE task_id = $1`, in.TaskID).Scan(&status); err != nil {
				return fmt.Errorf("failed to read task %s: %w", in.TaskID, err)
			}
			return &types.StateError{TaskID: in.TaskID, Have: types.TaskStatus(status), Want: owning}
		}

		success, failure := 0, 0
		if in.Status == types.TaskCompleted {
			success = 1
		} else {
			failure = 1
		}
		_, err = tx.Exec(ctx, `
			UPDATE node_capabilities
			SET current_task_count = GREATEST(current_task_count - 1, 0),
				success_count = success_count + $2,
				failure_count = failure_count + $3,
				updated_at = $4
			WHERE peer_id = $1
		`, peerID, success, failure, in.At)
		if err != nil {
			return fmt.Errorf("failed to release node slot: %w", err)
		}
		return nil
	})
}

// endLease moves the owning task out of LEASED/RUNNING and frees the node slot
func endLease(ctx context.Context, tx pgx.Tx, taskID, peerID string, taskStatus types.TaskStatus, at time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE tasks SET status = $3, assigned_peer_id = NULL, updated_at = $4
		WHERE task_id = $1 AND assigned_peer_id = $2 AND status IN ('LEASED', 'RUNNING')
	`, taskID, peerID, string(taskStatus), at)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", taskID, err)
	}
	_, err = tx.Exec(ctx, `
		UPDATE node_capabilities SET current_task_count = GREATEST(current_task_count - 1, 0), updated_at = $2
		WHERE peer_id = $1
	`, peerID, at)
	if err != nil {
		return fmt.Errorf("failed to release node slot for %s: %w", peerID, err)
	}
	return nil
}

func (s *PostgresStore) RevokeLease(ctx context.Context, leaseID, reason string, taskStatus types.TaskStatus, at time.Time) (bool, error) {
	revoked := false
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var taskID, peerID string
		err := tx.QueryRow(ctx, `
			UPDATE task_leases SET is_revoked = TRUE, is_expired = TRUE, revoked_at = $2, revoke_reason = $3
			WHERE lease_id = $1 AND `+activeLease+`
			RETURNING task_id, peer_id
		`, leaseID, at, reason).Scan(&taskID, &peerID)
		if errors.Is(err, pgx.ErrNoRows) {
			return leaseExists(ctx, tx, leaseID)
		}
		if err != nil {
			return fmt.Errorf("failed to revoke lease %s: %w", leaseID, err)
		}
		revoked = true
		return endLease(ctx, tx, taskID, peerID, taskStatus, at)
	})
	if err != nil {
		return false, err
	}
	return revoked, nil
}

func (s *PostgresStore) ExpireLease(ctx context.Context, leaseID string, at time.Time) (bool, error) {
	expired := false
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var taskID, peerID string
		err := tx.QueryRow(ctx, `
			UPDATE task_leases SET is_expired = TRUE
			WHERE lease_id = $1 AND `+activeLease+`
			RETURNING task_id, peer_id
		`, leaseID).Scan(&taskID, &peerID)
		if errors.Is(err, pgx.ErrNoRows) {
			return leaseExists(ctx, tx, leaseID)
		}
		if err != nil {
			return fmt.Errorf("failed to expire lease %s: %w", leaseID, err)
		}
		expired = true
		return endLease(ctx, tx, taskID, peerID, types.TaskExpired, at)
	})
	if err != nil {
		return false, err
	}
	return expired, nil
}

// leaseExists returns nil for a known but inactive lease
func leaseExists(ctx context.Context, tx pgx.Tx, leaseID string) error {
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM task_leases WHERE lease_id = $1)`, leaseID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to read lease %s: %w", leaseID, err)
	}
	if !exists {
		return types.ErrLeaseNotFound
	}
	return nil
}

func (s *PostgresStore) ListExpiredLeases(ctx context.Context, cutoff time.Time, limit int) ([]types.Lease, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+leaseColumns+` FROM task_leases
		WHERE `+activeLease+` AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired leases: %w", err)
	}
	return collectLeases(rows)
}

func (s *PostgresStore) ListActiveLeasesByPeer(ctx context.Context, peerID string) ([]types.Lease, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+leaseColumns+` FROM task_leases
		WHERE peer_id = $1 AND `+activeLease+`
		ORDER BY issued_at
	`, peerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list leases of peer %s: %w", peerID, err)
	}
	return collectLeases(rows)
}

func (s *PostgresStore) CountActiveLeases(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM task_leases WHERE `+activeLease).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count active leases: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) CountLeasesExpiringBefore(ctx context.Context, t time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM task_leases WHERE `+activeLease+` AND expires_at < $1
	`, t).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count expiring leases: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) HasAcceptedResult(ctx context.Context, taskID, idempotencyKey string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM accepted_results WHERE task_id = $1 AND idempotency_key = $2)
	`, taskID, idempotencyKey).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check accepted result: %w", err)
	}
	return exists, nil
}

// revokeLingering ends any lease still active for the task and frees the
// corresponding node slots
func revokeLingering(ctx context.Context, tx pgx.Tx, taskID, reason string, at time.Time) error {
	_, err := tx.Exec(ctx, `
		WITH revoked AS (
			UPDATE task_leases SET is_revoked = TRUE, is_expired = TRUE, revoked_at = $2, revoke_reason = $3
			WHERE task_id = $1 AND `+activeLease+`
			RETURNING peer_id
		), per_peer AS (
			SELECT peer_id, COUNT(*) AS n FROM revoked GROUP BY peer_id
		)
		UPDATE node_capabilities nc
		SET current_task_count = GREATEST(nc.current_task_count - per_peer.n, 0), updated_at = $2
		FROM per_peer
		WHERE nc.peer_id = per_peer.peer_id
	`, taskID, at, reason)
	if err != nil {
		return fmt.Errorf("failed to revoke lingering leases of task %s: %w", taskID, err)
	}
	return nil
}

func taskExists(ctx context.Context, tx pgx.Tx, taskID string) error {
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tasks WHERE task_id = $1)`, taskID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to read task %s: %w", taskID, err)
	}
	if !exists {
		return types.ErrTaskNotFound
	}
	return nil
}

func (s *PostgresStore) RequeueTask(ctx context.Context, in Requeue) (bool, error) {
	applied := false
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE tasks
			SET status = 'QUEUED', retry_count = retry_count + 1, assigned_peer_id = NULL,
				next_eligible_at = $3, updated_at = $4
			WHERE task_id = $1 AND status IN ('FAILED', 'EXPIRED') AND retry_count = $2
		`, in.TaskID, in.ExpectedRetryCount, in.NextEligibleAt, in.At)
		if err != nil {
			return fmt.Errorf("failed to requeue task %s: %w", in.TaskID, err)
		}
		if tag.RowsAffected() == 0 {
			return taskExists(ctx, tx, in.TaskID)
		}
		applied = true
		return revokeLingering(ctx, tx, in.TaskID, "requeued", in.At)
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func (s *PostgresStore) MarkPermanentlyFailed(ctx context.Context, taskID string, expectedRetryCount int, reason string, at time.Time) (bool, error) {
	applied := false
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE tasks
			SET status = 'PERMANENTLY_FAILED', assigned_peer_id = NULL, error_message = $3, updated_at = $4
			WHERE task_id = $1 AND status IN ('FAILED', 'EXPIRED') AND retry_count = $2
		`, taskID, expectedRetryCount, reason, at)
		if err != nil {
			return fmt.Errorf("failed to mark task %s permanently failed: %w", taskID, err)
		}
		if tag.RowsAffected() == 0 {
			return taskExists(ctx, tx, taskID)
		}
		applied = true
		return revokeLingering(ctx, tx, taskID, "permanently failed", at)
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func (s *PostgresStore) UpsertNode(ctx context.Context, node types.NodeCapability) (*types.NodeCapability, error) {
	profile, err := json.Marshal(node.Profile)
	if err != nil {
		return nil, fmt.Errorf("failed to encode profile: %w", err)
	}
	usage, err := json.Marshal(node.Usage)
	if err != nil {
		return nil, fmt.Errorf("failed to encode usage: %w", err)
	}

	n, err := scanNode(s.pool.QueryRow(ctx, `
		INSERT INTO node_capabilities (peer_id, profile, usage, is_available, max_concurrent_tasks, last_heartbeat_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (peer_id) DO UPDATE SET
			profile = EXCLUDED.profile,
			usage = EXCLUDED.usage,
			is_available = EXCLUDED.is_available,
			max_concurrent_tasks = EXCLUDED.max_concurrent_tasks,
			last_heartbeat_at = COALESCE(EXCLUDED.last_heartbeat_at, node_capabilities.last_heartbeat_at),
			updated_at = NOW()
		RETURNING `+nodeColumns,
		node.PeerID, profile, usage, node.IsAvailable, node.MaxConcurrentTasks, node.LastHeartbeatAt))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert node %s: %w", node.PeerID, err)
	}
	return n, nil
}

func (s *PostgresStore) GetNode(ctx context.Context, peerID string) (*types.NodeCapability, error) {
	n, err := scanNode(s.pool.QueryRow(ctx, `SELECT `+nodeColumns+` FROM node_capabilities WHERE peer_id = $1`, peerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.ErrNodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node %s: %w", peerID, err)
	}
	return n, nil
}

func (s *PostgresStore) ListNodes(ctx context.Context) ([]types.NodeCapability, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+nodeColumns+` FROM node_capabilities ORDER BY peer_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer rows.Close()

	out := make([]types.NodeCapability, 0)
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RecordHeartbeat(ctx context.Context, peerID string, at time.Time, usage *capability.Usage) error {
	var usageJSON []byte
	if usage != nil {
		b, err := json.Marshal(usage)
		if err != nil {
			return fmt.Errorf("failed to encode usage: %w", err)
		}
		usageJSON = b
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE node_capabilities
		SET last_heartbeat_at = $2, is_available = TRUE, usage = COALESCE($3, usage), updated_at = $2
		WHERE peer_id = $1
	`, peerID, at, usageJSON)
	if err != nil {
		return fmt.Errorf("failed to record heartbeat of %s: %w", peerID, err)
	}
	if tag.RowsAffected() == 0 {
		return types.ErrNodeNotFound
	}
	return nil
}

func (s *PostgresStore) SetNodeAvailability(ctx context.Context, peerID string, available bool) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE node_capabilities SET is_available = $2, updated_at = NOW() WHERE peer_id = $1
	`, peerID, available)
	if err != nil {
		return fmt.Errorf("failed to set availability of %s: %w", peerID, err)
	}
	if tag.RowsAffected() == 0 {
		return types.ErrNodeNotFound
	}
	return nil
}

func (s *PostgresStore) AppendAudit(ctx context.Context, rec types.AuditRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_log (kind, task_id, peer_id, lease_id, reason, details, created_at)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), $6, $7)
	`, string(rec.Kind), rec.TaskID, rec.PeerID, rec.LeaseID, rec.Reason, nullableJSON(rec.Details), rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAudit(ctx context.Context, filter types.AuditFilter) ([]types.AuditRecord, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.Kind != "" {
		add("kind = $%d", string(filter.Kind))
	}
	if filter.TaskID != "" {
		add("task_id = $%d", filter.TaskID)
	}
	if filter.PeerID != "" {
		add("peer_id = $%d", filter.PeerID)
	}
	if !filter.Since.IsZero() {
		add("created_at >= $%d", filter.Since)
	}

	query := `SELECT id, kind, COALESCE(task_id, ''), COALESCE(peer_id, ''), COALESCE(lease_id, ''),
		COALESCE(reason, ''), details, created_at FROM audit_log`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit records: %w", err)
	}
	defer rows.Close()

	out := make([]types.AuditRecord, 0)
	for rows.Next() {
		var (
			rec     types.AuditRecord
			kind    string
			details []byte
		)
		if err := rows.Scan(&rec.ID, &kind, &rec.TaskID, &rec.PeerID, &rec.LeaseID, &rec.Reason, &details, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Kind = types.AuditKind(kind)
		if len(details) > 0 {
			rec.Details = json.RawMessage(details)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteAuditBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}
	var total int64
	for {
		tag, err := s.pool.Exec(ctx, `
			DELETE FROM audit_log WHERE id IN (
				SELECT id FROM audit_log WHERE created_at < $1 ORDER BY id LIMIT $2
			)
		`, cutoff, batchSize)
		if err != nil {
			return total, fmt.Errorf("failed to delete audit records: %w", err)
		}
		total += tag.RowsAffected()
		if tag.RowsAffected() < int64(batchSize) {
			return total, nil
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
