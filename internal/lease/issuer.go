package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/peerswarm/lease-coordinator/internal/audit"
	"github.com/peerswarm/lease-coordinator/internal/capability"
	"github.com/peerswarm/lease-coordinator/internal/events"
	"github.com/peerswarm/lease-coordinator/internal/types"
)

// Issue grants peerID an exclusive lease on a QUEUED task.
//
// When snapshot is nil the node's stored capabilities are matched. The
// QUEUED -> LEASED transition, the lease insert and the node counter bump
// happen in one store transaction; losing the race to another issuer returns
// types.ErrLeaseConflict and leaves no trace.
func (s *Service) Issue(ctx context.Context, taskID, peerID string, snapshot *types.NodeCapability) (*types.Lease, error) {
	ctx, span := s.tracer.Start(ctx, "lease.Issue", trace.WithAttributes(
		attribute.String("task_id", taskID),
		attribute.String("peer_id", peerID),
	))
	defer span.End()

	lease, err := s.issue(ctx, taskID, peerID, snapshot)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.metrics.LeaseIssueFailed(issueFailureCause(err))
		return nil, err
	}
	span.SetAttributes(attribute.String("lease_id", lease.ID))
	return lease, nil
}

func (s *Service) issue(ctx context.Context, taskID, peerID string, snapshot *types.NodeCapability) (*types.Lease, error) {
	if taskID == "" {
		return nil, &types.InputError{Field: "taskId", Msg: "required"}
	}
	if peerID == "" {
		return nil, &types.InputError{Field: "peerId", Msg: "required"}
	}

	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != types.TaskQueued {
		stateErr := &types.StateError{TaskID: taskID, Have: task.Status, Want: []types.TaskStatus{types.TaskQueued}}
		if task.Status == types.TaskLeased || task.Status == types.TaskRunning {
			// another issuer already won
			return nil, fmt.Errorf("%w: %w", types.ErrLeaseConflict, stateErr)
		}
		return nil, stateErr
	}

	node := snapshot
	if node == nil {
		node, err = s.store.GetNode(ctx, peerID)
		if err != nil {
			return nil, err
		}
	}
	if result := capability.Match(task.Requirements, node.Profile, node.Usage); !result.OK() {
		return nil, &types.ValidationError{TaskID: taskID, PeerID: peerID, Result: result}
	}

	// Postgres keeps microseconds; truncate so the row and the token agree
	issuedAt := s.now().Truncate(time.Microsecond)
	expiresAt := issuedAt.Add(s.cfg.DurationFor(task.Complexity))
	leaseID := uuid.NewString()

	raw, err := s.signer.Mint(leaseID, taskID, peerID, issuedAt, expiresAt)
	if err != nil {
		return nil, err
	}

	lease := types.Lease{
		ID:        leaseID,
		TaskID:    taskID,
		PeerID:    peerID,
		Token:     raw,
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
	}
	if err := s.store.AcquireLease(ctx, lease); err != nil {
		if errors.Is(err, types.ErrLeaseConflict) {
			s.logger.Debug().Str("task_id", taskID).Str("peer_id", peerID).Msg("Lost lease race")
		}
		return nil, err
	}

	s.metrics.LeaseIssued(string(task.Complexity))
	s.events.Emit(ctx, events.Event{
		Type:    events.LeaseIssued,
		TaskID:  taskID,
		PeerID:  peerID,
		LeaseID: leaseID,
		At:      issuedAt,
	})
	s.logger.Info().
		Str("task_id", taskID).
		Str("peer_id", peerID).
		Str("lease_id", leaseID).
		Time("expires_at", expiresAt).
		Msg("Lease issued")

	return &lease, nil
}

// issueFailureCause maps an issuance error to a metric label
func issueFailureCause(err error) string {
	var (
		stateErr *types.StateError
		valErr   *types.ValidationError
		inputErr *types.InputError
	)
	switch {
	case errors.Is(err, types.ErrLeaseConflict):
		return "conflict"
	case errors.As(err, &stateErr):
		return "invalid_state"
	case errors.As(err, &valErr):
		return "capability_mismatch"
	case errors.As(err, &inputErr):
		return "invalid_input"
	case errors.Is(err, types.ErrTaskNotFound):
		return "task_not_found"
	case errors.Is(err, types.ErrNodeNotFound):
		return "node_not_found"
	case errors.Is(err, types.ErrNodeUnavailable), errors.Is(err, types.ErrNodeAtCapacity):
		return "node_unavailable"
	case errors.Is(err, types.ErrNotYetEligible):
		return "backoff"
	default:
		return "internal"
	}
}

// Ack records that the peer started work, moving LEASED -> RUNNING. The token
// is checked the same way as on submission; a failed check is returned as a
// *types.RejectionError.
func (s *Service) Ack(ctx context.Context, taskID, peerID, rawToken string) (*types.Lease, error) {
	sub := types.ResultSubmission{TaskID: taskID, PeerID: peerID, Token: rawToken, SubmittedAt: s.now()}
	if err := validateIDs(sub); err != nil {
		return nil, err
	}
	if _, err := s.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}

	decision, lease := s.checkToken(ctx, sub)
	if !decision.Accepted {
		s.recordRejection(ctx, sub, lease, decision)
		return nil, &types.RejectionError{Decision: decision}
	}

	if err := s.store.MarkRunning(ctx, taskID, lease.ID, sub.SubmittedAt); err != nil {
		if errors.Is(err, types.ErrLeaseInactive) {
			d := types.Reject(types.RejectLeaseRevoked, "lease is no longer active")
			s.recordRejection(ctx, sub, lease, d)
			return nil, &types.RejectionError{Decision: d}
		}
		return nil, fmt.Errorf("failed to acknowledge lease %s: %w", lease.ID, err)
	}

	s.events.Emit(ctx, events.Event{Type: events.LeaseAcknowledged, TaskID: taskID, PeerID: peerID, LeaseID: lease.ID})
	s.logger.Debug().Str("task_id", taskID).Str("peer_id", peerID).Str("lease_id", lease.ID).Msg("Lease acknowledged")
	return lease, nil
}

// Revoke cancels the active lease of a task and puts the task back in the
// queue without touching its retry count. It reports false when the task had
// no active lease.
func (s *Service) Revoke(ctx context.Context, taskID, reason string) (bool, error) {
	if reason == "" {
		reason = "revoked by operator"
	}
	lease, err := s.store.GetActiveLease(ctx, taskID)
	if err != nil {
		if errors.Is(err, types.ErrLeaseNotFound) {
			return false, nil
		}
		return false, err
	}

	now := s.now()
	ok, err := s.store.RevokeLease(ctx, lease.ID, reason, types.TaskQueued, now)
	if err != nil {
		return false, fmt.Errorf("failed to revoke lease %s: %w", lease.ID, err)
	}
	if !ok {
		return false, nil
	}

	s.metrics.LeaseRevoked("manual")
	s.audit.Record(ctx, types.AuditRecord{
		Kind:    types.AuditLeaseRevoked,
		TaskID:  taskID,
		PeerID:  lease.PeerID,
		LeaseID: lease.ID,
		Reason:  reason,
		Details: audit.Details(map[string]any{"taskStatus": types.TaskQueued, "trigger": "manual"}),
	})
	s.events.Emit(ctx, events.Event{Type: events.LeaseRevoked, TaskID: taskID, PeerID: lease.PeerID, LeaseID: lease.ID, Reason: reason})
	s.events.NotifyPeer(ctx, lease.PeerID, events.PeerNotice{
		TaskID:  taskID,
		LeaseID: lease.ID,
		Reason:  string(types.RejectLeaseRevoked),
		Message: reason,
	})
	s.logger.Info().
		Str("task_id", taskID).
		Str("peer_id", lease.PeerID).
		Str("lease_id", lease.ID).
		Str("reason", reason).
		Msg("Lease revoked")
	return true, nil
}
