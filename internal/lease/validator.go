package lease

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/peerswarm/lease-coordinator/internal/audit"
	"github.com/peerswarm/lease-coordinator/internal/events"
	swarmhttp "github.com/peerswarm/lease-coordinator/internal/http"
	"github.com/peerswarm/lease-coordinator/internal/types"
)

// DefaultIdempotencyKey derives a submission key from the lease token, so a
// peer retrying the same submission without a key is still deduplicated.
func DefaultIdempotencyKey(rawToken string) string {
	return swarmhttp.ComputeSha256([]byte(rawToken))
}

func validateIDs(sub types.ResultSubmission) error {
	if sub.TaskID == "" {
		return &types.InputError{Field: "taskId", Msg: "required"}
	}
	if sub.PeerID == "" {
		return &types.InputError{Field: "peerId", Msg: "required"}
	}
	return nil
}

func (s *Service) normalize(sub types.ResultSubmission) types.ResultSubmission {
	if sub.SubmittedAt.IsZero() {
		sub.SubmittedAt = s.now()
	}
	if sub.IdempotencyKey == "" {
		sub.IdempotencyKey = DefaultIdempotencyKey(sub.Token)
	}
	return sub
}

// Validate decides whether a submission would be accepted. Checks run in a
// fixed order and the first failure wins: DUPLICATE, INVALID_TOKEN,
// TASK_MISMATCH, OWNERSHIP_VIOLATION, LEASE_EXPIRED, LEASE_REVOKED.
//
// Rejections are audited and, for ownership and expiry, the peer is notified.
// An unknown task is an error, not a rejection.
func (s *Service) Validate(ctx context.Context, sub types.ResultSubmission) (types.Decision, error) {
	ctx, span := s.tracer.Start(ctx, "lease.Validate", trace.WithAttributes(
		attribute.String("task_id", sub.TaskID),
		attribute.String("peer_id", sub.PeerID),
	))
	defer span.End()

	sub = s.normalize(sub)
	decision, lease, _, err := s.check(ctx, sub)
	if err != nil {
		span.RecordError(err)
		return types.Decision{}, err
	}
	if !decision.Accepted {
		span.SetAttributes(attribute.String("reject_reason", string(decision.Reason)))
		s.recordRejection(ctx, sub, lease, decision)
	}
	return decision, nil
}

// check runs the validation chain. The returned lease is set whenever the
// token resolved to a lease row.
func (s *Service) check(ctx context.Context, sub types.ResultSubmission) (types.Decision, *types.Lease, *types.Task, error) {
	if err := validateIDs(sub); err != nil {
		return types.Decision{}, nil, nil, err
	}
	task, err := s.store.GetTask(ctx, sub.TaskID)
	if err != nil {
		return types.Decision{}, nil, nil, err
	}

	dup, err := s.store.HasAcceptedResult(ctx, sub.TaskID, sub.IdempotencyKey)
	if err != nil {
		return types.Decision{}, nil, nil, fmt.Errorf("failed to check accepted results: %w", err)
	}
	if dup {
		return types.Reject(types.RejectDuplicate, "result already accepted"), nil, task, nil
	}

	decision, lease := s.checkToken(ctx, sub)
	return decision, lease, task, nil
}

// checkToken runs every check after duplicate detection
func (s *Service) checkToken(ctx context.Context, sub types.ResultSubmission) (types.Decision, *types.Lease) {
	claims, err := s.signer.Parse(sub.Token)
	if err != nil {
		return types.Reject(types.RejectInvalidToken, "token is malformed or its signature does not verify"), nil
	}

	lease, err := s.store.GetLease(ctx, claims.LeaseID())
	if err != nil {
		if !errors.Is(err, types.ErrLeaseNotFound) {
			s.logger.Error().Err(err).Str("lease_id", claims.LeaseID()).Msg("Failed to load lease")
		}
		return types.Reject(types.RejectInvalidToken, "token does not reference a known lease"), nil
	}
	if lease.TaskID != claims.TaskID || lease.PeerID != claims.PeerID {
		return types.Reject(types.RejectInvalidToken, "token claims disagree with the lease record"), lease
	}

	if claims.TaskID != sub.TaskID {
		return types.Reject(types.RejectTaskMismatch, fmt.Sprintf("token was issued for task %s", claims.TaskID)), lease
	}
	if claims.PeerID != sub.PeerID {
		return types.Reject(types.RejectOwnershipViolation, "lease is owned by another peer"), lease
	}

	deadline := lease.ExpiresAt.Add(s.cfg.Grace)
	if !sub.SubmittedAt.Before(deadline) {
		return types.Reject(types.RejectLeaseExpired, fmt.Sprintf("lease expired at %s", lease.ExpiresAt.Format("2006-01-02T15:04:05.000Z07:00"))), lease
	}

	switch {
	case lease.IsRevoked:
		msg := "lease was revoked"
		if lease.RevokeReason != nil {
			msg = "lease was revoked: " + *lease.RevokeReason
		}
		return types.Reject(types.RejectLeaseRevoked, msg), lease
	case lease.IsExpired:
		return types.Reject(types.RejectLeaseExpired, "lease was expired by the monitor"), lease
	case lease.ReleasedAt != nil:
		return types.Reject(types.RejectLeaseRevoked, "lease was already released"), lease
	}

	return types.Accept(lease.ID), lease
}

// recordRejection meters, audits and logs a rejection and notifies the peer
// when the rejection concerns ownership or expiry
func (s *Service) recordRejection(ctx context.Context, sub types.ResultSubmission, lease *types.Lease, d types.Decision) {
	leaseID := ""
	if lease != nil {
		leaseID = lease.ID
	}

	s.metrics.ResultRejected(string(d.Reason))
	s.audit.Record(ctx, types.AuditRecord{
		Kind:    types.AuditLeaseRejected,
		TaskID:  sub.TaskID,
		PeerID:  sub.PeerID,
		LeaseID: leaseID,
		Reason:  string(d.Reason),
		Details: audit.Details(map[string]any{
			"message":        d.Message,
			"submittedAt":    sub.SubmittedAt,
			"idempotencyKey": sub.IdempotencyKey,
		}),
	})
	s.events.Emit(ctx, events.Event{
		Type:    events.ResultRejected,
		TaskID:  sub.TaskID,
		PeerID:  sub.PeerID,
		LeaseID: leaseID,
		Reason:  string(d.Reason),
	})
	if d.Reason.NotifiesPeer() {
		s.events.NotifyPeer(ctx, sub.PeerID, events.PeerNotice{
			TaskID:  sub.TaskID,
			LeaseID: leaseID,
			Reason:  string(d.Reason),
			Message: d.Message,
		})
	}

	s.logger.Warn().
		Str("task_id", sub.TaskID).
		Str("peer_id", sub.PeerID).
		Str("lease_id", leaseID).
		Str("reason", string(d.Reason)).
		Str("detail", d.Message).
		Msg("Result rejected")
}
