package lease

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/peerswarm/lease-coordinator/internal/controlplane"
	"github.com/peerswarm/lease-coordinator/internal/events"
	"github.com/peerswarm/lease-coordinator/internal/store"
	"github.com/peerswarm/lease-coordinator/internal/types"
)

// Submit validates a peer's result and records it.
//
// The submission time is always the moment the coordinator receives the
// result; a caller supplied SubmittedAt is ignored. Buffered replays go
// through Revalidate, which keeps the capture time.
//
// An accepted result is committed to the store: the task becomes COMPLETED
// or FAILED, the lease is released and the node load drops. The result is
// then forwarded to the control plane. While the control plane is
// partitioned the result is buffered before the commit, so a full buffer
// refuses the submission with nothing recorded. When forwarding fails
// transiently the result is buffered after the commit; if that also fails
// the outcome carries ForwardError. A FAILED task is handed to requeue.
func (s *Service) Submit(ctx context.Context, sub types.ResultSubmission) (*types.SubmitOutcome, error) {
	ctx, span := s.tracer.Start(ctx, "lease.Submit", trace.WithAttributes(
		attribute.String("task_id", sub.TaskID),
		attribute.String("peer_id", sub.PeerID),
	))
	defer span.End()

	out, err := s.submit(ctx, sub)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Bool("accepted", out.Decision.Accepted),
		attribute.Bool("buffered", out.Buffered),
	)
	return out, nil
}

func (s *Service) submit(ctx context.Context, sub types.ResultSubmission) (*types.SubmitOutcome, error) {
	switch sub.Status {
	case "":
		sub.Status = types.ResultCompleted
	case types.ResultCompleted, types.ResultFailed:
	default:
		return nil, &types.InputError{Field: "status", Msg: fmt.Sprintf("must be COMPLETED or FAILED, got %q", sub.Status)}
	}
	sub.SubmittedAt = s.now()
	sub = s.normalize(sub)

	decision, lease, task, err := s.check(ctx, sub)
	if err != nil {
		return nil, err
	}
	if !decision.Accepted {
		s.recordRejection(ctx, sub, lease, decision)
		return &types.SubmitOutcome{Decision: decision}, nil
	}
	workflowID := workflowOf(task)

	// While partitioned the buffer slot is taken before anything is
	// committed; the peer retries on ErrBufferFull while its lease is valid.
	var (
		seq     int64
		created bool
	)
	preBuffered := s.degraded() && s.buffer != nil
	if preBuffered {
		seq, created, err = s.buffer.Enqueue(ctx, sub, workflowID)
		if err != nil {
			return nil, err
		}
	}

	// an entry found already buffered belongs to an earlier identical
	// submission and stays
	status, lost, err := s.commit(ctx, sub, lease)
	if (err != nil || lost != nil) && created {
		s.discardBuffered(ctx, sub, seq)
	}
	if err != nil {
		return nil, err
	}
	if lost != nil {
		s.recordRejection(ctx, sub, lease, *lost)
		return &types.SubmitOutcome{Decision: *lost}, nil
	}

	out := &types.SubmitOutcome{Decision: decision, Status: status}
	if preBuffered {
		s.bufferedEvent(ctx, sub, seq, "control plane partitioned")
		out.Buffered = true
	} else {
		out.Buffered, out.ForwardError = s.forward(ctx, sub, workflowID)
	}

	if status == types.TaskFailed {
		out.Requeue = s.requeueFailed(ctx, sub.TaskID)
		if out.Requeue != nil {
			switch out.Requeue.Outcome {
			case types.OutcomeRequeued, types.OutcomeAlreadyQueued:
				out.Status = types.TaskQueued
			case types.OutcomePermanentlyFailed:
				out.Status = types.TaskPermanentlyFailed
			}
		}
	}
	return out, nil
}

// Revalidate re-checks a buffered submission, keeping its original
// submission time. A submission that was already recorded locally comes back
// as DUPLICATE, which the buffer treats as safe to forward. One that was not
// is recorded now.
func (s *Service) Revalidate(ctx context.Context, sub types.ResultSubmission) (types.Decision, error) {
	sub = s.normalize(sub)
	decision, lease, _, err := s.check(ctx, sub)
	if err != nil {
		return types.Decision{}, err
	}
	if decision.Reason == types.RejectDuplicate {
		return decision, nil
	}
	if !decision.Accepted {
		s.recordRejection(ctx, sub, lease, decision)
		return decision, nil
	}

	status, lost, err := s.commit(ctx, sub, lease)
	if err != nil {
		return types.Decision{}, err
	}
	if lost != nil {
		if lost.Reason != types.RejectDuplicate {
			s.recordRejection(ctx, sub, lease, *lost)
		}
		return *lost, nil
	}
	if status == types.TaskFailed {
		s.requeueFailed(ctx, sub.TaskID)
	}
	return decision, nil
}

// commit records an accepted result. A non-nil decision means the lease was
// lost between validation and commit.
func (s *Service) commit(ctx context.Context, sub types.ResultSubmission, lease *types.Lease) (types.TaskStatus, *types.Decision, error) {
	status := types.TaskCompleted
	if sub.Status == types.ResultFailed {
		status = types.TaskFailed
	}

	err := s.store.CompleteLease(ctx, store.Completion{
		TaskID:         sub.TaskID,
		LeaseID:        lease.ID,
		PeerID:         sub.PeerID,
		IdempotencyKey: sub.IdempotencyKey,
		Status:         status,
		Result:         sub.Payload,
		ErrorMessage:   sub.ErrorMessage,
		At:             s.now(),
	})
	switch {
	case err == nil:
	case errors.Is(err, types.ErrDuplicateKey):
		d := types.Reject(types.RejectDuplicate, "result already accepted")
		return "", &d, nil
	case errors.Is(err, types.ErrLeaseInactive):
		d := types.Reject(types.RejectLeaseRevoked, "lease ended before the result was recorded")
		return "", &d, nil
	default:
		return "", nil, fmt.Errorf("failed to record result for task %s: %w", sub.TaskID, err)
	}

	s.metrics.ResultAccepted(string(status))
	s.events.Emit(ctx, events.Event{
		Type:    events.ResultAccepted,
		TaskID:  sub.TaskID,
		PeerID:  sub.PeerID,
		LeaseID: lease.ID,
		Reason:  string(status),
	})
	s.logger.Info().
		Str("task_id", sub.TaskID).
		Str("peer_id", sub.PeerID).
		Str("lease_id", lease.ID).
		Str("status", string(status)).
		Msg("Result accepted")
	return status, nil, nil
}

func (s *Service) degraded() bool {
	return s.partition != nil && s.partition.Degraded()
}

// forward sends an accepted result to the control plane. It reports whether
// the result was buffered instead, and why it was neither delivered nor
// buffered.
func (s *Service) forward(ctx context.Context, sub types.ResultSubmission, workflowID string) (bool, string) {
	if s.degraded() {
		return s.bufferResult(ctx, sub, workflowID, "control plane partitioned")
	}
	if s.forwarder == nil {
		return false, ""
	}

	err := s.forwarder.SubmitResult(ctx, controlplane.RequestFromSubmission(sub, workflowID))
	if err == nil {
		return false, ""
	}
	if controlplane.IsTransient(err) {
		if s.partition != nil {
			s.partition.ReportFailure(err)
		}
		return s.bufferResult(ctx, sub, workflowID, err.Error())
	}

	// The control plane refused the result outright; the local record stands.
	s.logger.Error().
		Err(err).
		Str("task_id", sub.TaskID).
		Str("peer_id", sub.PeerID).
		Msg("Control plane rejected result")
	return false, ""
}

func (s *Service) bufferResult(ctx context.Context, sub types.ResultSubmission, workflowID, why string) (bool, string) {
	if s.buffer == nil {
		s.logger.Error().Str("task_id", sub.TaskID).Str("reason", why).Msg("Result not forwarded and no buffer configured")
		return false, why
	}
	seq, _, err := s.buffer.Enqueue(ctx, sub, workflowID)
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("task_id", sub.TaskID).
			Str("peer_id", sub.PeerID).
			Str("reason", why).
			Msg("Failed to buffer result")
		return false, fmt.Sprintf("%s; buffering failed: %v", why, err)
	}
	s.bufferedEvent(ctx, sub, seq, why)
	return true, ""
}

func (s *Service) bufferedEvent(ctx context.Context, sub types.ResultSubmission, seq int64, why string) {
	s.events.Emit(ctx, events.Event{Type: events.ResultBuffered, TaskID: sub.TaskID, PeerID: sub.PeerID, Reason: why})
	s.logger.Warn().
		Str("task_id", sub.TaskID).
		Str("peer_id", sub.PeerID).
		Int64("seq", seq).
		Str("reason", why).
		Msg("Result buffered")
}

// discardBuffered drops an entry buffered for a result that was then not
// recorded
func (s *Service) discardBuffered(ctx context.Context, sub types.ResultSubmission, seq int64) {
	if err := s.buffer.Discard(context.WithoutCancel(ctx), seq); err != nil {
		s.logger.Error().
			Err(err).
			Str("task_id", sub.TaskID).
			Int64("seq", seq).
			Msg("Failed to discard buffered result")
	}
}

func (s *Service) requeueFailed(ctx context.Context, taskID string) *types.RequeueResult {
	if s.requeuer == nil {
		return nil
	}
	res, err := s.requeuer.Requeue(ctx, taskID)
	if err != nil {
		s.logger.Error().Err(err).Str("task_id", taskID).Msg("Failed to requeue failed task")
		return nil
	}
	return res
}

func workflowOf(task *types.Task) string {
	if task == nil || task.WorkflowID == nil {
		return ""
	}
	return *task.WorkflowID
}
