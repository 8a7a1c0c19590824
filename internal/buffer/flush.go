package buffer

import (
	"context"
	"errors"
	"fmt"

	"github.com/peerswarm/lease-coordinator/internal/audit"
	"github.com/peerswarm/lease-coordinator/internal/controlplane"
	"github.com/peerswarm/lease-coordinator/internal/types"
)

// Revalidator re-checks a buffered submission against the lease store and
// records it locally if that has not happened yet
type Revalidator interface {
	Revalidate(ctx context.Context, sub types.ResultSubmission) (types.Decision, error)
}

// Forwarder delivers a result to the control plane
type Forwarder interface {
	SubmitResult(ctx context.Context, req controlplane.ResultRequest) error
}

// FlushSummary reports what a flush did
type FlushSummary struct {
	Attempted   int  `json:"attempted"`
	Delivered   int  `json:"delivered"`
	Rejected    int  `json:"rejected"`
	Retried     int  `json:"retried"`
	Failed      int  `json:"failed"`
	Skipped     int  `json:"skipped"`
	Remaining   int  `json:"remaining"`
	Interrupted bool `json:"interrupted"`
}

// Drained reports whether nothing is left pending
func (s *FlushSummary) Drained() bool {
	return !s.Interrupted && s.Remaining == 0
}

// Flush makes one FIFO pass over pending entries. Each entry is revalidated
// with its capture time, forwarded with its idempotency key and marked
// delivered. A transient control plane error stops the pass and is returned;
// entries already delivered stay delivered. Any other failure counts an
// attempt and holds back later entries for the same task until the next pass.
func (b *Buffer) Flush(ctx context.Context, v Revalidator, fwd Forwarder) (*FlushSummary, error) {
	summary := &FlushSummary{}
	blocked := make(map[string]bool)
	var after int64

	defer func() {
		if depth, err := b.Depth(context.WithoutCancel(ctx)); err == nil {
			summary.Remaining = depth
			b.metrics.BufferDepth(depth)
		}
		b.metrics.BufferFlushed(summary.Delivered, summary.Retried, summary.Failed+summary.Rejected)
	}()

	for {
		entries, err := b.Pending(ctx, after, b.flushPage)
		if err != nil {
			return summary, err
		}
		if len(entries) == 0 {
			return summary, nil
		}

		for _, e := range entries {
			after = e.Seq
			if err := ctx.Err(); err != nil {
				summary.Interrupted = true
				return summary, err
			}
			if blocked[e.Submission.TaskID] {
				summary.Skipped++
				continue
			}
			summary.Attempted++

			stop, err := b.deliver(ctx, e, v, fwd, summary)
			if stop {
				summary.Interrupted = true
				return summary, err
			}
			if err != nil {
				blocked[e.Submission.TaskID] = true
			}
		}
	}
}

// deliver handles one entry. It returns stop=true when the pass must end.
func (b *Buffer) deliver(ctx context.Context, e Entry, v Revalidator, fwd Forwarder, summary *FlushSummary) (bool, error) {
	log := b.logger.With().
		Int64("seq", e.Seq).
		Str("task_id", e.Submission.TaskID).
		Str("peer_id", e.Submission.PeerID).
		Logger()

	sub := e.Submission
	sub.SubmittedAt = e.CapturedAt

	decision, err := v.Revalidate(ctx, sub)
	if err != nil {
		b.countFailure(ctx, e, fmt.Errorf("revalidate: %w", err), summary)
		return false, err
	}
	if !decision.Accepted && decision.Reason != types.RejectDuplicate {
		reason := string(decision.Reason)
		if err := b.markFailed(ctx, e.Seq, reason); err != nil {
			log.Error().Err(err).Msg("Failed to mark rejected buffered result")
		}
		summary.Rejected++
		log.Warn().Str("reason", reason).Msg("Buffered result rejected on revalidation")
		return false, nil
	}

	err = fwd.SubmitResult(ctx, controlplane.RequestFromSubmission(sub, e.WorkflowID))
	if err != nil {
		if controlplane.IsTransient(err) || errors.Is(err, context.Canceled) {
			log.Warn().Err(err).Msg("Control plane unavailable, stopping flush")
			return true, err
		}
		b.countFailure(ctx, e, err, summary)
		return false, err
	}

	if err := b.markDelivered(ctx, e.Seq); err != nil {
		log.Error().Err(err).Msg("Failed to mark buffered result delivered")
		return false, err
	}
	summary.Delivered++
	b.audit.Record(ctx, types.AuditRecord{
		Kind:    types.AuditBufferedDelivered,
		TaskID:  e.Submission.TaskID,
		PeerID:  e.Submission.PeerID,
		Details: audit.Details(map[string]any{"seq": e.Seq, "capturedAt": e.CapturedAt, "attempts": e.Attempts + 1}),
	})
	log.Info().Msg("Buffered result delivered")
	return false, nil
}

func (b *Buffer) countFailure(ctx context.Context, e Entry, cause error, summary *FlushSummary) {
	failed, err := b.recordAttempt(ctx, e.Seq, cause)
	if err != nil {
		b.logger.Error().Err(err).Int64("seq", e.Seq).Msg("Failed to record delivery attempt")
		return
	}
	if failed {
		summary.Failed++
		b.logger.Error().
			Err(cause).
			Int64("seq", e.Seq).
			Str("task_id", e.Submission.TaskID).
			Int("max_attempts", b.maxAttempts).
			Msg("Buffered result failed permanently")
		return
	}
	summary.Retried++
	b.logger.Warn().Err(cause).Int64("seq", e.Seq).Str("task_id", e.Submission.TaskID).Msg("Buffered result delivery failed, will retry")
}
