// Package revocation invalidates the leases of a crashed peer and sends
// their tasks back through requeue.
package revocation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/peerswarm/lease-coordinator/internal/audit"
	"github.com/peerswarm/lease-coordinator/internal/events"
	"github.com/peerswarm/lease-coordinator/internal/metrics"
	"github.com/peerswarm/lease-coordinator/internal/types"
)

const (
	tracerName   = "github.com/peerswarm/lease-coordinator/internal/revocation"
	crashReason  = "peer crashed"
	requeueLimit = 4
)

// Store is the lease storage the revoker needs
type Store interface {
	ListActiveLeasesByPeer(ctx context.Context, peerID string) ([]types.Lease, error)
	RevokeLease(ctx context.Context, leaseID, reason string, taskStatus types.TaskStatus, at time.Time) (bool, error)
}

// Requeuer returns expired tasks to the queue
type Requeuer interface {
	Requeue(ctx context.Context, taskID string) (*types.RequeueResult, error)
}

// Revoker bulk-revokes a peer's leases
type Revoker struct {
	store    Store
	requeuer Requeuer
	audit    *audit.Writer
	events   *events.Bus
	metrics  *metrics.Recorder
	logger   *zerolog.Logger
	now      func() time.Time

	mu     sync.Mutex
	totals Stats
}

// Stats are cumulative counters for health reporting
type Stats struct {
	Runs              int64 `json:"runs"`
	Revoked           int64 `json:"revoked"`
	Requeued          int64 `json:"requeued"`
	PermanentlyFailed int64 `json:"permanentlyFailed"`
	Skipped           int64 `json:"skipped"`
}

// New creates a Revoker
func New(st Store, rq Requeuer, aw *audit.Writer, bus *events.Bus, rec *metrics.Recorder, logger *zerolog.Logger) *Revoker {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "revocation").Logger()
	return &Revoker{
		store:    st,
		requeuer: rq,
		audit:    aw,
		events:   bus,
		metrics:  rec,
		logger:   &l,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// RevokeOnCrash revokes every active lease held by peerID, moves each task to
// EXPIRED and requeues it. A lease some other path already ended counts as
// skipped. Per-lease failures are collected in the summary and do not stop
// the batch; only the initial lease listing is returned as an error.
func (r *Revoker) RevokeOnCrash(ctx context.Context, peerID string) (*types.RevocationSummary, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "revocation.RevokeOnCrash")
	defer span.End()
	span.SetAttributes(attribute.String("peer.id", peerID))

	if peerID == "" {
		return nil, &types.InputError{Field: "peerId", Msg: "required"}
	}

	leases, err := r.store.ListActiveLeasesByPeer(ctx, peerID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list leases of %s: %w", peerID, err)
	}

	summary := &types.RevocationSummary{PeerID: peerID}
	var mu sync.Mutex
	fail := func(format string, args ...any) {
		mu.Lock()
		summary.Errors = append(summary.Errors, fmt.Sprintf(format, args...))
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(requeueLimit)
	for _, l := range leases {
		g.Go(func() error {
			ok, err := r.store.RevokeLease(gctx, l.ID, crashReason, types.TaskExpired, r.now())
			if err != nil {
				r.logger.Error().Err(err).Str("lease_id", l.ID).Str("task_id", l.TaskID).Msg("Failed to revoke lease")
				fail("revoke %s: %v", l.ID, err)
				return nil
			}
			if !ok {
				mu.Lock()
				summary.Skipped++
				mu.Unlock()
				return nil
			}

			mu.Lock()
			summary.Revoked++
			mu.Unlock()
			r.announce(gctx, l)

			res, err := r.requeuer.Requeue(gctx, l.TaskID)
			if err != nil {
				r.logger.Error().Err(err).Str("task_id", l.TaskID).Msg("Failed to requeue revoked task")
				fail("requeue %s: %v", l.TaskID, err)
				return nil
			}
			mu.Lock()
			switch res.Outcome {
			case types.OutcomeRequeued, types.OutcomeAlreadyQueued:
				summary.Requeued++
			case types.OutcomePermanentlyFailed:
				summary.PermanentlyFailed++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	r.mu.Lock()
	r.totals.Runs++
	r.totals.Revoked += int64(summary.Revoked)
	r.totals.Requeued += int64(summary.Requeued)
	r.totals.PermanentlyFailed += int64(summary.PermanentlyFailed)
	r.totals.Skipped += int64(summary.Skipped)
	r.mu.Unlock()

	span.SetAttributes(
		attribute.Int("leases.revoked", summary.Revoked),
		attribute.Int("tasks.requeued", summary.Requeued),
	)
	r.logger.Info().
		Str("peer_id", peerID).
		Int("revoked", summary.Revoked).
		Int("requeued", summary.Requeued).
		Int("permanently_failed", summary.PermanentlyFailed).
		Int("skipped", summary.Skipped).
		Int("errors", len(summary.Errors)).
		Msg("Revoked leases of crashed peer")
	return summary, nil
}

func (r *Revoker) announce(ctx context.Context, l types.Lease) {
	r.metrics.LeaseRevoked("crash")
	r.audit.Record(ctx, types.AuditRecord{
		Kind:    types.AuditLeaseRevoked,
		TaskID:  l.TaskID,
		PeerID:  l.PeerID,
		LeaseID: l.ID,
		Reason:  crashReason,
		Details: audit.Details(map[string]any{"taskStatus": types.TaskExpired, "trigger": "crash"}),
	})
	r.events.Emit(ctx, events.Event{Type: events.LeaseRevoked, TaskID: l.TaskID, PeerID: l.PeerID, LeaseID: l.ID, Reason: crashReason})
	r.events.NotifyPeer(ctx, l.PeerID, events.PeerNotice{
		TaskID:  l.TaskID,
		LeaseID: l.ID,
		Reason:  string(types.RejectLeaseRevoked),
		Message: crashReason,
	})
}

// Stats returns cumulative counters
func (r *Revoker) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totals
}
