// Package requeue returns failed and expired tasks to the queue with
// exponential backoff, or retires them once their retry budget is spent.
package requeue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/peerswarm/lease-coordinator/internal/audit"
	"github.com/peerswarm/lease-coordinator/internal/events"
	"github.com/peerswarm/lease-coordinator/internal/metrics"
	"github.com/peerswarm/lease-coordinator/internal/store"
	"github.com/peerswarm/lease-coordinator/internal/types"
)

// maxCASAttempts bounds how often a requeue re-reads a task that changed underneath it
const maxCASAttempts = 3

// Policy holds backoff tuning
type Policy struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultPolicy returns base 30s, max 1h
func DefaultPolicy() Policy {
	return Policy{Base: 30 * time.Second, Max: time.Hour}
}

// Backoff returns min(Base * 2^retryCount, Max)
func (p Policy) Backoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if p.Base <= 0 {
		return 0
	}
	d := p.Base
	for i := 0; i < retryCount; i++ {
		if d >= p.Max/2 {
			return p.Max
		}
		d *= 2
	}
	if d > p.Max {
		return p.Max
	}
	return d
}

// Requeuer moves FAILED/EXPIRED tasks back to QUEUED
type Requeuer struct {
	store   store.Store
	policy  Policy
	audit   *audit.Writer
	events  *events.Bus
	metrics *metrics.Recorder
	logger  *zerolog.Logger
	now     func() time.Time
}

// New creates a requeuer
func New(st store.Store, policy Policy, aw *audit.Writer, bus *events.Bus, rec *metrics.Recorder, logger *zerolog.Logger) *Requeuer {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "requeue").Logger()
	return &Requeuer{
		store:   st,
		policy:  policy,
		audit:   aw,
		events:  bus,
		metrics: rec,
		logger:  &l,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source
func (r *Requeuer) WithClock(now func() time.Time) *Requeuer {
	r.now = now
	return r
}

// Policy returns the backoff policy in use
func (r *Requeuer) Policy() Policy { return r.policy }

// Requeue returns the task to the queue. A QUEUED task is left alone and a
// PERMANENTLY_FAILED task is reported as such; any status other than FAILED
// or EXPIRED is an *types.StateError.
func (r *Requeuer) Requeue(ctx context.Context, taskID string) (*types.RequeueResult, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		task, err := r.store.GetTask(ctx, taskID)
		if err != nil {
			return nil, err
		}

		switch task.Status {
		case types.TaskQueued:
			r.metrics.Requeue(string(types.OutcomeAlreadyQueued), 0)
			return &types.RequeueResult{TaskID: taskID, Outcome: types.OutcomeAlreadyQueued, RetryCount: task.RetryCount, NextEligibleAt: task.NextEligibleAt}, nil
		case types.TaskPermanentlyFailed:
			return &types.RequeueResult{TaskID: taskID, Outcome: types.OutcomePermanentlyFailed, RetryCount: task.RetryCount}, nil
		case types.TaskFailed, types.TaskExpired:
		default:
			return nil, &types.StateError{TaskID: taskID, Have: task.Status, Want: []types.TaskStatus{types.TaskFailed, types.TaskExpired}}
		}

		now := r.now()
		if task.RetryCount >= task.MaxRetries {
			res, ok, err := r.retire(ctx, task, now)
			if err != nil {
				return nil, err
			}
			if ok {
				return res, nil
			}
			continue
		}

		newCount := task.RetryCount + 1
		backoff := r.policy.Backoff(newCount)
		next := now.Add(backoff)
		ok, err := r.store.RequeueTask(ctx, store.Requeue{
			TaskID:             taskID,
			ExpectedRetryCount: task.RetryCount,
			NextEligibleAt:     next,
			At:                 now,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to requeue task %s: %w", taskID, err)
		}
		if !ok {
			continue
		}

		r.metrics.Requeue(string(types.OutcomeRequeued), backoff)
		r.audit.Record(ctx, types.AuditRecord{
			Kind:   types.AuditTaskRequeued,
			TaskID: taskID,
			Reason: string(task.Status),
			Details: audit.Details(map[string]any{
				"retryCount":     newCount,
				"backoffSeconds": backoff.Seconds(),
				"nextEligibleAt": next,
			}),
		})
		r.events.Emit(ctx, events.Event{Type: events.TaskRequeued, TaskID: taskID, Reason: string(task.Status)})
		r.logger.Info().
			Str("task_id", taskID).
			Str("from", string(task.Status)).
			Int("retry_count", newCount).
			Dur("backoff", backoff).
			Msg("Task requeued")

		return &types.RequeueResult{
			TaskID:         taskID,
			Outcome:        types.OutcomeRequeued,
			RetryCount:     newCount,
			Backoff:        backoff,
			NextEligibleAt: &next,
		}, nil
	}
	return nil, fmt.Errorf("task %s kept changing during requeue: %w", taskID, types.ErrLeaseConflict)
}

func (r *Requeuer) retire(ctx context.Context, task *types.Task, now time.Time) (*types.RequeueResult, bool, error) {
	reason := fmt.Sprintf("retry limit reached (%d/%d)", task.RetryCount, task.MaxRetries)
	ok, err := r.store.MarkPermanentlyFailed(ctx, task.ID, task.RetryCount, reason, now)
	if err != nil {
		return nil, false, fmt.Errorf("failed to mark task %s permanently failed: %w", task.ID, err)
	}
	if !ok {
		return nil, false, nil
	}

	r.metrics.Requeue(string(types.OutcomePermanentlyFailed), 0)
	r.audit.Record(ctx, types.AuditRecord{
		Kind:    types.AuditTaskPermFailed,
		TaskID:  task.ID,
		Reason:  reason,
		Details: audit.Details(map[string]any{"from": task.Status, "retryCount": task.RetryCount}),
	})
	r.events.Emit(ctx, events.Event{Type: events.TaskPermFailed, TaskID: task.ID, Reason: reason})
	r.logger.Warn().
		Str("task_id", task.ID).
		Int("retry_count", task.RetryCount).
		Int("max_retries", task.MaxRetries).
		Msg("Task permanently failed")

	return &types.RequeueResult{TaskID: task.ID, Outcome: types.OutcomePermanentlyFailed, RetryCount: task.RetryCount}, true, nil
}

// RequeueExpired requeues up to limit EXPIRED tasks. Per-task errors are
// logged and skipped.
func (r *Requeuer) RequeueExpired(ctx context.Context, limit int) ([]types.RequeueResult, error) {
	tasks, err := r.store.ListTasksByStatus(ctx, types.TaskExpired, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired tasks: %w", err)
	}

	results := make([]types.RequeueResult, 0, len(tasks))
	for _, t := range tasks {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := r.Requeue(ctx, t.ID)
		if err != nil {
			if !errors.Is(err, types.ErrInvalidState) {
				r.logger.Error().Err(err).Str("task_id", t.ID).Msg("Failed to requeue expired task")
			}
			continue
		}
		results = append(results, *res)
	}
	return results, nil
}
