// Package reconcile drains the result buffer once the control plane is back
// and drives the partition state from RECONCILING to NORMAL.
package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/peerswarm/lease-coordinator/internal/audit"
	"github.com/peerswarm/lease-coordinator/internal/buffer"
	"github.com/peerswarm/lease-coordinator/internal/events"
	"github.com/peerswarm/lease-coordinator/internal/types"
)

// ErrBusy is returned when another reconciliation is already running
var ErrBusy = errors.New("reconciliation already running")

// Gate is the partition state machine seen from the engine
type Gate interface {
	Degraded() bool
	Reconciling() bool
	BeginReconcile() bool
	CompleteReconcile()
	AbortReconcile(err error)
}

// Flusher drains buffered results
type Flusher interface {
	Flush(ctx context.Context, v buffer.Revalidator, fwd buffer.Forwarder) (*buffer.FlushSummary, error)
}

// Report describes one engine run
type Report struct {
	StartedAt  time.Time            `json:"startedAt"`
	FinishedAt time.Time            `json:"finishedAt"`
	Reconciled bool                 `json:"reconciled"`
	Summary    *buffer.FlushSummary `json:"summary,omitempty"`
	Error      string               `json:"error,omitempty"`
}

// Engine flushes the buffer and moves the gate between states
type Engine struct {
	gate      Gate
	flusher   Flusher
	validator buffer.Revalidator
	forwarder buffer.Forwarder
	audit     *audit.Writer
	events    *events.Bus
	logger    *zerolog.Logger
	now       func() time.Time

	running sync.Mutex
	mu      sync.Mutex
	last    *Report
}

// New creates an engine
func New(gate Gate, flusher Flusher, v buffer.Revalidator, fwd buffer.Forwarder, aw *audit.Writer, bus *events.Bus, logger *zerolog.Logger) *Engine {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "reconcile").Logger()
	return &Engine{
		gate:      gate,
		flusher:   flusher,
		validator: v,
		forwarder: fwd,
		audit:     aw,
		events:    bus,
		logger:    &l,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Reconcile runs a full reconciliation. It satisfies the partition
// detector's reconciler.
func (e *Engine) Reconcile(ctx context.Context) error {
	_, err := e.Run(ctx)
	return err
}

// Run moves DEGRADED -> RECONCILING, flushes the buffer and moves to NORMAL
// once the buffer is fully drained. A control plane failure during the flush
// moves back to DEGRADED. Entries held back by per-entry errors keep the gate
// in RECONCILING; the next run resumes from there. When the gate is NORMAL
// the buffer is flushed without transitions.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	if !e.running.TryLock() {
		return nil, ErrBusy
	}
	defer e.running.Unlock()

	report := &Report{StartedAt: e.now()}
	began := e.gate.BeginReconcile()
	owned := began || e.gate.Reconciling()
	if began {
		e.logger.Info().Msg("Reconciliation started")
	}

	summary, err := e.flusher.Flush(ctx, e.validator, e.forwarder)
	report.Summary = summary
	report.FinishedAt = e.now()

	if err != nil {
		report.Error = err.Error()
		if owned {
			e.gate.AbortReconcile(err)
		}
		e.logger.Warn().
			Err(err).
			Bool("reconciling", owned).
			Interface("summary", summary).
			Msg("Reconciliation interrupted")
		e.finish(ctx, report)
		return report, err
	}

	drained := summary != nil && summary.Drained()
	if owned && drained {
		e.gate.CompleteReconcile()
		report.Reconciled = true
	}
	event := e.logger.Info()
	msg := "Reconciliation finished"
	if owned && !drained {
		event = e.logger.Warn()
		msg = "Buffer not drained, staying in reconciliation"
	}
	if summary != nil {
		event = event.
			Int("delivered", summary.Delivered).
			Int("rejected", summary.Rejected).
			Int("retried", summary.Retried).
			Int("failed", summary.Failed).
			Int("remaining", summary.Remaining)
	}
	event.
		Bool("reconciling", owned).
		Dur("took", report.FinishedAt.Sub(report.StartedAt)).
		Msg(msg)
	e.finish(ctx, report)
	return report, nil
}

// Drain flushes pending results outside of a reconciliation, for example
// entries held back by per-entry errors. It does nothing while DEGRADED and
// resumes an unfinished reconciliation.
func (e *Engine) Drain(ctx context.Context) (*Report, error) {
	if e.gate.Degraded() {
		return nil, nil
	}
	if e.gate.Reconciling() {
		return e.Run(ctx)
	}
	if !e.running.TryLock() {
		return nil, ErrBusy
	}
	defer e.running.Unlock()

	report := &Report{StartedAt: e.now()}
	summary, err := e.flusher.Flush(ctx, e.validator, e.forwarder)
	report.Summary = summary
	report.FinishedAt = e.now()
	if err != nil {
		report.Error = err.Error()
	}
	e.mu.Lock()
	e.last = report
	e.mu.Unlock()
	return report, err
}

func (e *Engine) finish(ctx context.Context, report *Report) {
	e.mu.Lock()
	e.last = report
	e.mu.Unlock()

	if !report.Reconciled && report.Error == "" {
		return
	}
	e.audit.Record(ctx, types.AuditRecord{
		Kind:    types.AuditRecovery,
		Reason:  "reconciliation",
		Details: audit.Details(report),
	})
	if report.Reconciled {
		e.events.Emit(ctx, events.Event{Type: events.RecoveryCompleted, Reason: "reconciliation", Data: audit.Details(report.Summary)})
	}
}

// Last returns the most recent report, or nil
func (e *Engine) Last() *Report {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}
