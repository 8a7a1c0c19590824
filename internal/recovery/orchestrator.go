// Package recovery classifies failure signals and dispatches them to the
// component that repairs them. Every run is audited and verified.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/peerswarm/lease-coordinator/internal/audit"
	"github.com/peerswarm/lease-coordinator/internal/events"
	"github.com/peerswarm/lease-coordinator/internal/metrics"
	"github.com/peerswarm/lease-coordinator/internal/partition"
	"github.com/peerswarm/lease-coordinator/internal/reconcile"
	"github.com/peerswarm/lease-coordinator/internal/types"
)

const (
	tracerName    = "github.com/peerswarm/lease-coordinator/internal/recovery"
	historyLength = 50
)

// FailureType is the classification of a signal
type FailureType string

const (
	NodeCrash       FailureType = "NODE_CRASH"
	PartitionHealed FailureType = "PARTITION_HEALED"
	LeaseExpired    FailureType = "LEASE_EXPIRED"
	Unknown         FailureType = "UNKNOWN"
)

// Signal is an observed failure. Type is a hint such as "node.crashed" or
// "heartbeat_timeout"; when it is empty or unrecognised the populated IDs
// decide the classification.
type Signal struct {
	Type    string    `json:"type,omitempty"`
	PeerID  string    `json:"peerId,omitempty"`
	TaskID  string    `json:"taskId,omitempty"`
	LeaseID string    `json:"leaseId,omitempty"`
	At      time.Time `json:"at,omitempty"`
}

var typeHints = map[string]FailureType{
	"node_crash":        NodeCrash,
	"node.crashed":      NodeCrash,
	"heartbeat_timeout": NodeCrash,
	"partition_healed":  PartitionHealed,
	"partition.healed":  PartitionHealed,
	"control_plane_up":  PartitionHealed,
	"lease_expired":     LeaseExpired,
	"lease.expired":     LeaseExpired,
	"lease_timeout":     LeaseExpired,
}

// Classify maps a signal to a failure type
func Classify(sig Signal) FailureType {
	if ft, ok := typeHints[sig.Type]; ok {
		return ft
	}
	if ft := FailureType(sig.Type); ft == NodeCrash || ft == PartitionHealed || ft == LeaseExpired {
		return ft
	}
	if sig.Type != "" {
		return Unknown
	}
	switch {
	case sig.LeaseID != "" || sig.TaskID != "":
		return LeaseExpired
	case sig.PeerID != "":
		return NodeCrash
	}
	return Unknown
}

// Result is the audit record of one recovery
type Result struct {
	ID         string      `json:"id"`
	Type       FailureType `json:"type"`
	Signal     Signal      `json:"signal"`
	Actions    []string    `json:"actions"`
	Success    bool        `json:"success"`
	Verified   bool        `json:"verified"`
	Error      string      `json:"error,omitempty"`
	Details    any         `json:"details,omitempty"`
	StartedAt  time.Time   `json:"startedAt"`
	FinishedAt time.Time   `json:"finishedAt"`

	err error
}

// Err returns the failure cause, or nil
func (r *Result) Err() error { return r.err }

func (r *Result) act(format string, args ...any) {
	r.Actions = append(r.Actions, fmt.Sprintf(format, args...))
}

// Revoker revokes a crashed peer's leases
type Revoker interface {
	RevokeOnCrash(ctx context.Context, peerID string) (*types.RevocationSummary, error)
}

// Reconciler drains the buffer after an outage
type Reconciler interface {
	Run(ctx context.Context) (*reconcile.Report, error)
}

// PartitionView exposes the partition state
type PartitionView interface {
	State() partition.State
}

// Requeuer returns expired tasks to the queue
type Requeuer interface {
	Requeue(ctx context.Context, taskID string) (*types.RequeueResult, error)
}

// Store is the read/expire surface used to act on and verify recoveries
type Store interface {
	GetTask(ctx context.Context, taskID string) (*types.Task, error)
	GetLease(ctx context.Context, leaseID string) (*types.Lease, error)
	GetActiveLease(ctx context.Context, taskID string) (*types.Lease, error)
	ExpireLease(ctx context.Context, leaseID string, at time.Time) (bool, error)
	ListActiveLeasesByPeer(ctx context.Context, peerID string) ([]types.Lease, error)
}

// Deps are the orchestrator's collaborators
type Deps struct {
	Store      Store
	Revoker    Revoker
	Reconciler Reconciler
	Partition  PartitionView
	Requeuer   Requeuer
	Audit      *audit.Writer
	Events     *events.Bus
	Metrics    *metrics.Recorder
	Logger     *zerolog.Logger
	// Grace is the lease grace period; a lease is only force-expired past it
	Grace time.Duration
}

// Stats counts runs per failure type
type Stats struct {
	Runs     map[FailureType]int64 `json:"runs"`
	Failures map[FailureType]int64 `json:"failures"`
	Last     *Result               `json:"last,omitempty"`
}

// Orchestrator is the single entry point for failure handling
type Orchestrator struct {
	deps   Deps
	logger *zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	runs     map[FailureType]int64
	failures map[FailureType]int64
	history  []Result
}

// New creates an orchestrator
func New(deps Deps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "recovery").Logger()
	return &Orchestrator{
		deps:     deps,
		logger:   &l,
		now:      func() time.Time { return time.Now().UTC() },
		runs:     make(map[FailureType]int64),
		failures: make(map[FailureType]int64),
	}
}

// Recover classifies sig, runs the matching recovery and verifies it. It never
// panics and never returns an error: failures are reported in the Result.
func (o *Orchestrator) Recover(ctx context.Context, sig Signal) (res *Result) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "recovery.Recover")
	defer span.End()

	if sig.At.IsZero() {
		sig.At = o.now()
	}
	res = &Result{
		ID:        uuid.NewString(),
		Type:      Classify(sig),
		Signal:    sig,
		Actions:   []string{},
		StartedAt: o.now(),
	}
	span.SetAttributes(attribute.String("recovery.type", string(res.Type)))

	defer func() {
		if p := recover(); p != nil {
			res.Success = false
			res.Verified = false
			res.err = fmt.Errorf("panic: %v", p)
			res.Error = res.err.Error()
			o.logger.Error().Interface("panic", p).Str("type", string(res.Type)).Msg("Recovery panicked")
		}
		res.FinishedAt = o.now()
		if res.Error != "" {
			span.SetStatus(codes.Error, res.Error)
		}
		o.record(ctx, res)
	}()

	var err error
	switch res.Type {
	case NodeCrash:
		err = o.recoverCrash(ctx, sig, res)
	case PartitionHealed:
		err = o.recoverPartition(ctx, res)
	case LeaseExpired:
		err = o.recoverExpiry(ctx, sig, res)
	default:
		err = fmt.Errorf("unclassified signal %q", sig.Type)
	}
	if err != nil {
		res.err = err
		res.Error = err.Error()
		return res
	}
	res.Success = true

	verr := o.VerifyRecovery(ctx, res)
	res.Verified = verr == nil
	if verr != nil {
		res.Success = false
		res.err = fmt.Errorf("verification failed: %w", verr)
		res.Error = res.err.Error()
	}
	return res
}

func (o *Orchestrator) recoverCrash(ctx context.Context, sig Signal, res *Result) error {
	if sig.PeerID == "" {
		return errors.New("node crash signal without peer id")
	}
	if o.deps.Revoker == nil {
		return errors.New("no revoker configured")
	}
	sum, err := o.deps.Revoker.RevokeOnCrash(ctx, sig.PeerID)
	if err != nil {
		return err
	}
	res.Details = sum
	res.act("revoked %d leases of %s", sum.Revoked, sig.PeerID)
	res.act("requeued %d tasks, %d permanently failed", sum.Requeued, sum.PermanentlyFailed)
	if len(sum.Errors) > 0 {
		return fmt.Errorf("%d leases not fully recovered", len(sum.Errors))
	}
	return nil
}

func (o *Orchestrator) recoverPartition(ctx context.Context, res *Result) error {
	if o.deps.Reconciler == nil {
		return errors.New("no reconciler configured")
	}
	report, err := o.deps.Reconciler.Run(ctx)
	if report != nil {
		res.Details = report
		if report.Summary != nil {
			res.act("flushed %d buffered results (%d delivered)", report.Summary.Attempted, report.Summary.Delivered)
		}
	}
	if err != nil {
		return err
	}
	res.act("reconciliation finished")
	return nil
}

func (o *Orchestrator) recoverExpiry(ctx context.Context, sig Signal, res *Result) error {
	st := o.deps.Store
	if st == nil {
		return errors.New("no store configured")
	}

	var l *types.Lease
	var err error
	switch {
	case sig.LeaseID != "":
		l, err = st.GetLease(ctx, sig.LeaseID)
	default:
		l, err = st.GetActiveLease(ctx, sig.TaskID)
		if errors.Is(err, types.ErrLeaseNotFound) {
			l, err = nil, nil
		}
	}
	if err != nil {
		return err
	}

	taskID := sig.TaskID
	if l != nil {
		taskID = l.TaskID
		now := o.now()
		switch {
		case !l.IsActive():
			res.act("lease %s already ended", l.ID)
		case now.Before(l.ExpiresAt.Add(o.deps.Grace)):
			res.act("lease %s still valid until %s", l.ID, l.ExpiresAt.Format(time.RFC3339))
			return nil
		default:
			ok, err := st.ExpireLease(ctx, l.ID, now)
			if err != nil {
				return err
			}
			if ok {
				res.act("expired lease %s", l.ID)
			} else {
				res.act("lease %s ended concurrently", l.ID)
			}
		}
	}

	task, err := st.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != types.TaskExpired && task.Status != types.TaskFailed {
		res.act("task %s is %s, nothing to requeue", taskID, task.Status)
		return nil
	}
	if o.deps.Requeuer == nil {
		return errors.New("no requeuer configured")
	}
	rq, err := o.deps.Requeuer.Requeue(ctx, taskID)
	if err != nil {
		return err
	}
	res.Details = rq
	res.act("task %s %s", taskID, rq.Outcome)
	return nil
}

// VerifyRecovery re-reads state to confirm nothing is left inconsistent
func (o *Orchestrator) VerifyRecovery(ctx context.Context, res *Result) error {
	sig := res.Signal
	switch res.Type {
	case NodeCrash:
		if o.deps.Store == nil {
			return nil
		}
		left, err := o.deps.Store.ListActiveLeasesByPeer(ctx, sig.PeerID)
		if err != nil {
			return err
		}
		if len(left) > 0 {
			return fmt.Errorf("%d leases still active for %s", len(left), sig.PeerID)
		}
	case PartitionHealed:
		if o.deps.Partition == nil {
			return nil
		}
		if s := o.deps.Partition.State(); s != partition.Normal {
			return fmt.Errorf("partition state is %s", s)
		}
	case LeaseExpired:
		if o.deps.Store == nil {
			return nil
		}
		taskID := sig.TaskID
		if taskID == "" {
			l, err := o.deps.Store.GetLease(ctx, sig.LeaseID)
			if err != nil {
				return err
			}
			taskID = l.TaskID
		}
		task, err := o.deps.Store.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if task.Status == types.TaskExpired || task.Status == types.TaskFailed {
			return fmt.Errorf("task %s left %s", taskID, task.Status)
		}
		if l, err := o.deps.Store.GetActiveLease(ctx, taskID); err == nil && !o.now().Before(l.ExpiresAt.Add(o.deps.Grace)) {
			return fmt.Errorf("lease %s is past its deadline but still active", l.ID)
		}
	}
	return nil
}

func (o *Orchestrator) record(ctx context.Context, res *Result) {
	o.deps.Metrics.Recovery(string(res.Type), res.Success)

	o.mu.Lock()
	o.runs[res.Type]++
	if !res.Success {
		o.failures[res.Type]++
	}
	o.history = append(o.history, *res)
	if len(o.history) > historyLength {
		o.history = o.history[len(o.history)-historyLength:]
	}
	o.mu.Unlock()

	o.deps.Audit.Record(ctx, types.AuditRecord{
		Kind:    types.AuditRecovery,
		TaskID:  res.Signal.TaskID,
		PeerID:  res.Signal.PeerID,
		LeaseID: res.Signal.LeaseID,
		Reason:  string(res.Type),
		Details: audit.Details(res),
	})
	if res.Success {
		o.deps.Events.Emit(ctx, events.Event{
			Type:   events.RecoveryCompleted,
			TaskID: res.Signal.TaskID,
			PeerID: res.Signal.PeerID,
			Reason: string(res.Type),
		})
	}

	ev := o.logger.Info()
	if !res.Success {
		ev = o.logger.Warn().Str("error", res.Error)
	}
	ev.Str("recovery_id", res.ID).
		Str("type", string(res.Type)).
		Str("peer_id", res.Signal.PeerID).
		Str("task_id", res.Signal.TaskID).
		Bool("verified", res.Verified).
		Strs("actions", res.Actions).
		Dur("took", res.FinishedAt.Sub(res.StartedAt)).
		Msg("Recovery finished")
}

// HandleCrash lets the crash detector report crashes directly
func (o *Orchestrator) HandleCrash(ctx context.Context, ev types.CrashEvent) {
	o.Recover(ctx, Signal{Type: "node.crashed", PeerID: ev.PeerID, At: ev.DetectedAt})
}

// Reconcile lets the partition detector route recoveries through here
func (o *Orchestrator) Reconcile(ctx context.Context) error {
	return o.Recover(ctx, Signal{Type: "partition.healed"}).Err()
}

// History returns recent results, newest first
func (o *Orchestrator) History() []Result {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Result, len(o.history))
	for i, r := range o.history {
		out[len(o.history)-1-i] = r
	}
	return out
}

// Stats returns per-type counters
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := Stats{Runs: make(map[FailureType]int64), Failures: make(map[FailureType]int64)}
	for k, v := range o.runs {
		s.Runs[k] = v
	}
	for k, v := range o.failures {
		s.Failures[k] = v
	}
	if n := len(o.history); n > 0 {
		last := o.history[n-1]
		s.Last = &last
	}
	return s
}
