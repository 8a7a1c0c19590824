// Package partition tracks whether the control plane is reachable and gates
// task admission while it is not.
package partition

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/peerswarm/lease-coordinator/internal/audit"
	"github.com/peerswarm/lease-coordinator/internal/events"
	"github.com/peerswarm/lease-coordinator/internal/metrics"
	"github.com/peerswarm/lease-coordinator/internal/types"
)

// State is the process-wide partition state
type State int

const (
	// Normal forwards results directly and admits tasks.
	Normal State = iota
	// Degraded buffers results and rejects task admission.
	Degraded
	// Reconciling flushes the buffer; admission stays closed.
	Reconciling
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case Normal:
		return "NORMAL"
	case Degraded:
		return "DEGRADED"
	case Reconciling:
		return "RECONCILING"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state name in JSON
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Prober checks control plane health
type Prober interface {
	Health(ctx context.Context) error
}

// Reconciler drains buffered results once the control plane is back
type Reconciler interface {
	Reconcile(ctx context.Context) error
}

// Config holds probe tuning
type Config struct {
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
}

// DefaultConfig probes every 15s with a 5s timeout
func DefaultConfig() Config {
	return Config{ProbeInterval: 15 * time.Second, ProbeTimeout: 5 * time.Second}
}

// Status is a snapshot of the detector
type Status struct {
	State           State      `json:"state"`
	LastTransition  time.Time  `json:"lastTransition"`
	FailureCount    int        `json:"failureCount"`
	LastFailureAt   *time.Time `json:"lastFailureAt,omitempty"`
	LastError       string     `json:"lastError,omitempty"`
	LastProbeAt     *time.Time `json:"lastProbeAt,omitempty"`
	LastProbeHealth bool       `json:"lastProbeHealthy"`
}

// Detector probes the control plane and owns the partition state machine:
// NORMAL -fail-> DEGRADED -probe ok-> RECONCILING -drained-> NORMAL, and
// RECONCILING -fail-> DEGRADED.
type Detector struct {
	mu              sync.Mutex
	state           State
	lastTransition  time.Time
	failureCount    int
	lastFailureTime time.Time
	lastError       string
	lastProbe       time.Time
	lastProbeOK     bool

	prober     Prober
	reconciler Reconciler
	config     Config
	audit      *audit.Writer
	events     *events.Bus
	metrics    *metrics.Recorder
	logger     *zerolog.Logger
	now        func() time.Time
	stopChan   chan struct{}
	stopOnce   sync.Once
}

// NewDetector creates a detector in the NORMAL state
func NewDetector(prober Prober, cfg Config, aw *audit.Writer, bus *events.Bus, rec *metrics.Recorder, logger *zerolog.Logger) *Detector {
	def := DefaultConfig()
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = def.ProbeInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "partition").Logger()
	now := func() time.Time { return time.Now().UTC() }
	rec.PartitionState(int(Normal))
	return &Detector{
		state:          Normal,
		lastTransition: now(),
		prober:         prober,
		config:         cfg,
		audit:          aw,
		events:         bus,
		metrics:        rec,
		logger:         &l,
		now:            now,
		stopChan:       make(chan struct{}),
	}
}

// SetReconciler installs the component run when a probe succeeds outside NORMAL
func (d *Detector) SetReconciler(r Reconciler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reconciler = r
}

// State returns the current state
func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Snapshot returns the detector status
func (d *Detector) Snapshot() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := Status{
		State:           d.state,
		LastTransition:  d.lastTransition,
		FailureCount:    d.failureCount,
		LastError:       d.lastError,
		LastProbeHealth: d.lastProbeOK,
	}
	if !d.lastFailureTime.IsZero() {
		t := d.lastFailureTime
		s.LastFailureAt = &t
	}
	if !d.lastProbe.IsZero() {
		t := d.lastProbe
		s.LastProbeAt = &t
	}
	return s
}

// Admit returns ErrPartitioned unless the state is NORMAL
func (d *Detector) Admit() error {
	if d.State() != Normal {
		return types.ErrPartitioned
	}
	return nil
}

// Degraded reports whether results must be buffered instead of forwarded
func (d *Detector) Degraded() bool {
	return d.State() == Degraded
}

// Reconciling reports whether a reconciliation is under way
func (d *Detector) Reconciling() bool {
	return d.State() == Reconciling
}

// ReportFailure records a control plane failure seen by any caller and moves
// to DEGRADED
func (d *Detector) ReportFailure(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.failureCount++
	d.lastFailureTime = d.now()
	if err != nil {
		d.lastError = err.Error()
	}
	if d.state != Degraded {
		d.transitionTo(Degraded, d.lastError)
	}
}

// BeginReconcile moves DEGRADED -> RECONCILING. It reports false when the
// detector was not DEGRADED.
func (d *Detector) BeginReconcile() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != Degraded {
		return false
	}
	d.transitionTo(Reconciling, "control plane reachable")
	return true
}

// CompleteReconcile moves RECONCILING -> NORMAL
func (d *Detector) CompleteReconcile() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != Reconciling {
		return
	}
	d.failureCount = 0
	d.lastError = ""
	d.transitionTo(Normal, "buffer drained")
}

// AbortReconcile moves RECONCILING -> DEGRADED
func (d *Detector) AbortReconcile(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err != nil {
		d.lastError = err.Error()
	}
	d.failureCount++
	d.lastFailureTime = d.now()
	if d.state == Reconciling {
		d.transitionTo(Degraded, d.lastError)
	}
}

// Reset forces the detector back to NORMAL
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failureCount = 0
	d.lastError = ""
	if d.state != Normal {
		d.transitionTo(Normal, "manual reset")
	}
}

// transitionTo must be called with mu held
func (d *Detector) transitionTo(next State, reason string) {
	prev := d.state
	d.state = next
	d.lastTransition = d.now()
	d.metrics.PartitionState(int(next))

	d.logger.Warn().
		Str("from", prev.String()).
		Str("to", next.String()).
		Str("reason", reason).
		Msg("Partition state changed")

	// audit and events do their own I/O; run them off the lock
	rec := types.AuditRecord{
		Kind:    types.AuditPartitionChange,
		Reason:  reason,
		Details: audit.Details(map[string]string{"from": prev.String(), "to": next.String()}),
	}
	ev := events.Event{Type: events.PartitionChanged, Reason: reason, Data: rec.Details}
	go func() {
		ctx := context.Background()
		d.audit.Record(ctx, rec)
		d.events.Emit(ctx, ev)
	}()
}

// Probe checks health once and applies the resulting transition. A healthy
// probe outside NORMAL runs the reconciler.
func (d *Detector) Probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, d.config.ProbeTimeout)
	err := d.prober.Health(probeCtx)
	cancel()

	d.mu.Lock()
	d.lastProbe = d.now()
	d.lastProbeOK = err == nil
	state := d.state
	reconciler := d.reconciler
	d.mu.Unlock()

	if err != nil {
		d.logger.Warn().Err(err).Str("state", state.String()).Msg("Control plane probe failed")
		d.ReportFailure(err)
		return err
	}

	if state == Normal || reconciler == nil {
		return nil
	}
	if err := reconciler.Reconcile(ctx); err != nil {
		d.logger.Warn().Err(err).Msg("Reconciliation did not complete")
		return err
	}
	return nil
}

// Start runs the probe loop until ctx is cancelled or Stop is called
func (d *Detector) Start(ctx context.Context) {
	d.logger.Info().
		Dur("interval", d.config.ProbeInterval).
		Msg("Starting partition detector")

	ticker := time.NewTicker(d.config.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info().Msg("Partition detector stopping (context cancelled)")
			return
		case <-d.stopChan:
			d.logger.Info().Msg("Partition detector stopping (stop signal)")
			return
		case <-ticker.C:
			_ = d.Probe(ctx)
		}
	}
}

// Stop signals the probe loop to stop
func (d *Detector) Stop() {
	d.stopOnce.Do(func() { close(d.stopChan) })
}
