// Package sweepers holds the periodic background loops: lease expiration and
// buffered result draining.
package sweepers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/peerswarm/lease-coordinator/internal/audit"
	"github.com/peerswarm/lease-coordinator/internal/events"
	"github.com/peerswarm/lease-coordinator/internal/metrics"
	"github.com/peerswarm/lease-coordinator/internal/types"
)

// LeaseStore is the storage the expiration monitor scans
type LeaseStore interface {
	ListExpiredLeases(ctx context.Context, cutoff time.Time, limit int) ([]types.Lease, error)
	ExpireLease(ctx context.Context, leaseID string, at time.Time) (bool, error)
	CountActiveLeases(ctx context.Context) (int, error)
	CountLeasesExpiringBefore(ctx context.Context, t time.Time) (int, error)
}

// Requeuer hands expired tasks back to the queue
type Requeuer interface {
	Requeue(ctx context.Context, taskID string) (*types.RequeueResult, error)
	RequeueExpired(ctx context.Context, limit int) ([]types.RequeueResult, error)
}

// ExpirationConfig tunes the monitor
type ExpirationConfig struct {
	Interval  time.Duration
	Grace     time.Duration
	BatchSize int
	// UpcomingWindow is how far ahead Stats counts leases about to expire
	UpcomingWindow time.Duration
}

// DefaultExpirationConfig scans every 10s with a 2s grace period
func DefaultExpirationConfig() ExpirationConfig {
	return ExpirationConfig{
		Interval:       10 * time.Second,
		Grace:          2 * time.Second,
		BatchSize:      100,
		UpcomingWindow: time.Minute,
	}
}

// SweepResult summarizes one scan
type SweepResult struct {
	Expired           int `json:"expired"`
	Requeued          int `json:"requeued"`
	PermanentlyFailed int `json:"permanentlyFailed"`
	Skipped           int `json:"skipped"`
	Errors            int `json:"errors"`
}

// ExpirationStats is the health view of the monitor
type ExpirationStats struct {
	ActiveLeases   int        `json:"activeLeases"`
	UpcomingExpiry int        `json:"upcomingExpiry"`
	TotalExpired   int64      `json:"totalExpired"`
	LastSweepAt    *time.Time `json:"lastSweepAt,omitempty"`
}

// ExpirationMonitor expires leases past their deadline and requeues their tasks
type ExpirationMonitor struct {
	store    LeaseStore
	requeuer Requeuer
	config   ExpirationConfig
	audit    *audit.Writer
	events   *events.Bus
	metrics  *metrics.Recorder
	logger   *zerolog.Logger
	now      func() time.Time

	mu           sync.Mutex
	lastSweep    time.Time
	totalExpired int64

	stopChan chan struct{}
	stopOnce sync.Once
}

// NewExpirationMonitor creates the monitor
func NewExpirationMonitor(st LeaseStore, rq Requeuer, cfg ExpirationConfig, aw *audit.Writer, bus *events.Bus, rec *metrics.Recorder, logger *zerolog.Logger) *ExpirationMonitor {
	def := DefaultExpirationConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Grace < 0 {
		cfg.Grace = 0
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.UpcomingWindow <= 0 {
		cfg.UpcomingWindow = def.UpcomingWindow
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "expiration_monitor").Logger()
	return &ExpirationMonitor{
		store:    st,
		requeuer: rq,
		config:   cfg,
		audit:    aw,
		events:   bus,
		metrics:  rec,
		logger:   &l,
		now:      func() time.Time { return time.Now().UTC() },
		stopChan: make(chan struct{}),
	}
}

// Start begins the periodic scan
func (m *ExpirationMonitor) Start(ctx context.Context) {
	m.logger.Info().
		Dur("interval", m.config.Interval).
		Dur("grace", m.config.Grace).
		Msg("Starting lease expiration monitor")

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("Expiration monitor stopping (context cancelled)")
			return
		case <-m.stopChan:
			m.logger.Info().Msg("Expiration monitor stopping (stop signal)")
			return
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil {
				m.logger.Error().Err(err).Msg("Failed to sweep expired leases")
			}
		}
	}
}

// Stop signals the monitor to stop
func (m *ExpirationMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
}

// Sweep expires every active lease whose deadline passed more than the grace
// period ago, in batches, and requeues the affected tasks. A failure on one
// lease is logged and the scan moves on.
func (m *ExpirationMonitor) Sweep(ctx context.Context) (*SweepResult, error) {
	now := m.now()
	cutoff := now.Add(-m.config.Grace)
	res := &SweepResult{}

	m.logger.Debug().Time("cutoff", cutoff).Msg("Running lease expiration sweep")

	for {
		leases, err := m.store.ListExpiredLeases(ctx, cutoff, m.config.BatchSize)
		if err != nil {
			return res, fmt.Errorf("failed to list expired leases: %w", err)
		}
		progressed := false
		for _, l := range leases {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			if m.expire(ctx, l, now, res) {
				progressed = true
			}
		}
		// a full batch where nothing changed would be listed again forever
		if len(leases) < m.config.BatchSize || !progressed {
			break
		}
	}

	m.mu.Lock()
	m.lastSweep = now
	m.totalExpired += int64(res.Expired)
	m.mu.Unlock()

	if active, err := m.store.CountActiveLeases(ctx); err == nil {
		m.metrics.ActiveLeases(active)
	}
	if res.Expired > 0 || res.Errors > 0 {
		m.logger.Info().
			Int("expired", res.Expired).
			Int("requeued", res.Requeued).
			Int("permanently_failed", res.PermanentlyFailed).
			Int("skipped", res.Skipped).
			Int("errors", res.Errors).
			Msg("Expired leases swept")
	}
	return res, nil
}

func (m *ExpirationMonitor) expire(ctx context.Context, l types.Lease, now time.Time, res *SweepResult) bool {
	ok, err := m.store.ExpireLease(ctx, l.ID, now)
	if err != nil {
		res.Errors++
		m.logger.Error().Err(err).Str("lease_id", l.ID).Str("task_id", l.TaskID).Msg("Failed to expire lease")
		return false
	}
	if !ok {
		// revoked, released or expired by someone else in the meantime
		res.Skipped++
		return true
	}
	res.Expired++

	m.metrics.LeaseExpired()
	m.audit.Record(ctx, types.AuditRecord{
		Kind:    types.AuditLeaseExpired,
		TaskID:  l.TaskID,
		PeerID:  l.PeerID,
		LeaseID: l.ID,
		Reason:  "deadline passed",
		Details: audit.Details(map[string]any{"expiresAt": l.ExpiresAt, "expiredAt": now}),
	})
	m.events.Emit(ctx, events.Event{Type: events.LeaseExpired, TaskID: l.TaskID, PeerID: l.PeerID, LeaseID: l.ID})
	m.events.NotifyPeer(ctx, l.PeerID, events.PeerNotice{
		TaskID:  l.TaskID,
		LeaseID: l.ID,
		Reason:  string(types.RejectLeaseExpired),
	})
	m.logger.Info().
		Str("task_id", l.TaskID).
		Str("peer_id", l.PeerID).
		Str("lease_id", l.ID).
		Time("expires_at", l.ExpiresAt).
		Msg("Lease expired")

	rq, err := m.requeuer.Requeue(ctx, l.TaskID)
	if err != nil {
		res.Errors++
		m.logger.Error().Err(err).Str("task_id", l.TaskID).Msg("Failed to requeue expired task")
		return true
	}
	switch rq.Outcome {
	case types.OutcomeRequeued, types.OutcomeAlreadyQueued:
		res.Requeued++
	case types.OutcomePermanentlyFailed:
		res.PermanentlyFailed++
	}
	return true
}

// RecoverOnStartup runs one sweep immediately and then requeues tasks left
// EXPIRED by a previous process that stopped between expiring a lease and
// requeueing its task.
func (m *ExpirationMonitor) RecoverOnStartup(ctx context.Context) (*SweepResult, error) {
	res, err := m.Sweep(ctx)
	if err != nil {
		return res, err
	}
	orphans, err := m.requeuer.RequeueExpired(ctx, m.config.BatchSize)
	if err != nil {
		return res, err
	}
	for _, r := range orphans {
		switch r.Outcome {
		case types.OutcomeRequeued:
			res.Requeued++
		case types.OutcomePermanentlyFailed:
			res.PermanentlyFailed++
		}
	}
	m.logger.Info().
		Int("expired", res.Expired).
		Int("orphans", len(orphans)).
		Msg("Startup recovery sweep finished")
	return res, nil
}

// Stats reports active and soon-to-expire leases
func (m *ExpirationMonitor) Stats(ctx context.Context) (*ExpirationStats, error) {
	active, err := m.store.CountActiveLeases(ctx)
	if err != nil {
		return nil, err
	}
	upcoming, err := m.store.CountLeasesExpiringBefore(ctx, m.now().Add(m.config.UpcomingWindow))
	if err != nil {
		return nil, err
	}
	s := &ExpirationStats{ActiveLeases: active, UpcomingExpiry: upcoming}
	m.mu.Lock()
	s.TotalExpired = m.totalExpired
	if !m.lastSweep.IsZero() {
		t := m.lastSweep
		s.LastSweepAt = &t
	}
	m.mu.Unlock()
	return s, nil
}
