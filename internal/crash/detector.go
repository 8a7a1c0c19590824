package crash

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/peerswarm/lease-coordinator/internal/audit"
	"github.com/peerswarm/lease-coordinator/internal/capability"
	"github.com/peerswarm/lease-coordinator/internal/events"
	"github.com/peerswarm/lease-coordinator/internal/metrics"
	"github.com/peerswarm/lease-coordinator/internal/types"
)

// Handler reacts to a detected crash
type Handler interface {
	HandleCrash(ctx context.Context, ev types.CrashEvent)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, ev types.CrashEvent)

func (f HandlerFunc) HandleCrash(ctx context.Context, ev types.CrashEvent) { f(ctx, ev) }

// NodeStore is the part of the store the detector updates
type NodeStore interface {
	RecordHeartbeat(ctx context.Context, peerID string, at time.Time, usage *capability.Usage) error
	SetNodeAvailability(ctx context.Context, peerID string, available bool) error
}

// Config holds detector timing
type Config struct {
	Threshold     time.Duration
	CheckInterval time.Duration
}

// DefaultConfig marks a peer crashed after 60s of silence, checking every 10s
func DefaultConfig() Config {
	return Config{Threshold: 60 * time.Second, CheckInterval: 10 * time.Second}
}

// Stats is a snapshot for health reporting
type Stats struct {
	TrackedPeers    int        `json:"trackedPeers"`
	OfflinePeers    []string   `json:"offlinePeers"`
	CrashesDetected int64      `json:"crashesDetected"`
	LastCheckAt     *time.Time `json:"lastCheckAt,omitempty"`
}

// Detector watches heartbeats and reports each crash once
type Detector struct {
	tracker Tracker
	nodes   NodeStore
	config  Config
	audit   *audit.Writer
	events  *events.Bus
	metrics *metrics.Recorder
	logger  *zerolog.Logger
	now     func() time.Time

	mu        sync.Mutex
	handler   Handler
	lastCheck time.Time
	crashes   atomic.Int64

	stopChan chan struct{}
	stopOnce sync.Once
}

// NewDetector creates a crash detector
func NewDetector(tracker Tracker, nodes NodeStore, cfg Config, aw *audit.Writer, bus *events.Bus, rec *metrics.Recorder, logger *zerolog.Logger) *Detector {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "crash_detector").Logger()
	return &Detector{
		tracker:  tracker,
		nodes:    nodes,
		config:   cfg,
		audit:    aw,
		events:   bus,
		metrics:  rec,
		logger:   &l,
		now:      func() time.Time { return time.Now().UTC() },
		stopChan: make(chan struct{}),
	}
}

// SetHandler installs the crash handler
func (d *Detector) SetHandler(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = h
}

// Heartbeat records that a peer is alive and clears its offline state
func (d *Detector) Heartbeat(ctx context.Context, peerID string, usage *capability.Usage) error {
	if peerID == "" {
		return &types.InputError{Field: "peerId", Msg: "required"}
	}
	at := d.now()
	if err := d.nodes.RecordHeartbeat(ctx, peerID, at, usage); err != nil {
		return err
	}
	wasOffline, err := d.tracker.Beat(ctx, peerID, at)
	if err != nil {
		return err
	}
	if wasOffline {
		d.logger.Info().Str("peer_id", peerID).Msg("Peer back online")
	}
	return nil
}

// Check marks every peer silent for longer than the threshold offline and
// returns the crashes detected in this pass. Peers already offline are not
// reported again.
func (d *Detector) Check(ctx context.Context) ([]types.CrashEvent, error) {
	now := d.now()
	seen, err := d.tracker.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.lastCheck = now
	handler := d.handler
	d.mu.Unlock()

	peers := make([]string, 0, len(seen))
	for p := range seen {
		peers = append(peers, p)
	}
	sort.Strings(peers)

	var crashed []types.CrashEvent
	for _, peerID := range peers {
		last := seen[peerID]
		if now.Sub(last) <= d.config.Threshold {
			continue
		}
		fresh, err := d.tracker.MarkOffline(ctx, peerID)
		if err != nil {
			d.logger.Error().Err(err).Str("peer_id", peerID).Msg("Failed to mark peer offline")
			continue
		}
		if !fresh {
			continue
		}

		ev := types.CrashEvent{PeerID: peerID, LastHeartbeat: last, DetectedAt: now}
		crashed = append(crashed, ev)
		d.crashes.Add(1)
		d.metrics.CrashDetected()

		if err := d.nodes.SetNodeAvailability(ctx, peerID, false); err != nil && !errors.Is(err, types.ErrNodeNotFound) {
			d.logger.Error().Err(err).Str("peer_id", peerID).Msg("Failed to mark node unavailable")
		}
		d.audit.Record(ctx, types.AuditRecord{
			Kind:    types.AuditRecovery,
			PeerID:  peerID,
			Reason:  "heartbeat timeout",
			Details: audit.Details(ev),
		})
		d.events.Emit(ctx, events.Event{Type: events.NodeCrashed, PeerID: peerID, Reason: "heartbeat timeout"})
		d.logger.Warn().
			Str("peer_id", peerID).
			Time("last_heartbeat", last).
			Dur("silence", now.Sub(last)).
			Msg("Peer crash detected")

		if handler != nil {
			handler.HandleCrash(ctx, ev)
		}
	}
	return crashed, nil
}

// Stats returns tracked and offline peers
func (d *Detector) Stats(ctx context.Context) (*Stats, error) {
	seen, err := d.tracker.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	offline, err := d.tracker.Offline(ctx)
	if err != nil {
		return nil, err
	}
	s := &Stats{TrackedPeers: len(seen), OfflinePeers: offline, CrashesDetected: d.crashes.Load()}
	d.mu.Lock()
	if !d.lastCheck.IsZero() {
		t := d.lastCheck
		s.LastCheckAt = &t
	}
	d.mu.Unlock()
	return s, nil
}

// Start runs the check loop until ctx is cancelled or Stop is called
func (d *Detector) Start(ctx context.Context) {
	d.logger.Info().
		Dur("threshold", d.config.Threshold).
		Dur("interval", d.config.CheckInterval).
		Msg("Starting crash detector")

	ticker := time.NewTicker(d.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info().Msg("Crash detector stopping (context cancelled)")
			return
		case <-d.stopChan:
			d.logger.Info().Msg("Crash detector stopping (stop signal)")
			return
		case <-ticker.C:
			if _, err := d.Check(ctx); err != nil {
				d.logger.Error().Err(err).Msg("Crash check failed")
			}
		}
	}
}

// Stop signals the check loop to stop
func (d *Detector) Stop() {
	d.stopOnce.Do(func() { close(d.stopChan) })
}
