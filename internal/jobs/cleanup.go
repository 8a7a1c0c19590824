// Package jobs runs periodic retention cleanup for the audit trail and the
// result buffer.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// AuditPruner deletes audit records older than a cutoff
type AuditPruner interface {
	DeleteAuditBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
}

// BufferPruner deletes delivered buffer entries older than a cutoff
type BufferPruner interface {
	PruneDelivered(ctx context.Context, cutoff time.Time) (int64, error)
}

// CleanupConfig configures retention policies for cleanup jobs
type CleanupConfig struct {
	AuditRetentionDays  int
	BufferRetentionDays int
	BatchSize           int
	Interval            time.Duration
}

// DefaultCleanupConfig keeps audit records for 30 days and delivered buffer
// rows for 7, running once a day
func DefaultCleanupConfig() CleanupConfig {
	return CleanupConfig{
		AuditRetentionDays:  30,
		BufferRetentionDays: 7,
		BatchSize:           1000,
		Interval:            24 * time.Hour,
	}
}

// CleanupResult counts what one run removed
type CleanupResult struct {
	AuditDeleted  int64     `json:"auditDeleted"`
	BufferDeleted int64     `json:"bufferDeleted"`
	AuditCutoff   time.Time `json:"auditCutoff"`
	BufferCutoff  time.Time `json:"bufferCutoff"`
	FinishedAt    time.Time `json:"finishedAt"`
}

// CleanupAuditLogs removes audit records past retention
func CleanupAuditLogs(ctx context.Context, p AuditPruner, cutoff time.Time, batchSize int) (int64, error) {
	n, err := p.DeleteAuditBefore(ctx, cutoff, batchSize)
	if err != nil {
		return n, fmt.Errorf("cleanup audit logs: %w", err)
	}
	return n, nil
}

// CleanupDeliveredResults removes buffered results that were delivered
// before cutoff. Pending and failed rows are never touched.
func CleanupDeliveredResults(ctx context.Context, p BufferPruner, cutoff time.Time) (int64, error) {
	n, err := p.PruneDelivered(ctx, cutoff)
	if err != nil {
		return n, fmt.Errorf("cleanup delivered results: %w", err)
	}
	return n, nil
}

// CleanupScheduler runs the cleanup jobs on an interval
type CleanupScheduler struct {
	audit    AuditPruner
	buffer   BufferPruner
	config   CleanupConfig
	logger   *zerolog.Logger
	now      func() time.Time
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewCleanupScheduler creates a scheduler. Either pruner may be nil.
func NewCleanupScheduler(audit AuditPruner, buffer BufferPruner, config CleanupConfig, logger *zerolog.Logger) *CleanupScheduler {
	def := DefaultCleanupConfig()
	if config.AuditRetentionDays <= 0 {
		config.AuditRetentionDays = def.AuditRetentionDays
	}
	if config.BufferRetentionDays <= 0 {
		config.BufferRetentionDays = def.BufferRetentionDays
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "cleanup").Logger()

	return &CleanupScheduler{
		audit:    audit,
		buffer:   buffer,
		config:   config,
		logger:   &l,
		now:      func() time.Time { return time.Now().UTC() },
		stopChan: make(chan struct{}),
	}
}

// RunOnce runs every cleanup job. A failing job does not stop the others;
// their errors are joined.
func (s *CleanupScheduler) RunOnce(ctx context.Context) (*CleanupResult, error) {
	now := s.now()
	res := &CleanupResult{
		AuditCutoff:  now.AddDate(0, 0, -s.config.AuditRetentionDays),
		BufferCutoff: now.AddDate(0, 0, -s.config.BufferRetentionDays),
	}

	var errs []error
	if s.audit != nil {
		n, err := CleanupAuditLogs(ctx, s.audit, res.AuditCutoff, s.config.BatchSize)
		res.AuditDeleted = n
		if err != nil {
			s.logger.Error().Err(err).Msg("Failed to cleanup audit logs")
			errs = append(errs, err)
		}
	}
	if s.buffer != nil {
		n, err := CleanupDeliveredResults(ctx, s.buffer, res.BufferCutoff)
		res.BufferDeleted = n
		if err != nil {
			s.logger.Error().Err(err).Msg("Failed to cleanup delivered results")
			errs = append(errs, err)
		}
	}
	res.FinishedAt = s.now()

	s.logger.Info().
		Int64("audit_deleted", res.AuditDeleted).
		Int64("buffer_deleted", res.BufferDeleted).
		Time("audit_cutoff", res.AuditCutoff).
		Msg("Cleanup completed")
	return res, errors.Join(errs...)
}

// Start runs cleanup on the configured interval until ctx is done or Stop
// is called
func (s *CleanupScheduler) Start(ctx context.Context) {
	s.logger.Info().Dur("interval", s.config.Interval).Msg("Starting cleanup scheduler")
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Cleanup scheduler stopped by context")
			return
		case <-s.stopChan:
			s.logger.Info().Msg("Cleanup scheduler stopped")
			return
		case <-ticker.C:
			_, _ = s.RunOnce(ctx)
		}
	}
}

// Stop stops the scheduler
func (s *CleanupScheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}
