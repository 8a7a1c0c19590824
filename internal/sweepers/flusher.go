package sweepers

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/peerswarm/lease-coordinator/internal/controlplane"
	"github.com/peerswarm/lease-coordinator/internal/reconcile"
)

// Drainer flushes buffered results outside of a reconciliation
type Drainer interface {
	Drain(ctx context.Context) (*reconcile.Report, error)
}

// FailureReporter is told about control plane outages seen while draining
type FailureReporter interface {
	ReportFailure(err error)
}

// BufferFlusher periodically retries buffered results that a reconciliation
// left behind
type BufferFlusher struct {
	drainer  Drainer
	reporter FailureReporter
	interval time.Duration
	logger   *zerolog.Logger
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewBufferFlusher creates the flusher; reporter may be nil
func NewBufferFlusher(d Drainer, reporter FailureReporter, interval time.Duration, logger *zerolog.Logger) *BufferFlusher {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "buffer_flusher").Logger()
	return &BufferFlusher{
		drainer:  d,
		reporter: reporter,
		interval: interval,
		logger:   &l,
		stopChan: make(chan struct{}),
	}
}

// Start begins the periodic drain
func (f *BufferFlusher) Start(ctx context.Context) {
	f.logger.Info().Dur("interval", f.interval).Msg("Starting buffer flusher")

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.logger.Info().Msg("Buffer flusher stopping (context cancelled)")
			return
		case <-f.stopChan:
			f.logger.Info().Msg("Buffer flusher stopping (stop signal)")
			return
		case <-ticker.C:
			f.Tick(ctx)
		}
	}
}

// Tick runs one drain
func (f *BufferFlusher) Tick(ctx context.Context) {
	report, err := f.drainer.Drain(ctx)
	switch {
	case errors.Is(err, reconcile.ErrBusy):
		f.logger.Debug().Msg("Reconciliation in progress, skipping drain")
	case err != nil:
		if controlplane.IsTransient(err) && f.reporter != nil {
			f.reporter.ReportFailure(err)
		}
		f.logger.Warn().Err(err).Msg("Buffer drain failed")
	case report != nil && report.Summary != nil && report.Summary.Attempted > 0:
		f.logger.Info().
			Int("attempted", report.Summary.Attempted).
			Int("delivered", report.Summary.Delivered).
			Msg("Buffered results drained")
	}
}

// Stop signals the flusher to stop
func (f *BufferFlusher) Stop() {
	f.stopOnce.Do(func() { close(f.stopChan) })
}
