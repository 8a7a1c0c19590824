// Package lease issues, validates and revokes task leases.
//
// The lease row in the store is authoritative. Tokens are HS256 credentials
// derived from it; a token is only honoured while its row is active.
package lease

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/peerswarm/lease-coordinator/internal/audit"
	"github.com/peerswarm/lease-coordinator/internal/controlplane"
	"github.com/peerswarm/lease-coordinator/internal/events"
	"github.com/peerswarm/lease-coordinator/internal/metrics"
	"github.com/peerswarm/lease-coordinator/internal/store"
	"github.com/peerswarm/lease-coordinator/internal/token"
	"github.com/peerswarm/lease-coordinator/internal/types"
)

const tracerName = "github.com/peerswarm/lease-coordinator/internal/lease"

// Config holds lease timing
type Config struct {
	Durations map[types.Complexity]time.Duration
	// Grace is added to expires_at when judging a submission
	Grace time.Duration
}

// DefaultConfig returns LOW 5m, MEDIUM 10m, HIGH 15m and a 2s grace
func DefaultConfig() Config {
	return Config{
		Durations: map[types.Complexity]time.Duration{
			types.ComplexityLow:    5 * time.Minute,
			types.ComplexityMedium: 10 * time.Minute,
			types.ComplexityHigh:   15 * time.Minute,
		},
		Grace: 2 * time.Second,
	}
}

// DurationFor returns the lease duration of a complexity tier. Unknown tiers
// get the MEDIUM duration.
func (c Config) DurationFor(cx types.Complexity) time.Duration {
	if d, ok := c.Durations[cx]; ok && d > 0 {
		return d
	}
	if d, ok := c.Durations[types.ComplexityMedium]; ok && d > 0 {
		return d
	}
	return 10 * time.Minute
}

// Requeuer routes FAILED tasks back to the queue
type Requeuer interface {
	Requeue(ctx context.Context, taskID string) (*types.RequeueResult, error)
}

// Partition exposes the control plane reachability state
type Partition interface {
	Degraded() bool
	ReportFailure(err error)
}

// ResultBuffer holds results that could not be forwarded. Enqueue returns
// types.ErrBufferFull when no slot is left and reports whether it created the
// entry or found the same submission already buffered.
type ResultBuffer interface {
	Enqueue(ctx context.Context, sub types.ResultSubmission, workflowID string) (int64, bool, error)
	Discard(ctx context.Context, seq int64) error
}

// Forwarder delivers accepted results to the control plane
type Forwarder interface {
	SubmitResult(ctx context.Context, req controlplane.ResultRequest) error
}

// Deps are the collaborators of a Service. Partition, Buffer and Forwarder
// may be nil, in which case results are only recorded locally.
type Deps struct {
	Store     store.Store
	Signer    *token.Signer
	Requeuer  Requeuer
	Partition Partition
	Buffer    ResultBuffer
	Forwarder Forwarder
	Audit     *audit.Writer
	Events    *events.Bus
	Metrics   *metrics.Recorder
	Logger    *zerolog.Logger
	// Clock overrides time.Now
	Clock func() time.Time
}

// Service implements lease issuance, validation and result submission
type Service struct {
	cfg       Config
	store     store.Store
	signer    *token.Signer
	requeuer  Requeuer
	partition Partition
	buffer    ResultBuffer
	forwarder Forwarder
	audit     *audit.Writer
	events    *events.Bus
	metrics   *metrics.Recorder
	logger    *zerolog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// NewService creates a lease service
func NewService(cfg Config, deps Deps) *Service {
	if cfg.Durations == nil {
		cfg.Durations = DefaultConfig().Durations
	}
	if cfg.Grace < 0 {
		cfg.Grace = 0
	}
	logger := deps.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "lease").Logger()
	now := deps.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	return &Service{
		cfg:       cfg,
		store:     deps.Store,
		signer:    deps.Signer,
		requeuer:  deps.Requeuer,
		partition: deps.Partition,
		buffer:    deps.Buffer,
		forwarder: deps.Forwarder,
		audit:     deps.Audit,
		events:    deps.Events,
		metrics:   deps.Metrics,
		logger:    &l,
		tracer:    otel.Tracer(tracerName),
		now:       now,
	}
}

// Config returns the timing in use
func (s *Service) Config() Config { return s.cfg }
