// Package bootstrap assembles the coordinator from configuration
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/peerswarm/lease-coordinator/config"
	"github.com/peerswarm/lease-coordinator/internal/audit"
	"github.com/peerswarm/lease-coordinator/internal/buffer"
	"github.com/peerswarm/lease-coordinator/internal/controlplane"
	"github.com/peerswarm/lease-coordinator/internal/crash"
	"github.com/peerswarm/lease-coordinator/internal/database"
	"github.com/peerswarm/lease-coordinator/internal/events"
	"github.com/peerswarm/lease-coordinator/internal/handlers"
	"github.com/peerswarm/lease-coordinator/internal/http/ratelimit"
	"github.com/peerswarm/lease-coordinator/internal/jobs"
	"github.com/peerswarm/lease-coordinator/internal/lease"
	"github.com/peerswarm/lease-coordinator/internal/metrics"
	"github.com/peerswarm/lease-coordinator/internal/middleware"
	"github.com/peerswarm/lease-coordinator/internal/partition"
	"github.com/peerswarm/lease-coordinator/internal/reconcile"
	"github.com/peerswarm/lease-coordinator/internal/recovery"
	"github.com/peerswarm/lease-coordinator/internal/requeue"
	"github.com/peerswarm/lease-coordinator/internal/revocation"
	"github.com/peerswarm/lease-coordinator/internal/store"
	"github.com/peerswarm/lease-coordinator/internal/sweepers"
	"github.com/peerswarm/lease-coordinator/internal/tasks"
	"github.com/peerswarm/lease-coordinator/internal/telemetry"
	"github.com/peerswarm/lease-coordinator/internal/token"
	"github.com/peerswarm/lease-coordinator/internal/types"
)

// App owns every component of a running coordinator
type App struct {
	cfg    *config.Config
	logger *zerolog.Logger

	Store      store.Store
	Audit      *audit.Writer
	Events     *events.Bus
	Buffer     *buffer.Buffer
	Partition  *partition.Detector
	Leases     *lease.Service
	Requeuer   *requeue.Requeuer
	Reconciler *reconcile.Engine
	Revoker    *revocation.Revoker
	Recovery   *recovery.Orchestrator
	Crash      *crash.Detector
	Expiration *sweepers.ExpirationMonitor
	Flusher    *sweepers.BufferFlusher
	Cleanup    *jobs.CleanupScheduler
	Tasks      *tasks.Service
	Router     *gin.Engine

	closers []func() error
}

// New builds the coordinator. On error every resource opened so far is
// released.
func New(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (app *App, err error) {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if a.Store, err = a.openStore(ctx); err != nil {
		return nil, err
	}

	sink, err := newSink(cfg.Events, logger)
	if err != nil {
		return nil, err
	}
	a.Events = events.NewBus(sink, cfg.Events.SubjectPrefix, logger)
	a.closers = append(a.closers, a.Events.Close)

	tracker, err := newTracker(ctx, cfg.Heartbeat)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, tracker.Close)

	signer, err := token.NewSigner(cfg.Lease.TokenSecret, cfg.Lease.TokenIssuer)
	if err != nil {
		return nil, fmt.Errorf("lease token signer: %w", err)
	}

	rec := metrics.NewRecorder()
	a.Audit = audit.NewWriter(a.Store, logger)

	a.Buffer, err = buffer.Open(ctx, buffer.Options{
		Path:             cfg.Buffer.Path,
		Capacity:         cfg.Buffer.Capacity,
		MaxRetryAttempts: cfg.Buffer.MaxRetryAttempts,
		FlushBatchSize:   cfg.Buffer.FlushBatchSize,
	}, a.Audit, rec, logger)
	if err != nil {
		return nil, fmt.Errorf("open result buffer: %w", err)
	}
	a.closers = append(a.closers, a.Buffer.Close)

	cp := controlplane.New(controlplane.Config{
		BaseURL: cfg.ControlPlane.URL,
		Timeout: cfg.ControlPlane.Timeout,
		Retry: ratelimit.Config{
			RequestsPerSecond: cfg.ControlPlane.RequestsPerSecond,
			MaxRetries:        cfg.ControlPlane.MaxRetries,
			InitialBackoff:    cfg.ControlPlane.InitialBackoff,
			MaxBackoff:        cfg.ControlPlane.MaxBackoff,
		},
	}, rec, logger)

	a.Requeuer = requeue.New(a.Store, requeue.Policy{
		Base: cfg.Requeue.BaseBackoff,
		Max:  cfg.Requeue.MaxBackoff,
	}, a.Audit, a.Events, rec, logger)

	a.Partition = partition.NewDetector(cp, partition.Config{
		ProbeInterval: cfg.Partition.ProbeInterval,
		ProbeTimeout:  cfg.Partition.ProbeTimeout,
	}, a.Audit, a.Events, rec, logger)

	a.Leases = lease.NewService(leaseConfig(cfg.Lease), lease.Deps{
		Store:     a.Store,
		Signer:    signer,
		Requeuer:  a.Requeuer,
		Partition: a.Partition,
		Buffer:    a.Buffer,
		Forwarder: cp,
		Audit:     a.Audit,
		Events:    a.Events,
		Metrics:   rec,
		Logger:    logger,
	})

	a.Reconciler = reconcile.New(a.Partition, a.Buffer, a.Leases, cp, a.Audit, a.Events, logger)
	a.Revoker = revocation.New(a.Store, a.Requeuer, a.Audit, a.Events, rec, logger)
	a.Recovery = recovery.New(recovery.Deps{
		Store:      a.Store,
		Revoker:    a.Revoker,
		Reconciler: a.Reconciler,
		Partition:  a.Partition,
		Requeuer:   a.Requeuer,
		Audit:      a.Audit,
		Events:     a.Events,
		Metrics:    rec,
		Logger:     logger,
		Grace:      cfg.Lease.GracePeriod,
	})
	a.Partition.SetReconciler(a.Recovery)

	a.Crash = crash.NewDetector(tracker, a.Store, crash.Config{
		Threshold:     cfg.Crash.Threshold,
		CheckInterval: cfg.Crash.CheckInterval,
	}, a.Audit, a.Events, rec, logger)
	a.Crash.SetHandler(a.Recovery)

	a.Expiration = sweepers.NewExpirationMonitor(a.Store, a.Requeuer, sweepers.ExpirationConfig{
		Interval:       cfg.Expiration.ScanInterval,
		Grace:          cfg.Lease.GracePeriod,
		BatchSize:      cfg.Expiration.BatchSize,
		UpcomingWindow: cfg.Expiration.UpcomingWindow,
	}, a.Audit, a.Events, rec, logger)
	a.Flusher = sweepers.NewBufferFlusher(a.Reconciler, a.Partition, cfg.Buffer.FlushInterval, logger)
	a.Cleanup = jobs.NewCleanupScheduler(a.Store, a.Buffer, jobs.CleanupConfig{
		AuditRetentionDays: cfg.Audit.RetentionDays,
		BatchSize:          cfg.Audit.BatchSize,
		Interval:           cfg.Audit.CleanupInterval,
	}, logger)

	a.Tasks = tasks.NewService(a.Store, a.Partition, cfg.Requeue.DefaultMaxRetries, logger)

	if a.Router, err = a.newRouter(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) openStore(ctx context.Context) (store.Store, error) {
	db := a.cfg.Database
	switch db.Backend {
	case "memory":
		a.logger.Warn().Msg("Using in-memory store, lease state does not survive a restart")
		return store.NewMemoryStore(), nil
	case "postgres", "":
	default:
		return nil, fmt.Errorf("unknown database backend %q", db.Backend)
	}
	if db.URL == "" {
		return nil, fmt.Errorf("database.url is required for the postgres backend")
	}

	if db.AutoMigrate {
		if err := database.Migrate(db.URL); err != nil {
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}
	pool, err := database.Connect(ctx, database.PoolConfig{
		URL:         db.URL,
		MaxConns:    db.MaxConnections,
		MinConns:    db.MinConnections,
		MaxLifetime: db.MaxConnLifetime,
		MaxIdleTime: db.MaxConnIdleTime,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error { pool.Close(); return nil })
	a.logger.Info().Msg("Database connected")
	return store.NewPostgresStore(pool), nil
}

func newSink(cfg config.EventsConfig, logger *zerolog.Logger) (events.Sink, error) {
	switch cfg.Backend {
	case "nats":
		sink, err := events.NewNATSSink(cfg.NATSURL, logger)
		if err != nil {
			return nil, fmt.Errorf("connect to nats: %w", err)
		}
		return sink, nil
	case "log":
		return events.NewLogSink(logger), nil
	default:
		return events.Discard{}, nil
	}
}

func newTracker(ctx context.Context, cfg config.HeartbeatConfig) (crash.Tracker, error) {
	if cfg.Backend != "redis" {
		return crash.NewMemoryTracker(), nil
	}
	tracker, err := crash.NewRedisTracker(ctx, crash.RedisOptions{
		Addr:      cfg.RedisAddr,
		Password:  cfg.RedisPassword,
		DB:        cfg.RedisDB,
		KeyPrefix: cfg.KeyPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return tracker, nil
}

func leaseConfig(c config.LeaseConfig) lease.Config {
	return lease.Config{
		Durations: map[types.Complexity]time.Duration{
			types.ComplexityLow:    c.DurationLow,
			types.ComplexityMedium: c.DurationMedium,
			types.ComplexityHigh:   c.DurationHigh,
		},
		Grace: c.GracePeriod,
	}
}

func (a *App) newRouter() (*gin.Engine, error) {
	verifier, err := middleware.NewVerifier(a.cfg.Security.PeerKeys, a.cfg.Security.MaxClockSkew)
	if err != nil {
		return nil, fmt.Errorf("peer keys: %w", err)
	}
	if !verifier.Enabled() {
		a.logger.Warn().Msg("No peer keys configured, peer signatures are not checked")
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(a.logger))

	h := handlers.New(handlers.Deps{
		Store:      a.Store,
		Tasks:      a.Tasks,
		Leases:     a.Leases,
		Requeuer:   a.Requeuer,
		Crash:      a.Crash,
		Revoker:    a.Revoker,
		Partition:  a.Partition,
		Reconciler: a.Reconciler,
		Recovery:   a.Recovery,
		Expiration: a.Expiration,
		Buffer:     a.Buffer,
		Audit:      a.Audit,
		Logger:     a.logger,
	})
	h.Register(r, handlers.RouteOptions{
		InternalAPIKey: a.cfg.Security.InternalAPIKey,
		Verifier:       verifier,
		RateLimit: middleware.RateLimiterConfig{
			RequestsPerSecond: a.cfg.RateLimit.RequestsPerSecond,
			BurstSize:         a.cfg.RateLimit.Burst,
		},
		AdminRequestsPerSecond: 50,
	})
	return r, nil
}

// RecoverOnStartup expires leases that ran out while the coordinator was
// down and requeues their tasks
func (a *App) RecoverOnStartup(ctx context.Context) error {
	res, err := a.Expiration.RecoverOnStartup(ctx)
	if err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}
	a.logger.Info().
		Int("expired", res.Expired).
		Int("requeued", res.Requeued).
		Msg("Startup recovery finished")
	return nil
}

// Run recovers stale leases, starts the background loops and serves HTTP
// until ctx is cancelled
func (a *App) Run(ctx context.Context) error {
	if err := a.RecoverOnStartup(ctx); err != nil {
		return err
	}

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.FromConfig(a.cfg.Telemetry))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	srv := &http.Server{
		Addr:         a.cfg.Server.Address(),
		Handler:      a.Router,
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	loops := []interface {
		Start(context.Context)
		Stop()
	}{a.Expiration, a.Crash, a.Partition, a.Flusher, a.Cleanup}
	for _, l := range loops {
		g.Go(func() error {
			l.Start(gctx)
			return nil
		})
	}

	g.Go(func() error {
		a.logger.Info().Str("addr", srv.Addr).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info().Msg("Shutting down server...")
		for _, l := range loops {
			l.Stop()
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error().Err(err).Msg("Server forced to shutdown")
		}
		return shutdownTelemetry(shutdownCtx)
	})

	return g.Wait()
}

// Close releases resources in reverse order of acquisition
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
