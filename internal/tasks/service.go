// Package tasks admits new tasks with idempotency-key deduplication.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/peerswarm/lease-coordinator/internal/types"
)

// DefaultMaxRetries applies when a new task does not set one
const DefaultMaxRetries = 3

// Store is the task storage used by the service
type Store interface {
	InsertTask(ctx context.Context, task types.Task) (*types.Task, bool, error)
	GetTask(ctx context.Context, taskID string) (*types.Task, error)
	GetTaskByIdempotencyKey(ctx context.Context, key string) (*types.Task, error)
	ListTasksByStatus(ctx context.Context, status types.TaskStatus, limit int) ([]types.Task, error)
	CountTasksByStatus(ctx context.Context) (map[types.TaskStatus]int, error)
}

// Admission gates new work on control plane reachability
type Admission interface {
	Admit() error
}

// Service creates and reads tasks
type Service struct {
	store      Store
	admission  Admission
	maxRetries int
	logger     *zerolog.Logger
	now        func() time.Time
}

// NewService creates a task service. admission may be nil.
func NewService(st Store, admission Admission, maxRetries int, logger *zerolog.Logger) *Service {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "tasks").Logger()
	return &Service{
		store:      st,
		admission:  admission,
		maxRetries: maxRetries,
		logger:     &l,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// CreateWithDedup inserts a QUEUED task unless one with the same idempotency
// key exists, in which case the existing task is returned with created=false.
// Concurrent callers with the same key all observe the single stored row.
//
// While the control plane is partitioned new tasks are refused with
// types.ErrPartitioned, but a replay of an already admitted key still returns
// the stored task.
func (s *Service) CreateWithDedup(ctx context.Context, in types.NewTask) (*types.Task, bool, error) {
	if in.IdempotencyKey == "" {
		return nil, false, &types.InputError{Field: "idempotencyKey", Msg: "required"}
	}
	complexity, err := types.ParseComplexity(string(in.Complexity))
	if err != nil {
		return nil, false, &types.InputError{Field: "complexity", Msg: err.Error()}
	}
	if err := in.Requirements.Validate(); err != nil {
		return nil, false, &types.InputError{Field: "requirements", Msg: err.Error()}
	}
	if in.MaxRetries != nil && *in.MaxRetries < 0 {
		return nil, false, &types.InputError{Field: "maxRetries", Msg: "must not be negative"}
	}

	if s.admission != nil {
		if err := s.admission.Admit(); err != nil {
			existing, lookupErr := s.store.GetTaskByIdempotencyKey(ctx, in.IdempotencyKey)
			if lookupErr == nil {
				return existing, false, nil
			}
			return nil, false, err
		}
	}

	maxRetries := s.maxRetries
	if in.MaxRetries != nil {
		maxRetries = *in.MaxRetries
	}
	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}

	task, created, err := s.store.InsertTask(ctx, types.Task{
		ID:             id,
		Status:         types.TaskQueued,
		IdempotencyKey: in.IdempotencyKey,
		Requirements:   in.Requirements,
		Complexity:     complexity,
		MaxRetries:     maxRetries,
		WorkflowID:     in.WorkflowID,
		CreatedAt:      s.now(),
	})
	if errors.Is(err, types.ErrDuplicateKey) {
		// the key may have been inserted between our insert and its conflict check
		if existing, lookupErr := s.store.GetTaskByIdempotencyKey(ctx, in.IdempotencyKey); lookupErr == nil {
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("task %s already exists with another idempotency key: %w", id, types.ErrDuplicateKey)
	}
	if err != nil {
		return nil, false, err
	}

	if created {
		s.logger.Info().
			Str("task_id", task.ID).
			Str("complexity", string(task.Complexity)).
			Int("max_retries", task.MaxRetries).
			Msg("Task created")
	} else {
		s.logger.Debug().
			Str("task_id", task.ID).
			Str("idempotency_key", in.IdempotencyKey).
			Msg("Duplicate task creation collapsed")
	}
	return task, created, nil
}

// Get returns a task by ID
func (s *Service) Get(ctx context.Context, taskID string) (*types.Task, error) {
	return s.store.GetTask(ctx, taskID)
}

// List returns tasks in a status
func (s *Service) List(ctx context.Context, status types.TaskStatus, limit int) ([]types.Task, error) {
	if !status.Valid() {
		return nil, &types.InputError{Field: "status", Msg: fmt.Sprintf("unknown status %q", status)}
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.store.ListTasksByStatus(ctx, status, limit)
}

// Counts returns the number of tasks per status
func (s *Service) Counts(ctx context.Context) (map[types.TaskStatus]int, error) {
	return s.store.CountTasksByStatus(ctx)
}
