package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/peerswarm/lease-coordinator/internal/capability"
)

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	TaskQueued            TaskStatus = "QUEUED"
	TaskLeased            TaskStatus = "LEASED"
	TaskRunning           TaskStatus = "RUNNING"
	TaskCompleted         TaskStatus = "COMPLETED"
	TaskFailed            TaskStatus = "FAILED"
	TaskExpired           TaskStatus = "EXPIRED"
	TaskPermanentlyFailed TaskStatus = "PERMANENTLY_FAILED"
)

// Terminal reports whether no further transition is possible
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskPermanentlyFailed
}

// Valid reports whether s is a known status
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskQueued, TaskLeased, TaskRunning, TaskCompleted, TaskFailed, TaskExpired, TaskPermanentlyFailed:
		return true
	}
	return false
}

// Complexity selects the lease duration tier of a task
type Complexity string

const (
	ComplexityLow    Complexity = "LOW"
	ComplexityMedium Complexity = "MEDIUM"
	ComplexityHigh   Complexity = "HIGH"
)

// ParseComplexity accepts a tier name; the empty string defaults to MEDIUM
func ParseComplexity(s string) (Complexity, error) {
	switch Complexity(s) {
	case "":
		return ComplexityMedium, nil
	case ComplexityLow, ComplexityMedium, ComplexityHigh:
		return Complexity(s), nil
	default:
		return "", fmt.Errorf("unknown complexity %q", s)
	}
}

// Task represents a unit of work distributed to the swarm
type Task struct {
	ID             string                  `json:"taskId"`
	Status         TaskStatus              `json:"status"`
	IdempotencyKey string                  `json:"idempotencyKey"`
	Requirements   capability.Requirements `json:"requirements"`
	Complexity     Complexity              `json:"complexity"`
	RetryCount     int                     `json:"retryCount"`
	MaxRetries     int                     `json:"maxRetries"`
	AssignedPeerID *string                 `json:"assignedPeerId,omitempty"`
	Result         json.RawMessage         `json:"result,omitempty"`
	ErrorMessage   *string                 `json:"errorMessage,omitempty"`
	NextEligibleAt *time.Time              `json:"nextEligibleAt,omitempty"`
	WorkflowID     *string                 `json:"workflowId,omitempty"`
	CreatedAt      time.Time               `json:"createdAt"`
	UpdatedAt      time.Time               `json:"updatedAt"`
}

// AssignedTo reports whether the task is currently assigned to peerID
func (t *Task) AssignedTo(peerID string) bool {
	return t.AssignedPeerID != nil && *t.AssignedPeerID == peerID
}

// NewTask is the input for creating a task
type NewTask struct {
	ID             string                  `json:"taskId,omitempty"`
	IdempotencyKey string                  `json:"idempotencyKey" jsonschema:"required"`
	Requirements   capability.Requirements `json:"requirements"`
	Complexity     Complexity              `json:"complexity,omitempty" jsonschema:"enum=LOW,enum=MEDIUM,enum=HIGH"`
	// MaxRetries left unset uses the coordinator default; 0 never retries
	MaxRetries     *int                    `json:"maxRetries,omitempty"`
	WorkflowID     *string                 `json:"workflowId,omitempty"`
}

// RequeueOutcome is the result kind of a requeue attempt
type RequeueOutcome string

const (
	OutcomeRequeued          RequeueOutcome = "requeued"
	OutcomePermanentlyFailed RequeueOutcome = "permanently_failed"
	OutcomeAlreadyQueued     RequeueOutcome = "already_queued"
)

// RequeueResult describes what happened to a task handed to requeue
type RequeueResult struct {
	TaskID         string         `json:"taskId"`
	Outcome        RequeueOutcome `json:"outcome"`
	RetryCount     int            `json:"retryCount"`
	Backoff        time.Duration  `json:"backoff,omitempty"`
	NextEligibleAt *time.Time     `json:"nextEligibleAt,omitempty"`
}
