package types

import (
	"errors"
	"fmt"

	"github.com/peerswarm/lease-coordinator/internal/capability"
)

var (
	ErrTaskNotFound  = errors.New("task not found")
	ErrLeaseNotFound = errors.New("lease not found")
	ErrNodeNotFound  = errors.New("node not found")
	ErrInvalidState  = errors.New("invalid task state")

	// ErrLeaseConflict is returned when another issuance won the race for a task
	ErrLeaseConflict   = errors.New("lease conflict: task already leased")
	ErrDuplicateKey    = errors.New("duplicate idempotency key")
	ErrNodeUnavailable = errors.New("node unavailable")
	ErrNodeAtCapacity  = errors.New("node at max concurrent tasks")

	ErrPartitioned             = errors.New("control plane partitioned: admission paused")
	ErrControlPlaneUnavailable = errors.New("control plane unavailable")
	ErrBufferFull              = errors.New("result buffer full")
)

// StateError reports a disallowed transition. It matches ErrInvalidState.
type StateError struct {
	TaskID string
	Have   TaskStatus
	Want   []TaskStatus
}

func (e *StateError) Error() string {
	return fmt.Sprintf("task %s: status %s, expected one of %v", e.TaskID, e.Have, e.Want)
}

func (e *StateError) Unwrap() error { return ErrInvalidState }

// ValidationError carries every unmet capability requirement
type ValidationError struct {
	TaskID string
	PeerID string
	Result capability.ValidationResult
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("peer %s cannot run task %s: %s", e.PeerID, e.TaskID, e.Result.Summary())
}

// InputError reports a malformed request
type InputError struct {
	Field string
	Msg   string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

var (
	// ErrLeaseInactive is returned when a lease was already released, revoked or expired
	ErrLeaseInactive = errors.New("lease no longer active")
	// ErrNotYetEligible is returned when a requeued task is still backing off
	ErrNotYetEligible = errors.New("task not yet eligible for leasing")
)

// RejectionError carries a lease rejection out of an operation that otherwise
// returns only an error, such as a lease acknowledgement
type RejectionError struct {
	Decision Decision
}

func (e *RejectionError) Error() string {
	if e.Decision.Message == "" {
		return fmt.Sprintf("lease rejected: %s", e.Decision.Reason)
	}
	return fmt.Sprintf("lease rejected: %s: %s", e.Decision.Reason, e.Decision.Message)
}
