package types

import (
	"encoding/json"
	"time"
)

// Lease represents a time-bounded exclusive claim of a peer on a task
type Lease struct {
	ID           string     `json:"leaseId"`
	TaskID       string     `json:"taskId"`
	PeerID       string     `json:"peerId"`
	Token        string     `json:"leaseToken"`
	IssuedAt     time.Time  `json:"issuedAt"`
	ExpiresAt    time.Time  `json:"expiresAt"`
	IsRevoked    bool       `json:"isRevoked"`
	IsExpired    bool       `json:"isExpired"`
	ReleasedAt   *time.Time `json:"releasedAt,omitempty"`
	RevokedAt    *time.Time `json:"revokedAt,omitempty"`
	RevokeReason *string    `json:"revokeReason,omitempty"`
}

// IsActive reports whether the lease still confers ownership
func (l *Lease) IsActive() bool {
	return !l.IsRevoked && !l.IsExpired && l.ReleasedAt == nil
}

// RejectReason identifies why a submitted result was refused
type RejectReason string

const (
	RejectDuplicate          RejectReason = "DUPLICATE"
	RejectInvalidToken       RejectReason = "INVALID_TOKEN"
	RejectTaskMismatch       RejectReason = "TASK_MISMATCH"
	RejectOwnershipViolation RejectReason = "OWNERSHIP_VIOLATION"
	RejectLeaseExpired       RejectReason = "LEASE_EXPIRED"
	RejectLeaseRevoked       RejectReason = "LEASE_REVOKED"
)

// NotifiesPeer reports whether the rejected peer should be told about it
func (r RejectReason) NotifiesPeer() bool {
	switch r {
	case RejectOwnershipViolation, RejectLeaseExpired, RejectLeaseRevoked:
		return true
	}
	return false
}

// Decision is the outcome of validating a result submission
type Decision struct {
	Accepted bool         `json:"accepted"`
	Reason   RejectReason `json:"reason,omitempty"`
	LeaseID  string       `json:"leaseId,omitempty"`
	Message  string       `json:"message,omitempty"`
}

// Accept builds an accepting decision
func Accept(leaseID string) Decision {
	return Decision{Accepted: true, LeaseID: leaseID}
}

// Reject builds a rejecting decision
func Reject(reason RejectReason, msg string) Decision {
	return Decision{Reason: reason, Message: msg}
}

// ResultStatus is the outcome a peer reports for its work
type ResultStatus string

const (
	ResultCompleted ResultStatus = "COMPLETED"
	ResultFailed    ResultStatus = "FAILED"
)

// ResultSubmission is a peer's claim that it finished a task. SubmittedAt is
// stamped by the coordinator on receipt; a value sent by the peer is not
// trusted.
type ResultSubmission struct {
	TaskID         string          `json:"taskId"`
	PeerID         string          `json:"peerId"`
	Token          string          `json:"leaseToken" jsonschema:"required"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	Status         ResultStatus    `json:"status" jsonschema:"enum=COMPLETED,enum=FAILED"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	ErrorMessage   string          `json:"errorMessage,omitempty"`
	SubmittedAt    time.Time       `json:"submittedAt"`
}

// SubmitOutcome reports how a submission was handled
type SubmitOutcome struct {
	Decision Decision       `json:"decision"`
	Buffered bool           `json:"buffered"`
	Status   TaskStatus     `json:"status,omitempty"`
	Requeue  *RequeueResult `json:"requeue,omitempty"`

	// ForwardError is set when an accepted result was neither delivered to
	// the control plane nor buffered
	ForwardError string `json:"forwardError,omitempty"`
}
