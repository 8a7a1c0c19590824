package types

import (
	"encoding/json"
	"time"
)

// AuditKind classifies an audit record
type AuditKind string

const (
	AuditLeaseRejected     AuditKind = "lease_rejected"
	AuditLeaseRevoked      AuditKind = "lease_revoked"
	AuditLeaseExpired      AuditKind = "lease_expired"
	AuditTaskRequeued      AuditKind = "task_requeued"
	AuditTaskPermFailed    AuditKind = "task_permanently_failed"
	AuditRecovery          AuditKind = "recovery"
	AuditPartitionChange   AuditKind = "partition_state_changed"
	AuditBufferedDelivered AuditKind = "buffered_result_delivered"
)

// AuditRecord is an append-only trail entry for ownership decisions
type AuditRecord struct {
	ID        int64           `json:"id"`
	Kind      AuditKind       `json:"kind"`
	TaskID    string          `json:"taskId,omitempty"`
	PeerID    string          `json:"peerId,omitempty"`
	LeaseID   string          `json:"leaseId,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Details   json.RawMessage `json:"details,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// AuditFilter narrows an audit listing
type AuditFilter struct {
	Kind   AuditKind
	TaskID string
	PeerID string
	Since  time.Time
	Limit  int
}
