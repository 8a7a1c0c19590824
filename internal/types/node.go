package types

import (
	"time"

	"github.com/peerswarm/lease-coordinator/internal/capability"
)

// NodeCapability represents a peer's declared capabilities and live load
type NodeCapability struct {
	PeerID             string             `json:"peerId"`
	Profile            capability.Profile `json:"profile"`
	Usage              capability.Usage   `json:"usage"`
	IsAvailable        bool               `json:"isAvailable"`
	CurrentTaskCount   int                `json:"currentTaskCount"`
	MaxConcurrentTasks int                `json:"maxConcurrentTasks"`
	SuccessCount       int64              `json:"successCount"`
	FailureCount       int64              `json:"failureCount"`
	LastHeartbeatAt    *time.Time         `json:"lastHeartbeatAt,omitempty"`
	UpdatedAt          time.Time          `json:"updatedAt"`
}

// HasCapacity reports whether another lease may be issued to this node
func (n *NodeCapability) HasCapacity() bool {
	return n.MaxConcurrentTasks <= 0 || n.CurrentTaskCount < n.MaxConcurrentTasks
}

// CrashEvent is emitted once when a peer stops heartbeating
type CrashEvent struct {
	PeerID        string    `json:"peerId"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	DetectedAt    time.Time `json:"detectedAt"`
}

// RevocationSummary tallies the effect of revoking a crashed peer's leases
type RevocationSummary struct {
	PeerID            string   `json:"peerId"`
	Revoked           int      `json:"revoked"`
	Requeued          int      `json:"requeued"`
	PermanentlyFailed int      `json:"permanentlyFailed"`
	Skipped           int      `json:"skipped"`
	Errors            []string `json:"errors,omitempty"`
}
