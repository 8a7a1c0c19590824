package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/peerswarm/lease-coordinator/internal/capability"
	"github.com/peerswarm/lease-coordinator/internal/types"
)

// MemoryStore is an in-process Store used by tests and local development.
// A single mutex makes every method atomic.
type MemoryStore struct {
	mu       sync.Mutex
	tasks    map[string]*types.Task
	byKey    map[string]string
	leases   map[string]*types.Lease
	nodes    map[string]*types.NodeCapability
	accepted map[string]struct{}
	audit    []types.AuditRecord
	nextID   int64
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:    make(map[string]*types.Task),
		byKey:    make(map[string]string),
		leases:   make(map[string]*types.Lease),
		nodes:    make(map[string]*types.NodeCapability),
		accepted: make(map[string]struct{}),
		nextID:   1,
	}
}

var _ Store = (*MemoryStore)(nil)

func acceptedKey(taskID, key string) string { return taskID + "\x00" + key }

func (m *MemoryStore) InsertTask(_ context.Context, task types.Task) (*types.Task, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byKey[task.IdempotencyKey]; ok {
		existing := *m.tasks[id]
		return &existing, false, nil
	}
	if _, ok := m.tasks[task.ID]; ok {
		return nil, false, types.ErrDuplicateKey
	}
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = task.CreatedAt
	stored := task
	m.tasks[task.ID] = &stored
	m.byKey[task.IdempotencyKey] = task.ID
	return &task, true, nil
}

func (m *MemoryStore) GetTask(_ context.Context, taskID string) (*types.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, types.ErrTaskNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) GetTaskByIdempotencyKey(_ context.Context, key string) (*types.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byKey[key]
	if !ok {
		return nil, types.ErrTaskNotFound
	}
	cp := *m.tasks[id]
	return &cp, nil
}

func (m *MemoryStore) ListTasksByStatus(_ context.Context, status types.TaskStatus, limit int) ([]types.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Task, 0)
	for _, t := range m.tasks {
		if t.Status == status {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CountTasksByStatus(_ context.Context) (map[types.TaskStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[types.TaskStatus]int)
	for _, t := range m.tasks {
		counts[t.Status]++
	}
	return counts, nil
}

func (m *MemoryStore) activeLeaseFor(taskID string) *types.Lease {
	for _, l := range m.leases {
		if l.TaskID == taskID && l.IsActive() {
			return l
		}
	}
	return nil
}

func (m *MemoryStore) decrementNode(peerID string, at time.Time) {
	if n, ok := m.nodes[peerID]; ok {
		if n.CurrentTaskCount > 0 {
			n.CurrentTaskCount--
		}
		n.UpdatedAt = at
	}
}

func (m *MemoryStore) AcquireLease(_ context.Context, lease types.Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[lease.TaskID]
	if !ok {
		return types.ErrTaskNotFound
	}
	if task.Status != types.TaskQueued || m.activeLeaseFor(lease.TaskID) != nil {
		return types.ErrLeaseConflict
	}
	if task.NextEligibleAt != nil && task.NextEligibleAt.After(lease.IssuedAt) {
		return types.ErrNotYetEligible
	}
	node, ok := m.nodes[lease.PeerID]
	if !ok {
		return types.ErrNodeNotFound
	}
	if !node.IsAvailable {
		return types.ErrNodeUnavailable
	}
	if !node.HasCapacity() {
		return types.ErrNodeAtCapacity
	}

	peer := lease.PeerID
	task.Status = types.TaskLeased
	task.AssignedPeerID = &peer
	task.UpdatedAt = lease.IssuedAt

	stored := lease
	m.leases[lease.ID] = &stored

	node.CurrentTaskCount++
	node.UpdatedAt = lease.IssuedAt
	return nil
}

func (m *MemoryStore) GetLease(_ context.Context, leaseID string) (*types.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leases[leaseID]
	if !ok {
		return nil, types.ErrLeaseNotFound
	}
	cp := *l
	return &cp, nil
}

func (m *MemoryStore) GetActiveLease(_ context.Context, taskID string) (*types.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.activeLeaseFor(taskID)
	if l == nil {
		return nil, types.ErrLeaseNotFound
	}
	cp := *l
	return &cp, nil
}

func (m *MemoryStore) MarkRunning(_ context.Context, taskID, leaseID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.leases[leaseID]
	if !ok || l.TaskID != taskID {
		return types.ErrLeaseNotFound
	}
	if !l.IsActive() {
		return types.ErrLeaseInactive
	}
	task := m.tasks[taskID]
	switch task.Status {
	case types.TaskRunning:
		return nil
	case types.TaskLeased:
		task.Status = types.TaskRunning
		task.UpdatedAt = at
		return nil
	default:
		return &types.StateError{TaskID: taskID, Have: task.Status, Want: []types.TaskStatus{types.TaskLeased}}
	}
}

func (m *MemoryStore) CompleteLease(_ context.Context, in Completion) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.leases[in.LeaseID]
	if !ok || l.TaskID != in.TaskID {
		return types.ErrLeaseNotFound
	}
	if !l.IsActive() {
		return types.ErrLeaseInactive
	}
	if _, dup := m.accepted[acceptedKey(in.TaskID, in.IdempotencyKey)]; dup {
		return types.ErrDuplicateKey
	}
	task := m.tasks[in.TaskID]
	if !isOwning(task.Status) {
		return &types.StateError{TaskID: in.TaskID, Have: task.Status, Want: owning}
	}

	at := in.At
	l.ReleasedAt = &at

	task.Status = in.Status
	task.Result = in.Result
	if in.ErrorMessage != "" {
		msg := in.ErrorMessage
		task.ErrorMessage = &msg
	}
	task.UpdatedAt = at

	m.decrementNode(l.PeerID, at)
	if n, ok := m.nodes[l.PeerID]; ok {
		if in.Status == types.TaskCompleted {
			n.SuccessCount++
		} else {
			n.FailureCount++
		}
	}
	m.accepted[acceptedKey(in.TaskID, in.IdempotencyKey)] = struct{}{}
	return nil
}

func (m *MemoryStore) endLease(l *types.Lease, taskStatus types.TaskStatus, at time.Time) {
	task, ok := m.tasks[l.TaskID]
	if ok && isOwning(task.Status) && task.AssignedTo(l.PeerID) {
		task.Status = taskStatus
		task.AssignedPeerID = nil
		task.UpdatedAt = at
	}
	m.decrementNode(l.PeerID, at)
}

func (m *MemoryStore) RevokeLease(_ context.Context, leaseID, reason string, taskStatus types.TaskStatus, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.leases[leaseID]
	if !ok {
		return false, types.ErrLeaseNotFound
	}
	if !l.IsActive() {
		return false, nil
	}
	l.IsRevoked = true
	l.IsExpired = true
	l.RevokedAt = &at
	l.RevokeReason = &reason
	m.endLease(l, taskStatus, at)
	return true, nil
}

func (m *MemoryStore) ExpireLease(_ context.Context, leaseID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.leases[leaseID]
	if !ok {
		return false, types.ErrLeaseNotFound
	}
	if !l.IsActive() {
		return false, nil
	}
	l.IsExpired = true
	m.endLease(l, types.TaskExpired, at)
	return true, nil
}

func (m *MemoryStore) ListExpiredLeases(_ context.Context, cutoff time.Time, limit int) ([]types.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Lease, 0)
	for _, l := range m.leases {
		if l.IsActive() && l.ExpiresAt.Before(cutoff) {
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListActiveLeasesByPeer(_ context.Context, peerID string) ([]types.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Lease, 0)
	for _, l := range m.leases {
		if l.PeerID == peerID && l.IsActive() {
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	return out, nil
}

func (m *MemoryStore) CountActiveLeases(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, l := range m.leases {
		if l.IsActive() {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CountLeasesExpiringBefore(_ context.Context, t time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, l := range m.leases {
		if l.IsActive() && l.ExpiresAt.Before(t) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) HasAcceptedResult(_ context.Context, taskID, idempotencyKey string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.accepted[acceptedKey(taskID, idempotencyKey)]
	return ok, nil
}

func (m *MemoryStore) revokeLingering(taskID, reason string, at time.Time) {
	for _, l := range m.leases {
		if l.TaskID == taskID && l.IsActive() {
			r := reason
			l.IsRevoked = true
			l.IsExpired = true
			l.RevokedAt = &at
			l.RevokeReason = &r
			m.decrementNode(l.PeerID, at)
		}
	}
}

func (m *MemoryStore) RequeueTask(_ context.Context, in Requeue) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[in.TaskID]
	if !ok {
		return false, types.ErrTaskNotFound
	}
	if !isRequeueable(task.Status) || task.RetryCount != in.ExpectedRetryCount {
		return false, nil
	}
	m.revokeLingering(in.TaskID, "requeued", in.At)

	next := in.NextEligibleAt
	task.Status = types.TaskQueued
	task.RetryCount++
	task.AssignedPeerID = nil
	task.NextEligibleAt = &next
	task.UpdatedAt = in.At
	return true, nil
}

func (m *MemoryStore) MarkPermanentlyFailed(_ context.Context, taskID string, expectedRetryCount int, reason string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[taskID]
	if !ok {
		return false, types.ErrTaskNotFound
	}
	if !isRequeueable(task.Status) || task.RetryCount != expectedRetryCount {
		return false, nil
	}
	m.revokeLingering(taskID, "permanently failed", at)

	task.Status = types.TaskPermanentlyFailed
	task.AssignedPeerID = nil
	task.ErrorMessage = &reason
	task.UpdatedAt = at
	return true, nil
}

func (m *MemoryStore) UpsertNode(_ context.Context, node types.NodeCapability) (*types.NodeCapability, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	existing, ok := m.nodes[node.PeerID]
	if !ok {
		stored := node
		stored.CurrentTaskCount = 0
		stored.UpdatedAt = now
		m.nodes[node.PeerID] = &stored
		cp := stored
		return &cp, nil
	}
	existing.Profile = node.Profile
	existing.Usage = node.Usage
	existing.IsAvailable = node.IsAvailable
	existing.MaxConcurrentTasks = node.MaxConcurrentTasks
	if node.LastHeartbeatAt != nil {
		existing.LastHeartbeatAt = node.LastHeartbeatAt
	}
	existing.UpdatedAt = now
	cp := *existing
	return &cp, nil
}

func (m *MemoryStore) GetNode(_ context.Context, peerID string) (*types.NodeCapability, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[peerID]
	if !ok {
		return nil, types.ErrNodeNotFound
	}
	cp := *n
	return &cp, nil
}

func (m *MemoryStore) ListNodes(_ context.Context) ([]types.NodeCapability, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.NodeCapability, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out, nil
}

func (m *MemoryStore) RecordHeartbeat(_ context.Context, peerID string, at time.Time, usage *capability.Usage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[peerID]
	if !ok {
		return types.ErrNodeNotFound
	}
	n.LastHeartbeatAt = &at
	n.IsAvailable = true
	if usage != nil {
		n.Usage = *usage
	}
	n.UpdatedAt = at
	return nil
}

func (m *MemoryStore) SetNodeAvailability(_ context.Context, peerID string, available bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[peerID]
	if !ok {
		return types.ErrNodeNotFound
	}
	n.IsAvailable = available
	return nil
}

func (m *MemoryStore) AppendAudit(_ context.Context, rec types.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.ID = m.nextID
	m.nextID++
	m.audit = append(m.audit, rec)
	return nil
}

func (m *MemoryStore) ListAudit(_ context.Context, filter types.AuditFilter) ([]types.AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.AuditRecord, 0)
	for i := len(m.audit) - 1; i >= 0; i-- {
		rec := m.audit[i]
		if filter.Kind != "" && rec.Kind != filter.Kind {
			continue
		}
		if filter.TaskID != "" && rec.TaskID != filter.TaskID {
			continue
		}
		if filter.PeerID != "" && rec.PeerID != filter.PeerID {
			continue
		}
		if !filter.Since.IsZero() && rec.CreatedAt.Before(filter.Since) {
			continue
		}
		out = append(out, rec)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) DeleteAuditBefore(_ context.Context, cutoff time.Time, _ int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.audit[:0]
	var deleted int64
	for _, rec := range m.audit {
		if rec.CreatedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, rec)
	}
	m.audit = kept
	return deleted, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }
