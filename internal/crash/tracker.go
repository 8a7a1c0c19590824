// Package crash detects peers that stopped heartbeating.
package crash

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Tracker stores last heartbeat times and the set of peers already reported
// offline. Keeping the offline set next to the heartbeats lets several
// coordinators share one Redis tracker and still report each crash once.
type Tracker interface {
	// Beat records a heartbeat and clears offline state. It reports whether
	// the peer had been offline.
	Beat(ctx context.Context, peerID string, at time.Time) (bool, error)
	// Snapshot returns the last heartbeat of every tracked peer
	Snapshot(ctx context.Context) (map[string]time.Time, error)
	// MarkOffline flags the peer offline, reporting false when it already was
	MarkOffline(ctx context.Context, peerID string) (bool, error)
	Offline(ctx context.Context) ([]string, error)
	Close() error
}

// MemoryTracker is a process-local Tracker
type MemoryTracker struct {
	mu      sync.Mutex
	beats   map[string]time.Time
	offline map[string]struct{}
}

// NewMemoryTracker creates an empty tracker
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{
		beats:   make(map[string]time.Time),
		offline: make(map[string]struct{}),
	}
}

func (m *MemoryTracker) Beat(_ context.Context, peerID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.beats[peerID]; !ok || at.After(prev) {
		m.beats[peerID] = at
	}
	_, was := m.offline[peerID]
	delete(m.offline, peerID)
	return was, nil
}

func (m *MemoryTracker) Snapshot(context.Context) (map[string]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]time.Time, len(m.beats))
	for k, v := range m.beats {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryTracker) MarkOffline(_ context.Context, peerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.offline[peerID]; ok {
		return false, nil
	}
	m.offline[peerID] = struct{}{}
	return true, nil
}

func (m *MemoryTracker) Offline(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.offline))
	for k := range m.offline {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryTracker) Close() error { return nil }
