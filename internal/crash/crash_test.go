package crash

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerswarm/lease-coordinator/internal/capability"
	"github.com/peerswarm/lease-coordinator/internal/store"
	"github.com/peerswarm/lease-coordinator/internal/types"
)

func newRedisTracker(t *testing.T) (*RedisTracker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	tr := NewRedisTrackerFromClient(client, "test:")
	t.Cleanup(func() { tr.Close() })
	return tr, mr
}

func trackers(t *testing.T) map[string]Tracker {
	rt, _ := newRedisTracker(t)
	return map[string]Tracker{
		"memory": NewMemoryTracker(),
		"redis":  rt,
	}
}

func TestTracker_Contract(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for name, tr := range trackers(t) {
		t.Run(name, func(t *testing.T) {
			was, err := tr.Beat(ctx, "p1", base)
			require.NoError(t, err)
			assert.False(t, was)

			// an older heartbeat never moves the clock back
			_, err = tr.Beat(ctx, "p1", base.Add(-time.Minute))
			require.NoError(t, err)

			snap, err := tr.Snapshot(ctx)
			require.NoError(t, err)
			require.Contains(t, snap, "p1")
			assert.True(t, snap["p1"].Equal(base))

			fresh, err := tr.MarkOffline(ctx, "p1")
			require.NoError(t, err)
			assert.True(t, fresh)
			fresh, err = tr.MarkOffline(ctx, "p1")
			require.NoError(t, err)
			assert.False(t, fresh, "second mark reports already offline")

			off, err := tr.Offline(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"p1"}, off)

			was, err = tr.Beat(ctx, "p1", base.Add(time.Minute))
			require.NoError(t, err)
			assert.True(t, was)

			off, err = tr.Offline(ctx)
			require.NoError(t, err)
			assert.Empty(t, off)
		})
	}
}

func TestRedisTracker_SharedAcrossInstances(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	a := NewRedisTrackerFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "")
	b := NewRedisTrackerFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "")
	defer a.Close()
	defer b.Close()

	_, err := a.Beat(ctx, "p1", time.Now())
	require.NoError(t, err)
	assert.True(t, mr.Exists("swarm:heartbeats"))

	first, err := a.MarkOffline(ctx, "p1")
	require.NoError(t, err)
	second, err := b.MarkOffline(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, first)
	assert.False(t, second, "only one coordinator reports the crash")
}

func TestNewRedisTracker_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisTracker(context.Background(), RedisOptions{Addr: addr})
	assert.Error(t, err)
}

type crashRecorder struct {
	mu     sync.Mutex
	events []types.CrashEvent
}

func (r *crashRecorder) HandleCrash(_ context.Context, ev types.CrashEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *crashRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type detectorFixture struct {
	ctx     context.Context
	st      *store.MemoryStore
	det     *Detector
	handler *crashRecorder
	now     time.Time
}

func newDetectorFixture(t *testing.T, tr Tracker) *detectorFixture {
	t.Helper()
	f := &detectorFixture{
		ctx:     context.Background(),
		st:      store.NewMemoryStore(),
		handler: &crashRecorder{},
		now:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.det = NewDetector(tr, f.st, Config{Threshold: time.Minute}, nil, nil, nil, nil)
	f.det.now = func() time.Time { return f.now }
	f.det.SetHandler(f.handler)

	for _, p := range []string{"p1", "p2"} {
		_, err := f.st.UpsertNode(f.ctx, types.NodeCapability{PeerID: p, IsAvailable: true})
		require.NoError(t, err)
	}
	return f
}

func TestDetector_CrashReportedOnce(t *testing.T) {
	for name, tr := range trackers(t) {
		t.Run(name, func(t *testing.T) {
			f := newDetectorFixture(t, tr)

			require.NoError(t, f.det.Heartbeat(f.ctx, "p1", nil))
			require.NoError(t, f.det.Heartbeat(f.ctx, "p2", &capability.Usage{MemoryMB: 1024}))

			f.now = f.now.Add(30 * time.Second)
			require.NoError(t, f.det.Heartbeat(f.ctx, "p2", nil))

			f.now = f.now.Add(45 * time.Second)
			crashed, err := f.det.Check(f.ctx)
			require.NoError(t, err)
			require.Len(t, crashed, 1)
			assert.Equal(t, "p1", crashed[0].PeerID)
			assert.Equal(t, 1, f.handler.count())

			node, err := f.st.GetNode(f.ctx, "p1")
			require.NoError(t, err)
			assert.False(t, node.IsAvailable)

			// still silent on the next ticks: no new event
			f.now = f.now.Add(10 * time.Second)
			crashed, err = f.det.Check(f.ctx)
			require.NoError(t, err)
			assert.Len(t, crashed, 0)
			assert.Equal(t, 1, f.handler.count())

			// p2 goes silent past the threshold; p1 is not reported again
			f.now = f.now.Add(10 * time.Second)
			crashed, err = f.det.Check(f.ctx)
			require.NoError(t, err)
			require.Len(t, crashed, 1)
			assert.Equal(t, "p2", crashed[0].PeerID)
			assert.Equal(t, 2, f.handler.count())

			stats, err := f.det.Stats(f.ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, stats.TrackedPeers)
			assert.Equal(t, []string{"p1", "p2"}, stats.OfflinePeers)
			assert.EqualValues(t, 2, stats.CrashesDetected)
			require.NotNil(t, stats.LastCheckAt)
		})
	}
}

func TestDetector_HeartbeatClearsOffline(t *testing.T) {
	f := newDetectorFixture(t, NewMemoryTracker())

	require.NoError(t, f.det.Heartbeat(f.ctx, "p1", nil))
	f.now = f.now.Add(2 * time.Minute)
	crashed, err := f.det.Check(f.ctx)
	require.NoError(t, err)
	require.Len(t, crashed, 1)

	require.NoError(t, f.det.Heartbeat(f.ctx, "p1", nil))
	node, err := f.st.GetNode(f.ctx, "p1")
	require.NoError(t, err)
	assert.True(t, node.IsAvailable)

	// a second crash after recovery is a new event
	f.now = f.now.Add(2 * time.Minute)
	crashed, err = f.det.Check(f.ctx)
	require.NoError(t, err)
	assert.Len(t, crashed, 1)
	assert.Equal(t, 2, f.handler.count())
}

func TestDetector_ThresholdBoundary(t *testing.T) {
	f := newDetectorFixture(t, NewMemoryTracker())
	require.NoError(t, f.det.Heartbeat(f.ctx, "p1", nil))

	f.now = f.now.Add(time.Minute)
	crashed, err := f.det.Check(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, crashed, "exactly at the threshold is still alive")

	f.now = f.now.Add(time.Millisecond)
	crashed, err = f.det.Check(f.ctx)
	require.NoError(t, err)
	assert.Len(t, crashed, 1)
}

func TestDetector_HeartbeatErrors(t *testing.T) {
	f := newDetectorFixture(t, NewMemoryTracker())

	var inErr *types.InputError
	assert.ErrorAs(t, f.det.Heartbeat(f.ctx, "", nil), &inErr)
	assert.ErrorIs(t, f.det.Heartbeat(f.ctx, "ghost", nil), types.ErrNodeNotFound)

	snap, err := f.det.tracker.Snapshot(f.ctx)
	require.NoError(t, err)
	assert.NotContains(t, snap, "ghost", "unknown peers are not tracked")
}

func TestDetector_StartStop(t *testing.T) {
	det := NewDetector(NewMemoryTracker(), store.NewMemoryStore(), Config{CheckInterval: 5 * time.Millisecond}, nil, nil, nil, nil)

	done := make(chan struct{})
	go func() {
		det.Start(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool {
		s, err := det.Stats(context.Background())
		return err == nil && s.LastCheckAt != nil
	}, time.Second, 5*time.Millisecond)

	det.Stop()
	det.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("detector did not stop")
	}
}
