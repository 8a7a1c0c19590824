package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/peerswarm/lease-coordinator/internal/capability"
	"github.com/peerswarm/lease-coordinator/internal/store"
	"github.com/peerswarm/lease-coordinator/internal/types"
)

type gate struct{ err error }

func (g *gate) Admit() error { return g.err }

func TestCreateWithDedup(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	svc := NewService(st, nil, 0, nil)

	first, created, err := svc.CreateWithDedup(ctx, types.NewTask{
		IdempotencyKey: "order-42",
		Complexity:     types.ComplexityHigh,
		Requirements:   capability.Requirements{Capabilities: []capability.Requirement{capability.Bool("cuda")}},
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, types.TaskQueued, first.Status)
	assert.Equal(t, DefaultMaxRetries, first.MaxRetries)
	assert.Equal(t, types.ComplexityHigh, first.Complexity)

	second, created, err := svc.CreateWithDedup(ctx, types.NewTask{IdempotencyKey: "order-42", Complexity: types.ComplexityLow})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, types.ComplexityHigh, second.Complexity, "the stored row wins")

	counts, err := svc.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[types.TaskQueued])
}

func TestCreateWithDedup_Defaults(t *testing.T) {
	svc := NewService(store.NewMemoryStore(), nil, 5, nil)
	task, _, err := svc.CreateWithDedup(context.Background(), types.NewTask{ID: "t1", IdempotencyKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "t1", task.ID)
	assert.Equal(t, types.ComplexityMedium, task.Complexity)
	assert.Equal(t, 5, task.MaxRetries)
}

func TestCreateWithDedup_ZeroRetries(t *testing.T) {
	svc := NewService(store.NewMemoryStore(), nil, 5, nil)
	task, _, err := svc.CreateWithDedup(context.Background(), types.NewTask{IdempotencyKey: "once", MaxRetries: ptr(0)})
	require.NoError(t, err)
	assert.Equal(t, 0, task.MaxRetries)

	var in types.NewTask
	require.NoError(t, json.Unmarshal([]byte(`{"idempotencyKey":"twice","maxRetries":0}`), &in))
	task, _, err = svc.CreateWithDedup(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, 0, task.MaxRetries, "an explicit zero is kept")
}

func ptr[T any](v T) *T { return &v }

func TestCreateWithDedup_InvalidInput(t *testing.T) {
	svc := NewService(store.NewMemoryStore(), nil, 0, nil)
	tests := []struct {
		name  string
		in    types.NewTask
		field string
	}{
		{"missing key", types.NewTask{}, "idempotencyKey"},
		{"bad complexity", types.NewTask{IdempotencyKey: "k", Complexity: "EPIC"}, "complexity"},
		{"bad requirement", types.NewTask{IdempotencyKey: "k", Requirements: capability.Requirements{
			Capabilities: []capability.Requirement{{Name: "models", Kind: capability.KindListSubset}},
		}}, "requirements"},
		{"negative retries", types.NewTask{IdempotencyKey: "k", MaxRetries: ptr(-1)}, "maxRetries"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := svc.CreateWithDedup(context.Background(), tt.in)
			var inErr *types.InputError
			require.ErrorAs(t, err, &inErr)
			assert.Equal(t, tt.field, inErr.Field)
		})
	}
}

func TestCreateWithDedup_IDCollision(t *testing.T) {
	svc := NewService(store.NewMemoryStore(), nil, 0, nil)
	_, _, err := svc.CreateWithDedup(context.Background(), types.NewTask{ID: "t1", IdempotencyKey: "a"})
	require.NoError(t, err)

	_, _, err = svc.CreateWithDedup(context.Background(), types.NewTask{ID: "t1", IdempotencyKey: "b"})
	assert.ErrorIs(t, err, types.ErrDuplicateKey)
}

func TestCreateWithDedup_Partitioned(t *testing.T) {
	ctx := context.Background()
	g := &gate{}
	svc := NewService(store.NewMemoryStore(), g, 0, nil)

	admitted, _, err := svc.CreateWithDedup(ctx, types.NewTask{IdempotencyKey: "before"})
	require.NoError(t, err)

	g.err = types.ErrPartitioned
	_, _, err = svc.CreateWithDedup(ctx, types.NewTask{IdempotencyKey: "during"})
	assert.ErrorIs(t, err, types.ErrPartitioned)

	replay, created, err := svc.CreateWithDedup(ctx, types.NewTask{IdempotencyKey: "before"})
	require.NoError(t, err, "replays of admitted keys still answer")
	assert.False(t, created)
	assert.Equal(t, admitted.ID, replay.ID)
}

func TestCreateWithDedup_Concurrent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	svc := NewService(st, nil, 0, nil)

	const callers = 32
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = map[string]struct{}{}
		created int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task, isNew, err := svc.CreateWithDedup(ctx, types.NewTask{IdempotencyKey: "same"})
			assert.NoError(t, err)
			if err != nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			ids[task.ID] = struct{}{}
			if isNew {
				created++
			}
		}()
	}
	wg.Wait()

	assert.Len(t, ids, 1)
	assert.Equal(t, 1, created)
	queued, err := st.ListTasksByStatus(ctx, types.TaskQueued, 0)
	require.NoError(t, err)
	assert.Len(t, queued, 1)
}

func TestCreateWithDedup_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		svc := NewService(store.NewMemoryStore(), nil, 0, nil)
		keys := rapid.SliceOfN(rapid.StringMatching(`k[0-9]{1,2}`), 1, 40).Draw(t, "keys")

		byKey := map[string]string{}
		for _, k := range keys {
			task, created, err := svc.CreateWithDedup(context.Background(), types.NewTask{IdempotencyKey: k})
			if err != nil {
				t.Fatalf("create %s: %v", k, err)
			}
			prev, seen := byKey[k]
			if seen == created {
				t.Fatalf("key %s: seen=%v created=%v", k, seen, created)
			}
			if seen && prev != task.ID {
				t.Fatalf("key %s mapped to %s and %s", k, prev, task.ID)
			}
			byKey[k] = task.ID
		}

		counts, err := svc.Counts(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if counts[types.TaskQueued] != len(byKey) {
			t.Fatalf("stored %d tasks for %d keys", counts[types.TaskQueued], len(byKey))
		}
	})
}

type brokenStore struct{ Store }

func (brokenStore) InsertTask(context.Context, types.Task) (*types.Task, bool, error) {
	return nil, false, errors.New("pool closed")
}

func TestCreateWithDedup_StoreError(t *testing.T) {
	svc := NewService(brokenStore{}, nil, 0, nil)
	_, _, err := svc.CreateWithDedup(context.Background(), types.NewTask{IdempotencyKey: "k"})
	assert.EqualError(t, err, "pool closed")
}

func TestList(t *testing.T) {
	ctx := context.Background()
	svc := NewService(store.NewMemoryStore(), nil, 0, nil)
	for i := 0; i < 3; i++ {
		_, _, err := svc.CreateWithDedup(ctx, types.NewTask{IdempotencyKey: fmt.Sprintf("k%d", i)})
		require.NoError(t, err)
	}

	got, err := svc.List(ctx, types.TaskQueued, 0)
	require.NoError(t, err)
	assert.Len(t, got, 3)

	_, err = svc.List(ctx, "DONE", 10)
	var inErr *types.InputError
	assert.ErrorAs(t, err, &inErr)
}
