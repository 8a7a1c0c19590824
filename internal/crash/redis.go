package crash

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces the tracker keys
const DefaultKeyPrefix = "swarm:"

// RedisTracker keeps heartbeats in a sorted set scored by unix milliseconds
// and the offline peers in a plain set
type RedisTracker struct {
	client     redis.UniversalClient
	beatsKey   string
	offlineKey string
}

// RedisOptions configure a RedisTracker
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// NewRedisTracker connects to Redis and verifies the connection
func NewRedisTracker(ctx context.Context, opts RedisOptions) (*RedisTracker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}
	return NewRedisTrackerFromClient(client, opts.KeyPrefix), nil
}

// NewRedisTrackerFromClient wraps an existing client
func NewRedisTrackerFromClient(client redis.UniversalClient, prefix string) *RedisTracker {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisTracker{
		client:     client,
		beatsKey:   prefix + "heartbeats",
		offlineKey: prefix + "offline",
	}
}

func (r *RedisTracker) Beat(ctx context.Context, peerID string, at time.Time) (bool, error) {
	var removed *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		// GT keeps a delayed heartbeat from moving the clock backwards
		p.ZAddGT(ctx, r.beatsKey, redis.Z{Score: float64(at.UnixMilli()), Member: peerID})
		removed = p.SRem(ctx, r.offlineKey, peerID)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("record heartbeat for %s: %w", peerID, err)
	}
	return removed.Val() > 0, nil
}

func (r *RedisTracker) Snapshot(ctx context.Context) (map[string]time.Time, error) {
	entries, err := r.client.ZRangeWithScores(ctx, r.beatsKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read heartbeats: %w", err)
	}
	out := make(map[string]time.Time, len(entries))
	for _, z := range entries {
		peer, ok := z.Member.(string)
		if !ok {
			continue
		}
		out[peer] = time.UnixMilli(int64(z.Score)).UTC()
	}
	return out, nil
}

func (r *RedisTracker) MarkOffline(ctx context.Context, peerID string) (bool, error) {
	n, err := r.client.SAdd(ctx, r.offlineKey, peerID).Result()
	if err != nil {
		return false, fmt.Errorf("mark %s offline: %w", peerID, err)
	}
	return n > 0, nil
}

func (r *RedisTracker) Offline(ctx context.Context) ([]string, error) {
	peers, err := r.client.SMembers(ctx, r.offlineKey).Result()
	if err != nil {
		return nil, fmt.Errorf("read offline peers: %w", err)
	}
	sort.Strings(peers)
	return peers, nil
}

func (r *RedisTracker) Close() error {
	return r.client.Close()
}
