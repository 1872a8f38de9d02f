package position

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key prefixes for position snapshots
const (
	// positionKeyPrefix is the prefix for individual position snapshots.
	// Format: core:position:{symbol}
	positionKeyPrefix = "core:position"

	// positionListKey is the set of snapshotted position keys
	positionListKey = "core:positions:list"

	// positionSnapshotTTL bounds how long a snapshot outlives the process.
	// Positions typically close within hours, kept longer for safety.
	positionSnapshotTTL = 7 * 24 * time.Hour
)

// Snapshotter persists the position ledger across restarts.
type Snapshotter interface {
	Save(ctx context.Context, pos *LocalPosition) error
	Remove(ctx context.Context, symbol string) error
	Load(ctx context.Context) ([]*LocalPosition, error)
}

// NopSnapshotter discards snapshots. Used in tests and dry-run mode.
type NopSnapshotter struct{}

func (NopSnapshotter) Save(ctx context.Context, pos *LocalPosition) error { return nil }
func (NopSnapshotter) Remove(ctx context.Context, symbol string) error   { return nil }
func (NopSnapshotter) Load(ctx context.Context) ([]*LocalPosition, error) {
	return nil, nil
}

// RedisSnapshotter stores position snapshots in Redis. When Redis becomes
// unavailable it falls back to an in-memory cache so reconciliation keeps
// running; the cache is flushed back on the next successful write.
type RedisSnapshotter struct {
	client *redis.Client

	redisAvailable atomic.Bool

	mu       sync.RWMutex
	fallback map[string]*LocalPosition
}

// NewRedisSnapshotter creates a Redis-backed snapshotter.
func NewRedisSnapshotter(client *redis.Client) *RedisSnapshotter {
	s := &RedisSnapshotter{
		client:   client,
		fallback: make(map[string]*LocalPosition),
	}
	s.redisAvailable.Store(true)
	return s
}

func (s *RedisSnapshotter) key(symbol string) string {
	return fmt.Sprintf("%s:%s", positionKeyPrefix, symbol)
}

// Save writes the position snapshot, falling back to memory on failure.
func (s *RedisSnapshotter) Save(ctx context.Context, pos *LocalPosition) error {
	data, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("marshal position %s: %w", pos.Symbol, err)
	}

	key := s.key(pos.Symbol)
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, key, data, positionSnapshotTTL)
	pipe.SAdd(ctx, positionListKey, key)
	if _, err := pipe.Exec(ctx); err != nil {
		s.redisAvailable.Store(false)
		s.mu.Lock()
		cp := *pos
		s.fallback[pos.Symbol] = &cp
		s.mu.Unlock()
		return fmt.Errorf("snapshot position %s: %w", pos.Symbol, err)
	}

	s.redisAvailable.Store(true)
	s.mu.Lock()
	delete(s.fallback, pos.Symbol)
	s.mu.Unlock()
	return nil
}

// Remove deletes the snapshot for a closed position.
func (s *RedisSnapshotter) Remove(ctx context.Context, symbol string) error {
	s.mu.Lock()
	delete(s.fallback, symbol)
	s.mu.Unlock()

	key := s.key(symbol)
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.SRem(ctx, positionListKey, key)
	if _, err := pipe.Exec(ctx); err != nil {
		s.redisAvailable.Store(false)
		return fmt.Errorf("remove snapshot %s: %w", symbol, err)
	}
	s.redisAvailable.Store(true)
	return nil
}

// Load returns all snapshotted positions, merging the in-memory fallback
// over whatever Redis still holds.
func (s *RedisSnapshotter) Load(ctx context.Context) ([]*LocalPosition, error) {
	merged := make(map[string]*LocalPosition)

	keys, err := s.client.SMembers(ctx, positionListKey).Result()
	if err != nil {
		s.redisAvailable.Store(false)
	} else {
		s.redisAvailable.Store(true)
		for _, key := range keys {
			data, err := s.client.Get(ctx, key).Bytes()
			if err == redis.Nil {
				s.client.SRem(ctx, positionListKey, key)
				continue
			}
			if err != nil {
				continue
			}
			var pos LocalPosition
			if err := json.Unmarshal(data, &pos); err != nil {
				continue
			}
			merged[pos.Symbol] = &pos
		}
	}

	s.mu.RLock()
	for symbol, pos := range s.fallback {
		cp := *pos
		merged[symbol] = &cp
	}
	s.mu.RUnlock()

	out := make([]*LocalPosition, 0, len(merged))
	for _, pos := range merged {
		out = append(out, pos)
	}
	return out, nil
}

// Available reports whether the last Redis operation succeeded.
func (s *RedisSnapshotter) Available() bool {
	return s.redisAvailable.Load()
}
