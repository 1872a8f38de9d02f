package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key prefixes for the pending-order mirror
const (
	// pendingOrderKeyPrefix is the prefix for pending order entries.
	// Format: core:pending_order:{symbol}:{orderID}
	pendingOrderKeyPrefix = "core:pending_order"

	// pendingOrderListKey is the set of all pending order keys
	pendingOrderListKey = "core:pending_orders:list"
)

// Mirror reflects in-flight orders into an operational store so pending
// order state survives a restart and is observable outside the process.
// Mirror failures are logged by the manager, never fatal.
type Mirror interface {
	Track(ctx context.Context, order *Order) error
	Remove(ctx context.Context, order *Order) error
}

// NopMirror discards all mirror writes. Used in tests and dry-run mode.
type NopMirror struct{}

func (NopMirror) Track(ctx context.Context, order *Order) error  { return nil }
func (NopMirror) Remove(ctx context.Context, order *Order) error { return nil }

// RedisMirror stores pending orders in Redis with a TTL safety net so
// entries for orders the process never cleaned up expire on their own.
type RedisMirror struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisMirror creates a Redis-backed order mirror.
func NewRedisMirror(client *redis.Client, ttl time.Duration) *RedisMirror {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisMirror{client: client, ttl: ttl}
}

func (r *RedisMirror) key(order *Order) string {
	return fmt.Sprintf("%s:%s:%s", pendingOrderKeyPrefix, order.Symbol, order.OrderID)
}

// Track writes the order to Redis and adds it to the pending set.
func (r *RedisMirror) Track(ctx context.Context, order *Order) error {
	data, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("marshal order %s: %w", order.OrderID, err)
	}

	key := r.key(order)
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, key, data, r.ttl)
	pipe.SAdd(ctx, pendingOrderListKey, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mirror order %s: %w", order.OrderID, err)
	}
	return nil
}

// Remove deletes the order from Redis and the pending set.
func (r *RedisMirror) Remove(ctx context.Context, order *Order) error {
	key := r.key(order)
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.SRem(ctx, pendingOrderListKey, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("unmirror order %s: %w", order.OrderID, err)
	}
	return nil
}

// Pending lists the orders currently mirrored as pending.
func (r *RedisMirror) Pending(ctx context.Context) ([]*Order, error) {
	keys, err := r.client.SMembers(ctx, pendingOrderListKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list pending orders: %w", err)
	}

	orders := make([]*Order, 0, len(keys))
	for _, key := range keys {
		data, err := r.client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			// Entry expired; drop it from the set.
			r.client.SRem(ctx, pendingOrderListKey, key)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read pending order %s: %w", key, err)
		}
		var order Order
		if err := json.Unmarshal(data, &order); err != nil {
			continue
		}
		orders = append(orders, &order)
	}
	return orders, nil
}
