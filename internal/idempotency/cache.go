package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Priya8975/event-delivery-core/internal/domain"
	"github.com/Priya8975/event-delivery-core/internal/keyspace"
	"github.com/redis/go-redis/v9"
)

// RedisCache keeps completed records under
// <prefix>:<version>:cache:<tenant>:idempotency:<key hash>.
type RedisCache struct {
	client *redis.Client
	keys   *keyspace.Keyspace
}

func NewRedisCache(client *redis.Client, keys *keyspace.Keyspace) *RedisCache {
	return &RedisCache{client: client, keys: keys}
}

func (c *RedisCache) key(tenantID, keyHash string) (string, error) {
	return c.keys.TenantScopedKey(keyspace.CategoryCache, tenantID, "idempotency", keyHash)
}

func (c *RedisCache) Get(ctx context.Context, tenantID, keyHash string) (*domain.IdempotencyRecord, error) {
	key, err := c.key(tenantID, keyHash)
	if err != nil {
		return nil, err
	}

	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading idempotency cache: %w", err)
	}

	var rec domain.IdempotencyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding cached idempotency record: %w", err)
	}
	return &rec, nil
}

// Put caches a completed record. Other statuses are ignored.
func (c *RedisCache) Put(ctx context.Context, rec domain.IdempotencyRecord, ttl time.Duration) error {
	if rec.Status != domain.IdempotencyCompleted {
		return nil
	}
	key, err := c.key(rec.TenantID, rec.KeyHash)
	if err != nil {
		return err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding idempotency record: %w", err)
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("writing idempotency cache: %w", err)
	}
	return nil
}
