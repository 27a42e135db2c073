package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Priya8975/event-delivery-core/internal/keyspace"
	"github.com/redis/go-redis/v9"
)

// RateLimiter is a per-subscription sliding window limiter. A Lua script
// atomically drops expired entries, counts, and admits.
type RateLimiter struct {
	redisClient *redis.Client
	keys        *keyspace.Keyspace
	logger      *slog.Logger
	script      *redis.Script
}

var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)

local count = redis.call('ZCARD', key)

if count < limit then
    redis.call('ZADD', key, now, member)
    redis.call('EXPIRE', key, math.floor(window / 1000) + 1)
    return 1
else
    return 0
end
`)

func NewRateLimiter(redisClient *redis.Client, keys *keyspace.Keyspace, logger *slog.Logger) *RateLimiter {
	return &RateLimiter{
		redisClient: redisClient,
		keys:        keys,
		logger:      logger,
		script:      slidingWindowScript,
	}
}

func (rl *RateLimiter) key(tenantID, subscriptionID string) (string, error) {
	return rl.keys.TenantScopedKey(keyspace.CategoryRateLimit, tenantID, "webhook", subscriptionID)
}

// Allow reports whether one more delivery to the subscription fits in the
// current one-second window. limit <= 0 means unlimited. Redis failures
// fail open.
func (rl *RateLimiter) Allow(ctx context.Context, tenantID, subscriptionID string, limit int) bool {
	if limit <= 0 {
		return true
	}

	key, err := rl.key(tenantID, subscriptionID)
	if err != nil {
		rl.logger.Error("rate limiter key rejected", "error", err, "tenant_id", tenantID, "subscription_id", subscriptionID)
		return true
	}

	now := time.Now()
	window := int64(1000)
	member := fmt.Sprintf("%d:%d", now.UnixMilli(), now.UnixNano())

	result, err := rl.script.Run(ctx, rl.redisClient, []string{key},
		now.UnixMilli(), window, limit, member,
	).Int64()
	if err != nil {
		rl.logger.Error("rate limiter script failed", "error", err, "tenant_id", tenantID, "subscription_id", subscriptionID)
		return true
	}

	if result == 0 {
		rl.logger.Debug("rate limited",
			"tenant_id", tenantID,
			"subscription_id", subscriptionID,
			"limit", limit,
		)
		return false
	}
	return true
}
