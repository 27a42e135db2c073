package engine

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/Priya8975/event-delivery-core/internal/keyspace"
	"github.com/redis/go-redis/v9"
)

const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half-open"
)

// CircuitBreaker tracks target health per subscription in a Redis hash.
//
//   - Closed: deliveries flow; failures are counted.
//   - Open: deliveries are deferred until the cooldown has passed.
//   - Half-open: a single probe delivery decides between closed and open.
//     Other deliveries are deferred while the probe is out; a probe that
//     never reports back is replaced after one cooldown period.
type CircuitBreaker struct {
	redisClient      *redis.Client
	keys             *keyspace.Keyspace
	logger           *slog.Logger
	failureThreshold int
	cooldownPeriod   time.Duration
	stateTTL         time.Duration
}

// admitScript moves an open circuit to half-open once the cooldown has
// passed and hands out the half-open probe to one caller at a time.
// Returns {state, allowed}.
var admitScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local cooldown = tonumber(ARGV[2])

local state = redis.call('HGET', key, 'state')

if state == 'open' then
    local last = tonumber(redis.call('HGET', key, 'last_failed_at') or '0')
    if now - last < cooldown then
        return {'open', 0}
    end
    redis.call('HSET', key, 'state', 'half-open', 'probe_at', now)
    return {'half-open', 1}
end

if state == 'half-open' then
    local probe = tonumber(redis.call('HGET', key, 'probe_at') or '0')
    if now - probe < cooldown then
        return {'half-open', 0}
    end
    redis.call('HSET', key, 'probe_at', now)
    return {'half-open', 1}
end

return {'closed', 1}
`)

type CircuitBreakerState struct {
	State        string `json:"state"`
	Failures     int    `json:"failures"`
	LastFailedAt string `json:"last_failed_at,omitempty"`
}

func NewCircuitBreaker(redisClient *redis.Client, keys *keyspace.Keyspace, logger *slog.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		redisClient:      redisClient,
		keys:             keys,
		logger:           logger,
		failureThreshold: 5,
		cooldownPeriod:   30 * time.Second,
		stateTTL:         keys.TTL(keyspace.CategoryRateLimit, time.Hour),
	}
}

func (cb *CircuitBreaker) key(tenantID, subscriptionID string) (string, error) {
	return cb.keys.TenantScopedKey(keyspace.CategoryRateLimit, tenantID, "circuit", subscriptionID)
}

// AllowRequest returns the circuit state and whether a delivery may run.
// An open circuit whose cooldown has passed moves to half-open and admits
// one probe. Redis failures fail open.
func (cb *CircuitBreaker) AllowRequest(ctx context.Context, tenantID, subscriptionID string) (string, bool) {
	key, err := cb.key(tenantID, subscriptionID)
	if err != nil {
		cb.logger.Error("circuit breaker key rejected", "error", err, "tenant_id", tenantID)
		return StateClosed, true
	}

	res, err := admitScript.Run(ctx, cb.redisClient, []string{key},
		time.Now().Unix(), int64(cb.cooldownPeriod.Seconds()),
	).Slice()
	if err != nil || len(res) != 2 {
		cb.logger.Error("circuit breaker script failed", "error", err, "tenant_id", tenantID, "subscription_id", subscriptionID)
		return StateClosed, true
	}

	state, _ := res[0].(string)
	allowed, _ := res[1].(int64)

	if state == StateHalfOpen && allowed == 1 {
		cb.logger.Info("circuit breaker half-open, probe admitted",
			"tenant_id", tenantID,
			"subscription_id", subscriptionID,
		)
	}
	return state, allowed == 1
}

// RecordSuccess closes the circuit and clears the failure count.
func (cb *CircuitBreaker) RecordSuccess(ctx context.Context, tenantID, subscriptionID string) {
	key, err := cb.key(tenantID, subscriptionID)
	if err != nil {
		return
	}

	state, _ := cb.redisClient.HGet(ctx, key, "state").Result()

	pipe := cb.redisClient.TxPipeline()
	pipe.HSet(ctx, key, "state", StateClosed, "failures", 0)
	pipe.HDel(ctx, key, "probe_at")
	pipe.Expire(ctx, key, cb.stateTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		cb.logger.Error("failed to record circuit breaker success", "error", err, "tenant_id", tenantID)
		return
	}

	if state == StateHalfOpen {
		cb.logger.Info("circuit breaker closed (recovered)",
			"tenant_id", tenantID,
			"subscription_id", subscriptionID,
		)
	}
}

// RecordFailure counts a failed delivery and opens the circuit at the
// threshold, or immediately when a half-open probe fails.
func (cb *CircuitBreaker) RecordFailure(ctx context.Context, tenantID, subscriptionID string) {
	key, err := cb.key(tenantID, subscriptionID)
	if err != nil {
		return
	}

	failures, err := cb.redisClient.HIncrBy(ctx, key, "failures", 1).Result()
	if err != nil {
		cb.logger.Error("failed to record circuit breaker failure", "error", err, "tenant_id", tenantID)
		return
	}

	cb.redisClient.HSet(ctx, key, "last_failed_at", time.Now().Unix())
	cb.redisClient.Expire(ctx, key, cb.stateTTL)

	state, _ := cb.redisClient.HGet(ctx, key, "state").Result()

	switch {
	case state == StateHalfOpen:
		cb.redisClient.HSet(ctx, key, "state", StateOpen)
		cb.redisClient.HDel(ctx, key, "probe_at")
		cb.logger.Warn("circuit breaker re-opened (half-open probe failed)",
			"tenant_id", tenantID,
			"subscription_id", subscriptionID,
		)
	case failures >= int64(cb.failureThreshold) && state != StateOpen:
		cb.redisClient.HSet(ctx, key, "state", StateOpen)
		cb.logger.Warn("circuit breaker opened",
			"tenant_id", tenantID,
			"subscription_id", subscriptionID,
			"failures", failures,
			"threshold", cb.failureThreshold,
		)
	case state == "":
		cb.redisClient.HSet(ctx, key, "state", StateClosed)
	}
}

// GetState reports the circuit without changing it.
func (cb *CircuitBreaker) GetState(ctx context.Context, tenantID, subscriptionID string) CircuitBreakerState {
	key, err := cb.key(tenantID, subscriptionID)
	if err != nil {
		return CircuitBreakerState{State: StateClosed}
	}

	data, err := cb.redisClient.HGetAll(ctx, key).Result()
	if err != nil || len(data) == 0 {
		return CircuitBreakerState{State: StateClosed}
	}

	failures, _ := strconv.Atoi(data["failures"])
	state := data["state"]
	if state == "" {
		state = StateClosed
	}

	lastFailed, _ := strconv.ParseInt(data["last_failed_at"], 10, 64)
	if state == StateOpen && time.Now().Unix()-lastFailed >= int64(cb.cooldownPeriod.Seconds()) {
		state = StateHalfOpen
	}

	result := CircuitBreakerState{State: state, Failures: failures}
	if lastFailed > 0 {
		result.LastFailedAt = time.Unix(lastFailed, 0).UTC().Format(time.RFC3339)
	}
	return result
}
