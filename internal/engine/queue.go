package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/Priya8975/event-delivery-core/internal/keyspace"
	"github.com/redis/go-redis/v9"
)

// DeliveryJob is the queued unit of work: run attempt Attempt of one
// delivery. Signing secrets and rate limits are looked up at send time and
// never queued.
type DeliveryJob struct {
	DeliveryID     string          `json:"delivery_id"`
	SubscriptionID string          `json:"subscription_id"`
	TenantID       string          `json:"tenant_id"`
	TargetURL      string          `json:"target_url"`
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	Attempt        int             `json:"attempt"`
	MaxAttempts    int             `json:"max_attempts"`
}

// claimScript atomically pops up to ARGV[2] jobs due at or before ARGV[1].
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local jobs = {}
for _, id in ipairs(ids) do
    redis.call('ZREM', KEYS[1], id)
    local job = redis.call('HGET', KEYS[2], id)
    redis.call('HDEL', KEYS[2], id)
    if job then
        table.insert(jobs, job)
    end
end
return jobs
`)

// DeliveryQueue is a durable schedule of delivery jobs: a sorted set of
// delivery IDs scored by due time plus a hash of job bodies. A delivery
// has at most one queued job; scheduling it again replaces the job.
type DeliveryQueue struct {
	client  *redis.Client
	dueKey  string
	jobsKey string
	logger  *slog.Logger
}

func NewDeliveryQueue(client *redis.Client, keys *keyspace.Keyspace, logger *slog.Logger) (*DeliveryQueue, error) {
	dueKey, err := keys.GlobalKey(keyspace.CategoryQueue, keyspace.GlobalWebhookDue)
	if err != nil {
		return nil, fmt.Errorf("building queue key: %w", err)
	}
	jobsKey, err := keys.GlobalKey(keyspace.CategoryQueue, keyspace.GlobalWebhookJobs)
	if err != nil {
		return nil, fmt.Errorf("building queue key: %w", err)
	}
	return &DeliveryQueue{client: client, dueKey: dueKey, jobsKey: jobsKey, logger: logger}, nil
}

// Enqueue makes job due immediately.
func (q *DeliveryQueue) Enqueue(ctx context.Context, job DeliveryJob) error {
	return q.Schedule(ctx, job, time.Now())
}

// Schedule makes job due at the given time.
func (q *DeliveryQueue) Schedule(ctx context.Context, job DeliveryJob, at time.Time) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding delivery job: %w", err)
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.jobsKey, job.DeliveryID, data)
		pipe.ZAdd(ctx, q.dueKey, redis.Z{Score: float64(at.UnixMilli()), Member: job.DeliveryID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("queuing delivery %s: %w", job.DeliveryID, err)
	}
	return nil
}

// Claim removes and returns up to max jobs due at or before now. A claimed
// job is owned by the caller; nobody else can claim it.
func (q *DeliveryQueue) Claim(ctx context.Context, now time.Time, max int) ([]DeliveryJob, error) {
	raw, err := claimScript.Run(ctx, q.client, []string{q.dueKey, q.jobsKey},
		strconv.FormatInt(now.UnixMilli(), 10), max,
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("claiming due deliveries: %w", err)
	}

	jobs := make([]DeliveryJob, 0, len(raw))
	for _, r := range raw {
		var job DeliveryJob
		if err := json.Unmarshal([]byte(r), &job); err != nil {
			q.logger.Error("dropping undecodable delivery job", "error", err)
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Depth returns the number of queued jobs, due or not.
func (q *DeliveryQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.dueKey).Result()
}
