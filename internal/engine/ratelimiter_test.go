package engine

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupTestRL(t *testing.T) (*RateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewRateLimiter(client, testKeyspace(t), testLogger()), mr
}

func TestRateLimiter_AllowsWithinLimit(t *testing.T) {
	rl, _ := setupTestRL(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if !rl.Allow(ctx, "tenant-a", "sub-1", 5) {
			t.Errorf("request %d should be allowed (limit=5)", i+1)
		}
	}
}

func TestRateLimiter_BlocksOverLimit(t *testing.T) {
	rl, _ := setupTestRL(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		rl.Allow(ctx, "tenant-a", "sub-1", 3)
	}

	if rl.Allow(ctx, "tenant-a", "sub-1", 3) {
		t.Error("request should be blocked when over limit")
	}
}

func TestRateLimiter_ZeroLimit_AllowsAll(t *testing.T) {
	rl, mr := setupTestRL(t)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		if !rl.Allow(ctx, "tenant-a", "sub-1", 0) {
			t.Errorf("request %d should be allowed with limit=0 (unlimited)", i+1)
		}
	}
	if len(mr.Keys()) != 0 {
		t.Errorf("unlimited subscriptions should not touch redis, found %v", mr.Keys())
	}
}

func TestRateLimiter_Isolation(t *testing.T) {
	rl, mr := setupTestRL(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		rl.Allow(ctx, "tenant-a", "sub-1", 2)
	}

	if rl.Allow(ctx, "tenant-a", "sub-1", 2) {
		t.Error("tenant-a/sub-1 should be blocked")
	}
	if !rl.Allow(ctx, "tenant-a", "sub-2", 2) {
		t.Error("tenant-a/sub-2 should be allowed, limits are per subscription")
	}
	if !rl.Allow(ctx, "tenant-b", "sub-1", 2) {
		t.Error("tenant-b/sub-1 should be allowed, limits are per tenant")
	}
	if !mr.Exists("edc:v1:rate-limit:tenant-b:webhook:sub-1") {
		t.Errorf("expected tenant-scoped limiter key, have %v", mr.Keys())
	}
}

func TestRateLimiter_InvalidTenantFailsOpen(t *testing.T) {
	rl, mr := setupTestRL(t)

	if !rl.Allow(context.Background(), "not a tenant", "sub-1", 1) {
		t.Error("an unusable key should fail open")
	}
	if len(mr.Keys()) != 0 {
		t.Errorf("no key should be written for an invalid tenant, found %v", mr.Keys())
	}
}
