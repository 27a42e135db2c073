package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/Priya8975/event-delivery-core/internal/keyspace"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testKeyspace(t *testing.T) *keyspace.Keyspace {
	t.Helper()
	keys, err := keyspace.Default("edc", "v1")
	if err != nil {
		t.Fatalf("building keyspace: %v", err)
	}
	return keys
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 4}))
}

func setupTestCB(t *testing.T) (*CircuitBreaker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewCircuitBreaker(client, testKeyspace(t), testLogger()), mr
}

// openCircuitAndExpireCooldown opens the circuit, then moves last_failed_at
// 31 seconds into the past so the 30s cooldown has elapsed.
func openCircuitAndExpireCooldown(t *testing.T, cb *CircuitBreaker, mr *miniredis.Miniredis, tenantID, subID string) {
	t.Helper()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		cb.RecordFailure(ctx, tenantID, subID)
	}

	key, err := cb.key(tenantID, subID)
	if err != nil {
		t.Fatal(err)
	}
	mr.HSet(key, "last_failed_at", fmt.Sprintf("%d", time.Now().Unix()-31))
}

func TestCircuitBreaker_InitialState(t *testing.T) {
	cb, _ := setupTestCB(t)

	state, allowed := cb.AllowRequest(context.Background(), "tenant-a", "sub-1")
	if state != StateClosed {
		t.Errorf("expected state %q, got %q", StateClosed, state)
	}
	if !allowed {
		t.Error("new subscription should be allowed (circuit closed)")
	}
}

func TestCircuitBreaker_GetState_Default(t *testing.T) {
	cb, _ := setupTestCB(t)

	state := cb.GetState(context.Background(), "tenant-a", "unknown-sub")
	if state.State != StateClosed {
		t.Errorf("expected state %q, got %q", StateClosed, state.State)
	}
	if state.Failures != 0 {
		t.Errorf("expected 0 failures, got %d", state.Failures)
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb, _ := setupTestCB(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		cb.RecordFailure(ctx, "tenant-a", "sub-1")
	}

	state, allowed := cb.AllowRequest(ctx, "tenant-a", "sub-1")
	if state != StateOpen {
		t.Errorf("expected state %q, got %q", StateOpen, state)
	}
	if allowed {
		t.Error("should NOT be allowed when circuit is open")
	}
}

func TestCircuitBreaker_StaysClosedBelowThreshold(t *testing.T) {
	cb, _ := setupTestCB(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		cb.RecordFailure(ctx, "tenant-a", "sub-1")
	}

	state, allowed := cb.AllowRequest(ctx, "tenant-a", "sub-1")
	if state != StateClosed {
		t.Errorf("expected state %q, got %q", StateClosed, state)
	}
	if !allowed {
		t.Error("should be allowed when below threshold")
	}
}

func TestCircuitBreaker_SuccessResets(t *testing.T) {
	cb, _ := setupTestCB(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		cb.RecordFailure(ctx, "tenant-a", "sub-1")
	}
	cb.RecordSuccess(ctx, "tenant-a", "sub-1")

	state := cb.GetState(ctx, "tenant-a", "sub-1")
	if state.State != StateClosed {
		t.Errorf("expected state %q after success, got %q", StateClosed, state.State)
	}
	if state.Failures != 0 {
		t.Errorf("expected 0 failures after success, got %d", state.Failures)
	}
}

func TestCircuitBreaker_TransitionsToHalfOpen(t *testing.T) {
	cb, mr := setupTestCB(t)
	ctx := context.Background()

	openCircuitAndExpireCooldown(t, cb, mr, "tenant-a", "sub-1")

	state, allowed := cb.AllowRequest(ctx, "tenant-a", "sub-1")
	if state != StateHalfOpen {
		t.Errorf("expected state %q, got %q", StateHalfOpen, state)
	}
	if !allowed {
		t.Error("should allow a probe in half-open state")
	}
}

func TestCircuitBreaker_HalfOpenAdmitsSingleProbe(t *testing.T) {
	cb, mr := setupTestCB(t)
	ctx := context.Background()

	openCircuitAndExpireCooldown(t, cb, mr, "tenant-a", "sub-1")

	if _, allowed := cb.AllowRequest(ctx, "tenant-a", "sub-1"); !allowed {
		t.Fatal("first request after cooldown should be the probe")
	}
	for i := 0; i < 3; i++ {
		state, allowed := cb.AllowRequest(ctx, "tenant-a", "sub-1")
		if state != StateHalfOpen {
			t.Errorf("expected state %q, got %q", StateHalfOpen, state)
		}
		if allowed {
			t.Error("only one probe may run while half-open")
		}
	}
}

func TestCircuitBreaker_StaleProbeIsReplaced(t *testing.T) {
	cb, mr := setupTestCB(t)
	ctx := context.Background()

	openCircuitAndExpireCooldown(t, cb, mr, "tenant-a", "sub-1")
	cb.AllowRequest(ctx, "tenant-a", "sub-1")

	// The probe never reported back.
	key, err := cb.key("tenant-a", "sub-1")
	if err != nil {
		t.Fatal(err)
	}
	mr.HSet(key, "probe_at", fmt.Sprintf("%d", time.Now().Unix()-31))

	if _, allowed := cb.AllowRequest(ctx, "tenant-a", "sub-1"); !allowed {
		t.Error("a new probe should be admitted after the old one went stale")
	}
	if _, allowed := cb.AllowRequest(ctx, "tenant-a", "sub-1"); allowed {
		t.Error("the replacement probe should be the only one")
	}
}

func TestCircuitBreaker_HalfOpenSuccess_ClosesCircuit(t *testing.T) {
	cb, mr := setupTestCB(t)
	ctx := context.Background()

	openCircuitAndExpireCooldown(t, cb, mr, "tenant-a", "sub-1")
	cb.AllowRequest(ctx, "tenant-a", "sub-1")
	cb.RecordSuccess(ctx, "tenant-a", "sub-1")

	if state := cb.GetState(ctx, "tenant-a", "sub-1"); state.State != StateClosed {
		t.Errorf("expected %q after half-open success, got %q", StateClosed, state.State)
	}
}

func TestCircuitBreaker_HalfOpenFailure_ReopensCircuit(t *testing.T) {
	cb, mr := setupTestCB(t)
	ctx := context.Background()

	openCircuitAndExpireCooldown(t, cb, mr, "tenant-a", "sub-1")
	cb.AllowRequest(ctx, "tenant-a", "sub-1")
	cb.RecordFailure(ctx, "tenant-a", "sub-1")

	state, allowed := cb.AllowRequest(ctx, "tenant-a", "sub-1")
	if state != StateOpen {
		t.Errorf("expected %q after half-open failure, got %q", StateOpen, state)
	}
	if allowed {
		t.Error("should NOT be allowed after half-open failure")
	}
}

func TestCircuitBreaker_IsolationBetweenTenants(t *testing.T) {
	cb, _ := setupTestCB(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		cb.RecordFailure(ctx, "tenant-a", "sub-1")
	}

	if _, allowed := cb.AllowRequest(ctx, "tenant-a", "sub-2"); !allowed {
		t.Error("sub-2 should be allowed, circuits are per subscription")
	}
	if _, allowed := cb.AllowRequest(ctx, "tenant-b", "sub-1"); !allowed {
		t.Error("tenant-b/sub-1 should be allowed, circuits are per tenant")
	}
}

func TestCircuitBreaker_KeyspaceLayout(t *testing.T) {
	cb, mr := setupTestCB(t)

	cb.RecordFailure(context.Background(), "tenant-a", "sub-1")

	if !mr.Exists("edc:v1:rate-limit:tenant-a:circuit:sub-1") {
		t.Errorf("expected circuit state under the tenant keyspace, have keys %v", mr.Keys())
	}
	if ttl := mr.TTL("edc:v1:rate-limit:tenant-a:circuit:sub-1"); ttl <= 0 {
		t.Errorf("circuit state should expire, got ttl %v", ttl)
	}
}
