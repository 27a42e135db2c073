package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/Priya8975/event-delivery-core/internal/domain"
)

// MemoryStore is an in-process Store for tests and single-node setups.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]domain.IdempotencyRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]domain.IdempotencyRecord)}
}

func memKey(tenantID, keyHash string) string {
	return tenantID + "\x00" + keyHash
}

func (m *MemoryStore) InsertIdempotencyRecord(_ context.Context, rec domain.IdempotencyRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := memKey(rec.TenantID, rec.KeyHash)
	if _, exists := m.records[k]; exists {
		return false, nil
	}
	m.records[k] = copyRecord(rec)
	return true, nil
}

func (m *MemoryStore) GetIdempotencyRecord(_ context.Context, tenantID, keyHash string) (*domain.IdempotencyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[memKey(tenantID, keyHash)]
	if !ok {
		return nil, nil
	}
	out := copyRecord(rec)
	return &out, nil
}

func (m *MemoryStore) ReclaimIdempotencyRecord(_ context.Context, rec domain.IdempotencyRecord, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := memKey(rec.TenantID, rec.KeyHash)
	existing, ok := m.records[k]
	if !ok {
		return false, nil
	}
	reclaimable := existing.Expired(now) ||
		(existing.Status == domain.IdempotencyFailed && existing.Fingerprint == rec.Fingerprint)
	if !reclaimable {
		return false, nil
	}
	m.records[k] = copyRecord(rec)
	return true, nil
}

func (m *MemoryStore) FinalizeIdempotencyRecord(_ context.Context, tenantID, keyHash, claimToken string, status domain.IdempotencyStatus, responseStatus int, responseBody []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := memKey(tenantID, keyHash)
	rec, ok := m.records[k]
	if !ok || rec.Status != domain.IdempotencyPending || rec.ClaimToken != claimToken {
		return false, nil
	}
	rec.Status = status
	rec.ResponseStatus = responseStatus
	rec.ResponseBody = append([]byte(nil), responseBody...)
	m.records[k] = rec
	return true, nil
}

func (m *MemoryStore) DeleteExpiredIdempotencyRecords(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for k, rec := range m.records {
		if rec.Expired(now) {
			delete(m.records, k)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored records.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func copyRecord(rec domain.IdempotencyRecord) domain.IdempotencyRecord {
	rec.ResponseBody = append([]byte(nil), rec.ResponseBody...)
	if rec.ActorID != nil {
		actor := *rec.ActorID
		rec.ActorID = &actor
	}
	return rec
}
