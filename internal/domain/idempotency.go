package domain

import "time"

type IdempotencyStatus string

const (
	IdempotencyPending   IdempotencyStatus = "pending"
	IdempotencyCompleted IdempotencyStatus = "completed"
	IdempotencyFailed    IdempotencyStatus = "failed"
)

// IdempotencyRecord memoizes one mutating request. (TenantID, KeyHash) is
// unique; expired records are treated as absent.
type IdempotencyRecord struct {
	TenantID       string            `json:"tenant_id"`
	ActorID        *string           `json:"actor_id,omitempty"`
	Route          string            `json:"route"`
	Method         string            `json:"method"`
	KeyHash        string            `json:"key_hash"`
	KeyValue       string            `json:"key_value"`
	Fingerprint    string            `json:"fingerprint"`
	// ClaimToken identifies the request that owns a pending record.
	ClaimToken     string            `json:"-"`
	Status         IdempotencyStatus `json:"status"`
	ResponseStatus int               `json:"response_status,omitempty"`
	ResponseBody   []byte            `json:"response_body,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	ExpiresAt      time.Time         `json:"expires_at"`
}

// Expired reports whether the record is inert at now.
func (r IdempotencyRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}
