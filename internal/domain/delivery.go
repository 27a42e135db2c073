package domain

import (
	"encoding/json"
	"time"
)

type DeliveryStatus string

// Delivery lifecycle:
//
//	created -> attempting -> delivered
//	                      -> retrying -> attempting
//	                      -> exhausted
const (
	DeliveryCreated    DeliveryStatus = "created"
	DeliveryAttempting DeliveryStatus = "attempting"
	DeliveryRetrying   DeliveryStatus = "retrying"
	DeliveryDelivered  DeliveryStatus = "delivered"
	DeliveryExhausted  DeliveryStatus = "exhausted"
)

// Terminal reports whether no further attempts will be made.
func (s DeliveryStatus) Terminal() bool {
	return s == DeliveryDelivered || s == DeliveryExhausted
}

// WebhookDelivery is the attempt lineage of one event to one subscription.
// Payload holds the signed envelope, not internal state.
type WebhookDelivery struct {
	ID             string          `json:"id"`
	SubscriptionID string          `json:"subscription_id"`
	TenantID       string          `json:"tenant_id"`
	TargetURL      string          `json:"target_url"`
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	AttemptNumber  int             `json:"attempt_number"`
	MaxAttempts    int             `json:"max_attempts"`
	Status         DeliveryStatus  `json:"status"`
	NextAttemptAt  *time.Time      `json:"next_attempt_at,omitempty"`
	LastHTTPStatus *int            `json:"last_http_status,omitempty"`
	LastError      *string         `json:"last_error,omitempty"`
	DeliveredAt    *time.Time      `json:"delivered_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type DeliveryAttempt struct {
	ID             string    `json:"id"`
	DeliveryID     string    `json:"delivery_id"`
	TenantID       string    `json:"tenant_id"`
	AttemptNumber  int       `json:"attempt_number"`
	Status         string    `json:"status"`
	HTTPStatusCode *int      `json:"http_status_code,omitempty"`
	ResponseBody   *string   `json:"response_body,omitempty"`
	ResponseTimeMs *int      `json:"response_time_ms,omitempty"`
	ErrorMessage   *string   `json:"error_message,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

type DeadLetter struct {
	ID             string     `json:"id"`
	DeliveryID     string     `json:"delivery_id"`
	TenantID       string     `json:"tenant_id"`
	EventID        string     `json:"event_id"`
	SubscriptionID string     `json:"subscription_id"`
	TotalAttempts  int        `json:"total_attempts"`
	LastError      *string    `json:"last_error,omitempty"`
	LastHTTPStatus *int       `json:"last_http_status,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy     *string    `json:"resolved_by,omitempty"`
}
