package domain

import "time"

type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionPaused   SubscriptionStatus = "paused"
	SubscriptionDisabled SubscriptionStatus = "disabled"
)

// Valid reports whether s is a known status.
func (s SubscriptionStatus) Valid() bool {
	switch s {
	case SubscriptionActive, SubscriptionPaused, SubscriptionDisabled:
		return true
	}
	return false
}

// WebhookSubscription is a tenant-owned delivery target. EventTypes holds
// exact types, "*" or "<module>.*" patterns.
type WebhookSubscription struct {
	ID                 string             `json:"id"`
	TenantID           string             `json:"tenant_id"`
	Name               string             `json:"name"`
	TargetURL          string             `json:"target_url"`
	Secret             string             `json:"secret,omitempty"`
	EventTypes         []string           `json:"event_types"`
	Filters            map[string]any     `json:"filters,omitempty"`
	Status             SubscriptionStatus `json:"status"`
	MaxAttempts        int                `json:"max_attempts"`
	RateLimitPerSecond int                `json:"rate_limit_per_second"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

type CreateSubscriptionRequest struct {
	Name               string         `json:"name"`
	TargetURL          string         `json:"target_url"`
	EventTypes         []string       `json:"event_types"`
	Filters            map[string]any `json:"filters,omitempty"`
	MaxAttempts        int            `json:"max_attempts,omitempty"`
	RateLimitPerSecond int            `json:"rate_limit_per_second,omitempty"`
}

type UpdateSubscriptionRequest struct {
	Name               *string             `json:"name,omitempty"`
	TargetURL          *string             `json:"target_url,omitempty"`
	Status             *SubscriptionStatus `json:"status,omitempty"`
	EventTypes         []string            `json:"event_types,omitempty"`
	Filters            map[string]any      `json:"filters,omitempty"`
	MaxAttempts        *int                `json:"max_attempts,omitempty"`
	RateLimitPerSecond *int                `json:"rate_limit_per_second,omitempty"`
}

type CreateSubscriptionResponse struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Secret string `json:"secret"`
}

// DeliveryTarget is the live sending configuration of a subscription,
// read at attempt time.
type DeliveryTarget struct {
	Secret             string
	Status             SubscriptionStatus
	RateLimitPerSecond int
}
