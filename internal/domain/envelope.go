package domain

import (
	"encoding/json"
	"time"
)

// Envelope is the JSON body POSTed to a webhook target. EventID and
// DeliveryID are stable across retries so receivers can deduplicate.
type Envelope struct {
	EventID       string          `json:"eventId"`
	DeliveryID    string          `json:"deliveryId"`
	EventType     string          `json:"eventType"`
	TenantID      string          `json:"tenantId"`
	Timestamp     time.Time       `json:"timestamp"`
	Version       int             `json:"version"`
	CorrelationID string          `json:"correlationId"`
	Source        string          `json:"source"`
	Payload       json.RawMessage `json:"payload"`
}

func NewEnvelope(event DomainEvent, deliveryID string) Envelope {
	return Envelope{
		EventID:       event.ID,
		DeliveryID:    deliveryID,
		EventType:     event.EventType,
		TenantID:      event.TenantID,
		Timestamp:     event.Timestamp,
		Version:       event.Version,
		CorrelationID: event.CorrelationID,
		Source:        event.Source,
		Payload:       event.Payload,
	}
}
