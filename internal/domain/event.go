package domain

import (
	"encoding/json"
	"time"
)

// SystemActor is the user ID recorded on events not caused by a person.
const SystemActor = "system"

// DomainEvent is an immutable fact published on the event bus. It is a
// value: once built it is never modified, only copied into downstream
// records.
type DomainEvent struct {
	ID            string          `json:"eventId"`
	EventType     string          `json:"eventType"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlationId"`
	TenantID      string          `json:"tenantId,omitempty"`
	UserID        string          `json:"userId"`
	Source        string          `json:"source"`
	Version       int             `json:"version"`
	Payload       json.RawMessage `json:"payload"`
}

// Clone returns a copy whose payload does not share memory with e.
func (e DomainEvent) Clone() DomainEvent {
	if e.Payload != nil {
		e.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	return e
}
