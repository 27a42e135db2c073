package worker

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/Priya8975/event-delivery-core/internal/domain"
	"github.com/Priya8975/event-delivery-core/internal/engine"
	"github.com/Priya8975/event-delivery-core/internal/events"
)

// ExhaustedEventType is published on the bus when a delivery is
// dead-lettered. The catalog marks it internal, so it never reaches a
// webhook.
const ExhaustedEventType = "webhook.delivery.exhausted"

// EventPublisher is the event bus.
type EventPublisher interface {
	Publish(ctx context.Context, event domain.DomainEvent)
}

type exhaustedPayload struct {
	DeliveryID     string  `json:"delivery_id"`
	SubscriptionID string  `json:"subscription_id"`
	EventID        string  `json:"event_id"`
	EventType      string  `json:"event_type"`
	TargetURL      string  `json:"target_url"`
	TotalAttempts  int     `json:"total_attempts"`
	LastHTTPStatus *int    `json:"last_http_status,omitempty"`
	LastError      *string `json:"last_error,omitempty"`
}

// PublishExhausted returns an ExhaustedFunc that announces dead-lettered
// deliveries on the bus. The event keeps the correlation ID of the event
// that failed to deliver.
func PublishExhausted(registry *events.Registry, bus EventPublisher, logger *slog.Logger) ExhaustedFunc {
	return func(ctx context.Context, job engine.DeliveryJob, dl domain.DeadLetter) {
		payload, err := json.Marshal(exhaustedPayload{
			DeliveryID:     job.DeliveryID,
			SubscriptionID: job.SubscriptionID,
			EventID:        job.EventID,
			EventType:      job.EventType,
			TargetURL:      job.TargetURL,
			TotalAttempts:  dl.TotalAttempts,
			LastHTTPStatus: dl.LastHTTPStatus,
			LastError:      dl.LastError,
		})
		if err != nil {
			logger.Error("failed to encode exhaustion event", "error", err, "delivery_id", job.DeliveryID)
			return
		}

		var env domain.Envelope
		if err := json.Unmarshal(job.Payload, &env); err != nil {
			logger.Warn("stored envelope is unreadable", "error", err, "delivery_id", job.DeliveryID)
		}

		event, err := registry.CreateDomainEvent(events.EventParams{
			EventType:     ExhaustedEventType,
			TenantID:      job.TenantID,
			CorrelationID: env.CorrelationID,
			Payload:       payload,
		})
		if err != nil {
			logger.Error("failed to build exhaustion event",
				"error", err,
				"tenant_id", job.TenantID,
				"delivery_id", job.DeliveryID,
			)
			return
		}

		bus.Publish(ctx, event)
	}
}
