package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Priya8975/event-delivery-core/internal/domain"
	"github.com/google/uuid"
)

// MaxAttemptsCeiling bounds any subscription's retry budget.
const MaxAttemptsCeiling = 8

// DefaultIntakeTimeout bounds how long fan-out may hold up a publisher.
const DefaultIntakeTimeout = 5 * time.Second

// SubscriptionSource is the read side of the subscription registry.
type SubscriptionSource interface {
	ListActiveSubscriptions(ctx context.Context, tenantID, eventType string) ([]domain.WebhookSubscription, error)
}

// DeliveryCreator persists new deliveries. It reports false when the
// (subscription, event) pair already has a delivery.
type DeliveryCreator interface {
	InsertDelivery(ctx context.Context, d domain.WebhookDelivery) (bool, error)
}

// JobQueue accepts jobs for the worker pool.
type JobQueue interface {
	Enqueue(ctx context.Context, job DeliveryJob) error
}

// ForwardPolicy decides which event types may leave the process.
type ForwardPolicy interface {
	Forwardable(eventType string) bool
}

// FanOutEngine turns published events into webhook deliveries. It is a bus
// subscriber: it records and queues work and returns; HTTP attempts happen
// on the worker pool.
type FanOutEngine struct {
	subscriptions SubscriptionSource
	deliveries    DeliveryCreator
	queue         JobQueue
	policy        ForwardPolicy
	logger        *slog.Logger
	intakeTimeout time.Duration
	maxAttempts   int
}

type FanOutConfig struct {
	IntakeTimeout time.Duration
	// MaxAttempts caps every subscription's own setting.
	MaxAttempts int
}

func NewFanOutEngine(subs SubscriptionSource, deliveries DeliveryCreator, queue JobQueue, policy ForwardPolicy, logger *slog.Logger, cfg FanOutConfig) *FanOutEngine {
	if cfg.IntakeTimeout <= 0 {
		cfg.IntakeTimeout = DefaultIntakeTimeout
	}
	if cfg.MaxAttempts <= 0 || cfg.MaxAttempts > MaxAttemptsCeiling {
		cfg.MaxAttempts = MaxAttemptsCeiling
	}
	return &FanOutEngine{
		subscriptions: subs,
		deliveries:    deliveries,
		queue:         queue,
		policy:        policy,
		logger:        logger,
		intakeTimeout: cfg.IntakeTimeout,
		maxAttempts:   cfg.MaxAttempts,
	}
}

// HandleEvent is the bus.Handler entry point.
func (f *FanOutEngine) HandleEvent(ctx context.Context, event domain.DomainEvent) error {
	_, err := f.FanOut(ctx, event)
	return err
}

// FanOut creates one delivery per matching active subscription of the
// event's tenant and queues it. It returns the number of deliveries
// created. Events without a tenant or marked internal are not forwarded.
func (f *FanOutEngine) FanOut(ctx context.Context, event domain.DomainEvent) (int, error) {
	if !f.policy.Forwardable(event.EventType) || event.TenantID == "" {
		return 0, nil
	}

	// Intake outlives a cancelled publisher request but not the timeout.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.intakeTimeout)
	defer cancel()

	subs, err := f.subscriptions.ListActiveSubscriptions(ctx, event.TenantID, event.EventType)
	if err != nil {
		return 0, fmt.Errorf("finding matching subscriptions: %w", err)
	}

	created := 0
	var errs []error
	for _, sub := range subs {
		// Defense in depth: the registry query is already tenant scoped.
		if sub.TenantID != event.TenantID || sub.Status != domain.SubscriptionActive {
			continue
		}
		if !MatchFilters(sub.Filters, event.Payload) {
			continue
		}

		ok, err := f.createDelivery(ctx, event, sub)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			created++
		}
	}

	f.logger.Info("fan-out complete",
		"event_id", event.ID,
		"event_type", event.EventType,
		"tenant_id", event.TenantID,
		"correlation_id", event.CorrelationID,
		"matched_subscriptions", len(subs),
		"deliveries_created", created,
	)

	return created, errors.Join(errs...)
}

func (f *FanOutEngine) createDelivery(ctx context.Context, event domain.DomainEvent, sub domain.WebhookSubscription) (bool, error) {
	deliveryID := uuid.NewString()
	payload, err := json.Marshal(domain.NewEnvelope(event, deliveryID))
	if err != nil {
		return false, fmt.Errorf("encoding envelope for subscription %s: %w", sub.ID, err)
	}

	now := time.Now().UTC()
	d := domain.WebhookDelivery{
		ID:             deliveryID,
		SubscriptionID: sub.ID,
		TenantID:       event.TenantID,
		TargetURL:      sub.TargetURL,
		EventID:        event.ID,
		EventType:      event.EventType,
		Payload:        payload,
		MaxAttempts:    f.clampAttempts(sub.MaxAttempts),
		Status:         domain.DeliveryCreated,
		NextAttemptAt:  &now,
	}

	inserted, err := f.deliveries.InsertDelivery(ctx, d)
	if err != nil {
		return false, fmt.Errorf("creating delivery for subscription %s: %w", sub.ID, err)
	}
	if !inserted {
		return false, nil
	}

	// A failed enqueue is not lost: the sweeper re-queues overdue deliveries.
	if err := f.queue.Enqueue(ctx, JobFor(d)); err != nil {
		f.logger.Warn("delivery created but not queued",
			"error", err,
			"delivery_id", d.ID,
			"subscription_id", sub.ID,
			"tenant_id", d.TenantID,
		)
	}
	return true, nil
}

func (f *FanOutEngine) clampAttempts(n int) int {
	switch {
	case n <= 0:
		return min(5, f.maxAttempts)
	case n > f.maxAttempts:
		return f.maxAttempts
	}
	return n
}

// JobFor builds the job for the next attempt of d.
func JobFor(d domain.WebhookDelivery) DeliveryJob {
	return DeliveryJob{
		DeliveryID:     d.ID,
		SubscriptionID: d.SubscriptionID,
		TenantID:       d.TenantID,
		TargetURL:      d.TargetURL,
		EventID:        d.EventID,
		EventType:      d.EventType,
		Payload:        d.Payload,
		Attempt:        d.AttemptNumber + 1,
		MaxAttempts:    d.MaxAttempts,
	}
}
