// Package bus is the in-process publish/subscribe broker for domain events.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/Priya8975/event-delivery-core/internal/domain"
)

// AllEvents subscribes a handler to every event type.
const AllEvents = "*"

// Handler reacts to one event. Handlers that do I/O should hand work off
// and return quickly; the bus does not time them out.
type Handler func(ctx context.Context, event domain.DomainEvent) error

// Subscription identifies one registered handler. Go funcs are not
// comparable, so the handle returned by Subscribe is what Unsubscribe
// removes.
type Subscription struct {
	seq       uint64
	eventType string
	name      string
	handler   Handler
}

// EventType returns the subscribed event type.
func (s *Subscription) EventType() string { return s.eventType }

// Name returns the label used in logs.
func (s *Subscription) Name() string { return s.name }

// Stats are cumulative counters since the bus was created.
type Stats struct {
	Published     uint64 `json:"published"`
	Dispatched    uint64 `json:"dispatched"`
	HandlerFaults uint64 `json:"handler_faults"`
}

// Bus fans a published event out to every handler subscribed to its type.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]*Subscription
	nextSeq  uint64
	logger   *slog.Logger

	published  atomic.Uint64
	dispatched atomic.Uint64
	faults     atomic.Uint64
}

func New(logger *slog.Logger) *Bus {
	return &Bus{
		handlers: make(map[string][]*Subscription),
		logger:   logger,
	}
}

// Subscribe registers h for eventType. Several handlers per type are
// allowed; they run in subscription order.
func (b *Bus) Subscribe(eventType, name string, h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSeq++
	sub := &Subscription{seq: b.nextSeq, eventType: eventType, name: name, handler: h}
	b.handlers[eventType] = append(b.handlers[eventType], sub)

	b.logger.Debug("bus subscription added", "event_type", eventType, "handler", name)
	return sub
}

// Unsubscribe removes sub. Removing an unknown or already removed
// subscription is a no-op.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.handlers[sub.eventType]
	for i, s := range subs {
		if s != sub {
			continue
		}
		kept := make([]*Subscription, 0, len(subs)-1)
		kept = append(kept, subs[:i]...)
		kept = append(kept, subs[i+1:]...)
		if len(kept) == 0 {
			delete(b.handlers, sub.eventType)
		} else {
			b.handlers[sub.eventType] = kept
		}
		b.logger.Debug("bus subscription removed", "event_type", sub.eventType, "handler", sub.name)
		return
	}
}

// Publish delivers event to each matching handler on the caller's
// goroutine. It never fails: a handler error or panic is logged with the
// event identifiers and the remaining handlers still run.
func (b *Bus) Publish(ctx context.Context, event domain.DomainEvent) {
	b.published.Add(1)

	for _, sub := range b.snapshot(event.EventType) {
		b.dispatched.Add(1)
		if err := b.invoke(ctx, sub, event.Clone()); err != nil {
			b.faults.Add(1)
			b.logger.Error("event handler failed",
				"error", err,
				"handler", sub.name,
				"event_id", event.ID,
				"event_type", event.EventType,
				"tenant_id", event.TenantID,
				"correlation_id", event.CorrelationID,
			)
		}
	}
}

// HandlerCount returns how many handlers would receive an event of this type.
func (b *Bus) HandlerCount(eventType string) int {
	return len(b.snapshot(eventType))
}

// Stats returns the dispatch counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Published:     b.published.Load(),
		Dispatched:    b.dispatched.Load(),
		HandlerFaults: b.faults.Load(),
	}
}

func (b *Bus) snapshot(eventType string) []*Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()

	exact := b.handlers[eventType]
	var wildcard []*Subscription
	if eventType != AllEvents {
		wildcard = b.handlers[AllEvents]
	}

	out := make([]*Subscription, 0, len(exact)+len(wildcard))
	out = append(out, exact...)
	out = append(out, wildcard...)
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (b *Bus) invoke(ctx context.Context, sub *Subscription, event domain.DomainEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			b.logger.Debug("handler panic stack", "handler", sub.name, "stack", string(debug.Stack()))
		}
	}()
	return sub.handler(ctx, event)
}
