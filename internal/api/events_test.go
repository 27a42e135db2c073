package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"

	"github.com/Priya8975/event-delivery-core/internal/domain"
	"github.com/Priya8975/event-delivery-core/internal/events"
	"github.com/Priya8975/event-delivery-core/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.DomainEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev domain.DomainEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

type noEvents struct{ gets int }

func (n *noEvents) GetEvent(context.Context, string, string) (*domain.DomainEvent, error) {
	n.gets++
	return nil, nil
}

func (n *noEvents) ListEvents(context.Context, string, store.EventFilter) ([]domain.DomainEvent, error) {
	return []domain.DomainEvent{}, nil
}

func newEventRouter(t *testing.T, tenantID string) (http.Handler, *recordingPublisher, *noEvents) {
	t.Helper()
	registry, err := events.DefaultRegistry()
	require.NoError(t, err)

	pub := &recordingPublisher{}
	reader := &noEvents{}
	h := NewEventHandler(reader, registry, pub, testLogger())

	r := newTestRouter(tenantID)
	r.Post("/events", h.Create)
	r.Get("/events/{id}", h.Get)
	return r, pub, reader
}

func TestEventCreate_Publishes(t *testing.T) {
	r, pub, _ := newEventRouter(t, testTenant)

	rec := do(t, r, http.MethodPost, "/events", `{"event_type":"orders.order.created","payload":{"order_id":"o-1"}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp createEventResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.EventID)
	assert.Equal(t, resp.EventID, resp.CorrelationID)
	assert.Equal(t, 2, resp.Version)

	require.Len(t, pub.events, 1)
	ev := pub.events[0]
	assert.Equal(t, resp.EventID, ev.ID)
	assert.Equal(t, testTenant, ev.TenantID)
	assert.Equal(t, testUser, ev.UserID)
	assert.Equal(t, "orders", ev.Source)
	assert.JSONEq(t, `{"order_id":"o-1"}`, string(ev.Payload))
}

func TestEventCreate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"malformed body", `{"event_type":`, http.StatusBadRequest},
		{"missing type", `{"payload":{}}`, http.StatusBadRequest},
		{"internal type", `{"event_type":"webhook.delivery.exhausted"}`, http.StatusForbidden},
		{"global type", `{"event_type":"platform.maintenance.scheduled"}`, http.StatusForbidden},
		{"wrong owner", `{"event_type":"orders.order.created","source":"billing"}`, http.StatusForbidden},
		{"unregistered", `{"event_type":"nonexistent.thing.happened"}`, http.StatusUnprocessableEntity},
		{"version too high", `{"event_type":"orders.order.created","version":9}`, http.StatusUnprocessableEntity},
		{"forbidden field", `{"event_type":"auth.user.created","payload":{"password":"x"}}`, http.StatusUnprocessableEntity},
		{"array payload", `{"event_type":"auth.user.created","payload":[1]}`, http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, pub, _ := newEventRouter(t, testTenant)
			rec := do(t, r, http.MethodPost, "/events", tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Empty(t, pub.events)
		})
	}
}

func TestEventCreate_Unauthenticated(t *testing.T) {
	r, pub, _ := newEventRouter(t, "")

	rec := do(t, r, http.MethodPost, "/events", `{"event_type":"orders.order.created"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, pub.events)
}

func TestEventGet(t *testing.T) {
	r, _, reader := newEventRouter(t, testTenant)

	assert.Equal(t, http.StatusNotFound, do(t, r, http.MethodGet, "/events/nope", "").Code)
	assert.Equal(t, 0, reader.gets)

	assert.Equal(t, http.StatusNotFound, do(t, r, http.MethodGet, "/events/6f1c2a64-3b7e-4c8e-9a4d-2f0b7e5d9c11", "").Code)
	assert.Equal(t, 1, reader.gets)
}
