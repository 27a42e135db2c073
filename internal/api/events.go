package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/Priya8975/event-delivery-core/internal/domain"
	"github.com/Priya8975/event-delivery-core/internal/events"
	"github.com/Priya8975/event-delivery-core/internal/store"
)

type EventReader interface {
	GetEvent(ctx context.Context, tenantID, id string) (*domain.DomainEvent, error)
	ListEvents(ctx context.Context, tenantID string, f store.EventFilter) ([]domain.DomainEvent, error)
}

// Publisher is the event bus.
type Publisher interface {
	Publish(ctx context.Context, event domain.DomainEvent)
}

type EventHandler struct {
	events   EventReader
	registry *events.Registry
	bus      Publisher
	logger   *slog.Logger
}

func NewEventHandler(r EventReader, registry *events.Registry, bus Publisher, logger *slog.Logger) *EventHandler {
	return &EventHandler{events: r, registry: registry, bus: bus, logger: logger}
}

type createEventRequest struct {
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	Source        string          `json:"source,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Version       int             `json:"version,omitempty"`
}

type createEventResponse struct {
	EventID       string `json:"event_id"`
	EventType     string `json:"event_type"`
	CorrelationID string `json:"correlation_id"`
	Version       int    `json:"version"`
}

// Create validates the event against the catalog and publishes it. The
// journal and webhook fan-out are bus subscribers.
func (h *EventHandler) Create(w http.ResponseWriter, r *http.Request) {
	tenantID, userID, ok := identity(w, r)
	if !ok {
		return
	}

	var req createEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.EventType == "" {
		respondError(w, http.StatusBadRequest, "event_type is required")
		return
	}

	entry, found := h.registry.Lookup(req.EventType)
	if found && (entry.Internal || !entry.TenantScoped) {
		respondError(w, http.StatusForbidden, "event type is not publishable by tenants")
		return
	}

	event, err := h.registry.CreateDomainEvent(events.EventParams{
		EventType:     req.EventType,
		TenantID:      tenantID,
		UserID:        userID,
		Source:        req.Source,
		CorrelationID: req.CorrelationID,
		Version:       req.Version,
		Payload:       req.Payload,
	})
	if err != nil {
		respondError(w, eventErrorStatus(err), err.Error())
		return
	}

	h.bus.Publish(r.Context(), event)

	respondJSON(w, http.StatusCreated, createEventResponse{
		EventID:       event.ID,
		EventType:     event.EventType,
		CorrelationID: event.CorrelationID,
		Version:       event.Version,
	})
}

func eventErrorStatus(err error) int {
	switch {
	case errors.Is(err, events.ErrNotEventOwner):
		return http.StatusForbidden
	case errors.Is(err, events.ErrEventNotRegistered),
		errors.Is(err, events.ErrVersionExceedsMax),
		errors.Is(err, events.ErrInvalidVersion),
		errors.Is(err, events.ErrForbiddenPayloadField),
		errors.Is(err, events.ErrInvalidPayload),
		errors.Is(err, events.ErrMissingTenant):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (h *EventHandler) List(w http.ResponseWriter, r *http.Request) {
	tenantID, _, ok := identity(w, r)
	if !ok {
		return
	}

	list, err := h.events.ListEvents(r.Context(), tenantID, store.EventFilter{
		EventType:     r.URL.Query().Get("event_type"),
		CorrelationID: r.URL.Query().Get("correlation_id"),
		Limit:         queryLimit(r),
	})
	if err != nil {
		h.logger.Error("failed to list events", "error", err, "tenant_id", tenantID)
		respondError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	if list == nil {
		list = []domain.DomainEvent{}
	}

	respondJSON(w, http.StatusOK, list)
}

func (h *EventHandler) Get(w http.ResponseWriter, r *http.Request) {
	tenantID, _, ok := identity(w, r)
	if !ok {
		return
	}
	id, ok := resourceID(w, r, "event")
	if !ok {
		return
	}

	event, err := h.events.GetEvent(r.Context(), tenantID, id)
	if err != nil {
		h.logger.Error("failed to get event", "error", err, "tenant_id", tenantID, "event_id", id)
		respondError(w, http.StatusInternalServerError, "failed to get event")
		return
	}
	if event == nil {
		respondError(w, http.StatusNotFound, "event not found")
		return
	}

	respondJSON(w, http.StatusOK, event)
}
