package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/Priya8975/event-delivery-core/internal/domain"
	"github.com/Priya8975/event-delivery-core/internal/store"
	"github.com/google/uuid"
)

type DeliveryReader interface {
	GetDelivery(ctx context.Context, tenantID, id string) (*domain.WebhookDelivery, error)
	ListDeliveries(ctx context.Context, tenantID string, f store.DeliveryFilter) ([]domain.WebhookDelivery, error)
	ListDeliveryAttempts(ctx context.Context, tenantID, deliveryID string) ([]domain.DeliveryAttempt, error)
}

type DeliveryHandler struct {
	store  DeliveryReader
	logger *slog.Logger
}

func NewDeliveryHandler(s DeliveryReader, logger *slog.Logger) *DeliveryHandler {
	return &DeliveryHandler{store: s, logger: logger}
}

func (h *DeliveryHandler) List(w http.ResponseWriter, r *http.Request) {
	tenantID, _, ok := identity(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	f := store.DeliveryFilter{
		SubscriptionID: q.Get("subscription_id"),
		EventID:        q.Get("event_id"),
		Status:         domain.DeliveryStatus(q.Get("status")),
		Limit:          queryLimit(r),
	}
	// Malformed IDs cannot match anything.
	if (f.SubscriptionID != "" && uuid.Validate(f.SubscriptionID) != nil) ||
		(f.EventID != "" && uuid.Validate(f.EventID) != nil) {
		respondJSON(w, http.StatusOK, []domain.WebhookDelivery{})
		return
	}
	switch f.Status {
	case "", domain.DeliveryCreated, domain.DeliveryAttempting, domain.DeliveryRetrying,
		domain.DeliveryDelivered, domain.DeliveryExhausted:
	default:
		respondError(w, http.StatusBadRequest, "unknown delivery status")
		return
	}

	deliveries, err := h.store.ListDeliveries(r.Context(), tenantID, f)
	if err != nil {
		h.logger.Error("failed to list deliveries", "error", err, "tenant_id", tenantID)
		respondError(w, http.StatusInternalServerError, "failed to list deliveries")
		return
	}
	if deliveries == nil {
		deliveries = []domain.WebhookDelivery{}
	}

	respondJSON(w, http.StatusOK, deliveries)
}

type deliveryDetail struct {
	domain.WebhookDelivery
	Attempts []domain.DeliveryAttempt `json:"attempts"`
}

func (h *DeliveryHandler) Get(w http.ResponseWriter, r *http.Request) {
	tenantID, _, ok := identity(w, r)
	if !ok {
		return
	}
	id, ok := resourceID(w, r, "delivery")
	if !ok {
		return
	}

	d, err := h.store.GetDelivery(r.Context(), tenantID, id)
	if err != nil {
		h.logger.Error("failed to get delivery", "error", err, "tenant_id", tenantID)
		respondError(w, http.StatusInternalServerError, "failed to get delivery")
		return
	}
	if d == nil {
		respondError(w, http.StatusNotFound, "delivery not found")
		return
	}

	attempts, err := h.store.ListDeliveryAttempts(r.Context(), tenantID, id)
	if err != nil {
		h.logger.Error("failed to list delivery attempts", "error", err, "tenant_id", tenantID)
		respondError(w, http.StatusInternalServerError, "failed to list delivery attempts")
		return
	}
	if attempts == nil {
		attempts = []domain.DeliveryAttempt{}
	}

	respondJSON(w, http.StatusOK, deliveryDetail{WebhookDelivery: *d, Attempts: attempts})
}
