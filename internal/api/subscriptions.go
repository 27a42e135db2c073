package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/Priya8975/event-delivery-core/internal/domain"
	"github.com/Priya8975/event-delivery-core/internal/engine"
	"github.com/Priya8975/event-delivery-core/internal/events"
)

type SubscriptionStore interface {
	CreateSubscription(ctx context.Context, tenantID string, req domain.CreateSubscriptionRequest) (*domain.WebhookSubscription, error)
	GetSubscription(ctx context.Context, tenantID, id string) (*domain.WebhookSubscription, error)
	ListSubscriptions(ctx context.Context, tenantID string) ([]domain.WebhookSubscription, error)
	UpdateSubscription(ctx context.Context, tenantID, id string, req domain.UpdateSubscriptionRequest) (*domain.WebhookSubscription, error)
	DeleteSubscription(ctx context.Context, tenantID, id string) (bool, error)
}

// CircuitStates reports per-subscription circuit breaker state.
type CircuitStates interface {
	GetState(ctx context.Context, tenantID, subscriptionID string) engine.CircuitBreakerState
}

type SubscriptionHandler struct {
	store    SubscriptionStore
	registry *events.Registry
	circuits CircuitStates
	logger   *slog.Logger
}

func NewSubscriptionHandler(s SubscriptionStore, registry *events.Registry, circuits CircuitStates, logger *slog.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{store: s, registry: registry, circuits: circuits, logger: logger}
}

var modulePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*\.\*$`)

// validEventPattern accepts "*", "<module>.*" and registered event types
// that may leave the process.
func (h *SubscriptionHandler) validEventPattern(p string) bool {
	if p == "*" || modulePattern.MatchString(p) {
		return true
	}
	return h.registry.Forwardable(p)
}

func (h *SubscriptionHandler) validateEventTypes(types []string) error {
	if len(types) == 0 {
		return fmt.Errorf("at least one event_type is required")
	}
	for _, t := range types {
		if !h.validEventPattern(t) {
			return fmt.Errorf("event_type %q is not a subscribable event type or pattern", t)
		}
	}
	return nil
}

func validateTargetURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("target_url must be an absolute http or https URL")
	}
	return nil
}

func validateMaxAttempts(n int) error {
	if n < 0 || n > engine.MaxAttemptsCeiling {
		return fmt.Errorf("max_attempts must be between 1 and %d", engine.MaxAttemptsCeiling)
	}
	return nil
}

func (h *SubscriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	tenantID, _, ok := identity(w, r)
	if !ok {
		return
	}

	var req domain.CreateSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := validateTargetURL(req.TargetURL); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.validateEventTypes(req.EventTypes); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validateMaxAttempts(req.MaxAttempts); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.RateLimitPerSecond < 0 {
		respondError(w, http.StatusBadRequest, "rate_limit_per_second must not be negative")
		return
	}

	sub, err := h.store.CreateSubscription(r.Context(), tenantID, req)
	if err != nil {
		h.logger.Error("failed to create subscription", "error", err, "tenant_id", tenantID)
		respondError(w, http.StatusInternalServerError, "failed to create subscription")
		return
	}

	// The secret is only ever shown here.
	respondJSON(w, http.StatusCreated, domain.CreateSubscriptionResponse{
		ID:     sub.ID,
		Name:   sub.Name,
		Secret: sub.Secret,
	})
}

func (h *SubscriptionHandler) List(w http.ResponseWriter, r *http.Request) {
	tenantID, _, ok := identity(w, r)
	if !ok {
		return
	}

	subs, err := h.store.ListSubscriptions(r.Context(), tenantID)
	if err != nil {
		h.logger.Error("failed to list subscriptions", "error", err, "tenant_id", tenantID)
		respondError(w, http.StatusInternalServerError, "failed to list subscriptions")
		return
	}
	if subs == nil {
		subs = []domain.WebhookSubscription{}
	}
	for i := range subs {
		subs[i].Secret = ""
	}

	respondJSON(w, http.StatusOK, subs)
}

func (h *SubscriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	tenantID, _, ok := identity(w, r)
	if !ok {
		return
	}
	id, ok := resourceID(w, r, "subscription")
	if !ok {
		return
	}

	sub, err := h.store.GetSubscription(r.Context(), tenantID, id)
	if err != nil {
		h.logger.Error("failed to get subscription", "error", err, "tenant_id", tenantID)
		respondError(w, http.StatusInternalServerError, "failed to get subscription")
		return
	}
	if sub == nil {
		respondError(w, http.StatusNotFound, "subscription not found")
		return
	}
	sub.Secret = ""

	respondJSON(w, http.StatusOK, sub)
}

func (h *SubscriptionHandler) Update(w http.ResponseWriter, r *http.Request) {
	tenantID, _, ok := identity(w, r)
	if !ok {
		return
	}
	id, ok := resourceID(w, r, "subscription")
	if !ok {
		return
	}

	var req domain.UpdateSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validateUpdate(req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	sub, err := h.store.UpdateSubscription(r.Context(), tenantID, id, req)
	if err != nil {
		h.logger.Error("failed to update subscription", "error", err, "tenant_id", tenantID)
		respondError(w, http.StatusInternalServerError, "failed to update subscription")
		return
	}
	if sub == nil {
		respondError(w, http.StatusNotFound, "subscription not found")
		return
	}
	sub.Secret = ""

	respondJSON(w, http.StatusOK, sub)
}

func (h *SubscriptionHandler) validateUpdate(req domain.UpdateSubscriptionRequest) error {
	if req.Name != nil && strings.TrimSpace(*req.Name) == "" {
		return fmt.Errorf("name must not be empty")
	}
	if req.TargetURL != nil {
		if err := validateTargetURL(*req.TargetURL); err != nil {
			return err
		}
	}
	if req.Status != nil && !req.Status.Valid() {
		return fmt.Errorf("status must be active, paused or disabled")
	}
	if req.EventTypes != nil {
		if err := h.validateEventTypes(req.EventTypes); err != nil {
			return err
		}
	}
	if req.MaxAttempts != nil && (*req.MaxAttempts < 1 || *req.MaxAttempts > engine.MaxAttemptsCeiling) {
		return fmt.Errorf("max_attempts must be between 1 and %d", engine.MaxAttemptsCeiling)
	}
	if req.RateLimitPerSecond != nil && *req.RateLimitPerSecond < 0 {
		return fmt.Errorf("rate_limit_per_second must not be negative")
	}
	return nil
}

func (h *SubscriptionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	tenantID, _, ok := identity(w, r)
	if !ok {
		return
	}
	id, ok := resourceID(w, r, "subscription")
	if !ok {
		return
	}

	deleted, err := h.store.DeleteSubscription(r.Context(), tenantID, id)
	if err != nil {
		h.logger.Error("failed to delete subscription", "error", err, "tenant_id", tenantID)
		respondError(w, http.StatusInternalServerError, "failed to delete subscription")
		return
	}
	if !deleted {
		respondError(w, http.StatusNotFound, "subscription not found")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type subscriptionHealth struct {
	SubscriptionID string                     `json:"subscription_id"`
	Name           string                     `json:"name"`
	TargetURL      string                     `json:"target_url"`
	Status         domain.SubscriptionStatus  `json:"status"`
	CircuitBreaker engine.CircuitBreakerState `json:"circuit_breaker"`
}

func (h *SubscriptionHandler) health(ctx context.Context, sub domain.WebhookSubscription) subscriptionHealth {
	state := engine.CircuitBreakerState{State: engine.StateClosed}
	if h.circuits != nil {
		state = h.circuits.GetState(ctx, sub.TenantID, sub.ID)
	}
	return subscriptionHealth{
		SubscriptionID: sub.ID,
		Name:           sub.Name,
		TargetURL:      sub.TargetURL,
		Status:         sub.Status,
		CircuitBreaker: state,
	}
}

func (h *SubscriptionHandler) Health(w http.ResponseWriter, r *http.Request) {
	tenantID, _, ok := identity(w, r)
	if !ok {
		return
	}
	id, ok := resourceID(w, r, "subscription")
	if !ok {
		return
	}

	sub, err := h.store.GetSubscription(r.Context(), tenantID, id)
	if err != nil {
		h.logger.Error("failed to get subscription", "error", err, "tenant_id", tenantID)
		respondError(w, http.StatusInternalServerError, "failed to get subscription")
		return
	}
	if sub == nil {
		respondError(w, http.StatusNotFound, "subscription not found")
		return
	}

	respondJSON(w, http.StatusOK, h.health(r.Context(), *sub))
}

// HealthAll returns every subscription of the tenant with its circuit state.
func (h *SubscriptionHandler) HealthAll(w http.ResponseWriter, r *http.Request) {
	tenantID, _, ok := identity(w, r)
	if !ok {
		return
	}

	subs, err := h.store.ListSubscriptions(r.Context(), tenantID)
	if err != nil {
		h.logger.Error("failed to list subscriptions", "error", err, "tenant_id", tenantID)
		respondError(w, http.StatusInternalServerError, "failed to list subscriptions")
		return
	}

	result := make([]subscriptionHealth, 0, len(subs))
	for _, sub := range subs {
		result = append(result, h.health(r.Context(), sub))
	}
	respondJSON(w, http.StatusOK, result)
}
