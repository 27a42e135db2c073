package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Priya8975/event-delivery-core/internal/domain"
	"github.com/Priya8975/event-delivery-core/internal/engine"
	"github.com/Priya8975/event-delivery-core/internal/store"
)

type DeadLetterStore interface {
	ListDeadLetters(ctx context.Context, tenantID string, resolved bool, limit int) ([]domain.DeadLetter, error)
	GetDeadLetter(ctx context.Context, tenantID, id string) (*domain.DeadLetter, error)
	ResolveDeadLetter(ctx context.Context, tenantID, id, resolvedBy string) error
	ReplayDeadLetter(ctx context.Context, tenantID, id, actor string) (*domain.WebhookDelivery, error)
}

type DeadLetterHandler struct {
	store  DeadLetterStore
	queue  engine.JobQueue
	logger *slog.Logger
}

func NewDeadLetterHandler(s DeadLetterStore, queue engine.JobQueue, logger *slog.Logger) *DeadLetterHandler {
	return &DeadLetterHandler{store: s, queue: queue, logger: logger}
}

func (h *DeadLetterHandler) List(w http.ResponseWriter, r *http.Request) {
	tenantID, _, ok := identity(w, r)
	if !ok {
		return
	}
	resolved := r.URL.Query().Get("resolved") == "true"

	letters, err := h.store.ListDeadLetters(r.Context(), tenantID, resolved, queryLimit(r))
	if err != nil {
		h.logger.Error("failed to list dead letters", "error", err, "tenant_id", tenantID)
		respondError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}
	if letters == nil {
		letters = []domain.DeadLetter{}
	}

	respondJSON(w, http.StatusOK, letters)
}

func (h *DeadLetterHandler) Get(w http.ResponseWriter, r *http.Request) {
	tenantID, _, ok := identity(w, r)
	if !ok {
		return
	}
	id, ok := resourceID(w, r, "dead letter")
	if !ok {
		return
	}

	letter, err := h.store.GetDeadLetter(r.Context(), tenantID, id)
	if err != nil {
		h.logger.Error("failed to get dead letter", "error", err, "tenant_id", tenantID)
		respondError(w, http.StatusInternalServerError, "failed to get dead letter")
		return
	}
	if letter == nil {
		respondError(w, http.StatusNotFound, "dead letter not found")
		return
	}

	respondJSON(w, http.StatusOK, letter)
}

// Resolve marks a dead letter as handled. resolved_by defaults to the
// caller's user ID.
func (h *DeadLetterHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	tenantID, userID, ok := identity(w, r)
	if !ok {
		return
	}
	id, ok := resourceID(w, r, "dead letter")
	if !ok {
		return
	}

	var req struct {
		ResolvedBy string `json:"resolved_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	resolvedBy := strings.TrimSpace(req.ResolvedBy)
	if resolvedBy == "" {
		resolvedBy = userID
	}

	if err := h.store.ResolveDeadLetter(r.Context(), tenantID, id, resolvedBy); err != nil {
		if errors.Is(err, store.ErrDeadLetterNotFound) {
			respondError(w, http.StatusNotFound, "dead letter not found or already resolved")
			return
		}
		h.logger.Error("failed to resolve dead letter", "error", err, "tenant_id", tenantID)
		respondError(w, http.StatusInternalServerError, "failed to resolve dead letter")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

// Replay resolves the dead letter and queues a fresh delivery of the same
// event to the same subscription.
func (h *DeadLetterHandler) Replay(w http.ResponseWriter, r *http.Request) {
	tenantID, userID, ok := identity(w, r)
	if !ok {
		return
	}
	id, ok := resourceID(w, r, "dead letter")
	if !ok {
		return
	}

	replay, err := h.store.ReplayDeadLetter(r.Context(), tenantID, id, userID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrDeadLetterNotFound):
			respondError(w, http.StatusNotFound, "dead letter not found or already resolved")
		case errors.Is(err, store.ErrSubscriptionNotFound):
			respondError(w, http.StatusConflict, "subscription no longer exists")
		default:
			h.logger.Error("failed to replay dead letter", "error", err, "tenant_id", tenantID)
			respondError(w, http.StatusInternalServerError, "failed to replay dead letter")
		}
		return
	}

	// The delivery row is committed; the sweeper picks it up if this fails.
	if err := h.queue.Enqueue(r.Context(), engine.JobFor(*replay)); err != nil {
		h.logger.Warn("failed to enqueue replayed delivery",
			"error", err,
			"tenant_id", tenantID,
			"delivery_id", replay.ID,
		)
	}

	h.logger.Info("dead letter replayed",
		"tenant_id", tenantID,
		"dead_letter_id", id,
		"delivery_id", replay.ID,
		"user_id", userID,
	)
	respondJSON(w, http.StatusAccepted, replay)
}
