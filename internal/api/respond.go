package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/Priya8975/event-delivery-core/internal/auth"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

// identity returns the authenticated tenant and user. It writes a 401 and
// returns ok=false when the request carries no identity.
func identity(w http.ResponseWriter, r *http.Request) (tenantID, userID string, ok bool) {
	tenantID, err := auth.TenantID(r.Context())
	if err != nil {
		respondError(w, http.StatusUnauthorized, "unauthenticated")
		return "", "", false
	}
	userID, err = auth.UserID(r.Context())
	if err != nil {
		respondError(w, http.StatusUnauthorized, "unauthenticated")
		return "", "", false
	}
	return tenantID, userID, true
}

func queryLimit(r *http.Request) int {
	limit := defaultListLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = min(n, maxListLimit)
		}
	}
	return limit
}

// resourceID reads the {id} URL parameter. IDs are UUIDs, so anything else
// is answered with a 404 without touching the store.
func resourceID(w http.ResponseWriter, r *http.Request, what string) (string, bool) {
	id := chi.URLParam(r, "id")
	if uuid.Validate(id) != nil {
		respondError(w, http.StatusNotFound, what+" not found")
		return "", false
	}
	return id, true
}
