package api

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Priya8975/event-delivery-core/internal/auth"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
)

const (
	testTenant = "tenant-a"
	testUser   = "user-1"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// asTenant stands in for auth.RequireToken.
func asTenant(tenantID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), tenantID, testUser)))
		})
	}
}

func newTestRouter(tenantID string) chi.Router {
	r := chi.NewRouter()
	if tenantID != "" {
		r.Use(asTenant(tenantID))
	}
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestQueryLimit(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", defaultListLimit},
		{"?limit=10", 10},
		{"?limit=0", defaultListLimit},
		{"?limit=-3", defaultListLimit},
		{"?limit=abc", defaultListLimit},
		{"?limit=100000", maxListLimit},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/things"+tt.query, nil)
		assert.Equal(t, tt.want, queryLimit(req), tt.query)
	}
}

func TestResourceID_RejectsMalformed(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/things/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, ok := resourceID(w, r, "thing")
		if !ok {
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"id": id})
	})

	rec := do(t, r, http.MethodGet, "/things/not-a-uuid", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"thing not found"}`, rec.Body.String())

	rec = do(t, r, http.MethodGet, "/things/6f1c2a64-3b7e-4c8e-9a4d-2f0b7e5d9c11", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIdentity_MissingIs401(t *testing.T) {
	rec := httptest.NewRecorder()
	_, _, ok := identity(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.False(t, ok)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
