package api

import (
	"context"
	"net/http"
	"time"

	"github.com/Priya8975/event-delivery-core/internal/bus"
)

const healthCheckTimeout = 2 * time.Second

// HealthCheck is one named dependency probe.
type HealthCheck struct {
	Name string
	Ping func(ctx context.Context) error
}

type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
	Bus    *bus.Stats        `json:"bus,omitempty"`
}

// HealthHandler reports 200 when every check passes and 503 otherwise.
func HealthHandler(checks []HealthCheck, b *bus.Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()

		resp := HealthResponse{Status: "healthy", Checks: make(map[string]string, len(checks))}
		status := http.StatusOK
		for _, c := range checks {
			if err := c.Ping(ctx); err != nil {
				resp.Checks[c.Name] = "unhealthy: " + err.Error()
				resp.Status = "unhealthy"
				status = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[c.Name] = "ok"
		}
		if b != nil {
			stats := b.Stats()
			resp.Bus = &stats
		}

		respondJSON(w, status, resp)
	}
}
