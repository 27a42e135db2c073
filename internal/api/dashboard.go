package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/Priya8975/event-delivery-core/internal/store"
)

type MetricsSource interface {
	GetDeliveryMetrics(ctx context.Context, tenantID string) (*store.DeliveryMetrics, error)
}

type QueueDepth interface {
	Depth(ctx context.Context) (int64, error)
}

type ClientCounter interface {
	TenantClientCount(tenantID string) int
}

type DashboardHandler struct {
	metrics MetricsSource
	queue   QueueDepth
	clients ClientCounter
	logger  *slog.Logger
}

func NewDashboardHandler(m MetricsSource, queue QueueDepth, clients ClientCounter, logger *slog.Logger) *DashboardHandler {
	return &DashboardHandler{metrics: m, queue: queue, clients: clients, logger: logger}
}

type metricsResponse struct {
	store.DeliveryMetrics
	QueueDepth       int64 `json:"queue_depth"`
	WebSocketClients int   `json:"websocket_clients"`
}

// Metrics returns the tenant's delivery statistics. The queue depth is
// shared by all tenants.
func (h *DashboardHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	tenantID, _, ok := identity(w, r)
	if !ok {
		return
	}

	m, err := h.metrics.GetDeliveryMetrics(r.Context(), tenantID)
	if err != nil {
		h.logger.Error("failed to get metrics", "error", err, "tenant_id", tenantID)
		respondError(w, http.StatusInternalServerError, "failed to get metrics")
		return
	}

	resp := metricsResponse{DeliveryMetrics: *m}
	if h.queue != nil {
		depth, err := h.queue.Depth(r.Context())
		if err != nil {
			h.logger.Warn("failed to read queue depth", "error", err)
		}
		resp.QueueDepth = depth
	}
	if h.clients != nil {
		resp.WebSocketClients = h.clients.TenantClientCount(tenantID)
	}

	respondJSON(w, http.StatusOK, resp)
}
