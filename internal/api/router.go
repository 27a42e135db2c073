package api

import (
	"log/slog"
	"net/http"

	"github.com/Priya8975/event-delivery-core/internal/auth"
	"github.com/Priya8975/event-delivery-core/internal/bus"
	"github.com/Priya8975/event-delivery-core/internal/engine"
	"github.com/Priya8975/event-delivery-core/internal/events"
	"github.com/Priya8975/event-delivery-core/internal/idempotency"
	"github.com/Priya8975/event-delivery-core/internal/store"
	ws "github.com/Priya8975/event-delivery-core/internal/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Deps are the collaborators the HTTP layer is built from.
type Deps struct {
	Store    *store.PostgresStore
	Redis    *store.RedisStore
	Registry *events.Registry
	Bus      *bus.Bus
	Ledger   *idempotency.Ledger
	Verifier *auth.Verifier
	Queue    *engine.DeliveryQueue
	Breaker  *engine.CircuitBreaker
	Hub      *ws.Hub
	Logger   *slog.Logger
}

// NewRouter creates and configures the HTTP router.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))
	r.Use(corsMiddleware)

	subHandler := NewSubscriptionHandler(d.Store, d.Registry, d.Breaker, d.Logger)
	eventHandler := NewEventHandler(d.Store, d.Registry, d.Bus, d.Logger)
	deliveryHandler := NewDeliveryHandler(d.Store, d.Logger)
	dlqHandler := NewDeadLetterHandler(d.Store, d.Queue, d.Logger)
	dashHandler := NewDashboardHandler(d.Store, d.Queue, d.Hub, d.Logger)
	idempotent := Idempotent(d.Ledger, d.Logger)

	checks := []HealthCheck{{Name: "postgres", Ping: d.Store.Ping}}
	if d.Redis != nil {
		checks = append(checks, HealthCheck{Name: "redis", Ping: d.Redis.Ping})
	}

	r.Get("/api/v1/health", HealthHandler(checks, d.Bus))

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireToken(d.Verifier))

		r.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
			tenantID, _, ok := identity(w, r)
			if !ok {
				return
			}
			d.Hub.Serve(w, r, tenantID)
		})

		r.Route("/api/v1", func(r chi.Router) {
			r.Route("/subscriptions", func(r chi.Router) {
				r.With(idempotent).Post("/", subHandler.Create)
				r.Get("/", subHandler.List)
				r.Get("/{id}", subHandler.Get)
				r.Patch("/{id}", subHandler.Update)
				r.Delete("/{id}", subHandler.Delete)
				r.Get("/{id}/health", subHandler.Health)
			})

			r.Route("/events", func(r chi.Router) {
				r.With(idempotent).Post("/", eventHandler.Create)
				r.Get("/", eventHandler.List)
				r.Get("/{id}", eventHandler.Get)
			})

			r.Route("/deliveries", func(r chi.Router) {
				r.Get("/", deliveryHandler.List)
				r.Get("/{id}", deliveryHandler.Get)
			})

			r.Route("/dead-letters", func(r chi.Router) {
				r.Get("/", dlqHandler.List)
				r.Get("/{id}", dlqHandler.Get)
				r.Post("/{id}/resolve", dlqHandler.Resolve)
				r.With(idempotent).Post("/{id}/replay", dlqHandler.Replay)
			})

			r.Get("/metrics", dashHandler.Metrics)
			r.Get("/subscriptions-health", subHandler.HealthAll)
		})
	})

	return r
}

// corsMiddleware adds CORS headers for browser clients.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+IdempotencyKeyHeader)
		w.Header().Set("Access-Control-Expose-Headers", IdempotentReplayedHeader)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
