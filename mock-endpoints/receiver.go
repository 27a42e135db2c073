package main

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Priya8975/event-delivery-core/internal/worker"
	"github.com/go-chi/chi/v5"
)

const maxSkew = 5 * time.Minute

// receiver is a webhook target for local testing. With a secret set it
// rejects requests whose signature does not verify.
type receiver struct {
	secret    string
	slowDelay time.Duration
	logger    *slog.Logger
	now       func() time.Time

	total    atomic.Int64
	rejected atomic.Int64
	flaky    atomic.Int64

	mu   sync.Mutex
	seen map[string]int // event ID -> deliveries received
}

func newReceiver(secret string, logger *slog.Logger) *receiver {
	return &receiver{
		secret:    secret,
		slowDelay: 3 * time.Second,
		logger:    logger,
		now:       time.Now,
		seen:      make(map[string]int),
	}
}

func (rc *receiver) routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/webhook/success", rc.accept(func(w http.ResponseWriter, _ *http.Request) {
		respond(w, http.StatusOK, map[string]string{"status": "received"})
	}))
	r.Post("/webhook/slow", rc.accept(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(rc.slowDelay)
		respond(w, http.StatusOK, map[string]string{"status": "received (slow)"})
	}))
	r.Post("/webhook/fail", rc.accept(func(w http.ResponseWriter, _ *http.Request) {
		respond(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}))
	// Fails two requests out of three.
	r.Post("/webhook/flaky", rc.accept(func(w http.ResponseWriter, _ *http.Request) {
		if rc.flaky.Add(1)%3 != 0 {
			respond(w, http.StatusServiceUnavailable, map[string]string{"error": "try again"})
			return
		}
		respond(w, http.StatusOK, map[string]string{"status": "received"})
	}))
	r.Get("/stats", rc.stats)
	return r
}

// accept verifies the request and records it before calling next.
func (rc *receiver) accept(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		count := rc.total.Add(1)

		body, err := io.ReadAll(r.Body)
		if err != nil {
			respond(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
			return
		}

		if rc.secret != "" {
			ts := r.Header.Get(worker.HeaderTimestamp)
			if !rc.fresh(ts) || !worker.VerifySignature(rc.secret, ts, body, r.Header.Get(worker.HeaderSignature)) {
				rc.rejected.Add(1)
				rc.logger.Warn("rejected webhook", "path", r.URL.Path, "delivery_id", r.Header.Get(worker.HeaderDeliveryID))
				respond(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
				return
			}
		}

		eventID := r.Header.Get(worker.HeaderEventID)
		rc.mu.Lock()
		rc.seen[eventID]++
		duplicate := rc.seen[eventID] > 1
		rc.mu.Unlock()

		rc.logger.Info("webhook received",
			"n", count,
			"path", r.URL.Path,
			"event_id", eventID,
			"event_type", r.Header.Get(worker.HeaderEventType),
			"delivery_id", r.Header.Get(worker.HeaderDeliveryID),
			"attempt", r.Header.Get(worker.HeaderAttempt),
			"duplicate", duplicate,
		)
		next(w, r)
	}
}

func (rc *receiver) fresh(ts string) bool {
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	skew := rc.now().Sub(time.Unix(sec, 0))
	return skew < maxSkew && skew > -maxSkew
}

type receiverStats struct {
	TotalRequests int64 `json:"total_requests"`
	Rejected      int64 `json:"rejected"`
	UniqueEvents  int   `json:"unique_events"`
	Duplicates    int   `json:"duplicates"`
}

func (rc *receiver) stats(w http.ResponseWriter, _ *http.Request) {
	rc.mu.Lock()
	s := receiverStats{
		TotalRequests: rc.total.Load(),
		Rejected:      rc.rejected.Load(),
		UniqueEvents:  len(rc.seen),
	}
	for _, n := range rc.seen {
		s.Duplicates += n - 1
	}
	rc.mu.Unlock()

	respond(w, http.StatusOK, s)
}

func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
