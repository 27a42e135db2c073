package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/Priya8975/event-delivery-core/internal/auth"
	"github.com/Priya8975/event-delivery-core/internal/idempotency"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	IdempotencyKeyHeader      = "Idempotency-Key"
	IdempotentReplayedHeader  = "Idempotent-Replayed"
	maxIdempotentRequestBytes = 1 << 20
)

// Idempotent runs a mutating handler at most once per (tenant,
// Idempotency-Key). Requests without the header pass through. Responses
// below 500 are stored and replayed verbatim; a 5xx releases the key so
// the client may retry.
func Idempotent(ledger *idempotency.Ledger, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(IdempotencyKeyHeader)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			tenantID, err := auth.TenantID(r.Context())
			if err != nil {
				respondError(w, http.StatusUnauthorized, "unauthenticated")
				return
			}
			userID, _ := auth.UserID(r.Context())

			body, err := io.ReadAll(io.LimitReader(r.Body, maxIdempotentRequestBytes+1))
			if err != nil {
				respondError(w, http.StatusBadRequest, "failed to read request body")
				return
			}
			if len(body) > maxIdempotentRequestBytes {
				respondError(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			res, err := ledger.Begin(r.Context(), idempotency.Request{
				TenantID:    tenantID,
				ActorID:     userID,
				Route:       r.URL.Path,
				Method:      r.Method,
				Key:         key,
				Fingerprint: idempotency.Fingerprint(r.Method, r.URL.Path, body),
			})
			switch {
			case errors.Is(err, idempotency.ErrInvalidKey):
				respondError(w, http.StatusBadRequest, err.Error())
				return
			case errors.Is(err, idempotency.ErrKeyReuseConflict):
				respondError(w, http.StatusConflict, "idempotency key was already used for a different request")
				return
			case err != nil:
				logger.Error("idempotency check failed", "error", err, "tenant_id", tenantID)
				respondError(w, http.StatusServiceUnavailable, "idempotency check unavailable")
				return
			}

			switch res.Outcome {
			case idempotency.OutcomeReplay:
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set(IdempotentReplayedHeader, "true")
				w.WriteHeader(res.Record.ResponseStatus)
				w.Write(res.Record.ResponseBody)
				return
			case idempotency.OutcomeInFlight:
				w.Header().Set("Retry-After", "1")
				respondError(w, http.StatusConflict, "a request with this idempotency key is in progress")
				return
			}

			var captured bytes.Buffer
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			ww.Tee(&captured)

			// The outcome must be stored even if the client went away.
			finalizeCtx := context.WithoutCancel(r.Context())
			defer func() {
				if rec := recover(); rec != nil {
					if err := ledger.Fail(finalizeCtx, res.Claim); err != nil {
						logger.Error("failed to release idempotency key", "error", err, "tenant_id", tenantID)
					}
					panic(rec)
				}
			}()

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			if status >= http.StatusInternalServerError {
				err = ledger.Fail(finalizeCtx, res.Claim)
			} else {
				err = ledger.Complete(finalizeCtx, res.Claim, status, captured.Bytes())
			}
			if err != nil {
				logger.Error("failed to finalize idempotency record",
					"error", err,
					"tenant_id", tenantID,
					"status", status,
				)
			}
		})
	}
}
