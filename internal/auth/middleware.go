package auth

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

const (
	authorizationHeader = "Authorization"
	bearerPrefix        = "Bearer "
	// queryTokenParam carries the token for WebSocket upgrades, which
	// browsers cannot send custom headers with.
	queryTokenParam = "access_token"
)

// RequireToken verifies the bearer token and injects the identity into the
// request context.
func RequireToken(v *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok := tokenFromRequest(r)
			if tok == "" {
				unauthorized(w, ErrMissingToken.Error())
				return
			}

			claims, err := v.Verify(tok, time.Now())
			if err != nil {
				unauthorized(w, ErrInvalidToken.Error())
				return
			}

			ctx := WithIdentity(r.Context(), claims.TenantID, claims.UserID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func tokenFromRequest(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get(authorizationHeader))
	if strings.HasPrefix(raw, bearerPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(raw, bearerPrefix))
	}
	if raw == "" && strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return r.URL.Query().Get(queryTokenParam)
	}
	return ""
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
