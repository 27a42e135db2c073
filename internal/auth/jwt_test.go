package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret string, method jwt.SigningMethod, claims Claims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func validClaims(now time.Time) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "edc",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(15 * time.Minute)),
		},
		TenantID: "tenant-a",
		UserID:   "user-1",
	}
}

func TestVerify_ValidToken(t *testing.T) {
	v, err := NewVerifier(testSecret, "edc")
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}

	now := time.Unix(1700000000, 0).UTC()
	tok := signToken(t, testSecret, jwt.SigningMethodHS256, validClaims(now))

	claims, err := v.Verify(tok, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.TenantID != "tenant-a" || claims.UserID != "user-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestVerify_Rejects(t *testing.T) {
	v, _ := NewVerifier(testSecret, "edc")
	now := time.Unix(1700000000, 0).UTC()

	tests := []struct {
		name  string
		token func() string
		at    time.Time
	}{
		{
			name:  "expired",
			token: func() string { return signToken(t, testSecret, jwt.SigningMethodHS256, validClaims(now)) },
			at:    now.Add(time.Hour),
		},
		{
			name:  "wrong secret",
			token: func() string { return signToken(t, "other", jwt.SigningMethodHS256, validClaims(now)) },
			at:    now,
		},
		{
			name:  "wrong algorithm",
			token: func() string { return signToken(t, testSecret, jwt.SigningMethodHS512, validClaims(now)) },
			at:    now,
		},
		{
			name: "wrong issuer",
			token: func() string {
				c := validClaims(now)
				c.Issuer = "someone-else"
				return signToken(t, testSecret, jwt.SigningMethodHS256, c)
			},
			at: now,
		},
		{
			name: "no expiry",
			token: func() string {
				c := validClaims(now)
				c.ExpiresAt = nil
				return signToken(t, testSecret, jwt.SigningMethodHS256, c)
			},
			at: now,
		},
		{
			name: "reserved tenant",
			token: func() string {
				c := validClaims(now)
				c.TenantID = "global"
				return signToken(t, testSecret, jwt.SigningMethodHS256, c)
			},
			at: now,
		},
		{
			name: "missing user",
			token: func() string {
				c := validClaims(now)
				c.UserID = ""
				return signToken(t, testSecret, jwt.SigningMethodHS256, c)
			},
			at: now,
		},
		{
			name:  "garbage",
			token: func() string { return "not.a.token" },
			at:    now,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := v.Verify(tt.token(), tt.at); err == nil {
				t.Fatal("expected verification to fail")
			}
		})
	}
}

func TestNewVerifier_RequiresSecret(t *testing.T) {
	if _, err := NewVerifier("", ""); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestRequireToken(t *testing.T) {
	v, _ := NewVerifier(testSecret, "edc")
	tok := signToken(t, testSecret, jwt.SigningMethodHS256, validClaims(time.Now()))

	var gotTenant, gotUser string
	handler := RequireToken(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTenant, _ = TenantID(r.Context())
		gotUser, _ = UserID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name       string
		prepare    func(r *http.Request)
		wantStatus int
	}{
		{"bearer header", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+tok) }, http.StatusNoContent},
		{"missing", func(r *http.Request) {}, http.StatusUnauthorized},
		{"malformed", func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }, http.StatusUnauthorized},
		{"query token on upgrade", func(r *http.Request) {
			r.Header.Set("Upgrade", "websocket")
			q := r.URL.Query()
			q.Set("access_token", tok)
			r.URL.RawQuery = q.Encode()
		}, http.StatusNoContent},
		{"query token without upgrade", func(r *http.Request) {
			q := r.URL.Query()
			q.Set("access_token", tok)
			r.URL.RawQuery = q.Encode()
		}, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotTenant, gotUser = "", ""
			req := httptest.NewRequest(http.MethodGet, "/api/v1/events", nil)
			tt.prepare(req)
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d", tt.wantStatus, rec.Code)
			}
			if tt.wantStatus == http.StatusNoContent && (gotTenant != "tenant-a" || gotUser != "user-1") {
				t.Errorf("identity not propagated: tenant=%q user=%q", gotTenant, gotUser)
			}
		})
	}
}
