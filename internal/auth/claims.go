package auth

import "github.com/golang-jwt/jwt/v5"

// Claims are the bearer token claims this service accepts. TenantID scopes
// every request; UserID is recorded as the acting user.
type Claims struct {
	jwt.RegisteredClaims

	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
}
