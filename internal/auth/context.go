package auth

import (
	"context"
	"errors"
)

type ctxKey int

const (
	ctxTenantID ctxKey = iota
	ctxUserID
)

func WithIdentity(ctx context.Context, tenantID, userID string) context.Context {
	ctx = context.WithValue(ctx, ctxTenantID, tenantID)
	ctx = context.WithValue(ctx, ctxUserID, userID)
	return ctx
}

func TenantID(ctx context.Context) (string, error) {
	if s, ok := ctx.Value(ctxTenantID).(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("tenant_id not in context")
}

func UserID(ctx context.Context) (string, error) {
	if s, ok := ctx.Value(ctxUserID).(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("user_id not in context")
}
