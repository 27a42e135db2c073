package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/Priya8975/event-delivery-core/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const (
	DefaultMaxAttempts = 5
	MaxMaxAttempts     = 8
)

const subscriptionColumns = `id, tenant_id, name, target_url, event_types, filters, status,
	max_attempts, rate_limit_per_second, created_at, updated_at`

func (s *PostgresStore) CreateSubscription(ctx context.Context, tenantID string, req domain.CreateSubscriptionRequest) (*domain.WebhookSubscription, error) {
	secret, err := generateSecret()
	if err != nil {
		return nil, fmt.Errorf("generating signing secret: %w", err)
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	filters := req.Filters
	if filters == nil {
		filters = map[string]any{}
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO webhook_subscriptions (id, tenant_id, name, target_url, secret, event_types, filters, max_attempts, rate_limit_per_second)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+subscriptionColumns,
		uuid.NewString(), tenantID, req.Name, req.TargetURL, secret,
		req.EventTypes, filters, maxAttempts, req.RateLimitPerSecond)

	sub, err := scanSubscription(row)
	if err != nil {
		return nil, fmt.Errorf("inserting subscription: %w", err)
	}
	sub.Secret = secret
	return sub, nil
}

func (s *PostgresStore) GetSubscription(ctx context.Context, tenantID, id string) (*domain.WebhookSubscription, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+subscriptionColumns+`
		FROM webhook_subscriptions WHERE id = $1 AND tenant_id = $2
	`, id, tenantID)

	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying subscription: %w", err)
	}
	return sub, nil
}

func (s *PostgresStore) ListSubscriptions(ctx context.Context, tenantID string) ([]domain.WebhookSubscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+subscriptionColumns+`
		FROM webhook_subscriptions
		WHERE tenant_id = $1
		ORDER BY created_at DESC
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("querying subscriptions: %w", err)
	}
	return collectSubscriptions(rows)
}

// ListActiveSubscriptions returns the tenant's active subscriptions whose
// event types include eventType exactly, "*" or a "<module>.*" prefix.
func (s *PostgresStore) ListActiveSubscriptions(ctx context.Context, tenantID, eventType string) ([]domain.WebhookSubscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+subscriptionColumns+`
		FROM webhook_subscriptions
		WHERE tenant_id = $1
		  AND status = 'active'
		  AND EXISTS (
			SELECT 1 FROM unnest(event_types) AS pattern
			WHERE pattern = $2
			   OR pattern = '*'
			   OR (pattern LIKE '%.*' AND starts_with($2, left(pattern, -1)))
		  )
		ORDER BY created_at
	`, tenantID, eventType)
	if err != nil {
		return nil, fmt.Errorf("finding matching subscriptions: %w", err)
	}
	return collectSubscriptions(rows)
}

func (s *PostgresStore) UpdateSubscription(ctx context.Context, tenantID, id string, req domain.UpdateSubscriptionRequest) (*domain.WebhookSubscription, error) {
	setClauses := []string{}
	args := []any{}

	set := func(column string, value any) {
		args = append(args, value)
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if req.Name != nil {
		set("name", *req.Name)
	}
	if req.TargetURL != nil {
		set("target_url", *req.TargetURL)
	}
	if req.Status != nil {
		set("status", string(*req.Status))
	}
	if req.EventTypes != nil {
		set("event_types", req.EventTypes)
	}
	if req.Filters != nil {
		set("filters", req.Filters)
	}
	if req.MaxAttempts != nil {
		set("max_attempts", *req.MaxAttempts)
	}
	if req.RateLimitPerSecond != nil {
		set("rate_limit_per_second", *req.RateLimitPerSecond)
	}

	if len(setClauses) == 0 {
		return s.GetSubscription(ctx, tenantID, id)
	}

	setClauses = append(setClauses, "updated_at = NOW()")
	args = append(args, id, tenantID)

	query := fmt.Sprintf(`
		UPDATE webhook_subscriptions SET %s
		WHERE id = $%d AND tenant_id = $%d
		RETURNING %s
	`, strings.Join(setClauses, ", "), len(args)-1, len(args), subscriptionColumns)

	sub, err := scanSubscription(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("updating subscription: %w", err)
	}
	return sub, nil
}

// DeleteSubscription removes the subscription and its delivery history.
func (s *PostgresStore) DeleteSubscription(ctx context.Context, tenantID, id string) (bool, error) {
	result, err := s.pool.Exec(ctx, `
		DELETE FROM webhook_subscriptions WHERE id = $1 AND tenant_id = $2
	`, id, tenantID)
	if err != nil {
		return false, fmt.Errorf("deleting subscription: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// GetDeliveryTarget returns the signing secret and live limits of a
// subscription, or nil if it was deleted. Secrets are never copied into
// queued jobs.
func (s *PostgresStore) GetDeliveryTarget(ctx context.Context, tenantID, subscriptionID string) (*domain.DeliveryTarget, error) {
	var t domain.DeliveryTarget
	var status string
	err := s.pool.QueryRow(ctx, `
		SELECT secret, status, rate_limit_per_second
		FROM webhook_subscriptions WHERE id = $1 AND tenant_id = $2
	`, subscriptionID, tenantID).Scan(&t.Secret, &status, &t.RateLimitPerSecond)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying delivery target: %w", err)
	}
	t.Status = domain.SubscriptionStatus(status)
	return &t, nil
}

// ErrSubscriptionNotFound is returned when a dead letter is replayed after
// its subscription was deleted.
var ErrSubscriptionNotFound = errors.New("subscription not found")

func scanSubscription(row pgx.Row) (*domain.WebhookSubscription, error) {
	var sub domain.WebhookSubscription
	var status string
	err := row.Scan(
		&sub.ID, &sub.TenantID, &sub.Name, &sub.TargetURL, &sub.EventTypes, &sub.Filters,
		&status, &sub.MaxAttempts, &sub.RateLimitPerSecond, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.Status = domain.SubscriptionStatus(status)
	return &sub, nil
}

func collectSubscriptions(rows pgx.Rows) ([]domain.WebhookSubscription, error) {
	defer rows.Close()

	subs := []domain.WebhookSubscription{}
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning subscription: %w", err)
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "whsec_" + hex.EncodeToString(b), nil
}
