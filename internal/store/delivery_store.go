package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Priya8975/event-delivery-core/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const deliveryColumns = `id, subscription_id, tenant_id, target_url, event_id, event_type, payload,
	attempt_number, max_attempts, status, next_attempt_at, last_http_status, last_error,
	delivered_at, created_at, updated_at`

// InsertDelivery creates a delivery in status created. It returns false if
// this (subscription, event) lineage already exists.
func (s *PostgresStore) InsertDelivery(ctx context.Context, d domain.WebhookDelivery) (bool, error) {
	result, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_deliveries (id, subscription_id, tenant_id, target_url, event_id, event_type, payload, max_attempts, status, next_attempt_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'created', $9)
		ON CONFLICT (subscription_id, event_id) WHERE replay_of IS NULL DO NOTHING
	`, d.ID, d.SubscriptionID, d.TenantID, d.TargetURL, d.EventID, d.EventType, d.Payload, d.MaxAttempts, d.NextAttemptAt)
	if err != nil {
		return false, fmt.Errorf("inserting delivery: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

func (s *PostgresStore) GetDelivery(ctx context.Context, tenantID, id string) (*domain.WebhookDelivery, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+deliveryColumns+`
		FROM webhook_deliveries WHERE id = $1 AND tenant_id = $2
	`, id, tenantID)

	d, err := scanDelivery(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying delivery: %w", err)
	}
	return d, nil
}

// DeliveryFilter narrows ListDeliveries. Zero values mean no filter.
type DeliveryFilter struct {
	SubscriptionID string
	EventID        string
	Status         domain.DeliveryStatus
	Limit          int
}

func (s *PostgresStore) ListDeliveries(ctx context.Context, tenantID string, f DeliveryFilter) ([]domain.WebhookDelivery, error) {
	q := newQuery(`SELECT ` + deliveryColumns + ` FROM webhook_deliveries`)
	q.where("tenant_id = ?", tenantID)
	if f.SubscriptionID != "" {
		q.where("subscription_id = ?", f.SubscriptionID)
	}
	if f.EventID != "" {
		q.where("event_id = ?", f.EventID)
	}
	if f.Status != "" {
		q.where("status = ?", string(f.Status))
	}
	q.orderBy("created_at DESC")
	q.limit(f.Limit)

	sql, args := q.build()
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("querying deliveries: %w", err)
	}
	return collectDeliveries(rows)
}

// BeginAttempt moves a delivery into attempting for attemptNumber. It
// succeeds only if the previous attempt's outcome has been recorded, so
// two workers can never run attempts of one delivery concurrently.
func (s *PostgresStore) BeginAttempt(ctx context.Context, tenantID, id string, attemptNumber int) (bool, error) {
	result, err := s.pool.Exec(ctx, `
		UPDATE webhook_deliveries
		SET status = 'attempting', attempt_number = $3, updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2
		  AND status IN ('created', 'retrying')
		  AND attempt_number = $3 - 1
		  AND $3 <= max_attempts
	`, id, tenantID, attemptNumber)
	if err != nil {
		return false, fmt.Errorf("starting delivery attempt: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// DeferDelivery pushes back a delivery that was not attempted.
func (s *PostgresStore) DeferDelivery(ctx context.Context, tenantID, id string, nextAttemptAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE webhook_deliveries SET next_attempt_at = $3, updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2 AND status IN ('created', 'retrying')
	`, id, tenantID, nextAttemptAt)
	if err != nil {
		return fmt.Errorf("deferring delivery: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkDelivered(ctx context.Context, tenantID, id string, httpStatus int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE webhook_deliveries
		SET status = 'delivered', last_http_status = $3, last_error = NULL,
		    next_attempt_at = NULL, delivered_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2 AND status = 'attempting'
	`, id, tenantID, httpStatus)
	if err != nil {
		return fmt.Errorf("marking delivery delivered: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkRetrying(ctx context.Context, tenantID, id string, nextAttemptAt time.Time, httpStatus *int, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE webhook_deliveries
		SET status = 'retrying', next_attempt_at = $3, last_http_status = $4, last_error = $5, updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2 AND status = 'attempting'
	`, id, tenantID, nextAttemptAt, httpStatus, nullString(lastError))
	if err != nil {
		return fmt.Errorf("marking delivery retrying: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkExhausted(ctx context.Context, tenantID, id string, httpStatus *int, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE webhook_deliveries
		SET status = 'exhausted', next_attempt_at = NULL, last_http_status = $3, last_error = $4, updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2 AND status = 'attempting'
	`, id, tenantID, httpStatus, nullString(lastError))
	if err != nil {
		return fmt.Errorf("marking delivery exhausted: %w", err)
	}
	return nil
}

// RecordDeliveryAttempt appends to a delivery's attempt history.
func (s *PostgresStore) RecordDeliveryAttempt(ctx context.Context, a domain.DeliveryAttempt) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO delivery_attempts (id, delivery_id, tenant_id, attempt_number, status, http_status_code, response_body, response_time_ms, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, a.ID, a.DeliveryID, a.TenantID, a.AttemptNumber, a.Status, a.HTTPStatusCode,
		a.ResponseBody, a.ResponseTimeMs, a.ErrorMessage)
	if err != nil {
		return fmt.Errorf("inserting delivery attempt: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListDeliveryAttempts(ctx context.Context, tenantID, deliveryID string) ([]domain.DeliveryAttempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, delivery_id, tenant_id, attempt_number, status, http_status_code,
		       response_body, response_time_ms, error_message, created_at
		FROM delivery_attempts
		WHERE delivery_id = $1 AND tenant_id = $2
		ORDER BY attempt_number, created_at
	`, deliveryID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("querying delivery attempts: %w", err)
	}
	defer rows.Close()

	attempts := []domain.DeliveryAttempt{}
	for rows.Next() {
		var a domain.DeliveryAttempt
		err := rows.Scan(
			&a.ID, &a.DeliveryID, &a.TenantID, &a.AttemptNumber, &a.Status, &a.HTTPStatusCode,
			&a.ResponseBody, &a.ResponseTimeMs, &a.ErrorMessage, &a.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning delivery attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// InsertDeadLetter records an exhausted delivery. A delivery has at most
// one dead letter.
func (s *PostgresStore) InsertDeadLetter(ctx context.Context, dl domain.DeadLetter) error {
	if dl.ID == "" {
		dl.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dead_letters (id, delivery_id, tenant_id, event_id, subscription_id, total_attempts, last_http_status, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (delivery_id) DO NOTHING
	`, dl.ID, dl.DeliveryID, dl.TenantID, dl.EventID, dl.SubscriptionID, dl.TotalAttempts, dl.LastHTTPStatus, dl.LastError)
	if err != nil {
		return fmt.Errorf("inserting dead letter: %w", err)
	}
	return nil
}

const deadLetterColumns = `id, delivery_id, tenant_id, event_id, subscription_id, total_attempts,
	last_error, last_http_status, created_at, resolved_at, resolved_by`

func (s *PostgresStore) ListDeadLetters(ctx context.Context, tenantID string, resolved bool, limit int) ([]domain.DeadLetter, error) {
	q := newQuery(`SELECT ` + deadLetterColumns + ` FROM dead_letters`)
	q.where("tenant_id = ?", tenantID)
	if resolved {
		q.whereRaw("resolved_at IS NOT NULL")
	} else {
		q.whereRaw("resolved_at IS NULL")
	}
	q.orderBy("created_at DESC")
	q.limit(limit)

	sql, args := q.build()
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("querying dead letters: %w", err)
	}
	defer rows.Close()

	letters := []domain.DeadLetter{}
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning dead letter: %w", err)
		}
		letters = append(letters, *dl)
	}
	return letters, rows.Err()
}

func (s *PostgresStore) GetDeadLetter(ctx context.Context, tenantID, id string) (*domain.DeadLetter, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+deadLetterColumns+`
		FROM dead_letters WHERE id = $1 AND tenant_id = $2
	`, id, tenantID)

	dl, err := scanDeadLetter(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying dead letter: %w", err)
	}
	return dl, nil
}

// ErrDeadLetterNotFound covers both missing and already resolved entries.
var ErrDeadLetterNotFound = errors.New("dead letter not found or already resolved")

func (s *PostgresStore) ResolveDeadLetter(ctx context.Context, tenantID, id, resolvedBy string) error {
	result, err := s.pool.Exec(ctx, `
		UPDATE dead_letters SET resolved_at = NOW(), resolved_by = $3
		WHERE id = $1 AND tenant_id = $2 AND resolved_at IS NULL
	`, id, tenantID, resolvedBy)
	if err != nil {
		return fmt.Errorf("resolving dead letter: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrDeadLetterNotFound
	}
	return nil
}

// ReplayDeadLetter resolves the dead letter and starts a fresh delivery
// lineage for the same event and subscription. The caller enqueues it.
func (s *PostgresStore) ReplayDeadLetter(ctx context.Context, tenantID, id, actor string) (*domain.WebhookDelivery, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var deliveryID string
	err = tx.QueryRow(ctx, `
		UPDATE dead_letters SET resolved_at = NOW(), resolved_by = $3
		WHERE id = $1 AND tenant_id = $2 AND resolved_at IS NULL
		RETURNING delivery_id
	`, id, tenantID, "replay:"+actor).Scan(&deliveryID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDeadLetterNotFound
		}
		return nil, fmt.Errorf("resolving dead letter: %w", err)
	}

	original, err := scanDelivery(tx.QueryRow(ctx, `
		SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = $1
	`, deliveryID))
	if err != nil {
		return nil, fmt.Errorf("loading exhausted delivery: %w", err)
	}

	var env domain.Envelope
	if err := json.Unmarshal(original.Payload, &env); err != nil {
		return nil, fmt.Errorf("decoding stored envelope: %w", err)
	}
	replayID := uuid.NewString()
	env.DeliveryID = replayID
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}

	replay, err := scanDelivery(tx.QueryRow(ctx, `
		INSERT INTO webhook_deliveries (id, subscription_id, tenant_id, target_url, event_id, event_type, payload, max_attempts, status, next_attempt_at, replay_of)
		SELECT $1, d.subscription_id, d.tenant_id, s.target_url, d.event_id, d.event_type, $2, s.max_attempts, 'created', NOW(), d.id
		FROM webhook_deliveries d
		JOIN webhook_subscriptions s ON s.id = d.subscription_id
		WHERE d.id = $3
		RETURNING `+deliveryColumns,
		replayID, payload, original.ID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("inserting replay delivery: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing replay: %w", err)
	}
	return replay, nil
}

// RequeueInterrupted returns deliveries stuck in attempting since before
// olderThan to retrying. The interrupted attempt produced no recorded
// outcome, so its number is reused.
func (s *PostgresStore) RequeueInterrupted(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := s.pool.Exec(ctx, `
		UPDATE webhook_deliveries
		SET status = 'retrying', attempt_number = attempt_number - 1,
		    next_attempt_at = NOW(), last_error = 'attempt interrupted', updated_at = NOW()
		WHERE status = 'attempting' AND updated_at < $1
	`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("requeueing interrupted deliveries: %w", err)
	}
	return result.RowsAffected(), nil
}

// ListOverdueDeliveries returns non-terminal deliveries that should have
// been attempted before olderThan, across all tenants.
func (s *PostgresStore) ListOverdueDeliveries(ctx context.Context, olderThan time.Time, limit int) ([]domain.WebhookDelivery, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+deliveryColumns+`
		FROM webhook_deliveries
		WHERE status IN ('created', 'retrying')
		  AND COALESCE(next_attempt_at, created_at) < $1
		ORDER BY COALESCE(next_attempt_at, created_at)
		LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("querying overdue deliveries: %w", err)
	}
	return collectDeliveries(rows)
}

func scanDelivery(row pgx.Row) (*domain.WebhookDelivery, error) {
	var d domain.WebhookDelivery
	var status string
	err := row.Scan(
		&d.ID, &d.SubscriptionID, &d.TenantID, &d.TargetURL, &d.EventID, &d.EventType, &d.Payload,
		&d.AttemptNumber, &d.MaxAttempts, &status, &d.NextAttemptAt, &d.LastHTTPStatus, &d.LastError,
		&d.DeliveredAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.Status = domain.DeliveryStatus(status)
	return &d, nil
}

func collectDeliveries(rows pgx.Rows) ([]domain.WebhookDelivery, error) {
	defer rows.Close()

	deliveries := []domain.WebhookDelivery{}
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning delivery: %w", err)
		}
		deliveries = append(deliveries, *d)
	}
	return deliveries, rows.Err()
}

func scanDeadLetter(row pgx.Row) (*domain.DeadLetter, error) {
	var dl domain.DeadLetter
	err := row.Scan(
		&dl.ID, &dl.DeliveryID, &dl.TenantID, &dl.EventID, &dl.SubscriptionID, &dl.TotalAttempts,
		&dl.LastError, &dl.LastHTTPStatus, &dl.CreatedAt, &dl.ResolvedAt, &dl.ResolvedBy,
	)
	if err != nil {
		return nil, err
	}
	return &dl, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
