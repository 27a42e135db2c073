package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Priya8975/event-delivery-core/internal/domain"
	"github.com/jackc/pgx/v5"
)

// InsertIdempotencyRecord relies on the (tenant_id, key_hash) primary key:
// of several concurrent inserts exactly one succeeds.
func (s *PostgresStore) InsertIdempotencyRecord(ctx context.Context, rec domain.IdempotencyRecord) (bool, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO idempotency_records (tenant_id, key_hash, actor_id, route, method, key_value, fingerprint, claim_token, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, rec.TenantID, rec.KeyHash, rec.ActorID, rec.Route, rec.Method, rec.KeyValue,
		rec.Fingerprint, rec.ClaimToken, string(rec.Status), rec.CreatedAt, rec.ExpiresAt)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("inserting idempotency record: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) GetIdempotencyRecord(ctx context.Context, tenantID, keyHash string) (*domain.IdempotencyRecord, error) {
	var rec domain.IdempotencyRecord
	var status string
	var responseStatus *int
	err := s.pool.QueryRow(ctx, `
		SELECT tenant_id, key_hash, actor_id, route, method, key_value, fingerprint, claim_token, status,
		       response_status, response_body, created_at, expires_at
		FROM idempotency_records WHERE tenant_id = $1 AND key_hash = $2
	`, tenantID, keyHash).Scan(
		&rec.TenantID, &rec.KeyHash, &rec.ActorID, &rec.Route, &rec.Method, &rec.KeyValue, &rec.Fingerprint,
		&rec.ClaimToken, &status, &responseStatus, &rec.ResponseBody, &rec.CreatedAt, &rec.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying idempotency record: %w", err)
	}
	rec.Status = domain.IdempotencyStatus(status)
	if responseStatus != nil {
		rec.ResponseStatus = *responseStatus
	}
	return &rec, nil
}

// ReclaimIdempotencyRecord overwrites an expired record, or a failed one
// with the same fingerprint, with a fresh pending record.
func (s *PostgresStore) ReclaimIdempotencyRecord(ctx context.Context, rec domain.IdempotencyRecord, now time.Time) (bool, error) {
	result, err := s.pool.Exec(ctx, `
		UPDATE idempotency_records
		SET actor_id = $3, route = $4, method = $5, key_value = $6, fingerprint = $7, claim_token = $8,
		    status = $9, response_status = NULL, response_body = NULL, created_at = $10, expires_at = $11
		WHERE tenant_id = $1 AND key_hash = $2
		  AND (expires_at <= $12 OR (status = 'failed' AND fingerprint = $7))
	`, rec.TenantID, rec.KeyHash, rec.ActorID, rec.Route, rec.Method, rec.KeyValue,
		rec.Fingerprint, rec.ClaimToken, string(rec.Status), rec.CreatedAt, rec.ExpiresAt, now)
	if err != nil {
		return false, fmt.Errorf("reclaiming idempotency record: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// FinalizeIdempotencyRecord only touches the row while it is still pending
// under claimToken; a reclaimed row belongs to another request.
func (s *PostgresStore) FinalizeIdempotencyRecord(ctx context.Context, tenantID, keyHash, claimToken string, status domain.IdempotencyStatus, responseStatus int, responseBody []byte) (bool, error) {
	var respStatus *int
	if responseStatus != 0 {
		respStatus = &responseStatus
	}
	result, err := s.pool.Exec(ctx, `
		UPDATE idempotency_records
		SET status = $4, response_status = $5, response_body = $6
		WHERE tenant_id = $1 AND key_hash = $2 AND claim_token = $3 AND status = 'pending'
	`, tenantID, keyHash, claimToken, string(status), respStatus, responseBody)
	if err != nil {
		return false, fmt.Errorf("finalizing idempotency record: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

func (s *PostgresStore) DeleteExpiredIdempotencyRecords(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.pool.Exec(ctx, `
		DELETE FROM idempotency_records WHERE expires_at <= $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("deleting expired idempotency records: %w", err)
	}
	return result.RowsAffected(), nil
}
