package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/Priya8975/event-delivery-core/internal/domain"
	"github.com/jackc/pgx/v5"
)

const eventColumns = `id, event_type, COALESCE(tenant_id, ''), user_id, source, version, correlation_id, payload, occurred_at`

// RecordEvent appends event to the journal. Recording the same event twice
// is a no-op. Its signature matches bus.Handler.
func (s *PostgresStore) RecordEvent(ctx context.Context, event domain.DomainEvent) error {
	var tenantID *string
	if event.TenantID != "" {
		tenantID = &event.TenantID
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO domain_events (id, event_type, tenant_id, user_id, source, version, correlation_id, payload, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`, event.ID, event.EventType, tenantID, event.UserID, event.Source, event.Version,
		event.CorrelationID, event.Payload, event.Timestamp)
	if err != nil {
		return fmt.Errorf("inserting domain event: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetEvent(ctx context.Context, tenantID, id string) (*domain.DomainEvent, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+eventColumns+`
		FROM domain_events WHERE id = $1 AND tenant_id = $2
	`, id, tenantID)

	event, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying event: %w", err)
	}
	return event, nil
}

// EventFilter narrows ListEvents. Zero values mean no filter.
type EventFilter struct {
	EventType     string
	CorrelationID string
	Limit         int
}

func (s *PostgresStore) ListEvents(ctx context.Context, tenantID string, f EventFilter) ([]domain.DomainEvent, error) {
	q := newQuery(`SELECT ` + eventColumns + ` FROM domain_events`)
	q.where("tenant_id = ?", tenantID)
	if f.EventType != "" {
		q.where("event_type = ?", f.EventType)
	}
	if f.CorrelationID != "" {
		q.where("correlation_id = ?", f.CorrelationID)
	}
	q.orderBy("occurred_at DESC")
	q.limit(f.Limit)

	sql, args := q.build()
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	events := []domain.DomainEvent{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

func scanEvent(row pgx.Row) (*domain.DomainEvent, error) {
	var e domain.DomainEvent
	err := row.Scan(
		&e.ID, &e.EventType, &e.TenantID, &e.UserID, &e.Source, &e.Version,
		&e.CorrelationID, &e.Payload, &e.Timestamp,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
