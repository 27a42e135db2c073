package store

import (
	"context"
	"fmt"
)

// DeliveryMetrics holds one tenant's aggregated delivery statistics.
type DeliveryMetrics struct {
	TotalDeliveries     int     `json:"total_deliveries"`
	DeliveredCount      int     `json:"delivered_count"`
	ExhaustedCount      int     `json:"exhausted_count"`
	PendingCount        int     `json:"pending_count"`
	SuccessRate         float64 `json:"success_rate"`
	TotalAttempts       int     `json:"total_attempts"`
	AvgResponseMs       float64 `json:"avg_response_ms"`
	DeadLetterCount     int     `json:"dead_letter_count"`
	ActiveSubscriptions int     `json:"active_subscriptions"`
	TotalEvents         int     `json:"total_events"`
}

func (s *PostgresStore) GetDeliveryMetrics(ctx context.Context, tenantID string) (*DeliveryMetrics, error) {
	var m DeliveryMetrics

	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE status = 'delivered') AS delivered,
			COUNT(*) FILTER (WHERE status = 'exhausted') AS exhausted,
			COUNT(*) FILTER (WHERE status IN ('created', 'attempting', 'retrying')) AS pending
		FROM webhook_deliveries
		WHERE tenant_id = $1
	`, tenantID).Scan(&m.TotalDeliveries, &m.DeliveredCount, &m.ExhaustedCount, &m.PendingCount)
	if err != nil {
		return nil, fmt.Errorf("querying delivery metrics: %w", err)
	}

	if finished := m.DeliveredCount + m.ExhaustedCount; finished > 0 {
		m.SuccessRate = float64(m.DeliveredCount) / float64(finished) * 100
	}

	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(AVG(response_time_ms) FILTER (WHERE response_time_ms > 0), 0)
		FROM delivery_attempts
		WHERE tenant_id = $1
	`, tenantID).Scan(&m.TotalAttempts, &m.AvgResponseMs)
	if err != nil {
		return nil, fmt.Errorf("querying attempt metrics: %w", err)
	}

	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM dead_letters WHERE tenant_id = $1 AND resolved_at IS NULL
	`, tenantID).Scan(&m.DeadLetterCount)
	if err != nil {
		return nil, fmt.Errorf("querying dead letter count: %w", err)
	}

	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM webhook_subscriptions WHERE tenant_id = $1 AND status = 'active'
	`, tenantID).Scan(&m.ActiveSubscriptions)
	if err != nil {
		return nil, fmt.Errorf("querying active subscriptions: %w", err)
	}

	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM domain_events WHERE tenant_id = $1
	`, tenantID).Scan(&m.TotalEvents)
	if err != nil {
		return nil, fmt.Errorf("querying total events: %w", err)
	}

	return &m, nil
}
