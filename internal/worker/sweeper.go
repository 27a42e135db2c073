package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Priya8975/event-delivery-core/internal/domain"
	"github.com/Priya8975/event-delivery-core/internal/engine"
)

const (
	DefaultSweepInterval = 30 * time.Second
	DefaultSweepGrace    = 2 * time.Minute
	sweepBatchSize       = 100
)

// SweepStore finds deliveries the queue has lost track of.
type SweepStore interface {
	RequeueInterrupted(ctx context.Context, olderThan time.Time) (int64, error)
	ListOverdueDeliveries(ctx context.Context, olderThan time.Time, limit int) ([]domain.WebhookDelivery, error)
}

// Sweeper reconciles the Redis queue with Postgres, which is the source of
// truth. It re-queues deliveries whose job was lost (failed enqueue, Redis
// data loss, shutdown with claimed jobs) and attempts interrupted by a
// crash. Re-queueing an already queued delivery replaces its job, and
// BeginAttempt rejects duplicates, so sweeping is always safe.
type Sweeper struct {
	store    SweepStore
	queue    engine.JobQueue
	interval time.Duration
	grace    time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

func NewSweeper(store SweepStore, queue engine.JobQueue, interval, grace time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if grace <= 0 {
		grace = DefaultSweepGrace
	}
	return &Sweeper{
		store:    store,
		queue:    queue,
		interval: interval,
		grace:    grace,
		now:      time.Now,
		logger:   logger,
	}
}

// Sweep runs one reconciliation pass and returns how many deliveries were
// re-queued.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.grace)

	interrupted, err := s.store.RequeueInterrupted(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("recovering interrupted attempts: %w", err)
	}
	if interrupted > 0 {
		s.logger.Warn("recovered interrupted delivery attempts", "count", interrupted)
	}

	overdue, err := s.store.ListOverdueDeliveries(ctx, cutoff, sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("listing overdue deliveries: %w", err)
	}

	requeued := 0
	for _, d := range overdue {
		if err := s.queue.Enqueue(ctx, engine.JobFor(d)); err != nil {
			return requeued, fmt.Errorf("re-queueing delivery %s: %w", d.ID, err)
		}
		requeued++
	}
	if requeued > 0 {
		s.logger.Info("re-queued overdue deliveries", "count", requeued)
	}
	return requeued, nil
}

// Start sweeps every interval until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info("sweeper started", "interval", s.interval.String(), "grace", s.grace.String())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopping")
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("sweep failed", "error", err)
			}
		}
	}
}
