package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/Priya8975/event-delivery-core/internal/engine"
)

// Claimer hands out due jobs exactly once.
type Claimer interface {
	Claim(ctx context.Context, now time.Time, max int) ([]engine.DeliveryJob, error)
}

// Dispatcher continuously polls the delivery queue and sends jobs
// to the worker pool.
type Dispatcher struct {
	queue        Claimer
	pool         *Pool
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int
}

func NewDispatcher(queue Claimer, pool *Pool, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		queue:        queue,
		pool:         pool,
		logger:       logger,
		pollInterval: 100 * time.Millisecond,
		batchSize:    10,
	}
}

// Start begins the polling loop. It runs until the context is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("dispatcher started")

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping")
			return
		case <-ticker.C:
			d.poll(ctx)
		}
	}
}

// poll claims a batch of due jobs and sends them to workers.
func (d *Dispatcher) poll(ctx context.Context) int {
	jobs, err := d.queue.Claim(ctx, time.Now(), d.batchSize)
	if err != nil {
		d.logger.Error("failed to poll delivery queue", "error", err)
		return 0
	}

	submitted := 0
	for _, job := range jobs {
		if !d.pool.Submit(ctx, job) {
			d.logger.Warn("shutdown with claimed jobs pending",
				"pending", len(jobs)-submitted,
				"delivery_id", job.DeliveryID,
			)
			break
		}
		submitted++
	}
	return submitted
}
