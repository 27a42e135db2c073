package worker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/Priya8975/event-delivery-core/internal/engine"
)

// JobHandler runs one delivery job. *Deliverer is the production handler.
type JobHandler interface {
	Deliver(ctx context.Context, job engine.DeliveryJob)
}

// Pool manages a fixed number of worker goroutines that process delivery jobs.
type Pool struct {
	numWorkers int
	jobs       chan engine.DeliveryJob
	handler    JobHandler
	logger     *slog.Logger
	wg         sync.WaitGroup
}

func NewPool(numWorkers int, handler JobHandler, logger *slog.Logger) *Pool {
	if numWorkers < 1 {
		numWorkers = 1
	}
	return &Pool{
		numWorkers: numWorkers,
		jobs:       make(chan engine.DeliveryJob, numWorkers*2),
		handler:    handler,
		logger:     logger,
	}
}

// Start launches all worker goroutines. They read from the jobs channel
// until it is closed or the context is cancelled.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.logger.Info("worker pool started", "num_workers", p.numWorkers)
}

// Submit hands job to a worker, blocking while all workers are busy. It
// returns false if ctx ends first; the job is then recovered by the
// sweeper.
func (p *Pool) Submit(ctx context.Context, job engine.DeliveryJob) bool {
	select {
	case p.jobs <- job:
		return true
	case <-ctx.Done():
		return false
	}
}

// Stop closes the jobs channel and waits for all workers to finish. No
// Submit may run concurrently with or after Stop.
func (p *Pool) Stop() {
	close(p.jobs)
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for job := range p.jobs {
		select {
		case <-ctx.Done():
			p.logger.Debug("worker exiting", "worker_id", id)
			return
		default:
			p.handler.Deliver(ctx, job)
		}
	}
}
