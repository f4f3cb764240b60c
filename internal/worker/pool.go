package worker

import (
	"context"
	"fmt"

	"github.com/book-expert/lektor/internal/queue"
	"github.com/book-expert/logger"
	"golang.org/x/sync/errgroup"
)

// Subscriber is the consuming side of the job queue.
type Subscriber interface {
	Subscribe(ctx context.Context, handler queue.Handler) error
}

// Pool runs several subscribers that share one durable consumer.
type Pool struct {
	subscriber  Subscriber
	worker      *Worker
	concurrency int
	log         *logger.Logger
}

// NewPool creates a pool of concurrency subscribers (at least one).
func NewPool(subscriber Subscriber, worker *Worker, concurrency int, log *logger.Logger) *Pool {
	return &Pool{
		subscriber:  subscriber,
		worker:      worker,
		concurrency: max(concurrency, 1),
		log:         log,
	}
}

// Run blocks until ctx ends or a subscriber fails, which stops the others.
func (p *Pool) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)

	for slot := range p.concurrency {
		group.Go(func() error {
			p.log.Info("Worker %d listening for jobs", slot)

			err := p.subscriber.Subscribe(groupCtx, p.worker.Handle)
			if err != nil {
				return fmt.Errorf("worker %d stopped: %w", slot, err)
			}

			return nil
		})
	}

	err := group.Wait()
	if err != nil {
		return fmt.Errorf("worker pool failed: %w", err)
	}

	return nil
}
