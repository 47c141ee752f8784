package inference

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/timamz/SmartScale/internal/queue"
)

// ErrDeliveriesClosed is returned by Pool.Run when the queue stops delivering
// before the pool was asked to stop, typically a lost broker connection.
var ErrDeliveriesClosed = errors.New("delivery channel closed")

// Pool runs a fixed number of goroutines that feed deliveries to a Processor.
type Pool struct {
	queue       queue.Queue
	processor   *Processor
	concurrency int
	// requeueDelay spaces out retries of a job whose dependencies are down.
	requeueDelay time.Duration
	logger       *slog.Logger
}

// NewPool creates a new Pool.
func NewPool(q queue.Queue, proc *Processor, concurrency int, logger *slog.Logger) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		queue:        q,
		processor:    proc,
		concurrency:  concurrency,
		requeueDelay: proc.opts.PersistBackoff,
		logger:       logger,
	}
}

// Run consumes until ctx is cancelled. Jobs already being processed run to
// completion; cancellation only stops new deliveries.
func (p *Pool) Run(ctx context.Context) error {
	deliveries, err := p.queue.Consume(ctx)
	if err != nil {
		return err
	}
	p.logger.Info("worker_pool_started", "concurrency", p.concurrency)

	var wg sync.WaitGroup
	for i := 0; i < p.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range deliveries {
				p.handle(ctx, d)
			}
		}()
	}
	wg.Wait()

	if ctx.Err() != nil {
		p.logger.Info("worker_pool_stopped")
		return nil
	}
	return ErrDeliveriesClosed
}

func (p *Pool) handle(ctx context.Context, d queue.Delivery) {
	jobCtx := context.WithoutCancel(ctx)

	switch p.processor.Process(jobCtx, d.JobID()) {
	case Requeue:
		select {
		case <-time.After(p.requeueDelay):
		case <-ctx.Done():
		}
		if err := d.Nack(jobCtx, true); err != nil {
			p.logger.Error("nack_failed", "job_id", d.JobID(), "error", err)
		}
	default:
		if err := d.Ack(jobCtx); err != nil {
			p.logger.Error("ack_failed", "job_id", d.JobID(), "error", err)
		}
	}
}
