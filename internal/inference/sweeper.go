package inference

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/timamz/SmartScale/internal/queue"
	"github.com/timamz/SmartScale/internal/store"
)

// Sweeper republishes jobs whose message was lost: pending jobs that were
// never picked up and processing jobs whose claim lease ran out.
type Sweeper struct {
	store    store.JobStore
	queue    queue.Queue
	interval time.Duration
	age      time.Duration
	batch    int
	logger   *slog.Logger
}

func NewSweeper(st store.JobStore, q queue.Queue, interval, age time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if age <= 0 {
		age = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{store: st, queue: q, interval: interval, age: age, batch: 100, logger: logger}
}

// Run sweeps on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("sweep_failed", "error", err)
			}
		}
	}
}

// SweepOnce republishes one batch of stale jobs and returns how many were
// sent.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	ids, err := s.store.ListStaleJobs(ctx, time.Now().UTC().Add(-s.age), s.batch)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	sent := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if err := s.queue.Publish(ctx, id); err != nil {
			s.logger.Warn("sweep_publish_failed", "job_id", id, "error", err)
			continue
		}
		sent = append(sent, id)
	}
	if err := s.store.MarkEnqueued(ctx, sent); err != nil {
		return len(sent), err
	}
	if len(sent) > 0 {
		s.logger.Info("jobs_republished", "count", len(sent))
	}
	return len(sent), nil
}
