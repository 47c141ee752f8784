package inference

import (
	"context"
	"log/slog"
	"sync"
)

// RunWorker runs the pool and the sweeper until ctx is cancelled or the pool
// stops. The sweeper is stopped with the pool.
func RunWorker(ctx context.Context, pool *Pool, sweeper *Sweeper, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if sweeper != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sweeper.Run(ctx)
		}()
	}

	err := pool.Run(ctx)
	cancel()
	wg.Wait()
	if err != nil {
		logger.Error("worker_stopped", "error", err)
		return err
	}
	logger.Info("worker_stopped")
	return nil
}
