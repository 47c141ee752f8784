// Package main is the entrypoint for the SmartScale classification worker.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/timamz/SmartScale/internal/blob"
	"github.com/timamz/SmartScale/internal/cache"
	"github.com/timamz/SmartScale/internal/classifier"
	"github.com/timamz/SmartScale/internal/config"
	"github.com/timamz/SmartScale/internal/inference"
	"github.com/timamz/SmartScale/internal/logging"
	"github.com/timamz/SmartScale/internal/queue"
	"github.com/timamz/SmartScale/internal/store"
)

func main() {
	if err := run(); err != nil {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := checkDriver(cfg); err != nil {
		return err
	}

	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer closeLog()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	pgStore := store.NewPostgresStore(pool)

	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	q, err := queue.Open(ctx, cfg.Queue, redisCache.Client(), cfg.Worker.ID, logger)
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}
	defer q.Close()

	blobs, err := blob.Open(ctx, cfg.Blob)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}

	cl, err := classifier.New(cfg.Classifier)
	if err != nil {
		return fmt.Errorf("create classifier: %w", err)
	}
	if c, ok := cl.(io.Closer); ok {
		defer c.Close()
	}
	slog.Info("classifier initialized", "worker_id", cfg.Worker.ID, "classifier", cl.Name(), "concurrency", cfg.Worker.Concurrency)

	proc := inference.NewProcessor(pgStore, blobs, cl, inference.WorkerOptionsFromConfig(cfg), logger)
	workerPool := inference.NewPool(q, proc, cfg.Worker.Concurrency, logger)
	sweeper := inference.NewSweeper(pgStore, q, cfg.Worker.SweepInterval, cfg.Worker.SweepPendingAge, logger)

	if err := inference.RunWorker(ctx, workerPool, sweeper, logger); err != nil {
		return fmt.Errorf("worker pool: %w", err)
	}
	return nil
}

// checkDriver rejects the memory queue, which only exists inside the server.
func checkDriver(cfg *config.Config) error {
	if cfg.Queue.Driver == "memory" {
		return fmt.Errorf("QUEUE_DRIVER=memory runs workers inside the server; use rabbitmq or redis for a standalone worker")
	}
	return nil
}
