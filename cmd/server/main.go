// Package main is the entrypoint for the SmartScale API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/timamz/SmartScale/internal/api"
	"github.com/timamz/SmartScale/internal/api/handler"
	mw "github.com/timamz/SmartScale/internal/api/middleware"
	"github.com/timamz/SmartScale/internal/auth"
	"github.com/timamz/SmartScale/internal/blob"
	"github.com/timamz/SmartScale/internal/cache"
	"github.com/timamz/SmartScale/internal/classifier"
	"github.com/timamz/SmartScale/internal/config"
	"github.com/timamz/SmartScale/internal/inference"
	"github.com/timamz/SmartScale/internal/logging"
	"github.com/timamz/SmartScale/internal/queue"
	"github.com/timamz/SmartScale/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// 2. Logger
	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer closeLog()
	slog.SetDefault(logger)
	slog.Info("config loaded", "env", cfg.Server.Env, "queue_driver", cfg.Queue.Driver, "blob_driver", cfg.Blob.Driver)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 4. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")
	pgStore := store.NewPostgresStore(pool)

	// 5. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 6. Open queue and image store
	q, err := queue.Open(ctx, cfg.Queue, redisCache.Client(), cfg.Worker.ID, logger)
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}
	defer q.Close()

	blobs, err := blob.Open(ctx, cfg.Blob)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}

	// 7. Intake service, registry seed and bootstrap key
	svc := inference.NewService(pgStore, blobs, q, redisCache, inference.IntakeOptionsFromConfig(cfg), logger)
	if err := svc.Bootstrap(ctx, cfg.Model, cfg.Auth); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	// 8. In-process workers when the queue cannot be shared across processes
	workerErr := make(chan error, 1)
	if runsEmbeddedWorker(cfg) {
		cl, err := classifier.New(cfg.Classifier)
		if err != nil {
			return fmt.Errorf("create classifier: %w", err)
		}
		slog.Info("embedded worker enabled", "classifier", cl.Name(), "concurrency", cfg.Worker.Concurrency)

		proc := inference.NewProcessor(pgStore, blobs, cl, inference.WorkerOptionsFromConfig(cfg), logger)
		workerPool := inference.NewPool(q, proc, cfg.Worker.Concurrency, logger)
		sweeper := inference.NewSweeper(pgStore, q, cfg.Worker.SweepInterval, cfg.Worker.SweepPendingAge, logger)
		go func() { workerErr <- inference.RunWorker(ctx, workerPool, sweeper, logger) }()
	}

	// 9. Build router with dependencies
	router := newRouter(cfg, svc, auth.NewAuthenticator(pgStore, logger), redisCache)

	// 10. Start HTTP server
	srv := newServer(cfg, router)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal, server error or a dead embedded worker
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case err := <-workerErr:
		if err != nil {
			return fmt.Errorf("embedded worker: %w", err)
		}
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	// The queue closes on return; let in-flight jobs ack first.
	if runsEmbeddedWorker(cfg) {
		select {
		case <-workerErr:
		case <-shutdownCtx.Done():
			slog.Warn("embedded worker did not drain before shutdown timeout")
		}
	}

	slog.Info("server stopped gracefully")
	return nil
}

// runsEmbeddedWorker reports whether this process must also consume jobs.
// The memory queue only exists inside the server process.
func runsEmbeddedWorker(cfg *config.Config) bool {
	return cfg.Queue.Driver == "memory"
}

func newRouter(cfg *config.Config, svc *inference.Service, authn *auth.Authenticator, c cache.Cache) http.Handler {
	return api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(authn),
		RateLimit: mw.NewRateLimit(c, cfg.Server.RequestsPerMinute),

		TrustedProxies: cfg.Server.TrustedProxies,

		HealthHandler:  handler.NewHealthHandler(svc),
		PredictHandler: handler.NewPredictHandler(svc, cfg.Intake.MaxUploadBytes),
		ResultHandler:  handler.NewResultHandler(svc),
		ConfirmHandler: handler.NewConfirmHandler(svc),
		HistoryHandler: handler.NewHistoryHandler(svc),
		ModelHandler:   handler.NewModelHandler(svc),
		ListPrices:     handler.NewListPricesHandler(svc),

		ReloadModelHandler: handler.NewReloadModelHandler(svc),
		SetPriceHandler:    handler.NewSetPriceHandler(svc),
		CreateKeyHandler:   handler.NewCreateKeyHandler(svc),
		ListKeysHandler:    handler.NewListKeysHandler(svc),
		RevokeKeyHandler:   handler.NewRevokeKeyHandler(svc),
	})
}

func newServer(cfg *config.Config, h http.Handler) *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
