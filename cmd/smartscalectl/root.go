package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/timamz/SmartScale/internal/auth"
	"github.com/timamz/SmartScale/internal/config"
	"github.com/timamz/SmartScale/internal/inference"
	"github.com/timamz/SmartScale/internal/logging"
	"github.com/timamz/SmartScale/internal/store"
)

// app is the state shared by subcommands once the root pre-run has loaded it.
type app struct {
	envFile string
	cfg     *config.Config
	logger  *slog.Logger
	pool    *pgxpool.Pool
	svc     *inference.Service
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "smartscalectl",
		Short:         "Operate a SmartScale deployment.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.connect(cmd.Context())
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			a.close()
		},
	}
	root.PersistentFlags().StringVar(&a.envFile, "env-file", ".env", "Optional .env file to read before the process environment")

	root.AddCommand(
		newMigrateCmd(a),
		newKeysCmd(a),
		newPricesCmd(a),
		newModelCmd(a),
		newJobCmd(a),
	)
	return root
}

// loadConfig reads configuration without touching the database.
func (a *app) loadConfig() error {
	if a.cfg != nil {
		return nil
	}
	if a.envFile != "" {
		os.Setenv("SMARTSCALE_ENV_FILE", a.envFile)
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, _, err := logging.New(config.LogConfig{Level: "warn"})
	if err != nil {
		return err
	}
	a.cfg, a.logger = cfg, logger
	return nil
}

func (a *app) connect(ctx context.Context) error {
	if err := a.loadConfig(); err != nil {
		return err
	}
	if a.pool != nil {
		return nil
	}
	pool, err := store.Connect(ctx, a.cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	a.pool = pool
	// Registry, price and key operations never reach the queue or blob store.
	a.svc = inference.NewService(store.NewPostgresStore(pool), nil, nil, nil, inference.IntakeOptionsFromConfig(a.cfg), a.logger)
	return nil
}

func (a *app) close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

// operatorCtx marks ctx as an administrative call from this tool.
func operatorCtx(ctx context.Context) context.Context {
	return auth.WithPrincipal(ctx, auth.Operator())
}
