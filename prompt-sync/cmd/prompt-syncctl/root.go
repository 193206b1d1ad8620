package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/app"
	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/config"
	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/logger"
	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/store"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "prompt-syncctl",
		Short:         "Operate the prompt regeneration queue",
		SilenceUsage:  true,
	}
	cmd.AddCommand(
		newMigrateCmd(),
		newEnqueueCmd(),
		newStatsCmd(),
		newDriftCmd(),
		newProcessCmd(),
		newDirectCmd(),
		newReconcileCmd(),
	)
	return cmd
}

// openStore connects with only the database settings so read and enqueue
// commands work without generator or platform credentials.
func openStore(ctx context.Context) (*sql.DB, *store.PGStore, error) {
	cfg, err := config.LoadUnvalidated()
	if err != nil {
		return nil, nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, nil, fmt.Errorf("DATABASE_URL or PROMPT_SYNC_DATABASE_URL required")
	}
	db, err := app.OpenDB(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		return nil, nil, err
	}
	return db, store.NewPGStore(db), nil
}

// openApp builds the full pipeline for commands that regenerate or sync.
func openApp(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	lg, err := logger.New(cfg.Env)
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, lg)
}
