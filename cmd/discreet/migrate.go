package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/spf13/cobra"

	"github.com/discreetgg/discreet-upgraded-sub001/internal/config"
)

var migrateConfigPath string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema and exit",
	RunE:  runMigrate,
}

func init() {
	migrateCmd.Flags().StringVar(&migrateConfigPath, "config", config.DefaultConfigPath(), "path to config file")
}

func runMigrate(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(goutils.Env("DISCREET_CONFIG", migrateConfigPath))
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	store, err := initStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("schema up to date", slog.String("driver", store.Driver()))
	return nil
}
