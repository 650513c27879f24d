package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/kozaktomas/face-linker/internal/config"
	"github.com/kozaktomas/face-linker/internal/database/postgres"
	"github.com/kozaktomas/face-linker/internal/logging"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)

	migrateCmd.Flags().Bool("status", false, "List applied migrations without applying new ones")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	cfg := config.Load()
	if cfg.Database.URL == "" {
		return errors.New("DATABASE_URL environment variable is required")
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	pool, err := postgres.NewPool(&cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	defer pool.Close()

	if mustGetBool(cmd, "status") {
		applied, err := pool.MigrationsApplied(ctx)
		if err != nil {
			return fmt.Errorf("failed to read migrations: %w", err)
		}
		for _, name := range applied {
			fmt.Println(name)
		}
		return nil
	}

	applied, err := pool.Migrate(ctx)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	if len(applied) == 0 {
		fmt.Println("Database is up to date")
		return nil
	}
	for _, name := range applied {
		fmt.Printf("Applied %s\n", name)
	}
	return nil
}
