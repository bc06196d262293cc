package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nidhogg/memory-substrate/internal/sqlitestore"
	"github.com/nidhogg/memory-substrate/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the schema to the configured storage backend",
	RunE:  runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()
	ctx := context.Background()

	switch cfg.Storage.Backend {
	case "postgres":
		pg, err := store.New(ctx, cfg.Storage.DSN, logger)
		if err != nil {
			return err
		}
		defer pg.Close()
		if err := pg.Migrate(ctx, cfg.Storage.Migrations); err != nil {
			return err
		}
	default:
		if cfg.Storage.Path == "" {
			return fmt.Errorf("migrate: sqlite storage needs a path")
		}
		// Opening applies the schema.
		lite, err := sqlitestore.Open(cfg.Storage.Path, logger)
		if err != nil {
			return err
		}
		lite.Close()
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s schema up to date\n", cfg.Storage.Backend)
	return nil
}
