package main

import (
	"context"
	"fmt"

	"github.com/cuemby/pulse/pkg/storage/postgres"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the postgres schema",
	Long: `Apply the pulse postgres schema. The schema statements are
idempotent, so running this against an up-to-date database is a no-op.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.Storage.PostgresDSN == "" {
			return fmt.Errorf("no postgres DSN configured (set PULSE_POSTGRES_DSN or DATABASE_URL)")
		}

		ctx := context.Background()
		pg, err := postgres.Open(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return err
		}
		defer pg.Close()

		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		fmt.Println("✓ Schema is up to date")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
