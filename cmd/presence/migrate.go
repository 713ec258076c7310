package main

import (
	"fmt"

	"github.com/goodtune/presence/internal/config"
	"github.com/goodtune/presence/internal/storage/postgres/migrate"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:       "migrate up|down|version",
	Short:     "Manage the PostgreSQL schema",
	Long:      `Apply or roll back the embedded PostgreSQL schema, or print its current version. Only meaningful with storage.type postgres.`,
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down", "version"},
	RunE:      runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.Storage.Type != "postgres" {
		return fmt.Errorf("migrate requires storage.type postgres, got %s", cfg.Storage.Type)
	}

	out := cmd.OutOrStdout()

	if args[0] == "version" {
		version, dirty, err := migrate.Version(cfg.Storage.Postgres.DSN)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Schema version: %d", version)
		if dirty {
			fmt.Fprint(out, " (dirty)")
		}
		fmt.Fprintln(out)
		return nil
	}

	if err := migrate.Run(cfg.Storage.Postgres.DSN, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(out, "✅ Migrations applied (%s)\n", args[0])
	return nil
}
