package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flightdeck-io/flightdeck/internal/config"
	"github.com/flightdeck-io/flightdeck/internal/storage/sqlite"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations and exit",
	Long: `Open the database, apply the base schema and any pending migrations,
then exit. serve does this on startup too; migrate exists for
deployments that roll schema forward before swapping binaries.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := sqlite.New(cmd.Context(), config.GetString("db"))
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		defer func() { _ = store.Close() }()
		fmt.Printf("Database ready: %s\n", store.Path())
		return nil
	},
}
