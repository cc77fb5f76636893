package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flightdeck-io/flightdeck/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "flightdeck",
	Short: "Coordination server for a fleet of AI orchestrators",
	Long: `flightdeck coordinates a fleet of orchestrator processes sharing a
task queue. Tasks move through an atomic claim/submit/accept/reject
lifecycle with lease-based exclusive ownership; a periodic reconciler
returns abandoned claims to the pool.

Examples:
  flightdeck serve                       # Start the server on :8080
  flightdeck serve --listen :9090        # Custom listen address
  flightdeck migrate --db flightdeck.db  # Apply pending migrations and exit`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Initialize(); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}
		// Explicit flags override config file and environment.
		if cmd.Flags().Changed("listen") {
			listen, _ := cmd.Flags().GetString("listen")
			config.Set("listen", listen)
		}
		if cmd.Flags().Changed("db") {
			db, _ := cmd.Flags().GetString("db")
			config.Set("db", db)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("listen", ":8080", "HTTP listen address")
	rootCmd.PersistentFlags().String("db", "flightdeck.db", "Path to the SQLite database")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
}
