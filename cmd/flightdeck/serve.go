package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/flightdeck-io/flightdeck/internal/config"
	"github.com/flightdeck-io/flightdeck/internal/engine"
	"github.com/flightdeck-io/flightdeck/internal/flows"
	"github.com/flightdeck-io/flightdeck/internal/logging"
	"github.com/flightdeck-io/flightdeck/internal/reconciler"
	"github.com/flightdeck-io/flightdeck/internal/server"
	"github.com/flightdeck-io/flightdeck/internal/storage/sqlite"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the coordination server",
	Long: `Start the HTTP server, the lease reconciler, and (when configured)
the flow file watcher. Shuts down gracefully on SIGINT/SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func runServe(parent context.Context) error {
	log, err := logging.New(logging.Options{
		Level:      config.GetString("log.level"),
		File:       config.GetString("log.file"),
		MaxSizeMB:  config.GetInt("log.max-size-mb"),
		MaxBackups: config.GetInt("log.max-backups"),
		MaxAgeDays: config.GetInt("log.max-age-days"),
	})
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := sqlite.New(ctx, config.GetString("db"))
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() { _ = store.Close() }()
	log.Info("store opened", zap.String("path", store.Path()))

	eng := engine.New(store, nil, log, engine.Config{
		DefaultLease:         config.GetDuration("lease.default"),
		MaxLease:             config.GetDuration("lease.max"),
		BurnoutTurnThreshold: config.GetInt("burnout.turn-threshold"),
		MaxTurnLimit:         config.GetInt("burnout.max-turns"),
		ClaimRetries:         config.GetInt("claim.retries"),
	})

	rec := reconciler.New(store, nil, log, reconciler.Config{
		Interval:         config.GetDuration("reconciler.interval"),
		HeartbeatTimeout: config.GetDuration("reconciler.heartbeat-timeout"),
	})
	go rec.Run(ctx)

	if dir := config.GetString("flows.dir"); dir != "" {
		loader := flows.NewLoader(store, log, dir)
		if err := loader.LoadAll(ctx); err != nil {
			log.Warn("initial flow load failed", zap.Error(err))
		}
		if config.GetBool("flows.watch") {
			go func() {
				if err := loader.Watch(ctx); err != nil {
					log.Warn("flow watcher exited", zap.Error(err))
				}
			}()
		}
	}

	srv := &http.Server{
		Addr:    config.GetString("listen"),
		Handler: server.New(eng, store, log).Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.GetDuration("shutdown-timeout"))
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}
