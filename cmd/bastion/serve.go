package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/bastion/pkg/api"
	"github.com/cuemby/bastion/pkg/events"
	"github.com/cuemby/bastion/pkg/log"
	"github.com/cuemby/bastion/pkg/storage"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the store with its health, backup and recovery loops",
	Long: `Open the store, validate and migrate its schema, then keep it healthy
until interrupted: periodic health probes, scheduled backups, replay of
queued writes after recovery, and the admin endpoints (/health, /ready,
/live, /metrics) when api.addr is set.

Startup fails if the schema cannot be brought to the version this binary
expects.`,
	RunE: runServe,
}

func init() {
	rootCmd.PersistentFlags().DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout,
		"How long shutdown waits for an in-flight transaction")
	serveCmd.Flags().String("api-addr", "", "Admin listen address (overrides api.addr)")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("api-addr"); addr != "" {
		cfg.API.Addr = addr
	}
	logger := log.WithComponent("serve")

	if err := storage.EnsureDirs(cfg); err != nil {
		return err
	}

	fmt.Println("Starting Bastion...")
	fmt.Printf("  Database: %s\n", cfg.Connection.Path)
	fmt.Printf("  Backups: %s (every %s, keep %d)\n", cfg.Backup.Dir, cfg.Backup.Interval, cfg.Backup.MaxCount)
	fmt.Printf("  Audit fallback: %s\n", cfg.Audit.FallbackPath)
	fmt.Println()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	store.Start()
	fmt.Printf("✓ Store open (%s)\n", store.Health().State)

	sub := store.Events()
	go logEvents(sub)

	var server *api.HealthServer
	if cfg.API.Addr != "" {
		server = api.NewHealthServer(cfg.API, store)
		if err := server.Start(); err != nil {
			store.Unsubscribe(sub)
			closeStore(store)
			return fmt.Errorf("failed to start admin server: %w", err)
		}
		fmt.Printf("✓ Admin endpoints on http://%s\n", server.Addr())
	}

	fmt.Println()
	fmt.Println("Bastion is running. Press Ctrl+C to stop.")
	<-ctx.Done()
	fmt.Println("\nShutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Admin server shutdown failed")
		}
	}
	store.Unsubscribe(sub)
	if err := store.Close(shutdownCtx); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}

	fmt.Println("✓ Shutdown complete")
	return nil
}

// logEvents writes store events to the log until the subscription ends
func logEvents(sub events.Subscriber) {
	logger := log.WithComponent("events")
	for ev := range sub {
		meta := zerolog.Dict()
		for k, v := range ev.Metadata {
			meta.Str(k, v)
		}
		logger.Info().
			Str("event", string(ev.Type)).
			Str("message", ev.Message).
			Dict("metadata", meta).
			Msg("Store event")
	}
}
