package main

import (
	"context"
	"fmt"
	"os"

	"github.com/cuemby/bastion/pkg/config"
	"github.com/cuemby/bastion/pkg/log"
	"github.com/cuemby/bastion/pkg/metrics"
	"github.com/cuemby/bastion/pkg/storage"
	"github.com/maloquacious/semver"
	"github.com/spf13/cobra"
)

var (
	version   = semver.Version{Minor: 1, PreRelease: "alpha", Build: semver.Commit()}
	buildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "bastion",
	Short: "Bastion - reliable storage for the nation-simulation bot",
	Long: `Bastion keeps the nation-simulation game state in a single SQLite file
and keeps it usable: it reconnects after failures, migrates the schema,
watches health, takes verified backups and never loses an audit entry.

Run "bastion serve" next to the bot, or use the db, backup and audit
commands for maintenance.`,
	Version:       version.String(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Bastion version %s\nBuilt: %s\n",
		version.String(), buildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().String("db", "", "Database file (overrides connection.path)")
	rootCmd.PersistentFlags().String("backup-dir", "", "Backup directory (overrides backup.dir)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("bastion %s (built %s)\n", version.String(), buildTime)
	},
}

// loadConfig reads the configuration file, applies flag overrides and
// initializes logging.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}

	if db, _ := cmd.Flags().GetString("db"); db != "" {
		cfg.Connection.Path = db
	}
	if dir, _ := cmd.Flags().GetString("backup-dir"); dir != "" {
		cfg.Backup.Dir = dir
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = log.Level(level)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}

	log.Init(cfg.Log)
	metrics.SetVersion(version.String())
	return cfg, nil
}

// openStore loads the configuration and opens the store for a one-shot
// maintenance command. The caller closes it.
func openStore(cmd *cobra.Command, opts ...storage.Option) (*storage.Store, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if err := storage.EnsureDirs(cfg); err != nil {
		return nil, err
	}
	return storage.Open(cmd.Context(), cfg, opts...)
}

func closeStore(s *storage.Store) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: close store: %v\n", err)
	}
}
