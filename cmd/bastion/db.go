package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/cuemby/bastion/pkg/storage"
	"github.com/spf13/cobra"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database maintenance",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Bring the schema to the version this binary expects",
	Long: `Apply pending migrations in order, each in its own transaction.

A manual backup is taken first unless --no-backup is given, so a bad
migration can be undone with "bastion backup restore".`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		noBackup, _ := cmd.Flags().GetBool("no-backup")

		store, err := openStore(cmd, storage.SkipMigrate())
		if err != nil {
			return err
		}
		defer closeStore(store)

		st, err := store.SchemaStatus(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Schema version: %d (binary expects %d)\n", st.Current, st.Target)
		if st.UpToDate() {
			fmt.Println("✓ No migrations pending")
			return nil
		}

		fmt.Printf("Pending migrations: %d\n", len(st.Pending))
		for _, name := range st.Pending {
			fmt.Printf("  - %s\n", name)
		}
		if dryRun {
			fmt.Println("\nDry run completed. No changes made.")
			return nil
		}

		if !noBackup {
			rec, err := store.BackupNow(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to back up before migrating: %w", err)
			}
			fmt.Printf("✓ Backup created: %s\n", rec.Name)
		}

		version, err := store.Migrate(cmd.Context())
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		fmt.Printf("✓ Schema at version %d\n", version)
		return nil
	},
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show applied and pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd, storage.SkipMigrate())
		if err != nil {
			return err
		}
		defer closeStore(store)

		st, err := store.SchemaStatus(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("Schema version: %d (binary expects %d)\n\n", st.Current, st.Target)
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "VERSION\tNAME\tAPPLIED")
		for _, m := range st.Applied {
			fmt.Fprintf(w, "%d\t%s\t%s\n", m.Version, m.Name, m.AppliedAt)
		}
		for _, name := range st.Pending {
			fmt.Fprintf(w, "-\t%s\tpending\n", name)
		}
		return w.Flush()
	},
}

var dbVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Run a full integrity check and compare schema versions",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd, storage.SkipMigrate())
		if err != nil {
			return err
		}
		defer closeStore(store)

		st, err := store.SchemaStatus(cmd.Context())
		if err != nil {
			return err
		}
		problems, err := store.CheckIntegrity(cmd.Context())
		for _, p := range problems {
			fmt.Printf("  ✗ %s\n", p)
		}
		if err != nil {
			return err
		}
		fmt.Println("✓ Integrity check passed")

		if !st.UpToDate() {
			return fmt.Errorf("schema at version %d, binary expects %d: run \"bastion db migrate\"", st.Current, st.Target)
		}
		fmt.Printf("✓ Schema at version %d\n", st.Current)
		return nil
	},
}

func init() {
	dbMigrateCmd.Flags().Bool("dry-run", false, "Show pending migrations without applying them")
	dbMigrateCmd.Flags().Bool("no-backup", false, "Skip the backup taken before migrating")

	dbCmd.AddCommand(dbMigrateCmd, dbStatusCmd, dbVerifyCmd)
	rootCmd.AddCommand(dbCmd)
}
