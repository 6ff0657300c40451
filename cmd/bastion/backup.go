package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/cuemby/bastion/pkg/backup"
	"github.com/cuemby/bastion/pkg/storage"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Create, list, verify and restore backups",
}

var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Take a verified manual backup now",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer closeStore(store)

		rec, err := store.BackupNow(cmd.Context())
		if err != nil {
			return fmt.Errorf("backup failed: %w", err)
		}
		fmt.Printf("✓ Backup created: %s (%s)\n", rec.Name, humanize.Bytes(uint64(rec.Size)))
		fmt.Printf("  Path: %s\n", rec.Path)
		return nil
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List backups, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd, storage.SkipMigrate())
		if err != nil {
			return err
		}
		defer closeStore(store)

		records, err := store.ListBackups()
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("No backups found")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tKIND\tSIZE\tCREATED\tVERIFIED")
		for _, r := range records {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n",
				r.Name, r.Kind, humanize.Bytes(uint64(r.Size)), humanize.Time(r.CreatedAt), r.Verified)
		}
		return w.Flush()
	},
}

var backupDeleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Delete a backup by name",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd, storage.SkipMigrate())
		if err != nil {
			return err
		}
		defer closeStore(store)

		if err := store.DeleteBackup(args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Backup deleted: %s\n", args[0])
		return nil
	},
}

var backupVerifyCmd = &cobra.Command{
	Use:   "verify PATH",
	Short: "Run an integrity check on a backup file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := loadConfig(cmd); err != nil {
			return err
		}
		if err := backup.Verify(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ %s passed the integrity check\n", args[0])
		return nil
	},
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore NAME|PATH",
	Short: "Replace the live store with a backup",
	Long: `Replace the live store with a backup, given by name (in the backup
directory) or by path. The backup is verified first and the current store is
kept as a pre-restore backup. The restored store is migrated to the schema
this binary expects.

Stop "bastion serve" and the bot before restoring.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			return errors.New("restore replaces the live store; rerun with --yes to confirm")
		}

		store, err := openStore(cmd, storage.SkipMigrate())
		if err != nil {
			return err
		}
		defer closeStore(store)

		fmt.Printf("Restoring from %s...\n", args[0])
		if err := store.Restore(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("restore failed: %w", err)
		}
		fmt.Println("✓ Store restored")
		fmt.Printf("  State: %s\n", store.Probe(cmd.Context()).State)
		return nil
	},
}

func init() {
	backupRestoreCmd.Flags().Bool("yes", false, "Confirm replacing the live store")

	backupCmd.AddCommand(backupCreateCmd, backupListCmd, backupDeleteCmd, backupVerifyCmd, backupRestoreCmd)
	rootCmd.AddCommand(backupCmd)
}
