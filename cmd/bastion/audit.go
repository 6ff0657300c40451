package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/cuemby/bastion/pkg/audit"
	"github.com/cuemby/bastion/pkg/txn"
	"github.com/spf13/cobra"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the audit log and its fallback file",
}

var auditPendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List audit entries waiting in the fallback file",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer closeStore(store)

		entries, err := store.PendingAudit()
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No pending audit entries")
			return nil
		}
		return printEntries(entries)
	},
}

var auditReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Move entries from the fallback file into the store",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer closeStore(store)

		store.Probe(cmd.Context())
		n, err := store.ReplayAuditFallback(cmd.Context())
		if err != nil {
			return fmt.Errorf("replay failed: %w", err)
		}
		fmt.Printf("✓ Replayed %d audit entries\n", n)
		return nil
	},
}

var auditTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show the most recent audit entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer closeStore(store)

		var entries []audit.Entry
		err = store.View(cmd.Context(), func(ctx context.Context, q txn.Querier) error {
			var err error
			entries, err = audit.List(ctx, q, limit)
			return err
		})
		if err != nil {
			return err
		}
		return printEntries(entries)
	},
}

func printEntries(entries []audit.Entry) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTOR\tACTION\tTARGET\tID")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.Time.UTC().Format("2006-01-02 15:04:05"), e.Actor, e.Action, e.Target, e.ID)
	}
	return w.Flush()
}

func init() {
	auditTailCmd.Flags().Int("limit", 20, "Number of entries to show")

	auditCmd.AddCommand(auditPendingCmd, auditReplayCmd, auditTailCmd)
	rootCmd.AddCommand(auditCmd)
}
