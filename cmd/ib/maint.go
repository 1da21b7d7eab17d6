package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/issuebridge/issuebridge/internal/config"
)

var reapCmd = &cobra.Command{
	Use:     "reap",
	GroupID: "maint",
	Short:   "Requeue items whose claim outlived the lease timeout",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := getRootContext()
		a, err := openApp(ctx, needs{})
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		timeout := a.settings.Reconcile.LeaseTimeout
		if cmd.Flags().Changed("lease-timeout") {
			timeout, _ = cmd.Flags().GetDuration("lease-timeout")
		}
		res, err := a.queue.Reap(ctx, timeout)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if jsonOutput {
			return outputJSON(out, res)
		}
		fmt.Fprintf(out, "requeued %d, failed %d\n", res.Requeued, res.Failed)
		return nil
	},
}

var cleanupCmd = &cobra.Command{
	Use:     "cleanup",
	GroupID: "maint",
	Short:   "Delete finished queue items and change events past retention",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := getRootContext()
		a, err := openApp(ctx, needs{})
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		retention := a.settings.Reconcile.Retention
		if cmd.Flags().Changed("retention-days") {
			days, _ := cmd.Flags().GetInt("retention-days")
			if days <= 0 {
				return fmt.Errorf("--retention-days must be positive")
			}
			retention = time.Duration(days) * 24 * time.Hour
		}
		res, err := a.queue.Cleanup(ctx, retention)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if jsonOutput {
			return outputJSON(out, res)
		}
		fmt.Fprintf(out, "deleted %d queue items, %d change events\n", res.Items, res.ChangeEvents)
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:     "import <file.jsonl>",
	GroupID: "sync",
	Short:   "Upsert records from a JSONL file and enqueue their work",
	Long: `Reads one record per line and upserts it by (serial_number, project_name).
Use "-" to read from stdin. Invalid lines are reported and skipped; the
command fails when any line failed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := getRootContext()
		// Immediate sync needs the tracker; otherwise the queue is enough.
		a, err := openApp(ctx, needs{tracker: config.GetBool(config.KeyProcessorImmediate)})
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		in := cmd.InOrStdin()
		if args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}
		res, err := a.ingest.ImportJSONL(ctx, in)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			if err := outputJSON(out, res); err != nil {
				return err
			}
		} else {
			fmt.Fprintf(out, "inserted %d, updated %d, unchanged %d, enqueued %d\n",
				res.Inserted, res.Updated, res.Unchanged, res.Enqueued)
			for _, le := range res.Errors {
				fmt.Fprintf(cmd.ErrOrStderr(), "line %d: %s\n", le.Line, le.Err)
			}
		}
		if len(res.Errors) > 0 {
			return fmt.Errorf("%d of the lines failed", len(res.Errors))
		}
		return nil
	},
}

func init() {
	reapCmd.Flags().Duration("lease-timeout", 0, "Claim age after which an item is requeued (default reconcile.lease_timeout)")
	cleanupCmd.Flags().Int("retention-days", 0, "Age in days of finished work to delete (default reconcile.retention)")

	rootCmd.AddCommand(reapCmd, cleanupCmd, importCmd)
}
