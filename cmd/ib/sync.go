package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/issuebridge/issuebridge/internal/config"
	"github.com/issuebridge/issuebridge/internal/processor"
)

var detectCmd = &cobra.Command{
	Use:     "detect",
	GroupID: "sync",
	Short:   "Enqueue work for records changed since the last run",
	Long: `Scans records updated after the detector cursor and enqueues the action
each one needs (create, update or close). With --full every record is
scanned. With --dry-run the decisions are printed and nothing is written.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		full, _ := cmd.Flags().GetBool("full")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		ctx := getRootContext()

		a, err := openApp(ctx, needs{})
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		out := cmd.OutOrStdout()
		if dryRun {
			plan, err := a.detector.Scan(ctx, full)
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(out, plan)
			}
			for _, d := range plan.Decisions {
				fmt.Fprintf(out, "%-6s %s\n", d.Action, d.Record.Key())
			}
			fmt.Fprintf(out, "scanned %d, %d to enqueue\n", plan.Scanned, len(plan.Decisions))
			return nil
		}

		res, err := a.detector.Detect(ctx, full)
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(out, res)
		}
		fmt.Fprintf(out, "scanned %d, enqueued %d, merged %d, superseded %d\n",
			res.Scanned, res.Enqueued, res.Merged, res.Superseded)
		return nil
	},
}

var processCmd = &cobra.Command{
	Use:     "process",
	GroupID: "sync",
	Short:   "Claim and execute one batch of queued work",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := getRootContext()
		a, err := openApp(ctx, needs{tracker: true})
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		opts := batchOptions(a.settings)
		if cmd.Flags().Changed("batch") {
			opts.Limit, _ = cmd.Flags().GetInt("batch")
		}
		if cmd.Flags().Changed("workers") {
			opts.Workers, _ = cmd.Flags().GetInt("workers")
		}
		if cmd.Flags().Changed("max-priority") {
			opts.MaxPriority, _ = cmd.Flags().GetInt("max-priority")
		}
		res, err := a.processor.ProcessBatch(ctx, opts)
		if err != nil {
			return err
		}
		return printBatch(cmd, res)
	},
}

func printBatch(cmd *cobra.Command, res *processor.BatchResult) error {
	out := cmd.OutOrStdout()
	if jsonOutput {
		return outputJSON(out, res)
	}
	fmt.Fprintf(out, "claimed %d: %d completed, %d retried, %d failed, %d stale, %d released (%s)\n",
		res.Claimed, res.Completed, res.Retried, res.Failed, res.Stale, res.Released, res.Duration)
	return nil
}

var pullProgressCmd = &cobra.Command{
	Use:     "pull-progress",
	GroupID: "sync",
	Short:   "Read remote progress labels back into linked records",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := getRootContext()
		a, err := openApp(ctx, needs{tracker: true, lease: true})
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		res, err := a.loop().PullProgress(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if jsonOutput {
			return outputJSON(out, res)
		}
		fmt.Fprintf(out, "checked %d, changed %d, errors %d\n", res.Checked, res.Changed, res.Errors)
		return nil
	},
}

var tickCmd = &cobra.Command{
	Use:     "tick",
	GroupID: "sync",
	Short:   "Run one reconciliation tick (detect, process, pull progress)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := getRootContext()
		a, err := openApp(ctx, needs{tracker: true, lease: true})
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		res, err := a.loop().Tick(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if jsonOutput {
			return outputJSON(out, res)
		}
		if res.Skipped {
			fmt.Fprintln(out, "skipped: another instance holds the lease")
			return nil
		}
		fmt.Fprintf(out, "enqueued %d; ", res.Detect.Enqueued)
		if err := printBatch(cmd, res.Batch); err != nil {
			return err
		}
		fmt.Fprintf(out, "progress: checked %d, changed %d, errors %d\n",
			res.Pull.Checked, res.Pull.Changed, res.Pull.Errors)
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:     "run",
	GroupID: "sync",
	Short:   "Run the reconciliation loop until interrupted",
	Long: `Ticks every reconcile.interval, reaping stale claims and deleting old
finished work on their own cadence. Changes to the config file are applied
to the running loop without a restart.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := getRootContext()
		a, err := openApp(ctx, needs{tracker: true, lease: true})
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		lp := a.loop()
		config.Watch(func() {
			s, err := config.Load()
			if err != nil {
				a.log.Warn("ignoring invalid config change", "error", err)
				return
			}
			lp.SetTunables(tunables(s))
			a.log.Info("config reloaded", "file", config.ConfigFileUsed())
		})

		if err := lp.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	detectCmd.Flags().Bool("full", false, "Scan every record instead of those changed since the last run")
	detectCmd.Flags().Bool("dry-run", false, "Print the decisions without enqueueing")

	processCmd.Flags().Int("batch", 0, "Maximum items to claim (default processor.batch)")
	processCmd.Flags().Int("workers", 0, "Concurrent items (default processor.workers)")
	processCmd.Flags().Int("max-priority", 0, "Claim only items at or above this priority (1 is highest)")

	rootCmd.AddCommand(detectCmd, processCmd, pullProgressCmd, tickCmd, runCmd)
}
