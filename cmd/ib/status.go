package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/issuebridge/issuebridge/internal/storage"
	"github.com/issuebridge/issuebridge/internal/types"
	"github.com/issuebridge/issuebridge/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "views",
	Short:   "Show queue counts per action and status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := getRootContext()
		a, err := openApp(ctx, needs{})
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		sum, err := a.queue.Summary(ctx)
		if err != nil {
			return err
		}
		showFailed, _ := cmd.Flags().GetBool("failed")
		var failed []*types.Record
		if showFailed {
			failed, err = a.store.ListRecords(ctx, storage.RecordFilter{SyncStatus: types.SyncFailed, Limit: 100})
			if err != nil {
				return err
			}
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			return outputJSON(out, struct {
				Queue  *types.QueueSummary `json:"queue"`
				Failed []*types.Record     `json:"failed_records,omitempty"`
			}{sum, failed})
		}
		if err := ui.WriteQueueSummary(out, sum); err != nil {
			return err
		}
		if showFailed {
			fmt.Fprintln(out)
			fmt.Fprintln(out, ui.RenderCategory("Failed records"))
			if len(failed) == 0 {
				fmt.Fprintln(out, ui.RenderMuted("none"))
			}
			for _, r := range failed {
				fmt.Fprintf(out, "%s %-24s %s\n", ui.RenderSyncStatus(r.SyncStatus), r.Key(), ui.Truncate(r.LastSyncError, 80))
			}
		}
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:     "stats",
	GroupID: "views",
	Short:   "Show daily processing outcomes",
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")
		if days <= 0 {
			return fmt.Errorf("--days must be positive")
		}
		ctx := getRootContext()
		a, err := openApp(ctx, needs{})
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		since := a.queue.Now().AddDate(0, 0, -days)
		stats, err := a.store.ListStats(ctx, since)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if jsonOutput {
			return outputJSON(out, stats)
		}
		return ui.WriteStats(out, stats)
	},
}

var showCmd = &cobra.Command{
	Use:     "show <serial_number> <project_name>",
	GroupID: "views",
	Short:   "Show a record with its queue items and change history",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := getRootContext()
		a, err := openApp(ctx, needs{})
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		rec, err := a.store.GetRecordByKey(ctx, types.NaturalKey{SerialNumber: args[0], ProjectName: args[1]})
		if err != nil {
			return err
		}
		items, err := a.store.ListQueueItems(ctx, storage.QueueFilter{RecordID: rec.ID, Limit: 20})
		if err != nil {
			return err
		}
		events, err := a.store.ListChangeEvents(ctx, rec.ID)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			return outputJSON(out, struct {
				Record  *types.Record       `json:"record"`
				Items   []*types.QueueItem  `json:"queue_items"`
				History []types.ChangeEvent `json:"history"`
			}{rec, items, events})
		}

		fmt.Fprintf(out, "%s %s\n", ui.RenderAccent(rec.Key().String()), ui.RenderSyncStatus(rec.SyncStatus))
		fmt.Fprintf(out, "  status:   %s\n", rec.Status)
		fmt.Fprintf(out, "  severity: %d\n", rec.Severity)
		if rec.RemoteURL != "" {
			fmt.Fprintf(out, "  remote:   %s (%s)\n", rec.RemoteURL, rec.RemoteProgress)
		}
		if rec.LastSyncError != "" {
			fmt.Fprintf(out, "  error:    %s\n", ui.RenderFail(rec.LastSyncError))
		}
		if len(items) > 0 {
			fmt.Fprintln(out, ui.RenderCategory("Queue"))
			for _, it := range items {
				fmt.Fprintf(out, "  #%-6d %-14s %-10s p%d retries %d/%d %s\n",
					it.ID, it.Action, it.Status, it.Priority, it.RetryCount, it.MaxRetries,
					ui.RenderMuted(ui.Truncate(it.ErrorMessage, 60)))
			}
		}
		if len(events) > 0 {
			fmt.Fprintln(out, ui.RenderCategory("History"))
			for _, ev := range events {
				fmt.Fprintf(out, "  %s %-6s %-16s %q -> %q\n",
					ev.CreatedAt.Format(time.DateTime), ev.Origin, ev.Field,
					ui.Truncate(ev.OldValue, 30), ui.Truncate(ev.NewValue, 30))
			}
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().Bool("failed", false, "Also list records whose last sync failed")
	statsCmd.Flags().Int("days", 7, "Number of days to include")

	rootCmd.AddCommand(statusCmd, statsCmd, showCmd)
}
