package ui

import (
	"fmt"
	"io"
	"strings"

	"github.com/issuebridge/issuebridge/internal/types"
)

type renderFunc func(string) string

// queueStyle picks the color for a queue status.
func queueStyle(s types.QueueStatus) renderFunc {
	switch s {
	case types.QueueCompleted:
		return RenderPass
	case types.QueueRetry, types.QueueProcessing:
		return RenderWarn
	case types.QueueFailed:
		return RenderFail
	}
	return RenderAccent
}

// RenderSyncStatus colors a record's sync status.
func RenderSyncStatus(s types.SyncStatus) string {
	switch s {
	case types.SyncSynced:
		return RenderPass(IconPass + " " + string(s))
	case types.SyncFailed:
		return RenderFail(IconFail + " " + string(s))
	case types.SyncUpdated:
		return RenderWarn(IconWarn + " " + string(s))
	}
	return RenderMuted(IconSkip + " " + string(s))
}

// WriteQueueSummary prints one row per action with a column per queue
// status, followed by a totals row. Zero counts are muted.
func WriteQueueSummary(w io.Writer, sum *types.QueueSummary) error {
	if sum == nil {
		sum = &types.QueueSummary{}
	}
	const actionWidth = 14
	const cellWidth = 11

	var b strings.Builder
	b.WriteString(RenderCategory("Queue") + "\n")
	b.WriteString(pad("", actionWidth))
	for _, st := range types.QueueStatuses {
		b.WriteString(pad(queueStyle(st)(string(st)), cellWidth, len(st)))
	}
	b.WriteString("\n")

	row := func(label string, counts map[types.QueueStatus]int) {
		b.WriteString(pad(label, actionWidth))
		for _, st := range types.QueueStatuses {
			n := fmt.Sprintf("%d", counts[st])
			cell := n
			if counts[st] == 0 {
				cell = RenderMuted(n)
			}
			b.WriteString(pad(cell, cellWidth, len(n)))
		}
		b.WriteString("\n")
	}
	for _, a := range types.Actions {
		row(string(a), sum.ByAction[a])
	}
	b.WriteString(RenderSeparator() + "\n")
	row("total", sum.ByStatus)

	_, err := io.WriteString(w, b.String())
	return err
}

// WriteStats prints per-day outcome counts and mean processing time.
func WriteStats(w io.Writer, stats []types.DailyStat) error {
	var b strings.Builder
	b.WriteString(RenderCategory("Processing") + "\n")
	if len(stats) == 0 {
		b.WriteString(RenderMuted("no attempts recorded") + "\n")
	}
	for _, s := range stats {
		ok := fmt.Sprintf("%s %d", IconPass, s.SuccessCount)
		bad := fmt.Sprintf("%s %d", IconFail, s.FailureCount)
		if s.FailureCount > 0 {
			bad = RenderFail(bad)
		} else {
			bad = RenderMuted(bad)
		}
		fmt.Fprintf(&b, "%s  %-14s %s  %s  %s\n",
			s.Date, s.Action, RenderPass(ok), bad,
			RenderMuted("avg "+s.AvgProcessingTime().String()))
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// Truncate shortens s to at most n runes, ending with "...".
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}

// pad right-pads s to width. visible is the printable length when s
// carries escape sequences.
func pad(s string, width int, visible ...int) string {
	n := len([]rune(s))
	if len(visible) > 0 {
		n = visible[0]
	}
	if n >= width {
		return s + " "
	}
	return s + strings.Repeat(" ", width-n)
}
