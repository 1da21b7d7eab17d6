package ui

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/issuebridge/issuebridge/internal/types"
)

func TestWriteQueueSummary(t *testing.T) {
	sum := &types.QueueSummary{
		ByStatus: map[types.QueueStatus]int{types.QueuePending: 2, types.QueueFailed: 1},
		ByAction: map[types.Action]map[types.QueueStatus]int{
			types.ActionCreate: {types.QueuePending: 2},
			types.ActionClose:  {types.QueueFailed: 1},
		},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteQueueSummary(&buf, sum))
	out := buf.String()
	for _, want := range []string{"QUEUE", "create", "sync_progress", "total", "pending", "failed"} {
		assert.Contains(t, out, want)
	}
}

func TestWriteQueueSummaryNil(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteQueueSummary(&buf, nil))
	assert.Contains(t, buf.String(), "total")
}

func TestWriteStats(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteStats(&buf, nil))
	assert.Contains(t, buf.String(), "no attempts recorded")

	buf.Reset()
	require.NoError(t, WriteStats(&buf, []types.DailyStat{{
		Date: "2026-10-01", Action: types.ActionCreate,
		SuccessCount: 3, FailureCount: 1, TotalDurationMs: 4000,
	}}))
	assert.Contains(t, buf.String(), "2026-10-01")
	assert.Contains(t, buf.String(), "avg "+time.Second.String())
}

func TestRenderSyncStatus(t *testing.T) {
	for _, s := range []types.SyncStatus{types.SyncPending, types.SyncSynced, types.SyncFailed, types.SyncUpdated} {
		assert.Contains(t, RenderSyncStatus(s), string(s))
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "abcd...", Truncate("abcdefghij", 7))
	assert.Equal(t, "漏水...", Truncate("漏水严重需要处理", 5))
	assert.Equal(t, "ab", Truncate("abcdef", 2))
}
