package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/issuebridge/issuebridge/internal/audit"
	"github.com/issuebridge/issuebridge/internal/detector"
	"github.com/issuebridge/issuebridge/internal/processor"
	"github.com/issuebridge/issuebridge/internal/queue"
	"github.com/issuebridge/issuebridge/internal/storage"
	"github.com/issuebridge/issuebridge/internal/syncer"
	"github.com/issuebridge/issuebridge/internal/testutil/teststore"
	"github.com/issuebridge/issuebridge/internal/tracker"
	"github.com/issuebridge/issuebridge/internal/tracker/trackertest"
	"github.com/issuebridge/issuebridge/internal/types"
)

type harness struct {
	env  *teststore.Env
	fake *trackertest.Fake
	q    *queue.Queue
	proc *processor.Processor
	det  *detector.Detector
}

func newHarness(t *testing.T) *harness {
	env := teststore.NewEnv(t)
	fake := trackertest.New()
	log := env.Logger()
	q := queue.New(env.Store, queue.WithClock(env.Clock()), queue.WithLogger(log))
	s := syncer.New(env.Store, fake, syncer.WithClock(env.Clock()), syncer.WithLogger(log))
	return &harness{
		env:  env,
		fake: fake,
		q:    q,
		proc: processor.New(env.Store, q, s, processor.WithLogger(log)),
		det:  detector.New(env.Store, q, detector.WithLogger(log)),
	}
}

func (h *harness) service(opts ...Option) *Service {
	base := []Option{
		WithClock(h.env.Clock()),
		WithLogger(h.env.Logger()),
		WithRecorder(audit.NewRecorder(h.env.Store, nil, h.env.Logger())),
	}
	return New(h.env.Store, h.q, h.det, append(base, opts...)...)
}

var alpha17 = types.NaturalKey{SerialNumber: "17", ProjectName: "Alpha"}

func TestUpsertRecordInsertEnqueuesCreate(t *testing.T) {
	h := newHarness(t)
	svc := h.service()

	out, err := svc.UpsertRecord(h.env.Ctx, alpha17, Fields{
		Description: "  login page crash ",
		Severity:    3,
		Status:      "O",
	})
	require.NoError(t, err)
	assert.Equal(t, storage.UpsertInserted, out.Result)
	assert.True(t, out.Changed())
	assert.Equal(t, "login page crash", out.Record.Description)
	assert.Equal(t, types.StatusOpen, out.Record.Status)
	assert.Equal(t, types.SyncPending, out.Record.SyncStatus)
	assert.Empty(t, out.Immediate)

	require.NotNil(t, out.Item)
	assert.Equal(t, types.ActionCreate, out.Item.Action)
	assert.Equal(t, queue.PriorityFor(types.ActionCreate, 3), out.Item.Priority)

	events, err := h.env.Store.ListChangeEvents(h.env.Ctx, out.Record.ID)
	require.NoError(t, err)
	var fields []string
	for _, ev := range events {
		assert.Equal(t, types.OriginLocal, ev.Origin)
		assert.Empty(t, ev.OldValue)
		fields = append(fields, ev.Field)
	}
	assert.ElementsMatch(t, []string{"description", "project_name", "severity", "status"}, fields)
}

func TestUpsertRecordUnchangedWritesNothing(t *testing.T) {
	h := newHarness(t)
	svc := h.service()
	fields := Fields{Description: "login page crash", Status: "open"}

	first, err := svc.UpsertRecord(h.env.Ctx, alpha17, fields)
	require.NoError(t, err)
	h.env.Advance(time.Second)

	again, err := svc.UpsertRecord(h.env.Ctx, alpha17, fields)
	require.NoError(t, err)
	assert.Equal(t, storage.UpsertUnchanged, again.Result)
	assert.False(t, again.Changed())
	assert.Nil(t, again.Item)
	assert.True(t, again.Record.UpdatedAt.Equal(first.Record.UpdatedAt))

	items := h.env.Items(first.Record.ID)
	assert.Len(t, items, 1, "a repeated upload must not queue more work")
}

func TestUpsertRecordCloseOfLinkedRecord(t *testing.T) {
	h := newHarness(t)
	svc := h.service()

	out, err := svc.UpsertRecord(h.env.Ctx, alpha17, Fields{Description: "login page crash"})
	require.NoError(t, err)
	h.env.Link(out.Record.ID, 9, trackertest.URL(9))
	_, err = h.q.Supersede(h.env.Ctx, out.Record.ID, types.ActionCreate, "linked by test")
	require.NoError(t, err)

	closed, err := svc.UpsertRecord(h.env.Ctx, alpha17, Fields{Description: "login page crash", Status: "C", Resolution: "fixed"})
	require.NoError(t, err)
	assert.Equal(t, storage.UpsertUpdated, closed.Result)
	assert.Equal(t, types.StatusClosed, closed.Record.Status)
	assert.Equal(t, types.SyncUpdated, closed.Record.SyncStatus)
	assert.Equal(t, types.OpUpdate, closed.Record.OperationType)
	require.NotNil(t, closed.Item)
	assert.Equal(t, types.ActionClose, closed.Item.Action)
}

func TestUpsertRecordClosedUnlinkedNeedsNothing(t *testing.T) {
	h := newHarness(t)
	out, err := h.service().UpsertRecord(h.env.Ctx, alpha17, Fields{Status: "resolved"})
	require.NoError(t, err)
	assert.Equal(t, storage.UpsertInserted, out.Result)
	assert.Nil(t, out.Item)
	h.env.AssertQueueEmpty(out.Record.ID)
}

func TestUpsertRecordRejectsInvalidRows(t *testing.T) {
	h := newHarness(t)
	svc := h.service()

	tests := []struct {
		name   string
		key    types.NaturalKey
		fields Fields
	}{
		{"missing serial", types.NaturalKey{ProjectName: "Alpha"}, Fields{}},
		{"missing project", types.NaturalKey{SerialNumber: "1", ProjectName: "  "}, Fields{}},
		{"unknown status", alpha17, Fields{Status: "archived"}},
		{"severity out of range", alpha17, Fields{Severity: 12}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := svc.UpsertRecord(h.env.Ctx, tt.key, tt.fields)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidRow)
			assert.Nil(t, out)
		})
	}
	recs, err := h.env.Store.ListRecords(h.env.Ctx, storage.RecordFilter{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

type integrityStore struct {
	storage.Storage
}

func (integrityStore) UpsertRecord(context.Context, *types.Record, time.Time) (*storage.UpsertResult, error) {
	return nil, fmt.Errorf("%w: 2 rows share key 17/Alpha", storage.ErrDataIntegrity)
}

func TestUpsertRecordPropagatesIntegrityErrors(t *testing.T) {
	h := newHarness(t)
	store := integrityStore{Storage: h.env.Store}
	q := queue.New(store, queue.WithClock(h.env.Clock()))
	svc := New(store, q, detector.New(store, q), WithLogger(h.env.Logger()))

	_, err := svc.UpsertRecord(h.env.Ctx, alpha17, Fields{})
	assert.ErrorIs(t, err, storage.ErrDataIntegrity)
}

func TestUpsertRecordImmediateSync(t *testing.T) {
	h := newHarness(t)
	svc := h.service(WithImmediate(h.proc))

	out, err := svc.UpsertRecord(h.env.Ctx, alpha17, Fields{Description: "login page crash"})
	require.NoError(t, err)
	assert.Equal(t, processor.OutcomeCompleted, out.Immediate)
	assert.Equal(t, 1, h.fake.Calls(trackertest.OpCreate))
	assert.Equal(t, types.SyncSynced, out.Record.SyncStatus)
	assert.NotZero(t, out.Record.RemoteID)
	h.env.AssertQueueEmpty(out.Record.ID)
}

func TestUpsertRecordImmediateFailureStaysQueued(t *testing.T) {
	h := newHarness(t)
	svc := h.service(WithImmediate(h.proc))
	h.fake.FailNext(trackertest.OpCreate, tracker.Unavailable("create issue", errors.New("connection refused")))

	out, err := svc.UpsertRecord(h.env.Ctx, alpha17, Fields{Description: "login page crash"})
	require.NoError(t, err)
	assert.Equal(t, processor.OutcomeRetried, out.Immediate)
	require.Len(t, h.env.Items(out.Record.ID, types.QueueRetry), 1)
	assert.Equal(t, types.SyncPending, out.Record.SyncStatus)
}

func TestImportJSONL(t *testing.T) {
	h := newHarness(t)
	svc := h.service()
	input := strings.Join([]string{
		`{"serial_number":"1","project_name":"Alpha","description":"crash on save","status":"O"}`,
		``,
		`{"serial_number":"2","project_name":"Alpha","description":"typo","status":"R"}`,
		`{not json`,
		`{"serial_number":"3","project_name":"Alpha","status":"archived"}`,
		`{"serial_number":"1","project_name":"Alpha","description":"crash on save","status":"o"}`,
	}, "\n")

	res, err := svc.ImportJSONL(h.env.Ctx, strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, 0, res.Updated)
	assert.Equal(t, 1, res.Unchanged)
	assert.Equal(t, 1, res.Enqueued, "the resolved row needs no remote issue")
	require.Len(t, res.Errors, 2)
	assert.Equal(t, 4, res.Errors[0].Line)
	assert.Equal(t, 5, res.Errors[1].Line)
	assert.Equal(t, "3/Alpha", res.Errors[1].Key)

	rec, err := h.env.Store.GetRecordByKey(h.env.Ctx, types.NaturalKey{SerialNumber: "2", ProjectName: "Alpha"})
	require.NoError(t, err)
	assert.Equal(t, types.StatusResolved, rec.Status)
}

func TestImportJSONLStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(h.env.Ctx)
	cancel()
	_, err := h.service().ImportJSONL(ctx, strings.NewReader(`{"serial_number":"1","project_name":"Alpha"}`))
	assert.ErrorIs(t, err, context.Canceled)
}
