package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/issuebridge/issuebridge/internal/storage"
	"github.com/issuebridge/issuebridge/internal/types"
)

const queueTable = "sync_queue"

var queueColumns = []string{
	"id", "record_id", "action", "status", "priority", "retry_count", "max_retries",
	"created_at", "scheduled_at", "claimed_at", "claim_token", "processed_at",
	"error_message", "metadata", "rerun",
}

// claimable are the statuses ClaimBatch may move to processing.
var claimable = []string{string(types.QueuePending), string(types.QueueRetry)}

// activeSlot is the unique value held by the single active item of a
// (record, action) pair. Finished items release it by setting NULL.
func activeSlot(recordID int64, action types.Action) string {
	return strconv.FormatInt(recordID, 10) + ":" + string(action)
}

type queueRow struct {
	item  *types.QueueItem
	rerun bool
}

func scanQueueItem(row scanner) (*queueRow, error) {
	var (
		it                              types.QueueItem
		action, status, metaRaw         string
		created, scheduled              sql.NullString
		claimed, processed, claimTokenN sql.NullString
		rerun                           int
	)
	if err := row.Scan(&it.ID, &it.RecordID, &action, &status, &it.Priority, &it.RetryCount, &it.MaxRetries,
		&created, &scheduled, &claimed, &claimTokenN, &processed,
		&it.ErrorMessage, &metaRaw, &rerun); err != nil {
		return nil, err
	}
	it.Action = types.Action(action)
	it.Status = types.QueueStatus(status)
	it.ClaimToken = claimTokenN.String

	var err error
	if it.CreatedAt, err = mustTS(created); err != nil {
		return nil, err
	}
	if it.ScheduledAt, err = mustTS(scheduled); err != nil {
		return nil, err
	}
	if it.ClaimedAt, err = parseTS(claimed); err != nil {
		return nil, err
	}
	if it.ProcessedAt, err = parseTS(processed); err != nil {
		return nil, err
	}
	if metaRaw != "" && metaRaw != "{}" {
		if err := json.Unmarshal([]byte(metaRaw), &it.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for queue item %d: %w", it.ID, err)
		}
	}
	return &queueRow{item: &it, rerun: rerun != 0}, nil
}

func encodeMetadata(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	b, _ := json.Marshal(m)
	return string(b)
}

func (s *Store) listQueue(ctx context.Context, q queryer, b sq.SelectBuilder) ([]*queueRow, error) {
	rows, err := s.query(ctx, q, b)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*queueRow
	for rows.Next() {
		r, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) getQueueRow(ctx context.Context, q queryer, id int64) (*queueRow, error) {
	rows, err := s.listQueue(ctx, q, s.sb.Select(queueColumns...).From(queueTable).Where(sq.Eq{"id": id}))
	if err != nil {
		return nil, fmt.Errorf("get queue item %d: %w", id, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("queue item %d: %w", id, storage.ErrNotFound)
	}
	return rows[0], nil
}

// GetQueueItem returns one queue item.
func (s *Store) GetQueueItem(ctx context.Context, id int64) (*types.QueueItem, error) {
	r, err := s.getQueueRow(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	return r.item, nil
}

// Enqueue is a dedup-upsert on (record, action). When an active item
// exists its priority is lowered to min(existing, new) and, if that
// improved the priority, a future scheduled_at is pulled forward to now.
// Merging into an item that is already processing flags it for a rerun so
// the newer state is not lost. The boolean reports whether a row was
// inserted.
func (s *Store) Enqueue(ctx context.Context, p storage.EnqueueParams) (*types.QueueItem, bool, error) {
	if !p.Action.IsValid() {
		return nil, false, fmt.Errorf("invalid action %q", p.Action)
	}
	now := truncate(p.Now)
	slot := activeSlot(p.RecordID, p.Action)

	var (
		item    *types.QueueItem
		created bool
		err     error
	)
	for attempt := 0; attempt < 2; attempt++ {
		err = s.runInTx(ctx, func(tx *sql.Tx) error {
			var txErr error
			item, created, txErr = s.enqueueTx(ctx, tx, p, slot, now)
			return txErr
		})
		// Lost an insert race on active_slot; the retry merges instead.
		if !isDuplicateKeyError(err) {
			break
		}
	}
	if err != nil {
		return nil, false, fmt.Errorf("enqueue %s for record %d: %w", p.Action, p.RecordID, err)
	}
	return item, created, nil
}

func (s *Store) enqueueTx(ctx context.Context, tx *sql.Tx, p storage.EnqueueParams, slot string, now time.Time) (*types.QueueItem, bool, error) {
	existing, err := s.listQueue(ctx, tx, s.sb.Select(queueColumns...).From(queueTable).Where(sq.Eq{"active_slot": slot}))
	if err != nil {
		return nil, false, err
	}

	if len(existing) == 0 {
		res, err := s.exec(ctx, tx, s.sb.Insert(queueTable).SetMap(map[string]any{
			"record_id":     p.RecordID,
			"action":        string(p.Action),
			"status":        string(types.QueuePending),
			"priority":      p.Priority,
			"retry_count":   0,
			"max_retries":   p.MaxRetries,
			"created_at":    ts(now),
			"scheduled_at":  ts(now),
			"error_message": "",
			"metadata":      encodeMetadata(p.Metadata),
			"rerun":         0,
			"active_slot":   slot,
		}))
		if err != nil {
			return nil, false, err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, false, err
		}
		row, err := s.getQueueRow(ctx, tx, id)
		if err != nil {
			return nil, false, err
		}
		return row.item, true, nil
	}

	cur := existing[0].item
	set := map[string]any{}
	if p.Priority < cur.Priority {
		set["priority"] = p.Priority
		if cur.Status != types.QueueProcessing && cur.ScheduledAt.After(now) {
			set["scheduled_at"] = ts(now)
		}
	}
	if cur.Status == types.QueueProcessing && !existing[0].rerun {
		set["rerun"] = 1
	}
	if len(set) == 0 {
		return cur, false, nil
	}
	if _, err := s.exec(ctx, tx, s.sb.Update(queueTable).SetMap(set).Where(sq.Eq{"id": cur.ID})); err != nil {
		return nil, false, err
	}
	row, err := s.getQueueRow(ctx, tx, cur.ID)
	if err != nil {
		return nil, false, err
	}
	return row.item, false, nil
}

// ClaimBatch moves up to Limit ready items to processing. Each row is
// taken with a conditional update on its current status, so concurrent
// claimers never both win the same row. Items whose record already has a
// processing item are skipped, and at most one item per record is taken
// per batch.
func (s *Store) ClaimBatch(ctx context.Context, p storage.ClaimParams) ([]*types.QueueItem, error) {
	now := truncate(p.Now)
	if p.ItemID != 0 {
		it, err := s.claimOne(ctx, p.ItemID, now)
		if err != nil || it == nil {
			return nil, err
		}
		return []*types.QueueItem{it}, nil
	}
	if p.Limit <= 0 {
		return nil, nil
	}

	candidates, err := s.listQueue(ctx, s.db, s.sb.Select(queueColumns...).From(queueTable).
		Where(sq.Eq{"status": claimable}).
		Where(sq.LtOrEq{"priority": p.MaxPriority}).
		Where(sq.LtOrEq{"scheduled_at": ts(now)}).
		Where(notBusy()).
		OrderBy("priority", "created_at", "id").
		Limit(uint64(p.Limit*4)))
	if err != nil {
		return nil, fmt.Errorf("select claim candidates: %w", err)
	}

	var claimed []*types.QueueItem
	seen := make(map[int64]bool)
	for _, c := range candidates {
		if len(claimed) >= p.Limit {
			break
		}
		if seen[c.item.RecordID] {
			continue
		}
		it, err := s.claimOne(ctx, c.item.ID, now)
		if err != nil {
			return claimed, err
		}
		if it == nil {
			continue
		}
		seen[it.RecordID] = true
		claimed = append(claimed, it)
	}
	return claimed, nil
}

// notBusy excludes records that already have a processing item. The
// derived table lets MySQL evaluate it inside an UPDATE of the same table.
func notBusy() sq.Sqlizer {
	return sq.Expr("record_id NOT IN (SELECT record_id FROM (SELECT record_id FROM "+queueTable+
		" WHERE status = ?) AS busy)", string(types.QueueProcessing))
}

// claimOne takes one ready item. It returns nil without error when the item
// is not claimable: another claimer got there first, it is scheduled in the
// future, or its record already has a processing item.
func (s *Store) claimOne(ctx context.Context, id int64, now time.Time) (*types.QueueItem, error) {
	token := uuid.NewString()
	res, err := s.exec(ctx, s.db, s.sb.Update(queueTable).
		Set("status", string(types.QueueProcessing)).
		Set("claim_token", token).
		Set("claimed_at", ts(now)).
		Set("rerun", 0).
		Where(sq.Eq{"id": id, "status": claimable}).
		Where(sq.LtOrEq{"scheduled_at": ts(now)}).
		Where(notBusy()))
	if err != nil {
		return nil, fmt.Errorf("claim queue item %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("claim queue item %d: %w", id, err)
	}
	if n != 1 {
		return nil, nil
	}
	row, err := s.getQueueRow(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if row.item.ClaimToken != token {
		return nil, nil
	}
	return row.item, nil
}

// ownedRow loads an item and checks the caller still holds its claim.
func (s *Store) ownedRow(ctx context.Context, id int64, token string) (*queueRow, error) {
	row, err := s.getQueueRow(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if row.item.Status != types.QueueProcessing || row.item.ClaimToken != token {
		return nil, fmt.Errorf("queue item %d is %s: %w", id, row.item.Status, storage.ErrStaleClaim)
	}
	return row, nil
}

// claimGuard restricts an update to the exact state ownedRow observed.
func claimGuard(id int64, token string, rerun bool) sq.Eq {
	r := 0
	if rerun {
		r = 1
	}
	return sq.Eq{"id": id, "status": string(types.QueueProcessing), "claim_token": token, "rerun": r}
}

// guardedUpdate runs ub and reports whether the guard still matched.
func (s *Store) guardedUpdate(ctx context.Context, ub sq.UpdateBuilder) (bool, error) {
	res, err := s.exec(ctx, s.db, ub)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CompleteItem finishes a claimed item. If work was merged into it while
// processing, the item goes back to pending instead.
func (s *Store) CompleteItem(ctx context.Context, id int64, token string, now time.Time) (*storage.CompleteResult, error) {
	now = truncate(now)
	// The rerun flag can flip between read and write; one re-read settles it.
	for attempt := 0; attempt < 2; attempt++ {
		row, err := s.ownedRow(ctx, id, token)
		if err != nil {
			return nil, err
		}
		ub := s.sb.Update(queueTable).Where(claimGuard(id, token, row.rerun))
		if row.rerun {
			ub = ub.Set("status", string(types.QueuePending)).
				Set("rerun", 0).
				Set("claim_token", nil).
				Set("claimed_at", nil).
				Set("scheduled_at", ts(now))
		} else {
			ub = ub.Set("status", string(types.QueueCompleted)).
				Set("processed_at", ts(now)).
				Set("error_message", "").
				Set("active_slot", nil)
		}
		ok, err := s.guardedUpdate(ctx, ub)
		if err != nil {
			return nil, fmt.Errorf("complete queue item %d: %w", id, err)
		}
		if ok {
			return &storage.CompleteResult{Requeued: row.rerun}, nil
		}
	}
	return nil, fmt.Errorf("queue item %d changed during completion: %w", id, storage.ErrStaleClaim)
}

// FailItem records a failed attempt. Retryable failures below the retry
// limit are rescheduled with backoff; everything else is terminal, except
// that a permanent failure of an item with merged newer work is retried
// once more from pending.
func (s *Store) FailItem(ctx context.Context, id int64, token string, p storage.FailParams) (*types.QueueItem, error) {
	now := truncate(p.Now)
	for attempt := 0; attempt < 2; attempt++ {
		row, err := s.ownedRow(ctx, id, token)
		if err != nil {
			return nil, err
		}
		it := row.item
		ub := s.sb.Update(queueTable).
			Set("error_message", p.Error).
			Where(claimGuard(id, token, row.rerun))
		switch {
		case p.Retryable && it.RetryCount < it.MaxRetries:
			delay := time.Duration(0)
			if p.Backoff != nil {
				delay = p.Backoff(it.RetryCount)
			}
			ub = ub.Set("status", string(types.QueueRetry)).
				Set("retry_count", it.RetryCount+1).
				Set("scheduled_at", ts(now.Add(delay))).
				Set("claim_token", nil).
				Set("claimed_at", nil).
				Set("rerun", 0)
		case row.rerun:
			ub = ub.Set("status", string(types.QueuePending)).
				Set("scheduled_at", ts(now)).
				Set("claim_token", nil).
				Set("claimed_at", nil).
				Set("rerun", 0)
		default:
			ub = ub.Set("status", string(types.QueueFailed)).
				Set("processed_at", ts(now)).
				Set("active_slot", nil)
		}
		ok, err := s.guardedUpdate(ctx, ub)
		if err != nil {
			return nil, fmt.Errorf("fail queue item %d: %w", id, err)
		}
		if ok {
			return s.GetQueueItem(ctx, id)
		}
	}
	return nil, fmt.Errorf("queue item %d changed during failure: %w", id, storage.ErrStaleClaim)
}

// ReleaseItem hands a claimed item back without counting an attempt. It
// returns to retry when it has failed before and to pending otherwise, due
// at now.
func (s *Store) ReleaseItem(ctx context.Context, id int64, token string, now time.Time) (*types.QueueItem, error) {
	now = truncate(now)
	for attempt := 0; attempt < 2; attempt++ {
		row, err := s.ownedRow(ctx, id, token)
		if err != nil {
			return nil, err
		}
		status := types.QueuePending
		if row.item.RetryCount > 0 {
			status = types.QueueRetry
		}
		ok, err := s.guardedUpdate(ctx, s.sb.Update(queueTable).
			Set("status", string(status)).
			Set("scheduled_at", ts(now)).
			Set("claim_token", nil).
			Set("claimed_at", nil).
			Set("rerun", 0).
			Where(claimGuard(id, token, row.rerun)))
		if err != nil {
			return nil, fmt.Errorf("release queue item %d: %w", id, err)
		}
		if ok {
			return s.GetQueueItem(ctx, id)
		}
	}
	return nil, fmt.Errorf("queue item %d changed during release: %w", id, storage.ErrStaleClaim)
}

// CancelActive finishes not-yet-claimed items of one (record, action) with
// reason recorded as their error message. Processing items are left to
// finish.
func (s *Store) CancelActive(ctx context.Context, recordID int64, action types.Action, reason string, now time.Time) (int, error) {
	res, err := s.exec(ctx, s.db, s.sb.Update(queueTable).
		Set("status", string(types.QueueCompleted)).
		Set("processed_at", ts(truncate(now))).
		Set("error_message", reason).
		Set("active_slot", nil).
		Where(sq.Eq{"record_id": recordID, "action": string(action), "status": claimable}))
	if err != nil {
		return 0, fmt.Errorf("cancel %s for record %d: %w", action, recordID, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ReapStale recovers items stuck in processing since before claimedBefore.
func (s *Store) ReapStale(ctx context.Context, claimedBefore, now time.Time) (*storage.ReapResult, error) {
	now = truncate(now)
	stuck, err := s.listQueue(ctx, s.db, s.sb.Select(queueColumns...).From(queueTable).
		Where(sq.Eq{"status": string(types.QueueProcessing)}).
		Where(sq.Lt{"claimed_at": ts(claimedBefore)}).
		OrderBy("id"))
	if err != nil {
		return nil, fmt.Errorf("select stuck items: %w", err)
	}
	result := &storage.ReapResult{}
	for _, row := range stuck {
		it := row.item
		ub := s.sb.Update(queueTable).
			Set("error_message", "lease expired").
			Where(claimGuard(it.ID, it.ClaimToken, row.rerun))
		if it.RetryCount < it.MaxRetries {
			ub = ub.Set("status", string(types.QueueRetry)).
				Set("retry_count", it.RetryCount+1).
				Set("scheduled_at", ts(now)).
				Set("claim_token", nil).
				Set("claimed_at", nil).
				Set("rerun", 0)
		} else {
			ub = ub.Set("status", string(types.QueueFailed)).
				Set("processed_at", ts(now)).
				Set("active_slot", nil)
		}
		ok, err := s.guardedUpdate(ctx, ub)
		if err != nil {
			return result, fmt.Errorf("reap queue item %d: %w", it.ID, err)
		}
		if !ok {
			// Finished by its processor in the meantime.
			continue
		}
		if it.RetryCount < it.MaxRetries {
			result.Requeued++
		} else {
			result.Failed++
		}
		s.log.Warn("reaped stuck queue item", "item", it.ID, "record", it.RecordID, "action", it.Action,
			"claimed_at", it.ClaimedAt, "retry_count", it.RetryCount)
	}
	return result, nil
}

// DeleteFinishedItems removes completed and failed items finished before the cutoff.
func (s *Store) DeleteFinishedItems(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.exec(ctx, s.db, s.sb.Delete(queueTable).
		Where(sq.Eq{"status": []string{string(types.QueueCompleted), string(types.QueueFailed)}}).
		Where(sq.Or{
			sq.Lt{"processed_at": ts(before)},
			sq.And{sq.Eq{"processed_at": nil}, sq.Lt{"created_at": ts(before)}},
		}))
	if err != nil {
		return 0, fmt.Errorf("delete finished queue items: %w", err)
	}
	return res.RowsAffected()
}

// ListQueueItems lists items newest first.
func (s *Store) ListQueueItems(ctx context.Context, filter storage.QueueFilter) ([]*types.QueueItem, error) {
	b := s.sb.Select(queueColumns...).From(queueTable).OrderBy("id DESC")
	if filter.RecordID != 0 {
		b = b.Where(sq.Eq{"record_id": filter.RecordID})
	}
	if len(filter.Status) > 0 {
		statuses := make([]string, len(filter.Status))
		for i, st := range filter.Status {
			statuses[i] = string(st)
		}
		b = b.Where(sq.Eq{"status": statuses})
	}
	if filter.Action != "" {
		b = b.Where(sq.Eq{"action": string(filter.Action)})
	}
	if filter.Limit > 0 {
		b = b.Limit(uint64(filter.Limit))
	}
	rows, err := s.listQueue(ctx, s.db, b)
	if err != nil {
		return nil, fmt.Errorf("list queue items: %w", err)
	}
	items := make([]*types.QueueItem, len(rows))
	for i, r := range rows {
		items[i] = r.item
	}
	return items, nil
}

// QueueSummary counts items grouped by action and status.
func (s *Store) QueueSummary(ctx context.Context) (*types.QueueSummary, error) {
	rows, err := s.query(ctx, s.db, s.sb.Select("action", "status", "COUNT(*)").From(queueTable).GroupBy("action", "status"))
	if err != nil {
		return nil, fmt.Errorf("summarize queue: %w", err)
	}
	defer rows.Close()
	sum := &types.QueueSummary{
		ByStatus: make(map[types.QueueStatus]int),
		ByAction: make(map[types.Action]map[types.QueueStatus]int),
	}
	for rows.Next() {
		var action, status string
		var n int
		if err := rows.Scan(&action, &status, &n); err != nil {
			return nil, err
		}
		a, st := types.Action(action), types.QueueStatus(status)
		sum.ByStatus[st] += n
		if sum.ByAction[a] == nil {
			sum.ByAction[a] = make(map[types.QueueStatus]int)
		}
		sum.ByAction[a][st] += n
	}
	if err := rows.Err(); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return sum, nil
}
