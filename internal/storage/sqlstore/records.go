package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/issuebridge/issuebridge/internal/fingerprint"
	"github.com/issuebridge/issuebridge/internal/storage"
	"github.com/issuebridge/issuebridge/internal/types"
)

const recordsTable = "records"

var recordColumns = []string{
	"id", "serial_number", "project_name", "category", "severity", "description",
	"resolution", "action_priority", "action_record", "initiator", "owner", "status",
	"remarks", "start_time", "target_completion", "actual_completion", "created_at",
	"updated_at", "remote_id", "remote_url", "remote_labels", "remote_progress",
	"sync_status", "last_sync_time", "content_hash", "synced_hash", "operation_type",
	"last_sync_error",
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*types.Record, error) {
	var (
		r                                     types.Record
		status, syncStatus, opType, labelsRaw string
		start, target, actual, lastSync       sql.NullString
		created, updated                      sql.NullString
	)
	if err := row.Scan(
		&r.ID, &r.SerialNumber, &r.ProjectName, &r.Category, &r.Severity, &r.Description,
		&r.Resolution, &r.ActionPriority, &r.ActionRecord, &r.Initiator, &r.Owner, &status,
		&r.Remarks, &start, &target, &actual, &created,
		&updated, &r.RemoteID, &r.RemoteURL, &labelsRaw, &r.RemoteProgress,
		&syncStatus, &lastSync, &r.ContentHash, &r.SyncedHash, &opType,
		&r.LastSyncError,
	); err != nil {
		return nil, err
	}
	r.Status = types.Status(status)
	r.SyncStatus = types.SyncStatus(syncStatus)
	r.OperationType = types.OperationType(opType)

	var err error
	if r.StartTime, err = parseTS(start); err != nil {
		return nil, err
	}
	if r.TargetCompletion, err = parseTS(target); err != nil {
		return nil, err
	}
	if r.ActualCompletion, err = parseTS(actual); err != nil {
		return nil, err
	}
	if r.LastSyncTime, err = parseTS(lastSync); err != nil {
		return nil, err
	}
	if r.CreatedAt, err = mustTS(created); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = mustTS(updated); err != nil {
		return nil, err
	}
	if labelsRaw != "" {
		if err := json.Unmarshal([]byte(labelsRaw), &r.RemoteLabels); err != nil {
			return nil, fmt.Errorf("decode remote_labels for record %d: %w", r.ID, err)
		}
	}
	return &r, nil
}

func encodeLabels(labels []string) string {
	if len(labels) == 0 {
		return "[]"
	}
	sorted := slices.Clone(labels)
	sort.Strings(sorted)
	sorted = slices.Compact(sorted)
	b, _ := json.Marshal(sorted)
	return string(b)
}

// contentColumns maps the upload-owned columns of r.
func contentColumns(r *types.Record) map[string]any {
	return map[string]any{
		"category":          r.Category,
		"severity":          r.Severity,
		"description":       r.Description,
		"resolution":        r.Resolution,
		"action_priority":   r.ActionPriority,
		"action_record":     r.ActionRecord,
		"initiator":         r.Initiator,
		"owner":             r.Owner,
		"status":            string(r.Status),
		"remarks":           r.Remarks,
		"start_time":        nullTS(r.StartTime),
		"target_completion": nullTS(r.TargetCompletion),
		"actual_completion": nullTS(r.ActualCompletion),
	}
}

// sameContent compares every upload-owned field, tracked or not.
func sameContent(a, b *types.Record) bool {
	ca, cb := contentColumns(a), contentColumns(b)
	for k, va := range ca {
		if va != cb[k] {
			return false
		}
	}
	return true
}

// UpsertRecord inserts or updates the record identified by rec's natural
// key. The content hash is recomputed here; sync metadata on rec is ignored.
func (s *Store) UpsertRecord(ctx context.Context, rec *types.Record, now time.Time) (*storage.UpsertResult, error) {
	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid record: %w", err)
	}
	now = truncate(now)

	var result *storage.UpsertResult
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		err = s.runInTx(ctx, func(tx *sql.Tx) error {
			var txErr error
			result, txErr = s.upsertRecordTx(ctx, tx, rec, now)
			return txErr
		})
		// A concurrent insert of the same key lost the race; the second
		// attempt takes the update path.
		if !isDuplicateKeyError(err) {
			break
		}
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) upsertRecordTx(ctx context.Context, tx *sql.Tx, rec *types.Record, now time.Time) (*storage.UpsertResult, error) {
	key := rec.Key()
	existing, err := s.listRecords(ctx, tx, s.sb.Select(recordColumns...).From(recordsTable).
		Where(sq.Eq{"serial_number": key.SerialNumber, "project_name": key.ProjectName}))
	if err != nil {
		return nil, fmt.Errorf("look up record %s: %w", key, err)
	}
	if len(existing) > 1 {
		return nil, fmt.Errorf("%w: %d rows share key %s", storage.ErrDataIntegrity, len(existing), key)
	}
	hash := fingerprint.Hash(rec)

	if len(existing) == 0 {
		if rec.ID != 0 {
			return nil, fmt.Errorf("%w: record %d does not own key %s", storage.ErrDataIntegrity, rec.ID, key)
		}
		cols := contentColumns(rec)
		cols["serial_number"] = key.SerialNumber
		cols["project_name"] = key.ProjectName
		cols["created_at"] = ts(now)
		cols["updated_at"] = ts(now)
		cols["remote_id"] = int64(0)
		cols["remote_url"] = ""
		cols["remote_labels"] = "[]"
		cols["remote_progress"] = ""
		cols["sync_status"] = string(types.SyncPending)
		cols["content_hash"] = hash
		cols["synced_hash"] = ""
		cols["operation_type"] = string(types.OpInsert)
		cols["last_sync_error"] = ""
		res, err := s.exec(ctx, tx, s.sb.Insert(recordsTable).SetMap(cols))
		if err != nil {
			return nil, fmt.Errorf("insert record %s: %w", key, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("insert record %s: %w", key, err)
		}
		stored, err := s.getRecord(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		return &storage.UpsertResult{Outcome: storage.UpsertInserted, Record: stored}, nil
	}

	prev := existing[0]
	if prev.Key() != key {
		// The unique index matched under a case- or width-insensitive
		// collation; this upload would silently take over another key.
		return nil, fmt.Errorf("%w: key %s collides with stored key %s", storage.ErrDataIntegrity, key, prev.Key())
	}
	if rec.ID != 0 && rec.ID != prev.ID {
		return nil, fmt.Errorf("%w: key %s belongs to record %d, not %d", storage.ErrDataIntegrity, key, prev.ID, rec.ID)
	}
	if hash == prev.ContentHash && sameContent(prev, rec) {
		return &storage.UpsertResult{Outcome: storage.UpsertUnchanged, Record: prev, Previous: prev}, nil
	}

	cols := contentColumns(rec)
	cols["content_hash"] = hash
	cols["operation_type"] = string(types.OpUpdate)
	cols["updated_at"] = ts(now)
	if rec.Status.IsClosing() && !prev.Status.IsClosing() && prev.HasRemote() {
		cols["sync_status"] = string(types.SyncUpdated)
	}
	if _, err := s.exec(ctx, tx, s.sb.Update(recordsTable).SetMap(cols).Where(sq.Eq{"id": prev.ID})); err != nil {
		return nil, fmt.Errorf("update record %s: %w", key, err)
	}
	stored, err := s.getRecord(ctx, tx, prev.ID)
	if err != nil {
		return nil, err
	}
	return &storage.UpsertResult{Outcome: storage.UpsertUpdated, Record: stored, Previous: prev}, nil
}

func (s *Store) listRecords(ctx context.Context, q queryer, b sq.SelectBuilder) ([]*types.Record, error) {
	rows, err := s.query(ctx, q, b)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*types.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) getRecord(ctx context.Context, q queryer, id int64) (*types.Record, error) {
	var rec *types.Record
	err := s.queryRow(ctx, q, s.sb.Select(recordColumns...).From(recordsTable).Where(sq.Eq{"id": id}),
		func(row *sql.Row) error {
			var scanErr error
			rec, scanErr = scanRecord(row)
			return scanErr
		})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("record %d: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get record %d: %w", id, err)
	}
	return rec, nil
}

// GetRecord returns the record with the given id.
func (s *Store) GetRecord(ctx context.Context, id int64) (*types.Record, error) {
	return s.getRecord(ctx, s.db, id)
}

// GetRecordByKey returns the record with the given natural key.
func (s *Store) GetRecordByKey(ctx context.Context, key types.NaturalKey) (*types.Record, error) {
	recs, err := s.listRecords(ctx, s.db, s.sb.Select(recordColumns...).From(recordsTable).
		Where(sq.Eq{"serial_number": key.SerialNumber, "project_name": key.ProjectName}))
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", key, err)
	}
	for _, r := range recs {
		if r.Key() == key {
			return r, nil
		}
	}
	return nil, fmt.Errorf("record %s: %w", key, storage.ErrNotFound)
}

// ListRecords returns records matching filter, ordered by id.
func (s *Store) ListRecords(ctx context.Context, filter storage.RecordFilter) ([]*types.Record, error) {
	b := s.sb.Select(recordColumns...).From(recordsTable).OrderBy("id")
	if filter.UpdatedSince != nil {
		b = b.Where(sq.Gt{"updated_at": ts(*filter.UpdatedSince)})
	}
	if filter.LinkedOnly {
		b = b.Where(sq.Or{sq.NotEq{"remote_id": 0}, sq.NotEq{"remote_url": ""}})
	}
	if filter.SyncStatus != "" {
		b = b.Where(sq.Eq{"sync_status": string(filter.SyncStatus)})
	}
	if filter.AfterID > 0 {
		b = b.Where(sq.Gt{"id": filter.AfterID})
	}
	if filter.Limit > 0 {
		b = b.Limit(uint64(filter.Limit))
	}
	recs, err := s.listRecords(ctx, s.db, b)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return recs, nil
}

// MarkSynced records a successful remote call. updated_at is left alone
// so the change detector does not see the write.
func (s *Store) MarkSynced(ctx context.Context, id int64, meta storage.SyncMetadata) error {
	ub := s.sb.Update(recordsTable).
		Set("sync_status", string(types.SyncSynced)).
		Set("last_sync_time", ts(meta.Now)).
		Set("synced_hash", meta.SyncedHash).
		Set("last_sync_error", "").
		Where(sq.Eq{"id": id})
	if meta.RemoteID != 0 {
		ub = ub.Set("remote_id", meta.RemoteID)
	}
	if meta.RemoteURL != "" {
		ub = ub.Set("remote_url", meta.RemoteURL)
	}
	if meta.Labels != nil {
		ub = ub.Set("remote_labels", encodeLabels(meta.Labels))
	}
	if _, err := s.exec(ctx, s.db, ub); err != nil {
		return fmt.Errorf("mark record %d synced: %w", id, err)
	}
	return nil
}

// MarkSyncFailed records a permanent sync failure on the record.
func (s *Store) MarkSyncFailed(ctx context.Context, id int64, msg string, now time.Time) error {
	ub := s.sb.Update(recordsTable).
		Set("sync_status", string(types.SyncFailed)).
		Set("last_sync_error", msg).
		Where(sq.Eq{"id": id})
	if _, err := s.exec(ctx, s.db, ub); err != nil {
		return fmt.Errorf("mark record %d failed: %w", id, err)
	}
	return nil
}

// ApplyRemoteProgress stores remote-origin progress and labels. None of
// these columns are hashed and updated_at is not bumped. It reports
// whether anything changed.
func (s *Store) ApplyRemoteProgress(ctx context.Context, id int64, p storage.RemoteProgress, now time.Time) (bool, error) {
	changed := false
	err := s.runInTx(ctx, func(tx *sql.Tx) error {
		cur, err := s.getRecord(ctx, tx, id)
		if err != nil {
			return err
		}
		labels := encodeLabels(p.Labels)
		if cur.RemoteProgress == p.Progress && encodeLabels(cur.RemoteLabels) == labels {
			changed = false
			return nil
		}
		_, err = s.exec(ctx, tx, s.sb.Update(recordsTable).
			Set("remote_progress", p.Progress).
			Set("remote_labels", labels).
			Set("last_sync_time", ts(now)).
			Where(sq.Eq{"id": id}))
		if err != nil {
			return fmt.Errorf("apply remote progress to record %d: %w", id, err)
		}
		changed = true
		return nil
	})
	return changed, err
}
