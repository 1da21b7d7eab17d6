package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/issuebridge/issuebridge/internal/types"
)

const (
	statsTable        = "sync_statistics"
	metadataTable     = "store_metadata"
	changeEventsTable = "change_events"
	metaSchemaVersion = "schema_version"
)

// RecordStat adds one attempt to the (day, action) aggregate.
func (s *Store) RecordStat(ctx context.Context, at time.Time, action types.Action, success bool, dur time.Duration) error {
	var succ, fail int64
	if success {
		succ = 1
	} else {
		fail = 1
	}
	_, err := s.exec(ctx, s.db, s.sb.Insert(statsTable).
		Columns("stat_date", "action", "success_count", "failure_count", "total_duration_ms").
		Values(types.StatDate(at), string(action), succ, fail, dur.Milliseconds()).
		Suffix(s.dialect.statUpsert))
	if err != nil {
		return fmt.Errorf("record %s statistic: %w", action, err)
	}
	return nil
}

// ListStats returns aggregates for days on or after since, oldest first.
func (s *Store) ListStats(ctx context.Context, since time.Time) ([]types.DailyStat, error) {
	rows, err := s.query(ctx, s.db, s.sb.
		Select("stat_date", "action", "success_count", "failure_count", "total_duration_ms").
		From(statsTable).
		Where(sq.GtOrEq{"stat_date": types.StatDate(since)}).
		OrderBy("stat_date", "action"))
	if err != nil {
		return nil, fmt.Errorf("list statistics: %w", err)
	}
	defer rows.Close()
	var out []types.DailyStat
	for rows.Next() {
		var st types.DailyStat
		var action string
		if err := rows.Scan(&st.Date, &action, &st.SuccessCount, &st.FailureCount, &st.TotalDurationMs); err != nil {
			return nil, err
		}
		st.Action = types.Action(action)
		out = append(out, st)
	}
	return out, rows.Err()
}

// SetMetadata stores a key/value pair.
func (s *Store) SetMetadata(ctx context.Context, key, value string) error {
	_, err := s.exec(ctx, s.db, s.sb.Insert(metadataTable).
		Columns("meta_key", "meta_value").
		Values(key, value).
		Suffix(s.dialect.metaUpsert))
	if err != nil {
		return fmt.Errorf("set metadata %s: %w", key, err)
	}
	return nil
}

// GetMetadata returns the stored value, or "" when the key is absent.
func (s *Store) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := s.queryRow(ctx, s.db, s.sb.Select("meta_value").From(metadataTable).Where(sq.Eq{"meta_key": key}),
		func(row *sql.Row) error { return row.Scan(&value) })
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get metadata %s: %w", key, err)
	}
	return value, nil
}

// AppendChangeEvents writes audit rows in one transaction.
func (s *Store) AppendChangeEvents(ctx context.Context, events []types.ChangeEvent) error {
	if len(events) == 0 {
		return nil
	}
	ib := s.sb.Insert(changeEventsTable).Columns("record_id", "field", "old_value", "new_value", "origin", "created_at")
	for _, ev := range events {
		origin := ev.Origin
		if origin == "" {
			origin = types.OriginLocal
		}
		ib = ib.Values(ev.RecordID, ev.Field, ev.OldValue, ev.NewValue, string(origin), ts(ev.CreatedAt))
	}
	if _, err := s.exec(ctx, s.db, ib); err != nil {
		return fmt.Errorf("append change events: %w", err)
	}
	return nil
}

// ListChangeEvents returns a record's audit trail, oldest first.
func (s *Store) ListChangeEvents(ctx context.Context, recordID int64) ([]types.ChangeEvent, error) {
	rows, err := s.query(ctx, s.db, s.sb.
		Select("id", "record_id", "field", "old_value", "new_value", "origin", "created_at").
		From(changeEventsTable).
		Where(sq.Eq{"record_id": recordID}).
		OrderBy("id"))
	if err != nil {
		return nil, fmt.Errorf("list change events: %w", err)
	}
	defer rows.Close()
	var out []types.ChangeEvent
	for rows.Next() {
		var ev types.ChangeEvent
		var origin string
		var created sql.NullString
		if err := rows.Scan(&ev.ID, &ev.RecordID, &ev.Field, &ev.OldValue, &ev.NewValue, &origin, &created); err != nil {
			return nil, err
		}
		ev.Origin = types.ChangeOrigin(origin)
		if ev.CreatedAt, err = mustTS(created); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// DeleteChangeEvents removes audit rows older than the cutoff.
func (s *Store) DeleteChangeEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.exec(ctx, s.db, s.sb.Delete(changeEventsTable).Where(sq.Lt{"created_at": ts(before)}))
	if err != nil {
		return 0, fmt.Errorf("delete change events: %w", err)
	}
	return res.RowsAffected()
}
