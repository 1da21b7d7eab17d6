// Package sqlstore implements storage.Storage on database/sql.
//
// Two dialects are supported: "mysql" (go-sql-driver/mysql, also used for
// Dolt in server mode) and "sqlite" (modernc.org/sqlite, pure Go, used for
// single-host deployments and tests). Queries are built with squirrel using
// "?" placeholders, which both drivers accept.
//
// Timestamps are stored as fixed-width UTC strings ("2006-01-02
// 15:04:05.000") so that range predicates compare correctly on both
// dialects.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff/v4"
	"github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	"github.com/issuebridge/issuebridge/internal/storage"
)

// Config holds database configuration
type Config struct {
	Driver          string // "mysql" or "sqlite"
	DSN             string
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	Logger          *slog.Logger
	// RetryMaxElapsed bounds retries of transient driver errors. Zero uses
	// the default; a negative value disables retries.
	RetryMaxElapsed time.Duration
}

// Store is the SQL-backed storage.Storage.
type Store struct {
	db       *sql.DB
	dialect  *dialect
	sb       sq.StatementBuilderType
	log      *slog.Logger
	retryMax time.Duration
}

var _ storage.Storage = (*Store)(nil)

const defaultRetryMaxElapsed = 30 * time.Second

// Open connects, applies the schema and returns a ready store.
func Open(ctx context.Context, cfg *Config) (*Store, error) {
	if cfg == nil || cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}
	d, err := lookupDialect(cfg.Driver)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(d.driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", d.name, err)
	}
	maxOpen := cfg.MaxOpenConns
	if d.name == dialectSQLite {
		// SQLite allows a single writer; serialize through one connection.
		maxOpen = 1
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	retryMax := cfg.RetryMaxElapsed
	if retryMax == 0 {
		retryMax = defaultRetryMaxElapsed
	}

	s := &Store{
		db:       db,
		dialect:  d,
		sb:       sq.StatementBuilder.PlaceholderFormat(sq.Question),
		log:      log.With("component", "sqlstore", "dialect", d.name),
		retryMax: retryMax,
	}

	if err := s.withRetry(ctx, func() error { return db.PingContext(ctx) }); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s database: %w", d.name, err)
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying pool for diagnostics.
func (s *Store) DB() *sql.DB {
	return s.db
}

func newRetryBackoff(maxElapsed time.Duration) backoff.BackOff {
	// BackOff implementations are stateful; always return a fresh instance.
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxElapsedTime = maxElapsed
	return bo
}

// isRetryableError returns true if the error is a transient driver error
// that should be retried.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1205, 1213: // lock wait timeout, deadlock
			return true
		}
	}
	errStr := strings.ToLower(err.Error())
	for _, s := range []string{
		"driver: bad connection",
		"invalid connection",
		"broken pipe",
		"connection reset",
		"connection refused",
		"lost connection",
		"gone away",
		"i/o timeout",
		"database is locked",
		"deadlock",
	} {
		if strings.Contains(errStr, s) {
			return true
		}
	}
	return false
}

// isDuplicateKeyError reports a unique-constraint violation.
func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == 1062 {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "Duplicate entry")
}

// withRetry executes an operation with retry for transient errors.
func (s *Store) withRetry(ctx context.Context, op func() error) error {
	if s.retryMax < 0 {
		return op()
	}
	bo := newRetryBackoff(s.retryMax)
	return backoff.Retry(func() error {
		err := op()
		if err != nil && isRetryableError(err) {
			s.log.Debug("retrying transient database error", "error", err)
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(bo, ctx))
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// exec builds and runs b on q. Statements on the pool are retried; inside
// a transaction the whole transaction is retried by runInTx instead.
func (s *Store) exec(ctx context.Context, q queryer, b sq.Sqlizer) (sql.Result, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	if _, inTx := q.(*sql.Tx); inTx {
		return q.ExecContext(ctx, query, args...)
	}
	var result sql.Result
	err = s.withRetry(ctx, func() error {
		var execErr error
		result, execErr = q.ExecContext(ctx, query, args...)
		return execErr
	})
	return result, err
}

// query builds and runs b, retrying transient errors when outside a transaction.
func (s *Store) query(ctx context.Context, q queryer, b sq.Sqlizer) (*sql.Rows, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	if _, inTx := q.(*sql.Tx); inTx {
		return q.QueryContext(ctx, query, args...)
	}
	var rows *sql.Rows
	err = s.withRetry(ctx, func() error {
		var queryErr error
		rows, queryErr = q.QueryContext(ctx, query, args...)
		return queryErr
	})
	return rows, err
}

// queryRow builds b and hands the row to scan.
func (s *Store) queryRow(ctx context.Context, q queryer, b sq.Sqlizer, scan func(*sql.Row) error) error {
	query, args, err := b.ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	if _, inTx := q.(*sql.Tx); inTx {
		return scan(q.QueryRowContext(ctx, query, args...))
	}
	return s.withRetry(ctx, func() error {
		return scan(q.QueryRowContext(ctx, query, args...))
	})
}

// runInTx runs fn in a transaction, retrying the whole unit on transient errors.
func (s *Store) runInTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit transaction: %w", err)
		}
		return nil
	})
}

const timeLayout = "2006-01-02 15:04:05.000"

// ts encodes t in the canonical stored form.
func ts(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// nullTS encodes an optional timestamp.
func nullTS(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return ts(*t)
}

// parseTS decodes a stored timestamp. Drivers configured to parse times
// hand back RFC 3339 text instead of the stored layout, so both are accepted.
func parseTS(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	for _, layout := range []string{timeLayout, time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02 15:04:05.999999999-07:00"} {
		if t, err := time.ParseInLocation(layout, ns.String, time.UTC); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("unrecognized timestamp %q", ns.String)
}

// mustTS is parseTS for NOT NULL columns.
func mustTS(ns sql.NullString) (time.Time, error) {
	t, err := parseTS(ns)
	if err != nil {
		return time.Time{}, err
	}
	if t == nil {
		return time.Time{}, nil
	}
	return *t, nil
}

// truncate normalizes t to the stored precision so that values read back
// compare equal to values written.
func truncate(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}
