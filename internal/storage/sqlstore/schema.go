package sqlstore

import (
	"context"
	"embed"
	"fmt"
	"strings"
)

//go:embed schema/*.sql
var schemaFS embed.FS

const (
	dialectMySQL  = "mysql"
	dialectSQLite = "sqlite"
)

// schemaVersion is bumped whenever schema/*.sql changes shape.
const schemaVersion = "1"

// dialect captures the statements that differ between backends.
type dialect struct {
	name       string
	driver     string
	schemaFile string
	// statUpsert and metaUpsert are INSERT suffixes turning a conflicting
	// insert into an update.
	statUpsert string
	metaUpsert string
}

var dialects = map[string]*dialect{
	dialectMySQL: {
		name:       dialectMySQL,
		driver:     "mysql",
		schemaFile: "schema/mysql.sql",
		statUpsert: "ON DUPLICATE KEY UPDATE success_count = success_count + VALUES(success_count), " +
			"failure_count = failure_count + VALUES(failure_count), " +
			"total_duration_ms = total_duration_ms + VALUES(total_duration_ms)",
		metaUpsert: "ON DUPLICATE KEY UPDATE meta_value = VALUES(meta_value)",
	},
	dialectSQLite: {
		name:       dialectSQLite,
		driver:     "sqlite",
		schemaFile: "schema/sqlite.sql",
		statUpsert: "ON CONFLICT (stat_date, action) DO UPDATE SET success_count = success_count + excluded.success_count, " +
			"failure_count = failure_count + excluded.failure_count, " +
			"total_duration_ms = total_duration_ms + excluded.total_duration_ms",
		metaUpsert: "ON CONFLICT (meta_key) DO UPDATE SET meta_value = excluded.meta_value",
	},
}

func lookupDialect(name string) (*dialect, error) {
	switch strings.ToLower(name) {
	case "", "mysql", "dolt":
		return dialects[dialectMySQL], nil
	case "sqlite", "sqlite3":
		return dialects[dialectSQLite], nil
	}
	return nil, fmt.Errorf("unsupported database driver %q (want mysql or sqlite)", name)
}

// schemaStatements splits the dialect's schema file into statements.
func (d *dialect) schemaStatements() ([]string, error) {
	raw, err := schemaFS.ReadFile(d.schemaFile)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	var stmts []string
	for _, part := range strings.Split(string(raw), ";") {
		if stmt := strings.TrimSpace(part); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts, nil
}

// migrate creates missing tables and records the schema version.
func (s *Store) migrate(ctx context.Context) error {
	stmts, err := s.dialect.schemaStatements()
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if err := s.withRetry(ctx, func() error {
			_, execErr := s.db.ExecContext(ctx, stmt)
			return execErr
		}); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	current, err := s.GetMetadata(ctx, metaSchemaVersion)
	if err != nil {
		return err
	}
	if current != "" && current != schemaVersion {
		return fmt.Errorf("database schema version %s is not supported (want %s)", current, schemaVersion)
	}
	if current == "" {
		if err := s.SetMetadata(ctx, metaSchemaVersion, schemaVersion); err != nil {
			return err
		}
		s.log.Info("initialized database schema", "version", schemaVersion)
	}
	return nil
}
