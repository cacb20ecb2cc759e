package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// NewSQLiteDB opens (creating if needed) a SQLite database at path and
// applies the schema. Use ":memory:" for a throwaway database.
func NewSQLiteDB(path string) (*SQLStore, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn += sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"

	d, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	// One connection keeps :memory: databases coherent and serializes writers.
	d.SetMaxOpenConns(1)

	s := &SQLStore{db: d, dialect: dialectSQLite}
	if err := s.initSchema(context.Background()); err != nil {
		d.Close()
		return nil, err
	}
	return s, nil
}

// initSchema runs the embedded up migrations with SQLite column types.
func (s *SQLStore) initSchema(ctx context.Context) error {
	stmts, err := schemaStatements()
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		stmt = strings.ReplaceAll(stmt, "BIGSERIAL PRIMARY KEY", "INTEGER PRIMARY KEY AUTOINCREMENT")
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("applying sqlite schema: %w", err)
		}
	}
	return nil
}
