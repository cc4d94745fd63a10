package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a dilemma or story flow does not exist.
var ErrNotFound = errors.New("not found")

// DB is the content store: dilemmas and story flows keyed by id.
type DB struct {
	*sql.DB
}

func Open(path string) (*DB, error) {
	sqlDB, err := openSQLite(path, true)
	if err != nil {
		return nil, err
	}

	db := &DB{sqlDB}
	if err := db.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}

	return db, nil
}

func (db *DB) migrate() error {
	_, err := db.Exec(schema)
	return err
}

// Ping checks that the store is reachable and its tables exist.
func (db *DB) Ping(ctx context.Context) error {
	var n int
	return db.QueryRowContext(ctx, "SELECT COUNT(*) FROM dilemmas LIMIT 1").Scan(&n)
}

func openSQLite(path string, foreignKeys bool) (*sql.DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	if foreignKeys {
		dsn += "&_pragma=foreign_keys(1)"
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return sqlDB, nil
}
