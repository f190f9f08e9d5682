// Package db provides the SQLite connection and migration machinery
// backing the Store.
package db

import (
	"database/sql"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/coinwifi/gateway/errors"
)

const (
	// SQLiteJournalMode configures the database journal mode (WAL enables concurrent reads)
	SQLiteJournalMode = "WAL"

	// SQLiteBusyTimeoutMS sets how long to wait for locks before returning SQLITE_BUSY
	SQLiteBusyTimeoutMS = 5000 // 5 seconds
)

// Open opens a SQLite database at the specified path with optimized settings.
// If log is provided, logs database operations; otherwise operates silently.
func Open(path string, log *zap.SugaredLogger) (*sql.DB, error) {
	if log != nil {
		log.Debugw("opening database", "path", path)
	}

	// Ensure parent directory exists (SQLite can create the file, but not directories)
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Wrapf(err, "failed to create database directory: %s", dir)
		}
	}

	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.WithKind(errors.Wrapf(err, "failed to open database at %s", path), errors.KindIO)
	}

	// Single-writer discipline: SQLite serializes writers anyway, but
	// capping the pool avoids SQLITE_BUSY storms under concurrent
	// Portal/Admin/tick access to the same file.
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA journal_mode = " + SQLiteJournalMode); err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "failed to enable %s journal mode for %s", SQLiteJournalMode, path)
	}

	if _, err := conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "failed to enable foreign keys for %s", path)
	}

	if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "failed to set busy timeout to %dms for %s", SQLiteBusyTimeoutMS, path)
	}

	if log != nil {
		log.Infow("database opened", "path", path, "wal_mode", true, "foreign_keys", true)
	}

	return conn, nil
}

// OpenWithMigrations opens a SQLite database and runs migrations.
func OpenWithMigrations(path string, log *zap.SugaredLogger) (*sql.DB, error) {
	conn, err := Open(path, log)
	if err != nil {
		return nil, err
	}

	if err := Migrate(conn, log); err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "failed to run migrations for %s", path)
	}

	return conn, nil
}
