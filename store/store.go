package store

import (
	"database/sql"

	"go.uber.org/zap"
)

// Store wraps the gateway's single sqlite connection. All domain
// packages share one Store instance; the connection itself is capped
// at one open connection (see db.Open) so SQLite's own write lock does
// the serialization the concurrency model asks for.
type Store struct {
	db  *sql.DB
	log *zap.SugaredLogger
}

// New wraps an already-open, already-migrated database connection.
func New(db *sql.DB, log *zap.SugaredLogger) *Store {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Store{db: db, log: log}
}

// DB exposes the underlying connection for callers (Slot Manager) that
// need to open their own multi-statement transactions.
func (s *Store) DB() *sql.DB {
	return s.db
}

func isNoRows(err error) bool {
	return err == sql.ErrNoRows
}
