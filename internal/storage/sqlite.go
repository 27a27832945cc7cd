package storage

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// NewSQLiteStorage opens a SQLite-backed store. This is the Lite backend's
// default; a file path or ":memory:" both work.
func NewSQLiteStorage(dbPath string) (Storage, error) {
	// In-memory databases need shared cache mode so every pooled
	// connection sees the same database instead of a private ":memory:".
	connStr := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"
	if dbPath == ":memory:" {
		connStr = "file::memory:?cache=shared&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Shared-cache in-memory databases vanish when the last
		// connection closes; keep one alive for the store's lifetime.
		db.SetMaxIdleConns(1)
	}

	return newSQLStore(db, &SQLiteDriver{}), nil
}
