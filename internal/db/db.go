// Package db provides database connection management and operations.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// FileName is the database file created under the data directory.
const FileName = "scorecore.db"

// DB wraps the sql.DB with scorecore-specific configuration.
type DB struct {
	*sql.DB
}

// connParams apply to every connection. Transactions begin IMMEDIATE so
// writers from several processes sharing the file serialize at BEGIN,
// waiting up to busy_timeout, instead of failing mid-transaction.
const connParams = "?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"

// Open opens the SQLite database under dataDir and applies pending
// migrations. The database is opened with:
// - a single connection per process (SQLite has one writer)
// - WAL mode for concurrent reads/writes
// - immediate transactions and a busy timeout
// - foreign key constraints enabled
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return open(filepath.Join(dataDir, FileName), true)
}

// OpenMemory opens a migrated in-memory database. Used by tests and the
// memory deployment profile.
func OpenMemory() (*DB, error) {
	return open(":memory:", false)
}

func open(path string, wal bool) (*DB, error) {
	db, err := sql.Open("sqlite", path+connParams)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection: transactions serialize, and an in-memory database
	// survives for the lifetime of the pool.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if wal {
		if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	m := NewMigrator(db, Migrations)
	if err := m.Initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize migrations: %w", err)
	}
	if err := m.Up(); err != nil {
		db.Close()
		return nil, err
	}
	return &DB{db}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
