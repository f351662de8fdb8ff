// Package sqlite implements the coordination store on an embedded SQLite
// database: the append-only event log, its materialized views, and the
// durable primitives (cursors, locks, deferreds, mailboxes) built on it.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mistakeknot/concourse/internal/storage"
)

// Compile-time interface check.
var _ storage.Store = (*Store)(nil)

type Store struct {
	db      dbHandle
	waiters *waiterTable
}

// New opens (or creates) the database at path and runs pending schema
// migrations. WAL mode with a single connection: SQLite is single-writer,
// and one connection keeps the gapless sequence assignment race-free.
func New(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("db path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	return open(dsn)
}

// NewInMemory opens a private in-memory store, used by tests.
func NewInMemory() (*Store, error) {
	return open(":memory:")
}

func open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: &queryLogger{inner: db}, waiters: newWaiterTable()}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Timestamps are stored as unix milliseconds throughout.

func msOf(t time.Time) int64 { return t.UnixMilli() }

func timeOfMS(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullTimeOfMS(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := timeOfMS(ms.Int64)
	return &t
}

func nowMS() time.Time { return time.Now().UTC().Truncate(time.Millisecond) }
