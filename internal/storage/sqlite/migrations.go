package sqlite

import (
	"database/sql"
	"fmt"
	"time"
)

// Migration is one versioned, reversible schema step. Up and Down are
// plain SQL scripts; each runs inside its own transaction.
type Migration struct {
	Version     int
	Description string
	Up          string
	Down        string
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "event log",
		Up: `CREATE TABLE IF NOT EXISTS events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	type        TEXT NOT NULL,
	project_key TEXT NOT NULL,
	timestamp   INTEGER NOT NULL,
	sequence    INTEGER NOT NULL UNIQUE,
	data        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_project_seq ON events(project_key, sequence);
CREATE INDEX IF NOT EXISTS idx_events_type_seq ON events(type, sequence);`,
		Down: `DROP TABLE IF EXISTS events;`,
	},
	{
		Version:     2,
		Description: "agents view",
		Up: `CREATE TABLE IF NOT EXISTS agents (
	project_key      TEXT NOT NULL,
	name             TEXT NOT NULL,
	program          TEXT NOT NULL DEFAULT '',
	model            TEXT NOT NULL DEFAULT '',
	task_description TEXT NOT NULL DEFAULT '',
	registered_at    INTEGER NOT NULL,
	last_active_at   INTEGER NOT NULL,
	PRIMARY KEY (project_key, name)
);`,
		Down: `DROP TABLE IF EXISTS agents;`,
	},
	{
		Version:     3,
		Description: "messages and recipients views",
		Up: `CREATE TABLE IF NOT EXISTS messages (
	id           INTEGER PRIMARY KEY,
	project_key  TEXT NOT NULL,
	thread_id    TEXT NOT NULL DEFAULT '',
	sender       TEXT NOT NULL,
	payload      TEXT NOT NULL DEFAULT '',
	reply_to     TEXT NOT NULL DEFAULT '',
	importance   TEXT NOT NULL DEFAULT '',
	ack_required INTEGER NOT NULL DEFAULT 0,
	created_at   INTEGER NOT NULL,
	sequence     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(project_key, thread_id, sequence);
CREATE TABLE IF NOT EXISTS message_recipients (
	message_id INTEGER NOT NULL,
	agent_name TEXT NOT NULL,
	read_at    INTEGER,
	acked_at   INTEGER,
	PRIMARY KEY (message_id, agent_name)
);
CREATE INDEX IF NOT EXISTS idx_recipients_agent ON message_recipients(agent_name);`,
		Down: `DROP TABLE IF EXISTS message_recipients;
DROP TABLE IF EXISTS messages;`,
	},
	{
		Version:     4,
		Description: "reservations view",
		Up: `CREATE TABLE IF NOT EXISTS reservations (
	id           TEXT PRIMARY KEY,
	project_key  TEXT NOT NULL,
	agent_name   TEXT NOT NULL,
	path_pattern TEXT NOT NULL,
	exclusive    INTEGER NOT NULL DEFAULT 0,
	reason       TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL,
	expires_at   INTEGER NOT NULL,
	released_at  INTEGER
);
CREATE INDEX IF NOT EXISTS idx_reservations_active ON reservations(project_key, released_at, expires_at);`,
		Down: `DROP TABLE IF EXISTS reservations;`,
	},
	{
		Version:     5,
		Description: "cursor checkpoints",
		Up: `CREATE TABLE IF NOT EXISTS cursors (
	stream     TEXT NOT NULL,
	checkpoint TEXT NOT NULL,
	position   INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (stream, checkpoint)
);`,
		Down: `DROP TABLE IF EXISTS cursors;`,
	},
	{
		Version:     6,
		Description: "cas locks",
		Up: `CREATE TABLE IF NOT EXISTS locks (
	resource    TEXT PRIMARY KEY,
	holder      TEXT NOT NULL,
	seq         INTEGER NOT NULL DEFAULT 0,
	acquired_at INTEGER NOT NULL,
	expires_at  INTEGER NOT NULL
);`,
		Down: `DROP TABLE IF EXISTS locks;`,
	},
	{
		Version:     7,
		Description: "deferred promises",
		Up: `CREATE TABLE IF NOT EXISTS deferred (
	url        TEXT PRIMARY KEY,
	resolved   INTEGER NOT NULL DEFAULT 0,
	value      TEXT,
	error      TEXT,
	expires_at INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_deferred_expires ON deferred(expires_at);`,
		Down: `DROP TABLE IF EXISTS deferred;`,
	},
}

// RunMigrations applies every pending migration in ascending order, each in
// its own transaction. Re-running once caught up applies nothing.
func RunMigrations(db dbHandle) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
	version     INTEGER PRIMARY KEY,
	applied_at  INTEGER NOT NULL,
	description TEXT NOT NULL
)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}
	current, err := currentVersion(db)
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := applyMigration(db, m); err != nil {
			return err
		}
	}
	return nil
}

func applyMigration(db dbHandle, m Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("migration %d: begin: %w", m.Version, err)
	}
	if _, err := tx.Exec(m.Up); err != nil {
		tx.Rollback()
		return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
	}
	if _, err := tx.Exec(
		`INSERT INTO schema_version (version, applied_at, description) VALUES (?, ?, ?)`,
		m.Version, time.Now().UTC().UnixMilli(), m.Description,
	); err != nil {
		tx.Rollback()
		return fmt.Errorf("migration %d: record version: %w", m.Version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migration %d: commit: %w", m.Version, err)
	}
	return nil
}

// RollbackTo applies Down scripts in descending order until the schema is
// at target, removing each version's tracking row.
func RollbackTo(db dbHandle, target int) error {
	current, err := currentVersion(db)
	if err != nil {
		return err
	}
	for i := len(migrations) - 1; i >= 0; i-- {
		m := migrations[i]
		if m.Version > current || m.Version <= target {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("rollback %d: begin: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.Down); err != nil {
			tx.Rollback()
			return fmt.Errorf("rollback %d (%s): %w", m.Version, m.Description, err)
		}
		if _, err := tx.Exec(`DELETE FROM schema_version WHERE version = ?`, m.Version); err != nil {
			tx.Rollback()
			return fmt.Errorf("rollback %d: remove version: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("rollback %d: commit: %w", m.Version, err)
		}
	}
	return nil
}

func currentVersion(db dbHandle) (int, error) {
	var v sql.NullInt64
	if err := db.QueryRow(`SELECT MAX(version) FROM schema_version`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return int(v.Int64), nil
}

// SchemaVersion returns the highest applied migration version.
func (s *Store) SchemaVersion() (int, error) { return currentVersion(s.db) }

// RollbackTo rolls the store's schema back to the target version.
func (s *Store) RollbackTo(target int) error { return RollbackTo(s.db, target) }
