// Package store persists slots, executions, loops, checkpoints and gates in
// SQLite. It implements the repository contracts of the slot, control,
// ralph and checkpoint packages.
//
// The database handle uses a single connection and immediate transactions,
// so every read-check-write sequence (slot admission, state CAS, gate
// votes) is serialized.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrNotFound is wrapped, next to the owning package's own not-found
	// error, by every lookup of a missing row.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a write would break a uniqueness or
	// ordering rule.
	ErrConflict = errors.New("conflicting write")
)

// Store is the SQLite-backed repository.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema. Use ":memory:" for a throwaway database.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn += sep + "_txlock=immediate"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return err
	}
	for _, c := range addedColumns {
		if err := s.ensureColumn(ctx, c.table, c.name, c.ddl); err != nil {
			return err
		}
	}
	return nil
}

// addedColumns are columns introduced after a table's first release.
// Databases created before them get the column on open.
var addedColumns = []struct{ table, name, ddl string }{
	{"executions", "owner", "TEXT NOT NULL DEFAULT ''"},
	{"executions", "lease_expires_at", "INTEGER NOT NULL DEFAULT 0"},
	{"executions", "launch", "TEXT NOT NULL DEFAULT ''"},
	{"ralph_iterations", "files_changed", "TEXT NOT NULL DEFAULT ''"},
	{"ralph_iterations", "external_calls", "TEXT NOT NULL DEFAULT ''"},
}

func (s *Store) ensureColumn(ctx context.Context, table, name, ddl string) error {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM pragma_table_info(?) WHERE name = ?)`, table, name).Scan(&exists)
	if err != nil || exists {
		return err
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, name, ddl))
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS execution_slots (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	attempt_id TEXT NOT NULL,
	category TEXT NOT NULL,
	weight INTEGER NOT NULL CHECK (weight > 0),
	acquired_at INTEGER NOT NULL,
	released_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_slots_active ON execution_slots(project_id, category) WHERE released_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_slots_attempt ON execution_slots(attempt_id);

CREATE TABLE IF NOT EXISTS project_capacities (
	project_id TEXT NOT NULL,
	category TEXT NOT NULL,
	capacity INTEGER NOT NULL CHECK (capacity >= 0),
	PRIMARY KEY (project_id, category)
);

CREATE TABLE IF NOT EXISTS executions (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	attempt_id TEXT NOT NULL,
	task_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	slot_id TEXT NOT NULL DEFAULT '',
	priority INTEGER NOT NULL DEFAULT 0,
	control_state TEXT NOT NULL DEFAULT 'running',
	pause_reason TEXT NOT NULL DEFAULT '',
	loop_id TEXT NOT NULL DEFAULT '',
	iteration INTEGER NOT NULL DEFAULT 0,
	owner TEXT NOT NULL DEFAULT '',
	lease_expires_at INTEGER NOT NULL DEFAULT 0,
	launch TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);

CREATE TABLE IF NOT EXISTS pause_history (
	id TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL REFERENCES executions(id),
	action TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	initiated_by TEXT NOT NULL,
	at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pause_history_execution ON pause_history(execution_id, at);

CREATE TABLE IF NOT EXISTS handoffs (
	id TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL REFERENCES executions(id),
	from_actor TEXT NOT NULL,
	to_actor TEXT NOT NULL,
	handoff_type TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	context_snapshot TEXT NOT NULL DEFAULT '',
	at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_handoffs_execution ON handoffs(execution_id, at);

CREATE TABLE IF NOT EXISTS ralph_loops (
	id TEXT PRIMARY KEY,
	attempt_id TEXT NOT NULL,
	execution_id TEXT NOT NULL DEFAULT '',
	current_iteration INTEGER NOT NULL DEFAULT 0 CHECK (current_iteration >= 0),
	max_iterations INTEGER NOT NULL CHECK (max_iterations > 0),
	session_token TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	completion_promise TEXT NOT NULL,
	exit_signal_key TEXT NOT NULL,
	completion_detected_at INTEGER,
	final_validation_passed INTEGER NOT NULL DEFAULT 0,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cost_usd REAL NOT NULL DEFAULT 0,
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	started_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	ended_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_loops_status ON ralph_loops(status);

CREATE TABLE IF NOT EXISTS ralph_iterations (
	id TEXT PRIMARY KEY,
	loop_id TEXT NOT NULL REFERENCES ralph_loops(id),
	number INTEGER NOT NULL CHECK (number >= 1),
	status TEXT NOT NULL,
	completion_signal_found INTEGER NOT NULL DEFAULT 0,
	exit_signal_found INTEGER NOT NULL DEFAULT 0,
	backpressure TEXT NOT NULL DEFAULT '',
	backpressure_passed INTEGER NOT NULL DEFAULT 0,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cost_usd REAL NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	output_summary TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	files_changed TEXT NOT NULL DEFAULT '',
	external_calls TEXT NOT NULL DEFAULT '',
	started_at INTEGER NOT NULL,
	ended_at INTEGER,
	UNIQUE (loop_id, number)
);

CREATE TABLE IF NOT EXISTS checkpoint_definitions (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL,
	type TEXT NOT NULL,
	condition TEXT NOT NULL,
	requires_approval INTEGER NOT NULL,
	auto_approve_after INTEGER,
	expires_after INTEGER,
	priority INTEGER NOT NULL DEFAULT 0,
	active INTEGER NOT NULL DEFAULT 1,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS execution_checkpoints (
	id TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL,
	origin_kind TEXT NOT NULL,
	definition_id TEXT NOT NULL DEFAULT '',
	custom_reason TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL,
	trigger_data TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	requires_approval INTEGER NOT NULL,
	reviewer TEXT NOT NULL DEFAULT '',
	review_note TEXT NOT NULL DEFAULT '',
	reviewed_at INTEGER,
	auto_approve_at INTEGER,
	expires_at INTEGER,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_execution ON execution_checkpoints(execution_id, created_at);
CREATE INDEX IF NOT EXISTS idx_checkpoints_pending ON execution_checkpoints(status) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS approval_gates (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL DEFAULT '',
	task_id TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL,
	type TEXT NOT NULL,
	approvers TEXT NOT NULL DEFAULT '',
	min_approvals INTEGER NOT NULL CHECK (min_approvals >= 1),
	conditions TEXT NOT NULL DEFAULT '',
	active INTEGER NOT NULL DEFAULT 1,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS pending_gates (
	id TEXT PRIMARY KEY,
	gate_id TEXT NOT NULL REFERENCES approval_gates(id),
	execution_id TEXT NOT NULL,
	name TEXT NOT NULL,
	type TEXT NOT NULL,
	approvers TEXT NOT NULL DEFAULT '',
	min_approvals INTEGER NOT NULL,
	status TEXT NOT NULL,
	approval_count INTEGER NOT NULL DEFAULT 0,
	rejection_count INTEGER NOT NULL DEFAULT 0,
	abstention_count INTEGER NOT NULL DEFAULT 0,
	resolved_at INTEGER,
	resolved_by TEXT NOT NULL DEFAULT '',
	bypass_reason TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pending_gates_execution ON pending_gates(execution_id);

CREATE TABLE IF NOT EXISTS gate_approvals (
	id TEXT PRIMARY KEY,
	pending_gate_id TEXT NOT NULL REFERENCES pending_gates(id),
	approver TEXT NOT NULL,
	decision TEXT NOT NULL,
	comment TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	UNIQUE (pending_gate_id, approver)
);
`

// withTx runs fn in a transaction, committing on nil error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// notFoundError wraps both the owning package's sentinel and ErrNotFound.
type notFoundError struct {
	domain error
	what   string
}

func (e *notFoundError) Error() string   { return e.what + ": " + e.domain.Error() }
func (e *notFoundError) Unwrap() []error { return []error{e.domain, ErrNotFound} }

func notFound(domain error, kind, id string) error {
	return &notFoundError{domain: domain, what: kind + " " + id}
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	code := se.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

// Times are stored as Unix nanoseconds.

func ts(t time.Time) int64 { return t.UnixNano() }

func fromTS(n int64) time.Time { return time.Unix(0, n).UTC() }

// leaseTS stores the zero time as 0 so an unset lease reads as expired.
func leaseTS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func nullTS(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func tsPtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromTS(n.Int64)
	return &t
}

func nullDuration(d *time.Duration) sql.NullInt64 {
	if d == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*d), Valid: true}
}

func durationPtr(n sql.NullInt64) *time.Duration {
	if !n.Valid {
		return nil
	}
	d := time.Duration(n.Int64)
	return &d
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
