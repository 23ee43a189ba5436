// Package sqlitestore is the embedded single-site backend for sterilis. It
// implements the same operations as the PostgreSQL store on one local
// SQLite file and returns the storage package's sentinel errors, so the
// services cannot tell the two apart.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// timeFormat is fixed-width so that TEXT timestamps sort chronologically.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

const schema = `
CREATE TABLE IF NOT EXISTS operators (
    id           TEXT PRIMARY KEY,
    operator_id  TEXT NOT NULL,
    facility_id  TEXT NOT NULL,
    name         TEXT NOT NULL,
    role         TEXT NOT NULL,
    api_key_hash TEXT,
    created_at   TEXT NOT NULL,
    UNIQUE (facility_id, operator_id)
);

CREATE TABLE IF NOT EXISTS tools (
    id               TEXT PRIMARY KEY,
    facility_id      TEXT NOT NULL,
    barcode          TEXT NOT NULL,
    name             TEXT NOT NULL,
    is_p2_tool       INTEGER NOT NULL DEFAULT 0,
    current_phase    TEXT,
    status           TEXT NOT NULL,
    current_cycle_id TEXT,
    created_at       TEXT NOT NULL,
    updated_at       TEXT NOT NULL,
    UNIQUE (facility_id, barcode)
);

CREATE TABLE IF NOT EXISTS cycles (
    id           TEXT PRIMARY KEY,
    facility_id  TEXT NOT NULL,
    phase        TEXT NOT NULL,
    status       TEXT NOT NULL,
    version      INTEGER NOT NULL,
    created_by   TEXT NOT NULL,
    created_at   TEXT NOT NULL,
    updated_at   TEXT NOT NULL,
    completed_at TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_cycles_one_active ON cycles (facility_id) WHERE status = 'active';

CREATE TABLE IF NOT EXISTS cycle_tools (
    cycle_id TEXT NOT NULL REFERENCES cycles (id),
    tool_id  TEXT NOT NULL REFERENCES tools (id),
    position INTEGER NOT NULL,
    added_at TEXT NOT NULL,
    PRIMARY KEY (cycle_id, tool_id)
);

CREATE TABLE IF NOT EXISTS batches (
    id            TEXT PRIMARY KEY,
    facility_id   TEXT NOT NULL,
    batch_code    TEXT,
    status        TEXT NOT NULL,
    package_type  TEXT NOT NULL DEFAULT '',
    package_size  TEXT NOT NULL DEFAULT '',
    package_notes TEXT NOT NULL DEFAULT '',
    new_load      INTEGER NOT NULL DEFAULT 0,
    created_by    TEXT NOT NULL,
    created_at    TEXT NOT NULL,
    updated_at    TEXT NOT NULL,
    UNIQUE (facility_id, batch_code)
);

CREATE TABLE IF NOT EXISTS batch_tools (
    batch_id TEXT NOT NULL REFERENCES batches (id),
    tool_id  TEXT NOT NULL REFERENCES tools (id),
    is_open  INTEGER NOT NULL DEFAULT 1,
    added_at TEXT NOT NULL,
    PRIMARY KEY (batch_id, tool_id)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_batch_tools_one_open ON batch_tools (tool_id) WHERE is_open = 1;

CREATE TABLE IF NOT EXISTS batch_sequences (
    facility_id TEXT NOT NULL,
    day         TEXT NOT NULL,
    last_value  INTEGER NOT NULL,
    PRIMARY KEY (facility_id, day)
);

CREATE TABLE IF NOT EXISTS compliance_settings (
    facility_id       TEXT PRIMARY KEY,
    enforce_ci        INTEGER NOT NULL,
    enforce_bi        INTEGER NOT NULL,
    allow_overrides   INTEGER NOT NULL,
    batch_code_prefix TEXT NOT NULL,
    updated_at        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS bi_incidents (
    id                   TEXT PRIMARY KEY,
    facility_id          TEXT NOT NULL,
    incident_date        TEXT NOT NULL,
    affected_tools_count INTEGER NOT NULL,
    affected_batch_ids   TEXT NOT NULL DEFAULT '[]',
    quarantined_tool_ids TEXT NOT NULL DEFAULT '[]',
    operator             TEXT NOT NULL,
    active               INTEGER NOT NULL,
    resolved_at          TEXT,
    resolved_by          TEXT,
    resolution_notes     TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_bi_incidents_one_active ON bi_incidents (facility_id) WHERE active = 1;

CREATE TABLE IF NOT EXISTS audit_events (
    id          TEXT PRIMARY KEY,
    facility_id TEXT NOT NULL,
    owner_type  TEXT NOT NULL,
    owner_id    TEXT NOT NULL,
    action      TEXT NOT NULL,
    details     TEXT NOT NULL DEFAULT '',
    operator    TEXT NOT NULL,
    metadata    TEXT NOT NULL DEFAULT '{}',
    created_at  TEXT NOT NULL,
    content_hash TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_audit_events_owner ON audit_events (facility_id, owner_type, owner_id, created_at);

CREATE TRIGGER IF NOT EXISTS trg_audit_events_no_update BEFORE UPDATE ON audit_events
BEGIN
    SELECT RAISE(ABORT, 'audit_events is append-only');
END;
CREATE TRIGGER IF NOT EXISTS trg_audit_events_no_delete BEFORE DELETE ON audit_events
BEGIN
    SELECT RAISE(ABORT, 'audit_events is append-only');
END;
`

// Store implements the sterilis persistence operations on SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the database at path, enables WAL mode and a
// busy timeout, and creates the schema if it does not exist.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open database: %w", err)
	}
	// SQLite has a single writer. One pooled connection keeps every
	// transaction serialized and the PRAGMAs below in effect.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlitestore: %s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: create schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close(_ context.Context) {
	if err := s.db.Close(); err != nil {
		s.logger.Warn("sqlitestore: close database", "error", err)
	}
}

// inTx runs fn in a transaction and commits when it returns nil.
func (s *Store) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlitestore: begin %s tx: %w", op, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlitestore: commit %s tx: %w", op, err)
	}
	return nil
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

func ts(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func nullTS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return ts(*t)
}

func parseTS(s string) (time.Time, error) {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("sqlitestore: parse time %q: %w", s, err)
	}
	return t, nil
}

func parseNullTS(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTS(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullText(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// inList expands ids into "?, ?, ?" placeholders and matching args.
func inList(ids []uuid.UUID) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id.String()
	}
	return strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", "), args
}
