// Package history persists a single-table audit log of tunnel sessions,
// using a pure-Go SQLite driver, a WAL pragma connection string, and
// versioned migrations gated on a schema_state table.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Outcome is the closed set of terminal session outcomes.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeFailed      Outcome = "failed"
	OutcomeRolledBack  Outcome = "rolled-back"
)

// Kind distinguishes a quick (ephemeral) session from a named one.
type Kind string

const (
	KindQuick Kind = "quick"
	KindNamed Kind = "named"
)

// SessionRecord is one row of the session audit log.
type SessionRecord struct {
	ID         string
	Port       int
	Hostname   string
	Kind       Kind
	Outcome    Outcome
	MethodUsed string
	StartedAt  time.Time
	FinishedAt *time.Time
	LastError  string
}

// ErrNotFound is returned by Get when no record matches.
var ErrNotFound = errors.New("session record not found")

// Store is a SQLite-backed SessionHistory. This process is the sole writer;
// the WAL pragma allows concurrent readers (e.g. the event server's status
// endpoint running in the same process, or an external inspection tool).
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite file at path and runs pending
// migrations.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to history database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

type migration struct {
	version int
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		sql: `
			CREATE TABLE IF NOT EXISTS sessions (
				id TEXT PRIMARY KEY,
				port INTEGER NOT NULL,
				hostname TEXT,
				kind TEXT NOT NULL,
				outcome TEXT,
				method_used TEXT,
				started_at TIMESTAMP NOT NULL,
				finished_at TIMESTAMP,
				last_error TEXT
			);
			CREATE INDEX IF NOT EXISTS idx_sessions_started_at ON sessions(started_at);
		`,
	},
}

func (s *Store) migrate(ctx context.Context) error {
	s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_state (
		key TEXT PRIMARY KEY,
		value TEXT
	)`)

	current := s.schemaVersion(ctx)
	for _, m := range migrations {
		if m.version > current {
			if _, err := s.db.ExecContext(ctx, m.sql); err != nil {
				return fmt.Errorf("migration %d: %w", m.version, err)
			}
			if err := s.setSchemaVersion(ctx, m.version); err != nil {
				return fmt.Errorf("recording migration %d: %w", m.version, err)
			}
		}
	}
	return nil
}

func (s *Store) schemaVersion(ctx context.Context) int {
	row := s.db.QueryRowContext(ctx, `SELECT value FROM schema_state WHERE key = 'version'`)
	var value string
	if err := row.Scan(&value); err != nil {
		return 0
	}
	var version int
	fmt.Sscanf(value, "%d", &version)
	return version
}

func (s *Store) setSchemaVersion(ctx context.Context, version int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schema_state (key, value) VALUES ('version', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, fmt.Sprintf("%d", version))
	return err
}

// Record inserts a new in-progress session row.
func (s *Store) Record(ctx context.Context, rec SessionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, port, hostname, kind, started_at)
		VALUES (?, ?, ?, ?, ?)
	`, rec.ID, rec.Port, rec.Hostname, rec.Kind, rec.StartedAt)
	return err
}

// Finish sets the terminal outcome, method, and optional error for an
// existing session row.
func (s *Store) Finish(ctx context.Context, id string, outcome Outcome, methodUsed, lastError string, finishedAt time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET outcome = ?, method_used = ?, last_error = ?, finished_at = ?
		WHERE id = ?
	`, outcome, methodUsed, lastError, finishedAt, id)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Get retrieves a single session by id.
func (s *Store) Get(ctx context.Context, id string) (SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, port, hostname, kind, outcome, method_used, started_at, finished_at, last_error
		FROM sessions WHERE id = ?
	`, id)
	return scanSession(row)
}

// List returns every session ordered most-recent-first.
func (s *Store) List(ctx context.Context) ([]SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, port, hostname, kind, outcome, method_used, started_at, finished_at, last_error
		FROM sessions ORDER BY started_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		rec, err := scanSessionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row *sql.Row) (SessionRecord, error) {
	rec, err := scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, ErrNotFound
	}
	return rec, err
}

func scanSessionRows(rows *sql.Rows) (SessionRecord, error) {
	return scanRow(rows)
}

func scanRow(s scanner) (SessionRecord, error) {
	var rec SessionRecord
	var hostname, outcome, methodUsed, lastError sql.NullString
	var kind string
	var finishedAt sql.NullTime

	err := s.Scan(&rec.ID, &rec.Port, &hostname, &kind, &outcome, &methodUsed, &rec.StartedAt, &finishedAt, &lastError)
	if err != nil {
		return SessionRecord{}, err
	}

	rec.Hostname = hostname.String
	rec.Kind = Kind(kind)
	rec.Outcome = Outcome(outcome.String)
	rec.MethodUsed = methodUsed.String
	rec.LastError = lastError.String
	if finishedAt.Valid {
		t := finishedAt.Time
		rec.FinishedAt = &t
	}
	return rec, nil
}
