// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package memory persists all engine entities in a versioned SQLite store.
// Implements: prd001-context-memory (R1-R5);
//
//	docs/ARCHITECTURE § Context Memory.
//
// Memory is the only shared mutable resource in the engine: the tournament,
// proximity graph, queue, and supervisor coordinate exclusively by
// committing and reading records here. Every entity write is optimistic-
// concurrency-controlled: callers supply the version they last observed and
// a mismatch fails with ErrVersionConflict, requiring a reread and retry.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/pdiddy/hypothesis-engine/pkg/types"
)

// Entity kinds addressable as (kind, id) pairs. Per prd001-context-memory R2.1.
const (
	KindGoal       = "goal"
	KindHypothesis = "hypothesis"
	KindReview     = "review"
	KindMatch      = "match"
	KindRating     = "rating"
	KindEdge       = "edge"
	KindOverview   = "overview"
	KindSession    = "session"
)

var (
	// ErrVersionConflict is returned when a Put's expected version does not
	// match the stored version. Transient: reread and retry.
	ErrVersionConflict = errors.New("memory: version conflict")

	// ErrNotFound is returned when no record exists for (kind, id).
	ErrNotFound = errors.New("memory: record not found")
)

// Store is the versioned record store backing the whole engine.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the store at cfg.Path, creating the schema if it
// does not exist (R1.2, R1.3).
func Open(cfg types.MemoryConfig) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("creating memory directory: %w", err)
	}

	// _txlock=immediate makes transactions take the write lock up front, so
	// concurrent workers queue on busy_timeout instead of failing a
	// deferred-lock upgrade mid-transaction.
	db, err := sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Store{db: db, path: cfg.Path}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

func (s *Store) createSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS records (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			id TEXT NOT NULL,
			version INTEGER NOT NULL,
			body TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE(kind, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_records_kind ON records(kind)`,
		`CREATE TABLE IF NOT EXISTS record_history (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			id TEXT NOT NULL,
			version INTEGER NOT NULL,
			body TEXT NOT NULL,
			superseded_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS timeline (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_timeline_kind ON timeline(kind)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			targets TEXT NOT NULL,
			priority INTEGER NOT NULL,
			retries INTEGER NOT NULL,
			last_error TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, priority, seq)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("executing schema statement: %w", err)
		}
	}
	return nil
}

// Op is one version-checked write, applied atomically with the rest of its
// batch by PutAll. ExpectedVersion 0 creates the record.
type Op struct {
	Kind            string
	ID              string
	Record          any
	ExpectedVersion int64
}

// Put writes one record under optimistic concurrency control and returns the
// new version. ExpectedVersion 0 requires that the record does not exist yet;
// any mismatch between the expected and stored version fails with
// ErrVersionConflict (R3.1-R3.3).
func (s *Store) Put(ctx context.Context, kind, id string, record any, expectedVersion int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	newVersion, err := putInTx(ctx, tx, Op{Kind: kind, ID: id, Record: record, ExpectedVersion: expectedVersion})
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing put: %w", err)
	}
	return newVersion, nil
}

// PutAll applies every op in one transaction. If any version check fails the
// whole batch rolls back with ErrVersionConflict, so callers never observe a
// partially applied batch (R3.4). The tournament uses this to commit a match
// record and both rating updates as a unit.
func (s *Store) PutAll(ctx context.Context, ops ...Op) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, op := range ops {
		if _, err := putInTx(ctx, tx, op); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func putInTx(ctx context.Context, tx *sql.Tx, op Op) (int64, error) {
	body, err := json.Marshal(op.Record)
	if err != nil {
		return 0, fmt.Errorf("encoding %s/%s: %w", op.Kind, op.ID, err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	if op.ExpectedVersion == 0 {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO records (kind, id, version, body, updated_at) VALUES (?, ?, 1, ?, ?)`,
			op.Kind, op.ID, string(body), now,
		)
		if err != nil {
			var sqlErr sqlite3.Error
			if errors.As(err, &sqlErr) && sqlErr.Code == sqlite3.ErrConstraint {
				return 0, fmt.Errorf("%s/%s already exists: %w", op.Kind, op.ID, ErrVersionConflict)
			}
			return 0, fmt.Errorf("inserting %s/%s: %w", op.Kind, op.ID, err)
		}
		return 1, nil
	}

	// Retain the superseded version for audit before overwriting (R2.4).
	_, err = tx.ExecContext(ctx,
		`INSERT INTO record_history (kind, id, version, body, superseded_at)
		 SELECT kind, id, version, body, ? FROM records WHERE kind = ? AND id = ? AND version = ?`,
		now, op.Kind, op.ID, op.ExpectedVersion,
	)
	if err != nil {
		return 0, fmt.Errorf("recording history for %s/%s: %w", op.Kind, op.ID, err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE records SET version = version + 1, body = ?, updated_at = ?
		 WHERE kind = ? AND id = ? AND version = ?`,
		string(body), now, op.Kind, op.ID, op.ExpectedVersion,
	)
	if err != nil {
		return 0, fmt.Errorf("updating %s/%s: %w", op.Kind, op.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking update of %s/%s: %w", op.Kind, op.ID, err)
	}
	if n == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx,
			`SELECT count(*) FROM records WHERE kind = ? AND id = ?`, op.Kind, op.ID,
		).Scan(&exists); err != nil {
			return 0, fmt.Errorf("checking existence of %s/%s: %w", op.Kind, op.ID, err)
		}
		if exists == 0 {
			return 0, fmt.Errorf("%s/%s: %w", op.Kind, op.ID, ErrNotFound)
		}
		return 0, fmt.Errorf("%s/%s at version %d: %w", op.Kind, op.ID, op.ExpectedVersion, ErrVersionConflict)
	}
	return op.ExpectedVersion + 1, nil
}

// Get unmarshals the record for (kind, id) into out and returns its current
// version. Returns ErrNotFound if no record exists.
func (s *Store) Get(ctx context.Context, kind, id string, out any) (int64, error) {
	var version int64
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT version, body FROM records WHERE kind = ? AND id = ?`, kind, id,
	).Scan(&version, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%s/%s: %w", kind, id, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("reading %s/%s: %w", kind, id, err)
	}
	if err := json.Unmarshal([]byte(body), out); err != nil {
		return 0, fmt.Errorf("decoding %s/%s: %w", kind, id, err)
	}
	return version, nil
}

// History replays the superseded versions of (kind, id) oldest first. The
// current version is not included; read it with Get. Every overwrite retains
// the prior body, so revised goals stay auditable (R2.4).
func (s *Store) History(ctx context.Context, kind, id string, fn func(version int64, body []byte) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT version, body FROM record_history WHERE kind = ? AND id = ? ORDER BY version`,
		kind, id,
	)
	if err != nil {
		return fmt.Errorf("reading %s/%s history: %w", kind, id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var version int64
		var body string
		if err := rows.Scan(&version, &body); err != nil {
			return fmt.Errorf("reading %s/%s history row: %w", kind, id, err)
		}
		if err := fn(version, []byte(body)); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Scan iterates all records of a kind in commit order. Commit order matters:
// replaying matches in the order Scan yields them must reproduce the
// incrementally maintained ratings (R4.2).
func (s *Store) Scan(ctx context.Context, kind string, fn func(id string, version int64, body []byte) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, version, body FROM records WHERE kind = ? ORDER BY seq`, kind,
	)
	if err != nil {
		return fmt.Errorf("scanning %s records: %w", kind, err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, body string
		var version int64
		if err := rows.Scan(&id, &version, &body); err != nil {
			return fmt.Errorf("reading %s row: %w", kind, err)
		}
		if err := fn(id, version, []byte(body)); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Delete removes a record under version control. Only proximity edges are
// ever deleted; entities are superseded, never removed.
func (s *Store) Delete(ctx context.Context, kind, id string, expectedVersion int64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM records WHERE kind = ? AND id = ? AND version = ?`,
		kind, id, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("deleting %s/%s: %w", kind, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking delete of %s/%s: %w", kind, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s/%s at version %d: %w", kind, id, expectedVersion, ErrVersionConflict)
	}
	return nil
}

// Count returns the number of records of a kind.
func (s *Store) Count(ctx context.Context, kind string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM records WHERE kind = ?`, kind,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting %s records: %w", kind, err)
	}
	return n, nil
}
