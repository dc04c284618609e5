// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Timeline kinds. Statistics snapshots, checkpoints, and audit events are
// append-only: they are never edited in place. Per prd001-context-memory R4.
const (
	TimelineSnapshot   = "snapshot"
	TimelineCheckpoint = "checkpoint"
	TimelineTranscript = "transcript"
	TimelineAudit      = "audit"
)

// checkpointPayload records the timeline position a checkpoint covers.
type checkpointPayload struct {
	ThroughSeq int64     `json:"through_seq"`
	CreatedAt  time.Time `json:"created_at"`
}

// AppendTimeline appends one immutable record to the timeline and returns
// its sequence number. Sequence numbers are monotonically increasing, which
// totally orders statistics snapshots (R4.1).
func (s *Store) AppendTimeline(ctx context.Context, kind string, payload any) (int64, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("encoding timeline %s: %w", kind, err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO timeline (kind, payload, created_at) VALUES (?, ?, ?)`,
		kind, string(body), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("appending timeline %s: %w", kind, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading timeline sequence: %w", err)
	}
	return seq, nil
}

// ScanTimeline replays timeline records of a kind with seq > sinceSeq, in
// order. Replaying from the last checkpoint reconstructs a session (R5.1).
func (s *Store) ScanTimeline(ctx context.Context, kind string, sinceSeq int64, fn func(seq int64, payload []byte) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, payload FROM timeline WHERE kind = ? AND seq > ? ORDER BY seq`,
		kind, sinceSeq,
	)
	if err != nil {
		return fmt.Errorf("scanning timeline %s: %w", kind, err)
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		var payload string
		if err := rows.Scan(&seq, &payload); err != nil {
			return fmt.Errorf("reading timeline row: %w", err)
		}
		if err := fn(seq, []byte(payload)); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Checkpoint appends a checkpoint marker covering everything up to the
// current timeline position and returns the marker's sequence number (R5.2).
func (s *Store) Checkpoint(ctx context.Context) (int64, error) {
	var through sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT max(seq) FROM timeline`).Scan(&through); err != nil {
		return 0, fmt.Errorf("reading timeline position: %w", err)
	}
	return s.AppendTimeline(ctx, TimelineCheckpoint, checkpointPayload{
		ThroughSeq: through.Int64,
		CreatedAt:  time.Now().UTC(),
	})
}

// LastCheckpoint returns the timeline sequence covered by the most recent
// checkpoint, or 0 if the session has never checkpointed. Replay resumes
// from this position.
func (s *Store) LastCheckpoint(ctx context.Context) (int64, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM timeline WHERE kind = ? ORDER BY seq DESC LIMIT 1`,
		TimelineCheckpoint,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading last checkpoint: %w", err)
	}
	var cp checkpointPayload
	if err := json.Unmarshal([]byte(payload), &cp); err != nil {
		return 0, fmt.Errorf("decoding checkpoint: %w", err)
	}
	return cp.ThroughSeq, nil
}
