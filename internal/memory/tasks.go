// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pdiddy/hypothesis-engine/pkg/types"
)

// ErrBacklogFull is returned when a generate enqueue would push the queued
// backlog past the configured bound. Unreviewed/unranked backlog growth is
// worse than paused expansion, so generate throttles first (R3.4).
var ErrBacklogFull = errors.New("memory: task backlog full")

// EnqueueTask durably appends a task in status queued. Priority is assigned
// by the caller; smaller values dequeue first, FIFO within a priority.
// When backlogBound > 0 and the task is a generate, the enqueue is rejected
// with ErrBacklogFull once the queued depth reaches the bound.
func (s *Store) EnqueueTask(ctx context.Context, task types.Task, backlogBound int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if backlogBound > 0 && task.Type == types.TaskGenerate {
		var depth int
		if err := tx.QueryRowContext(ctx,
			`SELECT count(*) FROM tasks WHERE status = ?`, types.TaskQueued,
		).Scan(&depth); err != nil {
			return fmt.Errorf("reading queue depth: %w", err)
		}
		if depth >= backlogBound {
			return ErrBacklogFull
		}
	}

	targets, err := json.Marshal(task.Targets)
	if err != nil {
		return fmt.Errorf("encoding task targets: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO tasks (id, type, status, targets, priority, retries, last_error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Type, types.TaskQueued, string(targets),
		task.Priority, task.Retries, task.LastError, now, now,
	)
	if err != nil {
		return fmt.Errorf("inserting task %s: %w", task.ID, err)
	}
	return tx.Commit()
}

// DequeueTask claims the highest-priority queued task, transitions it to
// in-progress, and returns it. Returns nil when the queue is empty. The
// claim is transactional so two workers can never receive the same task.
func (s *Store) DequeueTask(ctx context.Context) (*types.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	task, err := scanTaskRow(tx.QueryRowContext(ctx,
		`SELECT id, type, status, targets, priority, retries, last_error, created_at, updated_at
		 FROM tasks WHERE status = ? ORDER BY priority, seq LIMIT 1`, types.TaskQueued,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		types.TaskInProgress, time.Now().UTC().Format(time.RFC3339Nano),
		task.ID, types.TaskQueued,
	)
	if err != nil {
		return nil, fmt.Errorf("claiming task %s: %w", task.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("task %s claimed concurrently: %w", task.ID, ErrVersionConflict)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim of %s: %w", task.ID, err)
	}

	task.Status = types.TaskInProgress
	return task, nil
}

// CompleteTask transitions an in-progress task to done. The transition is
// guarded so a task can never move backwards (R2.2).
func (s *Store) CompleteTask(ctx context.Context, id string) error {
	return s.transitionTask(ctx, id, types.TaskInProgress, types.TaskDone, "")
}

// FailTask records a failure on an in-progress task. While retries remain
// it requeues the task with an incremented retry count; at the limit the
// task becomes terminal dead (R2.3). The resulting status is returned.
func (s *Store) FailTask(ctx context.Context, id, reason string, retryLimit int) (types.TaskStatus, error) {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return "", err
	}
	next := types.TaskQueued
	if task.Retries+1 >= retryLimit {
		next = types.TaskDead
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, retries = retries + 1, last_error = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		next, reason, time.Now().UTC().Format(time.RFC3339Nano),
		id, types.TaskInProgress,
	)
	if err != nil {
		return "", fmt.Errorf("failing task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", fmt.Errorf("task %s not in progress: %w", id, ErrVersionConflict)
	}
	return next, nil
}

// RecoverTasks requeues every task left in-progress by a previous process,
// so a crash mid-task never loses work (R5.3). It returns the IDs requeued
// and records the recovery on the timeline for audit.
func (s *Store) RecoverTasks(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM tasks WHERE status = ?`, types.TaskInProgress,
	)
	if err != nil {
		return nil, fmt.Errorf("finding in-progress tasks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("reading task id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			types.TaskQueued, now, id, types.TaskInProgress,
		); err != nil {
			return nil, fmt.Errorf("requeueing task %s: %w", id, err)
		}
	}

	if _, err := s.AppendTimeline(ctx, TimelineAudit, map[string]any{
		"event": "tasks_recovered",
		"tasks": ids,
	}); err != nil {
		return nil, err
	}
	return ids, nil
}

// GetTask returns one task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*types.Task, error) {
	task, err := scanTaskRow(s.db.QueryRowContext(ctx,
		`SELECT id, type, status, targets, priority, retries, last_error, created_at, updated_at
		 FROM tasks WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return task, err
}

// TaskCounts returns task counts grouped by status and, for queued tasks,
// by type. Dead tasks appear in the status counts rather than vanishing.
func (s *Store) TaskCounts(ctx context.Context) (map[types.TaskStatus]int, map[types.TaskType]int, error) {
	byStatus := make(map[types.TaskStatus]int)
	rows, err := s.db.QueryContext(ctx, `SELECT status, count(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, nil, fmt.Errorf("counting tasks by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, nil, fmt.Errorf("reading status count: %w", err)
		}
		byStatus[types.TaskStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	pendingByType := make(map[types.TaskType]int)
	rows2, err := s.db.QueryContext(ctx,
		`SELECT type, count(*) FROM tasks WHERE status = ? GROUP BY type`, types.TaskQueued,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("counting queued tasks by type: %w", err)
	}
	defer rows2.Close()
	for rows2.Next() {
		var taskType string
		var n int
		if err := rows2.Scan(&taskType, &n); err != nil {
			return nil, nil, fmt.Errorf("reading type count: %w", err)
		}
		pendingByType[types.TaskType(taskType)] = n
	}
	return byStatus, pendingByType, rows2.Err()
}

// YieldByType counts done tasks per type over the session.
func (s *Store) YieldByType(ctx context.Context) (map[types.TaskType]int, error) {
	yield := make(map[types.TaskType]int)
	rows, err := s.db.QueryContext(ctx,
		`SELECT type, count(*) FROM tasks WHERE status = ? GROUP BY type`, types.TaskDone,
	)
	if err != nil {
		return nil, fmt.Errorf("counting done tasks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var taskType string
		var n int
		if err := rows.Scan(&taskType, &n); err != nil {
			return nil, fmt.Errorf("reading yield count: %w", err)
		}
		yield[types.TaskType(taskType)] = n
	}
	return yield, rows.Err()
}

// DeadTasks returns every terminal-dead task for diagnosis (R2.4).
func (s *Store) DeadTasks(ctx context.Context) ([]types.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, status, targets, priority, retries, last_error, created_at, updated_at
		 FROM tasks WHERE status = ? ORDER BY seq`, types.TaskDead,
	)
	if err != nil {
		return nil, fmt.Errorf("listing dead tasks: %w", err)
	}
	defer rows.Close()

	var tasks []types.Task
	for rows.Next() {
		task, err := scanTaskRows(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

func (s *Store) transitionTask(ctx context.Context, id string, from, to types.TaskStatus, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, last_error = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, reason, time.Now().UTC().Format(time.RFC3339Nano), id, from,
	)
	if err != nil {
		return fmt.Errorf("transitioning task %s to %s: %w", id, to, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s not in status %s: %w", id, from, ErrVersionConflict)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTaskRow(row rowScanner) (*types.Task, error) {
	var task types.Task
	var targets, createdAt, updatedAt string
	err := row.Scan(&task.ID, &task.Type, &task.Status, &targets,
		&task.Priority, &task.Retries, &task.LastError, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(targets), &task.Targets); err != nil {
		return nil, fmt.Errorf("decoding targets of task %s: %w", task.ID, err)
	}
	task.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	task.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &task, nil
}

func scanTaskRows(rows *sql.Rows) (*types.Task, error) {
	task, err := scanTaskRow(rows)
	if err != nil {
		return nil, fmt.Errorf("reading task row: %w", err)
	}
	return task, nil
}
