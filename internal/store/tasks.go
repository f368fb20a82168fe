package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/taskkeep/taskkeep/internal/task"
)

// ErrNotFound is returned when a task does not exist.
var ErrNotFound = errors.New("task not found")

// SaveTask writes a task through the user-facing write path: it stamps
// updated_at, upserts the task, and appends one pending change, all in a
// single transaction. op must be task.OpCreate or task.OpUpdate.
func (s *Store) SaveTask(ctx context.Context, t *task.Task, op task.Operation) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}
	t.Touch()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := upsertTaskTx(ctx, tx, t); err != nil {
		return err
	}
	if err := appendChangeTx(ctx, tx, t.ID, op, t.UpdatedAt); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit task write: %w", err)
	}
	return nil
}

// SoftDeleteTask tombstones a task and records a delete change in the
// same transaction. Deleting an already-deleted or missing task returns
// ErrNotFound.
func (s *Store) SoftDeleteTask(ctx context.Context, id string) error {
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if t.Deleted() {
		return ErrNotFound
	}

	now := time.Now().UTC()
	t.DeletedAt = &now
	t.UpdatedAt = now

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := upsertTaskTx(ctx, tx, t); err != nil {
		return err
	}
	if err := appendChangeTx(ctx, tx, t.ID, task.OpDelete, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	return nil
}

// UpsertTask writes a task without touching timestamps or the pending
// queue. This is the sync engine's path for applying remote state.
func (s *Store) UpsertTask(ctx context.Context, t *task.Task) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	if err := upsertTaskTx(ctx, tx, t); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit upsert: %w", err)
	}
	return nil
}

func upsertTaskTx(ctx context.Context, tx *sql.Tx, t *task.Task) error {
	recurrence, err := jsonToNullString(t.Recurrence, t.Recurrence == nil)
	if err != nil {
		return err
	}
	project, err := jsonToNullString(t.Project, t.Project == nil)
	if err != nil {
		return err
	}

	query := `
	INSERT INTO tasks (
		id, name, type, estimate_minutes, effort, location, status,
		priority, deadline, depends_on, created_at, updated_at,
		deleted_at, recurrence, project
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		type = excluded.type,
		estimate_minutes = excluded.estimate_minutes,
		effort = excluded.effort,
		location = excluded.location,
		status = excluded.status,
		priority = excluded.priority,
		deadline = excluded.deadline,
		depends_on = excluded.depends_on,
		updated_at = excluded.updated_at,
		deleted_at = excluded.deleted_at,
		recurrence = excluded.recurrence,
		project = excluded.project
	`

	_, err = tx.ExecContext(ctx, query,
		t.ID,
		t.Name,
		string(t.Type),
		t.EstimateMinutes,
		t.Effort,
		t.Location,
		t.Status,
		t.Priority,
		timeToNullString(t.Deadline),
		t.DependsOn,
		t.CreatedAt.UTC().Format(time.RFC3339Nano),
		t.UpdatedAt.UTC().Format(time.RFC3339Nano),
		timeToNullString(t.DeletedAt),
		recurrence,
		project,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert task %s: %w", t.ID, err)
	}
	return nil
}

// GetTask retrieves a single task by ID, tombstoned or not.
func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	row := s.conn.QueryRowContext(ctx, selectTaskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// ListTasks returns all live tasks ordered by priority, then creation.
// With includeDeleted, tombstoned tasks are returned too.
func (s *Store) ListTasks(ctx context.Context, includeDeleted bool) ([]*task.Task, error) {
	query := selectTaskColumns + ` FROM tasks`
	if !includeDeleted {
		query += ` WHERE deleted_at IS NULL`
	}
	query += ` ORDER BY priority ASC, created_at ASC`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

// TaskCount returns the number of live tasks.
func (s *Store) TaskCount(ctx context.Context) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE deleted_at IS NULL`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count tasks: %w", err)
	}
	return count, nil
}

const selectTaskColumns = `
	SELECT id, name, type, estimate_minutes, effort, location, status,
	       priority, deadline, depends_on, created_at, updated_at,
	       deleted_at, recurrence, project`

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*task.Task, error) {
	var t task.Task
	var typ, createdAt, updatedAt string
	var deadline, deletedAt, recurrence, project sql.NullString

	err := row.Scan(
		&t.ID,
		&t.Name,
		&typ,
		&t.EstimateMinutes,
		&t.Effort,
		&t.Location,
		&t.Status,
		&t.Priority,
		&deadline,
		&t.DependsOn,
		&createdAt,
		&updatedAt,
		&deletedAt,
		&recurrence,
		&project,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}

	t.Type = task.Type(typ)
	if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		t.CreatedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		t.UpdatedAt = ts
	}
	t.Deadline = nullStringToTime(deadline)
	t.DeletedAt = nullStringToTime(deletedAt)

	if recurrence.Valid {
		var r task.Recurrence
		if err := json.Unmarshal([]byte(recurrence.String), &r); err != nil {
			return nil, fmt.Errorf("failed to unmarshal recurrence for %s: %w", t.ID, err)
		}
		t.Recurrence = &r
	}
	if project.Valid {
		var p task.Project
		if err := json.Unmarshal([]byte(project.String), &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal project config for %s: %w", t.ID, err)
		}
		t.Project = &p
	}
	return &t, nil
}
