package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/basket/swarmled/internal/bus"
	"github.com/basket/swarmled/internal/lifecycle"
	"github.com/google/uuid"
)

// CreateTask inserts a new task in pending status.
func (s *Store) CreateTask(ctx context.Context, title string) (*Task, error) {
	taskID := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, title, status, created_at, updated_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, taskID, title, lifecycle.TaskStatusPending); err != nil {
			return fmt.Errorf("create task: %w", err)
		}
		if err := s.appendChangeEventTx(ctx, tx, "task", taskID, taskID, "task.created", "", string(lifecycle.TaskStatusPending), ""); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}

	s.publish(bus.TopicTaskCreated, bus.TaskStateChangedPayload{
		TaskID:   taskID,
		Title:    title,
		ToStatus: string(lifecycle.TaskStatusPending),
	})
	return s.GetTask(ctx, taskID)
}

// GetTask returns one task or ErrNotFound.
func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var t Task
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, status, created_at, updated_at
		FROM tasks
		WHERE id = ?;
	`, taskID).Scan(&t.ID, &t.Title, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &t, nil
}

// ListTasks returns tasks newest first, optionally filtered by status.
func (s *Store) ListTasks(ctx context.Context, status string, limit int) ([]Task, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	query := `
		SELECT id, title, status, created_at, updated_at
		FROM tasks`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id ASC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.ID, &t.Title, &t.Status, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

// CancelTask moves a non-terminal task to cancelled. Cancellation is the one
// task transition that is never derived; it only happens through this
// explicit call or a denied approval. Returns ErrNotFound for unknown tasks
// and ErrConflict when the task is already terminal.
func (s *Store) CancelTask(ctx context.Context, taskID string) error {
	var from lifecycle.TaskStatus
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin cancel task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		current, ok, err := s.transitionTaskTx(ctx, tx, taskID,
			[]lifecycle.TaskStatus{lifecycle.TaskStatusPending, lifecycle.TaskStatusApproved, lifecycle.TaskStatusRunning},
			lifecycle.TaskStatusCancelled, "task.cancelled", `{"reason":"external_cancel"}`)
		if err != nil {
			return err
		}
		if !ok {
			if current == "" {
				return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
			}
			return fmt.Errorf("task %s is %s: %w", taskID, current, ErrConflict)
		}
		from = current
		return tx.Commit()
	})
	if err != nil {
		return err
	}

	s.publish(bus.TopicTaskStateChanged, bus.TaskStateChangedPayload{
		TaskID:     taskID,
		FromStatus: string(from),
		ToStatus:   string(lifecycle.TaskStatusCancelled),
	})
	return nil
}

// transitionTaskTx performs a guarded compare-and-set task transition inside
// the caller's transaction. Returns the status observed before the update
// ("" when the task does not exist) and whether the transition applied.
// The update is conditional on the observed status so a racing writer can
// never be silently overwritten.
func (s *Store) transitionTaskTx(
	ctx context.Context,
	tx *sql.Tx,
	taskID string,
	allowedFrom []lifecycle.TaskStatus,
	to lifecycle.TaskStatus,
	eventType string,
	payload string,
) (lifecycle.TaskStatus, bool, error) {
	var current lifecycle.TaskStatus
	if err := tx.QueryRowContext(ctx, `
		SELECT status FROM tasks WHERE id = ?;
	`, taskID).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("select task for transition: %w", err)
	}
	if current == to {
		return current, false, nil
	}

	allowed := false
	for _, from := range allowedFrom {
		if current == from {
			allowed = true
			break
		}
	}
	if !allowed {
		return current, false, nil
	}
	if !lifecycle.CanTransitionTask(current, to) {
		return current, false, fmt.Errorf("illegal task transition %s -> %s", current, to)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, to, taskID, current)
	if err != nil {
		return current, false, fmt.Errorf("update task transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return current, false, fmt.Errorf("transition rows affected: %w", err)
	}
	if affected != 1 {
		return current, false, nil
	}
	if err := s.appendChangeEventTx(ctx, tx, "task", taskID, taskID, eventType, string(current), string(to), payload); err != nil {
		return current, false, err
	}
	return current, true, nil
}

// CountTerminalTasks returns how many tasks are in a terminal status: the
// population a sweep scans for ghost runs.
func (s *Store) CountTerminalTasks(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM tasks WHERE status IN (?, ?, ?);
	`, lifecycle.TaskStatusCompleted, lifecycle.TaskStatusFailed, lifecycle.TaskStatusCancelled).Scan(&n); err != nil {
		return 0, fmt.Errorf("count terminal tasks: %w", err)
	}
	return n, nil
}

// DeriveTaskStatus re-derives a task's status from its runs and approval via
// the pure lifecycle fold, ignoring the cached row. Consistency reports use
// it to detect stale projections.
func (s *Store) DeriveTaskStatus(ctx context.Context, taskID string) (lifecycle.TaskStatus, error) {
	runs, err := s.ListRunsForTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	obs := make([]lifecycle.RunObservation, 0, len(runs))
	for _, r := range runs {
		obs = append(obs, lifecycle.RunObservation{RunID: r.ID, Status: r.Status, StartedAt: r.StartedAt})
	}

	var approval *lifecycle.ApprovalStatus
	var status lifecycle.ApprovalStatus
	err = s.db.QueryRowContext(ctx, `
		SELECT approval_status FROM approvals
		WHERE task_id = ?
		ORDER BY requested_at DESC, id ASC
		LIMIT 1;
	`, taskID).Scan(&status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return "", fmt.Errorf("select approval for derivation: %w", err)
	default:
		approval = &status
	}

	return lifecycle.DeriveTaskStatus(obs, approval), nil
}
