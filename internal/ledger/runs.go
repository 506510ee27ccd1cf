package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/swarmled/internal/bus"
	"github.com/basket/swarmled/internal/lifecycle"
	"github.com/google/uuid"
)

// CreateRun records that the dispatcher accepted the task for execution and
// inserts a queued run. The single-flight invariant is enforced here: the
// insert happens in the same transaction as the in-flight check, with a
// partial unique index as the storage-level backstop, so a concurrent second
// dispatch gets ErrConflict rather than a duplicate in-flight run. A task
// with a pending approval gate is not dispatchable; the insert is refused
// with ErrConflict until the gate resolves.
func (s *Store) CreateRun(ctx context.Context, taskID string, now time.Time) (*Run, error) {
	runID := uuid.NewString()
	var taskFrom lifecycle.TaskStatus
	var taskMoved bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create run tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var taskStatus lifecycle.TaskStatus
		if err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?;`, taskID).Scan(&taskStatus); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
			}
			return fmt.Errorf("select task for run: %w", err)
		}
		if lifecycle.TaskTerminal(taskStatus) {
			return fmt.Errorf("task %s is %s: %w", taskID, taskStatus, ErrConflict)
		}

		// An open gate blocks dispatch until a human resolves it.
		var openGates int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(1) FROM approvals
			WHERE task_id = ? AND approval_status = ?;
		`, taskID, lifecycle.ApprovalStatusPending).Scan(&openGates); err != nil {
			return fmt.Errorf("count open gates: %w", err)
		}
		if openGates > 0 {
			return fmt.Errorf("task %s has a pending approval gate: %w", taskID, ErrConflict)
		}

		var inFlight int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(1) FROM runs
			WHERE task_id = ? AND run_status IN (?, ?);
		`, taskID, lifecycle.RunStatusQueued, lifecycle.RunStatusRunning).Scan(&inFlight); err != nil {
			return fmt.Errorf("count in-flight runs: %w", err)
		}
		if inFlight > 0 {
			return fmt.Errorf("task %s already has an in-flight run: %w", taskID, ErrConflict)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO runs (id, task_id, run_status, started_at)
			VALUES (?, ?, ?, ?);
		`, runID, taskID, lifecycle.RunStatusQueued, now.UTC()); err != nil {
			return fmt.Errorf("create run: %w", err)
		}
		if err := s.appendChangeEventTx(ctx, tx, "run", runID, taskID, "run.queued", "", string(lifecycle.RunStatusQueued), ""); err != nil {
			return err
		}

		from, moved, err := s.transitionTaskTx(ctx, tx, taskID,
			[]lifecycle.TaskStatus{lifecycle.TaskStatusPending, lifecycle.TaskStatusApproved},
			lifecycle.TaskStatusRunning, "task.running", `{"reason":"run_accepted"}`)
		if err != nil {
			return err
		}
		taskFrom, taskMoved = from, moved
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}

	s.publish(bus.TopicRunStarted, bus.RunStateChangedPayload{
		RunID:    runID,
		TaskID:   taskID,
		ToStatus: string(lifecycle.RunStatusQueued),
	})
	if taskMoved {
		s.publish(bus.TopicTaskStateChanged, bus.TaskStateChangedPayload{
			TaskID:     taskID,
			FromStatus: string(taskFrom),
			ToStatus:   string(lifecycle.TaskStatusRunning),
		})
	}
	return s.GetRun(ctx, runID)
}

// StartRun moves a queued run to running.
func (s *Store) StartRun(ctx context.Context, runID string) error {
	return s.transitionRun(ctx, runID, lifecycle.RunStatusQueued, lifecycle.RunStatusRunning, "run.started", nil, "")
}

// CompleteRun closes a running run as completed and propagates the outcome
// to the owning task.
func (s *Store) CompleteRun(ctx context.Context, runID string, now time.Time) error {
	return s.closeRun(ctx, runID, lifecycle.RunStatusRunning, lifecycle.RunStatusCompleted, "run.completed", now, "", lifecycle.TaskStatusCompleted)
}

// FailRun closes a running run as failed. When final is true (no further
// retry scheduled) the task fails with it; otherwise the task stays running
// and the dispatcher is expected to queue the retry run immediately.
func (s *Store) FailRun(ctx context.Context, runID, errMsg string, now time.Time, final bool) error {
	taskTo := lifecycle.TaskStatus("")
	if final {
		taskTo = lifecycle.TaskStatusFailed
	}
	return s.closeRun(ctx, runID, lifecycle.RunStatusRunning, lifecycle.RunStatusFailed, "run.failed", now, errMsg, taskTo)
}

// SupersedeQueuedRun marks a queued run superseded because a newer run
// replaced it before it started. The transient marker is left in
// error_message; the reconciler clears it when closing out the ledger.
// running -> superseded is illegal and has no code path here.
func (s *Store) SupersedeQueuedRun(ctx context.Context, runID string, now time.Time) error {
	endedAt := now.UTC()
	return s.transitionRun(ctx, runID, lifecycle.RunStatusQueued, lifecycle.RunStatusSuperseded, "run.superseded", &endedAt, lifecycle.RunErrorRetrySuperseded)
}

// transitionRun applies a guarded in-flow run transition with a
// compare-and-set on the expected current status.
func (s *Store) transitionRun(ctx context.Context, runID string, from, to lifecycle.RunStatus, eventType string, endedAt *time.Time, errMsg string) error {
	if !lifecycle.CanTransitionRun(from, to) {
		return fmt.Errorf("illegal run transition %s -> %s", from, to)
	}
	var taskID string
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin run transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var current lifecycle.RunStatus
		if err := tx.QueryRowContext(ctx, `
			SELECT task_id, run_status FROM runs WHERE id = ?;
		`, runID).Scan(&taskID, &current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("run %s: %w", runID, ErrNotFound)
			}
			return fmt.Errorf("select run for transition: %w", err)
		}
		if current != from {
			return fmt.Errorf("run %s is %s, expected %s: %w", runID, current, from, ErrConflict)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE runs
			SET run_status = ?,
				ended_at = CASE WHEN ? THEN ? ELSE ended_at END,
				error_message = CASE WHEN ? THEN ? ELSE error_message END
			WHERE id = ? AND run_status = ?;
		`, to, endedAt != nil, timeOrNil(endedAt), errMsg != "", errMsg, runID, from)
		if err != nil {
			return fmt.Errorf("update run transition: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("run transition rows affected: %w", err)
		}
		if affected != 1 {
			return fmt.Errorf("run %s changed concurrently: %w", runID, ErrConflict)
		}
		if err := s.appendChangeEventTx(ctx, tx, "run", runID, taskID, eventType, string(from), string(to), ""); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}

	s.publish(bus.TopicRunStateChanged, bus.RunStateChangedPayload{
		RunID:      runID,
		TaskID:     taskID,
		FromStatus: string(from),
		ToStatus:   string(to),
		Error:      errMsg,
	})
	return nil
}

// closeRun terminally closes a run and, when taskTo is set, propagates the
// outcome to the owning task in the same transaction so a crash can only
// leave the pair consistent or repairably inconsistent, never half-written.
func (s *Store) closeRun(ctx context.Context, runID string, from, to lifecycle.RunStatus, eventType string, now time.Time, errMsg string, taskTo lifecycle.TaskStatus) error {
	if !lifecycle.CanTransitionRun(from, to) {
		return fmt.Errorf("illegal run transition %s -> %s", from, to)
	}
	var taskID string
	var taskFrom lifecycle.TaskStatus
	var taskMoved bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin close run tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var current lifecycle.RunStatus
		if err := tx.QueryRowContext(ctx, `
			SELECT task_id, run_status FROM runs WHERE id = ?;
		`, runID).Scan(&taskID, &current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("run %s: %w", runID, ErrNotFound)
			}
			return fmt.Errorf("select run for close: %w", err)
		}
		if current != from {
			return fmt.Errorf("run %s is %s, expected %s: %w", runID, current, from, ErrConflict)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE runs
			SET run_status = ?,
				ended_at = COALESCE(ended_at, ?),
				error_message = CASE WHEN ? THEN ? ELSE error_message END
			WHERE id = ? AND run_status = ?;
		`, to, now.UTC(), errMsg != "", errMsg, runID, from)
		if err != nil {
			return fmt.Errorf("close run: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("close run rows affected: %w", err)
		}
		if affected != 1 {
			return fmt.Errorf("run %s changed concurrently: %w", runID, ErrConflict)
		}
		if err := s.appendChangeEventTx(ctx, tx, "run", runID, taskID, eventType, string(from), string(to), ""); err != nil {
			return err
		}

		if taskTo != "" {
			from, moved, err := s.transitionTaskTx(ctx, tx, taskID,
				[]lifecycle.TaskStatus{lifecycle.TaskStatusRunning},
				taskTo, "task."+string(taskTo), "")
			if err != nil {
				return err
			}
			taskFrom, taskMoved = from, moved
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}

	s.publish(bus.TopicRunStateChanged, bus.RunStateChangedPayload{
		RunID:      runID,
		TaskID:     taskID,
		FromStatus: string(from),
		ToStatus:   string(to),
		Error:      errMsg,
	})
	if taskMoved {
		s.publish(bus.TopicTaskStateChanged, bus.TaskStateChangedPayload{
			TaskID:     taskID,
			FromStatus: string(taskFrom),
			ToStatus:   string(taskTo),
		})
	}
	return nil
}

// GetRun returns one run or ErrNotFound.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	var r Run
	var endedAt sql.NullTime
	var errMsg sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, run_status, started_at, ended_at, error_message
		FROM runs
		WHERE id = ?;
	`, runID).Scan(&r.ID, &r.TaskID, &r.Status, &r.StartedAt, &endedAt, &errMsg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	if endedAt.Valid {
		r.EndedAt = &endedAt.Time
	}
	if errMsg.Valid {
		r.ErrorMessage = errMsg.String
	}
	return &r, nil
}

// ListRunsForTask returns a task's runs in start order.
func (s *Store) ListRunsForTask(ctx context.Context, taskID string) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, run_status, started_at, ended_at, error_message
		FROM runs
		WHERE task_id = ?
		ORDER BY started_at ASC, id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

// GhostRun is a run left non-terminal while its owning task already reached
// a terminal status.
type GhostRun struct {
	Run
	TaskStatus lifecycle.TaskStatus
}

// ListGhostRuns joins terminal tasks with their non-terminal runs: the exact
// inconsistency the reconciler exists to repair.
func (s *Store) ListGhostRuns(ctx context.Context) ([]GhostRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.task_id, r.run_status, r.started_at, r.ended_at, r.error_message, t.status
		FROM runs r
		JOIN tasks t ON t.id = r.task_id
		WHERE t.status IN (?, ?, ?)
		  AND r.run_status NOT IN (?, ?, ?)
		ORDER BY r.started_at ASC, r.id ASC;
	`,
		lifecycle.TaskStatusCompleted, lifecycle.TaskStatusFailed, lifecycle.TaskStatusCancelled,
		lifecycle.RunStatusCompleted, lifecycle.RunStatusFailed, lifecycle.RunStatusSuperseded,
	)
	if err != nil {
		return nil, fmt.Errorf("list ghost runs: %w", err)
	}
	defer rows.Close()

	var out []GhostRun
	for rows.Next() {
		var g GhostRun
		var endedAt sql.NullTime
		var errMsg sql.NullString
		if err := rows.Scan(&g.ID, &g.TaskID, &g.Status, &g.StartedAt, &endedAt, &errMsg, &g.TaskStatus); err != nil {
			return nil, fmt.Errorf("scan ghost run: %w", err)
		}
		if endedAt.Valid {
			g.EndedAt = &endedAt.Time
		}
		if errMsg.Valid {
			g.ErrorMessage = errMsg.String
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ghost run rows: %w", err)
	}
	return out, nil
}

// ListInFlightDuplicates returns, per task, all in-flight runs for tasks
// that have more than one: a single-flight violation only a storage failure
// can produce, and only the reconciler may repair.
func (s *Store) ListInFlightDuplicates(ctx context.Context) (map[string][]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, run_status, started_at, ended_at, error_message
		FROM runs
		WHERE run_status IN (?, ?)
		  AND task_id IN (
			SELECT task_id FROM runs
			WHERE run_status IN (?, ?)
			GROUP BY task_id
			HAVING COUNT(1) > 1
		  )
		ORDER BY task_id ASC, started_at ASC, id ASC;
	`,
		lifecycle.RunStatusQueued, lifecycle.RunStatusRunning,
		lifecycle.RunStatusQueued, lifecycle.RunStatusRunning,
	)
	if err != nil {
		return nil, fmt.Errorf("list in-flight duplicates: %w", err)
	}
	defer rows.Close()

	runs, err := scanRuns(rows)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]Run)
	for _, r := range runs {
		out[r.TaskID] = append(out[r.TaskID], r)
	}
	return out, nil
}

// CloseRunIf is the reconciler's corrective close: a compare-and-set that
// terminally closes a run only if it is still in the observed status, so a
// live transition that completed a moment earlier is never overwritten.
// ended_at is only filled when absent, and error_message is cleared only
// when it equals the transient retry marker; a genuine failure reason
// survives the repair. Returns false without error when the run moved on.
func (s *Store) CloseRunIf(ctx context.Context, runID string, expected, to lifecycle.RunStatus, now time.Time) (bool, error) {
	var taskID string
	var repaired bool
	err := retryOnBusy(ctx, 5, func() error {
		repaired = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin repair tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE runs
			SET run_status = ?,
				ended_at = COALESCE(ended_at, ?),
				error_message = CASE WHEN error_message = ? THEN NULL ELSE error_message END
			WHERE id = ? AND run_status = ?;
		`, to, now.UTC(), lifecycle.RunErrorRetrySuperseded, runID, expected)
		if err != nil {
			return fmt.Errorf("repair run: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("repair rows affected: %w", err)
		}
		if affected != 1 {
			// Lost the race to a live transition; nothing to repair.
			return tx.Commit()
		}
		if err := tx.QueryRowContext(ctx, `SELECT task_id FROM runs WHERE id = ?;`, runID).Scan(&taskID); err != nil {
			return fmt.Errorf("select repaired run: %w", err)
		}
		if err := s.appendChangeEventTx(ctx, tx, "run", runID, taskID, "run.repaired", string(expected), string(to), `{"reason":"reconciler_close"}`); err != nil {
			return err
		}
		repaired = true
		return tx.Commit()
	})
	if err != nil {
		return false, err
	}
	if repaired {
		s.publish(bus.TopicReconcileRepair, bus.RepairPayload{
			RunID:    runID,
			TaskID:   taskID,
			ClosedAs: string(to),
		})
	}
	return repaired, nil
}

func scanRuns(rows *sql.Rows) ([]Run, error) {
	var out []Run
	for rows.Next() {
		var r Run
		var endedAt sql.NullTime
		var errMsg sql.NullString
		if err := rows.Scan(&r.ID, &r.TaskID, &r.Status, &r.StartedAt, &endedAt, &errMsg); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if endedAt.Valid {
			r.EndedAt = &endedAt.Time
		}
		if errMsg.Valid {
			r.ErrorMessage = errMsg.String
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("run rows: %w", err)
	}
	return out, nil
}

func timeOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
