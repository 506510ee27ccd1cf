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

// ApprovalWithTitle is an approval row joined with its task's title, the
// shape the approval read endpoint serves.
type ApprovalWithTitle struct {
	Approval
	TaskTitle string `json:"task_title"`
}

// RequestApproval opens a human gate for a task. Calling it again while a
// pending approval exists is an idempotent no-op that returns the existing
// row: callers can never create a duplicate open gate. The unique partial
// index on (task_id) WHERE pending backs this at the storage boundary.
func (s *Store) RequestApproval(ctx context.Context, taskID, reason string) (*Approval, error) {
	approvalID := uuid.NewString()
	created := false
	err := retryOnBusy(ctx, 5, func() error {
		created = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin request approval tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE id = ?;`, taskID).Scan(&exists); err != nil {
			return fmt.Errorf("select task for approval: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}

		var existingID string
		err = tx.QueryRowContext(ctx, `
			SELECT id FROM approvals
			WHERE task_id = ? AND approval_status = ?;
		`, taskID, lifecycle.ApprovalStatusPending).Scan(&existingID)
		switch {
		case err == nil:
			approvalID = existingID
			return tx.Commit()
		case errors.Is(err, sql.ErrNoRows):
		default:
			return fmt.Errorf("select open gate: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO approvals (id, task_id, gate_reason, approval_status, requested_at)
			VALUES (?, ?, NULLIF(?, ''), ?, CURRENT_TIMESTAMP);
		`, approvalID, taskID, reason, lifecycle.ApprovalStatusPending); err != nil {
			return fmt.Errorf("create approval: %w", err)
		}
		if err := s.appendChangeEventTx(ctx, tx, "approval", approvalID, taskID, "approval.requested", "", string(lifecycle.ApprovalStatusPending), ""); err != nil {
			return err
		}
		created = true
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}

	if created {
		s.publish(bus.TopicApprovalRequested, bus.ApprovalPayload{
			ApprovalID: approvalID,
			TaskID:     taskID,
			Status:     string(lifecycle.ApprovalStatusPending),
			GateReason: reason,
		})
	}
	return s.GetApproval(ctx, approvalID)
}

// GetApproval returns one approval or ErrNotFound.
func (s *Store) GetApproval(ctx context.Context, approvalID string) (*Approval, error) {
	var a Approval
	var reason sql.NullString
	var resolvedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, gate_reason, approval_status, requested_at, resolved_at
		FROM approvals
		WHERE id = ?;
	`, approvalID).Scan(&a.ID, &a.TaskID, &reason, &a.Status, &a.RequestedAt, &resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("approval %s: %w", approvalID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get approval: %w", err)
	}
	if reason.Valid {
		a.GateReason = reason.String
	}
	if resolvedAt.Valid {
		a.ResolvedAt = &resolvedAt.Time
	}
	return &a, nil
}

// ResolveApproval resolves a pending approval exactly once. The resolution
// is an UPDATE of the single pending row guarded by a compare-and-set on
// status; a second resolution fails with ErrAlreadyResolved and leaves the
// row untouched. An approved decision unblocks the task for dispatch; a
// denied decision cancels the task in the same transaction.
func (s *Store) ResolveApproval(ctx context.Context, approvalID string, decision lifecycle.ApprovalStatus, resolvedAt time.Time) (*Approval, error) {
	if decision != lifecycle.ApprovalStatusApproved && decision != lifecycle.ApprovalStatusDenied {
		return nil, fmt.Errorf("invalid approval decision %q: %w", decision, ErrInvalidInput)
	}

	var taskID string
	var taskFrom, taskTo lifecycle.TaskStatus
	var taskMoved bool
	err := retryOnBusy(ctx, 5, func() error {
		taskMoved = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin resolve approval tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var current lifecycle.ApprovalStatus
		if err := tx.QueryRowContext(ctx, `
			SELECT task_id, approval_status FROM approvals WHERE id = ?;
		`, approvalID).Scan(&taskID, &current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("approval %s: %w", approvalID, ErrNotFound)
			}
			return fmt.Errorf("select approval for resolve: %w", err)
		}
		if current != lifecycle.ApprovalStatusPending {
			return fmt.Errorf("approval %s is %s: %w", approvalID, current, ErrAlreadyResolved)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE approvals
			SET approval_status = ?, resolved_at = ?
			WHERE id = ? AND approval_status = ?;
		`, decision, resolvedAt.UTC(), approvalID, lifecycle.ApprovalStatusPending)
		if err != nil {
			return fmt.Errorf("resolve approval: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("resolve rows affected: %w", err)
		}
		if affected != 1 {
			return fmt.Errorf("approval %s: %w", approvalID, ErrAlreadyResolved)
		}
		if err := s.appendChangeEventTx(ctx, tx, "approval", approvalID, taskID, "approval.resolved", string(lifecycle.ApprovalStatusPending), string(decision), ""); err != nil {
			return err
		}

		if decision == lifecycle.ApprovalStatusApproved {
			taskTo = lifecycle.TaskStatusApproved
			from, moved, err := s.transitionTaskTx(ctx, tx, taskID,
				[]lifecycle.TaskStatus{lifecycle.TaskStatusPending},
				taskTo, "task.approved", `{"reason":"gate_approved"}`)
			if err != nil {
				return err
			}
			taskFrom, taskMoved = from, moved
		} else {
			taskTo = lifecycle.TaskStatusCancelled
			from, moved, err := s.transitionTaskTx(ctx, tx, taskID,
				[]lifecycle.TaskStatus{lifecycle.TaskStatusPending, lifecycle.TaskStatusApproved, lifecycle.TaskStatusRunning},
				taskTo, "task.cancelled", `{"reason":"gate_denied"}`)
			if err != nil {
				return err
			}
			taskFrom, taskMoved = from, moved
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}

	s.publish(bus.TopicApprovalResolved, bus.ApprovalPayload{
		ApprovalID: approvalID,
		TaskID:     taskID,
		Status:     string(decision),
	})
	if taskMoved {
		s.publish(bus.TopicTaskStateChanged, bus.TaskStateChangedPayload{
			TaskID:     taskID,
			FromStatus: string(taskFrom),
			ToStatus:   string(taskTo),
		})
	}
	return s.GetApproval(ctx, approvalID)
}

// ListApprovalsByStatus returns approvals joined with their task titles,
// most recent first; ties on requested_at break by approval id ascending so
// the order is deterministic.
func (s *Store) ListApprovalsByStatus(ctx context.Context, status lifecycle.ApprovalStatus) ([]ApprovalWithTitle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.task_id, a.gate_reason, a.approval_status, a.requested_at, a.resolved_at, t.title
		FROM approvals a
		JOIN tasks t ON t.id = a.task_id
		WHERE a.approval_status = ?
		ORDER BY a.requested_at DESC, a.id ASC;
	`, status)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	var out []ApprovalWithTitle
	for rows.Next() {
		var a ApprovalWithTitle
		var reason sql.NullString
		var resolvedAt sql.NullTime
		if err := rows.Scan(&a.ID, &a.TaskID, &reason, &a.Status, &a.RequestedAt, &resolvedAt, &a.TaskTitle); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		if reason.Valid {
			a.GateReason = reason.String
		}
		if resolvedAt.Valid {
			a.ResolvedAt = &resolvedAt.Time
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("approval rows: %w", err)
	}
	return out, nil
}
