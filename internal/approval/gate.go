// Package approval is the human-gate service: it fronts the ledger's
// approval rows with audit logging and the decision vocabulary the
// gateway exposes.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/swarmled/internal/audit"
	"github.com/basket/swarmled/internal/ledger"
	"github.com/basket/swarmled/internal/lifecycle"
)

// Gate resolves human approval decisions against the ledger and records
// each resolution in the audit trail.
type Gate struct {
	store  *ledger.Store
	logger *slog.Logger
}

func NewGate(store *ledger.Store, logger *slog.Logger) *Gate {
	return &Gate{store: store, logger: logger}
}

// Request opens a gate for a task. Requesting a gate that is already open
// returns the existing pending row.
func (g *Gate) Request(ctx context.Context, taskID, reason string) (*ledger.Approval, error) {
	a, err := g.store.RequestApproval(ctx, taskID, reason)
	if err != nil {
		return nil, err
	}
	g.logger.Info("approval gate open", "approval_id", a.ID, "task_id", taskID, "reason", reason)
	return a, nil
}

// Resolve applies a human decision to a pending approval. Decision must be
// "approved" or "denied"; anything else is rejected before touching the
// ledger. The outcome, including a second resolution attempt, lands in the
// audit log.
func (g *Gate) Resolve(ctx context.Context, approvalID, decision, reason string) (*ledger.Approval, error) {
	var status lifecycle.ApprovalStatus
	switch decision {
	case string(lifecycle.ApprovalStatusApproved):
		status = lifecycle.ApprovalStatusApproved
	case string(lifecycle.ApprovalStatusDenied):
		status = lifecycle.ApprovalStatusDenied
	default:
		return nil, fmt.Errorf("decision must be %q or %q, got %q: %w",
			lifecycle.ApprovalStatusApproved, lifecycle.ApprovalStatusDenied, decision, ledger.ErrInvalidInput)
	}

	a, err := g.store.ResolveApproval(ctx, approvalID, status, time.Now().UTC())
	if err != nil {
		audit.Record("approval.resolve", "error", err.Error(), approvalID)
		return nil, err
	}
	audit.Record("approval.resolve", decision, reason, approvalID)
	g.logger.Info("approval gate resolved",
		"approval_id", a.ID, "task_id", a.TaskID, "decision", decision)
	return a, nil
}

// ListPending returns the open gates with their task titles, newest first.
func (g *Gate) ListPending(ctx context.Context) ([]ledger.ApprovalWithTitle, error) {
	return g.store.ListApprovalsByStatus(ctx, lifecycle.ApprovalStatusPending)
}

// ListByStatus validates the status string and lists matching approvals.
func (g *Gate) ListByStatus(ctx context.Context, status string) ([]ledger.ApprovalWithTitle, error) {
	switch lifecycle.ApprovalStatus(status) {
	case lifecycle.ApprovalStatusPending, lifecycle.ApprovalStatusApproved, lifecycle.ApprovalStatusDenied:
	default:
		return nil, fmt.Errorf("unknown approval status %q: %w", status, ledger.ErrInvalidInput)
	}
	return g.store.ListApprovalsByStatus(ctx, lifecycle.ApprovalStatus(status))
}
