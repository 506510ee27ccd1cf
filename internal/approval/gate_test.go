package approval

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/basket/swarmled/internal/bus"
	"github.com/basket/swarmled/internal/ledger"
	"github.com/basket/swarmled/internal/lifecycle"
)

func newTestGate(t *testing.T) (*Gate, *ledger.Store) {
	t.Helper()
	b := bus.New(64)
	t.Cleanup(b.Close)
	store, err := ledger.Open(filepath.Join(t.TempDir(), "test.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return NewGate(store, slog.New(slog.NewTextHandler(io.Discard, nil))), store
}

func TestResolveApprove(t *testing.T) {
	g, store := newTestGate(t)
	ctx := context.Background()

	task, _ := store.CreateTask(ctx, "t")
	a, err := g.Request(ctx, task.ID, "needs review")
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	resolved, err := g.Resolve(ctx, a.ID, "approved", "reviewed")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != lifecycle.ApprovalStatusApproved {
		t.Errorf("status = %s", resolved.Status)
	}

	gotTask, _ := store.GetTask(ctx, task.ID)
	if gotTask.Status != lifecycle.TaskStatusApproved {
		t.Errorf("task status = %s, want approved", gotTask.Status)
	}
}

func TestResolveRejectsInvalidDecision(t *testing.T) {
	g, store := newTestGate(t)
	ctx := context.Background()

	task, _ := store.CreateTask(ctx, "t")
	a, _ := g.Request(ctx, task.ID, "")

	if _, err := g.Resolve(ctx, a.ID, "approve", ""); !errors.Is(err, ledger.ErrInvalidInput) {
		t.Fatalf("partial decision word err = %v, want ErrInvalidInput", err)
	}
	got, _ := store.GetApproval(ctx, a.ID)
	if got.Status != lifecycle.ApprovalStatusPending {
		t.Errorf("gate moved on invalid decision: %s", got.Status)
	}
}

func TestResolveTwiceFails(t *testing.T) {
	g, store := newTestGate(t)
	ctx := context.Background()

	task, _ := store.CreateTask(ctx, "t")
	a, _ := g.Request(ctx, task.ID, "")

	if _, err := g.Resolve(ctx, a.ID, "denied", "nope"); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	_, err := g.Resolve(ctx, a.ID, "approved", "")
	if !errors.Is(err, ledger.ErrAlreadyResolved) {
		t.Fatalf("second resolve err = %v, want ErrAlreadyResolved", err)
	}
}

func TestListByStatusValidates(t *testing.T) {
	g, _ := newTestGate(t)
	if _, err := g.ListByStatus(context.Background(), "bogus"); !errors.Is(err, ledger.ErrInvalidInput) {
		t.Fatalf("unknown status err = %v, want ErrInvalidInput", err)
	}
}
