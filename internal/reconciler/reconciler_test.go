package reconciler

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/swarmled/internal/bus"
	"github.com/basket/swarmled/internal/ledger"
	"github.com/basket/swarmled/internal/lifecycle"
)

func newTestReconciler(t *testing.T) (*Reconciler, *ledger.Store) {
	t.Helper()
	b := bus.New(64)
	t.Cleanup(b.Close)
	store, err := ledger.Open(filepath.Join(t.TempDir(), "test.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	r := New(Config{
		Store:  store,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return r, store
}

// forceTaskStatus flips a task's cached status behind the store's back, the
// way an external process or crash-interrupted write would.
func forceTaskStatus(t *testing.T, store *ledger.Store, taskID string, status lifecycle.TaskStatus) {
	t.Helper()
	if _, err := store.DB().Exec(
		`UPDATE tasks SET status = ? WHERE id = ?;`, status, taskID); err != nil {
		t.Fatalf("force task status: %v", err)
	}
}

func TestSweepClosesGhostRunUnderCompletedTask(t *testing.T) {
	r, store := newTestReconciler(t)
	ctx := context.Background()
	now := time.Now().UTC()

	task, err := store.CreateTask(ctx, "t")
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	run, err := store.CreateRun(ctx, task.ID, now)
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := store.StartRun(ctx, run.ID); err != nil {
		t.Fatalf("start run: %v", err)
	}
	forceTaskStatus(t, store, task.ID, lifecycle.TaskStatusCompleted)

	report, err := r.Sweep(ctx, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.RunsRepaired != 1 {
		t.Fatalf("runs repaired = %d, want 1", report.RunsRepaired)
	}
	if len(report.Failures) != 0 {
		t.Fatalf("failures = %+v", report.Failures)
	}

	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != lifecycle.RunStatusCompleted {
		t.Errorf("run status = %s, want completed", got.Status)
	}
	if got.EndedAt == nil {
		t.Error("ended_at not set by repair")
	}
}

func TestSweepClearsTransientMarker(t *testing.T) {
	r, store := newTestReconciler(t)
	ctx := context.Background()
	now := time.Now().UTC()

	task, _ := store.CreateTask(ctx, "t")
	run, _ := store.CreateRun(ctx, task.ID, now)
	if err := store.StartRun(ctx, run.ID); err != nil {
		t.Fatalf("start run: %v", err)
	}

	// A crash mid-retry can leave the marker on a still-open run of a task
	// that was finished externally.
	if _, err := store.DB().Exec(
		`UPDATE runs SET error_message = ? WHERE id = ?;`,
		lifecycle.RunErrorRetrySuperseded, run.ID); err != nil {
		t.Fatalf("seed marker: %v", err)
	}
	forceTaskStatus(t, store, task.ID, lifecycle.TaskStatusCompleted)

	if _, err := r.Sweep(ctx, now.Add(time.Minute)); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	got, _ := store.GetRun(ctx, run.ID)
	if got.Status != lifecycle.RunStatusCompleted {
		t.Errorf("run status = %s, want completed", got.Status)
	}
	if got.ErrorMessage != "" {
		t.Errorf("transient marker survived repair: %q", got.ErrorMessage)
	}
}

func TestSweepKeepsGenuineFailureReason(t *testing.T) {
	r, store := newTestReconciler(t)
	ctx := context.Background()
	now := time.Now().UTC()

	task, _ := store.CreateTask(ctx, "t")
	run, _ := store.CreateRun(ctx, task.ID, now)
	if err := store.StartRun(ctx, run.ID); err != nil {
		t.Fatalf("start run: %v", err)
	}
	if _, err := store.DB().Exec(
		`UPDATE runs SET error_message = 'oom killed' WHERE id = ?;`, run.ID); err != nil {
		t.Fatalf("seed message: %v", err)
	}
	forceTaskStatus(t, store, task.ID, lifecycle.TaskStatusFailed)

	if _, err := r.Sweep(ctx, now.Add(time.Minute)); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	got, _ := store.GetRun(ctx, run.ID)
	if got.Status != lifecycle.RunStatusFailed {
		t.Errorf("run status = %s, want failed", got.Status)
	}
	if got.ErrorMessage != "oom killed" {
		t.Errorf("failure reason lost in repair: %q", got.ErrorMessage)
	}
}

func TestSweepClosureByTaskOutcome(t *testing.T) {
	cases := []struct {
		task lifecycle.TaskStatus
		want lifecycle.RunStatus
	}{
		{lifecycle.TaskStatusCompleted, lifecycle.RunStatusCompleted},
		{lifecycle.TaskStatusFailed, lifecycle.RunStatusFailed},
		{lifecycle.TaskStatusCancelled, lifecycle.RunStatusSuperseded},
	}
	for _, tc := range cases {
		t.Run(string(tc.task), func(t *testing.T) {
			r, store := newTestReconciler(t)
			ctx := context.Background()
			now := time.Now().UTC()

			task, _ := store.CreateTask(ctx, "t")
			run, _ := store.CreateRun(ctx, task.ID, now)
			forceTaskStatus(t, store, task.ID, tc.task)

			if _, err := r.Sweep(ctx, now.Add(time.Minute)); err != nil {
				t.Fatalf("sweep: %v", err)
			}
			got, _ := store.GetRun(ctx, run.ID)
			if got.Status != tc.want {
				t.Errorf("run closed as %s, want %s", got.Status, tc.want)
			}
		})
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	r, store := newTestReconciler(t)
	ctx := context.Background()
	now := time.Now().UTC()

	task, _ := store.CreateTask(ctx, "t")
	if _, err := store.CreateRun(ctx, task.ID, now); err != nil {
		t.Fatalf("create run: %v", err)
	}
	forceTaskStatus(t, store, task.ID, lifecycle.TaskStatusCompleted)

	first, err := r.Sweep(ctx, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	if !first.Changed() {
		t.Fatal("first sweep repaired nothing")
	}

	second, err := r.Sweep(ctx, now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if second.Changed() {
		t.Fatalf("second sweep not idempotent: %+v", second)
	}
}

func TestSweepLeavesLiveRunsAlone(t *testing.T) {
	r, store := newTestReconciler(t)
	ctx := context.Background()
	now := time.Now().UTC()

	task, _ := store.CreateTask(ctx, "t")
	run, _ := store.CreateRun(ctx, task.ID, now)
	if err := store.StartRun(ctx, run.ID); err != nil {
		t.Fatalf("start run: %v", err)
	}

	// Task is running; however old the run, the sweep must not touch it.
	report, err := r.Sweep(ctx, now.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Changed() {
		t.Fatalf("sweep touched a live run: %+v", report)
	}
	got, _ := store.GetRun(ctx, run.ID)
	if got.Status != lifecycle.RunStatusRunning {
		t.Errorf("run status = %s, want running", got.Status)
	}
}

func TestSweepSupersedesDuplicateInFlightRuns(t *testing.T) {
	r, store := newTestReconciler(t)
	ctx := context.Background()
	now := time.Now().UTC()

	task, _ := store.CreateTask(ctx, "t")
	first, err := store.CreateRun(ctx, task.ID, now)
	if err != nil {
		t.Fatalf("create run: %v", err)
	}

	// The single-flight index blocks a second in-flight insert through the
	// API, so plant the duplicate the way a corrupted restore would.
	if _, err := store.DB().Exec(`DROP INDEX idx_runs_single_flight;`); err != nil {
		t.Fatalf("drop index: %v", err)
	}
	if _, err := store.DB().Exec(`
		INSERT INTO runs (id, task_id, run_status, started_at)
		VALUES ('dup-run', ?, 'queued', ?);
	`, task.ID, now.Add(time.Second).UTC()); err != nil {
		t.Fatalf("insert duplicate: %v", err)
	}

	report, err := r.Sweep(ctx, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.DuplicatesSuperseded != 1 {
		t.Fatalf("duplicates superseded = %d, want 1", report.DuplicatesSuperseded)
	}

	// Earliest-started run stays authoritative.
	winner, _ := store.GetRun(ctx, first.ID)
	if winner.Status != lifecycle.RunStatusQueued {
		t.Errorf("winner status = %s, want queued", winner.Status)
	}
	loser, _ := store.GetRun(ctx, "dup-run")
	if loser.Status != lifecycle.RunStatusSuperseded {
		t.Errorf("loser status = %s, want superseded", loser.Status)
	}
}

func TestColdStartSweepRunsBeforeLoop(t *testing.T) {
	r, store := newTestReconciler(t)
	ctx := context.Background()
	now := time.Now().UTC()

	task, _ := store.CreateTask(ctx, "t")
	run, _ := store.CreateRun(ctx, task.ID, now)
	forceTaskStatus(t, store, task.ID, lifecycle.TaskStatusCompleted)

	r.SetInterval(time.Hour)
	r.Start(ctx)
	defer r.Stop()

	// Start blocks on the cold-start sweep, so the ghost is already closed.
	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != lifecycle.RunStatusCompleted {
		t.Errorf("run status = %s, want completed after cold-start sweep", got.Status)
	}
}

func TestNextWaitCron(t *testing.T) {
	r := New(Config{CronExpr: "*/5 * * * *", Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	now := time.Date(2026, 7, 2, 10, 1, 0, 0, time.UTC)
	wait := r.nextWait(now)
	if wait != 4*time.Minute {
		t.Errorf("nextWait = %v, want 4m until the next 5-minute mark", wait)
	}
}
