// Package reconciler restores the ledger's consistency invariant after
// crashes, restarts, or partial writes: every run owned by a terminal task
// must itself be terminal. It runs once at process start, then on a
// schedule, and can be invoked on demand; all three paths share one code
// path and one mutex so at most one sweep is ever in flight.
package reconciler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/swarmled/internal/ledger"
	"github.com/basket/swarmled/internal/lifecycle"
	otelx "github.com/basket/swarmled/internal/otel"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the reconciler.
type Config struct {
	Store  *ledger.Store
	Logger *slog.Logger

	// Interval between sweeps; defaults to 1 minute if zero.
	Interval time.Duration

	// CronExpr, when set, schedules sweeps by cron expression instead of
	// the fixed interval.
	CronExpr string

	// Metrics is optional sweep instrumentation.
	Metrics *otelx.Metrics
}

// RepairFailure records one repair that could not commit. Failures are
// collected, never raised: one failing repair must not abort the rest of
// the sweep.
type RepairFailure struct {
	RunID  string `json:"run_id"`
	TaskID string `json:"task_id"`
	Err    string `json:"error"`
}

// RepairReport summarizes one sweep. A sweep over an already-consistent
// ledger reports zero repairs, which is also the idempotence check: two
// consecutive sweeps with no intervening writes produce identical reports
// with zero changes on the second.
type RepairReport struct {
	SweptAt              time.Time       `json:"swept_at"`
	TasksScanned         int             `json:"tasks_scanned"`
	RunsRepaired         int             `json:"runs_repaired"`
	DuplicatesSuperseded int             `json:"duplicates_superseded"`
	Failures             []RepairFailure `json:"failures,omitempty"`
}

// Changed reports whether the sweep touched anything.
func (r RepairReport) Changed() bool {
	return r.RunsRepaired > 0 || r.DuplicatesSuperseded > 0
}

type Reconciler struct {
	store    *ledger.Store
	logger   *slog.Logger
	interval time.Duration
	cronExpr string
	metrics  *otelx.Metrics

	sweepMu sync.Mutex // one sweep in flight at a time
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Reconciler with the given config.
func New(cfg Config) *Reconciler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:    cfg.Store,
		logger:   logger,
		interval: interval,
		cronExpr: cfg.CronExpr,
		metrics:  cfg.Metrics,
	}
}

// SetInterval updates the sweep cadence; the next loop iteration picks it
// up. Used by config hot-reload.
func (r *Reconciler) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	r.sweepMu.Lock()
	r.interval = d
	r.sweepMu.Unlock()
}

// Start performs the cold-start repair sweep, then begins the periodic loop
// in a background goroutine. It respects the provided context for shutdown.
func (r *Reconciler) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)

	report, err := r.Sweep(ctx, time.Now())
	if err != nil {
		r.logger.Error("reconciler: cold-start sweep failed", "error", err)
	} else {
		r.logger.Info("reconciler: cold-start sweep done",
			"tasks_scanned", report.TasksScanned,
			"runs_repaired", report.RunsRepaired,
			"duplicates_superseded", report.DuplicatesSuperseded,
			"failures", len(report.Failures),
		)
	}

	r.wg.Add(1)
	go r.loop(ctx)
	r.logger.Info("reconciler started", "interval", r.interval, "cron", r.cronExpr)
}

// Stop cancels the loop and waits for it to exit.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Info("reconciler stopped")
}

func (r *Reconciler) loop(ctx context.Context) {
	defer r.wg.Done()
	for {
		wait := r.nextWait(time.Now())
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		if _, err := r.Sweep(ctx, time.Now()); err != nil && ctx.Err() == nil {
			r.logger.Error("reconciler: periodic sweep failed", "error", err)
		}
	}
}

func (r *Reconciler) nextWait(now time.Time) time.Duration {
	if r.cronExpr != "" {
		if sched, err := cronParser.Parse(r.cronExpr); err == nil {
			return sched.Next(now).Sub(now)
		}
		r.logger.Error("reconciler: bad cron expression, falling back to interval", "cron", r.cronExpr)
	}
	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()
	return r.interval
}

// Sweep finds and repairs inconsistent task/run pairs. Each repair is its
// own atomic transaction with a compare-and-set on the observed run status,
// so a live transition that won the race is never overwritten and a
// cancellation mid-scan leaves no partial repair behind.
//
// Phase 1 restores single-flight: when more than one run of a task is
// observed in flight, the earliest-started run stays authoritative and the
// rest are marked superseded. Phase 2 closes ghost runs: every non-terminal
// run under a terminal task is closed with the status the task's outcome
// implies. Runs under non-terminal tasks are never touched, regardless of
// age; timing out genuinely stuck runs is the dispatcher's concern.
func (r *Reconciler) Sweep(ctx context.Context, now time.Time) (RepairReport, error) {
	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()

	start := time.Now()
	report := RepairReport{SweptAt: now.UTC()}

	scanned, err := r.store.CountTerminalTasks(ctx)
	if err != nil {
		return report, err
	}
	report.TasksScanned = scanned

	// Phase 1: single-flight restoration.
	dups, err := r.store.ListInFlightDuplicates(ctx)
	if err != nil {
		return report, err
	}
	for taskID, runs := range dups {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		obs := make([]lifecycle.RunObservation, len(runs))
		for i, run := range runs {
			obs[i] = lifecycle.RunObservation{RunID: run.ID, Status: run.Status, StartedAt: run.StartedAt}
		}
		winner := lifecycle.AuthoritativeRun(obs)
		for i, run := range runs {
			if i == winner {
				continue
			}
			repaired, err := r.store.CloseRunIf(ctx, run.ID, run.Status, lifecycle.RunStatusSuperseded, now)
			if err != nil {
				report.Failures = append(report.Failures, RepairFailure{RunID: run.ID, TaskID: taskID, Err: err.Error()})
				continue
			}
			if repaired {
				report.DuplicatesSuperseded++
			}
		}
	}

	// Phase 2: ghost-run closure.
	ghosts, err := r.store.ListGhostRuns(ctx)
	if err != nil {
		return report, err
	}
	for _, g := range ghosts {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		closeAs, ok := lifecycle.GhostRunClosure(g.TaskStatus)
		if !ok {
			continue
		}
		repaired, err := r.store.CloseRunIf(ctx, g.ID, g.Status, closeAs, now)
		if err != nil {
			report.Failures = append(report.Failures, RepairFailure{RunID: g.ID, TaskID: g.TaskID, Err: err.Error()})
			continue
		}
		if repaired {
			report.RunsRepaired++
			r.logger.Info("reconciler: closed ghost run",
				"run_id", g.ID,
				"task_id", g.TaskID,
				"was", g.Status,
				"closed_as", closeAs,
			)
		}
	}

	if r.metrics != nil {
		r.metrics.RecordSweep(ctx, time.Since(start), report.RunsRepaired+report.DuplicatesSuperseded, len(report.Failures))
	}
	return report, nil
}
