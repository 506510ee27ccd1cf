// Package lifecycle defines the legal states and transitions for tasks,
// runs, and approvals. It is pure rule tables and derivation functions:
// no I/O, fully deterministic given its inputs. The ledger enforces these
// rules at its transaction boundary; the reconciler uses them to rebuild
// a task's cached status from its runs and approval.
package lifecycle

import "time"

type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusApproved  TaskStatus = "approved"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

type RunStatus string

const (
	RunStatusQueued     RunStatus = "queued"
	RunStatusRunning    RunStatus = "running"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
	RunStatusSuperseded RunStatus = "superseded"
)

type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusDenied   ApprovalStatus = "denied"
)

// RunErrorRetrySuperseded is the transient marker a superseding retry leaves
// on the run it replaced. The reconciler clears a run's error_message only
// when it equals this sentinel exactly; any other text is a genuine failure
// reason and is preserved for audit.
const RunErrorRetrySuperseded = "retry superseded"

var taskTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskStatusPending: {
		TaskStatusApproved:  {},
		TaskStatusRunning:   {}, // ungated tasks skip the approval step
		TaskStatusCancelled: {},
	},
	TaskStatusApproved: {
		TaskStatusRunning:   {},
		TaskStatusCancelled: {},
	},
	TaskStatusRunning: {
		TaskStatusCompleted: {},
		TaskStatusFailed:    {},
		TaskStatusCancelled: {},
	},
}

// runTransitions intentionally omits running -> superseded: a running run
// must reach completed or failed before a retry may start. Only a queued run
// can be replaced before it started.
var runTransitions = map[RunStatus]map[RunStatus]struct{}{
	RunStatusQueued: {
		RunStatusRunning:    {},
		RunStatusSuperseded: {},
	},
	RunStatusRunning: {
		RunStatusCompleted: {},
		RunStatusFailed:    {},
	},
}

// CanTransitionTask reports whether a task may move from one status to
// another. Cancellation is only reachable from non-terminal states; terminal
// statuses have no outgoing edges.
func CanTransitionTask(from, to TaskStatus) bool {
	next, ok := taskTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// CanTransitionRun reports whether a run may move from one status to another.
// Terminal run statuses are permanent.
func CanTransitionRun(from, to RunStatus) bool {
	next, ok := runTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// TaskTerminal reports whether a task status is terminal.
func TaskTerminal(s TaskStatus) bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// RunTerminal reports whether a run status is terminal.
func RunTerminal(s RunStatus) bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusSuperseded
}

// RunInFlight reports whether a run status counts against the single-flight
// limit (at most one per task).
func RunInFlight(s RunStatus) bool {
	return s == RunStatusQueued || s == RunStatusRunning
}

// RunObservation is the slice of a run the derivation functions need.
type RunObservation struct {
	RunID     string
	Status    RunStatus
	StartedAt time.Time
}

// DeriveTaskStatus computes a task's status as a pure function of its runs
// and its approval state. The stored task row is only a cache of this fold;
// repairs re-derive rather than trust it.
//
// Cancellation is never derived: it is only reachable through an explicit
// external cancel or a denied approval, so this function never returns
// cancelled.
func DeriveTaskStatus(runs []RunObservation, approval *ApprovalStatus) TaskStatus {
	for _, r := range runs {
		if RunInFlight(r.Status) {
			return TaskStatusRunning
		}
	}
	// No run in flight: the latest-started terminal run decides the outcome.
	var last *RunObservation
	for i := range runs {
		r := &runs[i]
		if r.Status == RunStatusSuperseded {
			continue
		}
		if last == nil || r.StartedAt.After(last.StartedAt) {
			last = r
		}
	}
	if last != nil {
		switch last.Status {
		case RunStatusCompleted:
			return TaskStatusCompleted
		case RunStatusFailed:
			return TaskStatusFailed
		}
	}
	// No runs yet: the approval gate decides dispatch eligibility.
	if approval == nil || *approval == ApprovalStatusApproved {
		if approval == nil {
			return TaskStatusPending
		}
		return TaskStatusApproved
	}
	return TaskStatusPending
}

// AuthoritativeRun picks the winner among runs observed in flight at the same
// time, a race the single-flight guard should prevent but storage failures
// can still produce. The earliest-started run wins; ties fall back to the
// lexically smallest run id for determinism. Returns the winner's index, or
// -1 when no run is in flight.
func AuthoritativeRun(runs []RunObservation) int {
	winner := -1
	for i, r := range runs {
		if !RunInFlight(r.Status) {
			continue
		}
		if winner == -1 {
			winner = i
			continue
		}
		w := runs[winner]
		if r.StartedAt.Before(w.StartedAt) || (r.StartedAt.Equal(w.StartedAt) && r.RunID < w.RunID) {
			winner = i
		}
	}
	return winner
}

// GhostRunClosure maps a terminal task status to the status a ghost run under
// it should be closed with: a successful task closes its runs as completed, a
// failed task as failed, and a cancelled task supersedes what it cut off.
func GhostRunClosure(task TaskStatus) (RunStatus, bool) {
	switch task {
	case TaskStatusCompleted:
		return RunStatusCompleted, true
	case TaskStatusFailed:
		return RunStatusFailed, true
	case TaskStatusCancelled:
		return RunStatusSuperseded, true
	default:
		return "", false
	}
}
