package bus

// Topic constants for every state-change event the core publishes. Events
// are published only after the corresponding ledger transaction commits.
const (
	TopicTaskCreated      = "task.created"
	TopicTaskStateChanged = "task.state_changed"

	TopicRunStarted      = "run.started"
	TopicRunStateChanged = "run.state_changed"

	TopicApprovalRequested = "approval.requested"
	TopicApprovalResolved  = "approval.resolved"

	TopicReconcileRepair = "reconcile.repair"

	// TopicStreamGap is delivered to a subscriber whose resume point has
	// been evicted from the replay ring. It is a client-visible signal,
	// not an error: the subscriber must reload from the ledger.
	TopicStreamGap = "stream.gap"
)

// TaskStateChangedPayload is the payload for task topics.
type TaskStateChangedPayload struct {
	TaskID     string `json:"task_id"`
	Title      string `json:"title,omitempty"`
	FromStatus string `json:"from_status,omitempty"`
	ToStatus   string `json:"to_status"`
}

// RunStateChangedPayload is the payload for run topics.
type RunStateChangedPayload struct {
	RunID      string `json:"run_id"`
	TaskID     string `json:"task_id"`
	FromStatus string `json:"from_status,omitempty"`
	ToStatus   string `json:"to_status"`
	Error      string `json:"error,omitempty"`
}

// ApprovalPayload is the payload for approval topics.
type ApprovalPayload struct {
	ApprovalID string `json:"approval_id"`
	TaskID     string `json:"task_id"`
	Status     string `json:"status"`
	GateReason string `json:"gate_reason,omitempty"`
}

// RepairPayload is the payload for reconcile.repair events.
type RepairPayload struct {
	RunID    string `json:"run_id"`
	TaskID   string `json:"task_id"`
	ClosedAs string `json:"closed_as"`
}
