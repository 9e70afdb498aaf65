package bus

// Task lifecycle topics.
const (
	TopicTaskStateChanged = "task.state_changed"
	TopicTaskStepDone     = "task.step_done"
	TopicTaskPublished    = "task.published"
)

// Alerting topics, consumed by the channels dispatcher.
const (
	TopicQuotaThreshold      = "quota.threshold"
	TopicWorkerFailureStreak = "worker.failure_streak"
)

// TaskStateChanged is published after every committed status transition.
// The planning-surface mirror consumes it to update the externally-visible
// status; delivery is best effort and never blocks the transition itself.
type TaskStateChanged struct {
	TaskID    string // task ID
	ChannelID string // owning channel (tenant)
	PageRef   string // planning-surface page reference
	OldStatus string // previous status
	NewStatus string // new status
}

// TaskStepDone is published when a pipeline step fully completes.
type TaskStepDone struct {
	TaskID   string // task ID
	StepID   string // pipeline step
	SubUnits int    // sub-units processed by this step
}

// QuotaThreshold is published when recording usage crosses an alert level.
type QuotaThreshold struct {
	ChannelID string  // tenant
	Resource  string  // metered external resource
	Used      int64   // units used today after recording
	Limit     int64   // daily budget
	Fraction  float64 // Used / Limit
	Level     string  // "warning" (>=0.80) or "critical" (>=1.00)
}

// WorkerFailureStreak is published when a worker's consecutive-failure count
// crosses its escalation threshold, to distinguish a systemic failure from
// one bad task.
type WorkerFailureStreak struct {
	WorkerID string // worker that observed the streak
	Streak   int    // consecutive failed task executions
	LastTask string // most recent failed task ID
	LastErr  string // most recent failure message
}
