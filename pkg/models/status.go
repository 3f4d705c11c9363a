package models

// BuildRun statuses.
const (
	RunPending   = "pending"
	RunRunning   = "running"
	RunCompleted = "completed"
	RunDegraded  = "degraded"
	RunFailed    = "failed"
	RunCanceled  = "canceled"
)

// Phase statuses. A phase may additionally be skipped by tier gating.
const (
	PhasePending   = "pending"
	PhaseRunning   = "running"
	PhaseCompleted = "completed"
	PhaseDegraded  = "degraded"
	PhaseFailed    = "failed"
	PhaseSkipped   = "skipped"
)

// AgentTask statuses.
const (
	TaskPending   = "pending"
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
	TaskSkipped   = "skipped"
)

// Job statuses. A job is failed while it waits out the backoff before its
// next attempt; queued means it was re-driven after a stale claim. Both are
// claimable once due.
const (
	JobPending   = "pending"
	JobQueued    = "queued"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobDead      = "dead"
	JobCanceled  = "canceled"
)

// Checkpoint outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

// Event kinds published on the SSE stream and written to run journals.
const (
	EventRunUpdate     = "run.update"
	EventPhaseUpdate   = "phase.update"
	EventTaskUpdate    = "task.update"
	EventJobUpdate     = "job.update"
	EventDLQUpdate     = "dlq.update"
	EventAgentActivity = "agent.activity"
)

// Job types dispatched through the queue.
const (
	JobTypeTask   = "task.execute"
	JobTypeNotify = "notify.send"
)

// Default limits.
const (
	DefaultMaxRequestBodyBytes = 1 << 20 // 1 MiB
	DefaultRunListLimit        = 200
	DefaultJobListLimit        = 500
	DefaultSSEChannelBuffer    = 256
	DefaultJobMaxAttempts      = 3
)

// Terminal reports whether a run status is terminal.
func Terminal(status string) bool {
	switch status {
	case RunCompleted, RunDegraded, RunFailed, RunCanceled:
		return true
	}
	return false
}

// PhaseTerminal reports whether a phase status is terminal.
func PhaseTerminal(status string) bool {
	switch status {
	case PhaseCompleted, PhaseDegraded, PhaseFailed, PhaseSkipped:
		return true
	}
	return false
}

// JobTerminal reports whether a job status is terminal.
func JobTerminal(status string) bool {
	switch status {
	case JobCompleted, JobDead, JobCanceled:
		return true
	}
	return false
}

// TaskTerminal reports whether a task status is terminal.
func TaskTerminal(status string) bool {
	switch status {
	case TaskCompleted, TaskFailed, TaskSkipped:
		return true
	}
	return false
}
