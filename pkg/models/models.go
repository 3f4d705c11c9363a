// Package models provides shared types for the buildforge HTTP API and external tools.
// These types mirror the API JSON and are stable for use by pkg/client and other consumers.
package models

import "time"

// BuildRun is one end-to-end orchestration instance: an ordered list of phases
// executed under a tier and a continue-on-error policy.
type BuildRun struct {
	RunID           string     `json:"run_id"`
	Pipeline        string     `json:"pipeline"`
	Tier            string     `json:"tier"`
	Status          string     `json:"status"`
	ContinueOnError bool       `json:"continue_on_error"`
	Error           string     `json:"error,omitempty"`
	CreatedAt       time.Time  `json:"created_at,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

// Phase is a named stage of a BuildRun containing agent tasks.
type Phase struct {
	RunID      string     `json:"run_id"`
	Name       string     `json:"name"`
	Position   int        `json:"position"`
	Status     string     `json:"status"`
	Error      string     `json:"error,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// AgentTask is one unit of work within a phase.
type AgentTask struct {
	TaskID     string     `json:"task_id"`
	RunID      string     `json:"run_id"`
	Phase      string     `json:"phase"`
	AgentID    string     `json:"agent_id"`
	Required   bool       `json:"required"`
	Status     string     `json:"status"`
	Output     string     `json:"output,omitempty"`
	Error      string     `json:"error,omitempty"`
	JobID      string     `json:"job_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Job is a queue-level record of one execution request.
type Job struct {
	JobID       string     `json:"job_id"`
	Type        string     `json:"type"`
	Payload     string     `json:"payload,omitempty"`
	RunID       string     `json:"run_id,omitempty"`
	Status      string     `json:"status"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"max_attempts"`
	ScheduledAt time.Time  `json:"scheduled_at,omitempty"`
	ClaimedBy   string     `json:"claimed_by,omitempty"`
	IsRetry     bool       `json:"is_retry,omitempty"`
	OriginJobID string     `json:"origin_job_id,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// DeadLetterEntry is a job that exhausted its retry budget.
type DeadLetterEntry struct {
	ID              string     `json:"id"`
	JobID           string     `json:"job_id"`
	JobType         string     `json:"job_type"`
	JobPayload      string     `json:"job_payload,omitempty"`
	LastError       string     `json:"last_error"`
	CreatedAt       time.Time  `json:"created_at"`
	Resolved        bool       `json:"resolved"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	ResolutionNotes string     `json:"resolution_notes,omitempty"`
}

// Checkpoint is a durable per-agent terminal outcome within a run.
type Checkpoint struct {
	RunID     string    `json:"run_id"`
	Phase     string    `json:"phase"`
	AgentID   string    `json:"agent_id"`
	Outcome   string    `json:"outcome"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// RunDetail is the /api/runs/{id} response: the run plus its phases and tasks.
type RunDetail struct {
	Run    BuildRun    `json:"run"`
	Phases []Phase     `json:"phases"`
	Tasks  []AgentTask `json:"tasks,omitempty"`
}

// SubmitRunRequest is the POST /api/runs body. Exactly one of PipelinePath or
// Pipeline (inline YAML) must be set unless Demo is true.
type SubmitRunRequest struct {
	PipelinePath    string `json:"pipeline_path,omitempty"`
	Pipeline        string `json:"pipeline,omitempty"`
	Demo            bool   `json:"demo,omitempty"`
	Tier            string `json:"tier"`
	ContinueOnError bool   `json:"continue_on_error"`
}

// SubmitRunResponse is the POST /api/runs response.
type SubmitRunResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// ProcessDLQRequest is the POST /api/dlq/process body.
type ProcessDLQRequest struct {
	MaxAgeHours int  `json:"max_age_hours"`
	AutoRetry   bool `json:"auto_retry"`
}

// ProcessDLQResponse reports what a DLQ sweep did.
type ProcessDLQResponse struct {
	Expired int `json:"expired"`
	Retried int `json:"retried"`
}

// ResolveDLQRequest is the POST /api/dlq/{id}/resolve body.
type ResolveDLQRequest struct {
	Notes string `json:"notes,omitempty"`
}

// RetryJobResponse carries the id of the replacement job created by a retry.
type RetryJobResponse struct {
	JobID string `json:"job_id"`
}

// RunEvent is one journal entry for a run (also the SSE payload shape).
type RunEvent struct {
	Seq       int64          `json:"seq,omitempty"`
	Kind      string         `json:"kind"`
	RunID     string         `json:"run_id"`
	Phase     string         `json:"phase,omitempty"`
	AgentID   string         `json:"agent_id,omitempty"`
	JobID     string         `json:"job_id,omitempty"`
	Status    string         `json:"status,omitempty"`
	Error     string         `json:"error,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Health is the /health response.
type Health struct {
	OK     bool   `json:"ok"`
	Driver string `json:"driver,omitempty"`
}
