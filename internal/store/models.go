// Package store defines the persistence interface and shared models for runs,
// phases, tasks, jobs, dead letters, and checkpoints.
package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a looked-up record does not exist.
var ErrNotFound = errors.New("not found")

// Run is one BuildRun: an ordered list of phases executed under a tier.
// Plan holds the resolved pipeline as JSON so a resume never depends on the
// original config file still being present or unchanged.
type Run struct {
	RunID           string
	Pipeline        string
	Tier            string
	Status          string
	ContinueOnError bool
	Plan            string
	Error           string
	CreatedAt       time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
}

// PhaseState is the durable status of one phase within a run.
type PhaseState struct {
	RunID      string
	Name       string
	Position   int
	Status     string
	Error      string
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// Task is one agent work unit within a phase.
type Task struct {
	TaskID     string
	RunID      string
	Phase      string
	AgentID    string
	Required   bool
	Status     string
	Output     string
	Error      string
	JobID      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	FinishedAt *time.Time
}

// Job is a durable queue record. RunID is set for jobs that belong to a run
// so run-level cancellation can find them.
type Job struct {
	JobID       string
	Type        string
	Payload     string
	RunID       string
	Status      string
	Attempt     int
	MaxAttempts int
	ScheduledAt time.Time
	ClaimedAt   *time.Time
	ClaimedBy   string
	IsRetry     bool
	OriginJobID string
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	FinishedAt  *time.Time
}

// DeadLetter is a job that exhausted its retry budget, kept for post-mortem.
type DeadLetter struct {
	ID              string
	JobID           string
	JobType         string
	JobPayload      string
	LastError       string
	CreatedAt       time.Time
	Resolved        bool
	ResolvedAt      *time.Time
	ResolutionNotes string
}

// Checkpoint is one per-agent terminal outcome. The (run, phase, agent) key
// is unique, which is what makes appends idempotent.
type Checkpoint struct {
	RunID     string
	Phase     string
	AgentID   string
	Outcome   string
	CreatedAt time.Time
}
