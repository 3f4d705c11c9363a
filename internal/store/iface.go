package store

import (
	"context"
	"time"
)

// Store is the persistence interface for runs, phases, tasks, jobs, dead
// letters, and checkpoints. Implementations: the SQLite store in this
// package (default) and *postgres.Store.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run Run, phases []PhaseState) error
	GetRun(ctx context.Context, runID string) (Run, error)
	ListRuns(ctx context.Context, status string, limit int) ([]Run, error)
	SetRunStatus(ctx context.Context, runID, status, errMsg string) error
	// ClaimPendingRun atomically moves one pending run to running so only
	// one driver goroutine ever owns it. Returns nil when none are due.
	ClaimPendingRun(ctx context.Context) (*Run, error)
	// RequeueRun puts a run back to pending so a driver can claim it again
	// (used by resume). Completed runs cannot be requeued.
	RequeueRun(ctx context.Context, runID string) error

	// Phases
	ListPhases(ctx context.Context, runID string) ([]PhaseState, error)
	SetPhaseStatus(ctx context.Context, runID, name, status, errMsg string) error

	// Tasks
	CreateTask(ctx context.Context, t Task) error
	GetTask(ctx context.Context, taskID string) (Task, error)
	GetTaskByAgent(ctx context.Context, runID, phase, agentID string) (Task, error)
	ListTasks(ctx context.Context, runID string) ([]Task, error)
	SetTaskJob(ctx context.Context, taskID, jobID string) error
	// SetTaskStatus updates a task's status. Among terminal statuses the
	// first write wins and later terminal writes are no-ops; a non-terminal
	// write always applies, which is how a resumed phase resets failed
	// tasks for another attempt.
	SetTaskStatus(ctx context.Context, taskID, status, output, errMsg string) error

	// Jobs
	CreateJob(ctx context.Context, j Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	ListJobs(ctx context.Context, status string, limit int) ([]Job, error)
	// ClaimDueJob atomically claims one due pending/queued/failed job for
	// workerID, incrementing its attempt in the same update. Returns nil when
	// none are due.
	ClaimDueJob(ctx context.Context, workerID string) (*Job, error)
	CompleteJob(ctx context.Context, jobID string) error
	// RescheduleJob records a failed attempt: the job moves to failed with
	// scheduled_at holding the retry deadline.
	RescheduleJob(ctx context.Context, jobID string, at time.Time, lastError string) error
	// MarkJobDead moves the job to dead and inserts its dead-letter entry.
	// Reports whether a new entry was created (false means it already was dead).
	MarkJobDead(ctx context.Context, jobID, lastError string) (bool, error)
	CancelJob(ctx context.Context, jobID string) (bool, error)
	CancelJobsForRun(ctx context.Context, runID string) (int, error)
	// ReclaimStaleJobs moves running jobs claimed before the cutoff back to
	// queued, making crashed-worker jobs eligible again.
	ReclaimStaleJobs(ctx context.Context, claimedBefore time.Time) (int, error)
	CountJobsByStatus(ctx context.Context) (map[string]int64, error)

	// Dead letters
	ListDeadLetters(ctx context.Context, includeResolved bool, limit int) ([]DeadLetter, error)
	GetDeadLetter(ctx context.Context, id string) (DeadLetter, error)
	ResolveDeadLetter(ctx context.Context, id, notes string) error
	// ExpireDeadLetters resolves unresolved entries created before cutoff.
	ExpireDeadLetters(ctx context.Context, cutoff time.Time, notes string) (int, error)

	// Checkpoints
	AppendCheckpoint(ctx context.Context, cp Checkpoint) error
	ListCheckpoints(ctx context.Context, runID string) ([]Checkpoint, error)

	Close() error
}
