// Package queue is the durable at-least-once job queue: enqueue and schedule,
// a polling worker pool with atomic claims, exponential backoff with jitter,
// dead-lettering, and periodic reclaim and DLQ sweeps.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/olympusai/buildforge/internal/resilience"
	"github.com/olympusai/buildforge/internal/store"
	"github.com/olympusai/buildforge/pkg/models"
)

// Defaults for Options zero values.
const (
	DefaultBaseDelay     = 5 * time.Second
	DefaultMaxDelay      = 10 * time.Minute
	DefaultJitterFrac    = 0.2
	DefaultPollInterval  = 500 * time.Millisecond
	DefaultWorkers       = 4
	DefaultStaleAfter    = 10 * time.Minute
	DefaultSweepInterval = time.Hour
	DefaultDLQMaxAge     = 168 * time.Hour
)

// Options tunes queue behavior. Zero values take the defaults above.
type Options struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	JitterFrac  float64
	StaleAfter  time.Duration
	DLQMaxAge   time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = models.DefaultJobMaxAttempts
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	if o.JitterFrac <= 0 {
		o.JitterFrac = DefaultJitterFrac
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = DefaultStaleAfter
	}
	if o.DLQMaxAge <= 0 {
		o.DLQMaxAge = DefaultDLQMaxAge
	}
	return o
}

// Publisher receives job lifecycle events; the daemon wires the SSE hub and
// the run journal in here. May be left nil.
type Publisher interface {
	Publish(ev models.RunEvent)
}

// Queue layers at-least-once dispatch semantics over the store.
type Queue struct {
	Store  store.Store
	Opts   Options
	Events Publisher
}

// New builds a Queue. There is deliberately no package-level default queue;
// callers own the instance and its store.
func New(st store.Store, opts Options) *Queue {
	return &Queue{Store: st, Opts: opts.withDefaults()}
}

// JobOption customizes one enqueued job.
type JobOption func(*store.Job)

// WithRun ties the job to a run so run-level cancellation can find it.
func WithRun(runID string) JobOption {
	return func(j *store.Job) { j.RunID = runID }
}

// WithMaxAttempts overrides the queue-wide attempt budget for one job.
func WithMaxAttempts(n int) JobOption {
	return func(j *store.Job) {
		if n > 0 {
			j.MaxAttempts = n
		}
	}
}

// WithJobID fixes the job id instead of generating one, so a caller can
// record the id elsewhere before the job becomes claimable.
func WithJobID(id string) JobOption {
	return func(j *store.Job) {
		if id != "" {
			j.JobID = id
		}
	}
}

// Enqueue creates a job due immediately and returns its id.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload any, opts ...JobOption) (string, error) {
	return q.Schedule(ctx, jobType, payload, 0, opts...)
}

// Schedule creates a job due after delay and returns its id.
func (q *Queue) Schedule(ctx context.Context, jobType string, payload any, delay time.Duration, opts ...JobOption) (string, error) {
	if jobType == "" {
		return "", errors.New("job type required")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal %s payload: %w", jobType, err)
	}
	j := store.Job{
		JobID:       uuid.NewString(),
		Type:        jobType,
		Payload:     string(raw),
		Status:      models.JobPending,
		MaxAttempts: q.Opts.MaxAttempts,
		ScheduledAt: time.Now().Add(delay),
	}
	for _, o := range opts {
		o(&j)
	}
	if err := q.Store.CreateJob(ctx, j); err != nil {
		return "", err
	}
	q.notify(j, "")
	slog.Debug("job enqueued", "job_id", j.JobID, "type", jobType, "delay", delay)
	return j.JobID, nil
}

// Cancel moves a non-terminal job to canceled. Canceling a terminal job is a
// no-op; canceling an unknown job is an error.
func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	job, err := q.Store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if models.JobTerminal(job.Status) {
		return nil
	}
	ok, err := q.Store.CancelJob(ctx, jobID)
	if err != nil {
		return err
	}
	if ok {
		job.Status = models.JobCanceled
		q.notify(job, "")
		slog.Info("job canceled", "job_id", jobID, "type", job.Type)
	}
	return nil
}

// CancelRun cancels every non-terminal job belonging to a run.
func (q *Queue) CancelRun(ctx context.Context, runID string) (int, error) {
	n, err := q.Store.CancelJobsForRun(ctx, runID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("run jobs canceled", "run_id", runID, "count", n)
	}
	return n, nil
}

// Retry creates a new job carrying a failed or dead job's payload; history is
// never rewritten in place. A failed original is canceled so the payload is
// not executed by both jobs; a dead original keeps its record.
func (q *Queue) Retry(ctx context.Context, jobID string) (string, error) {
	job, err := q.Store.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	switch job.Status {
	case models.JobFailed:
		if _, err := q.Store.CancelJob(ctx, jobID); err != nil {
			return "", err
		}
	case models.JobDead:
	default:
		return "", fmt.Errorf("job %s is %s, only failed or dead jobs can be retried", jobID, job.Status)
	}
	nj := store.Job{
		JobID:       uuid.NewString(),
		Type:        job.Type,
		Payload:     job.Payload,
		RunID:       job.RunID,
		Status:      models.JobPending,
		MaxAttempts: job.MaxAttempts,
		ScheduledAt: time.Now(),
		IsRetry:     true,
		OriginJobID: job.JobID,
	}
	if err := q.Store.CreateJob(ctx, nj); err != nil {
		return "", err
	}
	q.notify(nj, "")
	slog.Info("job retried", "origin_job_id", jobID, "job_id", nj.JobID, "type", nj.Type)
	return nj.JobID, nil
}

// Fail records a failed attempt for a claimed job. With budget left the job
// waits out a backoff and becomes claimable again; exhausted budgets and
// permanent causes dead-letter it. Exactly one dead-letter entry exists per
// job no matter how often the final failure is re-reported.
func (q *Queue) Fail(ctx context.Context, job store.Job, cause error) error {
	msg := "unknown failure"
	if cause != nil {
		msg = cause.Error()
	}
	permanent := false
	switch resilience.Classify(cause) {
	case resilience.ClassPermanent, resilience.ClassFatal:
		permanent = true
	}
	if job.Attempt >= job.MaxAttempts || permanent {
		created, err := q.Store.MarkJobDead(ctx, job.JobID, msg)
		if err != nil {
			return err
		}
		if !created {
			// Already dead, completed, or canceled; nothing to record.
			slog.Debug("job failure dropped, job already terminal", "job_id", job.JobID)
			return nil
		}
		job.Status = models.JobDead
		q.notify(job, msg)
		q.notifyDLQ(job, msg)
		slog.Warn("job dead-lettered",
			"job_id", job.JobID, "type", job.Type,
			"attempt", job.Attempt, "max_attempts", job.MaxAttempts,
			"permanent", permanent, "err", msg)
		return nil
	}
	delay := resilience.Backoff(q.Opts.BaseDelay, q.Opts.MaxDelay, q.Opts.JitterFrac, job.Attempt)
	if err := q.Store.RescheduleJob(ctx, job.JobID, time.Now().Add(delay), msg); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Canceled or completed under the running attempt.
			slog.Debug("job failure dropped, job no longer running", "job_id", job.JobID)
			return nil
		}
		return err
	}
	job.Status = models.JobFailed
	q.notify(job, msg)
	slog.Info("job attempt failed, will retry",
		"job_id", job.JobID, "type", job.Type,
		"attempt", job.Attempt, "max_attempts", job.MaxAttempts,
		"retry_in", delay, "err", msg)
	return nil
}

// Complete acknowledges a claimed job.
func (q *Queue) Complete(ctx context.Context, job store.Job) error {
	if err := q.Store.CompleteJob(ctx, job.JobID); err != nil {
		return err
	}
	job.Status = models.JobCompleted
	q.notify(job, "")
	slog.Debug("job completed", "job_id", job.JobID, "type", job.Type, "attempt", job.Attempt)
	return nil
}

// ReclaimStale re-queues jobs stuck in running past the claim deadline, the
// recovery path for workers that died mid-job. olderThan 0 takes the default.
func (q *Queue) ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		olderThan = q.Opts.StaleAfter
	}
	n, err := q.Store.ReclaimStaleJobs(ctx, time.Now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Warn("reclaimed stale jobs", "count", n, "older_than", olderThan)
	}
	return n, nil
}

// DLQOptions controls one ProcessDLQ pass.
type DLQOptions struct {
	MaxAge    time.Duration // 0 takes the queue default
	AutoRetry bool          // re-enqueue unexpired entries as fresh jobs
}

// DLQReport summarizes one ProcessDLQ pass.
type DLQReport struct {
	Expired int `json:"expired"`
	Retried int `json:"retried"`
}

// ProcessDLQ resolves entries older than MaxAge with an expiry note, then,
// when AutoRetry is set, re-enqueues what remains and resolves those entries
// too. Entries are resolved rather than deleted so post-mortems keep working.
func (q *Queue) ProcessDLQ(ctx context.Context, opts DLQOptions) (DLQReport, error) {
	maxAge := opts.MaxAge
	if maxAge <= 0 {
		maxAge = q.Opts.DLQMaxAge
	}
	var rep DLQReport
	expired, err := q.Store.ExpireDeadLetters(ctx, time.Now().Add(-maxAge), "expired: exceeded max age")
	if err != nil {
		return rep, err
	}
	rep.Expired = expired
	if !opts.AutoRetry {
		return rep, nil
	}
	entries, err := q.Store.ListDeadLetters(ctx, false, models.DefaultJobListLimit)
	if err != nil {
		return rep, err
	}
	for _, dl := range entries {
		newID, err := q.Retry(ctx, dl.JobID)
		if err != nil {
			slog.Warn("dlq auto-retry failed", "dlq_id", dl.ID, "job_id", dl.JobID, "err", err)
			continue
		}
		if err := q.Store.ResolveDeadLetter(ctx, dl.ID, "retried as "+newID); err != nil {
			slog.Warn("dlq entry not resolved after retry", "dlq_id", dl.ID, "err", err)
			continue
		}
		rep.Retried++
	}
	return rep, nil
}

func (q *Queue) notify(job store.Job, errMsg string) {
	if q.Events == nil {
		return
	}
	q.Events.Publish(models.RunEvent{
		Kind:      models.EventJobUpdate,
		RunID:     job.RunID,
		JobID:     job.JobID,
		Status:    job.Status,
		Error:     errMsg,
		Timestamp: time.Now().UTC(),
	})
}

func (q *Queue) notifyDLQ(job store.Job, errMsg string) {
	if q.Events == nil {
		return
	}
	q.Events.Publish(models.RunEvent{
		Kind:      models.EventDLQUpdate,
		RunID:     job.RunID,
		JobID:     job.JobID,
		Status:    models.JobDead,
		Error:     errMsg,
		Timestamp: time.Now().UTC(),
	})
}
