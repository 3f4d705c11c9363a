package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/olympusai/buildforge/internal/store"
)

// Timestamps are unix milliseconds, matching the SQLite store.

const runCols = `run_id, pipeline, tier, status, continue_on_error, plan, COALESCE(error,''), created_at, started_at, finished_at`

const phaseCols = `run_id, name, position, status, COALESCE(error,''), started_at, finished_at`

const taskCols = `task_id, run_id, phase, agent_id, required, status, COALESCE(output,''), COALESCE(error,''), COALESCE(job_id,''), created_at, updated_at, finished_at`

const jobCols = `job_id, type, payload, COALESCE(run_id,''), status, attempt, max_attempts, scheduled_at, claimed_at, COALESCE(claimed_by,''), is_retry, COALESCE(origin_job_id,''), COALESCE(last_error,''), created_at, updated_at, finished_at`

const deadLetterCols = `id, job_id, job_type, job_payload, last_error, created_at, resolved, resolved_at, COALESCE(resolution_notes,'')`

func millis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(v int64) time.Time { return time.UnixMilli(v).UTC() }

func fromPtrMillis(v *int64) *time.Time {
	if v == nil {
		return nil
	}
	t := fromMillis(*v)
	return &t
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (store.Run, error) {
	var r store.Run
	var created int64
	var started, finished *int64
	if err := row.Scan(&r.RunID, &r.Pipeline, &r.Tier, &r.Status, &r.ContinueOnError, &r.Plan, &r.Error, &created, &started, &finished); err != nil {
		return store.Run{}, err
	}
	r.CreatedAt = fromMillis(created)
	r.StartedAt = fromPtrMillis(started)
	r.FinishedAt = fromPtrMillis(finished)
	return r, nil
}

func scanPhase(row rowScanner) (store.PhaseState, error) {
	var p store.PhaseState
	var started, finished *int64
	if err := row.Scan(&p.RunID, &p.Name, &p.Position, &p.Status, &p.Error, &started, &finished); err != nil {
		return store.PhaseState{}, err
	}
	p.StartedAt = fromPtrMillis(started)
	p.FinishedAt = fromPtrMillis(finished)
	return p, nil
}

func scanTask(row rowScanner) (store.Task, error) {
	var t store.Task
	var created, updated int64
	var finished *int64
	if err := row.Scan(&t.TaskID, &t.RunID, &t.Phase, &t.AgentID, &t.Required, &t.Status, &t.Output, &t.Error, &t.JobID, &created, &updated, &finished); err != nil {
		return store.Task{}, err
	}
	t.CreatedAt = fromMillis(created)
	t.UpdatedAt = fromMillis(updated)
	t.FinishedAt = fromPtrMillis(finished)
	return t, nil
}

func scanJob(row rowScanner) (store.Job, error) {
	var j store.Job
	var scheduled, created, updated int64
	var claimed, finished *int64
	if err := row.Scan(&j.JobID, &j.Type, &j.Payload, &j.RunID, &j.Status, &j.Attempt, &j.MaxAttempts, &scheduled, &claimed, &j.ClaimedBy, &j.IsRetry, &j.OriginJobID, &j.LastError, &created, &updated, &finished); err != nil {
		return store.Job{}, err
	}
	j.ScheduledAt = fromMillis(scheduled)
	j.ClaimedAt = fromPtrMillis(claimed)
	j.CreatedAt = fromMillis(created)
	j.UpdatedAt = fromMillis(updated)
	j.FinishedAt = fromPtrMillis(finished)
	return j, nil
}

func scanDeadLetter(row rowScanner) (store.DeadLetter, error) {
	var d store.DeadLetter
	var created int64
	var resolvedAt *int64
	if err := row.Scan(&d.ID, &d.JobID, &d.JobType, &d.JobPayload, &d.LastError, &created, &d.Resolved, &resolvedAt, &d.ResolutionNotes); err != nil {
		return store.DeadLetter{}, err
	}
	d.CreatedAt = fromMillis(created)
	d.ResolvedAt = fromPtrMillis(resolvedAt)
	return d, nil
}

// --- Runs ---

func (s *Store) CreateRun(ctx context.Context, run store.Run, phases []store.PhaseState) error {
	if run.RunID == "" {
		return errors.New("run id required")
	}
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := millis(time.Now())
	if _, err := tx.Exec(ctx,
		`INSERT INTO runs(run_id, pipeline, tier, status, continue_on_error, plan, error, created_at) VALUES($1, $2, $3, $4, $5, $6, $7, $8)`,
		run.RunID, run.Pipeline, run.Tier, run.Status, run.ContinueOnError, run.Plan, nullIfEmpty(run.Error), now); err != nil {
		return err
	}
	for _, p := range phases {
		if _, err := tx.Exec(ctx,
			`INSERT INTO phases(run_id, name, position, status) VALUES($1, $2, $3, $4)`,
			run.RunID, p.Name, p.Position, p.Status); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) GetRun(ctx context.Context, runID string) (store.Run, error) {
	r, err := scanRun(s.Pool.QueryRow(ctx, `SELECT `+runCols+` FROM runs WHERE run_id = $1`, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Run{}, fmt.Errorf("run %s: %w", runID, store.ErrNotFound)
	}
	return r, err
}

func (s *Store) ListRuns(ctx context.Context, status string, limit int) ([]store.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + runCols + ` FROM runs ORDER BY created_at DESC LIMIT $1`
	args := []any{limit}
	if status != "" {
		q = `SELECT ` + runCols + ` FROM runs WHERE status = $1 ORDER BY created_at DESC LIMIT $2`
		args = []any{status, limit}
	}
	rows, err := s.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) SetRunStatus(ctx context.Context, runID, status, errMsg string) error {
	now := millis(time.Now())
	var n int64
	switch status {
	case "running":
		tag, err := s.Pool.Exec(ctx, `UPDATE runs SET status=$1, error=$2, started_at=COALESCE(started_at, $3) WHERE run_id=$4`, status, nullIfEmpty(errMsg), now, runID)
		if err != nil {
			return err
		}
		n = tag.RowsAffected()
	case "completed", "degraded", "failed", "canceled":
		tag, err := s.Pool.Exec(ctx, `UPDATE runs SET status=$1, error=$2, finished_at=$3 WHERE run_id=$4`, status, nullIfEmpty(errMsg), now, runID)
		if err != nil {
			return err
		}
		n = tag.RowsAffected()
	default:
		tag, err := s.Pool.Exec(ctx, `UPDATE runs SET status=$1, error=$2 WHERE run_id=$3`, status, nullIfEmpty(errMsg), runID)
		if err != nil {
			return err
		}
		n = tag.RowsAffected()
	}
	if n == 0 {
		return fmt.Errorf("run %s: %w", runID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) ClaimPendingRun(ctx context.Context) (*store.Run, error) {
	now := millis(time.Now())
	row := s.Pool.QueryRow(ctx, `
UPDATE runs SET status='running', started_at=COALESCE(started_at, $1)
WHERE run_id = (
  SELECT run_id FROM runs WHERE status='pending'
  ORDER BY created_at ASC LIMIT 1
  FOR UPDATE SKIP LOCKED
)
RETURNING `+runCols, now)
	r, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) RequeueRun(ctx context.Context, runID string) error {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status == "completed" {
		return fmt.Errorf("run %s already completed", runID)
	}
	_, err = s.Pool.Exec(ctx, `UPDATE runs SET status='pending', error=NULL, finished_at=NULL WHERE run_id=$1`, runID)
	return err
}

// --- Phases ---

func (s *Store) ListPhases(ctx context.Context, runID string) ([]store.PhaseState, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+phaseCols+` FROM phases WHERE run_id = $1 ORDER BY position ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.PhaseState
	for rows.Next() {
		p, err := scanPhase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) SetPhaseStatus(ctx context.Context, runID, name, status, errMsg string) error {
	now := millis(time.Now())
	var n int64
	switch status {
	case "running":
		tag, err := s.Pool.Exec(ctx, `UPDATE phases SET status=$1, error=$2, started_at=COALESCE(started_at, $3) WHERE run_id=$4 AND name=$5`, status, nullIfEmpty(errMsg), now, runID, name)
		if err != nil {
			return err
		}
		n = tag.RowsAffected()
	case "completed", "degraded", "failed", "skipped":
		tag, err := s.Pool.Exec(ctx, `UPDATE phases SET status=$1, error=$2, finished_at=$3 WHERE run_id=$4 AND name=$5`, status, nullIfEmpty(errMsg), now, runID, name)
		if err != nil {
			return err
		}
		n = tag.RowsAffected()
	default:
		tag, err := s.Pool.Exec(ctx, `UPDATE phases SET status=$1, error=$2 WHERE run_id=$3 AND name=$4`, status, nullIfEmpty(errMsg), runID, name)
		if err != nil {
			return err
		}
		n = tag.RowsAffected()
	}
	if n == 0 {
		return fmt.Errorf("phase %s/%s: %w", runID, name, store.ErrNotFound)
	}
	return nil
}

// --- Tasks ---

func (s *Store) CreateTask(ctx context.Context, t store.Task) error {
	if t.TaskID == "" {
		return errors.New("task id required")
	}
	now := millis(time.Now())
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO tasks(task_id, run_id, phase, agent_id, required, status, job_id, created_at, updated_at) VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.TaskID, t.RunID, t.Phase, t.AgentID, t.Required, t.Status, nullIfEmpty(t.JobID), now, now)
	return err
}

func (s *Store) GetTask(ctx context.Context, taskID string) (store.Task, error) {
	t, err := scanTask(s.Pool.QueryRow(ctx, `SELECT `+taskCols+` FROM tasks WHERE task_id = $1`, taskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Task{}, fmt.Errorf("task %s: %w", taskID, store.ErrNotFound)
	}
	return t, err
}

func (s *Store) GetTaskByAgent(ctx context.Context, runID, phase, agentID string) (store.Task, error) {
	t, err := scanTask(s.Pool.QueryRow(ctx, `SELECT `+taskCols+` FROM tasks WHERE run_id = $1 AND phase = $2 AND agent_id = $3`, runID, phase, agentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Task{}, fmt.Errorf("task %s/%s/%s: %w", runID, phase, agentID, store.ErrNotFound)
	}
	return t, err
}

func (s *Store) ListTasks(ctx context.Context, runID string) ([]store.Task, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+taskCols+` FROM tasks WHERE run_id = $1 ORDER BY created_at ASC, task_id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) SetTaskJob(ctx context.Context, taskID, jobID string) error {
	now := millis(time.Now())
	tag, err := s.Pool.Exec(ctx, `UPDATE tasks SET job_id=$1, updated_at=$2 WHERE task_id=$3`, jobID, now, taskID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s: %w", taskID, store.ErrNotFound)
	}
	return nil
}

// SetTaskStatus updates a task. Terminal statuses apply only once: the first
// terminal writer wins and later terminal writes are dropped silently.
func (s *Store) SetTaskStatus(ctx context.Context, taskID, status, output, errMsg string) error {
	now := millis(time.Now())
	var n int64
	switch status {
	case "completed", "failed", "skipped":
		tag, err := s.Pool.Exec(ctx, `UPDATE tasks SET status=$1, output=$2, error=$3, updated_at=$4, finished_at=$4 WHERE task_id=$5 AND status NOT IN ('completed','failed','skipped')`, status, nullIfEmpty(output), nullIfEmpty(errMsg), now, taskID)
		if err != nil {
			return err
		}
		n = tag.RowsAffected()
	default:
		tag, err := s.Pool.Exec(ctx, `UPDATE tasks SET status=$1, output=$2, error=$3, updated_at=$4 WHERE task_id=$5`, status, nullIfEmpty(output), nullIfEmpty(errMsg), now, taskID)
		if err != nil {
			return err
		}
		n = tag.RowsAffected()
	}
	if n == 0 {
		if _, gerr := s.GetTask(ctx, taskID); gerr != nil {
			return fmt.Errorf("task %s: %w", taskID, store.ErrNotFound)
		}
		return nil // already terminal
	}
	return nil
}

// --- Jobs ---

func (s *Store) CreateJob(ctx context.Context, j store.Job) error {
	if j.JobID == "" {
		return errors.New("job id required")
	}
	if j.MaxAttempts <= 0 {
		return errors.New("job max attempts must be positive")
	}
	now := millis(time.Now())
	sched := now
	if !j.ScheduledAt.IsZero() {
		sched = millis(j.ScheduledAt)
	}
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO jobs(job_id, type, payload, run_id, status, attempt, max_attempts, scheduled_at, is_retry, origin_job_id, last_error, created_at, updated_at) VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		j.JobID, j.Type, j.Payload, nullIfEmpty(j.RunID), j.Status, j.Attempt, j.MaxAttempts, sched, j.IsRetry, nullIfEmpty(j.OriginJobID), nullIfEmpty(j.LastError), now, now)
	return err
}

func (s *Store) GetJob(ctx context.Context, jobID string) (store.Job, error) {
	j, err := scanJob(s.Pool.QueryRow(ctx, `SELECT `+jobCols+` FROM jobs WHERE job_id = $1`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Job{}, fmt.Errorf("job %s: %w", jobID, store.ErrNotFound)
	}
	return j, err
}

func (s *Store) ListJobs(ctx context.Context, status string, limit int) ([]store.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + jobCols + ` FROM jobs ORDER BY created_at DESC LIMIT $1`
	args := []any{limit}
	if status != "" {
		q = `SELECT ` + jobCols + ` FROM jobs WHERE status = $1 ORDER BY created_at DESC LIMIT $2`
		args = []any{status, limit}
	}
	rows, err := s.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ClaimDueJob uses SKIP LOCKED so concurrent daemons never fight over a row.
func (s *Store) ClaimDueJob(ctx context.Context, workerID string) (*store.Job, error) {
	now := millis(time.Now())
	row := s.Pool.QueryRow(ctx, `
UPDATE jobs SET status='running', attempt=attempt+1, claimed_at=$1, claimed_by=$2, updated_at=$1
WHERE job_id = (
  SELECT job_id FROM jobs
  WHERE status IN ('pending','queued','failed') AND scheduled_at <= $3
  ORDER BY scheduled_at ASC, created_at ASC
  LIMIT 1
  FOR UPDATE SKIP LOCKED
)
RETURNING `+jobCols, now, workerID, now)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *Store) CompleteJob(ctx context.Context, jobID string) error {
	now := millis(time.Now())
	_, err := s.Pool.Exec(ctx,
		`UPDATE jobs SET status='completed', last_error=NULL, finished_at=$1, updated_at=$1 WHERE job_id=$2 AND status NOT IN ('completed','dead','canceled')`,
		now, jobID)
	return err
}

func (s *Store) RescheduleJob(ctx context.Context, jobID string, at time.Time, lastError string) error {
	now := millis(time.Now())
	tag, err := s.Pool.Exec(ctx,
		`UPDATE jobs SET status='failed', scheduled_at=$1, claimed_at=NULL, claimed_by=NULL, last_error=$2, updated_at=$3 WHERE job_id=$4 AND status='running'`,
		millis(at), nullIfEmpty(lastError), now, jobID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s not running: %w", jobID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) MarkJobDead(ctx context.Context, jobID, lastError string) (bool, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := millis(time.Now())
	upd, err := tx.Exec(ctx,
		`UPDATE jobs SET status='dead', last_error=$1, finished_at=$2, updated_at=$2 WHERE job_id=$3 AND status NOT IN ('completed','canceled')`,
		nullIfEmpty(lastError), now, jobID)
	if err != nil {
		return false, err
	}
	if upd.RowsAffected() == 0 {
		// Completed or canceled while the last attempt was in flight.
		return false, nil
	}
	tag, err := tx.Exec(ctx,
		`INSERT INTO dead_letters(id, job_id, job_type, job_payload, last_error, created_at) VALUES($1, $2, $3, $4, $5, $6) ON CONFLICT (job_id) DO NOTHING`,
		uuid.NewString(), jobID, job.Type, job.Payload, lastError, now)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) CancelJob(ctx context.Context, jobID string) (bool, error) {
	now := millis(time.Now())
	tag, err := s.Pool.Exec(ctx,
		`UPDATE jobs SET status='canceled', finished_at=$1, updated_at=$1 WHERE job_id=$2 AND status IN ('pending','queued','failed','running')`,
		now, jobID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) CancelJobsForRun(ctx context.Context, runID string) (int, error) {
	now := millis(time.Now())
	tag, err := s.Pool.Exec(ctx,
		`UPDATE jobs SET status='canceled', finished_at=$1, updated_at=$1 WHERE run_id=$2 AND status IN ('pending','queued','failed','running')`,
		now, runID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) ReclaimStaleJobs(ctx context.Context, claimedBefore time.Time) (int, error) {
	now := millis(time.Now())
	tag, err := s.Pool.Exec(ctx,
		`UPDATE jobs SET status='queued', scheduled_at=$1, claimed_at=NULL, claimed_by=NULL, updated_at=$1 WHERE status='running' AND claimed_at IS NOT NULL AND claimed_at < $2`,
		now, millis(claimedBefore))
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) CountJobsByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := s.Pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

// --- Dead letters ---

func (s *Store) ListDeadLetters(ctx context.Context, includeResolved bool, limit int) ([]store.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + deadLetterCols + ` FROM dead_letters WHERE NOT resolved ORDER BY created_at DESC LIMIT $1`
	if includeResolved {
		q = `SELECT ` + deadLetterCols + ` FROM dead_letters ORDER BY created_at DESC LIMIT $1`
	}
	rows, err := s.Pool.Query(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.DeadLetter
	for rows.Next() {
		d, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) GetDeadLetter(ctx context.Context, id string) (store.DeadLetter, error) {
	d, err := scanDeadLetter(s.Pool.QueryRow(ctx, `SELECT `+deadLetterCols+` FROM dead_letters WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.DeadLetter{}, fmt.Errorf("dead letter %s: %w", id, store.ErrNotFound)
	}
	return d, err
}

func (s *Store) ResolveDeadLetter(ctx context.Context, id, notes string) error {
	now := millis(time.Now())
	tag, err := s.Pool.Exec(ctx,
		`UPDATE dead_letters SET resolved=TRUE, resolved_at=$1, resolution_notes=$2 WHERE id=$3 AND NOT resolved`,
		now, nullIfEmpty(notes), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("dead letter %s unresolved: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) ExpireDeadLetters(ctx context.Context, cutoff time.Time, notes string) (int, error) {
	now := millis(time.Now())
	tag, err := s.Pool.Exec(ctx,
		`UPDATE dead_letters SET resolved=TRUE, resolved_at=$1, resolution_notes=$2 WHERE NOT resolved AND created_at < $3`,
		now, notes, millis(cutoff))
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// --- Checkpoints ---

func (s *Store) AppendCheckpoint(ctx context.Context, cp store.Checkpoint) error {
	if cp.RunID == "" || cp.Phase == "" || cp.AgentID == "" {
		return errors.New("checkpoint key requires run, phase, and agent")
	}
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO checkpoints(run_id, phase, agent_id, outcome, created_at) VALUES($1, $2, $3, $4, $5) ON CONFLICT (run_id, phase, agent_id) DO UPDATE SET outcome=EXCLUDED.outcome`,
		cp.RunID, cp.Phase, cp.AgentID, cp.Outcome, millis(time.Now()))
	return err
}

func (s *Store) ListCheckpoints(ctx context.Context, runID string) ([]store.Checkpoint, error) {
	rows, err := s.Pool.Query(ctx, `SELECT run_id, phase, agent_id, outcome, created_at FROM checkpoints WHERE run_id = $1 ORDER BY created_at ASC, phase ASC, agent_id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Checkpoint
	for rows.Next() {
		var cp store.Checkpoint
		var created int64
		if err := rows.Scan(&cp.RunID, &cp.Phase, &cp.AgentID, &cp.Outcome, &created); err != nil {
			return nil, err
		}
		cp.CreatedAt = fromMillis(created)
		out = append(out, cp)
	}
	return out, rows.Err()
}
