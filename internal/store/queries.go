package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Timestamps are stored as unix milliseconds: job scheduling is sub-second
// (backoff jitter, 500ms poll loop) and whole seconds would round it away.

const runCols = `run_id, pipeline, tier, status, continue_on_error, plan, COALESCE(error,''), created_at, started_at, finished_at`

const phaseCols = `run_id, name, position, status, COALESCE(error,''), started_at, finished_at`

const taskCols = `task_id, run_id, phase, agent_id, required, status, COALESCE(output,''), COALESCE(error,''), COALESCE(job_id,''), created_at, updated_at, finished_at`

const jobCols = `job_id, type, payload, COALESCE(run_id,''), status, attempt, max_attempts, scheduled_at, claimed_at, COALESCE(claimed_by,''), is_retry, COALESCE(origin_job_id,''), COALESCE(last_error,''), created_at, updated_at, finished_at`

const deadLetterCols = `id, job_id, job_type, job_payload, last_error, created_at, resolved, resolved_at, COALESCE(resolution_notes,'')`

func millis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(v int64) time.Time { return time.UnixMilli(v).UTC() }

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var r Run
	var created int64
	var started, finished sql.NullInt64
	if err := row.Scan(&r.RunID, &r.Pipeline, &r.Tier, &r.Status, &r.ContinueOnError, &r.Plan, &r.Error, &created, &started, &finished); err != nil {
		return Run{}, err
	}
	r.CreatedAt = fromMillis(created)
	r.StartedAt = fromNullMillis(started)
	r.FinishedAt = fromNullMillis(finished)
	return r, nil
}

func scanPhase(row rowScanner) (PhaseState, error) {
	var p PhaseState
	var started, finished sql.NullInt64
	if err := row.Scan(&p.RunID, &p.Name, &p.Position, &p.Status, &p.Error, &started, &finished); err != nil {
		return PhaseState{}, err
	}
	p.StartedAt = fromNullMillis(started)
	p.FinishedAt = fromNullMillis(finished)
	return p, nil
}

func scanTask(row rowScanner) (Task, error) {
	var t Task
	var created, updated int64
	var finished sql.NullInt64
	if err := row.Scan(&t.TaskID, &t.RunID, &t.Phase, &t.AgentID, &t.Required, &t.Status, &t.Output, &t.Error, &t.JobID, &created, &updated, &finished); err != nil {
		return Task{}, err
	}
	t.CreatedAt = fromMillis(created)
	t.UpdatedAt = fromMillis(updated)
	t.FinishedAt = fromNullMillis(finished)
	return t, nil
}

func scanJob(row rowScanner) (Job, error) {
	var j Job
	var scheduled, created, updated int64
	var claimed, finished sql.NullInt64
	if err := row.Scan(&j.JobID, &j.Type, &j.Payload, &j.RunID, &j.Status, &j.Attempt, &j.MaxAttempts, &scheduled, &claimed, &j.ClaimedBy, &j.IsRetry, &j.OriginJobID, &j.LastError, &created, &updated, &finished); err != nil {
		return Job{}, err
	}
	j.ScheduledAt = fromMillis(scheduled)
	j.ClaimedAt = fromNullMillis(claimed)
	j.CreatedAt = fromMillis(created)
	j.UpdatedAt = fromMillis(updated)
	j.FinishedAt = fromNullMillis(finished)
	return j, nil
}

func scanDeadLetter(row rowScanner) (DeadLetter, error) {
	var d DeadLetter
	var created int64
	var resolvedAt sql.NullInt64
	if err := row.Scan(&d.ID, &d.JobID, &d.JobType, &d.JobPayload, &d.LastError, &created, &d.Resolved, &resolvedAt, &d.ResolutionNotes); err != nil {
		return DeadLetter{}, err
	}
	d.CreatedAt = fromMillis(created)
	d.ResolvedAt = fromNullMillis(resolvedAt)
	return d, nil
}

// --- Runs ---

func (s *sqliteStore) CreateRun(ctx context.Context, run Run, phases []PhaseState) error {
	if run.RunID == "" {
		return errors.New("run id required")
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := millis(time.Now())
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs(run_id, pipeline, tier, status, continue_on_error, plan, error, created_at) VALUES(?, ?, ?, ?, ?, ?, NULLIF(?,''), ?)`,
		run.RunID, run.Pipeline, run.Tier, run.Status, run.ContinueOnError, run.Plan, run.Error, now); err != nil {
		return err
	}
	for _, p := range phases {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO phases(run_id, name, position, status) VALUES(?, ?, ?, ?)`,
			run.RunID, p.Name, p.Position, p.Status); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) GetRun(ctx context.Context, runID string) (Run, error) {
	r, err := scanRun(s.stmtGetRun.QueryRowContext(ctx, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return r, err
}

func (s *sqliteStore) ListRuns(ctx context.Context, status string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + runCols + ` FROM runs ORDER BY created_at DESC LIMIT ?`
	args := []any{limit}
	if status != "" {
		q = `SELECT ` + runCols + ` FROM runs WHERE status = ? ORDER BY created_at DESC LIMIT ?`
		args = []any{status, limit}
	}
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SetRunStatus(ctx context.Context, runID, status, errMsg string) error {
	now := millis(time.Now())
	var res sql.Result
	var err error
	switch status {
	case "running":
		res, err = s.DB.ExecContext(ctx, `UPDATE runs SET status=?, error=NULLIF(?,''), started_at=COALESCE(started_at, ?) WHERE run_id=?`, status, errMsg, now, runID)
	case "completed", "degraded", "failed", "canceled":
		res, err = s.DB.ExecContext(ctx, `UPDATE runs SET status=?, error=NULLIF(?,''), finished_at=? WHERE run_id=?`, status, errMsg, now, runID)
	default:
		res, err = s.DB.ExecContext(ctx, `UPDATE runs SET status=?, error=NULLIF(?,'') WHERE run_id=?`, status, errMsg, runID)
	}
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) ClaimPendingRun(ctx context.Context) (*Run, error) {
	for {
		var runID string
		err := s.DB.QueryRowContext(ctx, `SELECT run_id FROM runs WHERE status='pending' ORDER BY created_at ASC LIMIT 1`).Scan(&runID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		now := millis(time.Now())
		res, err := s.DB.ExecContext(ctx, `UPDATE runs SET status='running', started_at=COALESCE(started_at, ?) WHERE run_id=? AND status='pending'`, now, runID)
		if err != nil {
			return nil, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			// Lost the race to another driver; try the next candidate.
			continue
		}
		run, err := s.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		return &run, nil
	}
}

func (s *sqliteStore) RequeueRun(ctx context.Context, runID string) error {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status == "completed" {
		return fmt.Errorf("run %s already completed", runID)
	}
	_, err = s.DB.ExecContext(ctx, `UPDATE runs SET status='pending', error=NULL, finished_at=NULL WHERE run_id=?`, runID)
	return err
}

// --- Phases ---

func (s *sqliteStore) ListPhases(ctx context.Context, runID string) ([]PhaseState, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+phaseCols+` FROM phases WHERE run_id = ? ORDER BY position ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []PhaseState
	for rows.Next() {
		p, err := scanPhase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SetPhaseStatus(ctx context.Context, runID, name, status, errMsg string) error {
	now := millis(time.Now())
	var res sql.Result
	var err error
	switch status {
	case "running":
		res, err = s.DB.ExecContext(ctx, `UPDATE phases SET status=?, error=NULLIF(?,''), started_at=COALESCE(started_at, ?) WHERE run_id=? AND name=?`, status, errMsg, now, runID, name)
	case "completed", "degraded", "failed", "skipped":
		res, err = s.DB.ExecContext(ctx, `UPDATE phases SET status=?, error=NULLIF(?,''), finished_at=? WHERE run_id=? AND name=?`, status, errMsg, now, runID, name)
	default:
		res, err = s.DB.ExecContext(ctx, `UPDATE phases SET status=?, error=NULLIF(?,'') WHERE run_id=? AND name=?`, status, errMsg, runID, name)
	}
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("phase %s/%s: %w", runID, name, ErrNotFound)
	}
	return nil
}

// --- Tasks ---

func (s *sqliteStore) CreateTask(ctx context.Context, t Task) error {
	if t.TaskID == "" {
		return errors.New("task id required")
	}
	now := millis(time.Now())
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO tasks(task_id, run_id, phase, agent_id, required, status, job_id, created_at, updated_at) VALUES(?, ?, ?, ?, ?, ?, NULLIF(?,''), ?, ?)`,
		t.TaskID, t.RunID, t.Phase, t.AgentID, t.Required, t.Status, t.JobID, now, now)
	return err
}

func (s *sqliteStore) GetTask(ctx context.Context, taskID string) (Task, error) {
	t, err := scanTask(s.DB.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE task_id = ?`, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return t, err
}

func (s *sqliteStore) GetTaskByAgent(ctx context.Context, runID, phase, agentID string) (Task, error) {
	t, err := scanTask(s.stmtGetTaskByAgent.QueryRowContext(ctx, runID, phase, agentID))
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, fmt.Errorf("task %s/%s/%s: %w", runID, phase, agentID, ErrNotFound)
	}
	return t, err
}

func (s *sqliteStore) ListTasks(ctx context.Context, runID string) ([]Task, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE run_id = ? ORDER BY created_at ASC, task_id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SetTaskJob(ctx context.Context, taskID, jobID string) error {
	now := millis(time.Now())
	res, err := s.DB.ExecContext(ctx, `UPDATE tasks SET job_id=?, updated_at=? WHERE task_id=?`, jobID, now, taskID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return nil
}

// SetTaskStatus updates a task. Terminal statuses apply only once: the first
// terminal writer wins and later terminal writes are dropped silently, which
// is what lets the executor and a still-running handler race safely.
func (s *sqliteStore) SetTaskStatus(ctx context.Context, taskID, status, output, errMsg string) error {
	now := millis(time.Now())
	var res sql.Result
	var err error
	switch status {
	case "completed", "failed", "skipped":
		res, err = s.DB.ExecContext(ctx, `UPDATE tasks SET status=?, output=NULLIF(?,''), error=NULLIF(?,''), updated_at=?, finished_at=? WHERE task_id=? AND status NOT IN ('completed','failed','skipped')`, status, output, errMsg, now, now, taskID)
	default:
		res, err = s.DB.ExecContext(ctx, `UPDATE tasks SET status=?, output=NULLIF(?,''), error=NULLIF(?,''), updated_at=? WHERE task_id=?`, status, output, errMsg, now, taskID)
	}
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, gerr := s.GetTask(ctx, taskID); gerr != nil {
			return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}
		return nil // already terminal
	}
	return nil
}

// --- Jobs ---

func (s *sqliteStore) CreateJob(ctx context.Context, j Job) error {
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
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO jobs(job_id, type, payload, run_id, status, attempt, max_attempts, scheduled_at, is_retry, origin_job_id, last_error, created_at, updated_at) VALUES(?, ?, ?, NULLIF(?,''), ?, ?, ?, ?, ?, NULLIF(?,''), NULLIF(?,''), ?, ?)`,
		j.JobID, j.Type, j.Payload, j.RunID, j.Status, j.Attempt, j.MaxAttempts, sched, j.IsRetry, j.OriginJobID, j.LastError, now, now)
	return err
}

func (s *sqliteStore) GetJob(ctx context.Context, jobID string) (Job, error) {
	j, err := scanJob(s.stmtGetJob.QueryRowContext(ctx, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	return j, err
}

func (s *sqliteStore) ListJobs(ctx context.Context, status string, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + jobCols + ` FROM jobs ORDER BY created_at DESC LIMIT ?`
	args := []any{limit}
	if status != "" {
		q = `SELECT ` + jobCols + ` FROM jobs WHERE status = ? ORDER BY created_at DESC LIMIT ?`
		args = []any{status, limit}
	}
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ClaimDueJob(ctx context.Context, workerID string) (*Job, error) {
	for {
		var jobID string
		err := s.stmtClaimCandidate.QueryRowContext(ctx, millis(time.Now())).Scan(&jobID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		now := millis(time.Now())
		res, err := s.stmtClaimJob.ExecContext(ctx, now, workerID, now, jobID)
		if err != nil {
			return nil, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			// Another worker claimed it between the select and the update.
			continue
		}
		job, err := s.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		return &job, nil
	}
}

func (s *sqliteStore) CompleteJob(ctx context.Context, jobID string) error {
	now := millis(time.Now())
	_, err := s.stmtCompleteJob.ExecContext(ctx, now, now, jobID)
	return err
}

func (s *sqliteStore) RescheduleJob(ctx context.Context, jobID string, at time.Time, lastError string) error {
	now := millis(time.Now())
	res, err := s.DB.ExecContext(ctx,
		`UPDATE jobs SET status='failed', scheduled_at=?, claimed_at=NULL, claimed_by=NULL, last_error=NULLIF(?,''), updated_at=? WHERE job_id=? AND status='running'`,
		millis(at), lastError, now, jobID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("job %s not running: %w", jobID, ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) MarkJobDead(ctx context.Context, jobID, lastError string) (bool, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	now := millis(time.Now())
	upd, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status='dead', last_error=NULLIF(?,''), finished_at=?, updated_at=? WHERE job_id=? AND status NOT IN ('completed','canceled')`,
		lastError, now, now, jobID)
	if err != nil {
		return false, err
	}
	if n, err := upd.RowsAffected(); err != nil {
		return false, err
	} else if n == 0 {
		// Completed or canceled while the last attempt was in flight.
		return false, nil
	}
	// job_id is UNIQUE in dead_letters, so a re-driven failure lands on the
	// same entry instead of creating a second one.
	res, err := tx.ExecContext(ctx,
		`INSERT INTO dead_letters(id, job_id, job_type, job_payload, last_error, created_at) VALUES(?, ?, ?, ?, ?, ?) ON CONFLICT(job_id) DO NOTHING`,
		uuid.NewString(), jobID, job.Type, job.Payload, lastError, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) CancelJob(ctx context.Context, jobID string) (bool, error) {
	now := millis(time.Now())
	res, err := s.DB.ExecContext(ctx,
		`UPDATE jobs SET status='canceled', finished_at=?, updated_at=? WHERE job_id=? AND status IN ('pending','queued','failed','running')`,
		now, now, jobID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) CancelJobsForRun(ctx context.Context, runID string) (int, error) {
	now := millis(time.Now())
	res, err := s.DB.ExecContext(ctx,
		`UPDATE jobs SET status='canceled', finished_at=?, updated_at=? WHERE run_id=? AND status IN ('pending','queued','failed','running')`,
		now, now, runID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *sqliteStore) ReclaimStaleJobs(ctx context.Context, claimedBefore time.Time) (int, error) {
	now := millis(time.Now())
	res, err := s.DB.ExecContext(ctx,
		`UPDATE jobs SET status='queued', scheduled_at=?, claimed_at=NULL, claimed_by=NULL, updated_at=? WHERE status='running' AND claimed_at IS NOT NULL AND claimed_at < ?`,
		now, now, millis(claimedBefore))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *sqliteStore) CountJobsByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

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

func (s *sqliteStore) ListDeadLetters(ctx context.Context, includeResolved bool, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + deadLetterCols + ` FROM dead_letters WHERE resolved = 0 ORDER BY created_at DESC LIMIT ?`
	if includeResolved {
		q = `SELECT ` + deadLetterCols + ` FROM dead_letters ORDER BY created_at DESC LIMIT ?`
	}
	rows, err := s.DB.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []DeadLetter
	for rows.Next() {
		d, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetDeadLetter(ctx context.Context, id string) (DeadLetter, error) {
	d, err := scanDeadLetter(s.DB.QueryRowContext(ctx, `SELECT `+deadLetterCols+` FROM dead_letters WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return DeadLetter{}, fmt.Errorf("dead letter %s: %w", id, ErrNotFound)
	}
	return d, err
}

func (s *sqliteStore) ResolveDeadLetter(ctx context.Context, id, notes string) error {
	now := millis(time.Now())
	res, err := s.DB.ExecContext(ctx,
		`UPDATE dead_letters SET resolved=1, resolved_at=?, resolution_notes=NULLIF(?,'') WHERE id=? AND resolved=0`,
		now, notes, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("dead letter %s unresolved: %w", id, ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) ExpireDeadLetters(ctx context.Context, cutoff time.Time, notes string) (int, error) {
	now := millis(time.Now())
	res, err := s.DB.ExecContext(ctx,
		`UPDATE dead_letters SET resolved=1, resolved_at=?, resolution_notes=? WHERE resolved=0 AND created_at < ?`,
		now, notes, millis(cutoff))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// --- Checkpoints ---

func (s *sqliteStore) AppendCheckpoint(ctx context.Context, cp Checkpoint) error {
	if cp.RunID == "" || cp.Phase == "" || cp.AgentID == "" {
		return errors.New("checkpoint key requires run, phase, and agent")
	}
	_, err := s.stmtAppendCheckpoint.ExecContext(ctx, cp.RunID, cp.Phase, cp.AgentID, cp.Outcome, millis(time.Now()))
	return err
}

func (s *sqliteStore) ListCheckpoints(ctx context.Context, runID string) ([]Checkpoint, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT run_id, phase, agent_id, outcome, created_at FROM checkpoints WHERE run_id = ? ORDER BY created_at ASC, phase ASC, agent_id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Checkpoint
	for rows.Next() {
		var cp Checkpoint
		var created int64
		if err := rows.Scan(&cp.RunID, &cp.Phase, &cp.AgentID, &cp.Outcome, &created); err != nil {
			return nil, err
		}
		cp.CreatedAt = fromMillis(created)
		out = append(out, cp)
	}
	return out, rows.Err()
}
