package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/olympusai/buildforge/internal/config"
	"github.com/olympusai/buildforge/internal/queue"
	"github.com/olympusai/buildforge/internal/store"
	"github.com/olympusai/buildforge/pkg/models"
)

// Publisher receives run events. The daemon wires the event hub and the run
// journal in here; tests capture events directly. May be left nil.
type Publisher interface {
	Publish(ev models.RunEvent)
}

func publish(p Publisher, ev models.RunEvent) {
	if p == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	p.Publish(ev)
}

// ErrRunCanceled reports that a drive stopped because its run was canceled.
var ErrRunCanceled = errors.New("run canceled")

// DefaultTaskPoll is how often the executor re-reads job state while
// awaiting a batch.
const DefaultTaskPoll = 200 * time.Millisecond

// Executor runs one phase at a time: it plans batches, submits each agent as
// a queue job, waits for every job in the batch to reach a terminal state,
// and appends a checkpoint for each terminal agent before deciding what runs
// next. That ordering is what makes resume-from-checkpoint safe.
type Executor struct {
	Store  store.Store
	Queue  *queue.Queue
	Events Publisher
	// Poll overrides DefaultTaskPoll when positive.
	Poll time.Duration
}

// phaseRun carries one phase execution's state and failure signals.
type phaseRun struct {
	run      store.Run
	phase    config.Phase
	tier     models.Tier
	progress Progress

	requiredFailed bool
	optionalFailed bool
	// lostRequired is set when a required agent is skipped because of a
	// failed or unsatisfiable dependency. Tier skips do not set it.
	lostRequired bool
	firstFailure string
}

func (pr *phaseRun) noteFailure(a config.Agent, msg string) {
	if a.Optional {
		pr.optionalFailed = true
	} else {
		pr.requiredFailed = true
	}
	if pr.firstFailure == "" {
		pr.firstFailure = msg
	}
}

// haltRequired reports whether the phase must stop submitting work.
func (pr *phaseRun) haltRequired() bool {
	return pr.requiredFailed && !pr.run.ContinueOnError
}

func (pr *phaseRun) status() string {
	switch {
	case pr.requiredFailed && !pr.run.ContinueOnError:
		return models.PhaseFailed
	case pr.requiredFailed, pr.optionalFailed, pr.lostRequired:
		return models.PhaseDegraded
	default:
		return models.PhaseCompleted
	}
}

// seedFromProgress folds outcomes recorded by earlier drives into the failure
// signals so a resumed phase settles on the right terminal status.
func (pr *phaseRun) seedFromProgress() {
	for _, a := range pr.phase.Agents {
		out, ok := pr.progress.Outcome(pr.phase.Name, a.ID)
		if !ok {
			continue
		}
		switch out {
		case models.OutcomeFailed:
			pr.noteFailure(a, fmt.Sprintf("agent %s failed", a.ID))
		case models.OutcomeSkipped:
			if !a.Optional && !TierGated(a, pr.tier) {
				pr.lostRequired = true
			}
		}
	}
}

// RunPhase drives one phase to a terminal status. It returns the status and
// a nil error for every policy outcome, including failed; errors are
// reserved for infrastructure problems and for ErrRunCanceled.
func (e *Executor) RunPhase(ctx context.Context, run store.Run, ph config.Phase, progress Progress) (string, error) {
	tier := models.Tier(run.Tier)
	if ph.MinTier != "" && !tier.AtLeast(models.Tier(ph.MinTier)) {
		if err := e.setPhase(ctx, run.RunID, ph.Name, models.PhaseSkipped, ""); err != nil {
			return "", err
		}
		slog.Info("phase skipped", "run_id", run.RunID, "phase", ph.Name, "min_tier", ph.MinTier, "tier", run.Tier)
		return models.PhaseSkipped, nil
	}
	if err := e.setPhase(ctx, run.RunID, ph.Name, models.PhaseRunning, ""); err != nil {
		return "", err
	}
	slog.Info("phase started", "run_id", run.RunID, "phase", ph.Name, "agents", len(ph.Agents), "parallel", ph.Parallel)

	pr := &phaseRun{run: run, phase: ph, tier: tier, progress: progress}
	pr.seedFromProgress()

	for {
		if err := e.checkCanceled(ctx, run.RunID); err != nil {
			return "", err
		}
		plan, err := PlanPhase(ph, tier, progress)
		if err != nil {
			// The plan snapshot is unusable; there is nothing to retry.
			if serr := e.setPhase(ctx, run.RunID, ph.Name, models.PhaseFailed, err.Error()); serr != nil {
				return "", serr
			}
			return models.PhaseFailed, nil
		}
		if err := e.applySkips(ctx, pr, plan.Skipped); err != nil {
			return "", err
		}
		if len(plan.Batches) == 0 {
			break
		}
		halted, err := e.runBatch(ctx, pr, plan.Batches[0])
		if err != nil {
			return "", err
		}
		if halted {
			if err := e.setPhase(ctx, run.RunID, ph.Name, models.PhaseFailed, pr.firstFailure); err != nil {
				return "", err
			}
			slog.Warn("phase failed", "run_id", run.RunID, "phase", ph.Name, "error", pr.firstFailure)
			return models.PhaseFailed, nil
		}
	}

	status := pr.status()
	if err := e.setPhase(ctx, run.RunID, ph.Name, status, pr.firstFailure); err != nil {
		return "", err
	}
	slog.Info("phase finished", "run_id", run.RunID, "phase", ph.Name, "status", status)
	return status, nil
}

// applySkips records every agent the plan excluded. A non-gated skip of a
// required agent degrades the phase.
func (e *Executor) applySkips(ctx context.Context, pr *phaseRun, skips []Skip) error {
	for _, sk := range skips {
		if _, done := pr.progress.Outcome(pr.phase.Name, sk.AgentID); done {
			continue
		}
		a, _ := pr.phase.AgentByID(sk.AgentID)
		if !sk.Gated && !a.Optional {
			pr.lostRequired = true
			if pr.firstFailure == "" {
				pr.firstFailure = fmt.Sprintf("agent %s skipped: %s", sk.AgentID, sk.Reason)
			}
		}
		if err := e.finishTask(ctx, pr, sk.AgentID, models.TaskSkipped, "", sk.Reason); err != nil {
			return err
		}
		slog.Info("agent skipped", "run_id", pr.run.RunID, "phase", pr.phase.Name, "agent_id", sk.AgentID, "reason", sk.Reason)
	}
	return nil
}

// batchEntry tracks one submitted agent while its job runs.
type batchEntry struct {
	agent config.Agent
	task  store.Task
	jobID string
	done  bool
}

// runBatch submits one batch and waits for every job in it to land. It
// reports whether the phase must halt.
func (e *Executor) runBatch(ctx context.Context, pr *phaseRun, batch []string) (bool, error) {
	entries := make([]*batchEntry, 0, len(batch))
	for _, id := range batch {
		a, ok := pr.phase.AgentByID(id)
		if !ok {
			return false, fmt.Errorf("phase %q has no agent %q", pr.phase.Name, id)
		}
		t, err := e.ensureTask(ctx, pr, id)
		if err != nil {
			return false, err
		}
		if t.Status == models.TaskCompleted || t.Status == models.TaskSkipped {
			// A previous drive finished this agent but stopped before its
			// checkpoint landed; adopt the outcome instead of re-running.
			// Failed rows are not adopted: a re-driven phase owes its failed
			// agents a fresh attempt, so those fall through to resubmission.
			if err := e.finishTask(ctx, pr, a.ID, t.Status, t.Output, t.Error); err != nil {
				return false, err
			}
			continue
		}
		entry, err := e.submitTask(ctx, pr, a, t)
		if err != nil {
			return false, err
		}
		entries = append(entries, entry)
	}
	if pr.haltRequired() {
		if err := e.abandonEntries(ctx, pr, entries, fmt.Sprintf("phase halted: %s", pr.firstFailure)); err != nil {
			return true, err
		}
		return true, nil
	}
	return e.awaitBatch(ctx, pr, entries)
}

func (e *Executor) submitTask(ctx context.Context, pr *phaseRun, a config.Agent, t store.Task) (*batchEntry, error) {
	input := ""
	if len(a.Input) > 0 {
		raw, err := json.Marshal(a.Input)
		if err != nil {
			return nil, fmt.Errorf("marshal input for agent %s: %w", a.ID, err)
		}
		input = string(raw)
	}
	payload := TaskPayload{
		TaskID:  t.TaskID,
		RunID:   pr.run.RunID,
		Phase:   pr.phase.Name,
		AgentID: a.ID,
		Tier:    pr.run.Tier,
		Input:   input,
	}

	// Bind the task to the job id before the job exists so a worker can
	// never observe the job without the binding.
	jobID := uuid.NewString()
	if err := e.Store.SetTaskJob(ctx, t.TaskID, jobID); err != nil {
		return nil, err
	}
	if t.Status != models.TaskPending {
		if err := e.Store.SetTaskStatus(ctx, t.TaskID, models.TaskPending, "", ""); err != nil {
			return nil, err
		}
	}
	if _, err := e.Queue.Enqueue(ctx, models.JobTypeTask, payload, queue.WithJobID(jobID), queue.WithRun(pr.run.RunID)); err != nil {
		return nil, err
	}
	publish(e.Events, models.RunEvent{
		Kind:    models.EventTaskUpdate,
		RunID:   pr.run.RunID,
		Phase:   pr.phase.Name,
		AgentID: a.ID,
		JobID:   jobID,
		Status:  models.TaskPending,
	})
	slog.Debug("task submitted", "run_id", pr.run.RunID, "phase", pr.phase.Name, "agent_id", a.ID, "job_id", jobID)
	return &batchEntry{agent: a, task: t, jobID: jobID}, nil
}

// awaitBatch polls until every entry's job is terminal, settling each one as
// it lands. A required failure with continueOnError off halts the batch:
// the remaining jobs are canceled and their agents skipped.
func (e *Executor) awaitBatch(ctx context.Context, pr *phaseRun, entries []*batchEntry) (bool, error) {
	poll := e.Poll
	if poll <= 0 {
		poll = DefaultTaskPoll
	}
	remaining := len(entries)
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for remaining > 0 {
		if err := e.checkCanceled(ctx, pr.run.RunID); err != nil {
			return false, err
		}
		for _, en := range entries {
			if en.done {
				continue
			}
			j, err := e.Store.GetJob(ctx, en.jobID)
			if err != nil {
				return false, err
			}
			if !models.JobTerminal(j.Status) {
				continue
			}
			en.done = true
			remaining--
			if err := e.settleEntry(ctx, pr, en, j); err != nil {
				return false, err
			}
			if pr.haltRequired() {
				if err := e.abandonEntries(ctx, pr, entries, fmt.Sprintf("phase halted: %s", pr.firstFailure)); err != nil {
					return true, err
				}
				return true, nil
			}
		}
		if remaining == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
	return false, nil
}

// settleEntry records the terminal outcome of one agent from its job.
func (e *Executor) settleEntry(ctx context.Context, pr *phaseRun, en *batchEntry, j store.Job) error {
	switch j.Status {
	case models.JobCompleted:
		t, err := e.Store.GetTask(ctx, en.task.TaskID)
		if err != nil {
			return err
		}
		if !models.TaskTerminal(t.Status) {
			// A bound job only completes without a task outcome when the
			// handler dropped it for a canceled run.
			run, rerr := e.Store.GetRun(ctx, pr.run.RunID)
			if rerr != nil {
				return rerr
			}
			if run.Status == models.RunCanceled {
				return ErrRunCanceled
			}
			msg := fmt.Sprintf("job %s completed without a task outcome", j.JobID)
			pr.noteFailure(en.agent, fmt.Sprintf("agent %s: %s", en.agent.ID, msg))
			return e.finishTask(ctx, pr, en.agent.ID, models.TaskFailed, "", msg)
		}
		if t.Status == models.TaskFailed {
			pr.noteFailure(en.agent, fmt.Sprintf("agent %s failed: %s", en.agent.ID, t.Error))
		}
		return e.finishTask(ctx, pr, en.agent.ID, t.Status, t.Output, t.Error)
	case models.JobDead:
		pr.noteFailure(en.agent, fmt.Sprintf("agent %s failed: %s", en.agent.ID, j.LastError))
		return e.finishTask(ctx, pr, en.agent.ID, models.TaskFailed, "", j.LastError)
	case models.JobCanceled:
		run, err := e.Store.GetRun(ctx, pr.run.RunID)
		if err != nil {
			return err
		}
		if run.Status == models.RunCanceled {
			return ErrRunCanceled
		}
		// An operator canceled this one job; the agent is skipped, not failed.
		return e.finishTask(ctx, pr, en.agent.ID, models.TaskSkipped, "", "job canceled")
	}
	return nil
}

// abandonEntries cancels the jobs of every unsettled entry and records their
// agents as skipped.
func (e *Executor) abandonEntries(ctx context.Context, pr *phaseRun, entries []*batchEntry, reason string) error {
	for _, en := range entries {
		if en.done {
			continue
		}
		en.done = true
		if err := e.Queue.Cancel(ctx, en.jobID); err != nil {
			slog.Warn("cancel job", "job_id", en.jobID, "error", err)
		}
		if err := e.finishTask(ctx, pr, en.agent.ID, models.TaskSkipped, "", reason); err != nil {
			return err
		}
	}
	return nil
}

// finishTask records one agent's terminal outcome: task row, checkpoint,
// in-memory progress, and the task event, in that order. The checkpoint is
// durable before the caller evaluates anything further.
func (e *Executor) finishTask(ctx context.Context, pr *phaseRun, agentID, status, output, errMsg string) error {
	t, err := e.ensureTask(ctx, pr, agentID)
	if err != nil {
		return err
	}
	if !models.TaskTerminal(t.Status) {
		if err := e.Store.SetTaskStatus(ctx, t.TaskID, status, output, errMsg); err != nil {
			return err
		}
	}
	outcome := outcomeForTask(status)
	if err := (Checkpoints{Store: e.Store}).Append(ctx, pr.run.RunID, pr.phase.Name, agentID, outcome); err != nil {
		return err
	}
	pr.progress.Record(pr.phase.Name, agentID, outcome)
	publish(e.Events, models.RunEvent{
		Kind:    models.EventTaskUpdate,
		RunID:   pr.run.RunID,
		Phase:   pr.phase.Name,
		AgentID: agentID,
		JobID:   t.JobID,
		Status:  status,
		Error:   errMsg,
	})
	return nil
}

// ensureTask returns the task row for an agent, creating it on first use.
func (e *Executor) ensureTask(ctx context.Context, pr *phaseRun, agentID string) (store.Task, error) {
	t, err := e.Store.GetTaskByAgent(ctx, pr.run.RunID, pr.phase.Name, agentID)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.Task{}, err
	}
	a, _ := pr.phase.AgentByID(agentID)
	t = store.Task{
		TaskID:   uuid.NewString(),
		RunID:    pr.run.RunID,
		Phase:    pr.phase.Name,
		AgentID:  agentID,
		Required: !a.Optional,
		Status:   models.TaskPending,
	}
	if err := e.Store.CreateTask(ctx, t); err != nil {
		return store.Task{}, err
	}
	return t, nil
}

func (e *Executor) checkCanceled(ctx context.Context, runID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	run, err := e.Store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status == models.RunCanceled {
		return ErrRunCanceled
	}
	return nil
}

func (e *Executor) setPhase(ctx context.Context, runID, name, status, errMsg string) error {
	if err := e.Store.SetPhaseStatus(ctx, runID, name, status, errMsg); err != nil {
		return err
	}
	publish(e.Events, models.RunEvent{
		Kind:   models.EventPhaseUpdate,
		RunID:  runID,
		Phase:  name,
		Status: status,
		Error:  errMsg,
	})
	return nil
}

func outcomeForTask(status string) string {
	switch status {
	case models.TaskCompleted:
		return models.OutcomeSuccess
	case models.TaskFailed:
		return models.OutcomeFailed
	default:
		return models.OutcomeSkipped
	}
}
