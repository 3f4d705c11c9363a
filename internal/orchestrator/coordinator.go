// Package orchestrator drives BuildRuns end to end: run submission, the
// phase state machine, agent scheduling with tier gating and dependency
// batches, checkpointed progress, and the driver loop that claims pending
// runs. Individual agents execute as queue jobs, so every decision the
// orchestrator makes is durable across process restarts.
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
	"github.com/olympusai/buildforge/internal/events"
	"github.com/olympusai/buildforge/internal/otel"
	"github.com/olympusai/buildforge/internal/queue"
	"github.com/olympusai/buildforge/internal/store"
	"github.com/olympusai/buildforge/pkg/models"
)

// Coordinator owns the BuildRun lifecycle: submit, drive, cancel, resume,
// and watch. It is the single writer for run status.
type Coordinator struct {
	Store  store.Store
	Queue  *queue.Queue
	Events Publisher
	// Hub backs Watch subscriptions; optional.
	Hub *events.Hub
	// TaskPoll overrides the executor's job poll interval.
	TaskPoll time.Duration
}

// SubmitRequest describes one run submission.
type SubmitRequest struct {
	Pipeline        *config.Pipeline
	Tier            string
	ContinueOnError bool
}

// Submit validates the request, snapshots the pipeline plan, and creates the
// run in pending state together with its phase rows. A driver picks it up
// from there.
func (c *Coordinator) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if req.Pipeline == nil {
		return "", errors.New("pipeline required")
	}
	if err := req.Pipeline.Validate(); err != nil {
		return "", err
	}
	tier := models.TierStarter
	if req.Tier != "" {
		var err error
		tier, err = models.ParseTier(req.Tier)
		if err != nil {
			return "", err
		}
	}
	plan, err := json.Marshal(req.Pipeline)
	if err != nil {
		return "", fmt.Errorf("snapshot pipeline: %w", err)
	}

	run := store.Run{
		RunID:           uuid.NewString(),
		Pipeline:        req.Pipeline.Name,
		Tier:            tier.String(),
		Status:          models.RunPending,
		ContinueOnError: req.ContinueOnError,
		Plan:            string(plan),
	}
	phases := make([]store.PhaseState, len(req.Pipeline.Phases))
	for i, ph := range req.Pipeline.Phases {
		phases[i] = store.PhaseState{
			RunID:    run.RunID,
			Name:     ph.Name,
			Position: i,
			Status:   models.PhasePending,
		}
	}
	if err := c.Store.CreateRun(ctx, run, phases); err != nil {
		return "", err
	}
	otel.RecordRun(ctx, models.RunPending)
	publish(c.Events, models.RunEvent{Kind: models.EventRunUpdate, RunID: run.RunID, Status: models.RunPending})
	slog.Info("run submitted",
		"run_id", run.RunID, "pipeline", run.Pipeline, "tier", run.Tier,
		"phases", len(phases), "continue_on_error", run.ContinueOnError)
	return run.RunID, nil
}

// Drive executes a claimed run's phases strictly in order and settles its
// terminal status. Phases already terminal (a resumed run) are not re-run;
// failed work of non-terminal phases gets a fresh chance. Drive returns nil
// for every policy outcome; an error means infrastructure trouble, and the
// run is marked failed unless the drive itself was shut down.
func (c *Coordinator) Drive(ctx context.Context, runID string) error {
	run, err := c.Store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if models.Terminal(run.Status) {
		slog.Debug("run already terminal, nothing to drive", "run_id", runID, "status", run.Status)
		return nil
	}

	var pipeline config.Pipeline
	if err := json.Unmarshal([]byte(run.Plan), &pipeline); err != nil {
		return c.failRun(ctx, runID, fmt.Errorf("decode plan snapshot: %w", err))
	}
	progress, err := (Checkpoints{Store: c.Store}).Load(ctx, runID)
	if err != nil {
		return c.failRun(ctx, runID, err)
	}
	rows, err := c.Store.ListPhases(ctx, runID)
	if err != nil {
		return c.failRun(ctx, runID, err)
	}
	phaseStatus := make(map[string]string, len(rows))
	for _, p := range rows {
		phaseStatus[p.Name] = p.Status
	}

	exec := &Executor{Store: c.Store, Queue: c.Queue, Events: c.Events, Poll: c.TaskPoll}
	for _, ph := range pipeline.Phases {
		if models.PhaseTerminal(phaseStatus[ph.Name]) {
			continue
		}
		progress.DropFailed(ph.Name)
		status, err := exec.RunPhase(ctx, run, ph, progress)
		if errors.Is(err, ErrRunCanceled) {
			slog.Info("run canceled mid-drive", "run_id", runID, "phase", ph.Name)
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				// Shutting down; leave the run claimable through resume.
				return err
			}
			return c.failRun(ctx, runID, err)
		}
		if status == models.PhaseFailed {
			return c.settleRun(ctx, runID, models.RunFailed, c.phaseError(ctx, runID, ph.Name))
		}
	}

	rows, err = c.Store.ListPhases(ctx, runID)
	if err != nil {
		return c.failRun(ctx, runID, err)
	}
	return c.settleRun(ctx, runID, RunStatusFromPhases(rows), "")
}

// Cancel marks the run canceled and cancels its outstanding jobs. An
// in-flight drive observes the flag at its next suspension point. Canceling
// an already canceled run is a no-op.
func (c *Coordinator) Cancel(ctx context.Context, runID string) error {
	run, err := c.Store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	switch run.Status {
	case models.RunCanceled:
		return nil
	case models.RunCompleted, models.RunDegraded, models.RunFailed:
		return fmt.Errorf("run %s already %s", runID, run.Status)
	}
	if err := c.Store.SetRunStatus(ctx, runID, models.RunCanceled, ""); err != nil {
		return err
	}
	n, err := c.Queue.CancelRun(ctx, runID)
	if err != nil {
		return err
	}
	otel.RecordRun(ctx, models.RunCanceled)
	publish(c.Events, models.RunEvent{Kind: models.EventRunUpdate, RunID: runID, Status: models.RunCanceled})
	slog.Info("run canceled", "run_id", runID, "jobs_canceled", n)
	return nil
}

// Resume puts a failed, degraded, canceled, or stale-running run back in the
// driver's queue. Failed phases are reset so their agents get another
// attempt; checkpointed completed work is never re-executed.
func (c *Coordinator) Resume(ctx context.Context, runID string) error {
	run, err := c.Store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	switch run.Status {
	case models.RunCompleted:
		return fmt.Errorf("run %s already completed", runID)
	case models.RunPending:
		return nil
	}
	rows, err := c.Store.ListPhases(ctx, runID)
	if err != nil {
		return err
	}
	for _, p := range rows {
		if p.Status == models.PhaseFailed {
			if err := c.Store.SetPhaseStatus(ctx, runID, p.Name, models.PhasePending, ""); err != nil {
				return err
			}
		}
	}
	if err := c.Store.RequeueRun(ctx, runID); err != nil {
		return err
	}
	publish(c.Events, models.RunEvent{Kind: models.EventRunUpdate, RunID: runID, Status: models.RunPending})
	slog.Info("run resumed", "run_id", runID, "previous_status", run.Status)
	return nil
}

// Watch subscribes to a run's event stream. The cancel func releases the
// subscription.
func (c *Coordinator) Watch(runID string) (<-chan models.RunEvent, func(), error) {
	if c.Hub == nil {
		return nil, nil, errors.New("event hub not configured")
	}
	ch, cancel := c.Hub.Subscribe(runID)
	return ch, cancel, nil
}

// RecoverStale requeues runs stuck in running state. Only meaningful at
// startup, before any driver goroutine is live: a single-instance daemon
// cannot have genuinely running runs at that point.
func (c *Coordinator) RecoverStale(ctx context.Context) (int, error) {
	runs, err := c.Store.ListRuns(ctx, models.RunRunning, models.DefaultRunListLimit)
	if err != nil {
		return 0, err
	}
	for _, r := range runs {
		if err := c.Store.RequeueRun(ctx, r.RunID); err != nil {
			return 0, err
		}
		slog.Warn("stale running run requeued", "run_id", r.RunID)
	}
	return len(runs), nil
}

func (c *Coordinator) settleRun(ctx context.Context, runID, status, errMsg string) error {
	if err := c.Store.SetRunStatus(ctx, runID, status, errMsg); err != nil {
		return err
	}
	otel.RecordRun(ctx, status)
	publish(c.Events, models.RunEvent{Kind: models.EventRunUpdate, RunID: runID, Status: status, Error: errMsg})
	slog.Info("run finished", "run_id", runID, "status", status)
	return nil
}

// failRun marks the run failed with the triggering error preserved. The
// checkpoint trail and any DLQ entries stay behind for post-mortem.
func (c *Coordinator) failRun(ctx context.Context, runID string, cause error) error {
	bctx := context.WithoutCancel(ctx)
	if err := c.Store.SetRunStatus(bctx, runID, models.RunFailed, cause.Error()); err != nil {
		slog.Error("mark run failed", "run_id", runID, "error", err)
		return cause
	}
	otel.RecordRun(bctx, models.RunFailed)
	publish(c.Events, models.RunEvent{Kind: models.EventRunUpdate, RunID: runID, Status: models.RunFailed, Error: cause.Error()})
	slog.Error("run failed", "run_id", runID, "error", cause)
	return cause
}

// phaseError fetches a phase's recorded error for the run's failure message.
func (c *Coordinator) phaseError(ctx context.Context, runID, phase string) string {
	rows, err := c.Store.ListPhases(ctx, runID)
	if err != nil {
		return fmt.Sprintf("phase %s failed", phase)
	}
	for _, p := range rows {
		if p.Name == phase && p.Error != "" {
			return fmt.Sprintf("phase %s failed: %s", phase, p.Error)
		}
	}
	return fmt.Sprintf("phase %s failed", phase)
}

// RunStatusFromPhases aggregates phase rows into a run's terminal status:
// any failed phase fails the run, any degraded phase degrades it, and
// skipped phases count as fine.
func RunStatusFromPhases(phases []store.PhaseState) string {
	status := models.RunCompleted
	for _, p := range phases {
		switch p.Status {
		case models.PhaseFailed:
			return models.RunFailed
		case models.PhaseDegraded:
			status = models.RunDegraded
		}
	}
	return status
}
