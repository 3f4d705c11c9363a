package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/olympusai/buildforge/internal/agent/runtime"
	"github.com/olympusai/buildforge/internal/otel"
	"github.com/olympusai/buildforge/internal/queue"
	"github.com/olympusai/buildforge/internal/resilience"
	"github.com/olympusai/buildforge/internal/store"
	"github.com/olympusai/buildforge/pkg/models"
)

// TaskPayload is the task.execute job payload: which task to run and the
// input handed to the agent runtime.
type TaskPayload struct {
	TaskID  string `json:"taskId"`
	RunID   string `json:"runId"`
	Phase   string `json:"phase"`
	AgentID string `json:"agentId"`
	Tier    string `json:"tier,omitempty"`
	Input   string `json:"input,omitempty"`
}

// TaskHandler executes task.execute jobs: it resolves the task, runs the
// agent through the resilience core, and persists the outcome. Deliveries for
// tasks that are already terminal, superseded by a newer job, or belonging to
// a canceled run are acknowledged without work, which is what makes
// at-least-once dispatch safe to re-drive.
type TaskHandler struct {
	Store      store.Store
	Runtime    runtime.Runtime
	Resilience *resilience.Core
	// Policy wraps every agent invocation. The circuit breaker is keyed per
	// agent, so one flaky agent cannot open the circuit for the rest.
	Policy resilience.Policy
	Events Publisher
}

func (h *TaskHandler) Type() string { return models.JobTypeTask }

func (h *TaskHandler) Execute(ctx context.Context, job queue.Envelope) error {
	var p TaskPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return resilience.Permanent(fmt.Errorf("decode task payload: %w", err))
	}
	if p.TaskID == "" || p.RunID == "" {
		return resilience.Permanent(errors.New("task payload missing task or run id"))
	}

	t, err := h.Store.GetTask(ctx, p.TaskID)
	if errors.Is(err, store.ErrNotFound) {
		return resilience.Permanent(err)
	}
	if err != nil {
		return err
	}
	if models.TaskTerminal(t.Status) {
		slog.Debug("task already terminal, dropping delivery", "task_id", t.TaskID, "status", t.Status)
		return nil
	}
	if t.JobID != "" && t.JobID != job.JobID {
		slog.Debug("task delivery superseded", "task_id", t.TaskID, "job_id", job.JobID, "current_job_id", t.JobID)
		return nil
	}
	run, err := h.Store.GetRun(ctx, p.RunID)
	if errors.Is(err, store.ErrNotFound) {
		return resilience.Permanent(err)
	}
	if err != nil {
		return err
	}
	if run.Status == models.RunCanceled {
		slog.Debug("run canceled, dropping task delivery", "run_id", p.RunID, "task_id", t.TaskID)
		return nil
	}

	if err := h.Store.SetTaskStatus(ctx, t.TaskID, models.TaskRunning, "", ""); err != nil {
		return err
	}
	publish(h.Events, models.RunEvent{
		Kind:    models.EventTaskUpdate,
		RunID:   p.RunID,
		Phase:   p.Phase,
		AgentID: p.AgentID,
		JobID:   job.JobID,
		Status:  models.TaskRunning,
	})

	req := runtime.TaskRequest{
		RunID:   p.RunID,
		Phase:   p.Phase,
		AgentID: p.AgentID,
		Tier:    run.Tier,
		Attempt: job.Attempt,
		Input:   p.Input,
	}
	emit := func(ev runtime.Event) {
		fields := make(map[string]any, len(ev.Data)+1)
		for k, v := range ev.Data {
			fields[k] = v
		}
		fields["type"] = ev.Type
		publish(h.Events, models.RunEvent{
			Kind:      models.EventAgentActivity,
			RunID:     p.RunID,
			Phase:     p.Phase,
			AgentID:   p.AgentID,
			JobID:     job.JobID,
			Fields:    fields,
			Timestamp: ev.Timestamp,
		})
	}

	start := time.Now()
	var res runtime.TaskResult
	err = h.Resilience.Execute(ctx, "agent."+p.AgentID, h.Policy, func(ctx context.Context) error {
		r, rerr := h.Runtime.RunTask(ctx, req, emit)
		if rerr != nil {
			return rerr
		}
		res = r
		return nil
	})
	elapsed := time.Since(start)
	if err != nil {
		otel.RecordAgentTask(ctx, p.Phase, p.AgentID, "failed", elapsed)
		slog.Warn("agent task attempt failed",
			"run_id", p.RunID, "phase", p.Phase, "agent_id", p.AgentID,
			"attempt", job.Attempt, "elapsed", elapsed, "error", err)
		return err
	}

	// A shutdown here must not lose the finished result; redelivery would
	// re-run the agent.
	bctx := context.WithoutCancel(ctx)
	if err := h.Store.SetTaskStatus(bctx, t.TaskID, models.TaskCompleted, res.Output, ""); err != nil {
		return err
	}
	otel.RecordAgentTask(ctx, p.Phase, p.AgentID, "completed", elapsed)
	publish(h.Events, models.RunEvent{
		Kind:    models.EventTaskUpdate,
		RunID:   p.RunID,
		Phase:   p.Phase,
		AgentID: p.AgentID,
		JobID:   job.JobID,
		Status:  models.TaskCompleted,
	})
	slog.Info("agent task completed",
		"run_id", p.RunID, "phase", p.Phase, "agent_id", p.AgentID,
		"attempt", job.Attempt, "elapsed", elapsed)
	return nil
}
