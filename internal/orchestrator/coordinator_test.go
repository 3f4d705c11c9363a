package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/olympusai/buildforge/internal/agent/runtime"
	"github.com/olympusai/buildforge/internal/config"
	"github.com/olympusai/buildforge/internal/events"
	"github.com/olympusai/buildforge/internal/resilience"
	"github.com/olympusai/buildforge/internal/store"
	"github.com/olympusai/buildforge/pkg/models"
)

func TestSubmitCreatesRunAndPhases(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, runtime.StubRuntime{})
	ctx := context.Background()
	p := &config.Pipeline{Name: "demo", Phases: []config.Phase{
		{Name: "build", Agents: []config.Agent{{ID: "a1"}}},
		{Name: "test", Agents: []config.Agent{{ID: "a2"}}},
	}}

	runID, err := env.coord.Submit(ctx, SubmitRequest{Pipeline: p, ContinueOnError: true})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	run := env.mustRun(t, runID)
	if run.Status != models.RunPending || run.Pipeline != "demo" || !run.ContinueOnError {
		t.Fatalf("run: got %+v", run)
	}
	if run.Tier != models.TierStarter.String() {
		t.Fatalf("tier: got %q, want starter default", run.Tier)
	}
	var snap config.Pipeline
	if err := json.Unmarshal([]byte(run.Plan), &snap); err != nil {
		t.Fatalf("plan snapshot: %v", err)
	}
	if len(snap.Phases) != 2 || snap.Phases[0].Name != "build" {
		t.Fatalf("plan snapshot: got %+v", snap)
	}

	rows, err := env.store.ListPhases(ctx, runID)
	if err != nil {
		t.Fatalf("ListPhases: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("phase rows: got %d, want 2", len(rows))
	}
	for i, want := range []string{"build", "test"} {
		if rows[i].Name != want || rows[i].Position != i || rows[i].Status != models.PhasePending {
			t.Fatalf("phase %d: got %+v", i, rows[i])
		}
	}
}

func TestSubmitRejectsInvalidRequests(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, runtime.StubRuntime{})
	ctx := context.Background()

	if _, err := env.coord.Submit(ctx, SubmitRequest{}); err == nil {
		t.Fatal("Submit without a pipeline should fail")
	}

	valid := &config.Pipeline{Name: "demo", Phases: []config.Phase{
		{Name: "build", Agents: []config.Agent{{ID: "a1"}}},
	}}
	if _, err := env.coord.Submit(ctx, SubmitRequest{Pipeline: valid, Tier: "platinum"}); err == nil {
		t.Fatal("Submit with an unknown tier should fail")
	}

	dup := &config.Pipeline{Name: "demo", Phases: []config.Phase{
		{Name: "build", Agents: []config.Agent{{ID: "a1"}, {ID: "a1"}}},
	}}
	if _, err := env.coord.Submit(ctx, SubmitRequest{Pipeline: dup}); err == nil {
		t.Fatal("Submit with duplicate agent ids should fail")
	}
}

func TestDriveRunsPhasesInOrder(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, runtime.StubRuntime{})
	p := &config.Pipeline{Name: "demo", Phases: []config.Phase{
		{Name: "build", Agents: []config.Agent{{ID: "a1"}}},
		{Name: "test", Agents: []config.Agent{{ID: "a2"}}},
	}}

	runID := env.submitAndDrive(t, SubmitRequest{Pipeline: p, Tier: "growth"})

	if run := env.mustRun(t, runID); run.Status != models.RunCompleted {
		t.Fatalf("run status: got %q, want completed", run.Status)
	}
	for _, name := range []string{"build", "test"} {
		if ph := env.mustPhase(t, runID, name); ph.Status != models.PhaseCompleted {
			t.Fatalf("phase %s: got %q, want completed", name, ph.Status)
		}
	}
}

func TestDriveFailFastLeavesLaterPhasePending(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, runtime.StubRuntime{})
	p := &config.Pipeline{Name: "demo", Phases: []config.Phase{
		{Name: "build", Agents: []config.Agent{{ID: "a1", Input: map[string]any{"fail": "permanent"}}}},
		{Name: "test", Agents: []config.Agent{{ID: "a2"}}},
	}}

	runID := env.submitAndDrive(t, SubmitRequest{Pipeline: p, Tier: "pro"})

	run := env.mustRun(t, runID)
	if run.Status != models.RunFailed || !strings.Contains(run.Error, "phase build failed") {
		t.Fatalf("run: got status %q error %q", run.Status, run.Error)
	}
	if ph := env.mustPhase(t, runID, "build"); ph.Status != models.PhaseFailed {
		t.Fatalf("build: got %q, want failed", ph.Status)
	}
	if ph := env.mustPhase(t, runID, "test"); ph.Status != models.PhasePending {
		t.Fatalf("test: got %q, want pending", ph.Status)
	}
}

func TestCancelMidRun(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, runtime.StubRuntime{})
	ctx := context.Background()
	p := &config.Pipeline{Name: "demo", Phases: []config.Phase{
		{Name: "build", Agents: []config.Agent{{ID: "slow", Input: map[string]any{"sleep": "2s"}}}},
	}}

	runID, err := env.coord.Submit(ctx, SubmitRequest{Pipeline: p, Tier: "pro"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	driveErr := make(chan error, 1)
	go func() { driveErr <- env.coord.Drive(context.Background(), runID) }()

	waitFor(t, "slow task to start", func() bool {
		task, err := env.store.GetTaskByAgent(ctx, runID, "build", "slow")
		return err == nil && task.Status == models.TaskRunning
	})
	if err := env.coord.Cancel(ctx, runID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := <-driveErr; err != nil {
		t.Fatalf("Drive after cancel: %v", err)
	}

	if run := env.mustRun(t, runID); run.Status != models.RunCanceled {
		t.Fatalf("run status: got %q, want canceled", run.Status)
	}
	// Canceling again is a no-op.
	if err := env.coord.Cancel(ctx, runID); err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
}

func TestCancelTerminalRunFails(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, runtime.StubRuntime{})
	p := &config.Pipeline{Name: "demo", Phases: []config.Phase{
		{Name: "build", Agents: []config.Agent{{ID: "a1"}}},
	}}

	runID := env.submitAndDrive(t, SubmitRequest{Pipeline: p, Tier: "pro"})
	if err := env.coord.Cancel(context.Background(), runID); err == nil {
		t.Fatal("Cancel of a completed run should fail")
	}
}

func TestResumeAfterCancelAdoptsFinishedWork(t *testing.T) {
	t.Parallel()
	counter := newCountingRuntime(runtime.StubRuntime{})
	env := newTestEnv(t, counter)
	ctx := context.Background()
	p := &config.Pipeline{Name: "demo", Phases: []config.Phase{
		{Name: "build", Agents: []config.Agent{
			{ID: "a1", Input: map[string]any{"sleep": "300ms", "output": "done"}},
			{ID: "a2"},
		}},
	}}

	runID, err := env.coord.Submit(ctx, SubmitRequest{Pipeline: p, Tier: "pro"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	driveErr := make(chan error, 1)
	go func() { driveErr <- env.coord.Drive(context.Background(), runID) }()

	waitFor(t, "a1 to start", func() bool {
		task, err := env.store.GetTaskByAgent(ctx, runID, "build", "a1")
		return err == nil && task.Status == models.TaskRunning
	})
	if err := env.coord.Cancel(ctx, runID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := <-driveErr; err != nil {
		t.Fatalf("Drive after cancel: %v", err)
	}

	// The in-flight handler finishes a1 even though the drive bailed; its
	// result lands in the task row without a checkpoint.
	waitFor(t, "a1 to finish", func() bool {
		task, err := env.store.GetTaskByAgent(ctx, runID, "build", "a1")
		return err == nil && task.Status == models.TaskCompleted
	})

	if err := env.coord.Resume(ctx, runID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if run := env.mustRun(t, runID); run.Status != models.RunPending {
		t.Fatalf("run status after resume: got %q, want pending", run.Status)
	}
	if err := env.coord.Drive(ctx, runID); err != nil {
		t.Fatalf("Drive after resume: %v", err)
	}

	if run := env.mustRun(t, runID); run.Status != models.RunCompleted {
		t.Fatalf("run status: got %q, want completed", run.Status)
	}
	// a1's finished work was adopted, not re-executed.
	if got := counter.count("a1"); got != 1 {
		t.Fatalf("a1 executions: got %d, want 1", got)
	}
	if got := counter.count("a2"); got != 1 {
		t.Fatalf("a2 executions: got %d, want 1", got)
	}
}

func TestResumeRetriesFailedRun(t *testing.T) {
	t.Parallel()
	var healed atomic.Bool
	rt := &fakeRuntime{fn: func(ctx context.Context, req runtime.TaskRequest, emit func(runtime.Event)) (runtime.TaskResult, error) {
		if req.AgentID == "fix" && !healed.Load() {
			return runtime.TaskResult{}, resilience.Permanent(errors.New("registry offline"))
		}
		return runtime.TaskResult{Output: "ok"}, nil
	}}
	counter := newCountingRuntime(rt)
	env := newTestEnv(t, counter)
	ctx := context.Background()
	p := &config.Pipeline{Name: "demo", Phases: []config.Phase{
		{Name: "deploy", Agents: []config.Agent{{ID: "stable"}, {ID: "fix"}}},
	}}

	runID := env.submitAndDrive(t, SubmitRequest{Pipeline: p, Tier: "pro"})
	if run := env.mustRun(t, runID); run.Status != models.RunFailed {
		t.Fatalf("run status: got %q, want failed", run.Status)
	}

	healed.Store(true)
	if err := env.coord.Resume(ctx, runID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if ph := env.mustPhase(t, runID, "deploy"); ph.Status != models.PhasePending {
		t.Fatalf("phase after resume: got %q, want pending", ph.Status)
	}
	if err := env.coord.Drive(ctx, runID); err != nil {
		t.Fatalf("Drive after resume: %v", err)
	}

	if run := env.mustRun(t, runID); run.Status != models.RunCompleted {
		t.Fatalf("run status: got %q, want completed", run.Status)
	}
	// Completed work is never re-run; only the failed agent gets a new attempt.
	if got := counter.count("stable"); got != 1 {
		t.Fatalf("stable executions: got %d, want 1", got)
	}
	if got := counter.count("fix"); got != 2 {
		t.Fatalf("fix executions: got %d, want 2", got)
	}
}

func TestResumeCompletedRunFails(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, runtime.StubRuntime{})
	p := &config.Pipeline{Name: "demo", Phases: []config.Phase{
		{Name: "build", Agents: []config.Agent{{ID: "a1"}}},
	}}

	runID := env.submitAndDrive(t, SubmitRequest{Pipeline: p, Tier: "pro"})
	if err := env.coord.Resume(context.Background(), runID); err == nil {
		t.Fatal("Resume of a completed run should fail")
	}
}

func TestRecoverStaleRequeuesRunningRuns(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, runtime.StubRuntime{})
	ctx := context.Background()
	p := &config.Pipeline{Name: "demo", Phases: []config.Phase{
		{Name: "build", Agents: []config.Agent{{ID: "a1"}}},
	}}

	runID, err := env.coord.Submit(ctx, SubmitRequest{Pipeline: p, Tier: "pro"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	// A run left in running state is a drive that died with the process.
	if err := env.store.SetRunStatus(ctx, runID, models.RunRunning, ""); err != nil {
		t.Fatalf("SetRunStatus: %v", err)
	}

	n, err := env.coord.RecoverStale(ctx)
	if err != nil {
		t.Fatalf("RecoverStale: %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered: got %d, want 1", n)
	}
	if run := env.mustRun(t, runID); run.Status != models.RunPending {
		t.Fatalf("run status: got %q, want pending", run.Status)
	}
}

func TestWatchStreamsRunEvents(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, runtime.StubRuntime{})
	hub := events.NewHub()
	env.coord.Hub = hub
	env.coord.Events = events.Fanout{hub, env.events}
	ctx := context.Background()
	p := &config.Pipeline{Name: "demo", Phases: []config.Phase{
		{Name: "build", Agents: []config.Agent{{ID: "a1"}}},
	}}

	runID, err := env.coord.Submit(ctx, SubmitRequest{Pipeline: p, Tier: "pro"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	ch, release, err := env.coord.Watch(runID)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer release()

	if err := env.coord.Drive(ctx, runID); err != nil {
		t.Fatalf("Drive: %v", err)
	}

	var sawCompleted bool
drain:
	for {
		select {
		case ev := <-ch:
			if ev.Kind == models.EventRunUpdate && ev.Status == models.RunCompleted {
				sawCompleted = true
			}
		default:
			break drain
		}
	}
	if !sawCompleted {
		t.Fatal("watch stream missed the terminal run update")
	}
}

func TestWatchWithoutHubFails(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, runtime.StubRuntime{})
	if _, _, err := env.coord.Watch("run-1"); err == nil {
		t.Fatal("Watch without a hub should fail")
	}
}

func TestRunStatusFromPhases(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name     string
		statuses []string
		want     string
	}{
		{"all completed", []string{models.PhaseCompleted, models.PhaseCompleted}, models.RunCompleted},
		{"skipped is fine", []string{models.PhaseCompleted, models.PhaseSkipped}, models.RunCompleted},
		{"degraded wins over completed", []string{models.PhaseDegraded, models.PhaseCompleted}, models.RunDegraded},
		{"failed wins over degraded", []string{models.PhaseDegraded, models.PhaseFailed}, models.RunFailed},
	}
	for _, tc := range cases {
		var rows []store.PhaseState
		for _, st := range tc.statuses {
			rows = append(rows, store.PhaseState{Status: st})
		}
		if got := RunStatusFromPhases(rows); got != tc.want {
			t.Errorf("%s: got %q, want %q", tc.name, got, tc.want)
		}
	}
}
