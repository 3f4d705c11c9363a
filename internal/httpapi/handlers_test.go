package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/olympusai/buildforge/internal/store"
	"github.com/olympusai/buildforge/pkg/models"
)

const shipYAML = `name: ship
phases:
  - name: build
    agents:
      - id: compile
        input:
          output: built
  - name: verify
    agents:
      - id: vet
        input:
          output: vetted
`

const slowYAML = `name: slow
phases:
  - name: build
    agents:
      - id: compile
        input:
          sleep: 300ms
          output: built
      - id: vet
        input:
          output: vetted
`

func mustBody(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return string(b)
}

func TestSubmitAndRunLifecycle(t *testing.T) {
	t.Parallel()
	f := newTestAPI(t, ServerOptions{})

	var sub models.SubmitRunResponse
	body := mustBody(t, models.SubmitRunRequest{Pipeline: shipYAML, Tier: "growth"})
	if code := f.post(t, "/api/runs", body, &sub); code != http.StatusOK {
		t.Fatalf("POST /api/runs: status=%d", code)
	}
	if sub.RunID == "" || sub.Status != models.RunPending {
		t.Fatalf("submit response = %+v", sub)
	}

	detail := f.waitForRunStatus(t, sub.RunID, models.RunCompleted)
	if detail.Run.Pipeline != "ship" || detail.Run.Tier != "growth" {
		t.Fatalf("run = %+v", detail.Run)
	}
	if len(detail.Phases) != 2 {
		t.Fatalf("phases = %+v", detail.Phases)
	}
	for i, want := range []string{"build", "verify"} {
		p := detail.Phases[i]
		if p.Name != want || p.Position != i || p.Status != models.PhaseCompleted {
			t.Fatalf("phase %d = %+v", i, p)
		}
	}
	outputs := map[string]string{}
	for _, task := range detail.Tasks {
		if task.Status != models.TaskCompleted {
			t.Fatalf("task %s = %+v", task.AgentID, task)
		}
		outputs[task.AgentID] = task.Output
	}
	if outputs["compile"] != "built" || outputs["vet"] != "vetted" {
		t.Fatalf("task outputs = %v", outputs)
	}

	var runs []models.BuildRun
	if code := f.get(t, "/api/runs", &runs); code != http.StatusOK {
		t.Fatalf("GET /api/runs: status=%d", code)
	}
	if len(runs) != 1 || runs[0].RunID != sub.RunID {
		t.Fatalf("runs = %+v", runs)
	}

	var cps []models.Checkpoint
	if code := f.get(t, "/api/runs/"+sub.RunID+"/checkpoints", &cps); code != http.StatusOK {
		t.Fatalf("GET checkpoints: status=%d", code)
	}
	if len(cps) != 2 {
		t.Fatalf("checkpoints = %+v", cps)
	}
	for _, cp := range cps {
		if cp.Outcome != models.OutcomeSuccess {
			t.Fatalf("checkpoint = %+v", cp)
		}
	}
}

func TestSubmitDemo(t *testing.T) {
	t.Parallel()
	f := newTestAPI(t, ServerOptions{})

	var sub models.SubmitRunResponse
	if code := f.post(t, "/api/runs", `{"demo":true}`, &sub); code != http.StatusOK {
		t.Fatalf("POST /api/runs demo: status=%d", code)
	}
	detail := f.waitForRunStatus(t, sub.RunID, models.RunCompleted)
	if detail.Run.Tier != "starter" {
		t.Fatalf("demo run tier = %q", detail.Run.Tier)
	}
	statuses := map[string]string{}
	for _, task := range detail.Tasks {
		statuses[task.AgentID] = task.Status
	}
	// The venture agent is enterprise-gated, so a starter demo skips it.
	if statuses["venture"] != models.TaskSkipped {
		t.Fatalf("venture task = %q", statuses["venture"])
	}
	if statuses["oracle"] != models.TaskCompleted || statuses["forge"] != models.TaskCompleted {
		t.Fatalf("task statuses = %v", statuses)
	}
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()
	f := newIdleAPI(t, ServerOptions{})

	cases := []struct {
		name string
		body string
	}{
		{"no pipeline", `{"tier":"starter"}`},
		{"bad yaml", mustBody(t, models.SubmitRunRequest{Pipeline: "phases: {broken"})},
		{"schema violation", mustBody(t, models.SubmitRunRequest{Pipeline: "name: x\nphases: []\n"})},
		{"bad tier", mustBody(t, models.SubmitRunRequest{Pipeline: shipYAML, Tier: "platinum"})},
		{"garbage json", `{"pipeline":`},
	}
	for _, tc := range cases {
		var errBody struct {
			Error string `json:"error"`
		}
		if code := f.post(t, "/api/runs", tc.body, &errBody); code != http.StatusBadRequest {
			t.Fatalf("%s: status=%d", tc.name, code)
		}
		if errBody.Error == "" {
			t.Fatalf("%s: expected error body", tc.name)
		}
	}
}

func TestSubmitFromPath(t *testing.T) {
	t.Parallel()
	f := newIdleAPI(t, ServerOptions{})

	path := filepath.Join(t.TempDir(), "ship.yaml")
	if err := os.WriteFile(path, []byte(shipYAML), 0o644); err != nil {
		t.Fatalf("write pipeline: %v", err)
	}

	var sub models.SubmitRunResponse
	body := mustBody(t, models.SubmitRunRequest{PipelinePath: path})
	if code := f.post(t, "/api/runs", body, &sub); code != http.StatusOK {
		t.Fatalf("POST /api/runs: status=%d", code)
	}

	// No driver in this fixture, so the run holds at pending.
	var detail models.RunDetail
	if code := f.get(t, "/api/runs/"+sub.RunID, &detail); code != http.StatusOK {
		t.Fatalf("GET run: status=%d", code)
	}
	if detail.Run.Status != models.RunPending || len(detail.Phases) != 2 {
		t.Fatalf("detail = %+v", detail)
	}

	body = mustBody(t, models.SubmitRunRequest{PipelinePath: filepath.Join(t.TempDir(), "missing.yaml")})
	if code := f.post(t, "/api/runs", body, nil); code != http.StatusBadRequest {
		t.Fatalf("POST missing pipeline file: status=%d", code)
	}
}

func TestCancelAndResumeOverHTTP(t *testing.T) {
	t.Parallel()
	f := newTestAPI(t, ServerOptions{})

	var sub models.SubmitRunResponse
	body := mustBody(t, models.SubmitRunRequest{Pipeline: slowYAML})
	if code := f.post(t, "/api/runs", body, &sub); code != http.StatusOK {
		t.Fatalf("POST /api/runs: status=%d", code)
	}

	// Wait until the slow compile agent is actually executing.
	waitForTaskStatus(t, f, sub.RunID, "compile", models.TaskRunning)

	if code := f.post(t, "/api/runs/"+sub.RunID+"/cancel", "", nil); code != http.StatusOK {
		t.Fatalf("POST cancel: status=%d", code)
	}
	var detail models.RunDetail
	if code := f.get(t, "/api/runs/"+sub.RunID, &detail); code != http.StatusOK {
		t.Fatalf("GET run: status=%d", code)
	}
	if detail.Run.Status != models.RunCanceled {
		t.Fatalf("run after cancel = %+v", detail.Run)
	}

	// The in-flight agent still finishes and lands its result.
	waitForTaskStatus(t, f, sub.RunID, "compile", models.TaskCompleted)

	if code := f.post(t, "/api/runs/"+sub.RunID+"/resume", "", nil); code != http.StatusOK {
		t.Fatalf("POST resume: status=%d", code)
	}
	detail = f.waitForRunStatus(t, sub.RunID, models.RunCompleted)
	for _, task := range detail.Tasks {
		if task.Status != models.TaskCompleted {
			t.Fatalf("task %s = %+v", task.AgentID, task)
		}
	}
}

func waitForTaskStatus(t *testing.T, f *apiFixture, runID, agentID, want string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		var detail models.RunDetail
		if code := f.get(t, "/api/runs/"+runID, &detail); code == http.StatusOK {
			for _, task := range detail.Tasks {
				if task.AgentID == agentID && task.Status == want {
					return
				}
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("agent %s never reached %s", agentID, want)
}

func TestRunActionErrors(t *testing.T) {
	t.Parallel()
	f := newIdleAPI(t, ServerOptions{})
	ctx := context.Background()

	if code := f.post(t, "/api/runs/ghost/cancel", "", nil); code != http.StatusNotFound {
		t.Fatalf("cancel missing run: status=%d", code)
	}
	if code := f.post(t, "/api/runs/ghost/resume", "", nil); code != http.StatusNotFound {
		t.Fatalf("resume missing run: status=%d", code)
	}

	done := store.Run{RunID: "run-done", Pipeline: "ship", Tier: "starter", Status: models.RunCompleted, Plan: "{}"}
	if err := f.st.CreateRun(ctx, done, nil); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if code := f.post(t, "/api/runs/run-done/cancel", "", nil); code != http.StatusBadRequest {
		t.Fatalf("cancel completed run: status=%d", code)
	}
	if code := f.post(t, "/api/runs/run-done/resume", "", nil); code != http.StatusBadRequest {
		t.Fatalf("resume completed run: status=%d", code)
	}
}

func TestRunJournalEndpoint(t *testing.T) {
	t.Parallel()
	f := newIdleAPI(t, ServerOptions{})
	ctx := context.Background()

	run := store.Run{RunID: "run-j", Pipeline: "ship", Tier: "starter", Status: models.RunRunning, Plan: "{}"}
	if err := f.st.CreateRun(ctx, run, nil); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	for _, status := range []string{models.RunPending, models.RunRunning, models.RunCompleted} {
		ev := models.RunEvent{Kind: models.EventRunUpdate, RunID: "run-j", Status: status}
		if err := f.jr.Append(ctx, ev); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	var evs []models.RunEvent
	if code := f.get(t, "/api/runs/run-j/events", &evs); code != http.StatusOK {
		t.Fatalf("GET events: status=%d", code)
	}
	if len(evs) != 3 {
		t.Fatalf("events = %+v", evs)
	}

	evs = nil
	if code := f.get(t, "/api/runs/run-j/events?limit=2", &evs); code != http.StatusOK {
		t.Fatalf("GET events limit: status=%d", code)
	}
	if len(evs) != 2 || evs[0].Status != models.RunRunning || evs[1].Status != models.RunCompleted {
		t.Fatalf("tailed events = %+v", evs)
	}

	if code := f.get(t, "/api/runs/ghost/events", nil); code != http.StatusNotFound {
		t.Fatalf("GET events for missing run: status=%d", code)
	}
}

func TestJobsEndpoints(t *testing.T) {
	t.Parallel()
	f := newIdleAPI(t, ServerOptions{})
	ctx := context.Background()

	jobID, err := f.q.Enqueue(ctx, models.JobTypeTask, map[string]string{"taskId": "t-1"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	var jobs []models.Job
	if code := f.get(t, "/api/jobs", &jobs); code != http.StatusOK {
		t.Fatalf("GET /api/jobs: status=%d", code)
	}
	if len(jobs) != 1 || jobs[0].JobID != jobID || jobs[0].Status != models.JobPending {
		t.Fatalf("jobs = %+v", jobs)
	}

	var job models.Job
	if code := f.get(t, "/api/jobs/"+jobID, &job); code != http.StatusOK {
		t.Fatalf("GET job: status=%d", code)
	}
	if job.Type != models.JobTypeTask || job.MaxAttempts != models.DefaultJobMaxAttempts {
		t.Fatalf("job = %+v", job)
	}

	jobs = nil
	if code := f.get(t, "/api/jobs?status=completed", &jobs); code != http.StatusOK {
		t.Fatalf("GET /api/jobs filtered: status=%d", code)
	}
	if len(jobs) != 0 {
		t.Fatalf("filtered jobs = %+v", jobs)
	}

	if code := f.get(t, "/api/jobs/ghost", nil); code != http.StatusNotFound {
		t.Fatalf("GET missing job: status=%d", code)
	}

	if code := f.post(t, "/api/jobs/"+jobID+"/cancel", "", nil); code != http.StatusOK {
		t.Fatalf("POST cancel job: status=%d", code)
	}
	if code := f.get(t, "/api/jobs/"+jobID, &job); code != http.StatusOK || job.Status != models.JobCanceled {
		t.Fatalf("job after cancel = %+v (status=%d)", job, code)
	}
	// Cancel of a settled job is a no-op, not an error.
	if code := f.post(t, "/api/jobs/"+jobID+"/cancel", "", nil); code != http.StatusOK {
		t.Fatalf("POST cancel canceled job: status=%d", code)
	}
	// Canceled jobs are not retryable.
	if code := f.post(t, "/api/jobs/"+jobID+"/retry", "", nil); code != http.StatusBadRequest {
		t.Fatalf("POST retry canceled job: status=%d", code)
	}
}

func TestDLQEndpoints(t *testing.T) {
	t.Parallel()
	f := newIdleAPI(t, ServerOptions{})
	ctx := context.Background()

	dead := store.Job{
		JobID:       "job-dead",
		Type:        models.JobTypeTask,
		Payload:     `{"taskId":"t-9"}`,
		Status:      models.JobPending,
		MaxAttempts: 1,
		ScheduledAt: time.Now(),
	}
	if err := f.st.CreateJob(ctx, dead); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, err := f.st.MarkJobDead(ctx, dead.JobID, "agent exploded"); err != nil {
		t.Fatalf("MarkJobDead: %v", err)
	}

	var entries []models.DeadLetterEntry
	if code := f.get(t, "/api/dlq", &entries); code != http.StatusOK {
		t.Fatalf("GET /api/dlq: status=%d", code)
	}
	if len(entries) != 1 || entries[0].JobID != dead.JobID || entries[0].Resolved {
		t.Fatalf("dlq = %+v", entries)
	}
	if entries[0].LastError != "agent exploded" {
		t.Fatalf("dlq entry = %+v", entries[0])
	}

	var retried models.RetryJobResponse
	if code := f.post(t, "/api/jobs/"+dead.JobID+"/retry", "", &retried); code != http.StatusOK {
		t.Fatalf("POST retry dead job: status=%d", code)
	}
	var job models.Job
	if code := f.get(t, "/api/jobs/"+retried.JobID, &job); code != http.StatusOK {
		t.Fatalf("GET retry job: status=%d", code)
	}
	if job.Status != models.JobPending || !job.IsRetry || job.OriginJobID != dead.JobID {
		t.Fatalf("retry job = %+v", job)
	}

	dlqID := entries[0].ID
	if code := f.post(t, "/api/dlq/"+dlqID+"/resolve", `{"notes":"requeued by hand"}`, nil); code != http.StatusOK {
		t.Fatalf("POST resolve: status=%d", code)
	}
	entries = nil
	if code := f.get(t, "/api/dlq", &entries); code != http.StatusOK || len(entries) != 0 {
		t.Fatalf("dlq after resolve = %+v (status=%d)", entries, code)
	}
	entries = nil
	if code := f.get(t, "/api/dlq?resolved=true", &entries); code != http.StatusOK {
		t.Fatalf("GET /api/dlq resolved: status=%d", code)
	}
	if len(entries) != 1 || !entries[0].Resolved || entries[0].ResolutionNotes != "requeued by hand" {
		t.Fatalf("resolved dlq = %+v", entries)
	}
	if code := f.post(t, "/api/dlq/"+dlqID+"/resolve", `{}`, nil); code != http.StatusNotFound {
		t.Fatalf("resolve again: status=%d", code)
	}
}

func TestDLQProcess(t *testing.T) {
	t.Parallel()
	f := newIdleAPI(t, ServerOptions{})
	ctx := context.Background()

	dead := store.Job{
		JobID:       "job-proc",
		Type:        models.JobTypeTask,
		Payload:     `{"taskId":"t-10"}`,
		Status:      models.JobPending,
		MaxAttempts: 1,
		ScheduledAt: time.Now(),
	}
	if err := f.st.CreateJob(ctx, dead); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, err := f.st.MarkJobDead(ctx, dead.JobID, "agent exploded"); err != nil {
		t.Fatalf("MarkJobDead: %v", err)
	}

	var report models.ProcessDLQResponse
	if code := f.post(t, "/api/dlq/process", `{"auto_retry":true,"max_age_hours":24}`, &report); code != http.StatusOK {
		t.Fatalf("POST /api/dlq/process: status=%d", code)
	}
	if report.Expired != 0 || report.Retried != 1 {
		t.Fatalf("report = %+v", report)
	}

	var entries []models.DeadLetterEntry
	if code := f.get(t, "/api/dlq?resolved=true", &entries); code != http.StatusOK {
		t.Fatalf("GET /api/dlq resolved: status=%d", code)
	}
	if len(entries) != 1 || !strings.HasPrefix(entries[0].ResolutionNotes, "retried as ") {
		t.Fatalf("processed dlq = %+v", entries)
	}
}
