package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/olympusai/buildforge/internal/config"
	"github.com/olympusai/buildforge/internal/orchestrator"
	"github.com/olympusai/buildforge/internal/queue"
	"github.com/olympusai/buildforge/internal/store"
	"github.com/olympusai/buildforge/pkg/models"
)

// handleRuns serves /api/runs: list on GET, submit on POST.
func (a *API) handleRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		status := r.URL.Query().Get("status")
		limit := queryInt(r, "limit", models.DefaultRunListLimit)
		runs, err := a.Store.ListRuns(r.Context(), status, limit)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out := make([]models.BuildRun, 0, len(runs))
		for _, run := range runs {
			out = append(out, apiRun(run))
		}
		writeJSON(w, out)
	case http.MethodPost:
		a.submitRun(w, r)
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (a *API) submitRun(w http.ResponseWriter, r *http.Request) {
	var body models.SubmitRunRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	var (
		p   *config.Pipeline
		err error
	)
	switch {
	case body.Demo:
		p = config.DemoPipeline()
	case body.Pipeline != "":
		p, err = config.ParsePipeline([]byte(body.Pipeline))
	case body.PipelinePath != "":
		p, err = config.LoadPipeline(body.PipelinePath)
	default:
		writeJSONError(w, http.StatusBadRequest, "pipeline or pipeline_path required")
		return
	}
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	runID, err := a.Coordinator.Submit(r.Context(), orchestrator.SubmitRequest{
		Pipeline:        p,
		Tier:            body.Tier,
		ContinueOnError: body.ContinueOnError,
	})
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, models.SubmitRunResponse{RunID: runID, Status: models.RunPending})
}

// handleRunByID serves /api/runs/{id} and its sub-resources
// (cancel, resume, checkpoints, events).
func (a *API) handleRunByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/runs/")
	parts := strings.Split(rest, "/")
	if len(parts) < 1 || parts[0] == "" {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	runID := parts[0]

	if len(parts) == 1 || parts[1] == "" {
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		a.runDetail(w, r, runID)
		return
	}

	switch parts[1] {
	case "cancel":
		if r.Method != http.MethodPost {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if err := a.Coordinator.Cancel(r.Context(), runID); err != nil {
			writeActionError(w, err)
			return
		}
		writeJSON(w, map[string]any{"ok": true})
	case "resume":
		if r.Method != http.MethodPost {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if err := a.Coordinator.Resume(r.Context(), runID); err != nil {
			writeActionError(w, err)
			return
		}
		writeJSON(w, map[string]any{"ok": true})
	case "checkpoints":
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if _, err := a.Store.GetRun(r.Context(), runID); err != nil {
			writeLookupError(w, err)
			return
		}
		cps, err := a.Store.ListCheckpoints(r.Context(), runID)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out := make([]models.Checkpoint, 0, len(cps))
		for _, cp := range cps {
			out = append(out, apiCheckpoint(cp))
		}
		writeJSON(w, out)
	case "events":
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if a.Journal == nil {
			writeJSONError(w, http.StatusServiceUnavailable, "run journal not configured")
			return
		}
		if _, err := a.Store.GetRun(r.Context(), runID); err != nil {
			writeLookupError(w, err)
			return
		}
		evs, err := a.Journal.Tail(r.Context(), runID, queryInt(r, "limit", 0))
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, evs)
	default:
		writeJSONError(w, http.StatusNotFound, "not found")
	}
}

func (a *API) runDetail(w http.ResponseWriter, r *http.Request, runID string) {
	run, err := a.Store.GetRun(r.Context(), runID)
	if err != nil {
		writeLookupError(w, err)
		return
	}
	phases, err := a.Store.ListPhases(r.Context(), runID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	tasks, err := a.Store.ListTasks(r.Context(), runID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	detail := models.RunDetail{Run: apiRun(run)}
	for _, p := range phases {
		detail.Phases = append(detail.Phases, apiPhase(p))
	}
	for _, t := range tasks {
		detail.Tasks = append(detail.Tasks, apiTask(t))
	}
	writeJSON(w, detail)
}

// handleJobs serves GET /api/jobs with optional status and limit filters.
func (a *API) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	status := r.URL.Query().Get("status")
	limit := queryInt(r, "limit", models.DefaultJobListLimit)
	jobs, err := a.Store.ListJobs(r.Context(), status, limit)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]models.Job, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, apiJob(j))
	}
	writeJSON(w, out)
}

// handleJobByID serves /api/jobs/{id} and its retry and cancel actions.
func (a *API) handleJobByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	parts := strings.Split(rest, "/")
	if len(parts) < 1 || parts[0] == "" {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	jobID := parts[0]

	if len(parts) == 1 || parts[1] == "" {
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		job, err := a.Store.GetJob(r.Context(), jobID)
		if err != nil {
			writeLookupError(w, err)
			return
		}
		writeJSON(w, apiJob(job))
		return
	}

	switch parts[1] {
	case "retry":
		if r.Method != http.MethodPost {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		newID, err := a.Queue.Retry(r.Context(), jobID)
		if err != nil {
			writeActionError(w, err)
			return
		}
		writeJSON(w, models.RetryJobResponse{JobID: newID})
	case "cancel":
		if r.Method != http.MethodPost {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if err := a.Queue.Cancel(r.Context(), jobID); err != nil {
			writeActionError(w, err)
			return
		}
		writeJSON(w, map[string]any{"ok": true})
	default:
		writeJSONError(w, http.StatusNotFound, "not found")
	}
}

// handleDLQ serves GET /api/dlq with optional resolved and limit filters.
func (a *API) handleDLQ(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	includeResolved, _ := strconv.ParseBool(r.URL.Query().Get("resolved"))
	limit := queryInt(r, "limit", models.DefaultJobListLimit)
	entries, err := a.Store.ListDeadLetters(r.Context(), includeResolved, limit)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]models.DeadLetterEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, apiDeadLetter(e))
	}
	writeJSON(w, out)
}

// handleDLQByID serves POST /api/dlq/process and POST /api/dlq/{id}/resolve.
func (a *API) handleDLQByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/dlq/")
	parts := strings.Split(rest, "/")
	if len(parts) < 1 || parts[0] == "" {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}

	if parts[0] == "process" && (len(parts) == 1 || parts[1] == "") {
		if r.Method != http.MethodPost {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var body models.ProcessDLQRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
		opts := queue.DLQOptions{AutoRetry: body.AutoRetry}
		if body.MaxAgeHours > 0 {
			opts.MaxAge = time.Duration(body.MaxAgeHours) * time.Hour
		}
		report, err := a.Queue.ProcessDLQ(r.Context(), opts)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, models.ProcessDLQResponse{Expired: report.Expired, Retried: report.Retried})
		return
	}

	if len(parts) >= 2 && parts[1] == "resolve" {
		if r.Method != http.MethodPost {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var body models.ResolveDLQRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
		if err := a.Store.ResolveDeadLetter(r.Context(), parts[0], body.Notes); err != nil {
			writeActionError(w, err)
			return
		}
		writeJSON(w, map[string]any{"ok": true})
		return
	}

	writeJSONError(w, http.StatusNotFound, "not found")
}

// queryInt parses a positive integer query parameter, falling back on
// absence or garbage.
func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func apiRun(run store.Run) models.BuildRun {
	return models.BuildRun{
		RunID:           run.RunID,
		Pipeline:        run.Pipeline,
		Tier:            run.Tier,
		Status:          run.Status,
		ContinueOnError: run.ContinueOnError,
		Error:           run.Error,
		CreatedAt:       run.CreatedAt,
		StartedAt:       run.StartedAt,
		FinishedAt:      run.FinishedAt,
	}
}

func apiPhase(p store.PhaseState) models.Phase {
	return models.Phase{
		RunID:      p.RunID,
		Name:       p.Name,
		Position:   p.Position,
		Status:     p.Status,
		Error:      p.Error,
		StartedAt:  p.StartedAt,
		FinishedAt: p.FinishedAt,
	}
}

func apiTask(t store.Task) models.AgentTask {
	return models.AgentTask{
		TaskID:     t.TaskID,
		RunID:      t.RunID,
		Phase:      t.Phase,
		AgentID:    t.AgentID,
		Required:   t.Required,
		Status:     t.Status,
		Output:     t.Output,
		Error:      t.Error,
		JobID:      t.JobID,
		CreatedAt:  t.CreatedAt,
		FinishedAt: t.FinishedAt,
	}
}

func apiJob(j store.Job) models.Job {
	return models.Job{
		JobID:       j.JobID,
		Type:        j.Type,
		Payload:     j.Payload,
		RunID:       j.RunID,
		Status:      j.Status,
		Attempt:     j.Attempt,
		MaxAttempts: j.MaxAttempts,
		ScheduledAt: j.ScheduledAt,
		ClaimedBy:   j.ClaimedBy,
		IsRetry:     j.IsRetry,
		OriginJobID: j.OriginJobID,
		LastError:   j.LastError,
		CreatedAt:   j.CreatedAt,
		FinishedAt:  j.FinishedAt,
	}
}

func apiDeadLetter(d store.DeadLetter) models.DeadLetterEntry {
	return models.DeadLetterEntry{
		ID:              d.ID,
		JobID:           d.JobID,
		JobType:         d.JobType,
		JobPayload:      d.JobPayload,
		LastError:       d.LastError,
		CreatedAt:       d.CreatedAt,
		Resolved:        d.Resolved,
		ResolvedAt:      d.ResolvedAt,
		ResolutionNotes: d.ResolutionNotes,
	}
}

func apiCheckpoint(cp store.Checkpoint) models.Checkpoint {
	return models.Checkpoint{
		RunID:     cp.RunID,
		Phase:     cp.Phase,
		AgentID:   cp.AgentID,
		Outcome:   cp.Outcome,
		CreatedAt: cp.CreatedAt,
	}
}
