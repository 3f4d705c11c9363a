// Package client provides a Go SDK for the buildforge HTTP API.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/olympusai/buildforge/pkg/models"
)

// ErrStopStream can be returned from a StreamEvents callback to end the
// stream without error.
var ErrStopStream = errors.New("stop stream")

// Client calls the buildforge HTTP API. It is safe for concurrent use.
type Client struct {
	BaseURL    string       // e.g. "http://localhost:4280"
	APIKey     string       // optional; set for X-API-Key
	HTTPClient *http.Client // optional; nil uses http.DefaultClient
}

// New returns a client for the given base URL (e.g. "http://localhost:4280").
// APIKey is optional; when set, requests carry an X-API-Key header.
func New(baseURL, apiKey string) *Client {
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), APIKey: apiKey}
}

func (c *Client) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("X-API-Key", c.APIKey)
	}
	return c.client().Do(req)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errBody struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		if errBody.Error != "" {
			return fmt.Errorf("api %s %s: %s", method, path, errBody.Error)
		}
		return fmt.Errorf("api %s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Health returns the /health response.
func (c *Client) Health(ctx context.Context) (models.Health, error) {
	var out models.Health
	err := c.doJSON(ctx, http.MethodGet, "/health", nil, &out)
	return out, err
}

// SubmitRun submits a new run and returns its id.
func (c *Client) SubmitRun(ctx context.Context, req models.SubmitRunRequest) (models.SubmitRunResponse, error) {
	var out models.SubmitRunResponse
	err := c.doJSON(ctx, http.MethodPost, "/api/runs", req, &out)
	return out, err
}

// ListRuns returns runs, newest first (status "" = all, limit 0 = server default).
func (c *Client) ListRuns(ctx context.Context, status string, limit int) ([]models.BuildRun, error) {
	path := "/api/runs" + listQuery(status, limit)
	var out []models.BuildRun
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// GetRun returns a run with its phases and tasks.
func (c *Client) GetRun(ctx context.Context, runID string) (*models.RunDetail, error) {
	var out models.RunDetail
	err := c.doJSON(ctx, http.MethodGet, "/api/runs/"+url.PathEscape(runID), nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelRun cancels a run and its outstanding jobs.
func (c *Client) CancelRun(ctx context.Context, runID string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/runs/"+url.PathEscape(runID)+"/cancel", nil, nil)
}

// ResumeRun requeues a failed, degraded, or canceled run.
func (c *Client) ResumeRun(ctx context.Context, runID string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/runs/"+url.PathEscape(runID)+"/resume", nil, nil)
}

// RunEvents returns the tail of a run's journal (limit 0 = server default).
func (c *Client) RunEvents(ctx context.Context, runID string, limit int) ([]models.RunEvent, error) {
	path := "/api/runs/" + url.PathEscape(runID) + "/events"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []models.RunEvent
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// RunCheckpoints returns the checkpoint trail for a run.
func (c *Client) RunCheckpoints(ctx context.Context, runID string) ([]models.Checkpoint, error) {
	var out []models.Checkpoint
	err := c.doJSON(ctx, http.MethodGet, "/api/runs/"+url.PathEscape(runID)+"/checkpoints", nil, &out)
	return out, err
}

// ListJobs returns queue jobs (status "" = all, limit 0 = server default).
func (c *Client) ListJobs(ctx context.Context, status string, limit int) ([]models.Job, error) {
	path := "/api/jobs" + listQuery(status, limit)
	var out []models.Job
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// GetJob returns a job by id.
func (c *Client) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	var out models.Job
	err := c.doJSON(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(jobID), nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// RetryJob clones a failed or dead job as a fresh pending job and returns
// the new job's id.
func (c *Client) RetryJob(ctx context.Context, jobID string) (string, error) {
	var out models.RetryJobResponse
	err := c.doJSON(ctx, http.MethodPost, "/api/jobs/"+url.PathEscape(jobID)+"/retry", nil, &out)
	return out.JobID, err
}

// CancelJob cancels a job that has not completed.
func (c *Client) CancelJob(ctx context.Context, jobID string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/jobs/"+url.PathEscape(jobID)+"/cancel", nil, nil)
}

// ListDeadLetters returns DLQ entries, unresolved only unless includeResolved.
func (c *Client) ListDeadLetters(ctx context.Context, includeResolved bool, limit int) ([]models.DeadLetterEntry, error) {
	q := url.Values{}
	if includeResolved {
		q.Set("resolved", "true")
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/dlq"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []models.DeadLetterEntry
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// ResolveDeadLetter marks a DLQ entry resolved with optional notes.
func (c *Client) ResolveDeadLetter(ctx context.Context, id, notes string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/dlq/"+url.PathEscape(id)+"/resolve",
		models.ResolveDLQRequest{Notes: notes}, nil)
}

// ProcessDLQ runs a DLQ sweep (expire old entries, optionally auto-retry).
func (c *Client) ProcessDLQ(ctx context.Context, req models.ProcessDLQRequest) (models.ProcessDLQResponse, error) {
	var out models.ProcessDLQResponse
	err := c.doJSON(ctx, http.MethodPost, "/api/dlq/process", req, &out)
	return out, err
}

// StreamEvents subscribes to the SSE event stream (runID "" = all runs) and
// calls fn for each event until ctx is done, the server closes the stream,
// or fn returns an error. Returning ErrStopStream from fn ends the stream
// cleanly.
func (c *Client) StreamEvents(ctx context.Context, runID string, fn func(models.RunEvent) error) error {
	path := "/events"
	if runID != "" {
		path += "?run_id=" + url.QueryEscape(runID)
	}
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("api GET %s: status %d", path, resp.StatusCode)
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev models.RunEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			continue
		}
		if ev.Kind == "" || ev.RunID == "" {
			// Connection pings carry no run.
			continue
		}
		if err := fn(ev); err != nil {
			if errors.Is(err, ErrStopStream) {
				return nil
			}
			return err
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func listQuery(status string, limit int) string {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}
