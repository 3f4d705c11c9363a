// Package runtime defines the work-unit executor contract: how one agent
// task runs, regardless of whether it is simulated or a local subprocess.
package runtime

import (
	"context"
	"time"
)

// Event is one progress signal emitted while a task runs. Events flow to the
// SSE hub and the run journal.
type Event struct {
	Type      string         `json:"type"`
	RunID     string         `json:"run_id,omitempty"`
	Phase     string         `json:"phase,omitempty"`
	AgentID   string         `json:"agent_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// TaskRequest describes one attempt of one agent task.
type TaskRequest struct {
	RunID   string `json:"run_id"`
	Phase   string `json:"phase"`
	AgentID string `json:"agent_id"`
	Tier    string `json:"tier,omitempty"`
	Attempt int    `json:"attempt"`
	Input   string `json:"input,omitempty"`
}

// TaskResult is the terminal output of a successful task attempt.
type TaskResult struct {
	Output string         `json:"output,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

// Runtime executes agent tasks. Implementations must honor ctx cancellation;
// per-attempt timeouts arrive through ctx.
type Runtime interface {
	Name() string
	RunTask(ctx context.Context, req TaskRequest, emit func(Event)) (TaskResult, error)
}
