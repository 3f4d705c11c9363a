package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/olympusai/buildforge/internal/resilience"
)

// StubRuntime is a deterministic local runtime driven by directives embedded
// in the task input. It emits plausible events without calling any external
// service or spawning subprocesses; tests and the demo pipeline run on it.
type StubRuntime struct{}

// Directives is the optional JSON accepted as task input, e.g.
// {"sleep":"150ms","fail":"transient","failUntilAttempt":3,"output":"done"}.
// Fail classes: "transient", "permanent", "hang" (blocks until the attempt
// context ends). With failUntilAttempt set, the task fails while the attempt
// number is below it and succeeds from then on.
type Directives struct {
	Sleep            string `json:"sleep,omitempty"`
	Fail             string `json:"fail,omitempty"`
	FailUntilAttempt int    `json:"failUntilAttempt,omitempty"`
	Output           string `json:"output,omitempty"`
}

func (StubRuntime) Name() string { return "stub" }

func (StubRuntime) RunTask(ctx context.Context, req TaskRequest, emit func(Event)) (TaskResult, error) {
	d := parseDirectives(req.Input)

	emit(Event{
		Type:      "task_started",
		RunID:     req.RunID,
		Phase:     req.Phase,
		AgentID:   req.AgentID,
		Timestamp: time.Now().UTC(),
		Data:      map[string]any{"attempt": req.Attempt},
	})

	if d.Sleep != "" {
		if wait, err := time.ParseDuration(d.Sleep); err == nil {
			sleep(ctx, wait)
		}
	}
	if err := ctx.Err(); err != nil {
		return TaskResult{}, err
	}

	if d.Fail != "" && (d.FailUntilAttempt == 0 || req.Attempt < d.FailUntilAttempt) {
		emit(Event{
			Type:      "agent_activity",
			RunID:     req.RunID,
			Phase:     req.Phase,
			AgentID:   req.AgentID,
			Timestamp: time.Now().UTC(),
			Data:      map[string]any{"tool": "error", "injected": d.Fail},
		})
		switch d.Fail {
		case "permanent":
			return TaskResult{}, resilience.Permanent(fmt.Errorf("injected permanent failure for agent %s", req.AgentID))
		case "hang":
			<-ctx.Done()
			return TaskResult{}, ctx.Err()
		default:
			return TaskResult{}, resilience.Transient(fmt.Errorf("injected transient failure for agent %s", req.AgentID))
		}
	}

	emit(Event{
		Type:      "agent_activity",
		RunID:     req.RunID,
		Phase:     req.Phase,
		AgentID:   req.AgentID,
		Timestamp: time.Now().UTC(),
		Data:      map[string]any{"tool": "think", "summary": "stub runtime simulated the task"},
	})
	emit(Event{
		Type:      "task_ended",
		RunID:     req.RunID,
		Phase:     req.Phase,
		AgentID:   req.AgentID,
		Timestamp: time.Now().UTC(),
	})

	out := d.Output
	if out == "" {
		out = fmt.Sprintf("stub: %s ok", req.AgentID)
	}
	return TaskResult{Output: out, Data: map[string]any{"attempt": req.Attempt}}, nil
}

// parseDirectives reads the input as a Directives document. Anything that is
// not a JSON object is plain input with no directives.
func parseDirectives(input string) Directives {
	var d Directives
	trimmed := strings.TrimSpace(input)
	if !strings.HasPrefix(trimmed, "{") {
		return d
	}
	if err := json.Unmarshal([]byte(trimmed), &d); err != nil {
		return Directives{}
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
