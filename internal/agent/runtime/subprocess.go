package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/olympusai/buildforge/internal/resilience"
	"github.com/olympusai/buildforge/internal/sandbox"
)

// SubprocessRuntime runs a local agent binary per task: stdin carries one
// JSON TaskRequest, stdout streams NDJSON events. Lines that do not parse as
// events accumulate into the result output; an event of type "result" is
// captured as the TaskResult data instead of being emitted. If SandboxHome
// is set (and bubblewrap is available on Linux), the process runs inside a
// minimal bwrap sandbox; with WorkDir also set, only that directory is
// writable and the home (including protected/) is read-only.
type SubprocessRuntime struct {
	Command     string
	Args        []string
	SandboxHome string
	WorkDir     string
}

func (r SubprocessRuntime) Name() string { return "subprocess" }

func (r SubprocessRuntime) RunTask(ctx context.Context, req TaskRequest, emit func(Event)) (TaskResult, error) {
	if r.Command == "" {
		return TaskResult{}, resilience.Permanent(errors.New("subprocess command is required"))
	}
	cmdLine := strings.Join(append([]string{r.Command}, r.Args...), " ")
	if sandbox.BlockedShellCommand(cmdLine) {
		return TaskResult{}, resilience.Permanent(fmt.Errorf("agent command %q matches the deny list", cmdLine))
	}
	if r.WorkDir != "" {
		if err := os.MkdirAll(r.WorkDir, 0o755); err != nil {
			return TaskResult{}, fmt.Errorf("create work dir: %w", err)
		}
	}

	var cmd *exec.Cmd
	if r.SandboxHome != "" {
		cmd = sandbox.WrapCommand(ctx, r.SandboxHome, r.WorkDir, r.Command, r.Args)
	} else {
		cmd = exec.CommandContext(ctx, r.Command, r.Args...)
	}
	cmd.Env = append(os.Environ(),
		"BUILDFORGE_RUN_ID="+req.RunID,
		"BUILDFORGE_PHASE="+req.Phase,
		"BUILDFORGE_AGENT_ID="+req.AgentID,
	)
	if r.WorkDir != "" {
		cmd.Env = append(cmd.Env, "BUILDFORGE_WORK_DIR="+r.WorkDir)
		cmd.Dir = r.WorkDir
	}

	reqJSON, err := json.Marshal(req)
	if err != nil {
		return TaskResult{}, err
	}
	cmd.Stdin = strings.NewReader(string(reqJSON) + "\n")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return TaskResult{}, err
	}
	if err := cmd.Start(); err != nil {
		return TaskResult{}, resilience.Permanent(fmt.Errorf("start agent: %w", err))
	}

	var result TaskResult
	var output strings.Builder
	sc := bufio.NewScanner(stdout)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil || ev.Type == "" {
			output.WriteString(line)
			output.WriteString("\n")
			continue
		}
		if ev.Type == "result" {
			result.Data = ev.Data
			if out, ok := ev.Data["output"].(string); ok {
				result.Output = out
			}
			continue
		}
		if ev.Timestamp.IsZero() {
			ev.Timestamp = time.Now().UTC()
		}
		if ev.RunID == "" {
			ev.RunID = req.RunID
		}
		if ev.AgentID == "" {
			ev.AgentID = req.AgentID
		}
		emit(ev)
	}
	scanErr := sc.Err()
	// The pipe must be drained before Wait; a nonzero exit is this attempt's
	// failure, not a log line.
	waitErr := cmd.Wait()
	if scanErr != nil {
		return TaskResult{}, scanErr
	}
	if waitErr != nil {
		if ctx.Err() != nil {
			return TaskResult{}, ctx.Err()
		}
		slog.Warn("agent subprocess exited with error", "agent_id", req.AgentID, "err", waitErr)
		return TaskResult{}, fmt.Errorf("agent exited: %w", waitErr)
	}
	if result.Output == "" {
		result.Output = strings.TrimSpace(output.String())
	}
	return result, nil
}
