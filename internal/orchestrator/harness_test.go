package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/olympusai/buildforge/internal/agent/runtime"
	"github.com/olympusai/buildforge/internal/queue"
	"github.com/olympusai/buildforge/internal/resilience"
	"github.com/olympusai/buildforge/internal/store"
	"github.com/olympusai/buildforge/pkg/models"
)

// eventRecorder captures published run events for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []models.RunEvent
}

func (r *eventRecorder) Publish(ev models.RunEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) byKind(kind string) []models.RunEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.RunEvent
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// fakeRuntime delegates every task to a fixed function.
type fakeRuntime struct {
	fn func(ctx context.Context, req runtime.TaskRequest, emit func(runtime.Event)) (runtime.TaskResult, error)
}

func (f *fakeRuntime) Name() string { return "fake" }

func (f *fakeRuntime) RunTask(ctx context.Context, req runtime.TaskRequest, emit func(runtime.Event)) (runtime.TaskResult, error) {
	return f.fn(ctx, req, emit)
}

// countingRuntime wraps another runtime and counts executions per agent.
type countingRuntime struct {
	inner runtime.Runtime
	mu    sync.Mutex
	calls map[string]int
}

func newCountingRuntime(inner runtime.Runtime) *countingRuntime {
	return &countingRuntime{inner: inner, calls: make(map[string]int)}
}

func (c *countingRuntime) Name() string { return c.inner.Name() }

func (c *countingRuntime) RunTask(ctx context.Context, req runtime.TaskRequest, emit func(runtime.Event)) (runtime.TaskResult, error) {
	c.mu.Lock()
	c.calls[req.AgentID]++
	c.mu.Unlock()
	return c.inner.RunTask(ctx, req, emit)
}

func (c *countingRuntime) count(agentID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[agentID]
}

// testEnv is a complete in-process stack: sqlite store, durable queue, a
// worker pool running the task handler, and a coordinator with poll
// intervals tightened for tests.
type testEnv struct {
	store  store.Store
	queue  *queue.Queue
	coord  *Coordinator
	events *eventRecorder
}

func newTestEnv(t *testing.T, rt runtime.Runtime) *testEnv {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	q := queue.New(st, queue.Options{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond})
	rec := &eventRecorder{}
	h := &TaskHandler{
		Store:      st,
		Runtime:    rt,
		Resilience: resilience.New(resilience.Options{}),
		Events:     rec,
	}
	pool := &queue.Pool{
		Queue:    q,
		Registry: queue.MustRegistry(h),
		Workers:  4,
		Interval: 2 * time.Millisecond,
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		pool.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		st.Close()
	})
	coord := &Coordinator{Store: st, Queue: q, Events: rec, TaskPoll: 2 * time.Millisecond}
	return &testEnv{store: st, queue: q, coord: coord, events: rec}
}

func (env *testEnv) mustRun(t *testing.T, runID string) store.Run {
	t.Helper()
	run, err := env.store.GetRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	return run
}

func (env *testEnv) mustPhase(t *testing.T, runID, name string) store.PhaseState {
	t.Helper()
	rows, err := env.store.ListPhases(context.Background(), runID)
	if err != nil {
		t.Fatalf("ListPhases: %v", err)
	}
	for _, p := range rows {
		if p.Name == name {
			return p
		}
	}
	t.Fatalf("run %s has no phase %s", runID, name)
	return store.PhaseState{}
}

func (env *testEnv) mustTask(t *testing.T, runID, phase, agentID string) store.Task {
	t.Helper()
	task, err := env.store.GetTaskByAgent(context.Background(), runID, phase, agentID)
	if err != nil {
		t.Fatalf("GetTaskByAgent(%s/%s): %v", phase, agentID, err)
	}
	return task
}

// submitAndDrive submits a run and drives it to its terminal status.
func (env *testEnv) submitAndDrive(t *testing.T, req SubmitRequest) string {
	t.Helper()
	ctx := context.Background()
	runID, err := env.coord.Submit(ctx, req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := env.coord.Drive(ctx, runID); err != nil {
		t.Fatalf("Drive: %v", err)
	}
	return runID
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
