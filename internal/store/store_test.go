package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func testRun(id string) Run {
	return Run{
		RunID:    id,
		Pipeline: "demo",
		Tier:     "pro",
		Status:   "pending",
		Plan:     `{"name":"demo"}`,
	}
}

func testPhases() []PhaseState {
	return []PhaseState{
		{Name: "discovery", Position: 0, Status: "pending"},
		{Name: "conversion", Position: 1, Status: "pending"},
	}
}

func TestMigrationsAndRunCRUD(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	run := testRun("r1")
	run.ContinueOnError = true
	if err := st.CreateRun(ctx, run, testPhases()); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	got, err := st.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Pipeline != "demo" || got.Tier != "pro" || got.Status != "pending" || !got.ContinueOnError {
		t.Fatalf("GetRun: got %+v", got)
	}
	if got.CreatedAt.IsZero() || got.StartedAt != nil || got.FinishedAt != nil {
		t.Fatalf("GetRun timestamps: got %+v", got)
	}

	if _, err := st.GetRun(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetRun missing: got %v, want ErrNotFound", err)
	}

	if err := st.SetRunStatus(ctx, "r1", "running", ""); err != nil {
		t.Fatalf("SetRunStatus running: %v", err)
	}
	got, _ = st.GetRun(ctx, "r1")
	if got.Status != "running" || got.StartedAt == nil {
		t.Fatalf("after running: got %+v", got)
	}

	if err := st.SetRunStatus(ctx, "r1", "failed", "agent exploded"); err != nil {
		t.Fatalf("SetRunStatus failed: %v", err)
	}
	got, _ = st.GetRun(ctx, "r1")
	if got.Status != "failed" || got.Error != "agent exploded" || got.FinishedAt == nil {
		t.Fatalf("after failed: got %+v", got)
	}

	if err := st.SetRunStatus(ctx, "nope", "running", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SetRunStatus missing: got %v, want ErrNotFound", err)
	}

	failed, err := st.ListRuns(ctx, "failed", 10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(failed) != 1 || failed[0].RunID != "r1" {
		t.Fatalf("ListRuns failed: got %+v", failed)
	}
	if none, _ := st.ListRuns(ctx, "running", 10); len(none) != 0 {
		t.Fatalf("ListRuns running: got %+v", none)
	}
}

func TestClaimPendingRun(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.CreateRun(ctx, testRun("r1"), testPhases()); err != nil {
		t.Fatalf("CreateRun r1: %v", err)
	}
	if err := st.CreateRun(ctx, testRun("r2"), testPhases()); err != nil {
		t.Fatalf("CreateRun r2: %v", err)
	}

	first, err := st.ClaimPendingRun(ctx)
	if err != nil {
		t.Fatalf("ClaimPendingRun: %v", err)
	}
	if first == nil || first.Status != "running" || first.StartedAt == nil {
		t.Fatalf("first claim: got %+v", first)
	}
	second, err := st.ClaimPendingRun(ctx)
	if err != nil {
		t.Fatalf("ClaimPendingRun second: %v", err)
	}
	if second == nil || second.RunID == first.RunID {
		t.Fatalf("second claim: got %+v after %+v", second, first)
	}
	third, err := st.ClaimPendingRun(ctx)
	if err != nil {
		t.Fatalf("ClaimPendingRun third: %v", err)
	}
	if third != nil {
		t.Fatalf("third claim: got %+v, want nil", third)
	}
}

func TestRequeueRun(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.CreateRun(ctx, testRun("r1"), testPhases()); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if _, err := st.ClaimPendingRun(ctx); err != nil {
		t.Fatalf("ClaimPendingRun: %v", err)
	}
	if err := st.RequeueRun(ctx, "r1"); err != nil {
		t.Fatalf("RequeueRun: %v", err)
	}
	run, _ := st.GetRun(ctx, "r1")
	if run.Status != "pending" || run.FinishedAt != nil {
		t.Fatalf("after requeue: got %+v", run)
	}

	if err := st.SetRunStatus(ctx, "r1", "completed", ""); err != nil {
		t.Fatalf("SetRunStatus: %v", err)
	}
	if err := st.RequeueRun(ctx, "r1"); err == nil {
		t.Fatal("RequeueRun on completed run should fail")
	}
}

func TestPhaseStatus(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.CreateRun(ctx, testRun("r1"), testPhases()); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	phases, err := st.ListPhases(ctx, "r1")
	if err != nil {
		t.Fatalf("ListPhases: %v", err)
	}
	if len(phases) != 2 || phases[0].Name != "discovery" || phases[1].Name != "conversion" {
		t.Fatalf("ListPhases order: got %+v", phases)
	}

	if err := st.SetPhaseStatus(ctx, "r1", "discovery", "running", ""); err != nil {
		t.Fatalf("SetPhaseStatus running: %v", err)
	}
	if err := st.SetPhaseStatus(ctx, "r1", "discovery", "completed", ""); err != nil {
		t.Fatalf("SetPhaseStatus completed: %v", err)
	}
	phases, _ = st.ListPhases(ctx, "r1")
	if phases[0].Status != "completed" || phases[0].StartedAt == nil || phases[0].FinishedAt == nil {
		t.Fatalf("discovery after completed: got %+v", phases[0])
	}

	if err := st.SetPhaseStatus(ctx, "r1", "nope", "running", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SetPhaseStatus missing: got %v, want ErrNotFound", err)
	}
}

func TestTaskLifecycle(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.CreateRun(ctx, testRun("r1"), testPhases()); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	task := Task{TaskID: "t1", RunID: "r1", Phase: "discovery", AgentID: "oracle", Required: true, Status: "pending"}
	if err := st.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	got, err := st.GetTaskByAgent(ctx, "r1", "discovery", "oracle")
	if err != nil {
		t.Fatalf("GetTaskByAgent: %v", err)
	}
	if got.TaskID != "t1" || !got.Required || got.FinishedAt != nil {
		t.Fatalf("GetTaskByAgent: got %+v", got)
	}

	if err := st.SetTaskJob(ctx, "t1", "j1"); err != nil {
		t.Fatalf("SetTaskJob: %v", err)
	}
	if err := st.SetTaskStatus(ctx, "t1", "running", "", ""); err != nil {
		t.Fatalf("SetTaskStatus running: %v", err)
	}
	if err := st.SetTaskStatus(ctx, "t1", "completed", `{"report":"ok"}`, ""); err != nil {
		t.Fatalf("SetTaskStatus completed: %v", err)
	}
	got, _ = st.GetTask(ctx, "t1")
	if got.Status != "completed" || got.Output != `{"report":"ok"}` || got.JobID != "j1" || got.FinishedAt == nil {
		t.Fatalf("after completed: got %+v", got)
	}

	tasks, err := st.ListTasks(ctx, "r1")
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("ListTasks: got %d tasks", len(tasks))
	}

	// The first terminal status sticks; a racing second writer is dropped.
	if err := st.SetTaskStatus(ctx, "t1", "skipped", "", "late"); err != nil {
		t.Fatalf("SetTaskStatus after terminal: %v", err)
	}
	got, _ = st.GetTask(ctx, "t1")
	if got.Status != "completed" {
		t.Fatalf("terminal status overwritten: got %q", got.Status)
	}
}

func TestJobClaimCycle(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	due := Job{JobID: "j1", Type: "task.execute", Payload: `{}`, Status: "pending", MaxAttempts: 3}
	if err := st.CreateJob(ctx, due); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	future := Job{JobID: "j2", Type: "task.execute", Payload: `{}`, Status: "pending", MaxAttempts: 3, ScheduledAt: time.Now().Add(time.Hour)}
	if err := st.CreateJob(ctx, future); err != nil {
		t.Fatalf("CreateJob future: %v", err)
	}

	claimed, err := st.ClaimDueJob(ctx, "w1")
	if err != nil {
		t.Fatalf("ClaimDueJob: %v", err)
	}
	if claimed == nil || claimed.JobID != "j1" {
		t.Fatalf("claim: got %+v, want j1", claimed)
	}
	if claimed.Status != "running" || claimed.Attempt != 1 || claimed.ClaimedBy != "w1" || claimed.ClaimedAt == nil {
		t.Fatalf("claimed job: got %+v", claimed)
	}

	// j1 is running and j2 is not due yet.
	none, err := st.ClaimDueJob(ctx, "w2")
	if err != nil {
		t.Fatalf("ClaimDueJob second: %v", err)
	}
	if none != nil {
		t.Fatalf("second claim: got %+v, want nil", none)
	}

	if err := st.CompleteJob(ctx, "j1"); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	job, _ := st.GetJob(ctx, "j1")
	if job.Status != "completed" || job.FinishedAt == nil {
		t.Fatalf("after complete: got %+v", job)
	}
}

func TestRescheduleAndMarkDead(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.CreateJob(ctx, Job{JobID: "j1", Type: "task.execute", Payload: `{"taskId":"t1"}`, Status: "pending", MaxAttempts: 2}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, err := st.ClaimDueJob(ctx, "w1"); err != nil {
		t.Fatalf("ClaimDueJob: %v", err)
	}

	if err := st.RescheduleJob(ctx, "j1", time.Now().Add(time.Hour), "boom"); err != nil {
		t.Fatalf("RescheduleJob: %v", err)
	}
	job, _ := st.GetJob(ctx, "j1")
	if job.Status != "failed" || job.LastError != "boom" || job.ClaimedAt != nil {
		t.Fatalf("after reschedule: got %+v", job)
	}
	if got, _ := st.ClaimDueJob(ctx, "w1"); got != nil {
		t.Fatalf("claim before schedule: got %+v, want nil", got)
	}

	// Rescheduling a job that is not running is a bug in the caller.
	if err := st.RescheduleJob(ctx, "j1", time.Now(), "boom"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("RescheduleJob queued: got %v, want ErrNotFound", err)
	}

	// A reschedule for a past instant is due immediately.
	if err := st.CreateJob(ctx, Job{JobID: "j2", Type: "task.execute", Payload: `{}`, Status: "pending", MaxAttempts: 2}); err != nil {
		t.Fatalf("CreateJob j2: %v", err)
	}
	if _, err := st.ClaimDueJob(ctx, "w1"); err != nil {
		t.Fatalf("ClaimDueJob j2: %v", err)
	}
	if err := st.RescheduleJob(ctx, "j2", time.Now().Add(-time.Second), "boom"); err != nil {
		t.Fatalf("RescheduleJob j2: %v", err)
	}
	claimed, err := st.ClaimDueJob(ctx, "w1")
	if err != nil || claimed == nil {
		t.Fatalf("ClaimDueJob after reschedule: %+v, %v", claimed, err)
	}
	if claimed.JobID != "j2" || claimed.Attempt != 2 {
		t.Fatalf("second attempt: got %+v, want j2 attempt 2", claimed)
	}

	created, err := st.MarkJobDead(ctx, "j2", "boom final")
	if err != nil {
		t.Fatalf("MarkJobDead: %v", err)
	}
	if !created {
		t.Fatal("MarkJobDead: expected a new dead letter")
	}
	job, _ = st.GetJob(ctx, "j2")
	if job.Status != "dead" || job.LastError != "boom final" {
		t.Fatalf("after dead: got %+v", job)
	}

	again, err := st.MarkJobDead(ctx, "j2", "boom again")
	if err != nil {
		t.Fatalf("MarkJobDead twice: %v", err)
	}
	if again {
		t.Fatal("MarkJobDead twice: expected no new dead letter")
	}

	dls, err := st.ListDeadLetters(ctx, false, 10)
	if err != nil {
		t.Fatalf("ListDeadLetters: %v", err)
	}
	if len(dls) != 1 || dls[0].JobID != "j2" || dls[0].LastError != "boom final" {
		t.Fatalf("ListDeadLetters: got %+v", dls)
	}
	if _, err := st.GetDeadLetter(ctx, dls[0].ID); err != nil {
		t.Fatalf("GetDeadLetter: %v", err)
	}
}

func TestCancelJobs(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"j1", "j2", "j3"} {
		if err := st.CreateJob(ctx, Job{JobID: id, Type: "task.execute", Payload: `{}`, RunID: "r1", Status: "pending", MaxAttempts: 3, ScheduledAt: time.Now().Add(time.Hour)}); err != nil {
			t.Fatalf("CreateJob %s: %v", id, err)
		}
	}

	ok, err := st.CancelJob(ctx, "j1")
	if err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	if !ok {
		t.Fatal("CancelJob: expected cancellation")
	}
	if ok, _ := st.CancelJob(ctx, "j1"); ok {
		t.Fatal("CancelJob twice: expected no-op")
	}

	n, err := st.CancelJobsForRun(ctx, "r1")
	if err != nil {
		t.Fatalf("CancelJobsForRun: %v", err)
	}
	if n != 2 {
		t.Fatalf("CancelJobsForRun: got %d, want 2", n)
	}

	// An in-flight job is cancelable too; its attempt settles on a terminal row.
	if err := st.CreateJob(ctx, Job{JobID: "j4", Type: "task.execute", Payload: `{}`, Status: "pending", MaxAttempts: 3}); err != nil {
		t.Fatalf("CreateJob j4: %v", err)
	}
	if _, err := st.ClaimDueJob(ctx, "w1"); err != nil {
		t.Fatalf("ClaimDueJob: %v", err)
	}
	if ok, err := st.CancelJob(ctx, "j4"); err != nil || !ok {
		t.Fatalf("CancelJob running: ok=%v err=%v", ok, err)
	}
	if err := st.CompleteJob(ctx, "j4"); err != nil {
		t.Fatalf("CompleteJob canceled: %v", err)
	}
	job, _ := st.GetJob(ctx, "j4")
	if job.Status != "canceled" {
		t.Fatalf("canceled job resurrected: got %+v", job)
	}
}

func TestReclaimStaleJobs(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.CreateJob(ctx, Job{JobID: "j1", Type: "task.execute", Payload: `{}`, Status: "pending", MaxAttempts: 3}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, err := st.ClaimDueJob(ctx, "w-dead"); err != nil {
		t.Fatalf("ClaimDueJob: %v", err)
	}

	// A cutoff before the claim reclaims nothing.
	n, err := st.ReclaimStaleJobs(ctx, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("ReclaimStaleJobs: %v", err)
	}
	if n != 0 {
		t.Fatalf("early reclaim: got %d, want 0", n)
	}

	n, err = st.ReclaimStaleJobs(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("ReclaimStaleJobs: %v", err)
	}
	if n != 1 {
		t.Fatalf("reclaim: got %d, want 1", n)
	}
	claimed, err := st.ClaimDueJob(ctx, "w-live")
	if err != nil || claimed == nil {
		t.Fatalf("ClaimDueJob after reclaim: %+v, %v", claimed, err)
	}
	if claimed.ClaimedBy != "w-live" || claimed.Attempt != 2 {
		t.Fatalf("reclaimed job: got %+v", claimed)
	}
}

func TestDeadLetterResolveAndExpire(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"j1", "j2"} {
		if err := st.CreateJob(ctx, Job{JobID: id, Type: "notify.send", Payload: `{}`, Status: "pending", MaxAttempts: 1}); err != nil {
			t.Fatalf("CreateJob %s: %v", id, err)
		}
		if _, err := st.ClaimDueJob(ctx, "w1"); err != nil {
			t.Fatalf("ClaimDueJob %s: %v", id, err)
		}
		if _, err := st.MarkJobDead(ctx, id, "gone"); err != nil {
			t.Fatalf("MarkJobDead %s: %v", id, err)
		}
	}

	dls, err := st.ListDeadLetters(ctx, false, 10)
	if err != nil {
		t.Fatalf("ListDeadLetters: %v", err)
	}
	if len(dls) != 2 {
		t.Fatalf("ListDeadLetters: got %d, want 2", len(dls))
	}

	if err := st.ResolveDeadLetter(ctx, dls[0].ID, "retried by hand"); err != nil {
		t.Fatalf("ResolveDeadLetter: %v", err)
	}
	if err := st.ResolveDeadLetter(ctx, dls[0].ID, "again"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ResolveDeadLetter twice: got %v, want ErrNotFound", err)
	}

	n, err := st.ExpireDeadLetters(ctx, time.Now().Add(time.Minute), "expired: exceeded max age")
	if err != nil {
		t.Fatalf("ExpireDeadLetters: %v", err)
	}
	if n != 1 {
		t.Fatalf("ExpireDeadLetters: got %d, want 1", n)
	}

	all, err := st.ListDeadLetters(ctx, true, 10)
	if err != nil {
		t.Fatalf("ListDeadLetters resolved: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("ListDeadLetters resolved: got %d, want 2", len(all))
	}
	for _, d := range all {
		if !d.Resolved || d.ResolvedAt == nil {
			t.Fatalf("unresolved entry after expire: %+v", d)
		}
	}
	if open, _ := st.ListDeadLetters(ctx, false, 10); len(open) != 0 {
		t.Fatalf("open entries after expire: got %+v", open)
	}
}

func TestCheckpointAppendIsIdempotent(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	cp := Checkpoint{RunID: "r1", Phase: "discovery", AgentID: "oracle", Outcome: "success"}
	if err := st.AppendCheckpoint(ctx, cp); err != nil {
		t.Fatalf("AppendCheckpoint: %v", err)
	}
	if err := st.AppendCheckpoint(ctx, cp); err != nil {
		t.Fatalf("AppendCheckpoint twice: %v", err)
	}

	cps, err := st.ListCheckpoints(ctx, "r1")
	if err != nil {
		t.Fatalf("ListCheckpoints: %v", err)
	}
	if len(cps) != 1 || cps[0].Outcome != "success" {
		t.Fatalf("ListCheckpoints: got %+v", cps)
	}

	// Re-recording the same key with a new outcome keeps one row.
	cp.Outcome = "failed"
	if err := st.AppendCheckpoint(ctx, cp); err != nil {
		t.Fatalf("AppendCheckpoint update: %v", err)
	}
	cps, _ = st.ListCheckpoints(ctx, "r1")
	if len(cps) != 1 || cps[0].Outcome != "failed" {
		t.Fatalf("ListCheckpoints after update: got %+v", cps)
	}

	if err := st.AppendCheckpoint(ctx, Checkpoint{RunID: "r1"}); err == nil {
		t.Fatal("AppendCheckpoint without full key should fail")
	}
}

func TestCountJobsByStatus(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.CreateJob(ctx, Job{JobID: "j1", Type: "task.execute", Payload: `{}`, Status: "pending", MaxAttempts: 3}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := st.CreateJob(ctx, Job{JobID: "j2", Type: "task.execute", Payload: `{}`, Status: "pending", MaxAttempts: 3}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, err := st.ClaimDueJob(ctx, "w1"); err != nil {
		t.Fatalf("ClaimDueJob: %v", err)
	}

	counts, err := st.CountJobsByStatus(ctx)
	if err != nil {
		t.Fatalf("CountJobsByStatus: %v", err)
	}
	if counts["pending"] != 1 || counts["running"] != 1 {
		t.Fatalf("CountJobsByStatus: got %+v", counts)
	}
}
