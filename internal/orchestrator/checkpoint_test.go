package orchestrator

import (
	"context"
	"reflect"
	"testing"

	"github.com/olympusai/buildforge/internal/store"
	"github.com/olympusai/buildforge/pkg/models"
)

func TestProgressRecordAndQuery(t *testing.T) {
	t.Parallel()
	p := make(Progress)
	p.Record("build", "a", models.OutcomeSuccess)
	p.Record("build", "b", models.OutcomeFailed)
	p.Record("build", "c", models.OutcomeSkipped)
	p.Record("test", "a", models.OutcomeFailed)

	if out, ok := p.Outcome("build", "a"); !ok || out != models.OutcomeSuccess {
		t.Fatalf("Outcome(build, a): got %q, %v", out, ok)
	}
	if _, ok := p.Outcome("build", "missing"); ok {
		t.Fatal("Outcome for unknown agent should not be found")
	}
	if got := p.Completed("build"); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("Completed: got %v", got)
	}
	if got := p.Failed("build"); !reflect.DeepEqual(got, []string{"b"}) {
		t.Fatalf("Failed: got %v", got)
	}
	if got := p.Skipped("build"); !reflect.DeepEqual(got, []string{"c"}) {
		t.Fatalf("Skipped: got %v", got)
	}
}

func TestProgressDropFailed(t *testing.T) {
	t.Parallel()
	p := make(Progress)
	p.Record("build", "a", models.OutcomeSuccess)
	p.Record("build", "b", models.OutcomeFailed)
	p.Record("test", "c", models.OutcomeFailed)

	p.DropFailed("build")

	if _, ok := p.Outcome("build", "b"); ok {
		t.Fatal("failed outcome should be forgotten")
	}
	if out, _ := p.Outcome("build", "a"); out != models.OutcomeSuccess {
		t.Fatal("completed outcome must survive DropFailed")
	}
	if out, _ := p.Outcome("test", "c"); out != models.OutcomeFailed {
		t.Fatal("other phases must be untouched")
	}
}

func TestCheckpointAppendIdempotent(t *testing.T) {
	t.Parallel()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	ctx := context.Background()
	cps := Checkpoints{Store: st}

	if err := cps.Append(ctx, "run-1", "build", "a", models.OutcomeSuccess); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := cps.Append(ctx, "run-1", "build", "a", models.OutcomeSuccess); err != nil {
		t.Fatalf("Append again: %v", err)
	}

	p, err := cps.Load(ctx, "run-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := p.Completed("build"); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("Completed after duplicate append: got %v, want [a]", got)
	}
	rows, err := st.ListCheckpoints(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListCheckpoints: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("checkpoint rows: got %d, want 1", len(rows))
	}
}

func TestCheckpointLastOutcomeWins(t *testing.T) {
	t.Parallel()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	ctx := context.Background()
	cps := Checkpoints{Store: st}

	if err := cps.Append(ctx, "run-1", "build", "a", models.OutcomeFailed); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := cps.Append(ctx, "run-1", "build", "a", models.OutcomeSuccess); err != nil {
		t.Fatalf("Append: %v", err)
	}

	p, err := cps.Load(ctx, "run-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if out, _ := p.Outcome("build", "a"); out != models.OutcomeSuccess {
		t.Fatalf("outcome: got %q, want success", out)
	}
	if got := p.Failed("build"); len(got) != 0 {
		t.Fatalf("Failed: got %v, want none", got)
	}
}

func TestCheckpointRejectsUnknownOutcome(t *testing.T) {
	t.Parallel()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	cps := Checkpoints{Store: st}
	if err := cps.Append(context.Background(), "run-1", "build", "a", "exploded"); err == nil {
		t.Fatal("Append with unknown outcome should fail")
	}
}
