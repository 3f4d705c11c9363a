package orchestrator

import (
	"context"
	"fmt"
	"sort"

	"github.com/olympusai/buildforge/internal/store"
	"github.com/olympusai/buildforge/pkg/models"
)

// Progress maps phase name to the terminal outcome of each agent in it.
// It is reconstructed from checkpoints at resume time and kept current by
// the executor while a run is driven.
type Progress map[string]map[string]string

// Outcome returns the recorded terminal outcome for an agent, if any.
func (p Progress) Outcome(phase, agentID string) (string, bool) {
	out, ok := p[phase][agentID]
	return out, ok
}

// Record notes an agent's terminal outcome.
func (p Progress) Record(phase, agentID, outcome string) {
	if p[phase] == nil {
		p[phase] = make(map[string]string)
	}
	p[phase][agentID] = outcome
}

// DropFailed forgets failed outcomes for one phase so a resumed drive can
// retry them. Completed and skipped work stays terminal.
func (p Progress) DropFailed(phase string) {
	for agentID, outcome := range p[phase] {
		if outcome == models.OutcomeFailed {
			delete(p[phase], agentID)
		}
	}
}

// Completed returns the agents of a phase that finished successfully, sorted.
func (p Progress) Completed(phase string) []string {
	return p.withOutcome(phase, models.OutcomeSuccess)
}

// Failed returns the agents of a phase that failed terminally, sorted.
func (p Progress) Failed(phase string) []string {
	return p.withOutcome(phase, models.OutcomeFailed)
}

// Skipped returns the agents of a phase that were skipped, sorted.
func (p Progress) Skipped(phase string) []string {
	return p.withOutcome(phase, models.OutcomeSkipped)
}

func (p Progress) withOutcome(phase, outcome string) []string {
	var ids []string
	for agentID, out := range p[phase] {
		if out == outcome {
			ids = append(ids, agentID)
		}
	}
	sort.Strings(ids)
	return ids
}

// Checkpoints persists and reloads per-agent terminal outcomes. Append is
// idempotent on the (run, phase, agent) key: repeating it never duplicates,
// the last outcome wins.
type Checkpoints struct {
	Store store.Store
}

// Append records one agent's terminal outcome.
func (c Checkpoints) Append(ctx context.Context, runID, phase, agentID, outcome string) error {
	switch outcome {
	case models.OutcomeSuccess, models.OutcomeFailed, models.OutcomeSkipped:
	default:
		return fmt.Errorf("unknown checkpoint outcome %q", outcome)
	}
	return c.Store.AppendCheckpoint(ctx, store.Checkpoint{
		RunID:   runID,
		Phase:   phase,
		AgentID: agentID,
		Outcome: outcome,
	})
}

// Load rebuilds a run's Progress from its checkpoint trail.
func (c Checkpoints) Load(ctx context.Context, runID string) (Progress, error) {
	cps, err := c.Store.ListCheckpoints(ctx, runID)
	if err != nil {
		return nil, err
	}
	p := make(Progress)
	for _, cp := range cps {
		p.Record(cp.Phase, cp.AgentID, cp.Outcome)
	}
	return p, nil
}
