package orchestrator

import (
	"fmt"

	"github.com/olympusai/buildforge/internal/config"
	"github.com/olympusai/buildforge/pkg/models"
)

// Plan is one phase's submission plan: ordered batches of agent ids to run
// next, plus the agents that will never run.
type Plan struct {
	Batches [][]string
	Skipped []Skip
}

// Skip names an agent excluded from execution and why. Gated skips come from
// tier policy; the rest are forced by a failed or unsatisfiable dependency.
type Skip struct {
	AgentID string
	Reason  string
	Gated   bool
}

// TierGated reports whether tier policy excludes the agent from a run.
func TierGated(a config.Agent, tier models.Tier) bool {
	return a.MinTier != "" && !tier.AtLeast(models.Tier(a.MinTier))
}

const (
	depSatisfied = iota
	depUndecided
	depBlocked
)

// PlanPhase computes the submission plan for one phase given the run tier and
// the outcomes recorded so far. Agents already terminal in done are not
// re-planned. The plan is optimistic: agents in earlier batches are assumed to
// succeed, so callers re-plan after every batch with the real outcomes.
//
// Parallel phases batch every currently eligible agent together, split at the
// tier's concurrency bound; sequential phases take one agent per batch in
// declared order. An agent whose dependency failed (or was skipped, when the
// dependency requires success) is itself skipped rather than left waiting.
func PlanPhase(ph config.Phase, tier models.Tier, done Progress) (Plan, error) {
	var plan Plan

	byID := make(map[string]config.Agent, len(ph.Agents))
	outcomes := make(map[string]string, len(ph.Agents))
	for _, a := range ph.Agents {
		byID[a.ID] = a
		if out, ok := done.Outcome(ph.Name, a.ID); ok {
			outcomes[a.ID] = out
		}
	}

	// Tier gating first: gated agents are terminal before anything runs and
	// never participate in dependency resolution.
	var pending []config.Agent
	for _, a := range ph.Agents {
		if _, ok := outcomes[a.ID]; ok {
			continue
		}
		if TierGated(a, tier) {
			outcomes[a.ID] = models.OutcomeSkipped
			plan.Skipped = append(plan.Skipped, Skip{
				AgentID: a.ID,
				Reason:  fmt.Sprintf("requires tier %s", a.MinTier),
				Gated:   true,
			})
			continue
		}
		pending = append(pending, a)
	}

	maxBatch := tier.MaxConcurrency()
	if maxBatch < 1 {
		maxBatch = 1
	}

	assumed := make(map[string]bool, len(pending))
	for len(pending) > 0 {
		// Settle agents that can never run. A new skip can poison further
		// dependents, so iterate to a fixpoint.
		for changed := true; changed; {
			changed = false
			var rest []config.Agent
			for _, a := range pending {
				if reason, dead := blockedReason(a, byID, outcomes, assumed); dead {
					outcomes[a.ID] = models.OutcomeSkipped
					plan.Skipped = append(plan.Skipped, Skip{AgentID: a.ID, Reason: reason})
					changed = true
					continue
				}
				rest = append(rest, a)
			}
			pending = rest
		}
		if len(pending) == 0 {
			break
		}

		var batch []string
		for _, a := range pending {
			if eligible(a, byID, outcomes, assumed) {
				batch = append(batch, a.ID)
				if !ph.Parallel {
					break
				}
			}
		}
		if len(batch) == 0 {
			// A validated pipeline cannot get here; guard against a plan
			// snapshot that no longer parses as a DAG.
			var stuck []string
			for _, a := range pending {
				stuck = append(stuck, a.ID)
			}
			return Plan{}, fmt.Errorf("phase %q: no eligible agents among %v", ph.Name, stuck)
		}

		inBatch := make(map[string]bool, len(batch))
		for _, id := range batch {
			assumed[id] = true
			inBatch[id] = true
		}
		var rest []config.Agent
		for _, a := range pending {
			if !inBatch[a.ID] {
				rest = append(rest, a)
			}
		}
		pending = rest

		if ph.Parallel {
			plan.Batches = append(plan.Batches, chunkBatch(batch, maxBatch)...)
		} else {
			plan.Batches = append(plan.Batches, batch)
		}
	}
	return plan, nil
}

// blockedReason reports whether some dependency makes the agent permanently
// unschedulable.
func blockedReason(a config.Agent, byID map[string]config.Agent, outcomes map[string]string, assumed map[string]bool) (string, bool) {
	for _, d := range a.DependsOn {
		if state, reason := depState(d, byID, outcomes, assumed); state == depBlocked {
			return reason, true
		}
	}
	return "", false
}

func eligible(a config.Agent, byID map[string]config.Agent, outcomes map[string]string, assumed map[string]bool) bool {
	for _, d := range a.DependsOn {
		if state, _ := depState(d, byID, outcomes, assumed); state != depSatisfied {
			return false
		}
	}
	return true
}

func depState(d config.Dependency, byID map[string]config.Agent, outcomes map[string]string, assumed map[string]bool) (int, string) {
	if assumed[d.Agent] {
		return depSatisfied, ""
	}
	out, ok := outcomes[d.Agent]
	if !ok {
		return depUndecided, ""
	}
	switch out {
	case models.OutcomeSuccess:
		return depSatisfied, ""
	case models.OutcomeSkipped:
		if d.RequireSuccess {
			return depBlocked, fmt.Sprintf("dependency %s was skipped", d.Agent)
		}
		return depSatisfied, ""
	default:
		if d.RequireSuccess {
			return depBlocked, fmt.Sprintf("dependency %s failed", d.Agent)
		}
		if dep, known := byID[d.Agent]; known && !dep.Optional {
			return depBlocked, fmt.Sprintf("required dependency %s failed", d.Agent)
		}
		return depSatisfied, ""
	}
}

func chunkBatch(ids []string, size int) [][]string {
	if len(ids) <= size {
		return [][]string{ids}
	}
	var out [][]string
	for len(ids) > size {
		out = append(out, ids[:size:size])
		ids = ids[size:]
	}
	return append(out, ids)
}
