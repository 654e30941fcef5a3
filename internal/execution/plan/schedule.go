package plan

import (
	"github.com/animus-labs/animus-orchestrator/internal/domain"
)

// Readiness describes what the scheduler can do next for a plan.
type Readiness struct {
	// Group holds the steps to dispatch together, in plan order.
	Group []domain.Step
	// Done is true once every step has a terminal outcome.
	Done bool
	// Stalled is true when steps remain but none can ever become ready.
	Stalled bool
}

// NextGroup computes the next dispatchable set. The first ready step in plan
// order decides the group: if it belongs to a parallel group every ready
// member of that group is returned, otherwise it runs alone.
func NextGroup(p domain.ExecutionPlan, st domain.OperationState) Readiness {
	groupOf := groupIndex(p)
	pending := 0
	first := -1
	var ready []domain.Step
	for _, step := range p.Steps {
		if st.IsResolved(step.ID) {
			continue
		}
		pending++
		if !dependenciesSatisfied(p, st, step.ID) {
			continue
		}
		if first == -1 {
			if idx, ok := groupOf[step.ID]; ok {
				first = idx
			} else {
				return Readiness{Group: []domain.Step{step}}
			}
		}
		if idx, ok := groupOf[step.ID]; ok && idx == first {
			ready = append(ready, step)
		}
	}
	if pending == 0 {
		return Readiness{Done: true}
	}
	if len(ready) == 0 {
		return Readiness{Stalled: true}
	}
	return Readiness{Group: ready}
}

// RequiredFailure returns the first required step recorded as failed.
func RequiredFailure(p domain.ExecutionPlan, st domain.OperationState) (string, bool) {
	for _, id := range st.FailedSteps {
		step, ok := p.Step(id)
		if !ok || step.Required {
			return id, true
		}
	}
	return "", false
}

// dependenciesSatisfied treats completed, skipped and failed optional steps as
// satisfied.
func dependenciesSatisfied(p domain.ExecutionPlan, st domain.OperationState, id string) bool {
	for _, dep := range p.DependenciesOf(id) {
		if st.IsCompleted(dep) || st.IsSkipped(dep) {
			continue
		}
		if st.IsFailed(dep) {
			if step, ok := p.Step(dep); ok && !step.Required {
				continue
			}
		}
		return false
	}
	return true
}

func groupIndex(p domain.ExecutionPlan) map[string]int {
	out := make(map[string]int)
	for i, group := range p.ParallelGroups {
		for _, id := range group {
			if _, seen := out[id]; !seen {
				out[id] = i
			}
		}
	}
	return out
}
