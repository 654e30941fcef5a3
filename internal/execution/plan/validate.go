package plan

import (
	"fmt"
	"sort"
	"strings"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
)

// ValidationError aggregates plan validation issues. It matches
// domain.ErrInvalidPlan under errors.Is.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return domain.ErrInvalidPlan.Error()
	}
	return domain.ErrInvalidPlan.Error() + ": " + strings.Join(e.Issues, "; ")
}

func (e *ValidationError) Unwrap() error {
	return domain.ErrInvalidPlan
}

func (e *ValidationError) Add(issue string) {
	if strings.TrimSpace(issue) == "" {
		return
	}
	e.Issues = append(e.Issues, issue)
}

func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Issues) == 0 {
		return nil
	}
	return e
}

// Validate checks step identity, references and acyclicity.
func Validate(p domain.ExecutionPlan) error {
	issues := &ValidationError{}
	if len(p.Steps) == 0 {
		issues.Add("plan must contain at least one step")
		return issues.OrNil()
	}

	ids := make(map[string]struct{}, len(p.Steps))
	for i, step := range p.Steps {
		id := strings.TrimSpace(step.ID)
		if id == "" {
			issues.Add(fmt.Sprintf("step[%d] id is required", i))
			continue
		}
		if id != step.ID {
			issues.Add(fmt.Sprintf("step[%d] id %q has surrounding whitespace", i, step.ID))
		}
		if _, exists := ids[id]; exists {
			issues.Add(fmt.Sprintf("duplicate step id %q", id))
		}
		ids[id] = struct{}{}

		if strings.TrimSpace(step.Type) == "" {
			issues.Add(fmt.Sprintf("step[%s] type is required", id))
		}
		if step.Timeout < 0 {
			issues.Add(fmt.Sprintf("step[%s] timeout must be >= 0", id))
		}
		if step.RetryPolicy.MaxAttempts < 0 {
			issues.Add(fmt.Sprintf("step[%s] retryPolicy.maxAttempts must be >= 0", id))
		}
		switch strings.ToLower(strings.TrimSpace(step.RetryPolicy.Backoff.Type)) {
		case "", "fixed", "exponential":
		default:
			issues.Add(fmt.Sprintf("step[%s] unsupported backoff type %q", id, step.RetryPolicy.Backoff.Type))
		}
		if step.RetryPolicy.Backoff.Initial < 0 || step.RetryPolicy.Backoff.Max < 0 {
			issues.Add(fmt.Sprintf("step[%s] backoff durations must be >= 0", id))
		}
		if step.Compensation != nil && strings.TrimSpace(step.Compensation.Type) == "" {
			issues.Add(fmt.Sprintf("step[%s] compensation type is required", id))
		}
	}

	for _, edge := range p.Dependencies {
		if _, ok := ids[edge.From]; !ok {
			issues.Add(fmt.Sprintf("dependency references unknown step %q", edge.From))
		}
		if _, ok := ids[edge.To]; !ok {
			issues.Add(fmt.Sprintf("dependency references unknown step %q", edge.To))
		}
		if edge.From == edge.To && edge.From != "" {
			issues.Add(fmt.Sprintf("step %q depends on itself", edge.From))
		}
	}

	grouped := make(map[string]int, len(p.Steps))
	for gi, group := range p.ParallelGroups {
		if len(group) == 0 {
			issues.Add(fmt.Sprintf("parallelGroups[%d] is empty", gi))
		}
		for _, id := range group {
			if _, ok := ids[id]; !ok {
				issues.Add(fmt.Sprintf("parallelGroups[%d] references unknown step %q", gi, id))
				continue
			}
			if prev, ok := grouped[id]; ok {
				issues.Add(fmt.Sprintf("step %q appears in parallelGroups[%d] and parallelGroups[%d]", id, prev, gi))
				continue
			}
			grouped[id] = gi
		}
	}

	if len(issues.Issues) > 0 {
		return issues.OrNil()
	}
	if _, err := TopologicalOrder(p); err != nil {
		issues.Add(err.Error())
	}
	return issues.OrNil()
}

// TopologicalOrder returns step ids in dependency order, ties broken by plan
// order so the result is deterministic.
func TopologicalOrder(p domain.ExecutionPlan) ([]string, error) {
	position := make(map[string]int, len(p.Steps))
	inDegree := make(map[string]int, len(p.Steps))
	for i, step := range p.Steps {
		position[step.ID] = i
		inDegree[step.ID] = 0
	}
	adj := make(map[string][]string, len(p.Steps))
	for _, edge := range p.Dependencies {
		adj[edge.From] = append(adj[edge.From], edge.To)
		inDegree[edge.To]++
	}

	ready := make([]string, 0, len(p.Steps))
	for id, degree := range inDegree {
		if degree == 0 {
			ready = append(ready, id)
		}
	}
	byPosition := func(ids []string) {
		sort.Slice(ids, func(i, j int) bool { return position[ids[i]] < position[ids[j]] })
	}
	byPosition(ready)

	ordered := make([]string, 0, len(p.Steps))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		ordered = append(ordered, id)
		for _, next := range adj[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				ready = append(ready, next)
				byPosition(ready)
			}
		}
	}

	if len(ordered) != len(inDegree) {
		return nil, fmt.Errorf("dependency graph contains a cycle")
	}
	return ordered, nil
}
