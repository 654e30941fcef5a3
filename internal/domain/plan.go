package domain

import "time"

// ExecutionPlan is the declarative description of an operation's steps.
type ExecutionPlan struct {
	Steps          []Step
	Dependencies   []PlanEdge
	ParallelGroups [][]string
}

// PlanEdge orders two steps: To runs only after From has resolved.
type PlanEdge struct {
	From string
	To   string
}

// Step is one opaque unit of work dispatched by Type to a registered handler.
type Step struct {
	ID           string
	Name         string
	Type         string
	Params       map[string]any
	Timeout      time.Duration
	Required     bool
	RetryPolicy  RetryPolicy
	Compensation *CompensationSpec
}

type RetryPolicy struct {
	MaxAttempts int
	Backoff     Backoff
}

// Backoff types: "fixed" (default) and "exponential".
type Backoff struct {
	Type       string
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// CompensationSpec names the action that reverses a completed step. A step
// without one is irreversible.
type CompensationSpec struct {
	Type        string
	Params      map[string]any
	MaxAttempts int
	Timeout     time.Duration
}

// Step returns the step with the given id.
func (p ExecutionPlan) Step(id string) (Step, bool) {
	for _, step := range p.Steps {
		if step.ID == id {
			return step, true
		}
	}
	return Step{}, false
}

// DependenciesOf returns the ids a step waits on, in edge order.
func (p ExecutionPlan) DependenciesOf(id string) []string {
	var out []string
	for _, edge := range p.Dependencies {
		if edge.To == id {
			out = append(out, edge.From)
		}
	}
	return out
}
