package plan

import (
	"encoding/json"
	"time"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
)

// Payload is the wire and storage form of an execution plan. Durations are
// expressed in milliseconds.
type Payload struct {
	Steps          []StepPayload `json:"steps" yaml:"steps"`
	Dependencies   []EdgePayload `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	ParallelGroups [][]string    `json:"parallelGroups,omitempty" yaml:"parallelGroups,omitempty"`
}

type StepPayload struct {
	ID           string               `json:"id" yaml:"id"`
	Name         string               `json:"name,omitempty" yaml:"name,omitempty"`
	Type         string               `json:"type" yaml:"type"`
	Params       map[string]any       `json:"params,omitempty" yaml:"params,omitempty"`
	TimeoutMs    int64                `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty"`
	Required     *bool                `json:"required,omitempty" yaml:"required,omitempty"`
	RetryPolicy  retryPolicyPayload   `json:"retryPolicy" yaml:"retryPolicy"`
	Compensation *compensationPayload `json:"compensation,omitempty" yaml:"compensation,omitempty"`
}

type EdgePayload struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

type retryPolicyPayload struct {
	MaxAttempts int            `json:"maxAttempts" yaml:"maxAttempts"`
	Backoff     backoffPayload `json:"backoff" yaml:"backoff"`
}

type backoffPayload struct {
	Type       string  `json:"type,omitempty" yaml:"type,omitempty"`
	InitialMs  int64   `json:"initialMs,omitempty" yaml:"initialMs,omitempty"`
	MaxMs      int64   `json:"maxMs,omitempty" yaml:"maxMs,omitempty"`
	Multiplier float64 `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`
}

type compensationPayload struct {
	Type        string         `json:"type" yaml:"type"`
	Params      map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	MaxAttempts int            `json:"maxAttempts,omitempty" yaml:"maxAttempts,omitempty"`
	TimeoutMs   int64          `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty"`
}

// ToDomain converts a payload into a domain plan. Steps default to required.
func (p Payload) ToDomain() domain.ExecutionPlan {
	steps := make([]domain.Step, 0, len(p.Steps))
	for _, step := range p.Steps {
		required := true
		if step.Required != nil {
			required = *step.Required
		}
		out := domain.Step{
			ID:       step.ID,
			Name:     step.Name,
			Type:     step.Type,
			Params:   step.Params,
			Timeout:  millis(step.TimeoutMs),
			Required: required,
			RetryPolicy: domain.RetryPolicy{
				MaxAttempts: step.RetryPolicy.MaxAttempts,
				Backoff: domain.Backoff{
					Type:       step.RetryPolicy.Backoff.Type,
					Initial:    millis(step.RetryPolicy.Backoff.InitialMs),
					Max:        millis(step.RetryPolicy.Backoff.MaxMs),
					Multiplier: step.RetryPolicy.Backoff.Multiplier,
				},
			},
		}
		if step.Compensation != nil {
			out.Compensation = &domain.CompensationSpec{
				Type:        step.Compensation.Type,
				Params:      step.Compensation.Params,
				MaxAttempts: step.Compensation.MaxAttempts,
				Timeout:     millis(step.Compensation.TimeoutMs),
			}
		}
		steps = append(steps, out)
	}
	edges := make([]domain.PlanEdge, 0, len(p.Dependencies))
	for _, edge := range p.Dependencies {
		edges = append(edges, domain.PlanEdge{From: edge.From, To: edge.To})
	}
	return domain.ExecutionPlan{
		Steps:          steps,
		Dependencies:   edges,
		ParallelGroups: p.ParallelGroups,
	}
}

// PayloadFromDomain is the inverse of Payload.ToDomain.
func PayloadFromDomain(p domain.ExecutionPlan) Payload {
	out := Payload{
		Steps:          make([]StepPayload, 0, len(p.Steps)),
		Dependencies:   make([]EdgePayload, 0, len(p.Dependencies)),
		ParallelGroups: p.ParallelGroups,
	}
	for _, step := range p.Steps {
		required := step.Required
		payload := StepPayload{
			ID:        step.ID,
			Name:      step.Name,
			Type:      step.Type,
			Params:    step.Params,
			TimeoutMs: step.Timeout.Milliseconds(),
			Required:  &required,
			RetryPolicy: retryPolicyPayload{
				MaxAttempts: step.RetryPolicy.MaxAttempts,
				Backoff: backoffPayload{
					Type:       step.RetryPolicy.Backoff.Type,
					InitialMs:  step.RetryPolicy.Backoff.Initial.Milliseconds(),
					MaxMs:      step.RetryPolicy.Backoff.Max.Milliseconds(),
					Multiplier: step.RetryPolicy.Backoff.Multiplier,
				},
			},
		}
		if step.Compensation != nil {
			payload.Compensation = &compensationPayload{
				Type:        step.Compensation.Type,
				Params:      step.Compensation.Params,
				MaxAttempts: step.Compensation.MaxAttempts,
				TimeoutMs:   step.Compensation.Timeout.Milliseconds(),
			}
		}
		out.Steps = append(out.Steps, payload)
	}
	for _, edge := range p.Dependencies {
		out.Dependencies = append(out.Dependencies, EdgePayload{From: edge.From, To: edge.To})
	}
	return out
}

// MarshalPlan serializes a plan with stable field names.
func MarshalPlan(p domain.ExecutionPlan) ([]byte, error) {
	return json.Marshal(PayloadFromDomain(p))
}

// UnmarshalPlan parses a persisted plan JSON.
func UnmarshalPlan(raw []byte) (domain.ExecutionPlan, error) {
	var payload Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return domain.ExecutionPlan{}, err
	}
	return payload.ToDomain(), nil
}

func millis(ms int64) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}
