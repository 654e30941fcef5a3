package domain

import "time"

type CompensationStatus string

const (
	CompensationPending           CompensationStatus = "PENDING"
	CompensationRunning           CompensationStatus = "RUNNING"
	CompensationSucceeded         CompensationStatus = "SUCCEEDED"
	CompensationFailed            CompensationStatus = "FAILED"
	CompensationSkipped           CompensationStatus = "SKIPPED"
	CompensationCompleted         CompensationStatus = "COMPLETED"
	CompensationCompletedWithErrs CompensationStatus = "COMPLETED_WITH_ERRORS"
)

// CompensationPlan lists rollback actions in execution order: the most
// recently completed step first.
type CompensationPlan struct {
	ID          string
	OperationID string
	Actions     []CompensationAction
	Status      CompensationStatus
	CreatedAt   time.Time
	FinishedAt  *time.Time
}

// CompensationAction reverses one completed step. Irreversible actions are
// recorded but never executed.
type CompensationAction struct {
	StepID       string
	Type         string
	Params       map[string]any
	MaxAttempts  int
	Timeout      time.Duration
	Irreversible bool
	Status       CompensationStatus
	Error        string
	Attempts     int
}

// StepOrder returns the step ids covered by the plan, in execution order.
func (p CompensationPlan) StepOrder() []string {
	out := make([]string, 0, len(p.Actions))
	for _, action := range p.Actions {
		out = append(out, action.StepID)
	}
	return out
}
