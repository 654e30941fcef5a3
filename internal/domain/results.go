package domain

import (
	"strings"
	"time"
)

// StepStatus is the outcome recorded for a single step attempt.
type StepStatus string

const (
	StepStatusRunning   StepStatus = "RUNNING"
	StepStatusCompleted StepStatus = "COMPLETED"
	StepStatusFailed    StepStatus = "FAILED"
	StepStatusSkipped   StepStatus = "SKIPPED"
)

func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepStatusCompleted, StepStatusFailed, StepStatusSkipped:
		return true
	default:
		return false
	}
}

func NormalizeStepStatus(value string) StepStatus {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case string(StepStatusRunning):
		return StepStatusRunning
	case string(StepStatusCompleted), "SUCCEEDED":
		return StepStatusCompleted
	case string(StepStatusFailed):
		return StepStatusFailed
	case string(StepStatusSkipped):
		return StepStatusSkipped
	default:
		return ""
	}
}

// Error codes attached to failed step results.
const (
	StepErrorTimeout   = "step_timeout"
	StepErrorExecution = "step_execution_error"
	StepErrorCancelled = "cancelled"
	StepErrorNoHandler = "handler_not_registered"
)

// StepResult is produced once per attempt; the highest attempt is
// authoritative for the step.
type StepResult struct {
	OperationID   string
	StepID        string
	Attempt       int
	Status        StepStatus
	Data          map[string]any
	Variables     map[string]any
	ErrorCode     string
	Error         string
	ExecutionTime time.Duration
	StartedAt     time.Time
	CompletedAt   time.Time
	Sequence      int64
	// Terminal marks the attempt that resolved the step; earlier failed
	// attempts of a retried step leave it false.
	Terminal bool
}
