package domain

import (
	"strings"
	"time"
)

// OperationType classifies the work an operation performs. The orchestrator
// does not interpret it beyond validation and reporting.
type OperationType string

const (
	OperationTypeToolExecution OperationType = "TOOL_EXECUTION"
	OperationTypeValidation    OperationType = "VALIDATION"
	OperationTypeExternalAPI   OperationType = "EXTERNAL_API"
	OperationTypeWorkflow      OperationType = "WORKFLOW"
)

// NormalizeOperationType maps free-form input to a known operation type.
func NormalizeOperationType(value string) OperationType {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case string(OperationTypeToolExecution), "TOOL":
		return OperationTypeToolExecution
	case string(OperationTypeValidation):
		return OperationTypeValidation
	case string(OperationTypeExternalAPI), "API":
		return OperationTypeExternalAPI
	case string(OperationTypeWorkflow):
		return OperationTypeWorkflow
	default:
		return ""
	}
}

// Operation is a top-level unit of orchestrated work.
type Operation struct {
	ID                string
	Type              OperationType
	OwnerID           string
	Status            OperationStatus
	Plan              ExecutionPlan
	Context           ExecutionContext
	Metadata          OperationMetadata
	LastError         string
	EstimatedDuration time.Duration
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ExecutionContext carries the resource request, environment and optional
// operation-level deadline.
type ExecutionContext struct {
	Resources   ResourceRequest
	Environment map[string]string
	Timeout     time.Duration
}

type OperationMetadata struct {
	Priority   int
	RetryCount int
	Labels     map[string]string
}

// EstimateDuration sums step timeouts along the plan's sequential groups. It is
// an upper bound used for reporting only.
func EstimateDuration(plan ExecutionPlan) time.Duration {
	grouped := make(map[string]int, len(plan.Steps))
	for i, group := range plan.ParallelGroups {
		for _, id := range group {
			grouped[id] = i
		}
	}
	longest := make(map[int]time.Duration)
	var total time.Duration
	for _, step := range plan.Steps {
		timeout := step.Timeout * time.Duration(max(1, step.RetryPolicy.MaxAttempts))
		idx, ok := grouped[step.ID]
		if !ok {
			total += timeout
			continue
		}
		if timeout > longest[idx] {
			total += timeout - longest[idx]
			longest[idx] = timeout
		}
	}
	return total
}
