package domain

import "errors"

var (
	// ErrInvalidPlan rejects a plan at creation time; not retryable.
	ErrInvalidPlan = errors.New("invalid plan")
	// ErrResourceUnavailable denies admission; callers may retry after backoff.
	ErrResourceUnavailable = errors.New("resource unavailable")
	ErrStepTimeout         = errors.New("step timeout")
	ErrStepExecution       = errors.New("step execution error")
	ErrStepCancelled       = errors.New("step cancelled")
	// ErrCompensationActionFailed is fatal for the action but does not stop
	// sibling compensations.
	ErrCompensationActionFailed = errors.New("compensation action failed")
	// ErrPersistence halts the scheduler loop of the affected operation.
	ErrPersistence       = errors.New("persistence error")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrAlreadyRunning    = errors.New("operation already has a scheduler owner")
)
