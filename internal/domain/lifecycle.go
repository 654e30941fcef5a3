package domain

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/qmuntal/stateless"
)

// OperationStatus is the lifecycle status of an operation.
type OperationStatus string

const (
	OperationStatusPending               OperationStatus = "PENDING"
	OperationStatusQueued                OperationStatus = "QUEUED"
	OperationStatusRunning               OperationStatus = "RUNNING"
	OperationStatusCompleted             OperationStatus = "COMPLETED"
	OperationStatusFailed                OperationStatus = "FAILED"
	OperationStatusCompensating          OperationStatus = "COMPENSATING"
	OperationStatusCompensated           OperationStatus = "COMPENSATED"
	OperationStatusCompensatedWithErrors OperationStatus = "COMPENSATED_WITH_ERRORS"
	OperationStatusCancelled             OperationStatus = "CANCELLED"
)

// NormalizeOperationStatus maps free-form status values to canonical statuses.
func NormalizeOperationStatus(value string) OperationStatus {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case string(OperationStatusPending):
		return OperationStatusPending
	case string(OperationStatusQueued):
		return OperationStatusQueued
	case string(OperationStatusRunning):
		return OperationStatusRunning
	case string(OperationStatusCompleted):
		return OperationStatusCompleted
	case string(OperationStatusFailed):
		return OperationStatusFailed
	case string(OperationStatusCompensating):
		return OperationStatusCompensating
	case string(OperationStatusCompensated):
		return OperationStatusCompensated
	case string(OperationStatusCompensatedWithErrors):
		return OperationStatusCompensatedWithErrors
	case string(OperationStatusCancelled), "CANCELED":
		return OperationStatusCancelled
	default:
		return ""
	}
}

// IsTerminal reports whether no further transition is possible.
func (s OperationStatus) IsTerminal() bool {
	switch s {
	case OperationStatusCompleted, OperationStatusCompensated, OperationStatusCompensatedWithErrors, OperationStatusCancelled:
		return true
	default:
		return false
	}
}

// Trigger drives a lifecycle transition.
type Trigger string

const (
	TriggerQueue                   Trigger = "queue"
	TriggerRun                     Trigger = "run"
	TriggerComplete                Trigger = "complete"
	TriggerFail                    Trigger = "fail"
	TriggerCompensate              Trigger = "compensate"
	TriggerFinishCompensation      Trigger = "finish_compensation"
	TriggerFinishCompensationError Trigger = "finish_compensation_with_errors"
	TriggerCancel                  Trigger = "cancel"
)

var allTriggers = []Trigger{
	TriggerQueue,
	TriggerRun,
	TriggerComplete,
	TriggerFail,
	TriggerCompensate,
	TriggerFinishCompensation,
	TriggerFinishCompensationError,
	TriggerCancel,
}

// Lifecycle is the one-directional operation state machine:
//
//	PENDING -> QUEUED -> RUNNING -> COMPLETED | FAILED
//	FAILED -> COMPENSATING -> COMPENSATED | COMPENSATED_WITH_ERRORS
//	PENDING | QUEUED | RUNNING -> CANCELLED
type Lifecycle struct {
	fsm *stateless.StateMachine
}

func NewLifecycle(current OperationStatus) *Lifecycle {
	fsm := stateless.NewStateMachine(current)
	fsm.Configure(OperationStatusPending).
		Permit(TriggerQueue, OperationStatusQueued).
		Permit(TriggerCancel, OperationStatusCancelled)
	fsm.Configure(OperationStatusQueued).
		Permit(TriggerRun, OperationStatusRunning).
		Permit(TriggerCancel, OperationStatusCancelled)
	fsm.Configure(OperationStatusRunning).
		Permit(TriggerComplete, OperationStatusCompleted).
		Permit(TriggerFail, OperationStatusFailed).
		Permit(TriggerCancel, OperationStatusCancelled)
	fsm.Configure(OperationStatusFailed).
		Permit(TriggerCompensate, OperationStatusCompensating)
	fsm.Configure(OperationStatusCompensating).
		Permit(TriggerFinishCompensation, OperationStatusCompensated).
		Permit(TriggerFinishCompensationError, OperationStatusCompensatedWithErrors)
	return &Lifecycle{fsm: fsm}
}

// Fire applies a trigger and returns the resulting status.
func (l *Lifecycle) Fire(ctx context.Context, trigger Trigger) (OperationStatus, error) {
	from := l.Status()
	if err := l.fsm.FireCtx(ctx, trigger); err != nil {
		return from, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, trigger, from)
	}
	return l.Status(), nil
}

func (l *Lifecycle) Status() OperationStatus {
	status, _ := l.fsm.MustState().(OperationStatus)
	return status
}

// transitions lists, per status, the statuses one trigger reaches. Built once
// from the lifecycle configuration.
var transitions = sync.OnceValue(func() map[OperationStatus]map[OperationStatus]bool {
	statuses := []OperationStatus{
		OperationStatusPending,
		OperationStatusQueued,
		OperationStatusRunning,
		OperationStatusCompleted,
		OperationStatusFailed,
		OperationStatusCompensating,
		OperationStatusCompensated,
		OperationStatusCompensatedWithErrors,
		OperationStatusCancelled,
	}
	table := make(map[OperationStatus]map[OperationStatus]bool, len(statuses))
	for _, from := range statuses {
		reachable := map[OperationStatus]bool{}
		for _, trigger := range allTriggers {
			if next, err := NewLifecycle(from).Fire(context.Background(), trigger); err == nil {
				reachable[next] = true
			}
		}
		table[from] = reachable
	}
	return table
})

// CanTransition reports whether some trigger moves current to next.
func CanTransition(current, next OperationStatus) bool {
	if current == "" || next == "" || current == next {
		return false
	}
	return transitions()[current][next]
}
