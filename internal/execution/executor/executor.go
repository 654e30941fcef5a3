// Package executor runs single plan steps: handler dispatch by step type,
// per-attempt deadlines, retries and cooperative cancellation.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
	"github.com/animus-labs/animus-orchestrator/internal/metrics"
)

// Recorder persists one attempt and returns it with its sequence assigned.
type Recorder interface {
	RecordAttempt(ctx context.Context, result domain.StepResult) (domain.StepResult, error)
}

// Slots bounds how many steps run at once across all operations.
type Slots interface {
	AcquireStepSlot(ctx context.Context) (func(), error)
}

// Invocation is one request to resolve a step.
type Invocation struct {
	OperationID string
	Step        domain.Step
	Variables   map[string]any
	Context     map[string]any
	// FirstAttempt continues numbering after attempts recorded before a
	// restart. Zero means 1.
	FirstAttempt int
}

type Config struct {
	Registry *Registry
	Recorder Recorder
	Slots    Slots
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

type Executor struct {
	registry *Registry
	recorder Recorder
	slots    Slots
	logger   *slog.Logger
	metrics  *metrics.Metrics
	tracker  *tracker
	now      func() time.Time
}

func New(cfg Config) (*Executor, error) {
	if cfg.Registry == nil {
		return nil, errors.New("handler registry is required")
	}
	if cfg.Recorder == nil {
		return nil, errors.New("attempt recorder is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := func() time.Time { return time.Now().UTC() }
	return &Executor{
		registry: cfg.Registry,
		recorder: cfg.Recorder,
		slots:    cfg.Slots,
		logger:   logger,
		metrics:  cfg.Metrics,
		tracker:  newTracker(now),
		now:      now,
	}, nil
}

// Execute resolves a step and returns its terminal result. Every attempt is
// handed to the recorder first; the returned error is non-nil only when
// recording failed, and then wraps domain.ErrPersistence.
func (e *Executor) Execute(ctx context.Context, inv Invocation) (domain.StepResult, error) {
	step := inv.Step
	entry := e.tracker.begin(inv.OperationID, step.ID)
	recordCtx := context.WithoutCancel(ctx)

	attempt := inv.FirstAttempt
	if attempt < 1 {
		attempt = 1
	}
	maxAttempts := step.RetryPolicy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	retries := maxAttempts - attempt
	if retries < 0 {
		retries = 0
	}

	handler, ok := e.registry.Lookup(step.Type)
	if !ok {
		res := e.failure(inv, attempt, e.now(), domain.StepErrorNoHandler, fmt.Sprintf("no handler registered for step type %q", step.Type))
		return e.complete(recordCtx, entry, step, res)
	}

	if e.slots != nil {
		release, err := e.slots.AcquireStepSlot(ctx)
		if err != nil {
			res := e.failure(inv, attempt, e.now(), contextCode(ctx), fmt.Sprintf("waiting for a step slot: %v", err))
			return e.complete(recordCtx, entry, step, res)
		}
		defer release()
	}

	policy := newBackOff(ctx, step.RetryPolicy, retries)
	for {
		e.tracker.attempt(entry, attempt)
		res, retryable := e.runAttempt(ctx, handler, inv, entry, attempt)
		if res.Status != domain.StepStatusFailed || !retryable {
			return e.complete(recordCtx, entry, step, res)
		}
		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			return e.complete(recordCtx, entry, step, res)
		}

		e.metrics.StepAttempt(step.Type, "RETRIED", res.ExecutionTime)
		if _, err := e.recorder.RecordAttempt(recordCtx, res); err != nil {
			e.tracker.finish(entry, domain.StepStatusFailed)
			return res, fmt.Errorf("%w: record attempt %d of step %s: %v", domain.ErrPersistence, attempt, step.ID, err)
		}
		e.logger.Warn("step attempt failed, retrying",
			"operation_id", inv.OperationID,
			"step_id", step.ID,
			"attempt", attempt,
			"backoff", wait.String(),
			"error", res.Error,
		)

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			next := e.failure(inv, attempt+1, e.now(), contextCode(ctx), ctx.Err().Error())
			return e.complete(recordCtx, entry, step, next)
		case <-entry.cancel:
			timer.Stop()
			next := e.failure(inv, attempt+1, e.now(), domain.StepErrorCancelled, "cancelled before retry")
			return e.complete(recordCtx, entry, step, next)
		}
		attempt++
	}
}

type attemptOutcome struct {
	result Result
	err    error
}

// runAttempt executes one handler call. The boolean reports whether a failed
// attempt may be retried.
func (e *Executor) runAttempt(ctx context.Context, h Handler, inv Invocation, entry *stepEntry, attempt int) (domain.StepResult, bool) {
	step := inv.Step
	started := e.now()
	if e.tracker.isCancelled(entry) {
		return e.failure(inv, attempt, started, domain.StepErrorCancelled, "step cancelled before start"), false
	}

	attemptCtx, cancel := ctx, context.CancelFunc(func() {})
	if step.Timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, step.Timeout)
	}
	defer cancel()

	req := Request{
		OperationID: inv.OperationID,
		StepID:      step.ID,
		Attempt:     attempt,
		Params:      maps.Clone(step.Params),
		Variables:   maps.Clone(inv.Variables),
		Context:     maps.Clone(inv.Context),
		Cancelled:   entry.cancel,
		Report:      func(p float64) { e.tracker.progress(entry, p) },
	}

	done := make(chan attemptOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- attemptOutcome{err: backoff.Permanent(fmt.Errorf("handler panic: %v", r))}
			}
		}()
		out, err := h.Execute(attemptCtx, req)
		done <- attemptOutcome{result: out, err: err}
	}()

	var outcome attemptOutcome
	select {
	case outcome = <-done:
	case <-attemptCtx.Done():
		select {
		case outcome = <-done:
		default:
			outcome = attemptOutcome{err: attemptCtx.Err()}
		}
	case <-entry.force:
		cancel()
		return e.failure(inv, attempt, started, domain.StepErrorCancelled, "step force-stopped"), false
	}

	if outcome.err == nil {
		finished := e.now()
		return domain.StepResult{
			OperationID:   inv.OperationID,
			StepID:        step.ID,
			Attempt:       attempt,
			Status:        domain.StepStatusCompleted,
			Data:          outcome.result.Data,
			Variables:     outcome.result.Variables,
			ExecutionTime: finished.Sub(started),
			StartedAt:     started,
			CompletedAt:   finished,
		}, false
	}

	if reason, ok := skipReason(outcome.err); ok {
		finished := e.now()
		return domain.StepResult{
			OperationID:   inv.OperationID,
			StepID:        step.ID,
			Attempt:       attempt,
			Status:        domain.StepStatusSkipped,
			Data:          map[string]any{"reason": reason},
			ExecutionTime: finished.Sub(started),
			StartedAt:     started,
			CompletedAt:   finished,
		}, false
	}

	switch {
	case ctx.Err() != nil:
		return e.failure(inv, attempt, started, contextCode(ctx), outcome.err.Error()), false
	case errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
		msg := fmt.Sprintf("%v: exceeded %s", domain.ErrStepTimeout, step.Timeout)
		return e.failure(inv, attempt, started, domain.StepErrorTimeout, msg), true
	case e.tracker.isCancelled(entry):
		return e.failure(inv, attempt, started, domain.StepErrorCancelled, outcome.err.Error()), false
	default:
		return e.failure(inv, attempt, started, domain.StepErrorExecution, outcome.err.Error()), !isPermanent(outcome.err)
	}
}

func (e *Executor) failure(inv Invocation, attempt int, started time.Time, code, msg string) domain.StepResult {
	finished := e.now()
	return domain.StepResult{
		OperationID:   inv.OperationID,
		StepID:        inv.Step.ID,
		Attempt:       attempt,
		Status:        domain.StepStatusFailed,
		ErrorCode:     code,
		Error:         msg,
		ExecutionTime: finished.Sub(started),
		StartedAt:     started,
		CompletedAt:   finished,
	}
}

func (e *Executor) complete(ctx context.Context, entry *stepEntry, step domain.Step, res domain.StepResult) (domain.StepResult, error) {
	res.Terminal = true
	e.metrics.StepAttempt(step.Type, string(res.Status), res.ExecutionTime)
	e.tracker.finish(entry, res.Status)

	recorded, err := e.recorder.RecordAttempt(ctx, res)
	if err != nil {
		return res, fmt.Errorf("%w: record step %s: %v", domain.ErrPersistence, step.ID, err)
	}
	switch res.Status {
	case domain.StepStatusSkipped:
		e.logger.Info("step skipped",
			"operation_id", res.OperationID,
			"step_id", res.StepID,
			"reason", res.Data["reason"],
		)
	case domain.StepStatusFailed:
		e.logger.Warn("step failed",
			"operation_id", res.OperationID,
			"step_id", res.StepID,
			"attempt", res.Attempt,
			"error_code", res.ErrorCode,
			"error", res.Error,
		)
	}
	return recorded, nil
}

// CancelStep asks an in-flight step to stop. The handler decides when.
func (e *Executor) CancelStep(operationID, stepID string) bool {
	return e.tracker.cancelStep(operationID, stepID, false)
}

// ForceStopStep stops waiting for the handler; the step fails as cancelled.
func (e *Executor) ForceStopStep(operationID, stepID string) bool {
	return e.tracker.cancelStep(operationID, stepID, true)
}

// CancelOperation signals every running step of the operation and any step
// it starts afterwards. It returns the number of steps signalled.
func (e *Executor) CancelOperation(operationID string) int {
	return e.tracker.cancelOperation(operationID)
}

func (e *Executor) StepStatus(operationID, stepID string) (StepInfo, bool) {
	return e.tracker.status(operationID, stepID)
}

// Forget drops tracking data once an operation no longer runs.
func (e *Executor) Forget(operationID string) {
	e.tracker.forget(operationID)
}

func contextCode(ctx context.Context) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.StepErrorTimeout
	}
	return domain.StepErrorCancelled
}
