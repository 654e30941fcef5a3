package operations

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
	"github.com/animus-labs/animus-orchestrator/internal/execution/executor"
	"github.com/animus-labs/animus-orchestrator/internal/execution/plan"
	"github.com/animus-labs/animus-orchestrator/internal/service/opstate"
)

// run drives one operation until it reaches a status the loop does not own
// any more: a terminal status, or RUNNING/COMPENSATING left for Recover after
// a persistence failure or shutdown.
func (m *Manager) run(inst *instance) {
	switch inst.operation().Status {
	case domain.OperationStatusFailed, domain.OperationStatusCompensating:
		m.compensate(inst)
		return
	}

	ctx := inst.ctx
	for {
		op := inst.operation()
		if inst.cancelled() {
			m.finishCancelled(inst)
			return
		}
		if m.isDraining() {
			m.logger.Info("scheduler loop stopped for shutdown", "operation_id", inst.id)
			return
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			m.failAndCompensate(inst, fmt.Sprintf("operation timed out after %s", op.Context.Timeout))
			return
		}

		st, err := m.states.Get(ctx, inst.id)
		if err != nil {
			m.halt(inst, err)
			return
		}
		if stepID, failed := plan.RequiredFailure(op.Plan, st); failed {
			m.failAndCompensate(inst, fmt.Sprintf("required step %s failed", stepID))
			return
		}

		next := plan.NextGroup(op.Plan, st)
		switch {
		case next.Done:
			m.finishCompleted(inst)
			return
		case next.Stalled:
			m.failAndCompensate(inst, "no step can become ready")
			return
		}

		results, err := m.dispatch(ctx, inst, next.Group, st)
		if err == nil {
			err = m.applyResults(inst, results)
		}
		if err != nil {
			m.halt(inst, err)
			return
		}
	}
}

// dispatch runs every step of a group concurrently and returns once all of
// them resolved. A failing step does not stop its siblings.
func (m *Manager) dispatch(ctx context.Context, inst *instance, group []domain.Step, st domain.OperationState) ([]domain.StepResult, error) {
	op := inst.operation()
	stepCtx := map[string]any{
		"operation_type": string(op.Type),
		"owner_id":       op.OwnerID,
		"environment":    op.Context.Environment,
	}

	results := make([]domain.StepResult, len(group))
	var g errgroup.Group
	for i, step := range group {
		m.emit(ctx, domain.Event{
			Topic:       domain.TopicStepStarted,
			OperationID: inst.id,
			StepID:      step.ID,
			Status:      string(domain.StepStatusRunning),
		})
		g.Go(func() error {
			res, err := m.executor.Execute(ctx, executor.Invocation{
				OperationID:  inst.id,
				Step:         step,
				Variables:    st.Variables,
				Context:      stepCtx,
				FirstAttempt: inst.nextAttempt(step.ID),
			})
			inst.observeAttempt(step.ID, res.Attempt)
			results[i] = res
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// applyResults folds a finished group into the state in recording order.
func (m *Manager) applyResults(inst *instance, results []domain.StepResult) error {
	sort.SliceStable(results, func(i, j int) bool { return results[i].Sequence < results[j].Sequence })
	ctx := context.Background()
	for i := range results {
		res := results[i]
		if _, err := m.states.Apply(ctx, inst.id, opstate.Delta{Result: &res}); err != nil {
			return err
		}
		topic := domain.TopicStepCompleted
		switch res.Status {
		case domain.StepStatusFailed:
			topic = domain.TopicStepFailed
		case domain.StepStatusSkipped:
			topic = domain.TopicStepSkipped
		}
		data := map[string]any{
			"attempt":           res.Attempt,
			"execution_time_ms": res.ExecutionTime.Milliseconds(),
		}
		if res.ErrorCode != "" {
			data["error_code"] = res.ErrorCode
			data["error"] = res.Error
		}
		if reason, ok := res.Data["reason"]; ok && res.Status == domain.StepStatusSkipped {
			data["reason"] = reason
		}
		m.emit(ctx, domain.Event{
			Topic:       topic,
			OperationID: inst.id,
			StepID:      res.StepID,
			Status:      string(res.Status),
			Data:        data,
		})
	}
	return nil
}

// transition moves the operation and its state mirror to the next status.
func (m *Manager) transition(inst *instance, to domain.OperationStatus, lastError string) error {
	ctx := context.Background()
	from := inst.operation().Status
	if !domain.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}
	if _, err := m.states.Apply(ctx, inst.id, opstate.Delta{Status: to}); err != nil {
		return err
	}
	updated, err := m.operations.UpdateStatus(ctx, inst.id, from, to, lastError)
	if err != nil {
		return m.statusError(err, inst.id)
	}
	inst.setOperation(updated)
	m.metrics.OperationTransition(string(to))
	return nil
}

func (m *Manager) finishCompleted(inst *instance) {
	if err := m.transition(inst, domain.OperationStatusCompleted, ""); err != nil {
		m.halt(inst, err)
		return
	}
	op := inst.operation()
	m.logger.Info("operation completed", "operation_id", inst.id)
	m.publish(context.Background(), domain.TopicOperationCompleted, op, nil)
	m.finalize(inst)
}

func (m *Manager) finishCancelled(inst *instance) {
	if err := m.transition(inst, domain.OperationStatusCancelled, "cancelled"); err != nil {
		m.halt(inst, err)
		return
	}
	op := inst.operation()
	m.logger.Info("operation cancelled", "operation_id", inst.id)
	m.publish(context.Background(), domain.TopicOperationCancelled, op, nil)
	m.finalize(inst)
}

func (m *Manager) failAndCompensate(inst *instance, reason string) {
	if err := m.transition(inst, domain.OperationStatusFailed, reason); err != nil {
		m.halt(inst, err)
		return
	}
	op := inst.operation()
	m.logger.Warn("operation failed", "operation_id", inst.id, "reason", reason)
	m.publish(context.Background(), domain.TopicOperationFailed, op, map[string]any{"error": reason})
	m.compensate(inst)
}

// compensate rolls back completed steps of a FAILED operation, or finishes a
// rollback interrupted by a restart.
func (m *Manager) compensate(inst *instance) {
	ctx := context.Background()
	if inst.operation().Status == domain.OperationStatusFailed {
		if err := m.transition(inst, domain.OperationStatusCompensating, inst.operation().LastError); err != nil {
			m.halt(inst, err)
			return
		}
	}
	compPlan, err := m.compensation.CreatePlan(ctx, inst.id)
	if err != nil {
		m.halt(inst, err)
		return
	}
	result, err := m.compensation.Execute(ctx, compPlan)
	if err != nil {
		m.halt(inst, err)
		return
	}

	final := domain.OperationStatusCompensated
	if result.Status == domain.CompensationCompletedWithErrs {
		final = domain.OperationStatusCompensatedWithErrors
	}
	if err := m.transition(inst, final, inst.operation().LastError); err != nil {
		m.halt(inst, err)
		return
	}
	m.publish(ctx, domain.TopicOperationCompensated, inst.operation(), map[string]any{
		"compensation_id": result.PlanID,
		"failed_actions":  len(result.Failed),
	})
	m.finalize(inst)
}

// halt stops the loop after a persistence failure. The operation keeps its
// current status so Recover can pick it up again; the reason is recorded as
// its last error when the store still accepts writes.
func (m *Manager) halt(inst *instance, err error) {
	op := inst.operation()
	m.logger.Error("scheduler loop halted",
		"operation_id", inst.id,
		"status", op.Status,
		"error", err,
	)
	reason := "halted: " + err.Error()
	if updated, uerr := m.operations.UpdateStatus(context.Background(), inst.id, op.Status, op.Status, reason); uerr != nil {
		m.logger.Warn("could not record halt reason", "operation_id", inst.id, "error", uerr)
	} else {
		inst.setOperation(updated)
		op = updated
	}
	m.emit(context.Background(), domain.Event{
		Topic:       domain.TopicOperationHalted,
		OperationID: inst.id,
		Status:      string(op.Status),
		Data:        map[string]any{"error": err.Error()},
	})
}

// finalize releases what a finished operation held.
func (m *Manager) finalize(inst *instance) {
	ctx := context.Background()
	m.releaseAllocation(inst)
	if inst.allocation.ID == "" {
		if alloc, held := m.resources.AllocationFor(inst.id); held {
			_ = m.resources.Release(ctx, alloc.ID)
		}
	}
	m.executor.Forget(inst.id)

	op := inst.operation()
	if op.Status.IsTerminal() {
		m.terminal.Add(op.ID, op)
	}
	if m.keep > 0 {
		if _, err := m.states.Compact(ctx, inst.id, m.keep); err != nil {
			m.logger.Warn("checkpoint compaction failed", "operation_id", inst.id, "error", err)
		}
	}
	m.states.Forget(inst.id)
}
