package operations

import (
	"context"
	"errors"
	"fmt"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
	"github.com/animus-labs/animus-orchestrator/internal/repo"
)

// Recover resumes operations left unfinished by a previous process or by a
// halted loop: QUEUED and RUNNING operations continue from their last
// checkpoint, FAILED and COMPENSATING ones finish their rollback. It returns
// how many loops were started. Operations that cannot be resumed now are
// logged and left for the next call.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	if _, err := m.resources.Adopt(ctx); err != nil {
		return 0, err
	}
	ops, err := m.operations.List(ctx, repo.OperationFilter{Statuses: []domain.OperationStatus{
		domain.OperationStatusQueued,
		domain.OperationStatusRunning,
		domain.OperationStatusFailed,
		domain.OperationStatusCompensating,
	}})
	if err != nil {
		return 0, fmt.Errorf("list unfinished operations: %w", err)
	}

	resumed := 0
	for _, op := range ops {
		if _, live := m.instance(op.ID); live {
			continue
		}
		if err := m.resume(ctx, op); err != nil {
			m.logger.Warn("operation not resumed", "operation_id", op.ID, "status", op.Status, "error", err)
			continue
		}
		resumed++
	}
	if resumed > 0 {
		m.logger.Info("operations recovered", "count", resumed)
	}
	return resumed, nil
}

func (m *Manager) resume(ctx context.Context, op domain.Operation) error {
	inst, err := m.claim(op)
	if err != nil {
		return err
	}
	started := false
	defer func() {
		if !started {
			m.unclaim(inst)
		}
	}()

	switch op.Status {
	case domain.OperationStatusQueued, domain.OperationStatusRunning:
		alloc, held := m.resources.AllocationFor(op.ID)
		if !held {
			alloc, err = m.resources.Allocate(ctx, op.ID, op.Context.Resources)
			if err != nil {
				return err
			}
		}
		inst.allocation = alloc

		if op.Status == domain.OperationStatusQueued {
			if _, err := m.states.Initialize(ctx, op); err != nil {
				m.releaseAllocation(inst)
				return err
			}
			running, err := m.operations.UpdateStatus(ctx, op.ID, domain.OperationStatusQueued, domain.OperationStatusRunning, "")
			if err != nil {
				m.releaseAllocation(inst)
				return m.statusError(err, op.ID)
			}
			inst.setOperation(running)
			m.metrics.OperationTransition(string(running.Status))
			m.publish(ctx, domain.TopicOperationStarted, running, map[string]any{"resumed": true})
		} else {
			if _, err := m.states.Restore(ctx, op.ID); err != nil {
				if errors.Is(err, repo.ErrNotFound) {
					_, err = m.states.Initialize(ctx, op)
				}
				if err != nil {
					return err
				}
			}
		}
		if err := m.loadAttempts(ctx, inst); err != nil {
			return err
		}

	case domain.OperationStatusFailed, domain.OperationStatusCompensating:
		if _, err := m.states.Restore(ctx, op.ID); err != nil {
			return err
		}
	}

	if err := m.operations.IncrementRetryCount(ctx, op.ID); err != nil {
		m.logger.Warn("increment retry count failed", "operation_id", op.ID, "error", err)
	}
	m.logger.Info("resuming operation", "operation_id", op.ID, "status", op.Status)
	m.launch(inst)
	started = true
	return nil
}

func (m *Manager) loadAttempts(ctx context.Context, inst *instance) error {
	attempts, err := m.states.Attempts(ctx, inst.id)
	if err != nil {
		return fmt.Errorf("%w: list attempts: %v", domain.ErrPersistence, err)
	}
	for _, a := range attempts {
		inst.observeAttempt(a.StepID, a.Attempt)
	}
	return nil
}
