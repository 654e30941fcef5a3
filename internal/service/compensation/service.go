// Package compensation rolls back the completed steps of a failed operation.
package compensation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
	"github.com/animus-labs/animus-orchestrator/internal/events"
	"github.com/animus-labs/animus-orchestrator/internal/execution/executor"
	"github.com/animus-labs/animus-orchestrator/internal/metrics"
	"github.com/animus-labs/animus-orchestrator/internal/repo"
)

// StateSource reads the state whose completed steps are rolled back.
type StateSource interface {
	Get(ctx context.Context, operationID string) (domain.OperationState, error)
}

// Checkpointer records a COMPENSATION checkpoint per finished action.
type Checkpointer interface {
	SaveCheckpoint(ctx context.Context, operationID string, cpType domain.CheckpointType, stepID string, data []byte) (domain.Checkpoint, error)
}

type Config struct {
	Plans        repo.CompensationRepository
	Operations   repo.OperationRepository
	States       StateSource
	Checkpointer Checkpointer
	Handlers     *executor.Registry
	Publisher    events.Publisher
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
	// RetryInterval is the pause between attempts of one action.
	RetryInterval  time.Duration
	DefaultTimeout time.Duration
}

type Service struct {
	plans          repo.CompensationRepository
	operations     repo.OperationRepository
	states         StateSource
	checkpointer   Checkpointer
	handlers       *executor.Registry
	publisher      events.Publisher
	logger         *slog.Logger
	metrics        *metrics.Metrics
	retryInterval  time.Duration
	defaultTimeout time.Duration
	now            func() time.Time
}

// Result summarises one Execute call.
type Result struct {
	PlanID       string
	Status       domain.CompensationStatus
	Executed     []string
	Failed       []string
	Irreversible []string
}

func New(cfg Config) (*Service, error) {
	if cfg.Plans == nil || cfg.Operations == nil || cfg.States == nil {
		return nil, errors.New("plan, operation and state sources are required")
	}
	if cfg.Handlers == nil {
		return nil, errors.New("handler registry is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retry := cfg.RetryInterval
	if retry <= 0 {
		retry = 500 * time.Millisecond
	}
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Service{
		plans:          cfg.Plans,
		operations:     cfg.Operations,
		states:         cfg.States,
		checkpointer:   cfg.Checkpointer,
		handlers:       cfg.Handlers,
		publisher:      cfg.Publisher,
		logger:         logger,
		metrics:        cfg.Metrics,
		retryInterval:  retry,
		defaultTimeout: timeout,
		now:            func() time.Time { return time.Now().UTC() },
	}, nil
}

// CreatePlan lists one action per completed step, most recently completed
// first. Steps without a declared compensation are kept as irreversible
// actions. An operation has at most one plan; an existing plan is returned.
func (s *Service) CreatePlan(ctx context.Context, operationID string) (domain.CompensationPlan, error) {
	if existing, err := s.plans.GetPlanByOperation(ctx, operationID); err == nil {
		return existing, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.CompensationPlan{}, fmt.Errorf("load compensation plan: %w", err)
	}

	op, err := s.operations.Get(ctx, operationID)
	if err != nil {
		return domain.CompensationPlan{}, fmt.Errorf("load operation: %w", err)
	}
	st, err := s.states.Get(ctx, operationID)
	if err != nil {
		return domain.CompensationPlan{}, fmt.Errorf("load state: %w", err)
	}

	completed := slices.Clone(st.CompletedSteps)
	slices.Reverse(completed)
	plan := domain.CompensationPlan{
		ID:          uuid.NewString(),
		OperationID: operationID,
		Actions:     make([]domain.CompensationAction, 0, len(completed)),
		Status:      domain.CompensationPending,
		CreatedAt:   s.now(),
	}
	for _, stepID := range completed {
		step, ok := op.Plan.Step(stepID)
		if !ok {
			continue
		}
		action := domain.CompensationAction{StepID: stepID, Status: domain.CompensationPending}
		if step.Compensation == nil || step.Compensation.Type == "" {
			action.Irreversible = true
		} else {
			action.Type = step.Compensation.Type
			action.Params = step.Compensation.Params
			action.MaxAttempts = max(1, step.Compensation.MaxAttempts)
			action.Timeout = step.Compensation.Timeout
		}
		plan.Actions = append(plan.Actions, action)
	}

	if err := s.plans.SavePlan(ctx, plan); err != nil {
		return domain.CompensationPlan{}, fmt.Errorf("%w: save compensation plan: %v", domain.ErrPersistence, err)
	}
	s.logger.Info("compensation plan created",
		"operation_id", operationID,
		"plan_id", plan.ID,
		"actions", len(plan.Actions),
	)
	return plan, nil
}

// Execute runs the plan's actions one after another in plan order. A failed
// action is recorded and the next one still runs. Actions that already
// succeeded in an earlier call are not run again. The error is non-nil only
// when plan progress could not be persisted.
func (s *Service) Execute(ctx context.Context, plan domain.CompensationPlan) (Result, error) {
	result := Result{PlanID: plan.ID}
	if plan.Status == domain.CompensationCompleted || plan.Status == domain.CompensationCompletedWithErrs {
		return summarize(plan), nil
	}

	plan.Actions = slices.Clone(plan.Actions)
	plan.Status = domain.CompensationRunning
	if err := s.save(ctx, plan); err != nil {
		return result, err
	}
	s.publish(ctx, domain.Event{
		Topic:       domain.TopicCompensationStarted,
		OperationID: plan.OperationID,
		Status:      string(plan.Status),
		Data:        map[string]any{"plan_id": plan.ID, "actions": len(plan.Actions)},
	})

	var variables map[string]any
	if st, err := s.states.Get(ctx, plan.OperationID); err == nil {
		variables = st.Variables
	}

	for i := range plan.Actions {
		action := &plan.Actions[i]
		switch action.Status {
		case domain.CompensationSucceeded, domain.CompensationSkipped, domain.CompensationFailed:
			continue
		}

		if action.Irreversible {
			action.Status = domain.CompensationSkipped
			s.logger.Warn("completed step has no compensation; leaving its effects in place",
				"operation_id", plan.OperationID,
				"step_id", action.StepID,
			)
		} else {
			attempts, err := s.runAction(ctx, plan.OperationID, *action, variables)
			action.Attempts += attempts
			if err != nil {
				action.Status = domain.CompensationFailed
				action.Error = err.Error()
				s.logger.Error("compensation action failed",
					"operation_id", plan.OperationID,
					"step_id", action.StepID,
					"attempts", action.Attempts,
					"error", err,
				)
				s.publish(ctx, domain.Event{
					Topic:       domain.TopicCompensationActionFailed,
					OperationID: plan.OperationID,
					StepID:      action.StepID,
					Status:      string(action.Status),
					Data:        map[string]any{"plan_id": plan.ID, "error": action.Error},
				})
			} else {
				action.Status = domain.CompensationSucceeded
			}
		}
		s.metrics.CompensationAction(string(action.Status))

		if err := s.save(ctx, plan); err != nil {
			return result, err
		}
		s.checkpoint(ctx, plan.OperationID, *action)
	}

	plan.Status = domain.CompensationCompleted
	for _, action := range plan.Actions {
		if action.Status == domain.CompensationFailed {
			plan.Status = domain.CompensationCompletedWithErrs
			break
		}
	}
	finished := s.now()
	plan.FinishedAt = &finished
	if err := s.save(ctx, plan); err != nil {
		return result, err
	}
	s.metrics.Compensation(string(plan.Status))

	result = summarize(plan)
	s.logger.Info("compensation finished",
		"operation_id", plan.OperationID,
		"plan_id", plan.ID,
		"status", plan.Status,
		"executed", len(result.Executed),
		"failed", len(result.Failed),
		"irreversible", len(result.Irreversible),
	)
	s.publish(ctx, domain.Event{
		Topic:       domain.TopicCompensationFinished,
		OperationID: plan.OperationID,
		Status:      string(plan.Status),
		Data: map[string]any{
			"plan_id":      plan.ID,
			"executed":     result.Executed,
			"failed":       result.Failed,
			"irreversible": result.Irreversible,
		},
	})
	return result, nil
}

func (s *Service) Status(ctx context.Context, planID string) (domain.CompensationPlan, error) {
	return s.plans.GetPlan(ctx, planID)
}

func (s *Service) PlanFor(ctx context.Context, operationID string) (domain.CompensationPlan, error) {
	return s.plans.GetPlanByOperation(ctx, operationID)
}

// runAction calls the compensation handler up to MaxAttempts times and
// returns how many attempts were made.
func (s *Service) runAction(ctx context.Context, operationID string, action domain.CompensationAction, variables map[string]any) (int, error) {
	handler, ok := s.handlers.Lookup(action.Type)
	if !ok {
		return 0, fmt.Errorf("%w: no handler registered for %q", domain.ErrCompensationActionFailed, action.Type)
	}
	timeout := action.Timeout
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}

	attempts := 0
	never := make(chan struct{})
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(s.retryInterval), uint64(max(0, action.MaxAttempts-1))), ctx)
	err := backoff.Retry(func() error {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		req := executor.Request{
			OperationID: operationID,
			StepID:      action.StepID,
			Attempt:     attempts,
			Params:      maps.Clone(action.Params),
			Variables:   maps.Clone(variables),
			Cancelled:   never,
			Report:      func(float64) {},
		}
		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- backoff.Permanent(fmt.Errorf("handler panic: %v", r))
				}
			}()
			_, err := handler.Execute(attemptCtx, req)
			done <- err
		}()

		select {
		case err := <-done:
			return err
		case <-attemptCtx.Done():
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("%w: compensation of %s exceeded %s", domain.ErrStepTimeout, action.StepID, timeout)
		}
	}, policy)
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		return attempts, fmt.Errorf("%w: %v", domain.ErrCompensationActionFailed, err)
	}
	return attempts, nil
}

func (s *Service) save(ctx context.Context, plan domain.CompensationPlan) error {
	if err := s.plans.SavePlan(ctx, plan); err != nil {
		return fmt.Errorf("%w: save compensation plan %s: %v", domain.ErrPersistence, plan.ID, err)
	}
	return nil
}

func (s *Service) checkpoint(ctx context.Context, operationID string, action domain.CompensationAction) {
	if s.checkpointer == nil {
		return
	}
	data, _ := json.Marshal(map[string]any{
		"stepId":   action.StepID,
		"status":   action.Status,
		"attempts": action.Attempts,
		"error":    action.Error,
	})
	if _, err := s.checkpointer.SaveCheckpoint(ctx, operationID, domain.CheckpointCompensation, action.StepID, data); err != nil {
		s.logger.Warn("compensation checkpoint failed", "operation_id", operationID, "step_id", action.StepID, "error", err)
	}
}

func (s *Service) publish(ctx context.Context, event domain.Event) {
	if s.publisher != nil {
		s.publisher.Publish(ctx, event)
	}
}

func summarize(plan domain.CompensationPlan) Result {
	out := Result{PlanID: plan.ID, Status: plan.Status}
	for _, action := range plan.Actions {
		switch {
		case action.Irreversible:
			out.Irreversible = append(out.Irreversible, action.StepID)
		case action.Status == domain.CompensationSucceeded:
			out.Executed = append(out.Executed, action.StepID)
		case action.Status == domain.CompensationFailed:
			out.Failed = append(out.Failed, action.StepID)
		}
	}
	return out
}
