package operations

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
	"github.com/animus-labs/animus-orchestrator/internal/events"
	"github.com/animus-labs/animus-orchestrator/internal/execution/executor"
	"github.com/animus-labs/animus-orchestrator/internal/execution/plan"
	"github.com/animus-labs/animus-orchestrator/internal/metrics"
	"github.com/animus-labs/animus-orchestrator/internal/repo"
	"github.com/animus-labs/animus-orchestrator/internal/service/compensation"
	"github.com/animus-labs/animus-orchestrator/internal/service/opstate"
	"github.com/animus-labs/animus-orchestrator/internal/service/resources"
)

var ErrShuttingDown = errors.New("operation manager is shutting down")

type Config struct {
	Operations   repo.OperationRepository
	States       *opstate.Manager
	Resources    *resources.Manager
	Executor     *executor.Executor
	Compensation *compensation.Service
	Publisher    events.Publisher
	Logger       *slog.Logger
	Metrics      *metrics.Metrics

	// TerminalCacheSize bounds the cache of finished operations served by Get.
	TerminalCacheSize int
	// CheckpointKeep compacts an operation's checkpoint log down to this many
	// entries once it finishes. Zero keeps everything.
	CheckpointKeep int
}

type CreateInput struct {
	Type     domain.OperationType
	OwnerID  string
	Plan     domain.ExecutionPlan
	Context  domain.ExecutionContext
	Metadata domain.OperationMetadata
}

type Manager struct {
	operations   repo.OperationRepository
	states       *opstate.Manager
	resources    *resources.Manager
	executor     *executor.Executor
	compensation *compensation.Service
	publisher    events.Publisher
	logger       *slog.Logger
	metrics      *metrics.Metrics
	terminal     *lru.Cache[string, domain.Operation]
	keep         int
	now          func() time.Time

	mu        sync.Mutex
	instances map[string]*instance
	draining  bool
	wg        sync.WaitGroup
}

func New(cfg Config) (*Manager, error) {
	switch {
	case cfg.Operations == nil:
		return nil, errors.New("operation repository is required")
	case cfg.States == nil:
		return nil, errors.New("state manager is required")
	case cfg.Resources == nil:
		return nil, errors.New("resource manager is required")
	case cfg.Executor == nil:
		return nil, errors.New("step executor is required")
	case cfg.Compensation == nil:
		return nil, errors.New("compensation service is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	size := cfg.TerminalCacheSize
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New[string, domain.Operation](size)
	if err != nil {
		return nil, fmt.Errorf("terminal cache: %w", err)
	}
	return &Manager{
		operations:   cfg.Operations,
		states:       cfg.States,
		resources:    cfg.Resources,
		executor:     cfg.Executor,
		compensation: cfg.Compensation,
		publisher:    cfg.Publisher,
		logger:       logger,
		metrics:      cfg.Metrics,
		terminal:     cache,
		keep:         cfg.CheckpointKeep,
		now:          func() time.Time { return time.Now().UTC() },
		instances:    map[string]*instance{},
	}, nil
}

// Create validates the plan and persists a PENDING operation.
func (m *Manager) Create(ctx context.Context, in CreateInput) (domain.Operation, error) {
	verr := &plan.ValidationError{}
	opType := domain.NormalizeOperationType(string(in.Type))
	if opType == "" {
		verr.Add(fmt.Sprintf("unknown operation type %q", in.Type))
	}
	if in.Context.Resources.CPU < 0 || in.Context.Resources.MemoryMB < 0 {
		verr.Add("resource requests must be >= 0")
	}
	if in.Context.Timeout < 0 {
		verr.Add("operation timeout must be >= 0")
	}
	if err := plan.Validate(in.Plan); err != nil {
		var planErr *plan.ValidationError
		if errors.As(err, &planErr) {
			for _, issue := range planErr.Issues {
				verr.Add(issue)
			}
		} else {
			verr.Add(err.Error())
		}
	}
	if err := verr.OrNil(); err != nil {
		return domain.Operation{}, err
	}

	now := m.now()
	op := domain.Operation{
		ID:                uuid.NewString(),
		Type:              opType,
		OwnerID:           strings.TrimSpace(in.OwnerID),
		Status:            domain.OperationStatusPending,
		Plan:              in.Plan,
		Context:           in.Context,
		Metadata:          in.Metadata,
		EstimatedDuration: domain.EstimateDuration(in.Plan),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := m.operations.Create(ctx, op); err != nil {
		return domain.Operation{}, fmt.Errorf("%w: create operation: %v", domain.ErrPersistence, err)
	}
	m.metrics.OperationTransition(string(op.Status))
	m.logger.Info("operation created",
		"operation_id", op.ID,
		"type", op.Type,
		"owner_id", op.OwnerID,
		"steps", len(op.Plan.Steps),
	)
	m.publish(ctx, domain.TopicOperationCreated, op, nil)
	return op, nil
}

// Start admits a PENDING operation and runs it in the background. A denied
// admission returns domain.ErrResourceUnavailable and leaves the operation
// PENDING.
func (m *Manager) Start(ctx context.Context, id string) (domain.Operation, error) {
	op, err := m.operations.Get(ctx, id)
	if err != nil {
		return domain.Operation{}, err
	}
	if op.Status != domain.OperationStatusPending {
		if op.Status == domain.OperationStatusQueued || op.Status == domain.OperationStatusRunning {
			return op, fmt.Errorf("%w: %s", domain.ErrAlreadyRunning, op.Status)
		}
		return op, fmt.Errorf("%w: cannot start operation in status %s", domain.ErrInvalidTransition, op.Status)
	}

	inst, err := m.claim(op)
	if err != nil {
		return op, err
	}
	started := false
	defer func() {
		if !started {
			m.unclaim(inst)
		}
	}()

	alloc, err := m.resources.Allocate(ctx, op.ID, op.Context.Resources)
	if err != nil {
		m.logger.Info("operation admission denied", "operation_id", op.ID, "error", err)
		return op, err
	}
	inst.allocation = alloc

	queued, err := m.operations.UpdateStatus(ctx, op.ID, domain.OperationStatusPending, domain.OperationStatusQueued, "")
	if err != nil {
		m.releaseAllocation(inst)
		return op, m.statusError(err, op.ID)
	}
	inst.setOperation(queued)
	m.metrics.OperationTransition(string(queued.Status))
	m.publish(ctx, domain.TopicOperationQueued, queued, nil)

	if _, err := m.states.Initialize(ctx, queued); err != nil {
		m.releaseAllocation(inst)
		return queued, err
	}

	running, err := m.operations.UpdateStatus(ctx, op.ID, domain.OperationStatusQueued, domain.OperationStatusRunning, "")
	if err != nil {
		m.releaseAllocation(inst)
		return queued, m.statusError(err, op.ID)
	}
	inst.setOperation(running)
	m.metrics.OperationTransition(string(running.Status))
	m.publish(ctx, domain.TopicOperationStarted, running, map[string]any{"allocation_id": alloc.ID})

	m.launch(inst)
	started = true
	return running, nil
}

// Cancel stops an operation. PENDING and QUEUED operations are cancelled
// immediately. A RUNNING operation stops dispatching new groups and lets the
// in-flight steps finish before it becomes CANCELLED.
func (m *Manager) Cancel(ctx context.Context, id string) (domain.Operation, error) {
	for attempt := 0; attempt < 3; attempt++ {
		op, err := m.operations.Get(ctx, id)
		if err != nil {
			return domain.Operation{}, err
		}
		switch op.Status {
		case domain.OperationStatusPending, domain.OperationStatusQueued:
			if inst, ok := m.instance(id); ok {
				inst.requestCancel()
			}
			cancelled, err := m.operations.UpdateStatus(ctx, id, op.Status, domain.OperationStatusCancelled, "cancelled")
			if errors.Is(err, repo.ErrConflict) {
				continue
			}
			if err != nil {
				return op, fmt.Errorf("%w: cancel operation: %v", domain.ErrPersistence, err)
			}
			m.finishedOutsideLoop(ctx, cancelled)
			return cancelled, nil

		case domain.OperationStatusRunning:
			inst, ok := m.instance(id)
			if !ok {
				// Halted or never resumed: nothing will observe the flag.
				cancelled, err := m.operations.UpdateStatus(ctx, id, op.Status, domain.OperationStatusCancelled, "cancelled")
				if errors.Is(err, repo.ErrConflict) {
					continue
				}
				if err != nil {
					return op, fmt.Errorf("%w: cancel operation: %v", domain.ErrPersistence, err)
				}
				if alloc, held := m.resources.AllocationFor(id); held {
					_ = m.resources.Release(ctx, alloc.ID)
				}
				m.finishedOutsideLoop(ctx, cancelled)
				return cancelled, nil
			}
			inst.requestCancel()
			signalled := m.executor.CancelOperation(id)
			m.logger.Info("operation cancellation requested", "operation_id", id, "in_flight_steps", signalled)
			return inst.operation(), nil

		default:
			return op, fmt.Errorf("%w: cannot cancel operation in status %s", domain.ErrInvalidTransition, op.Status)
		}
	}
	return domain.Operation{}, fmt.Errorf("%w: operation %s changed concurrently", repo.ErrConflict, id)
}

// Get never blocks on in-flight work.
func (m *Manager) Get(ctx context.Context, id string) (domain.Operation, error) {
	if op, ok := m.terminal.Get(id); ok {
		return op, nil
	}
	op, err := m.operations.Get(ctx, id)
	if err != nil {
		return domain.Operation{}, err
	}
	if op.Status.IsTerminal() {
		m.terminal.Add(id, op)
	}
	return op, nil
}

func (m *Manager) GetState(ctx context.Context, id string) (domain.OperationState, error) {
	return m.states.Get(ctx, id)
}

func (m *Manager) List(ctx context.Context, filter repo.OperationFilter) ([]domain.Operation, error) {
	return m.operations.List(ctx, filter)
}

// Wait blocks until the operation's scheduler loop exits or ctx ends, then
// returns the operation.
func (m *Manager) Wait(ctx context.Context, id string) (domain.Operation, error) {
	if inst, ok := m.instance(id); ok {
		select {
		case <-inst.done:
		case <-ctx.Done():
			return domain.Operation{}, ctx.Err()
		}
	}
	return m.Get(ctx, id)
}

func (m *Manager) StepStatus(id, stepID string) (executor.StepInfo, bool) {
	return m.executor.StepStatus(id, stepID)
}

// CancelStep forwards a step-level cancellation to the executor.
func (m *Manager) CancelStep(id, stepID string, force bool) bool {
	if force {
		return m.executor.ForceStopStep(id, stepID)
	}
	return m.executor.CancelStep(id, stepID)
}

func (m *Manager) Compensation(ctx context.Context, id string) (domain.CompensationPlan, error) {
	return m.compensation.PlanFor(ctx, id)
}

func (m *Manager) Usage() resources.Usage {
	return m.resources.Usage()
}

// Shutdown stops accepting work and waits for scheduler loops to reach a group
// boundary. Loops stopped this way stay RUNNING and are resumed by Recover.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.draining = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) isDraining() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.draining
}

// claim registers the single in-process owner of an operation.
func (m *Manager) claim(op domain.Operation) (*instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.draining {
		return nil, ErrShuttingDown
	}
	if _, exists := m.instances[op.ID]; exists {
		return nil, fmt.Errorf("%w: %s", domain.ErrAlreadyRunning, op.ID)
	}
	inst := newInstance(op)
	m.instances[op.ID] = inst
	return inst, nil
}

func (m *Manager) unclaim(inst *instance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.instances[inst.id] == inst {
		delete(m.instances, inst.id)
	}
	if inst.cancel != nil {
		inst.cancel()
	}
}

func (m *Manager) instance(id string) (*instance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	return inst, ok
}

// launch starts the scheduler loop; the operation timeout counts from here.
func (m *Manager) launch(inst *instance) {
	op := inst.operation()
	if op.Context.Timeout > 0 {
		inst.ctx, inst.cancel = context.WithTimeout(context.Background(), op.Context.Timeout)
	} else {
		inst.ctx, inst.cancel = context.WithCancel(context.Background())
	}
	m.wg.Add(1)
	m.metrics.OperationActive(1)
	go func() {
		defer m.wg.Done()
		defer m.metrics.OperationActive(-1)
		defer close(inst.done)
		defer m.unclaim(inst)
		m.run(inst)
	}()
}

func (m *Manager) releaseAllocation(inst *instance) {
	if inst.allocation.ID == "" {
		return
	}
	if err := m.resources.Release(context.Background(), inst.allocation.ID); err != nil {
		m.logger.Warn("release allocation failed", "operation_id", inst.id, "allocation_id", inst.allocation.ID, "error", err)
		return
	}
	inst.allocation = domain.ResourceAllocation{}
}

func (m *Manager) finishedOutsideLoop(ctx context.Context, op domain.Operation) {
	m.metrics.OperationTransition(string(op.Status))
	m.terminal.Add(op.ID, op)
	m.logger.Info("operation cancelled", "operation_id", op.ID)
	m.publish(ctx, domain.TopicOperationCancelled, op, nil)
}

func (m *Manager) statusError(err error, id string) error {
	if errors.Is(err, repo.ErrConflict) {
		return fmt.Errorf("%w: operation %s changed status concurrently", repo.ErrConflict, id)
	}
	return fmt.Errorf("%w: update status: %v", domain.ErrPersistence, err)
}

func (m *Manager) publish(ctx context.Context, topic string, op domain.Operation, data map[string]any) {
	m.emit(ctx, domain.Event{
		Topic:       topic,
		OperationID: op.ID,
		Status:      string(op.Status),
		Data:        data,
	})
}

func (m *Manager) emit(ctx context.Context, event domain.Event) {
	if m.publisher != nil {
		m.publisher.Publish(ctx, event)
	}
}
