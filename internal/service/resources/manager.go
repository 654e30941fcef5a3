package resources

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
	"github.com/animus-labs/animus-orchestrator/internal/metrics"
	"github.com/animus-labs/animus-orchestrator/internal/repo"
)

// Denial reasons reported by Check.
const (
	ReasonInvalidRequest          = "invalid_request"
	ReasonMaxConcurrentOperations = "max_concurrent_operations"
	ReasonCPUQuota                = "cpu_quota_exceeded"
	ReasonMemoryQuota             = "memory_quota_exceeded"
)

// Quotas bound aggregate usage. A zero CPU or memory quota is unlimited.
type Quotas struct {
	MaxConcurrentOperations int
	MaxCPU                  float64
	MaxMemoryMB             int64
	MaxConcurrentSteps      int
}

func (q Quotas) Validate() error {
	if q.MaxConcurrentOperations < 1 {
		return errors.New("max concurrent operations must be >= 1")
	}
	if q.MaxCPU < 0 {
		return errors.New("max cpu must be >= 0")
	}
	if q.MaxMemoryMB < 0 {
		return errors.New("max memory must be >= 0")
	}
	if q.MaxConcurrentSteps < 1 {
		return errors.New("max concurrent steps must be >= 1")
	}
	return nil
}

// Availability is the outcome of an admission check. CPU and MemoryMB are the
// amounts that would be reserved.
type Availability struct {
	Available bool
	CPU       float64
	MemoryMB  int64
	Reason    string
}

type Usage struct {
	ActiveOperations int
	CPU              float64
	MemoryMB         int64
	StepsInFlight    int64
	Quotas           Quotas
}

// Manager owns every resource counter. Check and reserve share one critical
// section so concurrent admissions cannot exceed the quotas.
type Manager struct {
	quotas  Quotas
	store   repo.AllocationRepository
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu          sync.Mutex
	active      map[string]domain.ResourceAllocation
	byOperation map[string]string
	cpu         float64
	memoryMB    int64

	steps         *semaphore.Weighted
	stepsInFlight atomic.Int64
}

func New(quotas Quotas, store repo.AllocationRepository, logger *slog.Logger, m *metrics.Metrics) (*Manager, error) {
	if err := quotas.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("allocation repository is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		quotas:      quotas,
		store:       store,
		logger:      logger,
		metrics:     m,
		active:      map[string]domain.ResourceAllocation{},
		byOperation: map[string]string{},
		steps:       semaphore.NewWeighted(int64(quotas.MaxConcurrentSteps)),
	}, nil
}

// Check is a pure admission decision against current usage.
func (m *Manager) Check(req domain.ResourceRequest) Availability {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkLocked(req)
}

func (m *Manager) checkLocked(req domain.ResourceRequest) Availability {
	out := Availability{CPU: req.CPU, MemoryMB: req.MemoryMB}
	switch {
	case req.CPU < 0 || req.MemoryMB < 0:
		out.Reason = ReasonInvalidRequest
	case len(m.active) >= m.quotas.MaxConcurrentOperations:
		out.Reason = ReasonMaxConcurrentOperations
	case m.quotas.MaxCPU > 0 && m.cpu+req.CPU > m.quotas.MaxCPU:
		out.Reason = ReasonCPUQuota
	case m.quotas.MaxMemoryMB > 0 && m.memoryMB+req.MemoryMB > m.quotas.MaxMemoryMB:
		out.Reason = ReasonMemoryQuota
	default:
		out.Available = true
	}
	return out
}

// Allocate re-validates and reserves in one step, then persists the
// allocation. A persistence failure undoes the reservation.
func (m *Manager) Allocate(ctx context.Context, operationID string, req domain.ResourceRequest) (domain.ResourceAllocation, error) {
	operationID = strings.TrimSpace(operationID)
	if operationID == "" {
		return domain.ResourceAllocation{}, errors.New("operation id is required")
	}

	m.mu.Lock()
	if existingID, ok := m.byOperation[operationID]; ok {
		alloc := m.active[existingID]
		m.mu.Unlock()
		return alloc, nil
	}
	availability := m.checkLocked(req)
	if !availability.Available {
		m.mu.Unlock()
		m.metrics.Denied(availability.Reason)
		return domain.ResourceAllocation{}, fmt.Errorf("%w: %s", domain.ErrResourceUnavailable, availability.Reason)
	}
	alloc := domain.ResourceAllocation{
		ID:          uuid.NewString(),
		OperationID: operationID,
		CPU:         req.CPU,
		MemoryMB:    req.MemoryMB,
		AllocatedAt: time.Now().UTC(),
	}
	m.reserveLocked(alloc)
	m.mu.Unlock()

	if err := m.store.CreateAllocation(ctx, alloc); err != nil {
		m.mu.Lock()
		m.unreserveLocked(alloc.ID)
		m.mu.Unlock()
		return domain.ResourceAllocation{}, fmt.Errorf("%w: persist allocation: %v", domain.ErrPersistence, err)
	}
	m.logger.Info("resources allocated",
		"operation_id", operationID,
		"allocation_id", alloc.ID,
		"cpu", alloc.CPU,
		"memory_mb", alloc.MemoryMB,
	)
	return alloc, nil
}

// Release is idempotent: releasing an already released allocation is a no-op.
func (m *Manager) Release(ctx context.Context, allocationID string) error {
	allocationID = strings.TrimSpace(allocationID)
	if allocationID == "" {
		return nil
	}
	m.mu.Lock()
	_, held := m.active[allocationID]
	m.unreserveLocked(allocationID)
	m.mu.Unlock()

	released, err := m.store.ReleaseAllocation(ctx, allocationID, time.Now().UTC())
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) && held {
			return nil
		}
		return fmt.Errorf("release allocation: %w", err)
	}
	if released || held {
		m.logger.Info("resources released", "allocation_id", allocationID)
	}
	return nil
}

// AllocationFor returns the live allocation of an operation.
func (m *Manager) AllocationFor(operationID string) (domain.ResourceAllocation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byOperation[operationID]
	if !ok {
		return domain.ResourceAllocation{}, false
	}
	return m.active[id], true
}

// Adopt loads allocations left active by a previous process. They were
// admitted before, so they are reserved even if quotas have shrunk since.
func (m *Manager) Adopt(ctx context.Context) ([]domain.ResourceAllocation, error) {
	allocs, err := m.store.ListActiveAllocations(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active allocations: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, alloc := range allocs {
		if _, ok := m.active[alloc.ID]; ok {
			continue
		}
		m.reserveLocked(alloc)
	}
	return allocs, nil
}

func (m *Manager) Usage() Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Usage{
		ActiveOperations: len(m.active),
		CPU:              m.cpu,
		MemoryMB:         m.memoryMB,
		StepsInFlight:    m.stepsInFlight.Load(),
		Quotas:           m.quotas,
	}
}

// AcquireStepSlot blocks until the global step worker pool has room or ctx
// ends. The returned func frees the slot.
func (m *Manager) AcquireStepSlot(ctx context.Context) (func(), error) {
	if err := m.steps.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	m.stepsInFlight.Add(1)
	m.metrics.StepInFlight(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			m.stepsInFlight.Add(-1)
			m.metrics.StepInFlight(-1)
			m.steps.Release(1)
		})
	}, nil
}

func (m *Manager) reserveLocked(alloc domain.ResourceAllocation) {
	m.active[alloc.ID] = alloc
	m.byOperation[alloc.OperationID] = alloc.ID
	m.cpu += alloc.CPU
	m.memoryMB += alloc.MemoryMB
	m.metrics.ResourceUsage(m.cpu, m.memoryMB)
}

func (m *Manager) unreserveLocked(id string) {
	alloc, ok := m.active[id]
	if !ok {
		return
	}
	delete(m.active, id)
	if m.byOperation[alloc.OperationID] == id {
		delete(m.byOperation, alloc.OperationID)
	}
	m.cpu -= alloc.CPU
	if m.cpu < 1e-9 {
		m.cpu = 0
	}
	m.memoryMB -= alloc.MemoryMB
	m.metrics.ResourceUsage(m.cpu, m.memoryMB)
}
