package repo

import (
	"context"
	"time"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
)

type OperationFilter struct {
	Statuses []domain.OperationStatus
	OwnerID  string
	Limit    int
}

// OperationRepository manages operations. Everything except status, metadata
// counters and the last error is immutable after Create.
type OperationRepository interface {
	Create(ctx context.Context, op domain.Operation) error
	Get(ctx context.Context, id string) (domain.Operation, error)
	List(ctx context.Context, filter OperationFilter) ([]domain.Operation, error)
	// UpdateStatus moves an operation from one status to another. It returns
	// ErrConflict when the stored status no longer equals from.
	UpdateStatus(ctx context.Context, id string, from, to domain.OperationStatus, lastError string) (domain.Operation, error)
	IncrementRetryCount(ctx context.Context, id string) error
}

// StateRepository persists the authoritative OperationState and its
// append-only checkpoint log.
type StateRepository interface {
	GetState(ctx context.Context, operationID string) (domain.OperationState, error)
	// CommitState upserts the state row and, when checkpoint is non-nil,
	// appends it in the same transaction.
	CommitState(ctx context.Context, state domain.OperationState, checkpoint *domain.Checkpoint) error
	AppendCheckpoint(ctx context.Context, checkpoint domain.Checkpoint) error
	ListCheckpoints(ctx context.Context, operationID string) ([]domain.Checkpoint, error)
	// LatestSnapshot returns the most recent checkpoint whose data is a full
	// state snapshot.
	LatestSnapshot(ctx context.Context, operationID string) (domain.Checkpoint, error)
	// DeleteCheckpointsBefore removes checkpoints with a sequence lower than
	// the given one and returns how many were removed.
	DeleteCheckpointsBefore(ctx context.Context, operationID string, sequence int64) (int64, error)
}

// StepResultRepository is append-only; one row per attempt.
type StepResultRepository interface {
	// InsertResult is idempotent on (operation, step, attempt); the stored row
	// is returned with inserted=false when it already existed.
	InsertResult(ctx context.Context, result domain.StepResult) (domain.StepResult, bool, error)
	ListResults(ctx context.Context, operationID string) ([]domain.StepResult, error)
	ListResultsAfter(ctx context.Context, operationID string, sequence int64) ([]domain.StepResult, error)
}

type AllocationRepository interface {
	CreateAllocation(ctx context.Context, alloc domain.ResourceAllocation) error
	// ReleaseAllocation stamps released_at once; it returns false when the
	// allocation was already released.
	ReleaseAllocation(ctx context.Context, id string, at time.Time) (bool, error)
	ListActiveAllocations(ctx context.Context) ([]domain.ResourceAllocation, error)
}

type CompensationRepository interface {
	SavePlan(ctx context.Context, plan domain.CompensationPlan) error
	GetPlan(ctx context.Context, id string) (domain.CompensationPlan, error)
	GetPlanByOperation(ctx context.Context, operationID string) (domain.CompensationPlan, error)
}

type EventFilter struct {
	OperationID string
	AfterID     int64
	Limit       int
}

// EventRepository is the append-only operation event log.
type EventRepository interface {
	AppendEvent(ctx context.Context, event domain.Event) (int64, error)
	ListEvents(ctx context.Context, filter EventFilter) ([]domain.StoredEvent, error)
}

// Store bundles every repository the orchestrator needs.
type Store interface {
	Operations() OperationRepository
	States() StateRepository
	StepResults() StepResultRepository
	Allocations() AllocationRepository
	Compensations() CompensationRepository
	Events() EventRepository
}
