// Package memory is an in-process implementation of the repositories, used by
// tests and by the orchestrator when ORCH_STORE=memory.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
	"github.com/animus-labs/animus-orchestrator/internal/repo"
)

type resultKey struct {
	operationID string
	stepID      string
	attempt     int
}

// Store keeps every table in maps behind a single mutex.
type Store struct {
	mu          sync.Mutex
	operations  map[string]domain.Operation
	states      map[string]domain.OperationState
	checkpoints map[string][]domain.Checkpoint
	results     map[string][]domain.StepResult
	resultKeys  map[resultKey]struct{}
	allocations map[string]domain.ResourceAllocation
	plans       map[string]domain.CompensationPlan
	events      []domain.StoredEvent

	failCommits bool
}

func New() *Store {
	return &Store{
		operations:  map[string]domain.Operation{},
		states:      map[string]domain.OperationState{},
		checkpoints: map[string][]domain.Checkpoint{},
		results:     map[string][]domain.StepResult{},
		resultKeys:  map[resultKey]struct{}{},
		allocations: map[string]domain.ResourceAllocation{},
		plans:       map[string]domain.CompensationPlan{},
	}
}

func (s *Store) Operations() repo.OperationRepository       { return s }
func (s *Store) States() repo.StateRepository               { return s }
func (s *Store) StepResults() repo.StepResultRepository     { return s }
func (s *Store) Allocations() repo.AllocationRepository     { return s }
func (s *Store) Compensations() repo.CompensationRepository { return s }
func (s *Store) Events() repo.EventRepository               { return s }

// SetFailCommits makes CommitState and AppendCheckpoint fail, simulating an
// unavailable database.
func (s *Store) SetFailCommits(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCommits = fail
}

func (s *Store) Create(ctx context.Context, op domain.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(op.ID) == "" {
		return fmt.Errorf("operation id is required")
	}
	if _, exists := s.operations[op.ID]; exists {
		return repo.ErrConflict
	}
	s.operations[op.ID] = op
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (domain.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.operations[id]
	if !ok {
		return domain.Operation{}, repo.ErrNotFound
	}
	return op, nil
}

func (s *Store) List(ctx context.Context, filter repo.OperationFilter) ([]domain.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Operation, 0)
	for _, op := range s.operations {
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, op.Status) {
			continue
		}
		if filter.OwnerID != "" && op.OwnerID != filter.OwnerID {
			continue
		}
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) UpdateStatus(ctx context.Context, id string, from, to domain.OperationStatus, lastError string) (domain.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.operations[id]
	if !ok {
		return domain.Operation{}, repo.ErrNotFound
	}
	if op.Status != from {
		return domain.Operation{}, repo.ErrConflict
	}
	op.Status = to
	if lastError != "" {
		op.LastError = lastError
	}
	op.UpdatedAt = time.Now().UTC()
	s.operations[id] = op
	return op, nil
}

func (s *Store) IncrementRetryCount(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.operations[id]
	if !ok {
		return repo.ErrNotFound
	}
	op.Metadata.RetryCount++
	op.UpdatedAt = time.Now().UTC()
	s.operations[id] = op
	return nil
}

func (s *Store) GetState(ctx context.Context, operationID string) (domain.OperationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[operationID]
	if !ok {
		return domain.OperationState{}, repo.ErrNotFound
	}
	return st.Clone(), nil
}

func (s *Store) CommitState(ctx context.Context, state domain.OperationState, checkpoint *domain.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCommits {
		return fmt.Errorf("commit state: database unavailable")
	}
	if checkpoint != nil {
		s.checkpoints[checkpoint.OperationID] = append(s.checkpoints[checkpoint.OperationID], *checkpoint)
	}
	s.states[state.OperationID] = state.Clone()
	return nil
}

func (s *Store) AppendCheckpoint(ctx context.Context, checkpoint domain.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCommits {
		return fmt.Errorf("append checkpoint: database unavailable")
	}
	s.checkpoints[checkpoint.OperationID] = append(s.checkpoints[checkpoint.OperationID], checkpoint)
	return nil
}

func (s *Store) ListCheckpoints(ctx context.Context, operationID string) ([]domain.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.checkpoints[operationID]), nil
}

func (s *Store) LatestSnapshot(ctx context.Context, operationID string) (domain.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.checkpoints[operationID]
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].Type.CarriesSnapshot() {
			return list[i], nil
		}
	}
	return domain.Checkpoint{}, repo.ErrNotFound
}

func (s *Store) DeleteCheckpointsBefore(ctx context.Context, operationID string, sequence int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.checkpoints[operationID]
	kept := list[:0:0]
	var removed int64
	for _, cp := range list {
		if cp.Sequence < sequence {
			removed++
			continue
		}
		kept = append(kept, cp)
	}
	s.checkpoints[operationID] = kept
	return removed, nil
}

func (s *Store) InsertResult(ctx context.Context, result domain.StepResult) (domain.StepResult, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := resultKey{operationID: result.OperationID, stepID: result.StepID, attempt: result.Attempt}
	if _, exists := s.resultKeys[key]; exists {
		for _, existing := range s.results[result.OperationID] {
			if existing.StepID == result.StepID && existing.Attempt == result.Attempt {
				return existing, false, nil
			}
		}
	}
	s.resultKeys[key] = struct{}{}
	s.results[result.OperationID] = append(s.results[result.OperationID], result)
	return result, true, nil
}

func (s *Store) ListResults(ctx context.Context, operationID string) ([]domain.StepResult, error) {
	return s.ListResultsAfter(ctx, operationID, -1)
}

func (s *Store) ListResultsAfter(ctx context.Context, operationID string, sequence int64) ([]domain.StepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.StepResult, 0)
	for _, result := range s.results[operationID] {
		if result.Sequence > sequence {
			out = append(out, result)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (s *Store) CreateAllocation(ctx context.Context, alloc domain.ResourceAllocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.allocations[alloc.ID]; exists {
		return repo.ErrConflict
	}
	s.allocations[alloc.ID] = alloc
	return nil
}

func (s *Store) ReleaseAllocation(ctx context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	alloc, ok := s.allocations[id]
	if !ok {
		return false, repo.ErrNotFound
	}
	if alloc.Released() {
		return false, nil
	}
	at = at.UTC()
	alloc.ReleasedAt = &at
	s.allocations[id] = alloc
	return true, nil
}

func (s *Store) ListActiveAllocations(ctx context.Context) ([]domain.ResourceAllocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ResourceAllocation, 0)
	for _, alloc := range s.allocations {
		if !alloc.Released() {
			out = append(out, alloc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AllocatedAt.Before(out[j].AllocatedAt) })
	return out, nil
}

func (s *Store) SavePlan(ctx context.Context, plan domain.CompensationPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	plan.Actions = slices.Clone(plan.Actions)
	s.plans[plan.ID] = plan
	return nil
}

func (s *Store) GetPlan(ctx context.Context, id string) (domain.CompensationPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	plan, ok := s.plans[id]
	if !ok {
		return domain.CompensationPlan{}, repo.ErrNotFound
	}
	plan.Actions = slices.Clone(plan.Actions)
	return plan, nil
}

func (s *Store) GetPlanByOperation(ctx context.Context, operationID string) (domain.CompensationPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *domain.CompensationPlan
	for _, plan := range s.plans {
		if plan.OperationID != operationID {
			continue
		}
		if found == nil || plan.CreatedAt.After(found.CreatedAt) {
			p := plan
			found = &p
		}
	}
	if found == nil {
		return domain.CompensationPlan{}, repo.ErrNotFound
	}
	found.Actions = slices.Clone(found.Actions)
	return *found, nil
}

func (s *Store) AppendEvent(ctx context.Context, event domain.Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	seq := int64(len(s.events) + 1)
	s.events = append(s.events, domain.StoredEvent{Seq: seq, Event: event})
	return seq, nil
}

func (s *Store) ListEvents(ctx context.Context, filter repo.EventFilter) ([]domain.StoredEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.StoredEvent, 0)
	for _, event := range s.events {
		if event.Seq <= filter.AfterID {
			continue
		}
		if filter.OperationID != "" && event.OperationID != filter.OperationID {
			continue
		}
		out = append(out, event)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}
