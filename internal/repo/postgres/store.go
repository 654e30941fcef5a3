package postgres

import (
	"database/sql"

	"github.com/animus-labs/animus-orchestrator/internal/repo"
)

// Store exposes every postgres-backed repository over one connection pool.
type Store struct {
	operations    *OperationStore
	states        *StateStore
	stepResults   *StepResultStore
	allocations   *AllocationStore
	compensations *CompensationStore
	events        *EventStore
}

func NewStore(db *sql.DB) *Store {
	if db == nil {
		return nil
	}
	return &Store{
		operations:    NewOperationStore(db),
		states:        NewStateStore(db),
		stepResults:   NewStepResultStore(db),
		allocations:   NewAllocationStore(db),
		compensations: NewCompensationStore(db),
		events:        NewEventStore(db),
	}
}

func (s *Store) Operations() repo.OperationRepository       { return s.operations }
func (s *Store) States() repo.StateRepository               { return s.states }
func (s *Store) StepResults() repo.StepResultRepository     { return s.stepResults }
func (s *Store) Allocations() repo.AllocationRepository     { return s.allocations }
func (s *Store) Compensations() repo.CompensationRepository { return s.compensations }
func (s *Store) Events() repo.EventRepository               { return s.events }
