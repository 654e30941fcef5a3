package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
	"github.com/animus-labs/animus-orchestrator/internal/repo"
)

type AllocationStore struct {
	db DB
}

const (
	insertAllocationQuery = `INSERT INTO resource_allocations (
		allocation_id, operation_id, cpu, memory_mb, allocated_at, released_at
	) VALUES ($1,$2,$3,$4,$5,NULL)`

	releaseAllocationQuery = `UPDATE resource_allocations
		SET released_at = $2
		WHERE allocation_id = $1 AND released_at IS NULL`

	allocationExistsQuery = `SELECT 1 FROM resource_allocations WHERE allocation_id = $1`

	listActiveAllocationsQuery = `SELECT allocation_id, operation_id, cpu, memory_mb, allocated_at, released_at
		FROM resource_allocations
		WHERE released_at IS NULL
		ORDER BY allocated_at ASC`
)

func NewAllocationStore(db DB) *AllocationStore {
	if db == nil {
		return nil
	}
	return &AllocationStore{db: db}
}

func (s *AllocationStore) CreateAllocation(ctx context.Context, alloc domain.ResourceAllocation) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("allocation store not initialized")
	}
	if strings.TrimSpace(alloc.ID) == "" {
		return fmt.Errorf("allocation id is required")
	}
	if strings.TrimSpace(alloc.OperationID) == "" {
		return fmt.Errorf("operation id is required")
	}
	_, err := s.db.ExecContext(ctx, insertAllocationQuery, alloc.ID, alloc.OperationID, alloc.CPU, alloc.MemoryMB, normalizeTime(alloc.AllocatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return repo.ErrConflict
		}
		return fmt.Errorf("insert allocation: %w", err)
	}
	return nil
}

func (s *AllocationStore) ReleaseAllocation(ctx context.Context, id string, at time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("allocation store not initialized")
	}
	id = strings.TrimSpace(id)
	res, err := s.db.ExecContext(ctx, releaseAllocationQuery, id, normalizeTime(at))
	if err != nil {
		return false, fmt.Errorf("release allocation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("release allocation: %w", err)
	}
	if n > 0 {
		return true, nil
	}
	var one int
	if err := s.db.QueryRowContext(ctx, allocationExistsQuery, id).Scan(&one); err != nil {
		return false, handleNotFound(err)
	}
	return false, nil
}

func (s *AllocationStore) ListActiveAllocations(ctx context.Context) ([]domain.ResourceAllocation, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("allocation store not initialized")
	}
	rows, err := s.db.QueryContext(ctx, listActiveAllocationsQuery)
	if err != nil {
		return nil, fmt.Errorf("list allocations: %w", err)
	}
	defer rows.Close()

	out := make([]domain.ResourceAllocation, 0)
	for rows.Next() {
		var (
			alloc      domain.ResourceAllocation
			releasedAt sql.NullTime
		)
		if err := rows.Scan(&alloc.ID, &alloc.OperationID, &alloc.CPU, &alloc.MemoryMB, &alloc.AllocatedAt, &releasedAt); err != nil {
			return nil, fmt.Errorf("scan allocation: %w", err)
		}
		alloc.AllocatedAt = alloc.AllocatedAt.UTC()
		alloc.ReleasedAt = timePtr(releasedAt)
		out = append(out, alloc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list allocations: %w", err)
	}
	return out, nil
}
