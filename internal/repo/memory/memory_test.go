package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
	"github.com/animus-labs/animus-orchestrator/internal/repo"
)

func TestUpdateStatusIsCompareAndSet(t *testing.T) {
	ctx := context.Background()
	store := New()
	if err := store.Create(ctx, domain.Operation{ID: "op-1", Status: domain.OperationStatusPending}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.UpdateStatus(ctx, "op-1", domain.OperationStatusPending, domain.OperationStatusQueued, ""); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if _, err := store.UpdateStatus(ctx, "op-1", domain.OperationStatusPending, domain.OperationStatusQueued, ""); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if _, err := store.Get(ctx, "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInsertResultIdempotentPerAttempt(t *testing.T) {
	ctx := context.Background()
	store := New()
	first := domain.StepResult{OperationID: "op-1", StepID: "a", Attempt: 1, Status: domain.StepStatusFailed, Sequence: 2}
	if _, inserted, err := store.InsertResult(ctx, first); err != nil || !inserted {
		t.Fatalf("insert: inserted=%v err=%v", inserted, err)
	}
	dup := first
	dup.Status = domain.StepStatusCompleted
	got, inserted, err := store.InsertResult(ctx, dup)
	if err != nil || inserted {
		t.Fatalf("duplicate insert: inserted=%v err=%v", inserted, err)
	}
	if got.Status != domain.StepStatusFailed {
		t.Fatalf("expected stored row, got %+v", got)
	}
	after, _ := store.ListResultsAfter(ctx, "op-1", 2)
	if len(after) != 0 {
		t.Fatalf("expected no results after sequence 2, got %d", len(after))
	}
}

func TestReleaseAllocationOnce(t *testing.T) {
	ctx := context.Background()
	store := New()
	if err := store.CreateAllocation(ctx, domain.ResourceAllocation{ID: "alloc-1", OperationID: "op-1", CPU: 1}); err != nil {
		t.Fatalf("create allocation: %v", err)
	}
	released, err := store.ReleaseAllocation(ctx, "alloc-1", time.Now())
	if err != nil || !released {
		t.Fatalf("first release: released=%v err=%v", released, err)
	}
	released, err = store.ReleaseAllocation(ctx, "alloc-1", time.Now())
	if err != nil || released {
		t.Fatalf("second release: released=%v err=%v", released, err)
	}
	active, _ := store.ListActiveAllocations(ctx)
	if len(active) != 0 {
		t.Fatalf("expected no active allocations, got %d", len(active))
	}
}
