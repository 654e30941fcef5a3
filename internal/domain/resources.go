package domain

import "time"

// ResourceRequest is what an operation asks the resource manager to reserve.
type ResourceRequest struct {
	CPU      float64
	MemoryMB int64
}

// ResourceAllocation is a reservation held for the lifetime of an operation's
// execution.
type ResourceAllocation struct {
	ID          string
	OperationID string
	CPU         float64
	MemoryMB    int64
	AllocatedAt time.Time
	ReleasedAt  *time.Time
}

func (a ResourceAllocation) Released() bool {
	return a.ReleasedAt != nil
}
