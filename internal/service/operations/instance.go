package operations

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
)

// instance is the in-process owner of one operation's scheduler loop. At most
// one exists per operation id.
type instance struct {
	id string

	mu         sync.Mutex
	op         domain.Operation
	allocation domain.ResourceAllocation

	// attempts is the highest recorded attempt per step, used to continue
	// numbering after a restart.
	attempts map[string]int

	ctx    context.Context
	cancel context.CancelFunc

	cancelRequested atomic.Bool

	done chan struct{}
}

func newInstance(op domain.Operation) *instance {
	return &instance{
		id:       op.ID,
		op:       op,
		attempts: map[string]int{},
		done:     make(chan struct{}),
	}
}

func (i *instance) operation() domain.Operation {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.op
}

func (i *instance) setOperation(op domain.Operation) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.op = op
}

func (i *instance) requestCancel() {
	i.cancelRequested.Store(true)
}

func (i *instance) cancelled() bool {
	return i.cancelRequested.Load()
}

func (i *instance) nextAttempt(stepID string) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.attempts[stepID] + 1
}

func (i *instance) observeAttempt(stepID string, attempt int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if attempt > i.attempts[stepID] {
		i.attempts[stepID] = attempt
	}
}
