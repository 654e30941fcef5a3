package executor

import (
	"sync"
	"time"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
)

// StepInfo is the live view of a step known to the executor.
type StepInfo struct {
	OperationID string
	StepID      string
	Status      domain.StepStatus
	Attempt     int
	Progress    float64
	StartedAt   time.Time
	UpdatedAt   time.Time
	Cancelled   bool
}

type stepEntry struct {
	info StepInfo

	cancel     chan struct{}
	cancelOnce sync.Once
	force      chan struct{}
	forceOnce  sync.Once
	done       bool
}

func (e *stepEntry) signalCancel() {
	e.cancelOnce.Do(func() {
		e.info.Cancelled = true
		close(e.cancel)
	})
}

func (e *stepEntry) signalForce() {
	e.signalCancel()
	e.forceOnce.Do(func() { close(e.force) })
}

type stepKey struct {
	operationID string
	stepID      string
}

// tracker keeps in-flight and finished steps until their operation is
// forgotten. Cancelling an operation also cancels steps registered later.
type tracker struct {
	mu        sync.Mutex
	steps     map[stepKey]*stepEntry
	cancelled map[string]bool
	now       func() time.Time
}

func newTracker(now func() time.Time) *tracker {
	return &tracker{
		steps:     map[stepKey]*stepEntry{},
		cancelled: map[string]bool{},
		now:       now,
	}
}

func (t *tracker) begin(operationID, stepID string) *stepEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	entry := &stepEntry{
		info: StepInfo{
			OperationID: operationID,
			StepID:      stepID,
			Status:      domain.StepStatusRunning,
			StartedAt:   now,
			UpdatedAt:   now,
		},
		cancel: make(chan struct{}),
		force:  make(chan struct{}),
	}
	if t.cancelled[operationID] {
		entry.signalCancel()
	}
	t.steps[stepKey{operationID, stepID}] = entry
	return entry
}

func (t *tracker) attempt(entry *stepEntry, attempt int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry.info.Attempt = attempt
	entry.info.UpdatedAt = t.now()
}

func (t *tracker) progress(entry *stepEntry, value float64) {
	if value < 0 {
		value = 0
	}
	if value > 1 {
		value = 1
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if entry.done {
		return
	}
	entry.info.Progress = value
	entry.info.UpdatedAt = t.now()
}

func (t *tracker) finish(entry *stepEntry, status domain.StepStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry.done = true
	entry.info.Status = status
	if status == domain.StepStatusCompleted {
		entry.info.Progress = 1
	}
	entry.info.UpdatedAt = t.now()
}

func (t *tracker) cancelStep(operationID, stepID string, force bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.steps[stepKey{operationID, stepID}]
	if !ok || entry.done {
		return false
	}
	if force {
		entry.signalForce()
	} else {
		entry.signalCancel()
	}
	return true
}

func (t *tracker) cancelOperation(operationID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelled[operationID] = true
	count := 0
	for key, entry := range t.steps {
		if key.operationID != operationID || entry.done {
			continue
		}
		entry.signalCancel()
		count++
	}
	return count
}

func (t *tracker) isCancelled(entry *stepEntry) bool {
	select {
	case <-entry.cancel:
		return true
	default:
		return false
	}
}

func (t *tracker) status(operationID, stepID string) (StepInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.steps[stepKey{operationID, stepID}]
	if !ok {
		return StepInfo{}, false
	}
	return entry.info, true
}

func (t *tracker) forget(operationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.cancelled, operationID)
	for key := range t.steps {
		if key.operationID == operationID {
			delete(t.steps, key)
		}
	}
}
