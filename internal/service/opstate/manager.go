// Package opstate owns OperationState: every mutation, checkpoint and step
// attempt of an operation goes through its Manager.
package opstate

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

	"github.com/animus-labs/animus-orchestrator/internal/domain"
	"github.com/animus-labs/animus-orchestrator/internal/events"
	"github.com/animus-labs/animus-orchestrator/internal/execution/state"
	"github.com/animus-labs/animus-orchestrator/internal/metrics"
	"github.com/animus-labs/animus-orchestrator/internal/repo"
)

// Archiver receives checkpoints before Compact deletes them.
type Archiver interface {
	ArchiveCheckpoints(ctx context.Context, operationID string, checkpoints []domain.Checkpoint) error
}

// Delta is one change to an operation's state. Result folds a step outcome
// and writes a POST_STEP checkpoint; a bare Status change writes a
// PROGRESS_MARKER.
type Delta struct {
	Result *domain.StepResult
	Status domain.OperationStatus
}

type Config struct {
	States    repo.StateRepository
	Results   repo.StepResultRepository
	Publisher events.Publisher
	Archiver  Archiver
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// Manager serialises writes per operation; reads are served from the last
// committed state and never wait for a write.
type Manager struct {
	states    repo.StateRepository
	results   repo.StepResultRepository
	publisher events.Publisher
	archiver  Archiver
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	mu        sync.Mutex
	committed atomic.Pointer[domain.OperationState]
	sequence  int64
	// pending holds terminal results recorded but not yet folded.
	pending map[int64]struct{}
}

func (e *entry) load() domain.OperationState {
	return e.committed.Load().Clone()
}

func (e *entry) store(st domain.OperationState) {
	clone := st.Clone()
	e.committed.Store(&clone)
}

func New(cfg Config) (*Manager, error) {
	if cfg.States == nil || cfg.Results == nil {
		return nil, errors.New("state and step result repositories are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		states:    cfg.States,
		results:   cfg.Results,
		publisher: cfg.Publisher,
		archiver:  cfg.Archiver,
		logger:    logger,
		metrics:   cfg.Metrics,
		now:       func() time.Time { return time.Now().UTC() },
		entries:   map[string]*entry{},
	}, nil
}

// Initialize creates the empty state of an operation together with its first
// PROGRESS_MARKER checkpoint. Initializing an operation that already has a
// state returns that state.
func (m *Manager) Initialize(ctx context.Context, op domain.Operation) (domain.OperationState, error) {
	if strings.TrimSpace(op.ID) == "" {
		return domain.OperationState{}, errors.New("operation id is required")
	}
	if e, ok := m.cached(op.ID); ok && e.committed.Load() != nil {
		return e.load(), nil
	}
	if _, err := m.states.GetState(ctx, op.ID); err == nil {
		return m.Restore(ctx, op.ID)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.OperationState{}, m.persistenceError("initialize", op.ID, err)
	}

	e := m.entryFor(op.ID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.committed.Load() != nil {
		return e.load(), nil
	}

	now := m.now()
	st := domain.OperationState{
		OperationID:    op.ID,
		Status:         op.Status,
		CompletedSteps: []string{},
		FailedSteps:    []string{},
		SkippedSteps:   []string{},
		Variables:      map[string]any{},
		LastUpdated:    now,
	}
	cp, err := m.snapshotCheckpoint(e, st, domain.CheckpointProgressMarker, "")
	if err != nil {
		return domain.OperationState{}, err
	}
	st.Checkpoints = append(st.Checkpoints, cp.Ref())
	if err := m.states.CommitState(ctx, st, &cp); err != nil {
		m.dropEntry(op.ID, e)
		return domain.OperationState{}, m.persistenceError("initialize", op.ID, err)
	}
	e.store(st)

	m.logger.Info("operation state initialized", "operation_id", op.ID)
	m.publish(ctx, domain.Event{
		Topic:       domain.TopicStateInitialized,
		OperationID: op.ID,
		Status:      string(st.Status),
	})
	m.publishCheckpoint(ctx, cp)
	return st.Clone(), nil
}

// Apply folds delta into the state. The POST_STEP checkpoint and the state row
// are committed together; readers see the new state only after the commit.
func (m *Manager) Apply(ctx context.Context, operationID string, delta Delta) (domain.OperationState, error) {
	e, err := m.loaded(ctx, operationID)
	if err != nil {
		return domain.OperationState{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.load()
	next := cur
	cpType := domain.CheckpointProgressMarker
	stepID := ""
	if delta.Result != nil {
		if delta.Result.OperationID != "" && delta.Result.OperationID != operationID {
			return domain.OperationState{}, fmt.Errorf("result belongs to operation %s", delta.Result.OperationID)
		}
		next = state.Apply(cur, *delta.Result)
		cpType = domain.CheckpointPostStep
		stepID = delta.Result.StepID
	}
	if delta.Status != "" {
		next.Status = delta.Status
	}
	next.LastUpdated = m.now()

	var skip int64 = -1
	if delta.Result != nil {
		skip = delta.Result.Sequence
	}
	next.Sequence = e.watermark(next.Sequence, skip)

	cp, err := m.snapshotCheckpoint(e, next, cpType, stepID)
	if err != nil {
		return domain.OperationState{}, err
	}
	next.Checkpoints = append(next.Checkpoints, cp.Ref())
	if err := m.states.CommitState(ctx, next, &cp); err != nil {
		return domain.OperationState{}, m.persistenceError("apply", operationID, err)
	}
	if delta.Result != nil {
		delete(e.pending, delta.Result.Sequence)
	}
	e.store(next)
	m.publishCheckpoint(ctx, cp)
	return next.Clone(), nil
}

// SaveCheckpoint appends a checkpoint. For snapshot-carrying types the data is
// the current state and the data argument is ignored.
func (m *Manager) SaveCheckpoint(ctx context.Context, operationID string, cpType domain.CheckpointType, stepID string, data []byte) (domain.Checkpoint, error) {
	if cpType == "" {
		return domain.Checkpoint{}, errors.New("checkpoint type is required")
	}
	e, err := m.loaded(ctx, operationID)
	if err != nil {
		return domain.Checkpoint{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.load()
	var cp domain.Checkpoint
	if cpType.CarriesSnapshot() {
		snap := cur
		snap.Sequence = e.watermark(cur.Sequence, -1)
		cp, err = m.snapshotCheckpoint(e, snap, cpType, stepID)
		if err != nil {
			return domain.Checkpoint{}, err
		}
	} else {
		e.sequence++
		cp = domain.Checkpoint{
			ID:          uuid.NewString(),
			OperationID: operationID,
			StepID:      stepID,
			Type:        cpType,
			Sequence:    e.sequence,
			Data:        data,
			Timestamp:   m.now(),
		}
	}
	if err := m.states.AppendCheckpoint(ctx, cp); err != nil {
		return domain.Checkpoint{}, m.persistenceError("checkpoint", operationID, err)
	}
	cur.Checkpoints = append(cur.Checkpoints, cp.Ref())
	e.store(cur)
	m.publishCheckpoint(ctx, cp)
	return cp, nil
}

// RecordAttempt appends one step attempt and returns it with its sequence.
// Recording the same attempt twice returns the stored row. Failed attempts
// that will be retried are published as step.retrying.
func (m *Manager) RecordAttempt(ctx context.Context, result domain.StepResult) (domain.StepResult, error) {
	e, err := m.loaded(ctx, result.OperationID)
	if err != nil {
		return domain.StepResult{}, err
	}
	e.mu.Lock()
	e.sequence++
	result.Sequence = e.sequence
	stored, inserted, err := m.results.InsertResult(ctx, result)
	if err != nil {
		e.mu.Unlock()
		return domain.StepResult{}, m.persistenceError("record_attempt", result.OperationID, err)
	}
	if stored.Terminal {
		e.pending[stored.Sequence] = struct{}{}
	}
	e.mu.Unlock()

	if !inserted {
		return stored, nil
	}
	if !stored.Terminal && stored.Status == domain.StepStatusFailed {
		m.publish(ctx, domain.Event{
			Topic:       domain.TopicStepRetrying,
			OperationID: stored.OperationID,
			StepID:      stored.StepID,
			Status:      string(stored.Status),
			Data: map[string]any{
				"attempt":    stored.Attempt,
				"error_code": stored.ErrorCode,
				"error":      stored.Error,
			},
		})
	}
	return stored, nil
}

// Restore rebuilds the state from the latest snapshot checkpoint and the step
// results recorded after it. Results found past the snapshot are folded and
// committed as a new PROGRESS_MARKER.
func (m *Manager) Restore(ctx context.Context, operationID string) (domain.OperationState, error) {
	operationID = strings.TrimSpace(operationID)
	if operationID == "" {
		return domain.OperationState{}, errors.New("operation id is required")
	}

	row, rowErr := m.states.GetState(ctx, operationID)
	if rowErr != nil && !errors.Is(rowErr, repo.ErrNotFound) {
		return domain.OperationState{}, m.persistenceError("restore", operationID, rowErr)
	}

	var snapshot domain.OperationState
	cp, err := m.states.LatestSnapshot(ctx, operationID)
	switch {
	case err == nil:
		snapshot, err = state.DecodeSnapshot(cp.Data)
		if err != nil {
			return domain.OperationState{}, fmt.Errorf("decode snapshot %s: %w", cp.ID, err)
		}
	case errors.Is(err, repo.ErrNotFound):
		if rowErr != nil {
			return domain.OperationState{}, repo.ErrNotFound
		}
		snapshot = row.Clone()
	default:
		return domain.OperationState{}, m.persistenceError("restore", operationID, err)
	}
	snapshot.OperationID = operationID
	if snapshot.Variables == nil {
		snapshot.Variables = map[string]any{}
	}

	results, err := m.results.ListResultsAfter(ctx, operationID, snapshot.Sequence)
	if err != nil {
		return domain.OperationState{}, m.persistenceError("restore", operationID, err)
	}
	checkpoints, err := m.states.ListCheckpoints(ctx, operationID)
	if err != nil {
		return domain.OperationState{}, m.persistenceError("restore", operationID, err)
	}

	restored := state.Replay(snapshot, results)
	if rowErr == nil && row.Status != "" {
		restored.Status = row.Status
	}
	restored.Checkpoints = restored.Checkpoints[:0]
	sequence := restored.Sequence
	for _, c := range checkpoints {
		restored.Checkpoints = append(restored.Checkpoints, c.Ref())
		sequence = max(sequence, c.Sequence)
	}
	for _, r := range results {
		sequence = max(sequence, r.Sequence)
	}

	e := &entry{sequence: sequence, pending: map[int64]struct{}{}}
	e.mu.Lock()
	defer e.mu.Unlock()
	if resolvedAny(snapshot, restored) {
		restored.LastUpdated = m.now()
		cp, err := m.snapshotCheckpoint(e, restored, domain.CheckpointProgressMarker, "")
		if err != nil {
			return domain.OperationState{}, err
		}
		restored.Checkpoints = append(restored.Checkpoints, cp.Ref())
		if err := m.states.CommitState(ctx, restored, &cp); err != nil {
			return domain.OperationState{}, m.persistenceError("restore", operationID, err)
		}
	}
	e.store(restored)

	m.mu.Lock()
	m.entries[operationID] = e
	m.mu.Unlock()

	m.logger.Info("operation state restored",
		"operation_id", operationID,
		"completed", len(restored.CompletedSteps),
		"failed", len(restored.FailedSteps),
		"skipped", len(restored.SkippedSteps),
		"replayed_results", len(results),
	)
	return restored.Clone(), nil
}

// Get returns the last committed state without waiting for writers.
func (m *Manager) Get(ctx context.Context, operationID string) (domain.OperationState, error) {
	if e, ok := m.cached(operationID); ok {
		if st := e.committed.Load(); st != nil {
			return st.Clone(), nil
		}
	}
	st, err := m.states.GetState(ctx, operationID)
	if err != nil {
		return domain.OperationState{}, err
	}
	return st, nil
}

// Attempts returns every recorded attempt of an operation in sequence order.
func (m *Manager) Attempts(ctx context.Context, operationID string) ([]domain.StepResult, error) {
	return m.results.ListResults(ctx, operationID)
}

// Forget drops the in-memory copy of a finished operation.
func (m *Manager) Forget(operationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, operationID)
}

// Compact deletes all but the newest keep checkpoints. The latest snapshot is
// always kept. Deleted checkpoints go to the archiver first when one is set.
func (m *Manager) Compact(ctx context.Context, operationID string, keep int) (int64, error) {
	if keep < 1 {
		keep = 1
	}
	checkpoints, err := m.states.ListCheckpoints(ctx, operationID)
	if err != nil {
		return 0, fmt.Errorf("list checkpoints: %w", err)
	}
	if len(checkpoints) <= keep {
		return 0, nil
	}
	cutoff := checkpoints[len(checkpoints)-keep].Sequence
	if latest, err := m.states.LatestSnapshot(ctx, operationID); err == nil && latest.Sequence < cutoff {
		cutoff = latest.Sequence
	}
	var doomed []domain.Checkpoint
	for _, c := range checkpoints {
		if c.Sequence < cutoff {
			doomed = append(doomed, c)
		}
	}
	if len(doomed) == 0 {
		return 0, nil
	}
	if m.archiver != nil {
		if err := m.archiver.ArchiveCheckpoints(ctx, operationID, doomed); err != nil {
			return 0, fmt.Errorf("archive checkpoints: %w", err)
		}
	}
	deleted, err := m.states.DeleteCheckpointsBefore(ctx, operationID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete checkpoints: %w", err)
	}

	if e, ok := m.cached(operationID); ok {
		e.mu.Lock()
		if st := e.committed.Load(); st != nil {
			cur := st.Clone()
			kept := cur.Checkpoints[:0]
			for _, ref := range cur.Checkpoints {
				if ref.Sequence >= cutoff {
					kept = append(kept, ref)
				}
			}
			cur.Checkpoints = kept
			e.store(cur)
		}
		e.mu.Unlock()
	}
	m.logger.Info("checkpoints compacted", "operation_id", operationID, "deleted", deleted, "kept_from_sequence", cutoff)
	return deleted, nil
}

// watermark is the highest sequence below which every terminal result has
// been folded. skip names a result being folded by the current write.
func (e *entry) watermark(current, skip int64) int64 {
	low := current
	for seq := range e.pending {
		if seq == skip {
			continue
		}
		if seq-1 < low {
			low = seq - 1
		}
	}
	return low
}

func (m *Manager) snapshotCheckpoint(e *entry, st domain.OperationState, cpType domain.CheckpointType, stepID string) (domain.Checkpoint, error) {
	data, err := state.EncodeSnapshot(st)
	if err != nil {
		return domain.Checkpoint{}, fmt.Errorf("encode snapshot: %w", err)
	}
	e.sequence++
	return domain.Checkpoint{
		ID:          uuid.NewString(),
		OperationID: st.OperationID,
		StepID:      stepID,
		Type:        cpType,
		Sequence:    e.sequence,
		Data:        data,
		Timestamp:   m.now(),
	}, nil
}

func (m *Manager) cached(operationID string) (*entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[operationID]
	return e, ok
}

func (m *Manager) entryFor(operationID string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[operationID]
	if !ok {
		e = &entry{pending: map[int64]struct{}{}}
		m.entries[operationID] = e
	}
	return e
}

func (m *Manager) dropEntry(operationID string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries[operationID] == e {
		delete(m.entries, operationID)
	}
}

// loaded returns the entry of an operation, restoring it from storage when
// this process has not seen it yet.
func (m *Manager) loaded(ctx context.Context, operationID string) (*entry, error) {
	if e, ok := m.cached(operationID); ok && e.committed.Load() != nil {
		return e, nil
	}
	if _, err := m.Restore(ctx, operationID); err != nil {
		return nil, err
	}
	e, ok := m.cached(operationID)
	if !ok {
		return nil, repo.ErrNotFound
	}
	return e, nil
}

func (m *Manager) persistenceError(op, operationID string, err error) error {
	m.metrics.PersistenceError(op)
	m.logger.Error("state persistence failed", "op", op, "operation_id", operationID, "error", err)
	return fmt.Errorf("%w: %s: %v", domain.ErrPersistence, op, err)
}

func (m *Manager) publish(ctx context.Context, event domain.Event) {
	if m.publisher == nil {
		return
	}
	m.publisher.Publish(ctx, event)
}

func (m *Manager) publishCheckpoint(ctx context.Context, cp domain.Checkpoint) {
	m.publish(ctx, domain.Event{
		Topic:       domain.TopicCheckpointSaved,
		OperationID: cp.OperationID,
		StepID:      cp.StepID,
		Status:      string(cp.Type),
		Data: map[string]any{
			"checkpoint_id": cp.ID,
			"sequence":      cp.Sequence,
		},
	})
}

func resolvedAny(before, after domain.OperationState) bool {
	return len(after.CompletedSteps)+len(after.FailedSteps)+len(after.SkippedSteps) >
		len(before.CompletedSteps)+len(before.FailedSteps)+len(before.SkippedSteps)
}
