package domain

import (
	"slices"
	"strings"
	"time"
)

// OperationState is the single source of truth for how far an operation got.
// It is mutated only by the state manager.
type OperationState struct {
	OperationID    string
	Status         OperationStatus
	CompletedSteps []string
	FailedSteps    []string
	SkippedSteps   []string
	Variables      map[string]any
	Checkpoints    []CheckpointRef
	Sequence       int64
	LastUpdated    time.Time
}

// CheckpointRef is the lightweight view of a checkpoint kept inside state.
type CheckpointRef struct {
	ID        string
	StepID    string
	Type      CheckpointType
	Sequence  int64
	Timestamp time.Time
}

// Clone returns a deep copy safe to hand to readers.
func (s OperationState) Clone() OperationState {
	out := s
	out.CompletedSteps = slices.Clone(s.CompletedSteps)
	out.FailedSteps = slices.Clone(s.FailedSteps)
	out.SkippedSteps = slices.Clone(s.SkippedSteps)
	out.Checkpoints = slices.Clone(s.Checkpoints)
	out.Variables = make(map[string]any, len(s.Variables))
	for k, v := range s.Variables {
		out.Variables[k] = v
	}
	return out
}

func (s OperationState) IsCompleted(stepID string) bool {
	return slices.Contains(s.CompletedSteps, stepID)
}

func (s OperationState) IsFailed(stepID string) bool {
	return slices.Contains(s.FailedSteps, stepID)
}

func (s OperationState) IsSkipped(stepID string) bool {
	return slices.Contains(s.SkippedSteps, stepID)
}

// IsResolved reports whether a step reached any terminal outcome.
func (s OperationState) IsResolved(stepID string) bool {
	return s.IsCompleted(stepID) || s.IsFailed(stepID) || s.IsSkipped(stepID)
}

// CheckpointType tags why a checkpoint was written.
type CheckpointType string

const (
	CheckpointProgressMarker CheckpointType = "PROGRESS_MARKER"
	CheckpointPreStep        CheckpointType = "PRE_STEP"
	CheckpointPostStep       CheckpointType = "POST_STEP"
	CheckpointCompensation   CheckpointType = "COMPENSATION"
)

// CarriesSnapshot reports whether the checkpoint data is a full state snapshot.
func (t CheckpointType) CarriesSnapshot() bool {
	return t == CheckpointProgressMarker || t == CheckpointPostStep
}

func NormalizeCheckpointType(value string) CheckpointType {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case string(CheckpointProgressMarker):
		return CheckpointProgressMarker
	case string(CheckpointPreStep):
		return CheckpointPreStep
	case string(CheckpointPostStep):
		return CheckpointPostStep
	case string(CheckpointCompensation):
		return CheckpointCompensation
	default:
		return ""
	}
}

// Checkpoint is an immutable, append-only record. Data is opaque JSON.
type Checkpoint struct {
	ID          string
	OperationID string
	StepID      string
	Type        CheckpointType
	Sequence    int64
	Data        []byte
	Timestamp   time.Time
}

func (c Checkpoint) Ref() CheckpointRef {
	return CheckpointRef{
		ID:        c.ID,
		StepID:    c.StepID,
		Type:      c.Type,
		Sequence:  c.Sequence,
		Timestamp: c.Timestamp,
	}
}
