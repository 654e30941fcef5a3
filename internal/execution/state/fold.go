package state

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
)

// Apply merges one step result into st and returns the new state. Results that
// did not resolve their step, and steps already resolved, leave st unchanged
// apart from the sequence watermark.
func Apply(st domain.OperationState, result domain.StepResult) domain.OperationState {
	out := st.Clone()
	if result.Sequence > out.Sequence {
		out.Sequence = result.Sequence
	}
	if !result.Terminal || !result.Status.IsTerminal() || out.IsResolved(result.StepID) {
		return out
	}
	switch result.Status {
	case domain.StepStatusCompleted:
		out.CompletedSteps = append(out.CompletedSteps, result.StepID)
		for k, v := range result.Variables {
			out.Variables[k] = v
		}
	case domain.StepStatusFailed:
		out.FailedSteps = append(out.FailedSteps, result.StepID)
	case domain.StepStatusSkipped:
		out.SkippedSteps = append(out.SkippedSteps, result.StepID)
	}
	if !result.CompletedAt.IsZero() && result.CompletedAt.After(out.LastUpdated) {
		out.LastUpdated = result.CompletedAt
	}
	return out
}

// Replay folds the step results recorded after the snapshot's sequence onto
// the snapshot, in sequence order.
func Replay(snapshot domain.OperationState, results []domain.StepResult) domain.OperationState {
	after := make([]domain.StepResult, 0, len(results))
	for _, result := range results {
		if result.Sequence > snapshot.Sequence {
			after = append(after, result)
		}
	}
	sort.SliceStable(after, func(i, j int) bool { return after[i].Sequence < after[j].Sequence })

	out := snapshot.Clone()
	for _, result := range after {
		out = Apply(out, result)
	}
	return out
}

type snapshotPayload struct {
	OperationID    string         `json:"operationId"`
	Status         string         `json:"status"`
	CompletedSteps []string       `json:"completedSteps"`
	FailedSteps    []string       `json:"failedSteps"`
	SkippedSteps   []string       `json:"skippedSteps"`
	Variables      map[string]any `json:"variables"`
	Sequence       int64          `json:"sequence"`
	LastUpdated    time.Time      `json:"lastUpdated"`
}

// EncodeSnapshot serializes the replayable part of a state. Checkpoint refs are
// not included; they are rebuilt from the checkpoint log.
func EncodeSnapshot(st domain.OperationState) ([]byte, error) {
	return json.Marshal(snapshotPayload{
		OperationID:    st.OperationID,
		Status:         string(st.Status),
		CompletedSteps: nonNil(st.CompletedSteps),
		FailedSteps:    nonNil(st.FailedSteps),
		SkippedSteps:   nonNil(st.SkippedSteps),
		Variables:      st.Variables,
		Sequence:       st.Sequence,
		LastUpdated:    st.LastUpdated.UTC(),
	})
}

func DecodeSnapshot(raw []byte) (domain.OperationState, error) {
	var payload snapshotPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return domain.OperationState{}, err
	}
	vars := payload.Variables
	if vars == nil {
		vars = map[string]any{}
	}
	return domain.OperationState{
		OperationID:    payload.OperationID,
		Status:         domain.NormalizeOperationStatus(payload.Status),
		CompletedSteps: payload.CompletedSteps,
		FailedSteps:    payload.FailedSteps,
		SkippedSteps:   payload.SkippedSteps,
		Variables:      vars,
		Sequence:       payload.Sequence,
		LastUpdated:    payload.LastUpdated,
	}, nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
