package state

import (
	"reflect"
	"testing"
	"time"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
)

func TestReplayFoldsResultsAfterSnapshot(t *testing.T) {
	snapshot := domain.OperationState{
		OperationID:    "op-1",
		Status:         domain.OperationStatusRunning,
		CompletedSteps: []string{"a"},
		Variables:      map[string]any{"from_a": 1},
		Sequence:       3,
	}
	results := []domain.StepResult{
		result("a", domain.StepStatusCompleted, 2, true),
		result("c", domain.StepStatusFailed, 4, false),
		result("c", domain.StepStatusFailed, 6, true),
		result("b", domain.StepStatusCompleted, 5, true),
	}
	results[3].Variables = map[string]any{"from_b": "ok"}

	got := Replay(snapshot, results)

	if want := []string{"a", "b"}; !reflect.DeepEqual(got.CompletedSteps, want) {
		t.Fatalf("completed %v, want %v", got.CompletedSteps, want)
	}
	if want := []string{"c"}; !reflect.DeepEqual(got.FailedSteps, want) {
		t.Fatalf("failed %v, want %v", got.FailedSteps, want)
	}
	if got.Variables["from_b"] != "ok" || got.Variables["from_a"] != 1 {
		t.Fatalf("unexpected variables %v", got.Variables)
	}
	if got.Sequence != 6 {
		t.Fatalf("expected sequence 6, got %d", got.Sequence)
	}
	if len(snapshot.CompletedSteps) != 1 {
		t.Fatalf("snapshot mutated: %v", snapshot.CompletedSteps)
	}
}

func TestReplayIsDeterministic(t *testing.T) {
	results := []domain.StepResult{
		result("b", domain.StepStatusCompleted, 2, true),
		result("a", domain.StepStatusCompleted, 1, true),
	}
	first := Replay(domain.OperationState{}, results)
	second := Replay(domain.OperationState{}, []domain.StepResult{results[1], results[0]})
	if !reflect.DeepEqual(first.CompletedSteps, second.CompletedSteps) {
		t.Fatalf("replay depends on input order: %v vs %v", first.CompletedSteps, second.CompletedSteps)
	}
	if want := []string{"a", "b"}; !reflect.DeepEqual(first.CompletedSteps, want) {
		t.Fatalf("expected %v, got %v", want, first.CompletedSteps)
	}
}

func TestApplyIgnoresAlreadyResolvedStep(t *testing.T) {
	st := domain.OperationState{CompletedSteps: []string{"a"}, Variables: map[string]any{}}
	got := Apply(st, result("a", domain.StepStatusFailed, 9, true))
	if len(got.FailedSteps) != 0 || len(got.CompletedSteps) != 1 {
		t.Fatalf("resolved step changed outcome: %+v", got)
	}
}

func TestSnapshotRoundTripKeepsSequence(t *testing.T) {
	st := domain.OperationState{
		OperationID:    "op-1",
		Status:         domain.OperationStatusRunning,
		CompletedSteps: []string{"a"},
		Variables:      map[string]any{"k": "v"},
		Sequence:       7,
		LastUpdated:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	raw, err := EncodeSnapshot(st)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeSnapshot(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Sequence != 7 || got.Status != domain.OperationStatusRunning || !got.LastUpdated.Equal(st.LastUpdated) {
		t.Fatalf("unexpected snapshot %+v", got)
	}
	if got.FailedSteps == nil {
		t.Fatalf("expected empty failed steps slice, got nil")
	}
}

func result(stepID string, status domain.StepStatus, seq int64, terminal bool) domain.StepResult {
	return domain.StepResult{
		OperationID: "op-1",
		StepID:      stepID,
		Attempt:     1,
		Status:      status,
		Sequence:    seq,
		Terminal:    terminal,
	}
}
