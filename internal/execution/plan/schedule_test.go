package plan

import (
	"reflect"
	"testing"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
)

func TestNextGroupWalksDiamond(t *testing.T) {
	p := diamondPlan(true)
	st := domain.OperationState{}

	if got := groupIDs(NextGroup(p, st)); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("expected [a], got %v", got)
	}
	st.CompletedSteps = []string{"a"}
	if got := groupIDs(NextGroup(p, st)); !reflect.DeepEqual(got, []string{"b", "c"}) {
		t.Fatalf("expected [b c], got %v", got)
	}
	st.CompletedSteps = []string{"a", "b", "c"}
	if got := groupIDs(NextGroup(p, st)); !reflect.DeepEqual(got, []string{"d"}) {
		t.Fatalf("expected [d], got %v", got)
	}
	st.CompletedSteps = append(st.CompletedSteps, "d")
	if r := NextGroup(p, st); !r.Done {
		t.Fatalf("expected done, got %+v", r)
	}
}

func TestNextGroupOptionalFailureSatisfiesDependents(t *testing.T) {
	p := diamondPlan(false)
	st := domain.OperationState{
		CompletedSteps: []string{"a", "b"},
		FailedSteps:    []string{"c"},
	}
	if got := groupIDs(NextGroup(p, st)); !reflect.DeepEqual(got, []string{"d"}) {
		t.Fatalf("expected [d], got %v", got)
	}
	if _, failed := RequiredFailure(p, st); failed {
		t.Fatalf("optional failure reported as required")
	}
}

func TestNextGroupRequiredFailureStalls(t *testing.T) {
	p := diamondPlan(true)
	st := domain.OperationState{
		CompletedSteps: []string{"a", "b"},
		FailedSteps:    []string{"c"},
	}
	if r := NextGroup(p, st); !r.Stalled {
		t.Fatalf("expected stalled, got %+v", r)
	}
	if id, failed := RequiredFailure(p, st); !failed || id != "c" {
		t.Fatalf("expected required failure on c, got %q %v", id, failed)
	}
}

func TestNextGroupSkipsResolvedGroupMembers(t *testing.T) {
	p := diamondPlan(true)
	st := domain.OperationState{CompletedSteps: []string{"a", "c"}}
	if got := groupIDs(NextGroup(p, st)); !reflect.DeepEqual(got, []string{"b"}) {
		t.Fatalf("expected [b], got %v", got)
	}
}

func groupIDs(r Readiness) []string {
	out := make([]string, 0, len(r.Group))
	for _, step := range r.Group {
		out = append(out, step.ID)
	}
	return out
}
