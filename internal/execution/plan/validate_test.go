package plan

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
)

func TestValidateAcceptsAcyclicPlan(t *testing.T) {
	if err := Validate(diamondPlan(true)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRejectsCycle(t *testing.T) {
	p := domain.ExecutionPlan{
		Steps: []domain.Step{testStep("a", true), testStep("b", true), testStep("c", true)},
		Dependencies: []domain.PlanEdge{
			{From: "a", To: "b"},
			{From: "b", To: "c"},
			{From: "c", To: "a"},
		},
	}
	err := Validate(p)
	if !errors.Is(err, domain.ErrInvalidPlan) {
		t.Fatalf("expected ErrInvalidPlan, got %v", err)
	}
	if !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected cycle issue, got %v", err)
	}
}

func TestValidateAggregatesReferenceIssues(t *testing.T) {
	p := domain.ExecutionPlan{
		Steps:          []domain.Step{testStep("a", true), testStep("a", true), {ID: "b"}},
		Dependencies:   []domain.PlanEdge{{From: "a", To: "missing"}, {From: "b", To: "b"}},
		ParallelGroups: [][]string{{"a", "ghost"}, {"a"}},
	}
	err := Validate(p)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	want := []string{
		`duplicate step id "a"`,
		`step[b] type is required`,
		`dependency references unknown step "missing"`,
		`step "b" depends on itself`,
		`parallelGroups[0] references unknown step "ghost"`,
		`step "a" appears in parallelGroups[0] and parallelGroups[1]`,
	}
	if !reflect.DeepEqual(verr.Issues, want) {
		t.Fatalf("issues mismatch:\n got %q\nwant %q", verr.Issues, want)
	}
}

func TestValidateRejectsEmptyPlan(t *testing.T) {
	if err := Validate(domain.ExecutionPlan{}); !errors.Is(err, domain.ErrInvalidPlan) {
		t.Fatalf("expected ErrInvalidPlan, got %v", err)
	}
}

func TestTopologicalOrderFollowsPlanOrderOnTies(t *testing.T) {
	p := domain.ExecutionPlan{
		Steps: []domain.Step{testStep("c", true), testStep("b", true), testStep("a", true)},
		Dependencies: []domain.PlanEdge{
			{From: "b", To: "a"},
		},
	}
	got, err := TopologicalOrder(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := []string{"c", "b", "a"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func testStep(id string, required bool) domain.Step {
	return domain.Step{
		ID:       id,
		Name:     strings.ToUpper(id),
		Type:     "noop",
		Required: required,
		RetryPolicy: domain.RetryPolicy{
			MaxAttempts: 1,
		},
	}
}

// diamondPlan is [a] -> [b, c] -> [d].
func diamondPlan(cRequired bool) domain.ExecutionPlan {
	return domain.ExecutionPlan{
		Steps: []domain.Step{
			testStep("a", true),
			testStep("b", true),
			testStep("c", cRequired),
			testStep("d", true),
		},
		Dependencies: []domain.PlanEdge{
			{From: "a", To: "b"},
			{From: "a", To: "c"},
			{From: "b", To: "d"},
			{From: "c", To: "d"},
		},
		ParallelGroups: [][]string{{"b", "c"}},
	}
}
