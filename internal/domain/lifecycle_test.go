package domain

import (
	"context"
	"errors"
	"testing"
)

func TestLifecycleHappyPath(t *testing.T) {
	lc := NewLifecycle(OperationStatusPending)
	steps := []struct {
		trigger Trigger
		want    OperationStatus
	}{
		{TriggerQueue, OperationStatusQueued},
		{TriggerRun, OperationStatusRunning},
		{TriggerFail, OperationStatusFailed},
		{TriggerCompensate, OperationStatusCompensating},
		{TriggerFinishCompensationError, OperationStatusCompensatedWithErrors},
	}
	for _, step := range steps {
		got, err := lc.Fire(context.Background(), step.trigger)
		if err != nil {
			t.Fatalf("fire %s: %v", step.trigger, err)
		}
		if got != step.want {
			t.Fatalf("fire %s: got %s want %s", step.trigger, got, step.want)
		}
	}
	if !lc.Status().IsTerminal() {
		t.Fatalf("expected terminal status, got %s", lc.Status())
	}
}

func TestLifecycleRejectsBackwardTransitions(t *testing.T) {
	lc := NewLifecycle(OperationStatusCompleted)
	if _, err := lc.Fire(context.Background(), TriggerRun); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if lc.Status() != OperationStatusCompleted {
		t.Fatalf("status changed on rejected trigger: %s", lc.Status())
	}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to OperationStatus
		want     bool
	}{
		{OperationStatusPending, OperationStatusQueued, true},
		{OperationStatusPending, OperationStatusRunning, false},
		{OperationStatusQueued, OperationStatusCancelled, true},
		{OperationStatusRunning, OperationStatusCancelled, true},
		{OperationStatusFailed, OperationStatusCancelled, false},
		{OperationStatusFailed, OperationStatusCompensating, true},
		{OperationStatusCompensating, OperationStatusRunning, false},
		{OperationStatusCancelled, OperationStatusPending, false},
		{OperationStatusRunning, OperationStatusRunning, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Fatalf("CanTransition(%s,%s)=%v want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestCanTransitionMatchesLifecycle(t *testing.T) {
	for from, reachable := range transitions() {
		for _, trigger := range allTriggers {
			next, err := NewLifecycle(from).Fire(context.Background(), trigger)
			if err != nil {
				continue
			}
			if !reachable[next] || !CanTransition(from, next) {
				t.Fatalf("%s via %s reaches %s but the table disagrees", from, trigger, next)
			}
		}
	}
	if len(transitions()[OperationStatusCompleted]) != 0 {
		t.Fatalf("terminal status has outgoing transitions: %v", transitions()[OperationStatusCompleted])
	}
	if CanTransition("UNKNOWN", OperationStatusRunning) {
		t.Fatalf("unknown status must not transition")
	}
}

func TestNormalizeOperationStatus(t *testing.T) {
	if got := NormalizeOperationStatus(" canceled "); got != OperationStatusCancelled {
		t.Fatalf("got %q", got)
	}
	if got := NormalizeOperationStatus("bogus"); got != "" {
		t.Fatalf("expected empty status, got %q", got)
	}
}
