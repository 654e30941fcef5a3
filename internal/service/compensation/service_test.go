package compensation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
	"github.com/animus-labs/animus-orchestrator/internal/execution/executor"
	"github.com/animus-labs/animus-orchestrator/internal/repo/memory"
)

type fakeStates struct {
	state domain.OperationState
}

func (f fakeStates) Get(context.Context, string) (domain.OperationState, error) {
	return f.state.Clone(), nil
}

type fakeCheckpointer struct {
	mu    sync.Mutex
	steps []string
}

func (f *fakeCheckpointer) SaveCheckpoint(_ context.Context, _ string, cpType domain.CheckpointType, stepID string, _ []byte) (domain.Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.steps = append(f.steps, stepID)
	return domain.Checkpoint{Type: cpType, StepID: stepID}, nil
}

// callLog records the order in which undo handlers ran.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (c *callLog) add(stepID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, stepID)
}

func (c *callLog) list() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.calls)
}

func undoable(id, undoType string) domain.Step {
	return domain.Step{
		ID:           id,
		Type:         "noop",
		Required:     true,
		Compensation: &domain.CompensationSpec{Type: undoType, MaxAttempts: 2, Timeout: time.Second},
	}
}

type fixture struct {
	svc      *Service
	store    *memory.Store
	log      *callLog
	cps      *fakeCheckpointer
	registry *executor.Registry
}

func newFixture(t *testing.T, steps []domain.Step, completed []string) fixture {
	t.Helper()
	store := memory.New()
	ctx := context.Background()
	op := domain.Operation{ID: "op-1", Status: domain.OperationStatusFailed, Plan: domain.ExecutionPlan{Steps: steps}}
	if err := store.Create(ctx, op); err != nil {
		t.Fatalf("create operation: %v", err)
	}

	log := &callLog{}
	registry := executor.NewRegistry()
	registry.MustRegister("undo", executor.HandlerFunc(func(ctx context.Context, req executor.Request) (executor.Result, error) {
		log.add(req.StepID)
		return executor.Result{}, nil
	}))
	registry.MustRegister("undo_broken", executor.HandlerFunc(func(ctx context.Context, req executor.Request) (executor.Result, error) {
		log.add(req.StepID)
		return executor.Result{}, errors.New("cannot undo")
	}))

	cps := &fakeCheckpointer{}
	svc, err := New(Config{
		Plans:         store,
		Operations:    store,
		States:        fakeStates{state: domain.OperationState{OperationID: "op-1", CompletedSteps: completed}},
		Checkpointer:  cps,
		Handlers:      registry,
		Logger:        slog.New(slog.NewJSONHandler(io.Discard, nil)),
		RetryInterval: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return fixture{svc: svc, store: store, log: log, cps: cps, registry: registry}
}

func TestPlanIsReverseCompletionOrder(t *testing.T) {
	f := newFixture(t,
		[]domain.Step{undoable("a", "undo"), undoable("b", "undo"), undoable("c", "undo")},
		[]string{"a", "c", "b"},
	)
	plan, err := f.svc.CreatePlan(context.Background(), "op-1")
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	if got := plan.StepOrder(); !slices.Equal(got, []string{"b", "c", "a"}) {
		t.Fatalf("unexpected order %v", got)
	}

	res, err := f.svc.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != domain.CompensationCompleted {
		t.Fatalf("unexpected status %s", res.Status)
	}
	if got := f.log.list(); !slices.Equal(got, []string{"b", "c", "a"}) {
		t.Fatalf("handlers ran out of order: %v", got)
	}
	if len(f.cps.steps) != 3 {
		t.Fatalf("expected a checkpoint per action, got %v", f.cps.steps)
	}
}

func TestFailedActionDoesNotStopOthers(t *testing.T) {
	f := newFixture(t,
		[]domain.Step{undoable("a", "undo"), undoable("b", "undo_broken"), undoable("c", "undo")},
		[]string{"a", "b", "c"},
	)
	ctx := context.Background()
	plan, err := f.svc.CreatePlan(ctx, "op-1")
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	res, err := f.svc.Execute(ctx, plan)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != domain.CompensationCompletedWithErrs {
		t.Fatalf("expected completed with errors, got %s", res.Status)
	}
	if !slices.Equal(res.Failed, []string{"b"}) || !slices.Equal(res.Executed, []string{"c", "a"}) {
		t.Fatalf("unexpected result %+v", res)
	}
	// b is retried once before giving up.
	if got := f.log.list(); !slices.Equal(got, []string{"c", "b", "b", "a"}) {
		t.Fatalf("unexpected calls %v", got)
	}

	stored, err := f.svc.Status(ctx, plan.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if stored.Status != domain.CompensationCompletedWithErrs || stored.FinishedAt == nil || stored.Actions[1].Attempts != 2 {
		t.Fatalf("unexpected stored plan %+v", stored)
	}
}

func TestIrreversibleStepsAreReportedNotRun(t *testing.T) {
	irreversible := domain.Step{ID: "send-email", Type: "noop", Required: true}
	f := newFixture(t, []domain.Step{undoable("a", "undo"), irreversible}, []string{"a", "send-email"})
	ctx := context.Background()
	plan, err := f.svc.CreatePlan(ctx, "op-1")
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	if !plan.Actions[0].Irreversible {
		t.Fatalf("expected irreversible action first, got %+v", plan.Actions)
	}
	res, err := f.svc.Execute(ctx, plan)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != domain.CompensationCompleted || !slices.Equal(res.Irreversible, []string{"send-email"}) {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := f.log.list(); !slices.Equal(got, []string{"a"}) {
		t.Fatalf("unexpected calls %v", got)
	}
}

func TestExecuteResumesWithoutRerunningSucceededActions(t *testing.T) {
	f := newFixture(t,
		[]domain.Step{undoable("a", "undo"), undoable("b", "undo")},
		[]string{"a", "b"},
	)
	ctx := context.Background()
	plan, err := f.svc.CreatePlan(ctx, "op-1")
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	// Simulate a crash after b was undone.
	plan.Actions[0].Status = domain.CompensationSucceeded
	plan.Status = domain.CompensationRunning

	res, err := f.svc.Execute(ctx, plan)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := f.log.list(); !slices.Equal(got, []string{"a"}) {
		t.Fatalf("expected only a to run, got %v", got)
	}
	if !slices.Equal(res.Executed, []string{"b", "a"}) {
		t.Fatalf("unexpected executed %v", res.Executed)
	}

	again, err := f.svc.CreatePlan(ctx, "op-1")
	if err != nil || again.ID != plan.ID {
		t.Fatalf("expected existing plan, got %s %v", again.ID, err)
	}
}

func TestActionThatIgnoresCancellationTimesOut(t *testing.T) {
	stuck := domain.Step{
		ID:           "b",
		Type:         "noop",
		Required:     true,
		Compensation: &domain.CompensationSpec{Type: "undo_stuck", MaxAttempts: 2, Timeout: 20 * time.Millisecond},
	}
	f := newFixture(t, []domain.Step{undoable("a", "undo"), stuck}, []string{"a", "b"})
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	f.registry.MustRegister("undo_stuck", executor.HandlerFunc(func(_ context.Context, req executor.Request) (executor.Result, error) {
		req.Report(0.5)
		f.log.add(req.StepID)
		<-release
		return executor.Result{}, nil
	}))

	ctx := context.Background()
	plan, err := f.svc.CreatePlan(ctx, "op-1")
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := f.svc.Execute(ctx, plan)
		done <- outcome{res: res, err: err}
	}()

	var got outcome
	select {
	case got = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("execute did not return after the action timed out")
	}
	if got.err != nil {
		t.Fatalf("execute: %v", got.err)
	}
	if got.res.Status != domain.CompensationCompletedWithErrs {
		t.Fatalf("expected completed with errors, got %s", got.res.Status)
	}
	if !slices.Equal(got.res.Failed, []string{"b"}) || !slices.Equal(got.res.Executed, []string{"a"}) {
		t.Fatalf("unexpected result %+v", got.res)
	}

	stored, err := f.svc.Status(ctx, plan.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	action := stored.Actions[0]
	if action.Status != domain.CompensationFailed || action.Attempts != 2 {
		t.Fatalf("unexpected action %+v", action)
	}
	if !strings.Contains(action.Error, "exceeded") {
		t.Fatalf("expected timeout error, got %q", action.Error)
	}
}
