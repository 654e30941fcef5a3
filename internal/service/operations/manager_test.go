package operations

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

	"go.uber.org/goleak"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
	"github.com/animus-labs/animus-orchestrator/internal/events"
	"github.com/animus-labs/animus-orchestrator/internal/execution/executor"
	"github.com/animus-labs/animus-orchestrator/internal/repo/memory"
	"github.com/animus-labs/animus-orchestrator/internal/service/compensation"
	"github.com/animus-labs/animus-orchestrator/internal/service/opstate"
	"github.com/animus-labs/animus-orchestrator/internal/service/resources"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Deliver(_ context.Context, event domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) has(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.Topic == topic {
			return true
		}
	}
	return false
}

// journal counts handler invocations per step and keeps undo order.
type journal struct {
	mu    sync.Mutex
	calls map[string]int
	undo  []string
}

func newJournal() *journal {
	return &journal{calls: map[string]int{}}
}

func (j *journal) call(stepID string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.calls[stepID]++
}

func (j *journal) count(stepID string) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.calls[stepID]
}

func (j *journal) undone(stepID string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.undo = append(j.undo, stepID)
}

func (j *journal) undoOrder() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return slices.Clone(j.undo)
}

type harness struct {
	mgr   *Manager
	store *memory.Store
	sink  *recordingSink
}

func newHarness(t *testing.T, store *memory.Store, j *journal, extra map[string]executor.Handler) *harness {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	sink := &recordingSink{}
	bus := events.NewBus(logger, sink)

	registry := executor.NewRegistry()
	registry.MustRegister("ok", executor.HandlerFunc(func(ctx context.Context, req executor.Request) (executor.Result, error) {
		j.call(req.StepID)
		return executor.Result{Variables: map[string]any{req.StepID: "done"}}, nil
	}))
	registry.MustRegister("fail", executor.HandlerFunc(func(ctx context.Context, req executor.Request) (executor.Result, error) {
		j.call(req.StepID)
		return executor.Result{}, executor.Permanent(errors.New("step exploded"))
	}))
	registry.MustRegister("undo", executor.HandlerFunc(func(ctx context.Context, req executor.Request) (executor.Result, error) {
		j.undone(req.StepID)
		return executor.Result{}, nil
	}))
	for stepType, h := range extra {
		registry.MustRegister(stepType, h)
	}

	res, err := resources.New(resources.Quotas{MaxConcurrentOperations: 2, MaxCPU: 4, MaxMemoryMB: 1024, MaxConcurrentSteps: 4}, store, logger, nil)
	if err != nil {
		t.Fatalf("resources: %v", err)
	}
	states, err := opstate.New(opstate.Config{States: store, Results: store, Publisher: bus, Logger: logger})
	if err != nil {
		t.Fatalf("opstate: %v", err)
	}
	exec, err := executor.New(executor.Config{Registry: registry, Recorder: states, Slots: res, Logger: logger})
	if err != nil {
		t.Fatalf("executor: %v", err)
	}
	comp, err := compensation.New(compensation.Config{
		Plans:         store,
		Operations:    store,
		States:        states,
		Checkpointer:  states,
		Handlers:      registry,
		Publisher:     bus,
		Logger:        logger,
		RetryInterval: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("compensation: %v", err)
	}
	mgr, err := New(Config{
		Operations:   store,
		States:       states,
		Resources:    res,
		Executor:     exec,
		Compensation: comp,
		Publisher:    bus,
		Logger:       logger,
	})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	return &harness{mgr: mgr, store: store, sink: sink}
}

func step(id, stepType string, required bool) domain.Step {
	return domain.Step{
		ID:           id,
		Name:         id,
		Type:         stepType,
		Required:     required,
		Timeout:      5 * time.Second,
		RetryPolicy:  domain.RetryPolicy{MaxAttempts: 1},
		Compensation: &domain.CompensationSpec{Type: "undo", MaxAttempts: 1, Timeout: time.Second},
	}
}

// diamond builds [A] -> [B, C] -> [D].
func diamond(b, c domain.Step) domain.ExecutionPlan {
	return domain.ExecutionPlan{
		Steps: []domain.Step{step("A", "ok", true), b, c, step("D", "ok", true)},
		Dependencies: []domain.PlanEdge{
			{From: "A", To: "B"},
			{From: "A", To: "C"},
			{From: "B", To: "D"},
			{From: "C", To: "D"},
		},
		ParallelGroups: [][]string{{"B", "C"}},
	}
}

func (h *harness) run(t *testing.T, p domain.ExecutionPlan, timeout time.Duration) domain.Operation {
	t.Helper()
	ctx := context.Background()
	op, err := h.mgr.Create(ctx, CreateInput{
		Type:    domain.OperationTypeWorkflow,
		OwnerID: "owner-1",
		Plan:    p,
		Context: domain.ExecutionContext{Resources: domain.ResourceRequest{CPU: 1, MemoryMB: 128}, Timeout: timeout},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.mgr.Start(ctx, op.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	return h.wait(t, op.ID)
}

func (h *harness) wait(t *testing.T, id string) domain.Operation {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	op, err := h.mgr.Wait(ctx, id)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	return op
}

func TestDiamondCompletes(t *testing.T) {
	j := newJournal()
	started := make(chan string, 2)
	pair := executor.HandlerFunc(func(ctx context.Context, req executor.Request) (executor.Result, error) {
		j.call(req.StepID)
		started <- req.StepID
		deadline := time.Now().Add(2 * time.Second)
		for len(started) < 2 {
			if time.Now().After(deadline) {
				return executor.Result{}, errors.New("sibling never started")
			}
			time.Sleep(time.Millisecond)
		}
		return executor.Result{}, nil
	})
	h := newHarness(t, memory.New(), j, map[string]executor.Handler{"pair": pair})

	op := h.run(t, diamond(step("B", "pair", true), step("C", "pair", true)), 0)
	if op.Status != domain.OperationStatusCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", op.Status, op.LastError)
	}
	for _, id := range []string{"A", "B", "C", "D"} {
		if j.count(id) != 1 {
			t.Fatalf("step %s ran %d times", id, j.count(id))
		}
	}
	st, err := h.mgr.GetState(context.Background(), op.ID)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if len(st.CompletedSteps) != 4 || st.Variables["A"] != "done" || st.Status != domain.OperationStatusCompleted {
		t.Fatalf("unexpected state %+v", st)
	}
	if usage := h.mgr.Usage(); usage.ActiveOperations != 0 {
		t.Fatalf("allocation not released: %+v", usage)
	}
}

func TestDiamondRequiredFailureCompensates(t *testing.T) {
	j := newJournal()
	h := newHarness(t, memory.New(), j, nil)

	op := h.run(t, diamond(step("B", "ok", true), step("C", "fail", true)), 0)
	if op.Status != domain.OperationStatusCompensated {
		t.Fatalf("expected COMPENSATED, got %s", op.Status)
	}
	if !strings.Contains(op.LastError, "required step C failed") {
		t.Fatalf("unexpected last error %q", op.LastError)
	}
	if j.count("D") != 0 {
		t.Fatalf("D must not run after a required failure")
	}
	if got := j.undoOrder(); !slices.Equal(got, []string{"B", "A"}) {
		t.Fatalf("expected reverse compensation B, A; got %v", got)
	}
	plan, err := h.mgr.Compensation(context.Background(), op.ID)
	if err != nil || plan.Status != domain.CompensationCompleted {
		t.Fatalf("unexpected compensation plan %+v %v", plan, err)
	}
	if !h.sink.has(domain.TopicCompensationFinished) || !h.sink.has(domain.TopicOperationFailed) {
		t.Fatalf("expected failure and compensation events")
	}
}

func TestDiamondOptionalFailureContinues(t *testing.T) {
	j := newJournal()
	h := newHarness(t, memory.New(), j, nil)

	op := h.run(t, diamond(step("B", "ok", true), step("C", "fail", false)), 0)
	if op.Status != domain.OperationStatusCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", op.Status, op.LastError)
	}
	st, _ := h.mgr.GetState(context.Background(), op.ID)
	if !st.IsFailed("C") || !st.IsCompleted("D") {
		t.Fatalf("unexpected state %+v", st)
	}
	if len(j.undoOrder()) != 0 {
		t.Fatalf("completed operation must not compensate")
	}
}

func TestSkippedStepUnblocksDependents(t *testing.T) {
	j := newJournal()
	guarded := executor.HandlerFunc(func(ctx context.Context, req executor.Request) (executor.Result, error) {
		j.call(req.StepID)
		return executor.Result{}, executor.Skip("nothing to migrate")
	})
	h := newHarness(t, memory.New(), j, map[string]executor.Handler{"guarded": guarded})

	op := h.run(t, diamond(step("B", "ok", true), step("C", "guarded", true)), 0)
	if op.Status != domain.OperationStatusCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", op.Status, op.LastError)
	}
	st, err := h.mgr.GetState(context.Background(), op.ID)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if !st.IsSkipped("C") || st.IsCompleted("C") || !st.IsCompleted("D") {
		t.Fatalf("unexpected state %+v", st)
	}
	if j.count("C") != 1 || j.count("D") != 1 {
		t.Fatalf("unexpected calls C=%d D=%d", j.count("C"), j.count("D"))
	}
	if !h.sink.has(domain.TopicStepSkipped) {
		t.Fatalf("expected step.skipped event")
	}
}

func TestOperationTimeoutDuringParallelSteps(t *testing.T) {
	j := newJournal()
	slow := executor.HandlerFunc(func(ctx context.Context, req executor.Request) (executor.Result, error) {
		j.call(req.StepID)
		select {
		case <-ctx.Done():
			return executor.Result{}, ctx.Err()
		case <-time.After(5 * time.Second):
			return executor.Result{}, nil
		}
	})
	h := newHarness(t, memory.New(), j, map[string]executor.Handler{"slow": slow})

	op := h.run(t, diamond(step("B", "slow", true), step("C", "slow", true)), 200*time.Millisecond)
	if op.Status != domain.OperationStatusCompensated {
		t.Fatalf("expected COMPENSATED, got %s (%s)", op.Status, op.LastError)
	}
	if !strings.Contains(op.LastError, "timed out") {
		t.Fatalf("unexpected last error %q", op.LastError)
	}
	st, _ := h.mgr.GetState(context.Background(), op.ID)
	if !st.IsFailed("B") || !st.IsFailed("C") {
		t.Fatalf("expected both in-flight steps failed, got %+v", st)
	}
	if got := j.undoOrder(); !slices.Equal(got, []string{"A"}) {
		t.Fatalf("expected only A compensated, got %v", got)
	}
}

func TestCancelRunningLetsInFlightStepsFinish(t *testing.T) {
	j := newJournal()
	release := make(chan struct{})
	entered := make(chan struct{}, 2)
	blocking := executor.HandlerFunc(func(ctx context.Context, req executor.Request) (executor.Result, error) {
		j.call(req.StepID)
		entered <- struct{}{}
		<-release
		return executor.Result{}, nil
	})
	h := newHarness(t, memory.New(), j, map[string]executor.Handler{"block": blocking})
	ctx := context.Background()

	op, err := h.mgr.Create(ctx, CreateInput{Type: domain.OperationTypeWorkflow, Plan: diamond(step("B", "block", true), step("C", "block", true))})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.mgr.Start(ctx, op.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	<-entered
	<-entered

	got, err := h.mgr.Cancel(ctx, op.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != domain.OperationStatusRunning {
		t.Fatalf("expected RUNNING until in-flight steps finish, got %s", got.Status)
	}
	close(release)

	final := h.wait(t, op.ID)
	if final.Status != domain.OperationStatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", final.Status)
	}
	st, _ := h.mgr.GetState(ctx, op.ID)
	if !st.IsCompleted("B") || !st.IsCompleted("C") {
		t.Fatalf("in-flight steps should finish, got %+v", st)
	}
	if j.count("D") != 0 || len(j.undoOrder()) != 0 {
		t.Fatalf("cancelled operation must not dispatch or compensate")
	}
}

func TestCancelPendingOperation(t *testing.T) {
	h := newHarness(t, memory.New(), newJournal(), nil)
	ctx := context.Background()
	op, err := h.mgr.Create(ctx, CreateInput{Type: domain.OperationTypeValidation, Plan: diamond(step("B", "ok", true), step("C", "ok", true))})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	cancelled, err := h.mgr.Cancel(ctx, op.ID)
	if err != nil || cancelled.Status != domain.OperationStatusCancelled {
		t.Fatalf("expected CANCELLED, got %+v %v", cancelled, err)
	}
	if _, err := h.mgr.Start(ctx, op.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition on start, got %v", err)
	}
	if _, err := h.mgr.Cancel(ctx, op.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition on second cancel, got %v", err)
	}
}

func TestStartDeniedLeavesOperationPending(t *testing.T) {
	h := newHarness(t, memory.New(), newJournal(), nil)
	ctx := context.Background()
	op, err := h.mgr.Create(ctx, CreateInput{
		Type:    domain.OperationTypeToolExecution,
		Plan:    diamond(step("B", "ok", true), step("C", "ok", true)),
		Context: domain.ExecutionContext{Resources: domain.ResourceRequest{CPU: 64}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.mgr.Start(ctx, op.ID); !errors.Is(err, domain.ErrResourceUnavailable) {
		t.Fatalf("expected resource unavailable, got %v", err)
	}
	got, _ := h.mgr.Get(ctx, op.ID)
	if got.Status != domain.OperationStatusPending {
		t.Fatalf("expected PENDING after denial, got %s", got.Status)
	}
}

func TestCreateRejectsCyclicPlan(t *testing.T) {
	h := newHarness(t, memory.New(), newJournal(), nil)
	p := diamond(step("B", "ok", true), step("C", "ok", true))
	p.Dependencies = append(p.Dependencies, domain.PlanEdge{From: "D", To: "A"})
	_, err := h.mgr.Create(context.Background(), CreateInput{Type: domain.OperationTypeWorkflow, Plan: p})
	if !errors.Is(err, domain.ErrInvalidPlan) {
		t.Fatalf("expected invalid plan, got %v", err)
	}
}

func TestResumeAfterShutdownDoesNotRepeatSteps(t *testing.T) {
	j := newJournal()
	store := memory.New()
	release := make(chan struct{})
	entered := make(chan struct{}, 2)
	blocking := executor.HandlerFunc(func(ctx context.Context, req executor.Request) (executor.Result, error) {
		j.call(req.StepID)
		entered <- struct{}{}
		<-release
		return executor.Result{}, nil
	})
	first := newHarness(t, store, j, map[string]executor.Handler{"block": blocking})
	ctx := context.Background()

	op, err := first.mgr.Create(ctx, CreateInput{Type: domain.OperationTypeWorkflow, Plan: diamond(step("B", "block", true), step("C", "block", true))})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := first.mgr.Start(ctx, op.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	<-entered
	<-entered

	shutdown := make(chan error, 1)
	go func() { shutdown <- first.mgr.Shutdown(ctx) }()
	for !first.mgr.isDraining() {
		time.Sleep(time.Millisecond)
	}
	close(release)
	if err := <-shutdown; err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	stopped, _ := store.Get(ctx, op.ID)
	if stopped.Status != domain.OperationStatusRunning {
		t.Fatalf("expected RUNNING after shutdown, got %s", stopped.Status)
	}

	second := newHarness(t, store, j, map[string]executor.Handler{"block": blocking})
	resumed, err := second.mgr.Recover(ctx)
	if err != nil || resumed != 1 {
		t.Fatalf("expected one resumed operation, got %d %v", resumed, err)
	}
	final := second.wait(t, op.ID)
	if final.Status != domain.OperationStatusCompleted {
		t.Fatalf("expected COMPLETED after resume, got %s (%s)", final.Status, final.LastError)
	}
	for _, id := range []string{"A", "B", "C", "D"} {
		if j.count(id) != 1 {
			t.Fatalf("step %s ran %d times across restarts", id, j.count(id))
		}
	}
	if final.Metadata.RetryCount != 1 {
		t.Fatalf("expected retry count 1, got %d", final.Metadata.RetryCount)
	}
}

func TestPersistenceFailureHaltsLoop(t *testing.T) {
	j := newJournal()
	store := memory.New()
	breaking := executor.HandlerFunc(func(ctx context.Context, req executor.Request) (executor.Result, error) {
		j.call(req.StepID)
		store.SetFailCommits(true)
		return executor.Result{}, nil
	})
	h := newHarness(t, store, j, map[string]executor.Handler{"break": breaking})

	p := domain.ExecutionPlan{
		Steps:        []domain.Step{step("A", "break", true), step("B", "ok", true)},
		Dependencies: []domain.PlanEdge{{From: "A", To: "B"}},
	}
	op := h.run(t, p, 0)
	if op.Status != domain.OperationStatusRunning {
		t.Fatalf("expected halted operation to stay RUNNING, got %s", op.Status)
	}
	if !strings.Contains(op.LastError, "halted") || !strings.Contains(op.LastError, "persist") {
		t.Fatalf("expected halt reason in last error, got %q", op.LastError)
	}
	if !h.sink.has(domain.TopicOperationHalted) {
		t.Fatalf("expected operation.halted event")
	}

	store.SetFailCommits(false)
	resumed, err := h.mgr.Recover(context.Background())
	if err != nil || resumed != 1 {
		t.Fatalf("expected one resumed operation, got %d %v", resumed, err)
	}
	final := h.wait(t, op.ID)
	if final.Status != domain.OperationStatusCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", final.Status, final.LastError)
	}
	if j.count("A") != 1 || j.count("B") != 1 {
		t.Fatalf("unexpected calls A=%d B=%d", j.count("A"), j.count("B"))
	}
}
