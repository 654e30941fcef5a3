package main

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/animus-labs/animus-orchestrator/internal/events"
	"github.com/animus-labs/animus-orchestrator/internal/execution/executor"
	"github.com/animus-labs/animus-orchestrator/internal/execution/executor/handlers"
	"github.com/animus-labs/animus-orchestrator/internal/metrics"
	"github.com/animus-labs/animus-orchestrator/internal/repo"
	"github.com/animus-labs/animus-orchestrator/internal/service/compensation"
	"github.com/animus-labs/animus-orchestrator/internal/service/operations"
	"github.com/animus-labs/animus-orchestrator/internal/service/opstate"
	"github.com/animus-labs/animus-orchestrator/internal/service/resources"
)

type stack struct {
	bus       *events.Bus
	resources *resources.Manager
	ops       *operations.Manager
	eventLog  repo.EventRepository
}

// buildStack assembles the services over one store. Events always land in
// the store's event log; extra sinks fan them out further.
func buildStack(logger *slog.Logger, store repo.Store, cfg config, archiver opstate.Archiver, m *metrics.Metrics, sinks ...events.Sink) (*stack, error) {
	all := append([]events.Sink{events.NewStoreSink(store.Events())}, sinks...)
	bus := events.NewBus(logger, all...)

	res, err := resources.New(cfg.Quotas, store.Allocations(), logger, m)
	if err != nil {
		return nil, fmt.Errorf("resources: %w", err)
	}
	states, err := opstate.New(opstate.Config{
		States:    store.States(),
		Results:   store.StepResults(),
		Publisher: bus,
		Archiver:  archiver,
		Logger:    logger,
		Metrics:   m,
	})
	if err != nil {
		return nil, fmt.Errorf("state manager: %w", err)
	}

	registry := executor.NewRegistry()
	httpHandler := handlers.NewHTTP(handlers.HTTPConfig{
		Client: &http.Client{Timeout: cfg.HTTPStepTimeout},
		Logger: logger,
	})
	if err := handlers.RegisterBuiltins(registry, httpHandler); err != nil {
		return nil, fmt.Errorf("register handlers: %w", err)
	}
	exec, err := executor.New(executor.Config{
		Registry: registry,
		Recorder: states,
		Slots:    res,
		Logger:   logger,
		Metrics:  m,
	})
	if err != nil {
		return nil, fmt.Errorf("executor: %w", err)
	}

	comp, err := compensation.New(compensation.Config{
		Plans:         store.Compensations(),
		Operations:    store.Operations(),
		States:        states,
		Checkpointer:  states,
		Handlers:      registry,
		Publisher:     bus,
		Logger:        logger,
		Metrics:       m,
		RetryInterval: cfg.CompensationInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("compensation: %w", err)
	}

	ops, err := operations.New(operations.Config{
		Operations:        store.Operations(),
		States:            states,
		Resources:         res,
		Executor:          exec,
		Compensation:      comp,
		Publisher:         bus,
		Logger:            logger,
		Metrics:           m,
		TerminalCacheSize: cfg.TerminalCacheSize,
		CheckpointKeep:    cfg.CheckpointKeep,
	})
	if err != nil {
		return nil, fmt.Errorf("operations: %w", err)
	}
	return &stack{bus: bus, resources: res, ops: ops, eventLog: store.Events()}, nil
}
