// Package handlers contains the step handlers shipped with the orchestrator.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/animus-labs/animus-orchestrator/internal/execution/executor"
)

// Built-in step types.
const (
	TypeNoop         = "noop"
	TypeDelay        = "delay"
	TypeSetVariables = "set_variables"
	TypeFail         = "fail"
	TypeHTTP         = "http"
)

// RegisterBuiltins adds every built-in handler to r.
func RegisterBuiltins(r *executor.Registry, httpHandler *HTTP) error {
	builtins := map[string]executor.Handler{
		TypeNoop:         executor.HandlerFunc(Noop),
		TypeDelay:        executor.HandlerFunc(Delay),
		TypeSetVariables: executor.HandlerFunc(SetVariables),
		TypeFail:         executor.HandlerFunc(Fail),
	}
	if httpHandler != nil {
		builtins[TypeHTTP] = httpHandler
	}
	for stepType, h := range builtins {
		if err := r.Register(stepType, h); err != nil {
			return err
		}
	}
	return nil
}

// Noop succeeds without side effects. A non-empty params.skip resolves the
// step as skipped with that reason.
func Noop(ctx context.Context, req executor.Request) (executor.Result, error) {
	if reason, _ := req.Params["skip"].(string); strings.TrimSpace(reason) != "" {
		return executor.Result{}, executor.Skip(reason)
	}
	return executor.Result{Data: map[string]any{"attempt": req.Attempt}}, nil
}

// Delay sleeps for params.duration ("1.5s" or milliseconds) and reports
// progress while it waits. It stops early when cancelled.
func Delay(ctx context.Context, req executor.Request) (executor.Result, error) {
	d, err := durationParam(req.Params, "duration")
	if err != nil {
		return executor.Result{}, executor.Permanent(err)
	}
	if d <= 0 {
		return executor.Result{Data: map[string]any{"slept_ms": int64(0)}}, nil
	}

	interval := d / 10
	if interval <= 0 {
		interval = d
	}
	start := time.Now()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	deadline := time.NewTimer(d)
	defer deadline.Stop()
	for {
		select {
		case <-deadline.C:
			return executor.Result{Data: map[string]any{"slept_ms": time.Since(start).Milliseconds()}}, nil
		case <-ticker.C:
			if req.Report != nil {
				req.Report(float64(time.Since(start)) / float64(d))
			}
		case <-req.Cancelled:
			return executor.Result{}, errors.New("delay cancelled")
		case <-ctx.Done():
			return executor.Result{}, ctx.Err()
		}
	}
}

// SetVariables publishes params.variables (or every param when absent) as
// operation variables.
func SetVariables(ctx context.Context, req executor.Request) (executor.Result, error) {
	vars := req.Params
	if nested, ok := req.Params["variables"].(map[string]any); ok {
		vars = nested
	}
	out := maps.Clone(vars)
	if out == nil {
		out = map[string]any{}
	}
	return executor.Result{Variables: out, Data: map[string]any{"count": len(out)}}, nil
}

// Fail always fails. params.permanent=true disables retries; params.until
// makes attempts before that number fail and later ones succeed.
func Fail(ctx context.Context, req executor.Request) (executor.Result, error) {
	msg, _ := req.Params["message"].(string)
	if strings.TrimSpace(msg) == "" {
		msg = "step failed on request"
	}
	if until, ok := intParam(req.Params, "until"); ok && req.Attempt >= until {
		return executor.Result{Data: map[string]any{"attempt": req.Attempt}}, nil
	}
	err := errors.New(msg)
	if permanent, _ := req.Params["permanent"].(bool); permanent {
		return executor.Result{}, executor.Permanent(err)
	}
	return executor.Result{}, err
}

func durationParam(params map[string]any, key string) (time.Duration, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		return 0, fmt.Errorf("%s is required", key)
	}
	switch v := raw.(type) {
	case string:
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", key, err)
		}
		return d, nil
	default:
		ms, ok := intParam(params, key)
		if !ok {
			return 0, fmt.Errorf("invalid %s: %v", key, raw)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
}

func intParam(params map[string]any, key string) (int, bool) {
	switch v := params[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}
