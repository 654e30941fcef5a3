package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/animus-labs/animus-orchestrator/internal/execution/executor"
)

func TestRegisterBuiltins(t *testing.T) {
	r := executor.NewRegistry()
	if err := RegisterBuiltins(r, NewHTTP(HTTPConfig{})); err != nil {
		t.Fatalf("register: %v", err)
	}
	for _, stepType := range []string{TypeNoop, TypeDelay, TypeSetVariables, TypeFail, TypeHTTP} {
		if _, ok := r.Lookup(stepType); !ok {
			t.Fatalf("missing handler %s", stepType)
		}
	}
}

func TestDelayStopsOnCancel(t *testing.T) {
	cancelled := make(chan struct{})
	close(cancelled)
	_, err := Delay(context.Background(), executor.Request{
		Params:    map[string]any{"duration": "10s"},
		Cancelled: cancelled,
	})
	if err == nil {
		t.Fatalf("expected cancellation error")
	}
}

func TestDelayReportsProgress(t *testing.T) {
	var reports atomic.Int32
	res, err := Delay(context.Background(), executor.Request{
		Params:    map[string]any{"duration": float64(50)},
		Cancelled: make(chan struct{}),
		Report:    func(float64) { reports.Add(1) },
	})
	if err != nil {
		t.Fatalf("delay: %v", err)
	}
	if res.Data["slept_ms"].(int64) < 50 {
		t.Fatalf("slept too little: %v", res.Data)
	}
	if reports.Load() == 0 {
		t.Fatalf("expected progress reports")
	}
}

func TestDelayRejectsBadDuration(t *testing.T) {
	_, err := Delay(context.Background(), executor.Request{Params: map[string]any{"duration": "soon"}})
	var perm *backoff.PermanentError
	if !errors.As(err, &perm) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestSetVariables(t *testing.T) {
	res, err := SetVariables(context.Background(), executor.Request{
		Params: map[string]any{"variables": map[string]any{"region": "eu-west-1"}},
	})
	if err != nil {
		t.Fatalf("set variables: %v", err)
	}
	if res.Variables["region"] != "eu-west-1" {
		t.Fatalf("unexpected variables %v", res.Variables)
	}
}

func TestNoopSkipsOnRequest(t *testing.T) {
	_, err := Noop(context.Background(), executor.Request{Params: map[string]any{"skip": "nothing to do"}})
	var skip *executor.SkipError
	if !errors.As(err, &skip) || skip.Reason != "nothing to do" {
		t.Fatalf("expected skip error, got %v", err)
	}
	if _, err := Noop(context.Background(), executor.Request{}); err != nil {
		t.Fatalf("plain noop failed: %v", err)
	}
}

func TestFailUntilAttempt(t *testing.T) {
	params := map[string]any{"until": 2}
	if _, err := Fail(context.Background(), executor.Request{Attempt: 1, Params: params}); err == nil {
		t.Fatalf("expected first attempt to fail")
	}
	if _, err := Fail(context.Background(), executor.Request{Attempt: 2, Params: params}); err != nil {
		t.Fatalf("expected second attempt to succeed: %v", err)
	}
}

func TestHTTPHandlerDecodesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("X-Operation-Id") != "op-1" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var in map[string]any
		_ = json.NewDecoder(r.Body).Decode(&in)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"variables": map[string]any{"echo": in["name"]}})
	}))
	defer srv.Close()

	h := NewHTTP(HTTPConfig{Client: srv.Client()})
	res, err := h.Execute(context.Background(), executor.Request{
		OperationID: "op-1",
		StepID:      "call",
		Params: map[string]any{
			"url":    srv.URL + "/provision",
			"method": "post",
			"body":   map[string]any{"name": "db"},
		},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Data["status"] != http.StatusOK || res.Variables["echo"] != "db" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestHTTPClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	h := NewHTTP(HTTPConfig{Client: srv.Client()})
	_, err := h.Execute(context.Background(), executor.Request{Params: map[string]any{"url": srv.URL}})
	var perm *backoff.PermanentError
	if !errors.As(err, &perm) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestHTTPBreakerOpensPerHost(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	h := NewHTTP(HTTPConfig{Client: srv.Client(), BreakerFailures: 2, BreakerTimeout: time.Minute})
	req := executor.Request{Params: map[string]any{"url": srv.URL}}
	for i := 0; i < 2; i++ {
		if _, err := h.Execute(context.Background(), req); err == nil {
			t.Fatalf("expected failure %d", i)
		}
	}
	_, err := h.Execute(context.Background(), req)
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected open breaker, got %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected breaker to short-circuit, server saw %d calls", calls.Load())
	}
}
