package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"gopkg.in/yaml.v3"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
	"github.com/animus-labs/animus-orchestrator/internal/events"
	"github.com/animus-labs/animus-orchestrator/internal/execution/plan"
	"github.com/animus-labs/animus-orchestrator/internal/platform/httpserver"
	"github.com/animus-labs/animus-orchestrator/internal/repo"
	"github.com/animus-labs/animus-orchestrator/internal/service/operations"
)

const (
	maxRequestBody = 1 << 20
	// stepStatusPending is reported for steps that have not been dispatched.
	stepStatusPending = "PENDING"
)

type operationsAPI struct {
	logger     *slog.Logger
	ops        *operations.Manager
	eventLog   repo.EventRepository
	bus        *events.Bus
	upgrader   websocket.Upgrader
	retryAfter time.Duration
	heartbeat  time.Duration
}

func newOperationsAPI(logger *slog.Logger, ops *operations.Manager, eventLog repo.EventRepository, bus *events.Bus) *operationsAPI {
	return &operationsAPI{
		logger:   logger,
		ops:      ops,
		eventLog: eventLog,
		bus:      bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		retryAfter: 5 * time.Second,
		heartbeat:  15 * time.Second,
	}
}

func (api *operationsAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /operations", api.handleCreateOperation)
	mux.HandleFunc("GET /operations", api.handleListOperations)
	mux.HandleFunc("GET /operations/{id}", api.handleGetOperation)
	mux.HandleFunc("POST /operations/{id}/start", api.handleStartOperation)
	mux.HandleFunc("POST /operations/{id}/cancel", api.handleCancelOperation)
	mux.HandleFunc("GET /operations/{id}/state", api.handleGetState)
	mux.HandleFunc("GET /operations/{id}/compensation", api.handleGetCompensation)

	mux.HandleFunc("GET /operations/{id}/steps/{step_id}", api.handleGetStep)
	mux.HandleFunc("POST /operations/{id}/steps/{step_id}/cancel", api.handleCancelStep)

	mux.HandleFunc("GET /operations/{id}/events", api.handleListEvents)
	mux.HandleFunc("GET /operations/{id}/stream", api.handleStreamEvents)
	mux.HandleFunc("GET /operations/{id}/ws", api.handleWebSocket)

	mux.HandleFunc("GET /resources/usage", api.handleResourceUsage)
}

type createOperationRequest struct {
	Type     string          `json:"type" yaml:"type"`
	OwnerID  string          `json:"ownerId,omitempty" yaml:"ownerId,omitempty"`
	Plan     plan.Payload    `json:"plan" yaml:"plan"`
	Context  contextPayload  `json:"context" yaml:"context"`
	Metadata metadataPayload `json:"metadata" yaml:"metadata"`
}

type contextPayload struct {
	Resources   resourcePayload   `json:"resources" yaml:"resources"`
	Environment map[string]string `json:"environment,omitempty" yaml:"environment,omitempty"`
	TimeoutMs   int64             `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty"`
}

type resourcePayload struct {
	CPU      float64 `json:"cpu" yaml:"cpu"`
	MemoryMB int64   `json:"memoryMb" yaml:"memoryMb"`
}

type metadataPayload struct {
	Priority   int               `json:"priority,omitempty" yaml:"priority,omitempty"`
	RetryCount int               `json:"retryCount,omitempty" yaml:"-"`
	Labels     map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

type operationResponse struct {
	ID                  string          `json:"id"`
	Type                string          `json:"type"`
	OwnerID             string          `json:"ownerId,omitempty"`
	Status              string          `json:"status"`
	Plan                plan.Payload    `json:"plan"`
	Context             contextPayload  `json:"context"`
	Metadata            metadataPayload `json:"metadata"`
	LastError           string          `json:"lastError,omitempty"`
	EstimatedDurationMs int64           `json:"estimatedDurationMs"`
	CreatedAt           time.Time       `json:"createdAt"`
	UpdatedAt           time.Time       `json:"updatedAt"`
}

func toOperationResponse(op domain.Operation) operationResponse {
	return operationResponse{
		ID:      op.ID,
		Type:    string(op.Type),
		OwnerID: op.OwnerID,
		Status:  string(op.Status),
		Plan:    plan.PayloadFromDomain(op.Plan),
		Context: contextPayload{
			Resources:   resourcePayload{CPU: op.Context.Resources.CPU, MemoryMB: op.Context.Resources.MemoryMB},
			Environment: op.Context.Environment,
			TimeoutMs:   op.Context.Timeout.Milliseconds(),
		},
		Metadata: metadataPayload{
			Priority:   op.Metadata.Priority,
			RetryCount: op.Metadata.RetryCount,
			Labels:     op.Metadata.Labels,
		},
		LastError:           op.LastError,
		EstimatedDurationMs: op.EstimatedDuration.Milliseconds(),
		CreatedAt:           op.CreatedAt,
		UpdatedAt:           op.UpdatedAt,
	}
}

type checkpointResponse struct {
	ID        string    `json:"id"`
	StepID    string    `json:"stepId,omitempty"`
	Type      string    `json:"type"`
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}

type stateResponse struct {
	OperationID    string               `json:"operationId"`
	Status         string               `json:"status"`
	CompletedSteps []string             `json:"completedSteps"`
	FailedSteps    []string             `json:"failedSteps"`
	SkippedSteps   []string             `json:"skippedSteps"`
	Variables      map[string]any       `json:"variables"`
	Checkpoints    []checkpointResponse `json:"checkpoints"`
	Sequence       int64                `json:"sequence"`
	LastUpdated    time.Time            `json:"lastUpdated"`
}

func toStateResponse(st domain.OperationState) stateResponse {
	out := stateResponse{
		OperationID:    st.OperationID,
		Status:         string(st.Status),
		CompletedSteps: nonNil(st.CompletedSteps),
		FailedSteps:    nonNil(st.FailedSteps),
		SkippedSteps:   nonNil(st.SkippedSteps),
		Variables:      st.Variables,
		Checkpoints:    make([]checkpointResponse, 0, len(st.Checkpoints)),
		Sequence:       st.Sequence,
		LastUpdated:    st.LastUpdated,
	}
	if out.Variables == nil {
		out.Variables = map[string]any{}
	}
	for _, cp := range st.Checkpoints {
		out.Checkpoints = append(out.Checkpoints, checkpointResponse{
			ID:        cp.ID,
			StepID:    cp.StepID,
			Type:      string(cp.Type),
			Sequence:  cp.Sequence,
			Timestamp: cp.Timestamp,
		})
	}
	return out
}

type stepResponse struct {
	OperationID string     `json:"operationId"`
	StepID      string     `json:"stepId"`
	Status      string     `json:"status"`
	Attempt     int        `json:"attempt,omitempty"`
	Progress    float64    `json:"progress"`
	Cancelled   bool       `json:"cancelled,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	UpdatedAt   *time.Time `json:"updatedAt,omitempty"`
}

type compensationActionResponse struct {
	StepID       string `json:"stepId"`
	Type         string `json:"type,omitempty"`
	Irreversible bool   `json:"irreversible"`
	Status       string `json:"status"`
	Attempts     int    `json:"attempts"`
	Error        string `json:"error,omitempty"`
}

type compensationResponse struct {
	ID          string                       `json:"id"`
	OperationID string                       `json:"operationId"`
	Status      string                       `json:"status"`
	Actions     []compensationActionResponse `json:"actions"`
	CreatedAt   time.Time                    `json:"createdAt"`
	FinishedAt  *time.Time                   `json:"finishedAt,omitempty"`
}

func (api *operationsAPI) handleCreateOperation(w http.ResponseWriter, r *http.Request) {
	var req createOperationRequest
	if err := decodeBody(r, &req); err != nil {
		httpserver.WriteErrorDetail(w, r, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if req.Context.TimeoutMs < 0 {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_timeout")
		return
	}

	op, err := api.ops.Create(r.Context(), operations.CreateInput{
		Type:    domain.OperationType(req.Type),
		OwnerID: req.OwnerID,
		Plan:    req.Plan.ToDomain(),
		Context: domain.ExecutionContext{
			Resources:   domain.ResourceRequest{CPU: req.Context.Resources.CPU, MemoryMB: req.Context.Resources.MemoryMB},
			Environment: req.Context.Environment,
			Timeout:     time.Duration(req.Context.TimeoutMs) * time.Millisecond,
		},
		Metadata: domain.OperationMetadata{
			Priority: req.Metadata.Priority,
			Labels:   req.Metadata.Labels,
		},
	})
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", "/operations/"+op.ID)
	httpserver.WriteJSON(w, http.StatusCreated, toOperationResponse(op))
}

func (api *operationsAPI) handleListOperations(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := repo.OperationFilter{OwnerID: strings.TrimSpace(query.Get("owner_id")), Limit: 100}
	if raw := strings.TrimSpace(query.Get("status")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			status := domain.NormalizeOperationStatus(part)
			if status == "" {
				httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_status")
				return
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > 1000 {
			httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_limit")
			return
		}
		filter.Limit = limit
	}

	ops, err := api.ops.List(r.Context(), filter)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	out := make([]operationResponse, 0, len(ops))
	for _, op := range ops {
		out = append(out, toOperationResponse(op))
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"operations": out})
}

func (api *operationsAPI) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	op, err := api.ops.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, toOperationResponse(op))
}

func (api *operationsAPI) handleStartOperation(w http.ResponseWriter, r *http.Request) {
	op, err := api.ops.Start(r.Context(), r.PathValue("id"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusAccepted, toOperationResponse(op))
}

func (api *operationsAPI) handleCancelOperation(w http.ResponseWriter, r *http.Request) {
	op, err := api.ops.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusAccepted, toOperationResponse(op))
}

func (api *operationsAPI) handleGetState(w http.ResponseWriter, r *http.Request) {
	st, err := api.ops.GetState(r.Context(), r.PathValue("id"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, toStateResponse(st))
}

func (api *operationsAPI) handleGetCompensation(w http.ResponseWriter, r *http.Request) {
	cp, err := api.ops.Compensation(r.Context(), r.PathValue("id"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	out := compensationResponse{
		ID:          cp.ID,
		OperationID: cp.OperationID,
		Status:      string(cp.Status),
		Actions:     make([]compensationActionResponse, 0, len(cp.Actions)),
		CreatedAt:   cp.CreatedAt,
		FinishedAt:  cp.FinishedAt,
	}
	for _, action := range cp.Actions {
		out.Actions = append(out.Actions, compensationActionResponse{
			StepID:       action.StepID,
			Type:         action.Type,
			Irreversible: action.Irreversible,
			Status:       string(action.Status),
			Attempts:     action.Attempts,
			Error:        action.Error,
		})
	}
	httpserver.WriteJSON(w, http.StatusOK, out)
}

// handleGetStep serves live progress for in-flight steps and falls back to
// the persisted state for everything else.
func (api *operationsAPI) handleGetStep(w http.ResponseWriter, r *http.Request) {
	id, stepID := r.PathValue("id"), r.PathValue("step_id")
	op, err := api.ops.Get(r.Context(), id)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	if _, ok := op.Plan.Step(stepID); !ok {
		httpserver.WriteError(w, r, http.StatusNotFound, "step_not_found")
		return
	}

	if info, ok := api.ops.StepStatus(id, stepID); ok {
		started, updated := info.StartedAt, info.UpdatedAt
		httpserver.WriteJSON(w, http.StatusOK, stepResponse{
			OperationID: id,
			StepID:      stepID,
			Status:      string(info.Status),
			Attempt:     info.Attempt,
			Progress:    info.Progress,
			Cancelled:   info.Cancelled,
			StartedAt:   &started,
			UpdatedAt:   &updated,
		})
		return
	}

	st, err := api.ops.GetState(r.Context(), id)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		api.writeServiceError(w, r, err)
		return
	}
	resp := stepResponse{OperationID: id, StepID: stepID, Status: stepStatusPending}
	switch {
	case st.IsCompleted(stepID):
		resp.Status, resp.Progress = string(domain.StepStatusCompleted), 1
	case st.IsFailed(stepID):
		resp.Status = string(domain.StepStatusFailed)
	case st.IsSkipped(stepID):
		resp.Status = string(domain.StepStatusSkipped)
	}
	httpserver.WriteJSON(w, http.StatusOK, resp)
}

func (api *operationsAPI) handleCancelStep(w http.ResponseWriter, r *http.Request) {
	force := false
	if raw := strings.TrimSpace(r.URL.Query().Get("force")); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_force")
			return
		}
		force = parsed
	}
	id, stepID := r.PathValue("id"), r.PathValue("step_id")
	if !api.ops.CancelStep(id, stepID, force) {
		httpserver.WriteError(w, r, http.StatusNotFound, "step_not_running")
		return
	}
	httpserver.WriteJSON(w, http.StatusAccepted, map[string]any{
		"operationId": id,
		"stepId":      stepID,
		"force":       force,
	})
}

func (api *operationsAPI) handleResourceUsage(w http.ResponseWriter, r *http.Request) {
	usage := api.ops.Usage()
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{
		"activeOperations": usage.ActiveOperations,
		"cpu":              usage.CPU,
		"memoryMb":         usage.MemoryMB,
		"stepsInFlight":    usage.StepsInFlight,
		"quotas": map[string]any{
			"maxConcurrentOperations": usage.Quotas.MaxConcurrentOperations,
			"maxCpu":                  usage.Quotas.MaxCPU,
			"maxMemoryMb":             usage.Quotas.MaxMemoryMB,
			"maxConcurrentSteps":      usage.Quotas.MaxConcurrentSteps,
		},
	})
}

func (api *operationsAPI) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var planErr *plan.ValidationError
	switch {
	case errors.As(err, &planErr):
		httpserver.WriteJSON(w, http.StatusBadRequest, map[string]any{
			"error":      "invalid_plan",
			"issues":     planErr.Issues,
			"request_id": r.Header.Get("X-Request-Id"),
		})
	case errors.Is(err, domain.ErrInvalidPlan):
		httpserver.WriteErrorDetail(w, r, http.StatusBadRequest, "invalid_plan", err.Error())
	case errors.Is(err, repo.ErrNotFound):
		httpserver.WriteError(w, r, http.StatusNotFound, "not_found")
	case errors.Is(err, domain.ErrResourceUnavailable):
		w.Header().Set("Retry-After", strconv.Itoa(int(api.retryAfter.Seconds())))
		httpserver.WriteErrorDetail(w, r, http.StatusServiceUnavailable, "resource_unavailable", err.Error())
	case errors.Is(err, operations.ErrShuttingDown):
		w.Header().Set("Retry-After", strconv.Itoa(int(api.retryAfter.Seconds())))
		httpserver.WriteError(w, r, http.StatusServiceUnavailable, "shutting_down")
	case errors.Is(err, domain.ErrAlreadyRunning):
		httpserver.WriteErrorDetail(w, r, http.StatusConflict, "already_running", err.Error())
	case errors.Is(err, domain.ErrInvalidTransition):
		httpserver.WriteErrorDetail(w, r, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, repo.ErrConflict):
		httpserver.WriteError(w, r, http.StatusConflict, "conflict")
	default:
		api.logger.Error("request failed", "request_id", r.Header.Get("X-Request-Id"), "path", r.URL.Path, "error", err)
		httpserver.WriteError(w, r, http.StatusInternalServerError, "internal_error")
	}
}

// decodeBody accepts JSON and YAML documents; unknown fields are rejected in
// both.
func decodeBody(r *http.Request, dst any) error {
	mediaType := "application/json"
	if ct := r.Header.Get("Content-Type"); ct != "" {
		parsed, _, err := mime.ParseMediaType(ct)
		if err != nil {
			return fmt.Errorf("content type: %w", err)
		}
		mediaType = parsed
	}
	body := io.LimitReader(r.Body, maxRequestBody)
	switch mediaType {
	case "application/json":
		return decodeJSON(body, dst)
	case "application/yaml", "application/x-yaml", "text/yaml":
		dec := yaml.NewDecoder(body)
		dec.KnownFields(true)
		if err := dec.Decode(dst); err != nil {
			return fmt.Errorf("decode yaml: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported content type %q", mediaType)
	}
}

func decodeJSON(body io.Reader, dst any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
