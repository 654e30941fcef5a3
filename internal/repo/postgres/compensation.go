package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
)

type CompensationStore struct {
	db DB
}

const (
	upsertCompensationPlanQuery = `INSERT INTO compensation_plans (
		plan_id, operation_id, status, actions, created_at, finished_at
	) VALUES ($1,$2,$3,$4,$5,$6)
	ON CONFLICT (plan_id) DO UPDATE SET
		status = EXCLUDED.status,
		actions = EXCLUDED.actions,
		finished_at = EXCLUDED.finished_at`

	selectCompensationPlanQuery = `SELECT plan_id, operation_id, status, actions, created_at, finished_at
		FROM compensation_plans WHERE plan_id = $1`

	selectCompensationPlanByOperationQuery = `SELECT plan_id, operation_id, status, actions, created_at, finished_at
		FROM compensation_plans WHERE operation_id = $1
		ORDER BY created_at DESC
		LIMIT 1`
)

type compensationActionPayload struct {
	StepID       string         `json:"stepId"`
	Type         string         `json:"type,omitempty"`
	Params       map[string]any `json:"params,omitempty"`
	MaxAttempts  int            `json:"maxAttempts,omitempty"`
	TimeoutMs    int64          `json:"timeoutMs,omitempty"`
	Irreversible bool           `json:"irreversible"`
	Status       string         `json:"status"`
	Error        string         `json:"error,omitempty"`
	Attempts     int            `json:"attempts"`
}

func NewCompensationStore(db DB) *CompensationStore {
	if db == nil {
		return nil
	}
	return &CompensationStore{db: db}
}

func (s *CompensationStore) SavePlan(ctx context.Context, plan domain.CompensationPlan) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("compensation store not initialized")
	}
	if strings.TrimSpace(plan.ID) == "" {
		return fmt.Errorf("plan id is required")
	}
	if strings.TrimSpace(plan.OperationID) == "" {
		return fmt.Errorf("operation id is required")
	}
	actions := make([]compensationActionPayload, 0, len(plan.Actions))
	for _, action := range plan.Actions {
		actions = append(actions, compensationActionPayload{
			StepID:       action.StepID,
			Type:         action.Type,
			Params:       action.Params,
			MaxAttempts:  action.MaxAttempts,
			TimeoutMs:    action.Timeout.Milliseconds(),
			Irreversible: action.Irreversible,
			Status:       string(action.Status),
			Error:        action.Error,
			Attempts:     action.Attempts,
		})
	}
	actionsJSON, err := json.Marshal(actions)
	if err != nil {
		return fmt.Errorf("encode actions: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		upsertCompensationPlanQuery,
		plan.ID,
		plan.OperationID,
		string(plan.Status),
		actionsJSON,
		normalizeTime(plan.CreatedAt),
		nullTime(plan.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("save compensation plan: %w", err)
	}
	return nil
}

func (s *CompensationStore) GetPlan(ctx context.Context, id string) (domain.CompensationPlan, error) {
	if s == nil || s.db == nil {
		return domain.CompensationPlan{}, fmt.Errorf("compensation store not initialized")
	}
	return scanCompensationPlan(s.db.QueryRowContext(ctx, selectCompensationPlanQuery, strings.TrimSpace(id)))
}

func (s *CompensationStore) GetPlanByOperation(ctx context.Context, operationID string) (domain.CompensationPlan, error) {
	if s == nil || s.db == nil {
		return domain.CompensationPlan{}, fmt.Errorf("compensation store not initialized")
	}
	return scanCompensationPlan(s.db.QueryRowContext(ctx, selectCompensationPlanByOperationQuery, strings.TrimSpace(operationID)))
}

func scanCompensationPlan(scanner rowScanner) (domain.CompensationPlan, error) {
	var (
		plan        domain.CompensationPlan
		status      string
		actionsJSON []byte
		finishedAt  sql.NullTime
	)
	if err := scanner.Scan(&plan.ID, &plan.OperationID, &status, &actionsJSON, &plan.CreatedAt, &finishedAt); err != nil {
		return domain.CompensationPlan{}, handleNotFound(err)
	}
	var actions []compensationActionPayload
	if len(actionsJSON) > 0 {
		if err := json.Unmarshal(actionsJSON, &actions); err != nil {
			return domain.CompensationPlan{}, fmt.Errorf("decode actions: %w", err)
		}
	}
	plan.Actions = make([]domain.CompensationAction, 0, len(actions))
	for _, action := range actions {
		plan.Actions = append(plan.Actions, domain.CompensationAction{
			StepID:       action.StepID,
			Type:         action.Type,
			Params:       action.Params,
			MaxAttempts:  action.MaxAttempts,
			Timeout:      time.Duration(action.TimeoutMs) * time.Millisecond,
			Irreversible: action.Irreversible,
			Status:       domain.CompensationStatus(action.Status),
			Error:        action.Error,
			Attempts:     action.Attempts,
		})
	}
	plan.Status = domain.CompensationStatus(status)
	plan.CreatedAt = plan.CreatedAt.UTC()
	plan.FinishedAt = timePtr(finishedAt)
	return plan, nil
}
