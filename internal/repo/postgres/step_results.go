package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
)

type StepResultStore struct {
	db DB
}

const (
	stepResultColumns = `operation_id, step_id, attempt, status, terminal, data, variables, error_code, error_message,
		execution_ms, started_at, completed_at, sequence`

	insertStepResultQuery = `INSERT INTO step_results (
		step_result_id, ` + stepResultColumns + `
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	ON CONFLICT (operation_id, step_id, attempt) DO NOTHING
	RETURNING ` + stepResultColumns

	selectStepResultQuery = `SELECT ` + stepResultColumns + `
		FROM step_results
		WHERE operation_id = $1 AND step_id = $2 AND attempt = $3`

	listStepResultsAfterQuery = `SELECT ` + stepResultColumns + `
		FROM step_results
		WHERE operation_id = $1 AND sequence > $2
		ORDER BY sequence ASC, step_id ASC, attempt ASC`
)

func NewStepResultStore(db DB) *StepResultStore {
	if db == nil {
		return nil
	}
	return &StepResultStore{db: db}
}

func (s *StepResultStore) InsertResult(ctx context.Context, result domain.StepResult) (domain.StepResult, bool, error) {
	if s == nil || s.db == nil {
		return domain.StepResult{}, false, fmt.Errorf("step result store not initialized")
	}
	operationID := strings.TrimSpace(result.OperationID)
	stepID := strings.TrimSpace(result.StepID)
	if operationID == "" {
		return domain.StepResult{}, false, fmt.Errorf("operation id is required")
	}
	if stepID == "" {
		return domain.StepResult{}, false, fmt.Errorf("step id is required")
	}
	if result.Attempt < 1 {
		return domain.StepResult{}, false, fmt.Errorf("attempt must be >= 1")
	}
	if result.Status == "" {
		return domain.StepResult{}, false, fmt.Errorf("status is required")
	}
	dataJSON, err := encodeMap(result.Data)
	if err != nil {
		return domain.StepResult{}, false, fmt.Errorf("encode data: %w", err)
	}
	varsJSON, err := encodeMap(result.Variables)
	if err != nil {
		return domain.StepResult{}, false, fmt.Errorf("encode variables: %w", err)
	}
	var completedAt *time.Time
	if !result.CompletedAt.IsZero() {
		completedAt = &result.CompletedAt
	}

	inserted, err := scanStepResult(s.db.QueryRowContext(
		ctx,
		insertStepResultQuery,
		uuid.NewString(),
		operationID,
		stepID,
		result.Attempt,
		string(result.Status),
		result.Terminal,
		dataJSON,
		varsJSON,
		nullIfEmpty(result.ErrorCode),
		nullIfEmpty(result.Error),
		result.ExecutionTime.Milliseconds(),
		normalizeTime(result.StartedAt),
		nullTime(completedAt),
		result.Sequence,
	))
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return domain.StepResult{}, false, fmt.Errorf("insert step result: %w", err)
		}
		existing, err := scanStepResult(s.db.QueryRowContext(ctx, selectStepResultQuery, operationID, stepID, result.Attempt))
		if err != nil {
			return domain.StepResult{}, false, handleNotFound(err)
		}
		return existing, false, nil
	}
	return inserted, true, nil
}

func (s *StepResultStore) ListResults(ctx context.Context, operationID string) ([]domain.StepResult, error) {
	return s.ListResultsAfter(ctx, operationID, -1)
}

func (s *StepResultStore) ListResultsAfter(ctx context.Context, operationID string, sequence int64) ([]domain.StepResult, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("step result store not initialized")
	}
	operationID = strings.TrimSpace(operationID)
	if operationID == "" {
		return nil, fmt.Errorf("operation id is required")
	}
	rows, err := s.db.QueryContext(ctx, listStepResultsAfterQuery, operationID, sequence)
	if err != nil {
		return nil, fmt.Errorf("list step results: %w", err)
	}
	defer rows.Close()

	out := make([]domain.StepResult, 0)
	for rows.Next() {
		result, err := scanStepResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, result)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list step results: %w", err)
	}
	return out, nil
}

// scanStepResult keeps sql.ErrNoRows unwrapped so callers can detect an
// ON CONFLICT DO NOTHING insert.
func scanStepResult(scanner rowScanner) (domain.StepResult, error) {
	var (
		result       domain.StepResult
		status       string
		dataJSON     []byte
		varsJSON     []byte
		errorCode    sql.NullString
		errorMessage sql.NullString
		executionMs  int64
		completedAt  sql.NullTime
	)
	if err := scanner.Scan(
		&result.OperationID,
		&result.StepID,
		&result.Attempt,
		&status,
		&result.Terminal,
		&dataJSON,
		&varsJSON,
		&errorCode,
		&errorMessage,
		&executionMs,
		&result.StartedAt,
		&completedAt,
		&result.Sequence,
	); err != nil {
		return domain.StepResult{}, err
	}
	var err error
	if result.Data, err = decodeMap(dataJSON); err != nil {
		return domain.StepResult{}, fmt.Errorf("decode data: %w", err)
	}
	if result.Variables, err = decodeMap(varsJSON); err != nil {
		return domain.StepResult{}, fmt.Errorf("decode variables: %w", err)
	}
	result.Status = domain.StepStatus(status)
	result.ErrorCode = strings.TrimSpace(errorCode.String)
	result.Error = strings.TrimSpace(errorMessage.String)
	result.ExecutionTime = time.Duration(executionMs) * time.Millisecond
	result.StartedAt = result.StartedAt.UTC()
	if t := timePtr(completedAt); t != nil {
		result.CompletedAt = *t
	}
	return result, nil
}
