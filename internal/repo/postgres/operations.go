package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
	"github.com/animus-labs/animus-orchestrator/internal/execution/plan"
	"github.com/animus-labs/animus-orchestrator/internal/repo"
)

type OperationStore struct {
	db DB
}

const (
	operationColumns = `operation_id, operation_type, owner_id, status, plan, resources, environment, timeout_ms,
		priority, retry_count, labels, last_error, estimated_duration_ms, created_at, updated_at`

	insertOperationQuery = `INSERT INTO operations (` + operationColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`

	selectOperationQuery = `SELECT ` + operationColumns + ` FROM operations WHERE operation_id = $1`

	updateOperationStatusQuery = `UPDATE operations
		SET status = $3, last_error = COALESCE($4, last_error), updated_at = $5
		WHERE operation_id = $1 AND status = $2
		RETURNING ` + operationColumns

	incrementRetryCountQuery = `UPDATE operations SET retry_count = retry_count + 1, updated_at = $2 WHERE operation_id = $1`
)

type resourcesPayload struct {
	CPU      float64 `json:"cpu"`
	MemoryMB int64   `json:"memoryMb"`
}

func NewOperationStore(db DB) *OperationStore {
	if db == nil {
		return nil
	}
	return &OperationStore{db: db}
}

func (s *OperationStore) Create(ctx context.Context, op domain.Operation) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("operation store not initialized")
	}
	id := strings.TrimSpace(op.ID)
	if id == "" {
		return fmt.Errorf("operation id is required")
	}
	if op.Status == "" {
		return fmt.Errorf("status is required")
	}
	planJSON, err := plan.MarshalPlan(op.Plan)
	if err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}
	resourcesJSON, err := encodeJSON(resourcesPayload{CPU: op.Context.Resources.CPU, MemoryMB: op.Context.Resources.MemoryMB})
	if err != nil {
		return fmt.Errorf("encode resources: %w", err)
	}
	envJSON, err := encodeJSON(stringMap(op.Context.Environment))
	if err != nil {
		return fmt.Errorf("encode environment: %w", err)
	}
	labelsJSON, err := encodeJSON(stringMap(op.Metadata.Labels))
	if err != nil {
		return fmt.Errorf("encode labels: %w", err)
	}
	createdAt := normalizeTime(op.CreatedAt)
	updatedAt := op.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}
	_, err = s.db.ExecContext(
		ctx,
		insertOperationQuery,
		id,
		string(op.Type),
		strings.TrimSpace(op.OwnerID),
		string(op.Status),
		planJSON,
		resourcesJSON,
		envJSON,
		op.Context.Timeout.Milliseconds(),
		op.Metadata.Priority,
		op.Metadata.RetryCount,
		labelsJSON,
		nullIfEmpty(op.LastError),
		op.EstimatedDuration.Milliseconds(),
		createdAt,
		updatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return repo.ErrConflict
		}
		return fmt.Errorf("insert operation: %w", err)
	}
	return nil
}

func (s *OperationStore) Get(ctx context.Context, id string) (domain.Operation, error) {
	if s == nil || s.db == nil {
		return domain.Operation{}, fmt.Errorf("operation store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Operation{}, fmt.Errorf("operation id is required")
	}
	return scanOperation(s.db.QueryRowContext(ctx, selectOperationQuery, id))
}

func (s *OperationStore) List(ctx context.Context, filter repo.OperationFilter) ([]domain.Operation, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("operation store not initialized")
	}
	query := `SELECT ` + operationColumns + ` FROM operations`
	clauses := make([]string, 0, 2)
	args := make([]any, 0, 3)
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, 0, len(filter.Statuses))
		for _, status := range filter.Statuses {
			args = append(args, string(status))
			placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
		}
		clauses = append(clauses, "status IN ("+strings.Join(placeholders, ",")+")")
	}
	if owner := strings.TrimSpace(filter.OwnerID); owner != "" {
		args = append(args, owner)
		clauses = append(clauses, fmt.Sprintf("owner_id = $%d", len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at ASC, operation_id ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Operation, 0)
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	return out, nil
}

func (s *OperationStore) UpdateStatus(ctx context.Context, id string, from, to domain.OperationStatus, lastError string) (domain.Operation, error) {
	if s == nil || s.db == nil {
		return domain.Operation{}, fmt.Errorf("operation store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Operation{}, fmt.Errorf("operation id is required")
	}
	op, err := scanOperation(s.db.QueryRowContext(
		ctx,
		updateOperationStatusQuery,
		id,
		string(from),
		string(to),
		nullIfEmpty(lastError),
		time.Now().UTC(),
	))
	if err == nil {
		return op, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Operation{}, fmt.Errorf("update operation status: %w", err)
	}
	if _, getErr := s.Get(ctx, id); getErr != nil {
		return domain.Operation{}, getErr
	}
	return domain.Operation{}, repo.ErrConflict
}

func (s *OperationStore) IncrementRetryCount(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("operation store not initialized")
	}
	res, err := s.db.ExecContext(ctx, incrementRetryCountQuery, strings.TrimSpace(id), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("increment retry count: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func scanOperation(scanner rowScanner) (domain.Operation, error) {
	var (
		op              domain.Operation
		opType          string
		status          string
		planJSON        []byte
		resourcesJSON   []byte
		envJSON         []byte
		labelsJSON      []byte
		timeoutMs       int64
		estimatedMs     int64
		lastError       sql.NullString
		resourceRequest resourcesPayload
	)
	if err := scanner.Scan(
		&op.ID,
		&opType,
		&op.OwnerID,
		&status,
		&planJSON,
		&resourcesJSON,
		&envJSON,
		&timeoutMs,
		&op.Metadata.Priority,
		&op.Metadata.RetryCount,
		&labelsJSON,
		&lastError,
		&estimatedMs,
		&op.CreatedAt,
		&op.UpdatedAt,
	); err != nil {
		return domain.Operation{}, handleNotFound(err)
	}
	decoded, err := plan.UnmarshalPlan(planJSON)
	if err != nil {
		return domain.Operation{}, fmt.Errorf("decode plan: %w", err)
	}
	if len(resourcesJSON) > 0 {
		if err := json.Unmarshal(resourcesJSON, &resourceRequest); err != nil {
			return domain.Operation{}, fmt.Errorf("decode resources: %w", err)
		}
	}
	env := map[string]string{}
	if len(envJSON) > 0 {
		if err := json.Unmarshal(envJSON, &env); err != nil {
			return domain.Operation{}, fmt.Errorf("decode environment: %w", err)
		}
	}
	labels := map[string]string{}
	if len(labelsJSON) > 0 {
		if err := json.Unmarshal(labelsJSON, &labels); err != nil {
			return domain.Operation{}, fmt.Errorf("decode labels: %w", err)
		}
	}
	op.Type = domain.OperationType(opType)
	op.Status = domain.OperationStatus(status)
	op.Plan = decoded
	op.Context = domain.ExecutionContext{
		Resources:   domain.ResourceRequest{CPU: resourceRequest.CPU, MemoryMB: resourceRequest.MemoryMB},
		Environment: env,
		Timeout:     time.Duration(timeoutMs) * time.Millisecond,
	}
	op.Metadata.Labels = labels
	op.LastError = strings.TrimSpace(lastError.String)
	op.EstimatedDuration = time.Duration(estimatedMs) * time.Millisecond
	op.CreatedAt = op.CreatedAt.UTC()
	op.UpdatedAt = op.UpdatedAt.UTC()
	return op, nil
}

func stringMap(in map[string]string) map[string]string {
	if in == nil {
		return map[string]string{}
	}
	return in
}
