package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
)

type StateStore struct {
	db TxDB
}

const (
	upsertStateQuery = `INSERT INTO operation_states (
		operation_id, status, completed_steps, failed_steps, skipped_steps, variables, sequence, last_updated
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	ON CONFLICT (operation_id) DO UPDATE SET
		status = EXCLUDED.status,
		completed_steps = EXCLUDED.completed_steps,
		failed_steps = EXCLUDED.failed_steps,
		skipped_steps = EXCLUDED.skipped_steps,
		variables = EXCLUDED.variables,
		sequence = EXCLUDED.sequence,
		last_updated = EXCLUDED.last_updated`

	selectStateQuery = `SELECT operation_id, status, completed_steps, failed_steps, skipped_steps, variables, sequence, last_updated
		FROM operation_states WHERE operation_id = $1`

	insertCheckpointQuery = `INSERT INTO checkpoints (
		checkpoint_id, operation_id, step_id, checkpoint_type, sequence, data, created_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7)`

	listCheckpointsQuery = `SELECT checkpoint_id, operation_id, step_id, checkpoint_type, sequence, data, created_at
		FROM checkpoints WHERE operation_id = $1 ORDER BY sequence ASC, created_at ASC`

	listCheckpointRefsQuery = `SELECT checkpoint_id, step_id, checkpoint_type, sequence, created_at
		FROM checkpoints WHERE operation_id = $1 ORDER BY sequence ASC, created_at ASC`

	latestSnapshotQuery = `SELECT checkpoint_id, operation_id, step_id, checkpoint_type, sequence, data, created_at
		FROM checkpoints
		WHERE operation_id = $1 AND checkpoint_type IN ('PROGRESS_MARKER', 'POST_STEP')
		ORDER BY sequence DESC, created_at DESC
		LIMIT 1`

	deleteCheckpointsBeforeQuery = `DELETE FROM checkpoints WHERE operation_id = $1 AND sequence < $2`
)

func NewStateStore(db TxDB) *StateStore {
	if db == nil {
		return nil
	}
	return &StateStore{db: db}
}

func (s *StateStore) GetState(ctx context.Context, operationID string) (domain.OperationState, error) {
	if s == nil || s.db == nil {
		return domain.OperationState{}, fmt.Errorf("state store not initialized")
	}
	operationID = strings.TrimSpace(operationID)
	if operationID == "" {
		return domain.OperationState{}, fmt.Errorf("operation id is required")
	}
	var (
		st            domain.OperationState
		status        string
		completedJSON []byte
		failedJSON    []byte
		skippedJSON   []byte
		variablesJSON []byte
	)
	row := s.db.QueryRowContext(ctx, selectStateQuery, operationID)
	if err := row.Scan(&st.OperationID, &status, &completedJSON, &failedJSON, &skippedJSON, &variablesJSON, &st.Sequence, &st.LastUpdated); err != nil {
		return domain.OperationState{}, handleNotFound(err)
	}
	var err error
	if st.CompletedSteps, err = decodeStrings(completedJSON); err != nil {
		return domain.OperationState{}, fmt.Errorf("decode completed steps: %w", err)
	}
	if st.FailedSteps, err = decodeStrings(failedJSON); err != nil {
		return domain.OperationState{}, fmt.Errorf("decode failed steps: %w", err)
	}
	if st.SkippedSteps, err = decodeStrings(skippedJSON); err != nil {
		return domain.OperationState{}, fmt.Errorf("decode skipped steps: %w", err)
	}
	if st.Variables, err = decodeMap(variablesJSON); err != nil {
		return domain.OperationState{}, fmt.Errorf("decode variables: %w", err)
	}
	st.Status = domain.OperationStatus(status)
	st.LastUpdated = st.LastUpdated.UTC()

	refs, err := s.listRefs(ctx, operationID)
	if err != nil {
		return domain.OperationState{}, err
	}
	st.Checkpoints = refs
	return st, nil
}

func (s *StateStore) CommitState(ctx context.Context, state domain.OperationState, checkpoint *domain.Checkpoint) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("state store not initialized")
	}
	if strings.TrimSpace(state.OperationID) == "" {
		return fmt.Errorf("operation id is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin state commit: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if checkpoint != nil {
		if err := insertCheckpoint(ctx, tx, *checkpoint); err != nil {
			return err
		}
	}
	if err := upsertState(ctx, tx, state); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit state: %w", err)
	}
	return nil
}

func (s *StateStore) AppendCheckpoint(ctx context.Context, checkpoint domain.Checkpoint) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("state store not initialized")
	}
	return insertCheckpoint(ctx, s.db, checkpoint)
}

func (s *StateStore) ListCheckpoints(ctx context.Context, operationID string) ([]domain.Checkpoint, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("state store not initialized")
	}
	rows, err := s.db.QueryContext(ctx, listCheckpointsQuery, strings.TrimSpace(operationID))
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Checkpoint, 0)
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	return out, nil
}

func (s *StateStore) LatestSnapshot(ctx context.Context, operationID string) (domain.Checkpoint, error) {
	if s == nil || s.db == nil {
		return domain.Checkpoint{}, fmt.Errorf("state store not initialized")
	}
	return scanCheckpoint(s.db.QueryRowContext(ctx, latestSnapshotQuery, strings.TrimSpace(operationID)))
}

func (s *StateStore) DeleteCheckpointsBefore(ctx context.Context, operationID string, sequence int64) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("state store not initialized")
	}
	res, err := s.db.ExecContext(ctx, deleteCheckpointsBeforeQuery, strings.TrimSpace(operationID), sequence)
	if err != nil {
		return 0, fmt.Errorf("delete checkpoints: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete checkpoints: %w", err)
	}
	return n, nil
}

func (s *StateStore) listRefs(ctx context.Context, operationID string) ([]domain.CheckpointRef, error) {
	rows, err := s.db.QueryContext(ctx, listCheckpointRefsQuery, operationID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoint refs: %w", err)
	}
	defer rows.Close()

	out := make([]domain.CheckpointRef, 0)
	for rows.Next() {
		var (
			ref    domain.CheckpointRef
			stepID sql.NullString
			cpType string
		)
		if err := rows.Scan(&ref.ID, &stepID, &cpType, &ref.Sequence, &ref.Timestamp); err != nil {
			return nil, fmt.Errorf("scan checkpoint ref: %w", err)
		}
		ref.StepID = stepID.String
		ref.Type = domain.CheckpointType(cpType)
		ref.Timestamp = ref.Timestamp.UTC()
		out = append(out, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list checkpoint refs: %w", err)
	}
	return out, nil
}

func upsertState(ctx context.Context, db DB, state domain.OperationState) error {
	completedJSON, err := encodeStrings(state.CompletedSteps)
	if err != nil {
		return fmt.Errorf("encode completed steps: %w", err)
	}
	failedJSON, err := encodeStrings(state.FailedSteps)
	if err != nil {
		return fmt.Errorf("encode failed steps: %w", err)
	}
	skippedJSON, err := encodeStrings(state.SkippedSteps)
	if err != nil {
		return fmt.Errorf("encode skipped steps: %w", err)
	}
	variablesJSON, err := encodeMap(state.Variables)
	if err != nil {
		return fmt.Errorf("encode variables: %w", err)
	}
	_, err = db.ExecContext(
		ctx,
		upsertStateQuery,
		state.OperationID,
		string(state.Status),
		completedJSON,
		failedJSON,
		skippedJSON,
		variablesJSON,
		state.Sequence,
		normalizeTime(state.LastUpdated),
	)
	if err != nil {
		return fmt.Errorf("upsert state: %w", err)
	}
	return nil
}

func insertCheckpoint(ctx context.Context, db DB, cp domain.Checkpoint) error {
	if strings.TrimSpace(cp.ID) == "" {
		return fmt.Errorf("checkpoint id is required")
	}
	if strings.TrimSpace(cp.OperationID) == "" {
		return fmt.Errorf("operation id is required")
	}
	data := cp.Data
	if len(data) == 0 {
		data = []byte("{}")
	}
	_, err := db.ExecContext(
		ctx,
		insertCheckpointQuery,
		cp.ID,
		cp.OperationID,
		nullIfEmpty(cp.StepID),
		string(cp.Type),
		cp.Sequence,
		data,
		normalizeTime(cp.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	return nil
}

func scanCheckpoint(scanner rowScanner) (domain.Checkpoint, error) {
	var (
		cp     domain.Checkpoint
		stepID sql.NullString
		cpType string
	)
	if err := scanner.Scan(&cp.ID, &cp.OperationID, &stepID, &cpType, &cp.Sequence, &cp.Data, &cp.Timestamp); err != nil {
		return domain.Checkpoint{}, handleNotFound(err)
	}
	cp.StepID = stepID.String
	cp.Type = domain.CheckpointType(cpType)
	cp.Timestamp = cp.Timestamp.UTC()
	return cp, nil
}
