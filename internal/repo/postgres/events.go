package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
	"github.com/animus-labs/animus-orchestrator/internal/repo"
)

type EventStore struct {
	db DB
}

const (
	insertEventQuery = `INSERT INTO operation_events (
		event_id, topic, operation_id, step_id, status, data, occurred_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7)
	ON CONFLICT (event_id) DO NOTHING
	RETURNING event_seq`

	selectEventSeqQuery = `SELECT event_seq FROM operation_events WHERE event_id = $1`

	listEventsQuery = `SELECT event_seq, event_id, topic, operation_id, step_id, status, data, occurred_at
		FROM operation_events
		WHERE operation_id = $1 AND event_seq > $2
		ORDER BY event_seq ASC
		LIMIT $3`
)

const defaultEventLimit = 200

func NewEventStore(db DB) *EventStore {
	if db == nil {
		return nil
	}
	return &EventStore{db: db}
}

// AppendEvent is idempotent on the event id.
func (s *EventStore) AppendEvent(ctx context.Context, event domain.Event) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("event store not initialized")
	}
	if strings.TrimSpace(event.OperationID) == "" {
		return 0, fmt.Errorf("operation id is required")
	}
	if strings.TrimSpace(event.Topic) == "" {
		return 0, fmt.Errorf("topic is required")
	}
	id := strings.TrimSpace(event.ID)
	if id == "" {
		id = uuid.NewString()
	}
	dataJSON, err := encodeMap(event.Data)
	if err != nil {
		return 0, fmt.Errorf("encode event data: %w", err)
	}
	var seq int64
	err = s.db.QueryRowContext(
		ctx,
		insertEventQuery,
		id,
		event.Topic,
		event.OperationID,
		nullIfEmpty(event.StepID),
		nullIfEmpty(event.Status),
		dataJSON,
		normalizeTime(event.Timestamp),
	).Scan(&seq)
	if err == nil {
		return seq, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, selectEventSeqQuery, id).Scan(&seq); err != nil {
		return 0, handleNotFound(err)
	}
	return seq, nil
}

func (s *EventStore) ListEvents(ctx context.Context, filter repo.EventFilter) ([]domain.StoredEvent, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("event store not initialized")
	}
	operationID := strings.TrimSpace(filter.OperationID)
	if operationID == "" {
		return nil, fmt.Errorf("operation id is required")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultEventLimit
	}
	rows, err := s.db.QueryContext(ctx, listEventsQuery, operationID, filter.AfterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	out := make([]domain.StoredEvent, 0)
	for rows.Next() {
		var (
			ev       domain.StoredEvent
			stepID   sql.NullString
			status   sql.NullString
			dataJSON []byte
		)
		if err := rows.Scan(&ev.Seq, &ev.ID, &ev.Topic, &ev.OperationID, &stepID, &status, &dataJSON, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		data, err := decodeMap(dataJSON)
		if err != nil {
			return nil, fmt.Errorf("decode event data: %w", err)
		}
		ev.StepID = stepID.String
		ev.Status = status.String
		ev.Data = data
		ev.Timestamp = ev.Timestamp.UTC()
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return out, nil
}
