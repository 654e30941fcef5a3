package archive

import (
	"encoding/json"
	"io"
	"time"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
)

const timeFormatRFC3339Nano = "2006-01-02T15:04:05.999999999Z07:00"

// NDJSONEncoder writes checkpoints as newline-delimited JSON.
type NDJSONEncoder struct {
	enc *json.Encoder
}

func NewNDJSONEncoder(w io.Writer) *NDJSONEncoder {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	return &NDJSONEncoder{enc: enc}
}

func (e *NDJSONEncoder) Encode(cp domain.Checkpoint) error {
	return e.enc.Encode(recordFromCheckpoint(cp))
}

type record struct {
	ID          string          `json:"id"`
	OperationID string          `json:"operation_id"`
	StepID      string          `json:"step_id,omitempty"`
	Type        string          `json:"type"`
	Sequence    int64           `json:"sequence"`
	Timestamp   string          `json:"timestamp"`
	Data        json.RawMessage `json:"data,omitempty"`
	RawData     []byte          `json:"raw_data,omitempty"`
}

func recordFromCheckpoint(cp domain.Checkpoint) record {
	rec := record{
		ID:          cp.ID,
		OperationID: cp.OperationID,
		StepID:      cp.StepID,
		Type:        string(cp.Type),
		Sequence:    cp.Sequence,
		Timestamp:   cp.Timestamp.UTC().Format(timeFormatRFC3339Nano),
	}
	switch {
	case len(cp.Data) == 0:
	case json.Valid(cp.Data):
		rec.Data = json.RawMessage(cp.Data)
	default:
		rec.RawData = cp.Data
	}
	return rec
}

// Decode reads back one archived line.
func Decode(line []byte) (domain.Checkpoint, error) {
	var rec record
	if err := json.Unmarshal(line, &rec); err != nil {
		return domain.Checkpoint{}, err
	}
	ts, err := time.Parse(timeFormatRFC3339Nano, rec.Timestamp)
	if err != nil {
		return domain.Checkpoint{}, err
	}
	data := []byte(rec.Data)
	if len(rec.RawData) > 0 {
		data = rec.RawData
	}
	return domain.Checkpoint{
		ID:          rec.ID,
		OperationID: rec.OperationID,
		StepID:      rec.StepID,
		Type:        domain.NormalizeCheckpointType(rec.Type),
		Sequence:    rec.Sequence,
		Data:        data,
		Timestamp:   ts,
	}, nil
}
