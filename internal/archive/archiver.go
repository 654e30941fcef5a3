// Package archive copies compacted checkpoints to object storage so the
// checkpoint table can be trimmed without losing history.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
)

const contentType = "application/x-ndjson"

// ObjectWriter is the subset of an object store the archiver needs.
type ObjectWriter interface {
	Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error
}

type MinioWriter struct {
	client *minio.Client
}

func NewMinioWriter(client *minio.Client) (*MinioWriter, error) {
	if client == nil {
		return nil, errors.New("minio client is required")
	}
	return &MinioWriter{client: client}, nil
}

func (w *MinioWriter) Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error {
	_, err := w.client.PutObject(ctx, bucket, key, body, size, minio.PutObjectOptions{ContentType: contentType})
	return err
}

// Archiver writes one NDJSON object per compaction.
type Archiver struct {
	writer ObjectWriter
	bucket string
	prefix string
}

func New(writer ObjectWriter, bucket, prefix string) (*Archiver, error) {
	if writer == nil {
		return nil, errors.New("object writer is required")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("bucket is required")
	}
	return &Archiver{writer: writer, bucket: bucket, prefix: strings.Trim(prefix, "/")}, nil
}

func (a *Archiver) ArchiveCheckpoints(ctx context.Context, operationID string, checkpoints []domain.Checkpoint) error {
	if len(checkpoints) == 0 {
		return nil
	}
	var buf bytes.Buffer
	enc := NewNDJSONEncoder(&buf)
	for _, cp := range checkpoints {
		if err := enc.Encode(cp); err != nil {
			return fmt.Errorf("encode checkpoint %s: %w", cp.ID, err)
		}
	}
	key := a.Key(operationID, checkpoints[0].Sequence, checkpoints[len(checkpoints)-1].Sequence)
	if err := a.writer.Put(ctx, a.bucket, key, bytes.NewReader(buf.Bytes()), int64(buf.Len()), contentType); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Key is <prefix>/<operation>/checkpoints-<first>-<last>.ndjson with
// zero-padded sequences so keys sort in log order.
func (a *Archiver) Key(operationID string, first, last int64) string {
	name := fmt.Sprintf("checkpoints-%012d-%012d.ndjson", first, last)
	return path.Join(a.prefix, operationID, name)
}
