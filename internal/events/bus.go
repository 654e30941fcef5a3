// Package events publishes operation, step and compensation transitions to
// pluggable sinks and to in-process subscribers.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
)

// Sink receives every published event. Delivery is at-least-once; a failing
// sink is logged and never blocks the publisher.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, event domain.Event) error
}

// Publisher is what services depend on.
type Publisher interface {
	Publish(ctx context.Context, event domain.Event)
}

type subscription struct {
	operationID string
	ch          chan domain.Event
}

type Bus struct {
	logger *slog.Logger
	sinks  []Sink

	mu     sync.RWMutex
	nextID int
	subs   map[int]*subscription
	closed bool
}

func NewBus(logger *slog.Logger, sinks ...Sink) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: logger,
		sinks:  sinks,
		subs:   map[int]*subscription{},
	}
}

// Publish stamps the event and hands it to sinks and subscribers.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	for _, sink := range b.sinks {
		if err := sink.Deliver(ctx, event); err != nil {
			b.logger.Warn("event sink delivery failed",
				"sink", sink.Name(),
				"topic", event.Topic,
				"operation_id", event.OperationID,
				"error", err,
			)
		}
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.operationID != "" && sub.operationID != event.OperationID {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.logger.Warn("event subscriber lagging, dropping event",
				"topic", event.Topic,
				"operation_id", event.OperationID,
			)
		}
	}
}

// Subscribe streams events for one operation, or all operations when
// operationID is empty. The returned func must be called to unsubscribe.
func (b *Bus) Subscribe(operationID string, buffer int) (<-chan domain.Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan domain.Event, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = &subscription{operationID: operationID, ch: ch}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub.ch)
			}
		})
	}
}

// Close ends every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Payload is the wire form shared by the Redis sink, SSE and WebSocket
// streams.
type Payload struct {
	Seq         int64          `json:"seq,omitempty"`
	ID          string         `json:"id"`
	Key         string         `json:"key"`
	Topic       string         `json:"topic"`
	OperationID string         `json:"operationId"`
	StepID      string         `json:"stepId,omitempty"`
	Status      string         `json:"status,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Data        map[string]any `json:"data,omitempty"`
}

func ToPayload(event domain.Event) Payload {
	return Payload{
		ID:          event.ID,
		Key:         event.Key(),
		Topic:       event.Topic,
		OperationID: event.OperationID,
		StepID:      event.StepID,
		Status:      event.Status,
		Timestamp:   event.Timestamp.UTC(),
		Data:        event.Data,
	}
}

func Marshal(event domain.Event) ([]byte, error) {
	return json.Marshal(ToPayload(event))
}
