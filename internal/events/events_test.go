package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
	"github.com/animus-labs/animus-orchestrator/internal/repo"
	"github.com/animus-labs/animus-orchestrator/internal/repo/memory"
)

type failingSink struct{ calls int }

func (f *failingSink) Name() string { return "failing" }

func (f *failingSink) Deliver(context.Context, domain.Event) error {
	f.calls++
	return errors.New("sink down")
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestBusDeliversDespiteFailingSink(t *testing.T) {
	store := memory.New()
	failing := &failingSink{}
	bus := NewBus(quietLogger(), failing, NewStoreSink(store))

	ch, unsubscribe := bus.Subscribe("op-1", 4)
	defer unsubscribe()

	bus.Publish(context.Background(), domain.Event{Topic: domain.TopicOperationCreated, OperationID: "op-1", Status: "PENDING"})
	bus.Publish(context.Background(), domain.Event{Topic: domain.TopicOperationCreated, OperationID: "op-2", Status: "PENDING"})

	select {
	case ev := <-ch:
		assert.Equal(t, "op-1", ev.OperationID)
		assert.NotEmpty(t, ev.ID)
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("expected event for op-1")
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event for %s", ev.OperationID)
	default:
	}

	assert.Equal(t, 2, failing.calls)
	stored, err := store.ListEvents(context.Background(), repo.EventFilter{OperationID: "op-1"})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, domain.TopicOperationCreated, stored[0].Topic)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(quietLogger())
	ch, unsubscribe := bus.Subscribe("", 1)
	unsubscribe()
	unsubscribe()
	_, ok := <-ch
	assert.False(t, ok)
}

func TestEventKeyIgnoresEventID(t *testing.T) {
	a := domain.Event{ID: "1", Topic: domain.TopicStepCompleted, OperationID: "op-1", StepID: "a"}
	b := domain.Event{ID: "2", Topic: domain.TopicStepCompleted, OperationID: "op-1", StepID: "a"}
	assert.Equal(t, a.Key(), b.Key())
}

func TestRedisSinkPublishesOnTopicChannel(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()

	sink, err := NewRedisSink(client, RedisSinkConfig{ChannelPrefix: "orch:"}, quietLogger())
	require.NoError(t, err)

	ctx := context.Background()
	sub := client.Subscribe(ctx, "orch:"+domain.TopicStepFailed)
	defer func() { _ = sub.Close() }()
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	err = sink.Deliver(ctx, domain.Event{
		ID:          "ev-1",
		Topic:       domain.TopicStepFailed,
		OperationID: "op-1",
		StepID:      "c",
		Status:      "FAILED",
		Timestamp:   time.Now(),
	})
	require.NoError(t, err)

	recvCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	msg, err := sub.ReceiveMessage(recvCtx)
	require.NoError(t, err)

	var payload Payload
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &payload))
	assert.Equal(t, "op-1", payload.OperationID)
	assert.Equal(t, "c", payload.StepID)
	assert.Equal(t, "op-1|step.failed|c", payload.Key)
}

func TestRedisSinkBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	defer func() { _ = client.Close() }()
	mr.Close()

	sink, err := NewRedisSink(client, RedisSinkConfig{}, quietLogger())
	require.NoError(t, err)

	event := domain.Event{Topic: domain.TopicOperationFailed, OperationID: "op-1"}
	for i := 0; i < 5; i++ {
		require.Error(t, sink.Deliver(context.Background(), event))
	}
	err = sink.Deliver(context.Background(), event)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
}
