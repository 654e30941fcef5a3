package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
)

// RedisSink publishes events on "<prefix><topic>" channels. Calls go through a
// circuit breaker that opens after five consecutive failures.
type RedisSink struct {
	client  redis.UniversalClient
	prefix  string
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
}

type RedisSinkConfig struct {
	ChannelPrefix  string
	PublishTimeout time.Duration
	BreakerTimeout time.Duration
}

func NewRedisSink(client redis.UniversalClient, cfg RedisSinkConfig, logger *slog.Logger) (*RedisSink, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "redis-event-sink",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &RedisSink{
		client:  client,
		prefix:  strings.TrimSpace(cfg.ChannelPrefix),
		timeout: cfg.PublishTimeout,
		breaker: breaker,
	}, nil
}

func (s *RedisSink) Name() string { return "redis" }

// Channel returns the channel an event topic is published on.
func (s *RedisSink) Channel(topic string) string {
	return s.prefix + topic
}

func (s *RedisSink) Deliver(ctx context.Context, event domain.Event) error {
	body, err := Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	_, err = s.breaker.Execute(func() (interface{}, error) {
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		return nil, s.client.Publish(pubCtx, s.Channel(event.Topic), body).Err()
	})
	if err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}
