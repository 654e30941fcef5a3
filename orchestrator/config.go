package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/animus-orchestrator/internal/platform/env"
	"github.com/animus-labs/animus-orchestrator/internal/service/resources"
)

const (
	storePostgres = "postgres"
	storeMemory   = "memory"
)

type config struct {
	Addr            string
	ShutdownTimeout time.Duration
	Store           string

	Quotas resources.Quotas

	RedisAddr          string
	RedisChannelPrefix string

	ArchiveEnabled bool
	CheckpointKeep int

	RateLimit float64
	RateBurst int

	TerminalCacheSize    int
	CompensationInterval time.Duration
	HTTPStepTimeout      time.Duration
}

// loadConfig reads ORCH_* settings. Quotas left at zero fall back to the host
// capacity.
func loadConfig(ctx context.Context) (config, error) {
	var (
		cfg  config
		errs []error
	)
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	var err error

	cfg.Addr = env.String("ORCH_HTTP_ADDR", ":8090")
	cfg.ShutdownTimeout, err = env.Duration("ORCH_SHUTDOWN_TIMEOUT", 15*time.Second)
	collect(err)
	cfg.Store = strings.ToLower(env.String("ORCH_STORE", storePostgres))

	host, err := resources.HostQuotas(ctx)
	if err != nil {
		host = resources.Quotas{MaxConcurrentOperations: 8, MaxConcurrentSteps: 16}
	}
	cfg.Quotas.MaxConcurrentOperations, err = env.Int("ORCH_MAX_CONCURRENT_OPERATIONS", host.MaxConcurrentOperations)
	collect(err)
	cfg.Quotas.MaxCPU, err = env.Float("ORCH_MAX_CPU", host.MaxCPU)
	collect(err)
	cfg.Quotas.MaxMemoryMB, err = env.Int64("ORCH_MAX_MEMORY_MB", host.MaxMemoryMB)
	collect(err)
	cfg.Quotas.MaxConcurrentSteps, err = env.Int("ORCH_MAX_CONCURRENT_STEPS", host.MaxConcurrentSteps)
	collect(err)

	cfg.RedisAddr = env.String("ORCH_REDIS_ADDR", "")
	cfg.RedisChannelPrefix = env.String("ORCH_REDIS_CHANNEL_PREFIX", "orchestrator.")

	cfg.ArchiveEnabled, err = env.Bool("ORCH_ARCHIVE_ENABLED", false)
	collect(err)
	cfg.CheckpointKeep, err = env.Int("ORCH_CHECKPOINT_KEEP", 0)
	collect(err)

	cfg.RateLimit, err = env.Float("ORCH_API_RATE_LIMIT", 50)
	collect(err)
	cfg.RateBurst, err = env.Int("ORCH_API_RATE_BURST", 100)
	collect(err)

	cfg.TerminalCacheSize, err = env.Int("ORCH_TERMINAL_CACHE_SIZE", 1024)
	collect(err)
	cfg.CompensationInterval, err = env.Duration("ORCH_COMPENSATION_RETRY_INTERVAL", time.Second)
	collect(err)
	cfg.HTTPStepTimeout, err = env.Duration("ORCH_HTTP_STEP_CLIENT_TIMEOUT", time.Minute)
	collect(err)

	if len(errs) > 0 {
		return config{}, errors.Join(errs...)
	}
	if err := cfg.validate(); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func (c config) validate() error {
	switch c.Store {
	case storePostgres, storeMemory:
	default:
		return fmt.Errorf("ORCH_STORE must be %q or %q, got %q", storePostgres, storeMemory, c.Store)
	}
	if err := c.Quotas.Validate(); err != nil {
		return fmt.Errorf("quotas: %w", err)
	}
	if c.CheckpointKeep < 0 {
		return errors.New("ORCH_CHECKPOINT_KEEP must be >= 0")
	}
	if c.ArchiveEnabled && c.CheckpointKeep == 0 {
		return errors.New("ORCH_ARCHIVE_ENABLED requires ORCH_CHECKPOINT_KEEP > 0")
	}
	if c.RateLimit < 0 || c.RateBurst < 0 {
		return errors.New("ORCH_API_RATE_LIMIT and ORCH_API_RATE_BURST must be >= 0")
	}
	return nil
}
