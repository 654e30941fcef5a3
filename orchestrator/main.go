package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/minio/minio-go/v7"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/animus-labs/animus-orchestrator/internal/archive"
	"github.com/animus-labs/animus-orchestrator/internal/events"
	"github.com/animus-labs/animus-orchestrator/internal/metrics"
	"github.com/animus-labs/animus-orchestrator/internal/platform/httpserver"
	"github.com/animus-labs/animus-orchestrator/internal/platform/objectstore"
	"github.com/animus-labs/animus-orchestrator/internal/platform/postgres"
	"github.com/animus-labs/animus-orchestrator/internal/repo"
	"github.com/animus-labs/animus-orchestrator/internal/repo/memory"
	pgstore "github.com/animus-labs/animus-orchestrator/internal/repo/postgres"
	"github.com/animus-labs/animus-orchestrator/internal/service/opstate"
)

const service = "orchestrator"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Error("invalid .env file", "error", err)
		os.Exit(2)
	}

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(ctx)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	var checks []httpserver.ReadinessCheck

	var store repo.Store
	switch cfg.Store {
	case storeMemory:
		logger.Warn("using in-memory store; state is lost on exit")
		store = memory.New()
	default:
		db, err := openDatabase(ctx, logger)
		if err != nil {
			logger.Error("database unavailable", "error", err)
			os.Exit(1)
		}
		defer func() { _ = db.Close() }()
		store = pgstore.NewStore(db)
		checks = append(checks, httpserver.ReadinessCheck{
			Name: "postgres",
			Check: func(ctx context.Context) error {
				return postgres.Ping(ctx, db, 750*time.Millisecond)
			},
		})
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	var sinks []events.Sink
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = client.Close() }()
		sink, err := events.NewRedisSink(client, events.RedisSinkConfig{ChannelPrefix: cfg.RedisChannelPrefix}, logger)
		if err != nil {
			logger.Error("invalid redis sink", "error", err)
			os.Exit(2)
		}
		sinks = append(sinks, sink)
		checks = append(checks, httpserver.ReadinessCheck{
			Name: "redis",
			Check: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
				defer cancel()
				return client.Ping(checkCtx).Err()
			},
		})
	}

	var archiver opstate.Archiver
	if cfg.ArchiveEnabled {
		objCfg, client, err := openObjectStore(ctx)
		if err != nil {
			logger.Error("object store unavailable", "error", err)
			os.Exit(1)
		}
		writer, err := archive.NewMinioWriter(client)
		if err != nil {
			logger.Error("invalid archive writer", "error", err)
			os.Exit(2)
		}
		a, err := archive.New(writer, objCfg.Bucket, objCfg.Prefix)
		if err != nil {
			logger.Error("invalid archive config", "error", err)
			os.Exit(2)
		}
		archiver = a
		checks = append(checks, httpserver.ReadinessCheck{
			Name: "minio",
			Check: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
				defer cancel()
				return objectstore.CheckBucket(checkCtx, client, objCfg)
			},
		})
	}

	st, err := buildStack(logger, store, cfg, archiver, m, sinks...)
	if err != nil {
		logger.Error("service wiring failed", "error", err)
		os.Exit(1)
	}
	defer st.bus.Close()

	resumed, err := st.ops.Recover(ctx)
	if err != nil {
		logger.Error("recovery failed", "error", err)
		os.Exit(1)
	}
	logger.Info("recovery finished", "resumed", resumed)

	validator, err := newRequestValidator(ctx, logger)
	if err != nil {
		logger.Error("openapi document invalid", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz(service))
	mux.HandleFunc("/readyz", httpserver.ReadyzWithChecks(service, checks...))
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	api := newOperationsAPI(logger, st.ops, st.eventLog, st.bus)
	api.register(mux)

	var handler http.Handler = validator.wrap(mux)
	if cfg.RateLimit > 0 {
		handler = httpserver.RateLimit(rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst), handler)
	}

	serverCfg := httpserver.Config{
		Service:         service,
		Addr:            cfg.Addr,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}
	if err := httpserver.Run(ctx, logger, serverCfg, httpserver.Wrap(logger, handler)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := st.ops.Shutdown(shutdownCtx); err != nil {
		logger.Warn("operations still running at shutdown", "error", err)
	}
}

func openDatabase(ctx context.Context, logger *slog.Logger) (*sql.DB, error) {
	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		return nil, err
	}
	if dbCfg.Migrate {
		if err := pgstore.Migrate(db); err != nil {
			_ = db.Close()
			return nil, err
		}
		logger.Info("database schema up to date")
	}
	return db, nil
}

func openObjectStore(ctx context.Context) (objectstore.Config, *minio.Client, error) {
	objCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		return objectstore.Config{}, nil, err
	}
	client, err := objectstore.NewMinIOClient(objCfg)
	if err != nil {
		return objectstore.Config{}, nil, err
	}
	ensureCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := objectstore.EnsureBucket(ensureCtx, client, objCfg); err != nil {
		return objectstore.Config{}, nil, err
	}
	return objCfg, client, nil
}
