package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fulcrumdata/entitystore/internal/codec"
	"github.com/fulcrumdata/entitystore/internal/config"
	"github.com/fulcrumdata/entitystore/internal/events"
	"github.com/fulcrumdata/entitystore/internal/health"
	"github.com/fulcrumdata/entitystore/internal/metrics"
	"github.com/fulcrumdata/entitystore/internal/model"
	"github.com/fulcrumdata/entitystore/internal/service"
	"github.com/fulcrumdata/entitystore/internal/store"
	"github.com/fulcrumdata/entitystore/internal/util/workerpool"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("Starting entity datastore")

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger.Info("Configuration loaded",
		zap.String("database_host", cfg.Database.Host),
		zap.Int("database_port", cfg.Database.Port),
		zap.String("database_name", cfg.Database.Database),
		zap.Bool("redis_enabled", cfg.Redis.Enabled),
		zap.Bool("nats_enabled", cfg.NATS.Enabled),
		zap.Duration("flush_interval", cfg.WriteBehind.FlushInterval))

	m := metrics.NewMetrics()

	ctx := context.Background()
	pool, err := store.NewPostgresPool(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal("Failed to initialize Postgres pool", zap.Error(err))
	}
	defer pool.Close()

	var redisClient *redis.Client
	var forwardCache store.RemoteCache[model.EntityKey, uuid.UUID]
	var reverseCache store.RemoteCache[uuid.UUID, model.EntityKey]
	if cfg.Redis.Enabled {
		redisClient, err = store.NewRedisClient(cfg.Redis, logger)
		if err != nil {
			logger.Fatal("Failed to initialize Redis cache tier", zap.Error(err))
		}
		defer redisClient.Close()
		forwardCache = store.NewRedisIdentityCache(redisClient, "entitystore")
		reverseCache = store.NewRedisReverseIdentityCache(redisClient, "entitystore")
	}

	flushPool := workerpool.New(&workerpool.Config{
		Name:       "writebehind-flush",
		MaxWorkers: cfg.WriteBehind.FlushWorkers,
		Logger:     logger,
	})

	identityBacking := store.NewPostgresIdentityBacking(pool, logger)
	reverseBacking := store.NewPostgresReverseIdentityBacking(pool)

	forward := store.NewWriteBehind[model.EntityKey, uuid.UUID](identityBacking, forwardCache, store.WriteBehindOptions{
		Name:             "entity_key_ids",
		FlushInterval:    cfg.WriteBehind.FlushInterval,
		MaxFlushAttempts: cfg.WriteBehind.MaxFlushAttempts,
		MaxBatchSize:     cfg.WriteBehind.MaxBatchSize,
		Logger:           logger,
		Metrics:          m,
		Pool:             flushPool,
	})
	reverse := store.NewWriteBehind[uuid.UUID, model.EntityKey](reverseBacking, reverseCache, store.WriteBehindOptions{
		Name:             "entity_keys",
		FlushInterval:    cfg.WriteBehind.FlushInterval,
		MaxFlushAttempts: cfg.WriteBehind.MaxFlushAttempts,
		MaxBatchSize:     cfg.WriteBehind.MaxBatchSize,
		Logger:           logger,
		Metrics:          m,
	})

	if cfg.WriteBehind.EagerWarmup {
		warmupCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
		if err := forward.WarmUp(warmupCtx); err != nil {
			logger.Warn("Identity cache warm-up failed, continuing lazy", zap.Error(err))
		}
		cancel()
	}

	idService := service.NewEntityKeyIDService(forward, reverse, service.IdentityOptions{
		Limiter:     rate.NewLimiter(rate.Limit(cfg.Identity.CollisionRetryRate), cfg.Identity.CollisionRetryBurst),
		MaxAttempts: cfg.Identity.MaxAttempts,
		Logger:      logger,
		Metrics:     m,
	})

	propertyBacking := store.NewPostgresPropertyBacking(pool, logger)
	propertyService := service.NewPropertyService(propertyBacking, codec.New(), service.NewVersionClock(), logger, m)

	var emitter events.Emitter
	var natsEmitter *events.NATSEmitter
	if cfg.NATS.Enabled {
		natsEmitter, err = events.NewNATSEmitter(cfg.NATS, m, logger)
		if err != nil {
			logger.Fatal("Failed to initialize NATS emitter", zap.Error(err))
		}
		defer natsEmitter.Close()
		emitter = natsEmitter
	} else {
		emitter = events.NewInProcessEmitter()
		logger.Info("NATS disabled, using in-process emitter")
	}

	datastore := service.NewEntityDatastore(
		idService,
		propertyService,
		identityBacking,
		service.NoopLinkingRegistry{},
		emitter,
		service.DatastoreOptions{
			SyncBatchThreshold: cfg.Signals.SyncBatchThreshold,
			Logger:             logger,
			Metrics:            m,
		},
	)
	_ = datastore // consumed by the embedding API layer

	checker := health.NewChecker(logger)
	checker.Register("postgres", func(ctx context.Context) error { return pool.Ping(ctx) })
	if redisClient != nil {
		checker.Register("redis", func(ctx context.Context) error { return redisClient.Ping(ctx).Err() })
	}
	if natsEmitter != nil {
		checker.Register("nats", func(context.Context) error { return natsEmitter.Ping() })
	}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", checker.LivenessHandler).Methods(http.MethodGet)
	router.HandleFunc("/readyz", checker.ReadinessHandler).Methods(http.MethodGet)
	if cfg.Metrics.Enabled {
		router.Handle(cfg.Metrics.Path, promhttp.Handler()).Methods(http.MethodGet)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Ops listener started", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Ops listener failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutting down", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Ops listener shutdown failed", zap.Error(err))
	}

	// Drain unflushed writes before the process exits.
	forward.Close(shutdownCtx)
	reverse.Close(shutdownCtx)
	if err := flushPool.Stop(cfg.Server.ShutdownTimeout); err != nil {
		logger.Warn("Flush pool stop timed out", zap.Error(err))
	}

	logger.Info("Shutdown complete")
}
