package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/bluelight-hub/aegis/internal/infrastructure/archive"
	"github.com/bluelight-hub/aegis/internal/infrastructure/cache"
	"github.com/bluelight-hub/aegis/internal/infrastructure/config"
	"github.com/bluelight-hub/aegis/internal/infrastructure/database"
	"github.com/bluelight-hub/aegis/internal/infrastructure/events"
	"github.com/bluelight-hub/aegis/internal/infrastructure/queue"
	"github.com/bluelight-hub/aegis/internal/infrastructure/telemetry"
	"github.com/bluelight-hub/aegis/internal/metrics"
	auditsvc "github.com/bluelight-hub/aegis/internal/service/audit"
	threatsvc "github.com/bluelight-hub/aegis/internal/service/threat"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger, err := telemetry.NewLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		slog.Error("failed to set up logger", "error", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("daemon failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("starting aegis",
		zap.String("version", cfg.Version),
		zap.String("environment", cfg.Environment))

	provider, err := telemetry.Initialize(ctx, telemetry.FromAppConfig(cfg))
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown incomplete", zap.Error(err))
		}
	}()

	reg, err := metrics.NewRegistry(cfg.Telemetry.ServiceName)
	if err != nil {
		return err
	}

	pool, err := database.NewPool(ctx, &cfg.Database, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	redisClient, err := newRedisClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = redisClient.Close() }()

	store := database.NewLogStore(pool)
	ruleStore := database.NewRuleStore(pool)
	chainCache := cache.NewChainCache(redisClient, logger, cfg.Queue.Namespace)
	jobQueue := queue.NewRedisQueue(redisClient, logger, queue.Config{
		Namespace:    cfg.Queue.Namespace,
		MaxRetries:   cfg.Queue.MaxRetries,
		BackoffDelay: cfg.Queue.BackoffDelay,
	})
	bus := events.NewBus(logger)

	engine := threatsvc.NewEngine(logger, bus, jobQueue, cfg.Rules.EvalTimeout)
	loader := threatsvc.NewLoader(ruleStore, engine, logger, cfg.Rules.HotReloadInterval)
	if err := loader.Load(ctx); err != nil {
		return err
	}
	go func() {
		if err := loader.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("rule hot reload stopped", zap.Error(err))
		}
	}()

	storage, err := newArchiveStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}

	archiver := auditsvc.NewArchiver(store, storage, reg, logger, cfg.Audit.ArchiveChunkSize)
	retention := auditsvc.NewRetentionService(store, archiver, reg, logger)
	integrity := auditsvc.NewIntegrityService(store, chainCache, bus, reg, logger, cfg.Audit.VerifyBatchSize)
	breaker := auditsvc.NewCircuitBreaker(5, 30*time.Second, logger)

	writer := auditsvc.NewWriter(jobQueue, store, chainCache, engine, retention, integrity,
		breaker, reg, logger, auditsvc.WriterConfig{
			Workers:      cfg.Queue.Workers,
			PollInterval: cfg.Queue.PollInterval,
			JobTimeout:   cfg.Queue.JobTimeout,
			RecentWindow: cfg.Audit.RecentWindow,
			RecentLimit:  cfg.Audit.RecentLimit,
		})
	writer.Start(ctx)

	scheduler := auditsvc.NewScheduler(jobQueue, logger, cfg.Audit.CleanupHour, cfg.Audit.RetentionDays)
	scheduler.Start(ctx)

	metricsSrv := telemetry.NewMetricsServer(cfg.Telemetry.MetricsAddr, logger)
	metricsSrv.Start()

	go observeDepths(ctx, jobQueue, pool, reg, logger)

	logger.Info("aegis running",
		zap.Int("workers", cfg.Queue.Workers),
		zap.Int("retention_days", cfg.Audit.RetentionDays),
		zap.String("archive_backend", cfg.Archive.Backend))

	<-ctx.Done()
	logger.Info("shutting down")

	scheduler.Stop()
	writer.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown incomplete", zap.Error(err))
	}
	return nil
}

func newRedisClient(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, err
	}
	if cfg.Redis.Password != "" {
		opts.Password = cfg.Redis.Password
	}
	if cfg.Redis.DB != 0 {
		opts.DB = cfg.Redis.DB
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func newArchiveStorage(ctx context.Context, cfg *config.Config, logger *zap.Logger) (archive.Storage, error) {
	if cfg.Archive.Backend == "s3" {
		return archive.NewS3Storage(ctx, archive.S3Config{
			Endpoint:     cfg.Archive.S3.Endpoint,
			Region:       cfg.Archive.S3.Region,
			Bucket:       cfg.Archive.S3.Bucket,
			AccessKey:    cfg.Archive.S3.AccessKey,
			SecretKey:    cfg.Archive.S3.SecretKey,
			UsePathStyle: cfg.Archive.S3.UsePathStyle,
		}, logger)
	}
	return archive.NewLocalStorage(cfg.Archive.Dir)
}

// observeDepths keeps the queue and pool gauges current.
func observeDepths(ctx context.Context, q queue.Queue, pool *pgxpool.Pool, reg *metrics.Registry, logger *zap.Logger) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		counts, err := q.Counts(ctx)
		if err != nil {
			logger.Warn("queue depth snapshot failed", zap.Error(err))
			continue
		}
		reg.SetQueueDepths(counts.Waiting, counts.Active, counts.Delayed, counts.Failed)
		reg.SetDBPoolSize(int64(pool.Stat().AcquiredConns()))
	}
}
