// Command worker consumes queued restoration tasks and runs the pipeline:
// classify the damage, build the enhanced prompt, call the restoration
// provider, store the result, and record the terminal state.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/lumapix/restoration-service/internal/adapter/blob"
	"github.com/lumapix/restoration-service/internal/adapter/events"
	"github.com/lumapix/restoration-service/internal/adapter/kvstore"
	"github.com/lumapix/restoration-service/internal/adapter/observability"
	"github.com/lumapix/restoration-service/internal/adapter/provider"
	asynqadp "github.com/lumapix/restoration-service/internal/adapter/queue/asynq"
	"github.com/lumapix/restoration-service/internal/adapter/repo/postgres"
	"github.com/lumapix/restoration-service/internal/config"
	"github.com/lumapix/restoration-service/internal/restore"
	"github.com/lumapix/restoration-service/internal/service/credits"
	"github.com/lumapix/restoration-service/internal/usecase"
)

// blobStageTimeout bounds the download and upload stages of the pipeline.
// The provider call carries its own timeout and retry budget, and the queue
// engine bounds the task as a whole.
const blobStageTimeout = 2 * time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		slog.Error("configuration invalid", slog.Any("error", err))
		os.Exit(1)
	}

	observability.InitMetrics()
	go serveMetrics(cfg.MetricsPort)

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("tracing setup failed", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dsn, err := cfg.DatabaseDSN()
	if err != nil {
		slog.Error("database credentials invalid", slog.Any("error", err))
		os.Exit(1)
	}
	pool, err := postgres.NewPool(ctx, dsn)
	if err != nil {
		slog.Error("database connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	jobs := postgres.NewJobRepo(pool)
	users := postgres.NewUserRepo(pool)
	ledger := postgres.NewLedgerRepo(pool)
	deadLetters := postgres.NewDeadLetterRepo(pool)

	// Refunds go through the same counter store as admission debits so the
	// daily free allowance stays consistent across both processes.
	redisOpt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("redis url invalid", slog.Any("error", err))
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpt)
	defer func() { _ = rdb.Close() }()
	kv := kvstore.NewFailover(kvstore.NewRedisStore(rdb), kvstore.NewMemoryStore())

	blobs, err := blob.New(ctx, blob.Config{
		Endpoint:               cfg.S3Endpoint,
		Region:                 cfg.S3Region,
		Bucket:                 cfg.S3Bucket,
		AccessKey:              cfg.S3AccessKey,
		SecretKey:              cfg.S3SecretKey,
		UsePathStyle:           cfg.S3UsePathStyle,
		UploadTTL:              cfg.UploadTTL(),
		DownloadTTL:            cfg.DownloadTTL(),
		OriginalsRetentionDays: cfg.OriginalsRetentionDays,
		ResultsRetentionDays:   cfg.ResultsRetentionDays,
	})
	if err != nil {
		slog.Error("blob store connect failed", slog.Any("error", err))
		os.Exit(1)
	}

	restorer := provider.New(cfg.ProviderBaseURL, cfg.ProviderAPIKey, cfg.ProviderModel,
		cfg.ProviderTimeout, cfg.ProviderMaxAttempts)

	templates, err := restore.LoadTemplates()
	if err != nil {
		slog.Error("prompt templates invalid", slog.Any("error", err))
		os.Exit(1)
	}

	producer, err := events.NewProducer(cfg.KafkaBrokers, cfg.JobEventsTopic)
	if err != nil {
		slog.Error("event producer connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = producer.Close() }()

	creditSvc := credits.New(kv, ledger, users, cfg.FreeDailyLimit, cfg.JobCostCredits)

	svc := usecase.NewProcessService(jobs, blobs, restorer, deadLetters, creditSvc,
		producer, templates, blobStageTimeout)

	srv, err := asynqadp.NewServer(cfg.RedisURL, asynqadp.ServerOpts{
		Concurrency: cfg.JobsWorkerConcurrency,
		BackoffBase: cfg.BackoffBase(),
		Jitter:      cfg.JobsBackoffJitter,
		TaskTimeout: cfg.JobsTaskTimeout,
	}, svc.Process, svc.HandleExhausted)
	if err != nil {
		slog.Error("queue server init failed", slog.Any("error", err))
		os.Exit(1)
	}

	if err := srv.Start(); err != nil {
		slog.Error("queue server start failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("worker started",
		slog.String("env", cfg.AppEnv),
		slog.Int("concurrency", cfg.JobsWorkerConcurrency),
		slog.Int("max_attempts", cfg.JobsMaxAttempts),
		slog.Duration("task_timeout", cfg.JobsTaskTimeout))

	<-ctx.Done()
	slog.Info("signal received, draining in-flight tasks")
	srv.Shutdown()
	slog.Info("worker stopped")
}

// serveMetrics exposes Prometheus metrics and a liveness probe on a port
// separate from the API so scrapes never contend with task processing.
func serveMetrics(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if err := http.ListenAndServe(fmt.Sprintf(":%d", port), mux); err != nil {
		slog.Error("worker metrics server error", slog.Any("error", err))
	}
}
