// Command server starts the restoration control-plane API: admission,
// status, the push stream, and the operator surface.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/lumapix/restoration-service/internal/adapter/blob"
	"github.com/lumapix/restoration-service/internal/adapter/events"
	httpserver "github.com/lumapix/restoration-service/internal/adapter/httpserver"
	"github.com/lumapix/restoration-service/internal/adapter/kvstore"
	"github.com/lumapix/restoration-service/internal/adapter/moderation"
	"github.com/lumapix/restoration-service/internal/adapter/observability"
	asynqadp "github.com/lumapix/restoration-service/internal/adapter/queue/asynq"
	"github.com/lumapix/restoration-service/internal/adapter/repo/postgres"
	"github.com/lumapix/restoration-service/internal/adapter/verifier"
	"github.com/lumapix/restoration-service/internal/app"
	"github.com/lumapix/restoration-service/internal/config"
	"github.com/lumapix/restoration-service/internal/domain"
	"github.com/lumapix/restoration-service/internal/service/credits"
	"github.com/lumapix/restoration-service/internal/service/idempotency"
	"github.com/lumapix/restoration-service/internal/service/ratelimiter"
	"github.com/lumapix/restoration-service/internal/service/replay"
	"github.com/lumapix/restoration-service/internal/usecase"
)

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

	// Durable stores.
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
	audits := postgres.NewAuditRepo(pool)

	// Counter store: Redis primary, in-process fallback keeps single-node
	// deployments admitting work through a Redis outage.
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

	queue, err := asynqadp.New(cfg.RedisURL, cfg.JobsMaxAttempts, 24*time.Hour, cfg.JobsTaskTimeout)
	if err != nil {
		slog.Error("queue connect failed", slog.Any("error", err))
		os.Exit(1)
	}

	var tokenVerifier domain.TokenVerifier
	if cfg.AuthDevMock() {
		slog.Warn("auth verifier not configured, development token mock in effect")
		tokenVerifier = verifier.DevMock{}
	} else {
		tokenVerifier = verifier.New(cfg.AuthVerifierURL, cfg.AuthVerifierKey, 5*time.Second)
	}

	var moderator domain.Moderator
	if cfg.ModerationDevMock() {
		slog.Warn("moderation endpoint not configured, allow-all development mock in effect")
		moderator = moderation.DevMock{}
	} else {
		moderator = moderation.New(cfg.ModerationURL, cfg.ModerationAPIKey, cfg.ModerationTimeout)
	}

	// Services.
	creditSvc := credits.New(kv, ledger, users, cfg.FreeDailyLimit, cfg.JobCostCredits)
	idem := idempotency.New(kv)
	limiter := ratelimiter.New(kv,
		cfg.RateLimitUserLimit, cfg.RateLimitUserInterval,
		cfg.RateLimitIPLimit, cfg.RateLimitIPInterval)
	replaySvc := replay.New(deadLetters, jobs, ledger, queue, audits, cfg.DeadLetterRetention())

	admission := usecase.NewAdmissionService(jobs, queue, blobs, moderator, audits, creditSvc, idem, cfg.MaxUploadBytes())
	status := usecase.NewStatusService(jobs, blobs)
	uploads := usecase.NewUploadService(blobs)

	// Job events: workers publish transitions, the API consumes them into
	// the in-process bus that feeds open push streams.
	bus := events.NewBus()
	defer bus.Close()
	consumer, err := events.NewConsumer(cfg.KafkaBrokers, cfg.EventsGroupID, cfg.JobEventsTopic, bus)
	if err != nil {
		slog.Error("event consumer connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = consumer.Close() }()
	producer, err := events.NewProducer(cfg.KafkaBrokers, cfg.JobEventsTopic)
	if err != nil {
		slog.Error("event producer connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = producer.Close() }()

	srv := httpserver.NewServer(cfg, admission, status, uploads, creditSvc, replaySvc, queue, tokenVerifier, limiter, bus)

	lat := app.NewLatencyRecorder(cfg.HealthMetricSampleSize)
	checks := []app.Check{
		app.PostgresCheck(pool),
		app.QueueCheck(queue),
		app.KVCheck(kv),
	}
	handler := app.BuildRouter(cfg, srv, app.ReadyHandler(checks, kv, lat), lat)

	srvHTTP := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     handler,
		ReadTimeout: cfg.HTTPReadTimeout,
		// WriteTimeout stays off: it would sever open push streams. The
		// timeout middleware bounds every buffered route instead.
		WriteTimeout:      0,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sweeper := app.NewStalledJobSweeper(jobs, queue, creditSvc, producer,
		cfg.StalledJobMaxAge, cfg.StalledCheckInterval())
	cleanup := postgres.NewCleanupService(deadLetters, pool, cfg.DeadLetterRetentionDays)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server starting", slog.Int("port", cfg.Port), slog.String("env", cfg.AppEnv))
		if err := srvHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
		defer cancel()
		return srvHTTP.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		err := consumer.Run(gctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("event consumer: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		sweeper.Run(gctx)
		return nil
	})
	g.Go(func() error {
		cleanup.RunPeriodic(gctx, 24*time.Hour)
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("server exited with error", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("server stopped")
}
