package asynqadp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/lumapix/restoration-service/internal/adapter/observability"
	"github.com/lumapix/restoration-service/internal/domain"
	"github.com/lumapix/restoration-service/pkg/retry"
)

// Handler processes one delivery of a restoration task. attempt is 1-based
// and counts the current delivery. Returning an error wrapped with
// asynq.SkipRetry archives the task without further attempts.
type Handler func(ctx context.Context, task domain.RestoreTask, attempt int) error

// FinalFailureFunc runs exactly once per task id when the engine gives up on
// it: attempts exhausted or SkipRetry. It owns the dead-letter path.
type FinalFailureFunc func(ctx context.Context, task domain.RestoreTask, attempts int, cause error)

// ServerOpts bundles the engine tuning knobs from configuration.
type ServerOpts struct {
	Concurrency int
	BackoffBase time.Duration
	Jitter      float64
	TaskTimeout time.Duration
}

// Server runs the consumer side of the queue.
type Server struct {
	srv *asynq.Server
	mux *asynq.ServeMux
}

// NewServer builds the engine server: jittered exponential retry delays, and
// an error handler that fires the final-failure path when a task is out of
// attempts.
func NewServer(redisURL string, opts ServerOpts, handle Handler, onFinalFailure FinalFailureFunc) (*Server, error) {
	redisOpt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, err
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 5
	}

	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: opts.Concurrency,
		RetryDelayFunc: func(n int, _ error, _ *asynq.Task) time.Duration {
			// n retries have already run, so the upcoming one is attempt n+1
			return retry.Delay(n+1, opts.BackoffBase, opts.Jitter)
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, t *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			final := retried >= maxRetry || errors.Is(err, asynq.SkipRetry)
			if !final {
				slog.Warn("task attempt failed, will retry",
					slog.String("type", t.Type()),
					slog.Int("retried", retried),
					slog.Int("max_retry", maxRetry),
					slog.Any("error", err))
				return
			}
			var task domain.RestoreTask
			if uerr := json.Unmarshal(t.Payload(), &task); uerr != nil {
				slog.Error("final failure with undecodable payload",
					slog.String("type", t.Type()), slog.Any("error", uerr))
				return
			}
			if onFinalFailure != nil {
				onFinalFailure(ctx, task, retried+1, err)
			}
		}),
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskRestore, func(ctx context.Context, t *asynq.Task) error {
		var task domain.RestoreTask
		if err := json.Unmarshal(t.Payload(), &task); err != nil {
			// malformed payloads can never succeed
			return errors.Join(err, asynq.SkipRetry)
		}
		if opts.TaskTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, opts.TaskTimeout)
			defer cancel()
		}
		// zero retries recorded means this is the first delivery
		retried, _ := asynq.GetRetryCount(ctx)
		observability.JobsProcessing.Inc()
		defer observability.JobsProcessing.Dec()
		return handle(ctx, task, retried+1)
	})

	return &Server{srv: srv, mux: mux}, nil
}

// Start launches the consumer loop without blocking.
func (s *Server) Start() error { return s.srv.Start(s.mux) }

// Shutdown waits for in-flight tasks to finish or time out.
func (s *Server) Shutdown() { s.srv.Shutdown() }
