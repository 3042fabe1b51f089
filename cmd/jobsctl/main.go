// Command jobsctl is the operator tool for the restoration queue: per-job
// triage, queue depths, and the dead-letter replay family.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	asynqadp "github.com/lumapix/restoration-service/internal/adapter/queue/asynq"
	"github.com/lumapix/restoration-service/internal/adapter/repo/postgres"
	"github.com/lumapix/restoration-service/internal/config"
	"github.com/lumapix/restoration-service/internal/domain"
	"github.com/lumapix/restoration-service/internal/service/replay"
)

var rootCmd = &cobra.Command{
	Use:          "jobsctl",
	Short:        "operator tool for the restoration job queue",
	SilenceUsage: true,
}

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "print queue, record, and dead-letter state for one job, with a recommendation",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var queueStatsCmd = &cobra.Command{
	Use:   "queue-stats",
	Short: "print queue depths and lifetime processed/failed counters",
	Args:  cobra.NoArgs,
	RunE:  runQueueStats,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(queueStatsCmd)
	rootCmd.AddCommand(replayCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// toolbox bundles the clients the subcommands share.
type toolbox struct {
	cfg    config.Config
	pool   *pgxpool.Pool
	queue  *asynqadp.Queue
	jobs   domain.JobRepository
	dead   domain.DeadLetterRepository
	replay *replay.Service
}

// connect loads configuration and dials the document store and the queue
// engine. The CLI skips the services' boot validation: it has no use for the
// provider or verifier secrets.
func connect(ctx context.Context) (*toolbox, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	// service-layer logs go to stderr so command output stays pipeable
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	dsn, err := cfg.DatabaseDSN()
	if err != nil {
		return nil, err
	}
	pool, err := postgres.NewPool(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect document store: %w", err)
	}
	queue, err := asynqadp.New(cfg.RedisURL, cfg.JobsMaxAttempts, 24*time.Hour, cfg.JobsTaskTimeout)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect queue engine: %w", err)
	}

	jobs := postgres.NewJobRepo(pool)
	deadLetters := postgres.NewDeadLetterRepo(pool)
	svc := replay.New(deadLetters, jobs, postgres.NewLedgerRepo(pool), queue,
		postgres.NewAuditRepo(pool), cfg.DeadLetterRetention())

	return &toolbox{cfg: cfg, pool: pool, queue: queue, jobs: jobs, dead: deadLetters, replay: svc}, nil
}

func (t *toolbox) close() { t.pool.Close() }

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	tb, err := connect(ctx)
	if err != nil {
		return err
	}
	defer tb.close()
	id := args[0]

	job, err := tb.jobs.Get(ctx, id)
	jobFound := err == nil
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}

	state, err := tb.queue.TaskState(ctx, id)
	hasTask := err == nil
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}

	dl, err := tb.dead.Get(ctx, id)
	hasDL := err == nil
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}

	fmt.Println("Job record:")
	if jobFound {
		fmt.Printf("  status:    %s\n", job.Status)
		fmt.Printf("  user:      %s\n", job.UserID)
		fmt.Printf("  attempts:  %d\n", job.Attempts)
		fmt.Printf("  created:   %s\n", job.CreatedAt.UTC().Format(time.RFC3339))
		fmt.Printf("  updated:   %s\n", job.UpdatedAt.UTC().Format(time.RFC3339))
		if job.Error != nil {
			fmt.Printf("  error:     [%s] %s\n", job.Error.Kind, job.Error.Message)
		}
		if job.ResultObject != "" {
			fmt.Printf("  result:    %s\n", job.ResultObject)
		}
	} else {
		fmt.Println("  none")
	}

	fmt.Println("Queue engine:")
	if hasTask {
		fmt.Printf("  task state: %s\n", state)
	} else {
		fmt.Println("  no task")
	}

	fmt.Println("Dead letter:")
	if hasDL {
		fmt.Printf("  failed at: %s\n", dl.FailedAt.UTC().Format(time.RFC3339))
		fmt.Printf("  attempts:  %d\n", dl.Attempts)
		fmt.Printf("  failure:   [%s] %s\n", dl.Failure.Kind, dl.Failure.Message)
	} else {
		fmt.Println("  none")
	}

	fmt.Println("Recommendation:")
	fmt.Printf("  %s\n", recommend(id, job, jobFound, state, hasTask, hasDL, tb.cfg.StalledJobMaxAge))
	return nil
}

// recommend turns the three views of a job into one operator action.
func recommend(id string, job domain.Job, jobFound bool, state string, hasTask, hasDL bool, maxAge time.Duration) string {
	switch {
	case !jobFound && !hasTask && !hasDL:
		return "unknown job id; nothing to act on"
	case !jobFound:
		return "engine state exists without a job record; the admission write failed, discard the task and have the user resubmit"
	case job.Status == domain.JobSucceeded:
		return "job succeeded; no action needed"
	case job.Status == domain.JobFailed && hasDL:
		return "re-run it with: jobsctl replay replay " + id
	case job.Status == domain.JobFailed:
		return "terminal failure without an archive entry (stalled sweep); the original debit was refunded, the user must resubmit"
	case hasDL:
		return "archived failure but the record never turned failed (lost terminal write); re-run it with: jobsctl replay replay " + id
	case hasTask && (state == "active" || state == "pending" || state == "scheduled" || state == "retry" || state == "aggregating"):
		return fmt.Sprintf("in flight (task %s); no action needed", state)
	case hasTask:
		return fmt.Sprintf("engine finished the task (%s) but the record is still %s; check worker logs for a lost terminal write", state, job.Status)
	default:
		return fmt.Sprintf("record says %s but the engine has no task; the stalled sweeper fails and refunds it after %s", job.Status, maxAge)
	}
}

func runQueueStats(cmd *cobra.Command, _ []string) error {
	tb, err := connect(cmd.Context())
	if err != nil {
		return err
	}
	defer tb.close()

	stats, err := tb.queue.Stats(cmd.Context())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintf(w, "pending\t%d\n", stats.Pending)
	fmt.Fprintf(w, "active\t%d\n", stats.Active)
	fmt.Fprintf(w, "scheduled\t%d\n", stats.Scheduled)
	fmt.Fprintf(w, "retry\t%d\n", stats.Retry)
	fmt.Fprintf(w, "archived\t%d\n", stats.Archived)
	fmt.Fprintf(w, "completed\t%d\n", stats.Completed)
	fmt.Fprintf(w, "processed\t%d\n", stats.Processed)
	fmt.Fprintf(w, "failed\t%d\n", stats.Failed)
	return w.Flush()
}
