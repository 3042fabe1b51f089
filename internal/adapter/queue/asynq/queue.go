// Package asynqadp adapts the asynq engine to the domain queue port. Tasks
// are enqueued with the job id as the engine task id, so a duplicate
// admission for the same job is rejected by the engine itself.
package asynqadp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/lumapix/restoration-service/internal/adapter/observability"
	"github.com/lumapix/restoration-service/internal/domain"
)

// TaskRestore is the single task type the worker consumes.
const TaskRestore = "restoration:process"

const defaultQueue = "default"

// Enqueuer is the asynq client subset Queue needs; tests stub it.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// TaskInspector is the asynq inspector subset Queue needs; tests stub it.
type TaskInspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
	GetTaskInfo(queue, id string) (*asynq.TaskInfo, error)
	DeleteTask(queue, id string) error
}

type Queue struct {
	client      Enqueuer
	inspector   TaskInspector
	maxAttempts int
	retention   time.Duration
	timeout     time.Duration
}

// New connects a queue client and inspector to the Redis behind redisURL.
func New(redisURL string, maxAttempts int, retention, timeout time.Duration) (*Queue, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	return &Queue{
		client:      asynq.NewClient(opt),
		inspector:   asynq.NewInspector(opt),
		maxAttempts: maxAttempts,
		retention:   retention,
		timeout:     timeout,
	}, nil
}

// NewWithClient wires stub implementations for unit tests.
func NewWithClient(client Enqueuer, inspector TaskInspector, maxAttempts int) *Queue {
	return &Queue{client: client, inspector: inspector, maxAttempts: maxAttempts, retention: 24 * time.Hour, timeout: 10 * time.Minute}
}

// Enqueue persists the task. Admission tasks carry the job id as task id;
// replays skip the id so a lingering archived record cannot block them.
func (q *Queue) Enqueue(ctx domain.Context, t domain.RestoreTask, opts domain.EnqueueOptions) (string, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("op=queue.enqueue_marshal: %w", err)
	}

	maxAttempts := q.maxAttempts
	if opts.MaxAttempts > 0 {
		maxAttempts = opts.MaxAttempts
	}
	// asynq counts retries after the first attempt
	options := []asynq.Option{
		asynq.MaxRetry(maxAttempts - 1),
		asynq.Retention(q.retention),
		asynq.Timeout(q.timeout),
	}
	if t.Replay == nil {
		options = append(options, asynq.TaskID(t.JobID))
	}
	if opts.Priority != "" {
		options = append(options, asynq.Queue(opts.Priority))
	}

	info, err := q.client.EnqueueContext(ctx, asynq.NewTask(TaskRestore, b), options...)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return "", fmt.Errorf("op=queue.enqueue: %w", domain.ErrConflict)
		}
		return "", fmt.Errorf("op=queue.enqueue: %w", err)
	}
	kind := "admission"
	if t.Replay != nil {
		kind = "replay"
	}
	observability.JobsEnqueuedTotal.WithLabelValues(kind).Inc()
	return info.ID, nil
}

// Stats reports the engine's queue depths.
func (q *Queue) Stats(ctx domain.Context) (domain.QueueStats, error) {
	info, err := q.inspector.GetQueueInfo(defaultQueue)
	if err != nil {
		return domain.QueueStats{}, fmt.Errorf("op=queue.stats: %w", err)
	}
	return domain.QueueStats{
		Pending:   info.Pending,
		Active:    info.Active,
		Scheduled: info.Scheduled,
		Retry:     info.Retry,
		Archived:  info.Archived,
		Completed: info.Completed,
		Processed: info.Processed,
		Failed:    info.Failed,
	}, nil
}

// TaskState reports the engine state for the job's task.
func (q *Queue) TaskState(ctx domain.Context, jobID string) (string, error) {
	info, err := q.inspector.GetTaskInfo(defaultQueue, jobID)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			return "", fmt.Errorf("op=queue.task_state: %w", domain.ErrNotFound)
		}
		return "", fmt.Errorf("op=queue.task_state: %w", err)
	}
	return info.State.String(), nil
}

// DiscardArchived deletes the job's archived task so its id can be reused.
func (q *Queue) DiscardArchived(ctx domain.Context, jobID string) error {
	err := q.inspector.DeleteTask(defaultQueue, jobID)
	if err != nil && !errors.Is(err, asynq.ErrTaskNotFound) && !errors.Is(err, asynq.ErrQueueNotFound) {
		return fmt.Errorf("op=queue.discard_archived: %w", err)
	}
	return nil
}
