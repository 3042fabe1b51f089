package asynqadp_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	asynqadp "github.com/lumapix/restoration-service/internal/adapter/queue/asynq"
	"github.com/lumapix/restoration-service/internal/domain"
)

type fakeEnqueuer struct {
	err      error
	gotTask  *asynq.Task
	gotOpts  []asynq.Option
	returnID string
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	f.gotTask = task
	f.gotOpts = opts
	if f.err != nil {
		return nil, f.err
	}
	id := f.returnID
	if id == "" {
		id = "tid-1"
	}
	return &asynq.TaskInfo{ID: id}, nil
}

type fakeInspector struct {
	queueInfo *asynq.QueueInfo
	taskInfo  *asynq.TaskInfo
	err       error
	deleted   []string
}

func (f *fakeInspector) GetQueueInfo(string) (*asynq.QueueInfo, error) {
	return f.queueInfo, f.err
}

func (f *fakeInspector) GetTaskInfo(_, id string) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.taskInfo, nil
}

func (f *fakeInspector) DeleteTask(_, id string) error {
	f.deleted = append(f.deleted, id)
	return f.err
}

func TestQueue_Enqueue_CarriesPayloadAndTaskID(t *testing.T) {
	enq := &fakeEnqueuer{}
	q := asynqadp.NewWithClient(enq, &fakeInspector{}, 5)

	task := domain.RestoreTask{
		JobID:        "job-1",
		UserID:       "u1",
		Prompt:       "restore this",
		ObjectName:   "uploads/u1/obj-1",
		SourceFormat: "jpeg",
		Credit:       domain.CreditDebit{Amount: 1, Kind: domain.CreditPaid},
		TraceParent:  "00-abc-def-01",
	}
	id, err := q.Enqueue(context.Background(), task, domain.EnqueueOptions{})
	require.NoError(t, err)
	assert.Equal(t, "tid-1", id)
	require.NotNil(t, enq.gotTask)
	assert.Equal(t, asynqadp.TaskRestore, enq.gotTask.Type())

	var decoded domain.RestoreTask
	require.NoError(t, json.Unmarshal(enq.gotTask.Payload(), &decoded))
	assert.Equal(t, task, decoded)

	taskID, ok := optionValue(enq.gotOpts, asynq.TaskIDOpt)
	require.True(t, ok, "admission tasks carry the job id as task id")
	assert.Equal(t, "job-1", taskID)
	maxRetry, ok := optionValue(enq.gotOpts, asynq.MaxRetryOpt)
	require.True(t, ok)
	assert.Equal(t, 4, maxRetry, "five attempts means four retries")
}

func TestQueue_Enqueue_ReplaySkipsTaskID(t *testing.T) {
	enq := &fakeEnqueuer{}
	q := asynqadp.NewWithClient(enq, &fakeInspector{}, 5)

	task := domain.RestoreTask{
		JobID:      "job-1",
		UserID:     "u1",
		ObjectName: "uploads/u1/obj-1",
		Replay:     &domain.ReplayMarker{OriginalJobID: "job-1", DeadLetterID: "job-1", Reason: "operator replay"},
	}
	_, err := q.Enqueue(context.Background(), task, domain.EnqueueOptions{})
	require.NoError(t, err)

	_, ok := optionValue(enq.gotOpts, asynq.TaskIDOpt)
	assert.False(t, ok, "replays must not reuse the archived task id")
}

func optionValue(opts []asynq.Option, typ asynq.OptionType) (any, bool) {
	for _, o := range opts {
		if o.Type() == typ {
			return o.Value(), true
		}
	}
	return nil, false
}

func TestQueue_Enqueue_WrapsError(t *testing.T) {
	enq := &fakeEnqueuer{err: errors.New("redis gone")}
	q := asynqadp.NewWithClient(enq, &fakeInspector{}, 5)

	_, err := q.Enqueue(context.Background(), domain.RestoreTask{JobID: "job-1"}, domain.EnqueueOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=queue.enqueue")
}

func TestQueue_Enqueue_TaskIDConflict(t *testing.T) {
	enq := &fakeEnqueuer{err: fmt.Errorf("wrapped: %w", asynq.ErrTaskIDConflict)}
	q := asynqadp.NewWithClient(enq, &fakeInspector{}, 5)

	_, err := q.Enqueue(context.Background(), domain.RestoreTask{JobID: "job-1"}, domain.EnqueueOptions{})
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestQueue_Stats(t *testing.T) {
	insp := &fakeInspector{queueInfo: &asynq.QueueInfo{
		Pending: 3, Active: 2, Scheduled: 1, Retry: 4, Archived: 5,
		Completed: 10, Processed: 20, Failed: 6,
	}}
	q := asynqadp.NewWithClient(&fakeEnqueuer{}, insp, 5)

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStats{
		Pending: 3, Active: 2, Scheduled: 1, Retry: 4, Archived: 5,
		Completed: 10, Processed: 20, Failed: 6,
	}, stats)
}

func TestQueue_TaskState_NotFound(t *testing.T) {
	insp := &fakeInspector{err: asynq.ErrTaskNotFound}
	q := asynqadp.NewWithClient(&fakeEnqueuer{}, insp, 5)

	_, err := q.TaskState(context.Background(), "job-unknown")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestQueue_DiscardArchived_IgnoresAbsent(t *testing.T) {
	insp := &fakeInspector{err: asynq.ErrTaskNotFound}
	q := asynqadp.NewWithClient(&fakeEnqueuer{}, insp, 5)

	require.NoError(t, q.DiscardArchived(context.Background(), "job-1"))
	assert.Equal(t, []string{"job-1"}, insp.deleted)
}
