package postgres_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumapix/restoration-service/internal/adapter/repo/postgres"
	"github.com/lumapix/restoration-service/internal/domain"
)

func TestJobRepo_Create(t *testing.T) {
	pool := &poolStub{execTag: pgconn.NewCommandTag("INSERT 0 1")}
	repo := postgres.NewJobRepo(pool)

	job := domain.Job{
		ID:           "job-1",
		UserID:       "u1",
		Status:       domain.JobQueued,
		SourceObject: "uploads/u1/obj-1",
		SourceFormat: "jpeg",
		Credit:       domain.CreditDebit{Amount: 1, Kind: domain.CreditFree},
	}
	require.NoError(t, repo.Create(context.Background(), job))
	require.Len(t, pool.gotSQL, 1)
	assert.Contains(t, pool.gotSQL[0], "INSERT INTO jobs")
	assert.Equal(t, "job-1", pool.gotArgs[0][0])

	pool.execErr = assert.AnError
	err := repo.Create(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=job.create")
}

func TestJobRepo_Get_NotFound(t *testing.T) {
	pool := &poolStub{row: rowStub{scan: func(_ ...any) error { return pgx.ErrNoRows }}}
	repo := postgres.NewJobRepo(pool)

	_, err := repo.Get(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestJobRepo_Get_ScansRow(t *testing.T) {
	now := time.Now().UTC()
	errKind := domain.FailureExhausted
	errMsg := "provider kept failing"
	pool := &poolStub{row: rowStub{scan: func(dest ...any) error {
		*(dest[0].(*string)) = "job-1"
		*(dest[1].(*string)) = "u1"
		*(dest[2].(*domain.JobStatus)) = domain.JobFailed
		*(dest[3].(*string)) = "restore please"
		*(dest[4].(*string)) = "uploads/u1/obj-1"
		*(dest[5].(*string)) = "jpeg"
		*(dest[6].(*[]string)) = []string{"auto_orient", "jpeg_q85"}
		*(dest[7].(*domain.ModerationVerdict)) = domain.ModerationVerdict{Allowed: true}
		*(dest[8].(*int64)) = 1
		*(dest[9].(*domain.CreditKind)) = domain.CreditPaid
		*(dest[10].(*map[string]float64)) = map[string]float64{"noise": 0.8}
		*(dest[11].(*string)) = "enhanced"
		*(dest[12].(**domain.Timings)) = &domain.Timings{TotalMS: 1200}
		*(dest[13].(**domain.ProviderReceipt)) = nil
		*(dest[14].(*string)) = ""
		*(dest[15].(**string)) = &errKind
		*(dest[16].(**string)) = &errMsg
		*(dest[17].(*int)) = 5
		*(dest[18].(*time.Time)) = now
		*(dest[19].(*time.Time)) = now
		*(dest[20].(**time.Time)) = &now
		*(dest[21].(**time.Time)) = &now
		return nil
	}}}
	repo := postgres.NewJobRepo(pool)

	j, err := repo.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", j.ID)
	assert.Equal(t, domain.JobFailed, j.Status)
	require.NotNil(t, j.Error)
	assert.Equal(t, domain.FailureExhausted, j.Error.Kind)
	assert.Equal(t, "provider kept failing", j.Error.Message)
	require.NotNil(t, j.Timings)
	assert.Equal(t, int64(1200), j.Timings.TotalMS)
	assert.Equal(t, 5, j.Attempts)
}

func TestJobRepo_MarkRunning_TerminalGuard(t *testing.T) {
	pool := &poolStub{execTag: pgconn.NewCommandTag("UPDATE 1")}
	repo := postgres.NewJobRepo(pool)

	ok, err := repo.MarkRunning(context.Background(), "job-1", 2)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, pool.gotSQL[0], "status NOT IN ('succeeded','failed')")

	// zero rows affected means the row was already terminal
	pool.execTag = pgconn.NewCommandTag("UPDATE 0")
	ok, err = repo.MarkRunning(context.Background(), "job-1", 3)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestJobRepo_MarkSucceeded(t *testing.T) {
	pool := &poolStub{execTag: pgconn.NewCommandTag("UPDATE 1")}
	repo := postgres.NewJobRepo(pool)

	done := domain.JobCompletion{
		ResultObject:   "results/u1/job-1.jpg",
		EnhancedPrompt: "enhanced",
		Classification: map[string]float64{"noise": 0.8},
		Timings:        domain.Timings{TotalMS: 900},
		Provider:       domain.ProviderReceipt{RequestID: "req-1"},
	}
	ok, err := repo.MarkSucceeded(context.Background(), "job-1", done)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, pool.gotSQL[0], "status NOT IN ('succeeded','failed')")
	assert.Equal(t, "results/u1/job-1.jpg", pool.gotArgs[0][2])
}

func TestJobRepo_MarkFailed_TruncatesMessage(t *testing.T) {
	pool := &poolStub{execTag: pgconn.NewCommandTag("UPDATE 1")}
	repo := postgres.NewJobRepo(pool)

	long := strings.Repeat("x", domain.MaxFailureMessage+100)
	ok, err := repo.MarkFailed(context.Background(), "job-1", domain.FailureProvider, long)
	require.NoError(t, err)
	assert.True(t, ok)

	stored, isString := pool.gotArgs[0][3].(string)
	require.True(t, isString)
	assert.Len(t, stored, domain.MaxFailureMessage)
}

func TestJobRepo_ListStalled(t *testing.T) {
	now := time.Now().UTC()
	scanRunning := func(id string) func(dest ...any) error {
		return func(dest ...any) error {
			*(dest[0].(*string)) = id
			*(dest[1].(*string)) = "u1"
			*(dest[2].(*domain.JobStatus)) = domain.JobRunning
			*(dest[3].(*string)) = ""
			*(dest[4].(*string)) = "uploads/u1/obj"
			*(dest[5].(*string)) = "png"
			*(dest[6].(*[]string)) = nil
			*(dest[7].(*domain.ModerationVerdict)) = domain.ModerationVerdict{Allowed: true}
			*(dest[8].(*int64)) = 1
			*(dest[9].(*domain.CreditKind)) = domain.CreditFree
			*(dest[10].(*map[string]float64)) = nil
			*(dest[11].(*string)) = ""
			*(dest[12].(**domain.Timings)) = nil
			*(dest[13].(**domain.ProviderReceipt)) = nil
			*(dest[14].(*string)) = ""
			*(dest[15].(**string)) = nil
			*(dest[16].(**string)) = nil
			*(dest[17].(*int)) = 1
			*(dest[18].(*time.Time)) = now
			*(dest[19].(*time.Time)) = now
			*(dest[20].(**time.Time)) = &now
			*(dest[21].(**time.Time)) = nil
			return nil
		}
	}
	pool := &poolStub{rows: &rowsStub{scans: []func(dest ...any) error{
		scanRunning("job-1"), scanRunning("job-2"),
	}}}
	repo := postgres.NewJobRepo(pool)

	jobs, err := repo.ListStalled(context.Background(), now.Add(-10*time.Minute), 50)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "job-1", jobs[0].ID)
	assert.Equal(t, "job-2", jobs[1].ID)
	assert.Contains(t, pool.gotSQL[0], "status='running'")
}
