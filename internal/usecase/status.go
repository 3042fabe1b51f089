package usecase

import (
	"errors"
	"fmt"
	"time"

	"github.com/lumapix/restoration-service/internal/domain"
)

// JobProjection is the owner-facing view of a job record. Result is present
// only on succeeded jobs, Error only on failed ones.
type JobProjection struct {
	JobID       string            `json:"job_id"`
	Status      domain.JobStatus  `json:"status"`
	Prompt      string            `json:"prompt,omitempty"`
	Credit      submitCreditInfo  `json:"credit"`
	Moderation  moderationSummary `json:"moderation"`
	Timings     *domain.Timings   `json:"timings,omitempty"`
	Result      *resultInfo       `json:"result,omitempty"`
	Error       *domain.JobError  `json:"error,omitempty"`
	Attempts    int               `json:"attempts"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

type moderationSummary struct {
	Allowed bool     `json:"allowed"`
	Flags   []string `json:"flags,omitempty"`
}

type resultInfo struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// StatusService answers point lookups and feeds the push stream.
type StatusService struct {
	Jobs  domain.JobRepository
	Blobs domain.BlobStore
}

// NewStatusService wires the status surface.
func NewStatusService(jobs domain.JobRepository, blobs domain.BlobStore) *StatusService {
	return &StatusService{Jobs: jobs, Blobs: blobs}
}

// Get returns the owner's projection of one job. Missing and foreign jobs
// answer identically as not-found so ids cannot be enumerated.
func (s *StatusService) Get(ctx domain.Context, userID, jobID string) (JobProjection, error) {
	job, err := s.Jobs.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return JobProjection{}, domain.ErrNotFound
		}
		return JobProjection{}, fmt.Errorf("op=status.Get: %w", err)
	}
	if job.UserID != userID {
		return JobProjection{}, domain.ErrNotFound
	}

	proj := project(job)
	if job.Status == domain.JobSucceeded && job.ResultObject != "" {
		dl, err := s.Blobs.IssueDownloadURL(ctx, userID, job.ResultObject, "restored-"+job.ID+".jpg")
		if err != nil {
			return JobProjection{}, fmt.Errorf("op=status.Get: download url: %w", err)
		}
		proj.Result = &resultInfo{URL: dl.URL, ExpiresAt: dl.ExpiresAt}
	}
	return proj, nil
}

func project(job domain.Job) JobProjection {
	return JobProjection{
		JobID:       job.ID,
		Status:      job.Status,
		Prompt:      job.Prompt,
		Credit:      submitCreditInfo(job.Credit),
		Moderation:  moderationSummary{Allowed: job.Moderation.Allowed, Flags: job.Moderation.Flags},
		Timings:     job.Timings,
		Error:       job.Error,
		Attempts:    job.Attempts,
		CreatedAt:   job.CreatedAt,
		UpdatedAt:   job.UpdatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
	}
}
