package usecase

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lumapix/restoration-service/internal/domain"
	"github.com/lumapix/restoration-service/internal/service/credits"
	"github.com/lumapix/restoration-service/internal/service/idempotency"
)

func testImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(40 + x*7), G: uint8(90 + y*5), B: 120, A: 255})
		}
	}
	return img
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, testImage(12, 9)))
	return buf.Bytes()
}

func jpegBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, testImage(12, 9), &jpeg.Options{Quality: 90}))
	return buf.Bytes()
}

type failedMark struct {
	id, kind, msg string
}

type fakeJobs struct {
	jobs map[string]domain.Job

	created   []domain.Job
	running   []int
	succeeded []domain.JobCompletion
	failed    []failedMark

	markRunningTerminal   bool
	markSucceededTerminal bool

	createErr    error
	runningErr   error
	succeededErr error
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{jobs: map[string]domain.Job{}}
}

func (f *fakeJobs) Create(_ domain.Context, j domain.Job) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, j)
	f.jobs[j.ID] = j
	return nil
}

func (f *fakeJobs) Get(_ domain.Context, id string) (domain.Job, error) {
	j, ok := f.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return j, nil
}

func (f *fakeJobs) MarkRunning(_ domain.Context, id string, attempt int) (bool, error) {
	if f.runningErr != nil {
		return false, f.runningErr
	}
	if f.markRunningTerminal {
		return false, nil
	}
	f.running = append(f.running, attempt)
	return true, nil
}

func (f *fakeJobs) MarkSucceeded(_ domain.Context, id string, c domain.JobCompletion) (bool, error) {
	if f.succeededErr != nil {
		return false, f.succeededErr
	}
	if f.markSucceededTerminal {
		return false, nil
	}
	f.succeeded = append(f.succeeded, c)
	return true, nil
}

func (f *fakeJobs) MarkFailed(_ domain.Context, id string, kind, msg string) (bool, error) {
	f.failed = append(f.failed, failedMark{id: id, kind: kind, msg: msg})
	return true, nil
}

func (f *fakeJobs) ListStalled(_ domain.Context, _ time.Time, _ int) ([]domain.Job, error) {
	return nil, nil
}

type enqueued struct {
	task domain.RestoreTask
	opts domain.EnqueueOptions
}

type fakeQueue struct {
	tasks      []enqueued
	enqueueErr error
}

func (f *fakeQueue) Enqueue(_ domain.Context, t domain.RestoreTask, opts domain.EnqueueOptions) (string, error) {
	if f.enqueueErr != nil {
		return "", f.enqueueErr
	}
	f.tasks = append(f.tasks, enqueued{task: t, opts: opts})
	return t.JobID, nil
}

func (f *fakeQueue) Stats(_ domain.Context) (domain.QueueStats, error) {
	return domain.QueueStats{}, nil
}

func (f *fakeQueue) TaskState(_ domain.Context, _ string) (string, error) {
	return "", domain.ErrNotFound
}

func (f *fakeQueue) DiscardArchived(_ domain.Context, _ string) error { return nil }

type storedBlob struct {
	object      string
	contentType string
	size        int
}

type fakeBlobs struct {
	objects map[string][]byte

	uploads     []storedBlob
	downloads   []string
	uploadErr   error
	downloadErr error

	downloadURL domain.SignedDownload
	downloadReq []string // "user/object/filename" triplets flattened
	issueErr    error
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{objects: map[string][]byte{}}
}

func (f *fakeBlobs) IssueUploadURL(_ domain.Context, userID, contentType string) (domain.UploadTarget, error) {
	if f.issueErr != nil {
		return domain.UploadTarget{}, f.issueErr
	}
	return domain.UploadTarget{
		URL:         "https://blob.test/put",
		ObjectName:  "uploads/" + userID + "/new-object",
		ContentType: contentType,
	}, nil
}

func (f *fakeBlobs) IssueDownloadURL(_ domain.Context, userID, objectName, filename string) (domain.SignedDownload, error) {
	if f.issueErr != nil {
		return domain.SignedDownload{}, f.issueErr
	}
	f.downloadReq = append(f.downloadReq, userID, objectName, filename)
	return f.downloadURL, nil
}

func (f *fakeBlobs) Download(_ domain.Context, userID, objectName string) ([]byte, error) {
	if f.downloadErr != nil {
		return nil, f.downloadErr
	}
	f.downloads = append(f.downloads, objectName)
	data, ok := f.objects[objectName]
	if !ok {
		return nil, fmt.Errorf("op=blob.Download: %w", domain.ErrNotFound)
	}
	return data, nil
}

func (f *fakeBlobs) Upload(_ domain.Context, userID, objectName string, data []byte, contentType string) error {
	if f.uploadErr != nil {
		return f.uploadErr
	}
	f.uploads = append(f.uploads, storedBlob{object: objectName, contentType: contentType, size: len(data)})
	f.objects[objectName] = data
	return nil
}

type fakeModerator struct {
	verdict domain.ModerationVerdict
	err     error
	prompts []string
}

func (f *fakeModerator) Moderate(_ domain.Context, _ []byte, prompt string) (domain.ModerationVerdict, error) {
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return domain.ModerationVerdict{}, f.err
	}
	return f.verdict, nil
}

type fakeAudits struct {
	moderation []domain.ModerationAudit
	replays    []domain.ReplayAudit
}

func (f *fakeAudits) AppendModeration(_ domain.Context, a domain.ModerationAudit) error {
	f.moderation = append(f.moderation, a)
	return nil
}

func (f *fakeAudits) AppendReplay(_ domain.Context, a domain.ReplayAudit) error {
	f.replays = append(f.replays, a)
	return nil
}

type refundCall struct {
	userID, jobID, reason string
}

type fakeCredits struct {
	decision  credits.Decision
	deductErr error
	deducted  []string // job ids

	refunds   []refundCall
	refundErr error
}

func (f *fakeCredits) CheckAndDeduct(_ context.Context, userID, jobID string) (credits.Decision, error) {
	if f.deductErr != nil {
		return credits.Decision{}, f.deductErr
	}
	f.deducted = append(f.deducted, jobID)
	return f.decision, nil
}

func (f *fakeCredits) Refund(_ context.Context, userID, jobID, reason string) error {
	f.refunds = append(f.refunds, refundCall{userID: userID, jobID: jobID, reason: reason})
	return f.refundErr
}

type savedEntry struct {
	userID, key string
	entry       idempotency.Entry
}

type fakeReplay struct {
	entry     idempotency.Entry
	result    idempotency.Result
	lookupErr error

	saved   []savedEntry
	saveErr error
}

func (f *fakeReplay) Lookup(_ context.Context, userID, key, fingerprint string) (idempotency.Entry, idempotency.Result, error) {
	if f.lookupErr != nil {
		return idempotency.Entry{}, idempotency.Miss, f.lookupErr
	}
	return f.entry, f.result, nil
}

func (f *fakeReplay) Save(_ context.Context, userID, key string, e idempotency.Entry) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved = append(f.saved, savedEntry{userID: userID, key: key, entry: e})
	return nil
}

type fakeRestorer struct {
	result  domain.RestoreResult
	err     error
	prompts []string
}

func (f *fakeRestorer) Restore(_ domain.Context, prompt string, _ []byte) (domain.RestoreResult, error) {
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return domain.RestoreResult{}, f.err
	}
	return f.result, nil
}

type fakeDeadLetters struct {
	entries map[string]domain.DeadLetter
	putErr  error
}

func newFakeDeadLetters() *fakeDeadLetters {
	return &fakeDeadLetters{entries: map[string]domain.DeadLetter{}}
}

func (f *fakeDeadLetters) Put(_ domain.Context, d domain.DeadLetter) error {
	if f.putErr != nil {
		return f.putErr
	}
	f.entries[d.ID] = d
	return nil
}

func (f *fakeDeadLetters) Get(_ domain.Context, id string) (domain.DeadLetter, error) {
	d, ok := f.entries[id]
	if !ok {
		return domain.DeadLetter{}, domain.ErrNotFound
	}
	return d, nil
}

func (f *fakeDeadLetters) List(_ domain.Context, _ string, _, _ int) ([]domain.DeadLetter, error) {
	out := make([]domain.DeadLetter, 0, len(f.entries))
	for _, d := range f.entries {
		out = append(out, d)
	}
	return out, nil
}

func (f *fakeDeadLetters) Delete(_ domain.Context, id string) error {
	delete(f.entries, id)
	return nil
}

func (f *fakeDeadLetters) Stats(_ domain.Context) (domain.DeadLetterStats, error) {
	return domain.DeadLetterStats{Total: len(f.entries)}, nil
}

func (f *fakeDeadLetters) DeleteOlderThan(_ domain.Context, _ time.Time) (int64, error) {
	return 0, nil
}

type fakeEvents struct {
	events     []domain.JobEvent
	publishErr error
}

func (f *fakeEvents) PublishJobEvent(_ domain.Context, ev domain.JobEvent) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.events = append(f.events, ev)
	return nil
}
