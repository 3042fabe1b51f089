package httpserver_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/lumapix/restoration-service/internal/adapter/events"
	"github.com/lumapix/restoration-service/internal/adapter/httpserver"
	"github.com/lumapix/restoration-service/internal/adapter/kvstore"
	"github.com/lumapix/restoration-service/internal/config"
	"github.com/lumapix/restoration-service/internal/domain"
	"github.com/lumapix/restoration-service/internal/service/credits"
	"github.com/lumapix/restoration-service/internal/service/idempotency"
	"github.com/lumapix/restoration-service/internal/service/ratelimiter"
	"github.com/lumapix/restoration-service/internal/service/replay"
	"github.com/lumapix/restoration-service/internal/usecase"
)

type stubJobs struct {
	mu   sync.Mutex
	jobs map[string]domain.Job
}

func newStubJobs() *stubJobs { return &stubJobs{jobs: map[string]domain.Job{}} }

func (s *stubJobs) Create(_ domain.Context, j domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = j
	return nil
}

func (s *stubJobs) Get(_ domain.Context, id string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("%w: job %s", domain.ErrNotFound, id)
	}
	return j, nil
}

func (s *stubJobs) MarkRunning(_ domain.Context, id string, attempt int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[id]
	if j.Status.Terminal() {
		return false, nil
	}
	now := time.Now().UTC()
	j.Status = domain.JobRunning
	j.Attempts = attempt
	j.UpdatedAt = now
	j.StartedAt = &now
	s.jobs[id] = j
	return true, nil
}

func (s *stubJobs) MarkSucceeded(_ domain.Context, id string, c domain.JobCompletion) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[id]
	if j.Status.Terminal() {
		return false, nil
	}
	now := time.Now().UTC()
	j.Status = domain.JobSucceeded
	j.ResultObject = c.ResultObject
	j.UpdatedAt = now
	j.CompletedAt = &now
	s.jobs[id] = j
	return true, nil
}

func (s *stubJobs) MarkFailed(_ domain.Context, id, kind, message string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[id]
	if j.Status.Terminal() {
		return false, nil
	}
	now := time.Now().UTC()
	j.Status = domain.JobFailed
	j.Error = &domain.JobError{Kind: kind, Message: message}
	j.UpdatedAt = now
	j.CompletedAt = &now
	s.jobs[id] = j
	return true, nil
}

func (s *stubJobs) ListStalled(_ domain.Context, _ time.Time, _ int) ([]domain.Job, error) {
	return nil, nil
}

func (s *stubJobs) put(j domain.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = j
}

func (s *stubJobs) get(id string) domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id]
}

type stubQueue struct {
	mu        sync.Mutex
	tasks     []domain.RestoreTask
	stats     domain.QueueStats
	state     map[string]string
	discarded []string
}

func newStubQueue() *stubQueue { return &stubQueue{state: map[string]string{}} }

func (q *stubQueue) Enqueue(_ domain.Context, t domain.RestoreTask, _ domain.EnqueueOptions) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, t)
	return t.JobID, nil
}

func (q *stubQueue) Stats(_ domain.Context) (domain.QueueStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats, nil
}

func (q *stubQueue) TaskState(_ domain.Context, jobID string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	st, ok := q.state[jobID]
	if !ok {
		return "", fmt.Errorf("%w: task %s", domain.ErrNotFound, jobID)
	}
	return st, nil
}

func (q *stubQueue) DiscardArchived(_ domain.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.discarded = append(q.discarded, jobID)
	return nil
}

func (q *stubQueue) taskCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

type stubBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newStubBlobs() *stubBlobs { return &stubBlobs{objects: map[string][]byte{}} }

func (b *stubBlobs) IssueUploadURL(_ domain.Context, userID, contentType string) (domain.UploadTarget, error) {
	if !strings.HasPrefix(contentType, "image/") {
		return domain.UploadTarget{}, fmt.Errorf("%w: %s", domain.ErrUnsupportedMedia, contentType)
	}
	return domain.UploadTarget{
		URL:         "https://blobs.test/put/" + userID,
		ObjectName:  "uploads/" + userID + "/pending.png",
		ExpiresAt:   time.Now().Add(15 * time.Minute),
		ContentType: contentType,
	}, nil
}

func (b *stubBlobs) IssueDownloadURL(_ domain.Context, _, objectName, _ string) (domain.SignedDownload, error) {
	return domain.SignedDownload{
		URL:       "https://blobs.test/get/" + objectName,
		ExpiresAt: time.Now().Add(time.Hour),
	}, nil
}

func (b *stubBlobs) Download(_ domain.Context, _, objectName string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[objectName]
	if !ok {
		return nil, fmt.Errorf("%w: object %s", domain.ErrNotFound, objectName)
	}
	return data, nil
}

func (b *stubBlobs) Upload(_ domain.Context, _, objectName string, data []byte, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[objectName] = data
	return nil
}

func (b *stubBlobs) put(objectName string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[objectName] = data
}

type stubModerator struct {
	verdict domain.ModerationVerdict
	err     error
}

func (m *stubModerator) Moderate(_ domain.Context, _ []byte, _ string) (domain.ModerationVerdict, error) {
	if m.err != nil {
		return domain.ModerationVerdict{}, m.err
	}
	return m.verdict, nil
}

type stubAudits struct {
	mu         sync.Mutex
	moderation []domain.ModerationAudit
	replays    []domain.ReplayAudit
}

func (a *stubAudits) AppendModeration(_ domain.Context, rec domain.ModerationAudit) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.moderation = append(a.moderation, rec)
	return nil
}

func (a *stubAudits) AppendReplay(_ domain.Context, rec domain.ReplayAudit) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.replays = append(a.replays, rec)
	return nil
}

type stubUsers struct {
	mu       sync.Mutex
	balances map[string]int64
}

func newStubUsers() *stubUsers { return &stubUsers{balances: map[string]int64{}} }

func (u *stubUsers) Get(_ domain.Context, id string) (domain.User, error) {
	return domain.User{ID: id}, nil
}

func (u *stubUsers) MirrorBalance(_ domain.Context, id string, balance int64) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.balances[id] = balance
	return nil
}

type stubLedger struct {
	mu       sync.Mutex
	entries  []domain.LedgerEntry
	refunded map[int]bool
	nextID   int
}

func newStubLedger() *stubLedger { return &stubLedger{refunded: map[int]bool{}} }

func (l *stubLedger) Append(_ domain.Context, e domain.LedgerEntry) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	e.ID = fmt.Sprintf("led-%d", l.nextID)
	l.entries = append(l.entries, e)
	return e.ID, nil
}

func (l *stubLedger) ClaimRefund(_ domain.Context, userID, jobID, reason string) (domain.LedgerEntry, domain.CreditKind, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.entries) - 1; i >= 0; i-- {
		e := l.entries[i]
		if e.JobID != jobID || e.Amount >= 0 || l.refunded[i] {
			continue
		}
		l.refunded[i] = true
		l.nextID++
		debitID := e.ID
		l.entries = append(l.entries, domain.LedgerEntry{
			ID:       fmt.Sprintf("led-%d", l.nextID),
			UserID:   userID,
			JobID:    jobID,
			Amount:   -e.Amount,
			Kind:     domain.CreditRefund,
			Reason:   reason,
			RefundOf: &debitID,
		})
		return e, e.Kind, nil
	}
	return domain.LedgerEntry{}, "", fmt.Errorf("%w: no outstanding debit", domain.ErrNotFound)
}

func (l *stubLedger) HasRefund(_ domain.Context, jobID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.JobID == jobID && e.Kind == domain.CreditRefund {
			return true, nil
		}
	}
	return false, nil
}

func (l *stubLedger) ListByJob(_ domain.Context, jobID string) ([]domain.LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.LedgerEntry
	for _, e := range l.entries {
		if e.JobID == jobID {
			out = append(out, e)
		}
	}
	return out, nil
}

type stubDeadLetters struct {
	mu      sync.Mutex
	entries map[string]domain.DeadLetter
}

func newStubDeadLetters() *stubDeadLetters {
	return &stubDeadLetters{entries: map[string]domain.DeadLetter{}}
}

func (s *stubDeadLetters) Put(_ domain.Context, d domain.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[d.ID] = d
	return nil
}

func (s *stubDeadLetters) Get(_ domain.Context, id string) (domain.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.entries[id]
	if !ok {
		return domain.DeadLetter{}, fmt.Errorf("%w: dead letter %s", domain.ErrNotFound, id)
	}
	return d, nil
}

func (s *stubDeadLetters) List(_ domain.Context, userID string, limit, offset int) ([]domain.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []domain.DeadLetter
	for _, d := range s.entries {
		if userID == "" || d.UserID == userID {
			all = append(all, d)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (s *stubDeadLetters) Delete(_ domain.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	return nil
}

func (s *stubDeadLetters) Stats(_ domain.Context) (domain.DeadLetterStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := domain.DeadLetterStats{ByKind: map[string]int{}}
	users := map[string]bool{}
	for _, d := range s.entries {
		stats.Total++
		stats.ByKind[d.Failure.Kind]++
		users[d.UserID] = true
	}
	stats.UniqueUser = len(users)
	return stats, nil
}

func (s *stubDeadLetters) DeleteOlderThan(_ domain.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, d := range s.entries {
		if d.FailedAt.Before(cutoff) {
			delete(s.entries, id)
			n++
		}
	}
	return n, nil
}

type stubVerifier struct {
	tokens map[string]domain.Identity
}

func (v *stubVerifier) Verify(_ domain.Context, bearer string) (domain.Identity, error) {
	id, ok := v.tokens[bearer]
	if !ok {
		return domain.Identity{}, fmt.Errorf("%w: token rejected", domain.ErrUnauthorized)
	}
	return id, nil
}

// fixture assembles real services over in-memory adapters so handler tests
// cover the same wiring the router mounts in production.
type fixture struct {
	cfg       config.Config
	jobs      *stubJobs
	queue     *stubQueue
	blobs     *stubBlobs
	moderator *stubModerator
	audits    *stubAudits
	ledger    *stubLedger
	dead      *stubDeadLetters
	users     *stubUsers
	verifier  *stubVerifier
	bus       *events.Bus
	srv       *httpserver.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return buildFixture(t, 3, 1000)
}

func buildFixture(t *testing.T, dailyFree, userLimit int) *fixture {
	t.Helper()
	f := &fixture{
		cfg: config.Config{
			AppEnv:              "test",
			MaxUploadMB:         1,
			JobsSSEHeartbeatMS:  40,
			JobsSSEPollInterval: 15 * time.Millisecond,
			OpsToken:            "ops-secret",
		},
		jobs:      newStubJobs(),
		queue:     newStubQueue(),
		blobs:     newStubBlobs(),
		moderator: &stubModerator{verdict: domain.ModerationVerdict{Allowed: true}},
		audits:    &stubAudits{},
		ledger:    newStubLedger(),
		dead:      newStubDeadLetters(),
		users:     newStubUsers(),
		verifier: &stubVerifier{tokens: map[string]domain.Identity{
			"tok-user-1": {UserID: "user-1", Email: "u1@example.com", Verified: true},
			"tok-user-2": {UserID: "user-2", Email: "u2@example.com", Verified: true},
		}},
		bus: events.NewBus(),
	}

	store := kvstore.NewMemoryStore()
	creditSvc := credits.New(store, f.ledger, f.users, dailyFree, 1)
	admission := usecase.NewAdmissionService(
		f.jobs, f.queue, f.blobs, f.moderator, f.audits,
		creditSvc, idempotency.New(store), f.cfg.MaxUploadBytes())
	status := usecase.NewStatusService(f.jobs, f.blobs)
	uploads := usecase.NewUploadService(f.blobs)
	replaySvc := replay.New(f.dead, f.jobs, f.ledger, f.queue, f.audits, 7*24*time.Hour)
	limiter := ratelimiter.New(store, userLimit, time.Minute, userLimit*10, time.Minute)

	f.srv = httpserver.NewServer(
		f.cfg, admission, status, uploads, creditSvc, replaySvc,
		f.queue, f.verifier, limiter, f.bus)
	return f
}

// handler mounts the routes the way the application router does.
func (f *fixture) handler() http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.SecurityHeaders)
	r.Route("/v1", func(v chi.Router) {
		v.Use(httpserver.Auth(f.srv.Verifier))
		v.Use(httpserver.RateLimit(f.srv.Limiter))
		v.Get("/uploads/signed-url", f.srv.SignedURLHandler())
		v.Post("/jobs", f.srv.SubmitHandler())
		v.Get("/jobs/{id}", f.srv.JobHandler())
		v.Get("/jobs/{id}/stream", f.srv.StreamHandler())
	})
	r.Route("/internal", func(in chi.Router) {
		in.Use(f.srv.RequireOpsToken)
		in.Post("/credits/grant", f.srv.GrantHandler())
		in.Get("/queue/stats", f.srv.QueueStatsHandler())
		in.Get("/deadletters", f.srv.DeadLettersHandler())
		in.Post("/deadletters/{id}/replay", f.srv.ReplayDeadLetterHandler())
	})
	return r
}

func (f *fixture) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.handler().ServeHTTP(rec, req)
	return rec
}

func pngImage(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 30), G: uint8(y * 30), B: 120, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func multipartBody(t *testing.T, imageData []byte, prompt string) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	fw, err := w.CreateFormFile("image", "photo.png")
	require.NoError(t, err)
	_, err = fw.Write(imageData)
	require.NoError(t, err)
	if prompt != "" {
		require.NoError(t, w.WriteField("prompt", prompt))
	}
	require.NoError(t, w.Close())
	return buf, w.FormDataContentType()
}

func authedReq(t *testing.T, method, target string, body *bytes.Buffer) *http.Request {
	t.Helper()
	var r *http.Request
	if body == nil {
		r = httptest.NewRequest(method, target, nil)
	} else {
		r = httptest.NewRequest(method, target, body)
	}
	r.Header.Set("Authorization", "Bearer tok-user-1")
	return r
}

// problemDoc mirrors the problem+json wire shape for assertions.
type problemDoc struct {
	Type             string            `json:"type"`
	Title            string            `json:"title"`
	Status           int               `json:"status"`
	Detail           string            `json:"detail"`
	Instance         string            `json:"instance"`
	RemainingCredits *int64            `json:"remaining_credits"`
	RetryAfter       *int64            `json:"retry_after"`
	Categories       []string          `json:"categories"`
	Fields           map[string]string `json:"fields"`
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) problemDoc {
	t.Helper()
	require.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	require.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	var p problemDoc
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	return p
}
