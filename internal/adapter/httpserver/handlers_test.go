package httpserver_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumapix/restoration-service/internal/domain"
)

func submitMultipart(t *testing.T, f *fixture, key string) *http.Request {
	t.Helper()
	body, ctype := multipartBody(t, pngImage(t), "restore this photo")
	req := authedReq(t, http.MethodPost, "/v1/jobs", body)
	req.Header.Set("Content-Type", ctype)
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	return req
}

func TestSubmitMultipartAccepted(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, submitMultipart(t, f, uuid.NewString()))

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	var resp struct {
		JobID  string `json:"job_id"`
		Status string `json:"status"`
		Credit struct {
			Amount int64  `json:"amount"`
			Kind   string `json:"kind"`
		} `json:"credit"`
		Location string `json:"location"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.JobID)
	assert.Equal(t, "queued", resp.Status)
	assert.Equal(t, int64(1), resp.Credit.Amount)
	assert.Equal(t, "free", resp.Credit.Kind)
	assert.Equal(t, "/v1/jobs/"+resp.JobID, resp.Location)
	assert.Equal(t, resp.Location, rec.Header().Get("Location"))

	require.Equal(t, 1, f.queue.taskCount())
	job := f.jobs.get(resp.JobID)
	assert.Equal(t, domain.JobQueued, job.Status)
	assert.Equal(t, "user-1", job.UserID)
}

func TestSubmitMissingIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, submitMultipart(t, f, ""))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	p := decodeProblem(t, rec)
	assert.Equal(t, "https://lumapix.dev/problems/idempotency-key-missing", p.Type)
	assert.True(t, strings.HasPrefix(p.Instance, "urn:request:"), p.Instance)
	assert.NotEqual(t, "urn:request:", p.Instance)
}

func TestSubmitMalformedIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, submitMultipart(t, f, "not-a-uuid"))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	p := decodeProblem(t, rec)
	assert.Equal(t, "https://lumapix.dev/problems/idempotency-key-invalid", p.Type)
}

func TestSubmitUnsupportedBody(t *testing.T) {
	f := newFixture(t)
	req := authedReq(t, http.MethodPost, "/v1/jobs", bytes.NewBufferString("plain text"))
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Idempotency-Key", uuid.NewString())
	rec := f.do(t, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	p := decodeProblem(t, rec)
	assert.Equal(t, "https://lumapix.dev/problems/invalid-payload", p.Type)
	assert.Contains(t, p.Detail, "multipart/form-data or application/json")
}

func TestSubmitMissingImagePart(t *testing.T) {
	f := newFixture(t)
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	require.NoError(t, w.WriteField("prompt", "no image here"))
	require.NoError(t, w.Close())

	req := authedReq(t, http.MethodPost, "/v1/jobs", body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Idempotency-Key", uuid.NewString())
	rec := f.do(t, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	p := decodeProblem(t, rec)
	assert.Equal(t, "https://lumapix.dev/problems/invalid-payload", p.Type)
	assert.Contains(t, p.Detail, "image part required")
}

func TestSubmitOversizeBody(t *testing.T) {
	f := newFixture(t)
	// MaxUploadMB is 1; the reader allows 1MB of part headroom on top
	huge := bytes.Repeat([]byte{0xAB}, 3<<20)
	body, ctype := multipartBody(t, huge, "")
	req := authedReq(t, http.MethodPost, "/v1/jobs", body)
	req.Header.Set("Content-Type", ctype)
	req.Header.Set("Idempotency-Key", uuid.NewString())
	rec := f.do(t, req)

	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	p := decodeProblem(t, rec)
	assert.Equal(t, "https://lumapix.dev/problems/file-too-large", p.Type)
	require.NotNil(t, p.RetryAfter)
	assert.Equal(t, int64(1), *p.RetryAfter)
}

func TestSubmitNonImagePayload(t *testing.T) {
	f := newFixture(t)
	body, ctype := multipartBody(t, []byte("definitely not an image"), "")
	req := authedReq(t, http.MethodPost, "/v1/jobs", body)
	req.Header.Set("Content-Type", ctype)
	req.Header.Set("Idempotency-Key", uuid.NewString())
	rec := f.do(t, req)

	require.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	p := decodeProblem(t, rec)
	assert.Equal(t, "https://lumapix.dev/problems/unsupported-media-type", p.Type)
}

func TestSubmitPromptTooLong(t *testing.T) {
	f := newFixture(t)
	body, ctype := multipartBody(t, pngImage(t), strings.Repeat("я", 2001))
	req := authedReq(t, http.MethodPost, "/v1/jobs", body)
	req.Header.Set("Content-Type", ctype)
	req.Header.Set("Idempotency-Key", uuid.NewString())
	rec := f.do(t, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	p := decodeProblem(t, rec)
	assert.Equal(t, "https://lumapix.dev/problems/invalid-payload", p.Type)
	assert.Contains(t, p.Detail, "prompt exceeds")
}

func TestSubmitBlobReference(t *testing.T) {
	f := newFixture(t)
	f.blobs.put("uploads/user-1/prior.png", pngImage(t))

	payload := `{"source":{"type":"blob","object_name":"uploads/user-1/prior.png"},"prompt":"fix it"}`
	req := authedReq(t, http.MethodPost, "/v1/jobs", bytes.NewBufferString(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", uuid.NewString())
	rec := f.do(t, req)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Equal(t, 1, f.queue.taskCount())
}

func TestSubmitBlobReferenceValidation(t *testing.T) {
	f := newFixture(t)
	payload := `{"source":{"type":"url"}}`
	req := authedReq(t, http.MethodPost, "/v1/jobs", bytes.NewBufferString(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", uuid.NewString())
	rec := f.do(t, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	p := decodeProblem(t, rec)
	assert.Equal(t, "https://lumapix.dev/problems/invalid-payload", p.Type)
	assert.Equal(t, "oneof", p.Fields["type"])
	assert.Equal(t, "required", p.Fields["objectname"])
}

func TestSubmitMalformedJSON(t *testing.T) {
	f := newFixture(t)
	req := authedReq(t, http.MethodPost, "/v1/jobs", bytes.NewBufferString("{nope"))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", uuid.NewString())
	rec := f.do(t, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	p := decodeProblem(t, rec)
	assert.Contains(t, p.Detail, "invalid json")
}

func TestSubmitReplayIsByteForByte(t *testing.T) {
	f := newFixture(t)
	key := uuid.NewString()

	first := f.do(t, submitMultipart(t, f, key))
	require.Equal(t, http.StatusAccepted, first.Code)

	second := f.do(t, submitMultipart(t, f, key))
	require.Equal(t, http.StatusAccepted, second.Code)
	assert.Equal(t, first.Body.Bytes(), second.Body.Bytes())
	assert.Equal(t, first.Header().Get("Location"), second.Header().Get("Location"))

	// the replay admits nothing new
	assert.Equal(t, 1, f.queue.taskCount())
	assert.Len(t, f.ledger.entries, 1)
}

func TestSubmitKeyReuseConflicts(t *testing.T) {
	f := newFixture(t)
	key := uuid.NewString()

	first := f.do(t, submitMultipart(t, f, key))
	require.Equal(t, http.StatusAccepted, first.Code)

	body, ctype := multipartBody(t, pngImage(t), "a different prompt")
	req := authedReq(t, http.MethodPost, "/v1/jobs", body)
	req.Header.Set("Content-Type", ctype)
	req.Header.Set("Idempotency-Key", key)
	rec := f.do(t, req)

	require.Equal(t, http.StatusConflict, rec.Code)
	p := decodeProblem(t, rec)
	assert.Equal(t, "https://lumapix.dev/problems/idempotency-conflict", p.Type)
}

func TestSubmitInsufficientCredits(t *testing.T) {
	f := buildFixture(t, 0, 1000)
	rec := f.do(t, submitMultipart(t, f, uuid.NewString()))

	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	p := decodeProblem(t, rec)
	assert.Equal(t, "https://lumapix.dev/problems/insufficient-credits", p.Type)
	require.NotNil(t, p.RemainingCredits)
	assert.Equal(t, int64(0), *p.RemainingCredits)
	assert.Equal(t, 0, f.queue.taskCount())
}

func TestSubmitModerationRejected(t *testing.T) {
	f := newFixture(t)
	f.moderator.verdict = domain.ModerationVerdict{
		Allowed:   false,
		Flags:     []string{"nsfw"},
		Rejection: "nsfw content",
	}
	rec := f.do(t, submitMultipart(t, f, uuid.NewString()))

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	p := decodeProblem(t, rec)
	assert.Equal(t, "https://lumapix.dev/problems/moderation-rejected", p.Type)
	assert.Equal(t, []string{"nsfw"}, p.Categories)
	assert.Equal(t, 0, f.queue.taskCount())
}

func TestSubmitModerationOutageFailsClosed(t *testing.T) {
	f := newFixture(t)
	f.moderator.err = fmt.Errorf("%w: upstream 503", domain.ErrUnavailable)
	rec := f.do(t, submitMultipart(t, f, uuid.NewString()))

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	p := decodeProblem(t, rec)
	assert.Equal(t, "https://lumapix.dev/problems/moderation-rejected", p.Type)
}

func TestJobLookup(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f.jobs.put(domain.Job{
		ID:        "job-7",
		UserID:    "user-1",
		Status:    domain.JobQueued,
		Prompt:    "restore",
		Credit:    domain.CreditDebit{Amount: 1, Kind: domain.CreditFree},
		CreatedAt: now,
		UpdatedAt: now,
	})

	rec := f.do(t, authedReq(t, http.MethodGet, "/v1/jobs/job-7", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	var proj struct {
		JobID  string `json:"job_id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &proj))
	assert.Equal(t, "job-7", proj.JobID)
	assert.Equal(t, "queued", proj.Status)
}

func TestJobLookupUnknownID(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, authedReq(t, http.MethodGet, "/v1/jobs/ghost", nil))

	require.Equal(t, http.StatusNotFound, rec.Code)
	p := decodeProblem(t, rec)
	assert.Equal(t, "https://lumapix.dev/problems/not-found", p.Type)
}

func TestJobLookupForeignJobIsNotFound(t *testing.T) {
	f := newFixture(t)
	f.jobs.put(domain.Job{ID: "job-8", UserID: "user-2", Status: domain.JobQueued})

	rec := f.do(t, authedReq(t, http.MethodGet, "/v1/jobs/job-8", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	p := decodeProblem(t, rec)
	assert.Equal(t, "https://lumapix.dev/problems/not-found", p.Type)
}

func TestSignedURL(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, authedReq(t, http.MethodGet, "/v1/uploads/signed-url?contentType=image/png", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var target struct {
		URL        string `json:"upload_url"`
		ObjectName string `json:"object_name"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &target))
	assert.NotEmpty(t, target.URL)
	assert.True(t, strings.HasPrefix(target.ObjectName, "uploads/user-1/"), target.ObjectName)
}

func TestSignedURLMissingContentType(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, authedReq(t, http.MethodGet, "/v1/uploads/signed-url", nil))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	p := decodeProblem(t, rec)
	assert.Contains(t, p.Detail, "contentType")
}

func TestSignedURLUnsupportedContentType(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, authedReq(t, http.MethodGet, "/v1/uploads/signed-url?contentType=application/pdf", nil))

	require.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	p := decodeProblem(t, rec)
	assert.Equal(t, "https://lumapix.dev/problems/unsupported-media-type", p.Type)
}
