package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumapix/restoration-service/internal/domain"
)

func newTestClient(srv *httptest.Server, maxAttempts int) *Client {
	c := NewWithClient(srv.Client(), srv.URL, "prov-key", "restoration-v2", maxAttempts)
	c.retryBase = time.Millisecond
	return c
}

func okResponse(image []byte) restoreResponse {
	return restoreResponse{
		RequestID:     "req-123",
		ImageB64:      base64.StdEncoding.EncodeToString(image),
		BilledUnits:   2,
		EstimatedCost: 0.08,
	}
}

func TestRestoreSendsMultipartForm(t *testing.T) {
	restored := []byte("restored-image-bytes")
	var gotAuth, gotPrompt, gotModel string
	var gotImage []byte
	var hasSizeField bool

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/images/restorations", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")

		require.NoError(t, r.ParseMultipartForm(32<<20))
		gotPrompt = r.FormValue("prompt")
		gotModel = r.FormValue("model")
		_, hasSizeField = r.MultipartForm.Value["size"]

		file, _, err := r.FormFile("image")
		require.NoError(t, err)
		defer func() { _ = file.Close() }()
		buf := make([]byte, 64)
		n, _ := file.Read(buf)
		gotImage = buf[:n]

		_ = json.NewEncoder(w).Encode(okResponse(restored))
	}))
	defer srv.Close()

	c := newTestClient(srv, 3)
	res, err := c.Restore(context.Background(), "restore, repair scratches", []byte("source-bytes"))
	require.NoError(t, err)

	assert.Equal(t, restored, res.Image)
	assert.Equal(t, "req-123", res.Receipt.RequestID)
	assert.Equal(t, int64(2), res.Receipt.BilledUnits)
	assert.InDelta(t, 0.08, res.Receipt.EstimatedCost, 1e-9)

	assert.Equal(t, "Bearer prov-key", gotAuth)
	assert.Equal(t, "restore, repair scratches", gotPrompt)
	assert.Equal(t, "restoration-v2", gotModel)
	assert.Equal(t, []byte("source-bytes"), gotImage)
	assert.False(t, hasSizeField, "request must not carry a size field")
}

func TestRestoreRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "upstream overloaded", http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(okResponse([]byte("ok")))
	}))
	defer srv.Close()

	c := newTestClient(srv, 3)
	res, err := c.Restore(context.Background(), "p", []byte("img"))
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), res.Image)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestRestoreRetriesRateLimit(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(okResponse([]byte("ok")))
	}))
	defer srv.Close()

	c := newTestClient(srv, 3)
	_, err := c.Restore(context.Background(), "p", []byte("img"))
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestRestoreAbortsOnClientError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "prompt rejected", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient(srv, 3)
	_, err := c.Restore(context.Background(), "p", []byte("img"))
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "4xx must not be retried")
}

func TestRestoreGivesUpAfterMaxAttempts(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(srv, 3)
	_, err := c.Restore(context.Background(), "p", []byte("img"))
	require.Error(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestRestoreRejectsMalformedImagePayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(restoreResponse{RequestID: "r", ImageB64: "!!not-base64!!"})
	}))
	defer srv.Close()

	c := newTestClient(srv, 1)
	_, err := c.Restore(context.Background(), "p", []byte("img"))
	require.Error(t, err)
}

func TestRestoreRejectsEmptyImagePayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(restoreResponse{RequestID: "r", ImageB64: ""})
	}))
	defer srv.Close()

	c := newTestClient(srv, 1)
	_, err := c.Restore(context.Background(), "p", []byte("img"))
	require.Error(t, err)
}

func TestRestoreRequiresAPIKey(t *testing.T) {
	c := NewWithClient(http.DefaultClient, "http://unused", "", "m", 1)
	_, err := c.Restore(context.Background(), "p", []byte("img"))
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}
