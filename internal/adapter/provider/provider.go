// Package provider calls the generative restoration endpoint. One call
// restores one image; retries stay inside the client so the queue-level
// attempt counter only sees whole pipeline failures.
package provider

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/lumapix/restoration-service/internal/adapter/observability"
	"github.com/lumapix/restoration-service/internal/domain"
	"github.com/lumapix/restoration-service/pkg/retry"
)

// maxResponseBytes bounds the provider response body. Restored images
// arrive base64-encoded, so the cap is well above the pixel budget.
const maxResponseBytes = 64 << 20

// retryJitter tracks the queue engine's redelivery jitter fraction.
const retryJitter = 0.3

// Client implements domain.Restorer over HTTP.
type Client struct {
	hc          *http.Client
	baseURL     string
	apiKey      string
	model       string
	maxAttempts int
	retryBase   time.Duration
}

// New constructs the production client. baseURL is the versioned API
// root; the restoration path is appended per call.
func New(baseURL, apiKey, model string, timeout time.Duration, maxAttempts int) *Client {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return NewWithClient(&http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}, baseURL, apiKey, model, maxAttempts)
}

// NewWithClient wires an explicit http.Client; tests inject one here.
func NewWithClient(hc *http.Client, baseURL, apiKey, model string, maxAttempts int) *Client {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Client{
		hc:          hc,
		baseURL:     baseURL,
		apiKey:      apiKey,
		model:       model,
		maxAttempts: maxAttempts,
		retryBase:   time.Second,
	}
}

type restoreResponse struct {
	RequestID     string  `json:"request_id"`
	ImageB64      string  `json:"image_b64"`
	BilledUnits   int64   `json:"billed_units"`
	EstimatedCost float64 `json:"estimated_cost"`
}

// Restore submits the prompt and image and returns the restored bytes
// plus the billing receipt. Transport failures, 429 and 5xx are retried
// with jittered exponential backoff; other 4xx abort immediately.
func (c *Client) Restore(ctx domain.Context, prompt string, image []byte) (domain.RestoreResult, error) {
	if c.apiKey == "" {
		return domain.RestoreResult{}, fmt.Errorf("op=provider.Restore: %w: provider api key missing", domain.ErrInvalidArgument)
	}

	var out restoreResponse
	op := func() error {
		// The multipart body is consumed by each attempt, so rebuild it.
		body, contentType, err := c.buildForm(prompt, image)
		if err != nil {
			return backoff.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/images/restorations", body)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("op=provider.Restore: request: %w", err))
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Content-Type", contentType)

		start := time.Now()
		resp, err := c.hc.Do(req)
		observability.ProviderRequestDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			observability.ProviderRequestsTotal.WithLabelValues("transport").Inc()
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			observability.ProviderRequestsTotal.WithLabelValues("transport").Inc()
			return err
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			observability.ProviderRequestsTotal.WithLabelValues("rate_limited").Inc()
			slog.Warn("provider rate limited",
				slog.String("request_id", resp.Header.Get("X-Request-Id")))
			return fmt.Errorf("provider status 429")
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			observability.ProviderRequestsTotal.WithLabelValues("rejected").Inc()
			snippet := raw
			if len(snippet) > 512 {
				snippet = snippet[:512]
			}
			slog.Warn("provider 4xx",
				slog.Int("status", resp.StatusCode),
				slog.String("body", string(snippet)))
			return backoff.Permanent(fmt.Errorf("provider status %d", resp.StatusCode))
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			observability.ProviderRequestsTotal.WithLabelValues("error").Inc()
			return fmt.Errorf("provider status %d", resp.StatusCode)
		}

		if err := json.Unmarshal(raw, &out); err != nil {
			observability.ProviderRequestsTotal.WithLabelValues("error").Inc()
			return fmt.Errorf("decode: %w", err)
		}
		observability.ProviderRequestsTotal.WithLabelValues("ok").Inc()
		return nil
	}

	policy := &delayPolicy{base: c.retryBase, jitter: retryJitter}
	bo := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.maxAttempts-1)), ctx)

	if err := backoff.Retry(op, bo); err != nil {
		return domain.RestoreResult{}, fmt.Errorf("op=provider.Restore: %w", err)
	}

	img, err := base64.StdEncoding.DecodeString(out.ImageB64)
	if err != nil {
		return domain.RestoreResult{}, fmt.Errorf("op=provider.Restore: image payload: %w", err)
	}
	if len(img) == 0 {
		return domain.RestoreResult{}, fmt.Errorf("op=provider.Restore: empty image payload")
	}

	return domain.RestoreResult{
		Image: img,
		Receipt: domain.ProviderReceipt{
			RequestID:     out.RequestID,
			BilledUnits:   out.BilledUnits,
			EstimatedCost: out.EstimatedCost,
		},
	}, nil
}

// buildForm assembles the multipart body: an image file part plus the
// prompt and model fields. No size field is sent; output dimensions
// follow the source image.
func (c *Client) buildForm(prompt string, image []byte) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("image", "source.jpg")
	if err != nil {
		return nil, "", fmt.Errorf("op=provider.buildForm: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return nil, "", fmt.Errorf("op=provider.buildForm: %w", err)
	}
	if err := w.WriteField("prompt", prompt); err != nil {
		return nil, "", fmt.Errorf("op=provider.buildForm: %w", err)
	}
	if err := w.WriteField("model", c.model); err != nil {
		return nil, "", fmt.Errorf("op=provider.buildForm: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("op=provider.buildForm: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

// delayPolicy feeds the shared retry.Delay schedule into the backoff loop,
// so provider waits and queue redeliveries follow one formula.
type delayPolicy struct {
	attempt int
	base    time.Duration
	jitter  float64
}

func (p *delayPolicy) NextBackOff() time.Duration {
	p.attempt++
	return retry.Delay(p.attempt, p.base, p.jitter)
}

func (p *delayPolicy) Reset() { p.attempt = 0 }
