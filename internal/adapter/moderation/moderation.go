// Package moderation screens submissions before any credit is spent.
// The real client calls an HTTP moderation service; errors surface to
// the caller, which must treat them as rejections (fail closed).
package moderation

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/lumapix/restoration-service/internal/adapter/observability"
	"github.com/lumapix/restoration-service/internal/domain"
)

// Client implements domain.Moderator against an HTTP verdict endpoint.
type Client struct {
	hc      *http.Client
	baseURL string
	apiKey  string
}

// New constructs the production client.
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		hc: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		baseURL: baseURL,
		apiKey:  apiKey,
	}
}

// NewWithClient wires an explicit http.Client; tests inject one here.
func NewWithClient(hc *http.Client, baseURL, apiKey string) *Client {
	return &Client{hc: hc, baseURL: baseURL, apiKey: apiKey}
}

type moderateRequest struct {
	ImageB64 string `json:"image_b64"`
	Prompt   string `json:"prompt,omitempty"`
}

type moderateResponse struct {
	Allowed   bool     `json:"allowed"`
	Flags     []string `json:"flags"`
	Rejection string   `json:"rejection"`
}

// Moderate submits the image and prompt for a verdict. Any transport or
// service failure returns an error; callers reject the submission then.
func (c *Client) Moderate(ctx domain.Context, image []byte, prompt string) (domain.ModerationVerdict, error) {
	body, err := json.Marshal(moderateRequest{
		ImageB64: base64.StdEncoding.EncodeToString(image),
		Prompt:   prompt,
	})
	if err != nil {
		return domain.ModerationVerdict{}, fmt.Errorf("op=moderation.Moderate: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/moderations", bytes.NewReader(body))
	if err != nil {
		return domain.ModerationVerdict{}, fmt.Errorf("op=moderation.Moderate: request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		observability.ModerationVerdictsTotal.WithLabelValues("fail_closed").Inc()
		return domain.ModerationVerdict{}, fmt.Errorf("op=moderation.Moderate: %w: %v", domain.ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		observability.ModerationVerdictsTotal.WithLabelValues("fail_closed").Inc()
		return domain.ModerationVerdict{}, fmt.Errorf("op=moderation.Moderate: read: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		observability.ModerationVerdictsTotal.WithLabelValues("fail_closed").Inc()
		snippet := raw
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		slog.Warn("moderation service non-200",
			slog.Int("status", resp.StatusCode),
			slog.String("body", string(snippet)))
		return domain.ModerationVerdict{}, fmt.Errorf("op=moderation.Moderate: %w: status %d", domain.ErrUnavailable, resp.StatusCode)
	}

	var out moderateResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		observability.ModerationVerdictsTotal.WithLabelValues("fail_closed").Inc()
		return domain.ModerationVerdict{}, fmt.Errorf("op=moderation.Moderate: decode: %w", err)
	}

	verdict := domain.ModerationVerdict{Allowed: out.Allowed, Flags: out.Flags, Rejection: out.Rejection}
	if verdict.Allowed {
		observability.ModerationVerdictsTotal.WithLabelValues("allowed").Inc()
	} else {
		observability.ModerationVerdictsTotal.WithLabelValues("rejected").Inc()
	}
	return verdict, nil
}

// DevMock is the allow-everything moderator for local development. It
// never talks to the network and never rejects.
type DevMock struct{}

// Moderate approves unconditionally.
func (DevMock) Moderate(_ domain.Context, _ []byte, _ string) (domain.ModerationVerdict, error) {
	observability.ModerationVerdictsTotal.WithLabelValues("allowed").Inc()
	return domain.ModerationVerdict{Allowed: true}, nil
}
