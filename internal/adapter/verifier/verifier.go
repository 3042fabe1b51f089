// Package verifier resolves bearer credentials to account identities.
// Identity is delegated: the real client asks the platform auth service,
// the dev mock accepts tokens shaped dev-user-<name>.
package verifier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/lumapix/restoration-service/internal/domain"
)

// Client implements domain.TokenVerifier against the auth service.
type Client struct {
	hc         *http.Client
	verifyURL  string
	serviceKey string
}

// New constructs the production client. verifyURL is the full endpoint.
func New(verifyURL, serviceKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return NewWithClient(&http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}, verifyURL, serviceKey)
}

// NewWithClient wires an explicit http.Client; tests inject one here.
func NewWithClient(hc *http.Client, verifyURL, serviceKey string) *Client {
	return &Client{hc: hc, verifyURL: verifyURL, serviceKey: serviceKey}
}

type verifyRequest struct {
	Token string `json:"token"`
}

type verifyResponse struct {
	UserID   string `json:"user_id"`
	Email    string `json:"email"`
	Verified bool   `json:"verified"`
}

// Verify exchanges a bearer token for the owning identity. Invalid or
// expired tokens map to ErrUnauthorized; auth-service outages map to
// ErrUnavailable so callers can distinguish 401 from 503.
func (c *Client) Verify(ctx domain.Context, bearer string) (domain.Identity, error) {
	if bearer == "" {
		return domain.Identity{}, fmt.Errorf("op=verifier.Verify: empty token: %w", domain.ErrUnauthorized)
	}

	body, err := json.Marshal(verifyRequest{Token: bearer})
	if err != nil {
		return domain.Identity{}, fmt.Errorf("op=verifier.Verify: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.verifyURL, bytes.NewReader(body))
	if err != nil {
		return domain.Identity{}, fmt.Errorf("op=verifier.Verify: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Service-Key", c.serviceKey)

	resp, err := c.hc.Do(req)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("op=verifier.Verify: %w: %v", domain.ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.Identity{}, fmt.Errorf("op=verifier.Verify: read: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return domain.Identity{}, fmt.Errorf("op=verifier.Verify: token rejected: %w", domain.ErrUnauthorized)
	case resp.StatusCode != http.StatusOK:
		return domain.Identity{}, fmt.Errorf("op=verifier.Verify: %w: status %d", domain.ErrUnavailable, resp.StatusCode)
	}

	var out verifyResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return domain.Identity{}, fmt.Errorf("op=verifier.Verify: decode: %w", err)
	}
	if !out.Verified || out.UserID == "" {
		return domain.Identity{}, fmt.Errorf("op=verifier.Verify: unverified identity: %w", domain.ErrUnauthorized)
	}

	return domain.Identity{UserID: out.UserID, Email: out.Email, Verified: true}, nil
}

// DevMock accepts any token of the form dev-user-<name> and uses the
// whole token as the user id. Everything else is unauthorized.
type DevMock struct{}

// Verify resolves dev tokens without any network call.
func (DevMock) Verify(_ domain.Context, bearer string) (domain.Identity, error) {
	if !strings.HasPrefix(bearer, "dev-user-") || len(bearer) <= len("dev-user-") {
		return domain.Identity{}, fmt.Errorf("op=verifier.Verify: dev token rejected: %w", domain.ErrUnauthorized)
	}
	return domain.Identity{
		UserID:   bearer,
		Email:    bearer + "@dev.local",
		Verified: true,
	}, nil
}
