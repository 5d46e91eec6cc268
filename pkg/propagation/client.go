// Package propagation delivers configurations to running instances over their
// HTTP control protocol and probes their liveness.
package propagation

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/openfroyo/instanced/pkg/engine"
)

// Client speaks the instance control protocol. It is safe for concurrent use.
type Client struct {
	cfg    Config
	http   *http.Client
	logger zerolog.Logger
}

// NewClient creates a client. insecure disables TLS verification and is only
// honored for remote targets built by NewResolver.
func NewClient(cfg Config, insecure bool, logger zerolog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid propagation config: %w", err)
	}

	base := http.DefaultTransport.(*http.Transport).Clone()
	if insecure {
		base.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // operator opt-in for self-signed remotes
	}

	return &Client{
		cfg:    cfg,
		http:   &http.Client{Transport: otelhttp.NewTransport(base)},
		logger: logger.With().Str("component", "propagation").Logger(),
	}, nil
}

// healthResponse is the body a genuine instance returns on its health path.
type healthResponse struct {
	Service string `json:"service"`
	Status  string `json:"status,omitempty"`
	Version string `json:"version,omitempty"`
}

// Push POSTs payload to the control path of endpoint in a single call. It
// never retries. Failures are classified as UNAUTHORIZED, UNREACHABLE or
// REJECTED.
func (c *Client) Push(ctx context.Context, endpoint, token string, payload *engine.ConfigPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return engine.NewPermanentError("failed to encode configuration", err).WithCode(engine.ErrCodeInternal)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, joinURL(endpoint, c.cfg.ControlPath), bytes.NewReader(body))
	if err != nil {
		return engine.NewPermanentError("invalid instance address", err).
			WithCode(engine.ErrCodeUnreachable).
			WithResource(endpoint)
	}
	req.Header.Set("Content-Type", "application/json")
	c.decorate(req, token)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return unreachable(endpoint, err)
	}
	defer resp.Body.Close()
	text := c.readBody(resp)

	c.logger.Debug().
		Str("endpoint", endpoint).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("Configuration push answered")

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case isAuthFailure(resp.StatusCode, text):
		return engine.NewPermanentError(fmt.Sprintf("instance rejected credentials (HTTP %d)", resp.StatusCode), nil).
			WithCode(engine.ErrCodeUnauthorized).
			WithResource(endpoint).
			WithDetail("status_code", resp.StatusCode)
	default:
		return engine.NewPermanentError(fmt.Sprintf("instance rejected configuration (HTTP %d): %s", resp.StatusCode, summarize(text)), nil).
			WithCode(engine.ErrCodeRejected).
			WithResource(endpoint).
			WithDetail("status_code", resp.StatusCode)
	}
}

// Probe checks that endpoint is alive and is one of ours. Failures are
// classified as UNAUTHORIZED, UNREACHABLE, REJECTED (ours, but unhealthy) or
// FOREIGN_ENDPOINT.
func (c *Client) Probe(ctx context.Context, endpoint, token string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, joinURL(endpoint, c.cfg.HealthPath), nil)
	if err != nil {
		return engine.NewPermanentError("invalid instance address", err).
			WithCode(engine.ErrCodeUnreachable).
			WithResource(endpoint)
	}
	req.Header.Set("Accept", "application/json")
	c.decorate(req, token)

	resp, err := c.http.Do(req)
	if err != nil {
		return unreachable(endpoint, err)
	}
	defer resp.Body.Close()
	text := c.readBody(resp)

	if isAuthFailure(resp.StatusCode, text) {
		return engine.NewPermanentError(fmt.Sprintf("instance rejected credentials (HTTP %d)", resp.StatusCode), nil).
			WithCode(engine.ErrCodeUnauthorized).
			WithResource(endpoint).
			WithDetail("status_code", resp.StatusCode)
	}

	var health healthResponse
	if err := json.Unmarshal([]byte(text), &health); err != nil || health.Service != c.cfg.HealthMarker {
		return engine.NewPermanentError(fmt.Sprintf("endpoint is not a managed instance (HTTP %d)", resp.StatusCode), nil).
			WithCode(engine.ErrCodeForeignEndpoint).
			WithResource(endpoint).
			WithDetail("status_code", resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return engine.NewTransientError(fmt.Sprintf("instance reports unhealthy (HTTP %d, %s)", resp.StatusCode, health.Status), nil).
			WithCode(engine.ErrCodeRejected).
			WithResource(endpoint).
			WithDetail("status_code", resp.StatusCode)
	}
	return nil
}

func (c *Client) decorate(req *http.Request, token string) {
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func (c *Client) readBody(resp *http.Response) string {
	data, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxResponseBytes))
	if err != nil {
		c.logger.Debug().Err(err).Msg("Failed to read response body")
	}
	return string(data)
}

// unreachable classifies a transport failure: refused, DNS, TLS or timeout.
func unreachable(endpoint string, err error) error {
	return engine.NewTransientError("instance unreachable", err).
		WithCode(engine.ErrCodeUnreachable).
		WithResource(endpoint)
}

func isAuthFailure(status int, body string) bool {
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return true
	}
	lower := strings.ToLower(body)
	return strings.Contains(lower, "invalid token") || strings.Contains(lower, "invalid_token")
}

func joinURL(endpoint, path string) string {
	return strings.TrimRight(endpoint, "/") + path
}

const maxSummary = 200

// summarize trims body to at most maxSummary bytes without splitting a rune.
func summarize(body string) string {
	body = strings.TrimSpace(body)
	if len(body) > maxSummary {
		cut := maxSummary
		for cut > 0 && !utf8.RuneStart(body[cut]) {
			cut--
		}
		return body[:cut] + "..."
	}
	if body == "" {
		return "empty response"
	}
	return body
}
