// Package delivery ships entry batches to the backend over HTTPS.
//
// One batch becomes one POST of a JSON array. There is no retry or
// backoff here: a failed attempt reports its error and the caller decides
// what to do with the batch (the sink drops it).
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"logship/internal/logging"
	"logship/internal/wire"
)

// DefaultTimeout bounds one delivery attempt.
const DefaultTimeout = 30 * time.Second

// maxErrorBody caps how much of an error response body is kept.
const maxErrorBody = 1 << 10

// StatusError is returned when the backend answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("backend returned HTTP %d: %s", e.StatusCode, e.Body)
}

// Config holds delivery client configuration.
type Config struct {
	// Domain is the backend domain; the endpoint becomes
	// https://ingress.<Domain>/api/v1/logs.
	Domain string

	// URL overrides the endpoint derived from Domain. Meant for tests
	// and nonstandard deployments.
	URL string

	// PrivateKey is the bearer credential sent with every batch.
	PrivateKey string

	// Timeout bounds one delivery attempt. Defaults to DefaultTimeout.
	Timeout time.Duration

	// Client overrides the HTTP client. Defaults to one with Timeout set.
	Client *http.Client

	Logger *slog.Logger
}

// Client delivers batches to a single backend endpoint.
type Client struct {
	url    string
	key    string
	hc     *http.Client
	logger *slog.Logger
}

// New creates a delivery client.
func New(cfg Config) (*Client, error) {
	url := cfg.URL
	if url == "" {
		if cfg.Domain == "" {
			return nil, fmt.Errorf("delivery: domain or url is required")
		}
		url = fmt.Sprintf("https://ingress.%s/api/v1/logs", cfg.Domain)
	}
	if cfg.PrivateKey == "" {
		return nil, fmt.Errorf("delivery: private key is required")
	}

	hc := cfg.Client
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}

	return &Client{
		url:    url,
		key:    cfg.PrivateKey,
		hc:     hc,
		logger: logging.Default(cfg.Logger).With("component", "delivery"),
	}, nil
}

// Deliver posts one batch as a JSON array. A non-2xx response yields a
// *StatusError carrying the status code and a truncated response body.
func (c *Client) Deliver(ctx context.Context, batch []wire.Entry) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.key)

	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("post batch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(msg)),
		}
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	c.logger.Debug("batch delivered",
		"records", len(batch), "bytes", len(body), "elapsed", time.Since(start))
	return nil
}

// NewLogging returns a deliver function that writes batch summaries to the
// logger instead of the network. Used by dry-run mode.
func NewLogging(logger *slog.Logger) func(ctx context.Context, batch []wire.Entry) error {
	logger = logging.Default(logger).With("component", "delivery", "mode", "dry-run")
	return func(ctx context.Context, batch []wire.Entry) error {
		body, err := json.Marshal(batch)
		if err != nil {
			return fmt.Errorf("encode batch: %w", err)
		}
		logger.Info("dry run, batch discarded", "records", len(batch), "bytes", len(body))
		return nil
	}
}
