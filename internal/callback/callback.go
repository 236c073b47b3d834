// Package callback delivers run status reports to the deployment manager.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	engerrors "github.com/tiara/engine/internal/errors"
)

const (
	// SecretHeader carries the shared secret on every callback.
	SecretHeader = "X-Engine-Secret"

	defaultTimeout   = 10 * time.Second
	maxErrorBodySize = 4096
)

// Report is the callback body. Written once per accepted task.
type Report struct {
	LogID     int64  `json:"log_id"`
	Status    string `json:"status"`
	OutputLog string `json:"output_log"`
}

// Reporter delivers reports. Implementations never fail the caller: delivery
// problems are logged and dropped.
type Reporter interface {
	Report(ctx context.Context, report Report)
}

// Client posts reports to the configured webhook URL.
type Client struct {
	url    string
	secret string
	client *http.Client
	logger zerolog.Logger
}

// NewClient builds a Client. A nil httpClient gets a 10s timeout; a client
// without a timeout gets the default.
func NewClient(webhookURL, secret string, httpClient *http.Client, logger zerolog.Logger) (*Client, error) {
	trimmed := strings.TrimSpace(webhookURL)
	if trimmed == "" {
		return nil, engerrors.Wrap(engerrors.ErrCodeConfig, "webhook url required", nil)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	} else if httpClient.Timeout == 0 {
		httpClient.Timeout = defaultTimeout
	}
	return &Client{
		url:    trimmed,
		secret: secret,
		client: httpClient,
		logger: logger,
	}, nil
}

// RejectedError is a non-2xx webhook response.
type RejectedError struct {
	Code int
	Body string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("webhook returned %d: %s", e.Code, e.Body)
}

// Report delivers r once. Failures are logged locally and never retried.
func (c *Client) Report(ctx context.Context, r Report) {
	err := c.Deliver(ctx, r)
	var rejected *RejectedError
	switch {
	case errors.As(err, &rejected):
		c.logger.Warn().
			Int("code", rejected.Code).
			Str("body", rejected.Body).
			Int64("log_id", r.LogID).
			Str("status", r.Status).
			Msg("webhook rejected status report")
		return
	case err != nil:
		c.logger.Error().
			Err(err).
			Int64("log_id", r.LogID).
			Str("status", r.Status).
			Msg("failed to report status")
		return
	}
	c.logger.Info().
		Int64("log_id", r.LogID).
		Str("status", r.Status).
		Msg("reported status")
}

// Deliver performs one POST and returns a REPORT error on transport failure
// or a non-2xx response. A non-2xx response wraps a *RejectedError. Deliver
// does not log.
func (c *Client) Deliver(ctx context.Context, r Report) error {
	body, err := json.Marshal(r)
	if err != nil {
		return engerrors.Wrap(engerrors.ErrCodeReport, "marshal report", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return engerrors.Wrap(engerrors.ErrCodeReport, "build report request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(SecretHeader, c.secret)

	resp, err := c.client.Do(req)
	if err != nil {
		return engerrors.Wrap(engerrors.ErrCodeReport, "send report", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		limited := io.LimitReader(resp.Body, maxErrorBodySize)
		buf, _ := io.ReadAll(limited)
		summary := strings.TrimSpace(string(buf))
		if summary == "" {
			summary = resp.Status
		}
		return engerrors.Wrap(engerrors.ErrCodeReport, "report rejected", &RejectedError{Code: resp.StatusCode, Body: summary})
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Nop logs reports instead of delivering them. Used when no webhook URL is
// configured.
type Nop struct {
	Logger zerolog.Logger
}

func (n Nop) Report(_ context.Context, r Report) {
	n.Logger.Warn().
		Int64("log_id", r.LogID).
		Str("status", r.Status).
		Msg("no webhook configured, status report dropped")
}
