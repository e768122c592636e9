// Package openai reaches the OpenAI HTTP API for speech-to-text, chat completions and speech synthesis.
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/lokseva/internal/observability"
	"github.com/ent0n29/lokseva/internal/redact"
	"github.com/ent0n29/lokseva/internal/reliability"
)

const DefaultBaseURL = "https://api.openai.com/v1"

// APIError is a non-2xx response from the API.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	body, _ := redact.Text(e.Body)
	return fmt.Sprintf("openai http status %d: %s", e.Status, body)
}

type ClientOptions struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	MaxRetries int
	RetryBase  time.Duration
	RetryCap   time.Duration
	Logger     *zap.Logger
	Metrics    *observability.Metrics
}

// Client carries the shared transport for all OpenAI modalities.
type Client struct {
	apiKey     string
	baseURL    string
	http       *http.Client
	maxRetries int
	retryBase  time.Duration
	retryCap   time.Duration
	logger     *zap.Logger
	metrics    *observability.Metrics
}

func NewClient(opts ClientOptions) *Client {
	c := &Client{
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		http:       opts.HTTPClient,
		maxRetries: opts.MaxRetries,
		retryBase:  opts.RetryBase,
		retryCap:   opts.RetryCap,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.http == nil {
		// No client timeout: streaming bodies are bounded by the request context.
		c.http = &http.Client{}
	}
	if c.maxRetries < 0 {
		c.maxRetries = 0
	}
	if c.retryBase <= 0 {
		c.retryBase = 200 * time.Millisecond
	}
	if c.retryCap <= 0 {
		c.retryCap = 2 * time.Second
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c
}

func (c *Client) HasAPIKey() bool { return c.apiKey != "" }

// post sends payload to path, retrying transient failures. The caller closes the body of
// the returned 2xx response.
func (c *Client) post(ctx context.Context, label, path, contentType string, payload []byte) (*http.Response, error) {
	var res *http.Response
	err := reliability.Retry(ctx, c.maxRetries, c.retryBase, c.retryCap, func(attempt int) (bool, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return false, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Content-Type", contentType)

		resp, err := c.http.Do(req)
		if err != nil {
			c.metrics.ObserveProviderError(label, "transport")
			retry := reliability.IsRetryableError(err)
			if retry {
				c.logger.Warn("openai request failed, retrying",
					zap.String("provider", label), zap.Int("attempt", attempt), zap.Error(err))
			}
			return retry, fmt.Errorf("send request: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
			resp.Body.Close()
			c.metrics.ObserveProviderError(label, strconv.Itoa(resp.StatusCode))
			retry := reliability.IsRetryableHTTPStatus(resp.StatusCode)
			if retry {
				c.logger.Warn("openai request rejected, retrying",
					zap.String("provider", label), zap.Int("attempt", attempt), zap.Int("status", resp.StatusCode))
			}
			return retry, &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		}
		res = resp
		return false, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", label, err)
	}
	return res, nil
}

// IsStatus reports whether err carries an API response with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}
