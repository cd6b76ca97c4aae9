// Package exchange wraps the prediction-market exchange REST API.
//
// Every outbound call first acquires a slot from the shared rate limiter, so
// ingestion and execution draw from one process-wide budget.
package exchange

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/james-s-roche/prediction-markets/internal/auth"
)

// Limiter gates outbound requests. Acquire blocks until a slot is free.
type Limiter interface {
	Acquire(ctx context.Context) error
}

// Client provides access to the exchange REST API.
type Client struct {
	baseURL    string
	apiKey     string
	creds      *auth.Credentials
	limiter    Limiter
	httpClient *http.Client
	logger     *slog.Logger

	maxRetries   int
	retryBackoff time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// NewClient creates a new exchange API client.
func NewClient(baseURL, apiKey string, limiter Limiter, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		limiter: limiter,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:       slog.Default(),
		maxRetries:   3,
		retryBackoff: time.Second,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithRetries sets the retry configuration for idempotent requests.
func WithRetries(max int, backoff time.Duration) ClientOption {
	return func(c *Client) {
		c.maxRetries = max
		c.retryBackoff = backoff
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithCredentials sets signing credentials. When set, requests carry RSA-PSS
// signature headers instead of the bearer token.
func WithCredentials(creds *auth.Credentials) ClientOption {
	return func(c *Client) {
		c.creds = creds
	}
}
