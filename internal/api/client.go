package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/rickgao/querywatch/internal/version"
)

// Client talks to the query REST API. It is safe for concurrent use by
// many poll transports.
type Client struct {
	baseURL    string
	apiKey     string
	userAgent  string
	httpClient *http.Client
	limiter    *rate.Limiter // nil means unlimited
	logger     *slog.Logger

	maxRetries   int
	retryBackoff time.Duration
	maxBackoff   time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// NewClient creates a client for baseURL. apiKey may be empty.
func NewClient(baseURL, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		userAgent: "querymon/" + version.Version,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:       slog.Default(),
		maxRetries:   2,
		retryBackoff: 500 * time.Millisecond,
		maxBackoff:   10 * time.Second,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithRetries sets how often a retryable request is repeated and the
// initial backoff between attempts.
func WithRetries(max int, backoff time.Duration) ClientOption {
	return func(c *Client) {
		c.maxRetries = max
		c.retryBackoff = backoff
	}
}

// WithMaxBackoff caps the delay between retries, including delays
// requested by Retry-After.
func WithMaxBackoff(d time.Duration) ClientOption {
	return func(c *Client) {
		c.maxBackoff = d
	}
}

// WithRateLimit bounds outgoing requests across all callers. A
// non-positive limit disables limiting.
func WithRateLimit(limit rate.Limit, burst int) ClientOption {
	return func(c *Client) {
		if limit <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(limit, max(burst, 1))
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}
