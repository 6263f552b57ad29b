// Package embeddables is the HTTP client for the Embeddables entries API.
package embeddables

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"funnelsync/internal/config"
	"funnelsync/internal/metrics"
)

const (
	DefaultPageSize  = 1000
	DefaultMaxOffset = 10000
	defaultTimeout   = 30 * time.Second
)

// ErrUpstreamUnavailable is returned without calling the API while the breaker is open.
var ErrUpstreamUnavailable = errors.New("embeddables API unavailable")

// APIError is a non-2xx answer from the API. It aborts the whole sync.
type APIError struct {
	StatusCode int
	Status     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("Embeddables API error: %s", e.Status)
}

// Config is the per-run client configuration. Build one for each sync rather than
// sharing it across the process.
type Config struct {
	BaseURL   string
	APIKey    string
	ProjectID string
	PageSize  int
	MaxOffset int
	Timeout   time.Duration
}

// NewConfig copies the configured settings into a client Config.
func NewConfig(s config.EmbeddablesSettings) Config {
	return Config{
		BaseURL:   s.BaseURL,
		APIKey:    s.APIKey,
		ProjectID: s.ProjectID,
		PageSize:  s.PageSize,
		MaxOffset: s.MaxOffset,
		Timeout:   s.Timeout,
	}
}

// Validate checks that the credentials needed for a request are present.
func (c Config) Validate() error {
	if c.APIKey == "" || c.ProjectID == "" {
		return fmt.Errorf("EMBEDDABLES_API_KEY or EMBEDDABLES_PROJECT_ID: %w", config.ErrNotConfigured)
	}
	if c.BaseURL == "" {
		return fmt.Errorf("EMBEDDABLES_API_URL: %w", config.ErrNotConfigured)
	}
	return nil
}

// Client fetches entry pages for one project.
type Client struct {
	cfg        Config
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[[]Entry]
	logger     *slog.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithBreaker routes every request through a shared circuit breaker.
func WithBreaker(cb *gobreaker.CircuitBreaker[[]Entry]) Option {
	return func(c *Client) {
		c.breaker = cb
	}
}

// NewClient validates cfg and returns a client for it.
func NewClient(cfg Config, logger *slog.Logger, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.MaxOffset <= 0 {
		cfg.MaxOffset = DefaultMaxOffset
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ProjectID returns the project this client reads from.
func (c *Client) ProjectID() string {
	return c.cfg.ProjectID
}

// FetchPage requests one page of entries.
func (c *Client) FetchPage(ctx context.Context, limit, offset int) ([]Entry, error) {
	if c.breaker == nil {
		return c.fetchPage(ctx, limit, offset)
	}

	page, err := c.breaker.Execute(func() ([]Entry, error) {
		return c.fetchPage(ctx, limit, offset)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		metrics.UpstreamRequests.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	return page, err
}

func (c *Client) fetchPage(ctx context.Context, limit, offset int) ([]Entry, error) {
	endpoint := fmt.Sprintf("%s/projects/%s/entries-page-views?limit=%s&offset=%s",
		strings.TrimRight(c.cfg.BaseURL, "/"),
		url.PathEscape(c.cfg.ProjectID),
		strconv.Itoa(limit),
		strconv.Itoa(offset))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("X-Api-Key", c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.UpstreamDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues("failure").Inc()
		return nil, fmt.Errorf("embeddables request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.UpstreamRequests.WithLabelValues("failure").Inc()
		io.Copy(io.Discard, resp.Body)
		return nil, &APIError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	var page []Entry
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		metrics.UpstreamRequests.WithLabelValues("failure").Inc()
		return nil, fmt.Errorf("failed to decode entries page: %w", err)
	}

	metrics.UpstreamRequests.WithLabelValues("success").Inc()
	return page, nil
}

// FetchAll pages through every entry of the project. It stops on a short page or once
// the offset reaches the configured ceiling, whichever comes first.
func (c *Client) FetchAll(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	limit := c.cfg.PageSize
	offset := 0

	for {
		page, err := c.FetchPage(ctx, limit, offset)
		if err != nil {
			return nil, err
		}
		c.logger.Debug("Fetched entries page",
			slog.Int("count", len(page)),
			slog.Int("offset", offset))

		entries = append(entries, page...)

		if len(page) < limit {
			break
		}
		offset += limit

		if offset >= c.cfg.MaxOffset {
			c.logger.Warn("Reached pagination safety limit",
				slog.Int("max_offset", c.cfg.MaxOffset),
				slog.Int("entries", len(entries)))
			break
		}
	}

	c.logger.Info("Fetched entries from Embeddables", slog.Int("total", len(entries)))
	return entries, nil
}
