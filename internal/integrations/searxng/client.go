// Package searxng queries a SearXNG instance through its JSON API and renders
// results as prompt context.
package searxng

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"relaychat/internal/domain"
)

const (
	DefaultResultLimit = 5
	NoResultsText      = "No search results found."

	defaultTimeout = 15 * time.Second
)

type searchResponse struct {
	Results []struct {
		Title       string `json:"title"`
		URL         string `json:"url"`
		Content     string `json:"content"`
		Description string `json:"description"`
		Engine      string `json:"engine"`
	} `json:"results"`
}

// HTTPStatusError captures non-2xx responses from the search backend.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("searxng: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) Is(target error) bool {
	return target == domain.ErrUpstream
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient returns a client for the instance at baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if err := domain.ValidateHTTPURL(baseURL); err != nil {
		return nil, fmt.Errorf("searxng: NewClient: base url: %w", err)
	}
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) searchURL(query string) string {
	q := url.Values{}
	q.Set("q", query)
	q.Set("format", "json")
	q.Set("pageno", "1")
	return c.baseURL + "/search?" + q.Encode()
}

// Search runs query and returns at most limit results in backend order. A
// non-positive limit means DefaultResultLimit.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]domain.SearchResult, error) {
	if limit <= 0 {
		limit = DefaultResultLimit
	}
	u := c.searchURL(query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("searxng: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("searxng: Search: %w: %w", domain.ErrTransport, err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{StatusCode: res.StatusCode, URL: u, Body: string(buf)}
	}

	var payload searchResponse
	if err := json.NewDecoder(io.LimitReader(res.Body, 4<<20)).Decode(&payload); err != nil {
		return nil, fmt.Errorf("searxng: decode response: %v: %w", err, domain.ErrUpstream)
	}

	out := make([]domain.SearchResult, 0, min(limit, len(payload.Results)))
	for _, r := range payload.Results {
		if len(out) == limit {
			break
		}
		snippet := r.Content
		if snippet == "" {
			snippet = r.Description
		}
		out = append(out, domain.SearchResult{
			Title:   strings.TrimSpace(r.Title),
			URL:     r.URL,
			Snippet: strings.TrimSpace(snippet),
			Engine:  r.Engine,
		})
	}
	c.logger.Debug("searxng: search done", "query", query, "results", len(out))
	return out, nil
}

// RenderContext formats results as numbered blocks for inclusion in a system
// prompt.
func RenderContext(results []domain.SearchResult) string {
	if len(results) == 0 {
		return NoResultsText
	}
	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%d] %s\n%s\nSource: %s", i+1, r.Title, r.Snippet, r.URL)
		if r.Engine != "" {
			fmt.Fprintf(&b, "\nEngine: %s", r.Engine)
		}
	}
	return b.String()
}
