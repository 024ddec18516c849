package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
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
	defaultTimeout       = 60 * time.Second
	defaultChunkInterval = 30 * time.Millisecond
	defaultTemperature   = 0.7
	reachabilityTimeout  = 10 * time.Second
)

// chatRequest is the request shape for the Chat Completions endpoint.
type chatRequest struct {
	Model       string               `json:"model"`
	Messages    []domain.ChatMessage `json:"messages"`
	Temperature float64              `json:"temperature"`
	MaxTokens   int                  `json:"max_tokens,omitempty"`
	Stream      bool                 `json:"stream"`
}

// chatResponse is the minimal response shape returned by the Chat Completions endpoint.
type chatResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Index   int                `json:"index"`
		Message domain.ChatMessage `json:"message"`
	} `json:"choices"`
}

type modelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Is lets callers match any status failure against domain.ErrUpstream.
func (e *HTTPStatusError) Is(target error) bool {
	return target == domain.ErrUpstream
}

// Client is an OpenAI-compatible chat completions client bound to one
// provider configuration snapshot.
type Client struct {
	cfg           domain.ProviderConfig
	httpClient    *http.Client
	timeout       time.Duration
	logger        *slog.Logger
	degraded      bool
	chunkInterval time.Duration
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithTimeout bounds each request's total wall clock, including the time
// spent reading a streamed body.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithDegradedStreaming makes CompleteStream fetch the whole completion and
// replay it word by word, for endpoints without SSE support.
func WithDegradedStreaming(enabled bool) Option {
	return func(c *Client) {
		c.degraded = enabled
	}
}

func WithChunkInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.chunkInterval = d
		}
	}
}

// NewClient validates cfg and returns a client holding a copy of it.
func NewClient(cfg domain.ProviderConfig, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("openai: NewClient: %w", err)
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	c := &Client{
		cfg:           cfg,
		timeout:       defaultTimeout,
		logger:        slog.Default(),
		chunkInterval: defaultChunkInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: c.timeout}
	}
	return c, nil
}

// Config returns the provider snapshot the client was built with.
func (c *Client) Config() domain.ProviderConfig {
	return c.cfg
}

func endpointURL(baseURL, path string) string {
	base := strings.TrimRight(baseURL, "/")
	if !strings.HasSuffix(base, "/v1") {
		base += "/v1"
	}
	return base + path
}

func chatURL(baseURL string) string {
	return endpointURL(baseURL, "/chat/completions")
}

func modelsURL(baseURL string) string {
	return endpointURL(baseURL, "/models")
}

// buildMessages prepends the system prompt, when set, to the conversation.
func buildMessages(messages []domain.ChatMessage, systemPrompt string) []domain.ChatMessage {
	out := make([]domain.ChatMessage, 0, len(messages)+1)
	if strings.TrimSpace(systemPrompt) != "" {
		out = append(out, domain.ChatMessage{Role: string(domain.RoleSystem), Content: systemPrompt})
	}
	return append(out, messages...)
}

func (c *Client) newChatRequest(ctx context.Context, messages []domain.ChatMessage, systemPrompt string, stream bool) (*http.Request, string, error) {
	temp := defaultTemperature
	if c.cfg.Temperature != nil {
		temp = *c.cfg.Temperature
	}
	body, err := json.Marshal(chatRequest{
		Model:       c.cfg.Model,
		Messages:    buildMessages(messages, systemPrompt),
		Temperature: temp,
		MaxTokens:   c.cfg.MaxTokens,
		Stream:      stream,
	})
	if err != nil {
		return nil, "", fmt.Errorf("openai: marshal request: %w", err)
	}

	u := chatURL(c.cfg.BaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("openai: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	c.authorize(req)
	return req, u, nil
}

func (c *Client) authorize(req *http.Request) {
	if key := strings.TrimSpace(c.cfg.APIKey); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
}

// Complete sends one non-streaming chat completion and returns the text of
// the first choice.
func (c *Client) Complete(ctx context.Context, messages []domain.ChatMessage, systemPrompt string) (string, error) {
	req, u, err := c.newChatRequest(ctx, messages, systemPrompt, false)
	if err != nil {
		return "", err
	}

	raw, err := c.doJSONRequest(req, u)
	if err != nil {
		return "", fmt.Errorf("openai: Complete: %w", err)
	}
	text, err := decodeCompletion(raw)
	if err != nil {
		return "", fmt.Errorf("openai: Complete: %w", err)
	}
	return text, nil
}

func decodeCompletion(raw []byte) (string, error) {
	var payload chatResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", fmt.Errorf("decode response: %v: %w", err, domain.ErrUpstream)
	}
	if len(payload.Choices) == 0 {
		return "", fmt.Errorf("no choices in response: %w", domain.ErrUpstream)
	}
	return payload.Choices[0].Message.Content, nil
}

// ListModels returns the model ids the endpoint advertises. Failures are
// logged and yield an empty list.
func (c *Client) ListModels(ctx context.Context) []string {
	u := modelsURL(c.cfg.BaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		c.logger.Warn("openai: list models", "err", err)
		return []string{}
	}
	c.authorize(req)

	raw, err := c.doJSONRequest(req, u)
	if err != nil {
		c.logger.Warn("openai: list models", "url", u, "err", err)
		return []string{}
	}
	var payload modelsResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		c.logger.Warn("openai: decode models", "url", u, "err", err)
		return []string{}
	}
	ids := make([]string, 0, len(payload.Data))
	for _, m := range payload.Data {
		if m.ID != "" {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

// CheckReachable reports whether the endpoint answers GET /models with 200
// within ten seconds.
func (c *Client) CheckReachable(ctx context.Context) bool {
	parsed, err := url.Parse(c.cfg.BaseURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, reachabilityTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, modelsURL(c.cfg.BaseURL), nil)
	if err != nil {
		return false
	}
	c.authorize(req)
	res, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("openai: endpoint unreachable", "url", c.cfg.BaseURL, "err", err)
		return false
	}
	defer func() { _ = res.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4096))
	return res.StatusCode == http.StatusOK
}

// do executes req, classifying network failures as transport errors and
// non-2xx responses as *HTTPStatusError. The caller owns the response body.
func (c *Client) do(req *http.Request, u string) (*http.Response, error) {
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError(req.Context(), err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		defer func() { _ = res.Body.Close() }()
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        u,
			Body:       string(buf),
		}
	}
	return res, nil
}

func (c *Client) doJSONRequest(req *http.Request, u string) ([]byte, error) {
	res, err := c.do(req, u)
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, transportError(req.Context(), fmt.Errorf("read response body: %w", err))
	}
	return buf, nil
}

// transportError wraps err with domain.ErrTransport. Context cancellation is
// kept matchable so callers can tell an abort from a network fault.
func transportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		return fmt.Errorf("%w: %w: %w", domain.ErrTransport, ctxErr, err)
	}
	return fmt.Errorf("%w: %w", domain.ErrTransport, err)
}
