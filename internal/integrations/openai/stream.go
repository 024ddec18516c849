package openai

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"strings"

	"golang.org/x/time/rate"

	"relaychat/internal/domain"
)

const (
	sseDataPrefix = "data:"
	sseDone       = "[DONE]"
	maxSSELine    = 1 << 20
)

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// CompleteStream sends a streaming chat completion and calls onToken once per
// non-empty content delta, in arrival order. It returns after [DONE], end of
// body, or the first error.
//
// When degraded streaming is enabled, or the endpoint answers with a plain
// JSON completion instead of an event stream, the full text is replayed word
// by word at the configured chunk interval.
func (c *Client) CompleteStream(ctx context.Context, messages []domain.ChatMessage, systemPrompt string, onToken func(string)) error {
	if onToken == nil {
		onToken = func(string) {}
	}
	if c.degraded {
		text, err := c.Complete(ctx, messages, systemPrompt)
		if err != nil {
			return err
		}
		return c.replay(ctx, text, onToken)
	}

	req, u, err := c.newChatRequest(ctx, messages, systemPrompt, true)
	if err != nil {
		return err
	}
	res, err := c.do(req, u)
	if err != nil {
		return fmt.Errorf("openai: CompleteStream: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if !isEventStream(res.Header.Get("Content-Type")) {
		raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
		if err != nil {
			return fmt.Errorf("openai: CompleteStream: %w", transportError(ctx, err))
		}
		text, err := decodeCompletion(raw)
		if err != nil {
			return fmt.Errorf("openai: CompleteStream: %w", err)
		}
		c.logger.Debug("openai: endpoint returned a non-stream body, replaying", "url", u)
		return c.replay(ctx, text, onToken)
	}

	if err := readEvents(res.Body, onToken); err != nil {
		if ctx.Err() != nil {
			err = transportError(ctx, err)
		}
		return fmt.Errorf("openai: CompleteStream: %w", err)
	}
	return nil
}

func isEventStream(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == "text/event-stream"
}

// readEvents decodes server-sent events until [DONE] or end of input.
func readEvents(r io.Reader, onToken func(string)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, sseDataPrefix) {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, sseDataPrefix))
		if data == "" {
			continue
		}
		if data == sseDone {
			return nil
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return fmt.Errorf("decode stream chunk: %v: %w", err, domain.ErrUpstream)
		}
		if chunk.Error != nil {
			return fmt.Errorf("stream error %q: %w", chunk.Error.Message, domain.ErrUpstream)
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				onToken(choice.Delta.Content)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%w: read stream: %w", domain.ErrTransport, err)
	}
	return nil
}

// replay delivers text split after each space, one piece per chunk interval.
// Concatenating the pieces yields text unchanged.
func (c *Client) replay(ctx context.Context, text string, onToken func(string)) error {
	limiter := rate.NewLimiter(rate.Every(c.chunkInterval), 1)
	for _, piece := range strings.SplitAfter(text, " ") {
		if piece == "" {
			continue
		}
		if err := limiter.Wait(ctx); err != nil {
			return fmt.Errorf("openai: replay: %w", transportError(ctx, err))
		}
		onToken(piece)
	}
	return nil
}
