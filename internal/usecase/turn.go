package usecase

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"relaychat/internal/domain"
	"relaychat/internal/integrations/searxng"
	"relaychat/internal/parser"
)

type turnState string

const (
	stateIdle             turnState = "idle"
	stateUserCommitted    turnState = "user_committed"
	stateSearchDeciding   turnState = "search_deciding"
	stateSearchExecuting  turnState = "search_executing"
	stateSearchAugmenting turnState = "search_augmenting"
	stateGenerating       turnState = "generating"
	stateCommitted        turnState = "committed"
	stateFailed           turnState = "failed"
)

// TurnInput describes one user turn. OnToken receives streamed answer text
// in order; returning false stops delivery for the rest of the turn while
// the answer is still collected and persisted.
type TurnInput struct {
	ConversationID string
	Text           string
	SearchEnabled  bool
	OnToken        func(token string) bool
}

type TurnOutput struct {
	UserMessage      domain.Message
	AssistantMessage domain.Message
	Parsed           domain.ParsedResponse
	// SearchQuery is the query that was run, empty when the answer was
	// generated without search results.
	SearchQuery string
}

// tokenSink forwards tokens to the caller until it asks to stop.
type tokenSink struct {
	onToken   func(string) bool
	stopped   bool
	delivered int
}

func (k *tokenSink) deliver(token string) {
	if token == "" {
		return
	}
	k.delivered++
	if k.stopped || k.onToken == nil {
		return
	}
	if !k.onToken(token) {
		k.stopped = true
	}
}

type turn struct {
	id      string
	svc     *ChatService
	gateway ModelGateway
	conv    domain.Conversation
	text    string
	sink    *tokenSink
	logger  *slog.Logger
	state   turnState
	query   string
}

func (t *turn) transition(next turnState) {
	t.logger.Debug("turn state", "from", t.state, "to", next)
	t.state = next
}

// SendTurn persists the user's message, generates an answer (optionally
// grounded on one web search) and persists the raw answer. On failure the
// user's message stays persisted and no assistant message is written.
func (s *ChatService) SendTurn(ctx context.Context, in TurnInput) (TurnOutput, error) {
	if strings.TrimSpace(in.Text) == "" {
		return TurnOutput{}, newError(ErrorInvalidInput, "empty_text", nil)
	}
	convID := strings.TrimSpace(in.ConversationID)
	if convID == "" {
		return TurnOutput{}, newError(ErrorInvalidInput, "missing_conversation_id", nil)
	}
	gateway := s.activeGateway()
	if gateway == nil {
		return TurnOutput{}, newError(ErrorProviderNotConfigured, "no_model_gateway", nil)
	}
	conv, err := s.store.GetConversation(ctx, convID)
	if err != nil {
		return TurnOutput{}, storeError("get_conversation", err)
	}

	id := uuid.NewString()
	t := &turn{
		id:      id,
		svc:     s,
		gateway: gateway,
		conv:    conv,
		text:    in.Text,
		sink:    &tokenSink{onToken: in.OnToken},
		logger:  s.logger.With("turn_id", id, "conversation_id", conv.ID),
		state:   stateIdle,
	}
	out, err := t.run(ctx, in.SearchEnabled)
	if err != nil {
		t.transition(stateFailed)
		t.logger.Warn("turn failed", "err", err)
		return TurnOutput{}, err
	}
	t.transition(stateCommitted)
	return out, nil
}

func (t *turn) run(ctx context.Context, searchEnabled bool) (TurnOutput, error) {
	s := t.svc
	userMsg := s.newMessage(t.conv.ID, domain.RoleUser, t.text)
	if err := s.store.AppendMessage(ctx, userMsg); err != nil {
		return TurnOutput{}, storeError("persist_user_message", err)
	}
	t.transition(stateUserCommitted)

	if t.conv.Title == domain.DefaultTitle {
		if err := s.store.UpdateTitle(ctx, t.conv.ID, domain.DeriveTitle(t.text)); err != nil {
			t.logger.Warn("derive title failed", "err", err)
		}
	}

	history, err := s.store.ListMessages(ctx, t.conv.ID)
	if err != nil {
		return TurnOutput{}, storeError("load_history", err)
	}
	messages := domain.ToChatMessages(withMessage(history, userMsg))
	systemPrompt := s.settings.SystemPrompt(ctx)

	raw, err := t.generate(ctx, messages, systemPrompt, searchEnabled)
	if err != nil {
		return TurnOutput{}, err
	}

	assistantMsg := s.newMessage(t.conv.ID, domain.RoleAssistant, raw)
	if assistantMsg.Timestamp < userMsg.Timestamp {
		assistantMsg.Timestamp = userMsg.Timestamp
	}
	if err := s.store.AppendMessage(ctx, assistantMsg); err != nil {
		return TurnOutput{}, storeError("persist_assistant_message", err)
	}
	return TurnOutput{
		UserMessage:      userMsg,
		AssistantMessage: assistantMsg,
		Parsed:           parser.Parse(raw),
		SearchQuery:      t.query,
	}, nil
}

// withMessage returns history with msg at the end unless a freshly read
// snapshot already holds it.
func withMessage(history []domain.Message, msg domain.Message) []domain.Message {
	for _, m := range history {
		if m.ID == msg.ID {
			return history
		}
	}
	return append(history, msg)
}

func (t *turn) generate(ctx context.Context, messages []domain.ChatMessage, systemPrompt string, searchEnabled bool) (string, error) {
	if searchEnabled {
		raw, done, err := t.searchPath(ctx, messages, systemPrompt)
		if done {
			return raw, err
		}
	}
	t.transition(stateGenerating)
	raw, err := t.stream(ctx, messages, systemPrompt, true)
	if err != nil {
		return "", gatewayError(err)
	}
	return raw, nil
}

// searchPath runs the optional search step. done is false when the turn
// should continue on the plain path.
func (t *turn) searchPath(ctx context.Context, messages []domain.ChatMessage, systemPrompt string) (raw string, done bool, err error) {
	cfg := t.svc.settings.SearchConfig(ctx)
	if !cfg.Enabled {
		t.logger.Debug("search requested but backend disabled")
		return "", false, nil
	}

	query := strings.TrimSpace(t.text)
	if cfg.Policy != domain.SearchPolicyAlways {
		t.transition(stateSearchDeciding)
		decision, err := t.stream(ctx, messages, buildDecisionPrompt(systemPrompt), false)
		if err != nil {
			t.logger.Warn("search decision failed, answering without search", "err", err)
			return "", false, nil
		}
		d := parseSearchDecision(decision, t.text)
		if !d.needed {
			t.logger.Debug("model answered without search")
			t.sink.deliver(decision)
			return decision, true, nil
		}
		query = d.query
	}

	t.transition(stateSearchExecuting)
	search, err := t.svc.newSearch(cfg)
	if err != nil {
		t.logger.Warn("search backend unavailable, answering without search", "err", err)
		return "", false, nil
	}
	results, err := search.Search(ctx, query, cfg.ResultLimit)
	if err != nil {
		t.logger.Warn("search failed, answering without search", "query", query, "err", err)
		return "", false, nil
	}
	t.logger.Debug("search done", "query", query, "results", len(results))

	t.transition(stateSearchAugmenting)
	prompt := buildAugmentedPrompt(systemPrompt, t.text, query, searxng.RenderContext(results))
	before := t.sink.delivered
	raw, err = t.stream(ctx, messages, prompt, true)
	if err != nil {
		if t.sink.delivered == before {
			t.logger.Warn("augmented call failed, answering without search", "err", err)
			return "", false, nil
		}
		return "", true, gatewayError(err)
	}
	t.query = query
	return raw, true, nil
}

// stream runs one streaming completion and returns the accumulated raw
// text. Tokens reach the caller only when deliver is set.
func (t *turn) stream(ctx context.Context, messages []domain.ChatMessage, systemPrompt string, deliver bool) (string, error) {
	var acc parser.Accumulator
	err := t.gateway.CompleteStream(ctx, messages, systemPrompt, func(token string) {
		acc.Write(token)
		if deliver {
			t.sink.deliver(token)
		}
	})
	return acc.Raw(), err
}
