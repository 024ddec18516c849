package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"relaychat/internal/domain"
	"relaychat/internal/integrations/openai"
	"relaychat/internal/integrations/searxng"
)

// ModelGateway is the completion backend a turn talks to. Every call of a
// turn streams, including the search decision.
type ModelGateway interface {
	CompleteStream(ctx context.Context, messages []domain.ChatMessage, systemPrompt string, onToken func(string)) error
}

type SearchGateway interface {
	Search(ctx context.Context, query string, limit int) ([]domain.SearchResult, error)
}

// GatewayFactory builds a model gateway for a validated provider snapshot.
type GatewayFactory func(cfg domain.ProviderConfig) (ModelGateway, error)

// SearchFactory builds a search gateway for the current search settings.
type SearchFactory func(cfg domain.SearchConfig) (SearchGateway, error)

type ConversationStore interface {
	CreateConversation(ctx context.Context, title string) (domain.Conversation, error)
	GetConversation(ctx context.Context, id string) (domain.Conversation, error)
	ListConversations(ctx context.Context) ([]domain.Conversation, error)
	SearchConversations(ctx context.Context, query string) ([]domain.Conversation, error)
	UpdateTitle(ctx context.Context, id, title string) error
	DeleteConversation(ctx context.Context, id string) error
	AppendMessage(ctx context.Context, msg domain.Message) error
	ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error)
}

type SettingsReader interface {
	SystemPrompt(ctx context.Context) string
	ProviderConfig(ctx context.Context) domain.ProviderConfig
	SetProviderConfig(ctx context.Context, cfg domain.ProviderConfig) error
	SearchConfig(ctx context.Context) domain.SearchConfig
}

// ChatService runs turns and manages conversations. It holds no per-turn
// state, so turns on different conversations may run concurrently.
type ChatService struct {
	store    ConversationStore
	settings SettingsReader
	logger   *slog.Logger
	now      func() int64

	newGateway GatewayFactory
	newSearch  SearchFactory

	gatewayMu sync.RWMutex
	gateway   ModelGateway
}

type Option func(*ChatService)

// WithModelGateway binds g up front, as BindModelGateway would.
func WithModelGateway(g ModelGateway) Option {
	return func(s *ChatService) {
		s.gateway = g
	}
}

func WithGatewayFactory(f GatewayFactory) Option {
	return func(s *ChatService) {
		if f != nil {
			s.newGateway = f
		}
	}
}

func WithSearchFactory(f SearchFactory) Option {
	return func(s *ChatService) {
		if f != nil {
			s.newSearch = f
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *ChatService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the epoch-millis clock used to stamp messages.
func WithClock(now func() int64) Option {
	return func(s *ChatService) {
		if now != nil {
			s.now = now
		}
	}
}

func NewChatService(store ConversationStore, settings SettingsReader, opts ...Option) (*ChatService, error) {
	if store == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if settings == nil {
		return nil, errors.New("usecase: settings must not be nil")
	}
	s := &ChatService{
		store:    store,
		settings: settings,
		logger:   slog.Default(),
		now:      domain.NowMillis,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.newGateway == nil {
		logger := s.logger
		s.newGateway = func(cfg domain.ProviderConfig) (ModelGateway, error) {
			return openai.NewClient(cfg, openai.WithLogger(logger))
		}
	}
	if s.newSearch == nil {
		logger := s.logger
		s.newSearch = func(cfg domain.SearchConfig) (SearchGateway, error) {
			return searxng.NewClient(cfg.BaseURL, searxng.WithLogger(logger))
		}
	}
	return s, nil
}

// BindModelGateway replaces the active gateway. Turns already running keep
// the gateway they started with.
func (s *ChatService) BindModelGateway(g ModelGateway) {
	s.gatewayMu.Lock()
	s.gateway = g
	s.gatewayMu.Unlock()
}

func (s *ChatService) activeGateway() ModelGateway {
	s.gatewayMu.RLock()
	defer s.gatewayMu.RUnlock()
	return s.gateway
}

// ConfigureProvider validates cfg, persists it and binds a gateway built
// from it.
func (s *ChatService) ConfigureProvider(ctx context.Context, cfg domain.ProviderConfig) error {
	cfg.BaseURL = strings.TrimSpace(cfg.BaseURL)
	cfg.Model = strings.TrimSpace(cfg.Model)
	if err := cfg.Validate(); err != nil {
		return newError(ErrorInvalidInput, "invalid_provider_config", err)
	}
	g, err := s.newGateway(cfg)
	if err != nil {
		return newError(ErrorInvalidInput, "build_gateway", err)
	}
	if err := s.settings.SetProviderConfig(ctx, cfg); err != nil {
		return newError(ErrorInternal, "persist_provider_config", err)
	}
	s.BindModelGateway(g)
	s.logger.Info("model provider configured", "base_url", cfg.BaseURL, "model", cfg.Model)
	return nil
}

// RestoreProvider binds a gateway for the stored provider settings without
// writing them back.
func (s *ChatService) RestoreProvider(ctx context.Context) error {
	cfg := s.settings.ProviderConfig(ctx)
	g, err := s.newGateway(cfg)
	if err != nil {
		return newError(ErrorInternal, "build_gateway", err)
	}
	s.BindModelGateway(g)
	return nil
}

// modelCatalog is implemented by gateways that can describe their endpoint.
type modelCatalog interface {
	ListModels(ctx context.Context) []string
	CheckReachable(ctx context.Context) bool
}

type ProviderStatus struct {
	Config     domain.ProviderConfig `json:"config"`
	Configured bool                  `json:"configured"`
	Reachable  bool                  `json:"reachable"`
	Models     []string              `json:"models"`
}

// ProviderStatus reports the stored provider settings, with the API key
// masked, and probes the bound gateway when it supports it.
func (s *ChatService) ProviderStatus(ctx context.Context) ProviderStatus {
	cfg := s.settings.ProviderConfig(ctx)
	if cfg.APIKey != "" {
		cfg.APIKey = "********"
	}
	st := ProviderStatus{Config: cfg, Models: []string{}}
	g := s.activeGateway()
	if g == nil {
		return st
	}
	st.Configured = true
	if c, ok := g.(modelCatalog); ok {
		st.Reachable = c.CheckReachable(ctx)
		if st.Reachable {
			st.Models = c.ListModels(ctx)
		}
	}
	return st
}

func (s *ChatService) CreateConversation(ctx context.Context, title string) (domain.Conversation, error) {
	conv, err := s.store.CreateConversation(ctx, title)
	if err != nil {
		return domain.Conversation{}, storeError("create_conversation", err)
	}
	return conv, nil
}

func (s *ChatService) GetConversation(ctx context.Context, id string) (domain.Conversation, error) {
	if strings.TrimSpace(id) == "" {
		return domain.Conversation{}, newError(ErrorInvalidInput, "missing_conversation_id", nil)
	}
	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return domain.Conversation{}, storeError("get_conversation", err)
	}
	return conv, nil
}

func (s *ChatService) ListConversations(ctx context.Context) ([]domain.Conversation, error) {
	convs, err := s.store.ListConversations(ctx)
	if err != nil {
		return nil, storeError("list_conversations", err)
	}
	return convs, nil
}

func (s *ChatService) SearchConversations(ctx context.Context, query string) ([]domain.Conversation, error) {
	convs, err := s.store.SearchConversations(ctx, query)
	if err != nil {
		return nil, storeError("search_conversations", err)
	}
	return convs, nil
}

func (s *ChatService) Messages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, newError(ErrorInvalidInput, "missing_conversation_id", nil)
	}
	msgs, err := s.store.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, storeError("list_messages", err)
	}
	return msgs, nil
}

func (s *ChatService) RenameConversation(ctx context.Context, id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return newError(ErrorInvalidInput, "empty_title", nil)
	}
	if err := s.store.UpdateTitle(ctx, id, title); err != nil {
		return storeError("rename_conversation", err)
	}
	return nil
}

func (s *ChatService) DeleteConversation(ctx context.Context, id string) error {
	if err := s.store.DeleteConversation(ctx, id); err != nil {
		return storeError("delete_conversation", err)
	}
	return nil
}

func (s *ChatService) newMessage(conversationID string, role domain.Role, content string) domain.Message {
	msg := domain.NewMessage(conversationID, role, content)
	msg.Timestamp = s.now()
	return msg
}
