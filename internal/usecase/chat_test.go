package usecase

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"relaychat/internal/domain"
	"relaychat/internal/kvstore"
	"relaychat/internal/repository"
	"relaychat/internal/settings"
)

func TestConversationManagement(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	conv, err := env.svc.CreateConversation(ctx, "")
	require.NoError(t, err)
	require.Equal(t, domain.DefaultTitle, conv.Title)

	got, err := env.svc.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.Equal(t, conv, got)

	require.NoError(t, env.svc.RenameConversation(ctx, conv.ID, "  Trip planning "))
	got, err = env.svc.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.Equal(t, "Trip planning", got.Title)

	other, err := env.svc.CreateConversation(ctx, "Groceries")
	require.NoError(t, err)

	list, err := env.svc.ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)

	found, err := env.svc.SearchConversations(ctx, "trip")
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, conv.ID, found[0].ID)

	msgs, err := env.svc.Messages(ctx, other.ID)
	require.NoError(t, err)
	require.Empty(t, msgs)

	require.NoError(t, env.svc.DeleteConversation(ctx, other.ID))
	_, err = env.svc.GetConversation(ctx, other.ID)
	expectTurnError(t, err, ErrorNotFound, "conversation_not_found")
}

func TestConversationManagement_Errors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	err := env.svc.RenameConversation(ctx, "missing", "x")
	expectTurnError(t, err, ErrorNotFound, "conversation_not_found")

	conv := env.newConversation(t)
	err = env.svc.RenameConversation(ctx, conv.ID, "   ")
	expectTurnError(t, err, ErrorInvalidInput, "empty_title")

	_, err = env.svc.Messages(ctx, "missing")
	expectTurnError(t, err, ErrorNotFound, "conversation_not_found")

	_, err = env.svc.Messages(ctx, " ")
	expectTurnError(t, err, ErrorInvalidInput, "missing_conversation_id")

	_, err = env.svc.GetConversation(ctx, "")
	expectTurnError(t, err, ErrorInvalidInput, "missing_conversation_id")

	err = env.svc.DeleteConversation(ctx, "missing")
	expectTurnError(t, err, ErrorNotFound, "conversation_not_found")
}

func TestConfigureProvider(t *testing.T) {
	store := repository.NewMemoryStore()
	st := settings.NewService(kvstore.NewMemory(), nil)
	gw := &fakeGateway{replies: []gatewayReply{replyWith("bound")}}
	var built []domain.ProviderConfig
	svc, err := NewChatService(store, st, WithGatewayFactory(func(cfg domain.ProviderConfig) (ModelGateway, error) {
		built = append(built, cfg)
		return gw, nil
	}))
	require.NoError(t, err)
	ctx := context.Background()

	temp := 0.3
	err = svc.ConfigureProvider(ctx, domain.ProviderConfig{BaseURL: "ftp://nope", Model: "m"})
	expectTurnError(t, err, ErrorInvalidInput, "invalid_provider_config")
	require.Empty(t, built)

	cfg := domain.ProviderConfig{BaseURL: " http://llm.test/v1 ", Model: "qwen", Temperature: &temp}
	require.NoError(t, svc.ConfigureProvider(ctx, cfg))
	require.Len(t, built, 1)
	require.Equal(t, "http://llm.test/v1", built[0].BaseURL)

	stored := st.ProviderConfig(ctx)
	require.Equal(t, "http://llm.test/v1", stored.BaseURL)
	require.Equal(t, "qwen", stored.Model)

	conv, err := store.CreateConversation(ctx, "x")
	require.NoError(t, err)
	out, err := svc.SendTurn(ctx, TurnInput{ConversationID: conv.ID, Text: "hi"})
	require.NoError(t, err)
	require.Equal(t, "bound", out.AssistantMessage.Content)
}

func TestConfigureProvider_FactoryError(t *testing.T) {
	st := settings.NewService(kvstore.NewMemory(), nil)
	svc, err := NewChatService(repository.NewMemoryStore(), st, WithGatewayFactory(func(domain.ProviderConfig) (ModelGateway, error) {
		return nil, errors.New("bad")
	}))
	require.NoError(t, err)

	err = svc.ConfigureProvider(context.Background(), domain.ProviderConfig{BaseURL: "http://llm.test", Model: "m"})
	expectTurnError(t, err, ErrorInvalidInput, "build_gateway")
	require.Equal(t, settings.DefaultProviderModel, st.ProviderConfig(context.Background()).Model)
	require.Nil(t, svc.activeGateway())
}

func TestRestoreProvider_UsesStoredSettings(t *testing.T) {
	ctx := context.Background()
	st := settings.NewService(kvstore.NewMemory(), nil)
	require.NoError(t, st.SetProviderConfig(ctx, domain.ProviderConfig{BaseURL: "http://llm.test", Model: "stored"}))

	var built domain.ProviderConfig
	svc, err := NewChatService(repository.NewMemoryStore(), st, WithGatewayFactory(func(cfg domain.ProviderConfig) (ModelGateway, error) {
		built = cfg
		return &fakeGateway{}, nil
	}))
	require.NoError(t, err)

	require.NoError(t, svc.RestoreProvider(ctx))
	require.Equal(t, "stored", built.Model)
	require.NotNil(t, svc.activeGateway())
}

func TestDefaultFactories_TalkToRealBackends(t *testing.T) {
	llm := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"from llm\"}}]}\n\ndata: [DONE]\n\n"))
	}))
	defer llm.Close()

	ctx := context.Background()
	store := repository.NewMemoryStore()
	svc, err := NewChatService(store, settings.NewService(kvstore.NewMemory(), nil))
	require.NoError(t, err)
	require.NoError(t, svc.ConfigureProvider(ctx, domain.ProviderConfig{BaseURL: llm.URL, Model: "m"}))

	conv, err := store.CreateConversation(ctx, "")
	require.NoError(t, err)
	out, err := svc.SendTurn(ctx, TurnInput{ConversationID: conv.ID, Text: "hi"})
	require.NoError(t, err)
	require.Equal(t, "from llm", out.AssistantMessage.Content)

	search, err := svc.newSearch(domain.SearchConfig{BaseURL: "http://search.test"})
	require.NoError(t, err)
	require.NotNil(t, search)
}

func TestBindModelGateway_Replaces(t *testing.T) {
	env := newTestEnv(t, replyWith("first"))
	conv := env.newConversation(t)

	second := &fakeGateway{replies: []gatewayReply{replyWith("second")}}
	env.svc.BindModelGateway(second)

	out, err := env.svc.SendTurn(context.Background(), TurnInput{ConversationID: conv.ID, Text: "hi"})
	require.NoError(t, err)
	require.Equal(t, "second", out.AssistantMessage.Content)
	require.Zero(t, env.gateway.callCount())
}

func TestGatewayErrorClassification(t *testing.T) {
	require.Equal(t, ErrorTransport, gatewayError(domain.ErrTransport).Code)
	require.Equal(t, ErrorTransport, gatewayError(context.DeadlineExceeded).Code)
	require.Equal(t, ErrorUpstream, gatewayError(domain.ErrUpstream).Code)
	require.Equal(t, "model_error", gatewayError(errors.New("x")).Reason)

	err := gatewayError(domain.ErrUpstream)
	require.ErrorIs(t, err, domain.ErrUpstream)
	require.Contains(t, err.Error(), "UPSTREAM_ERROR")
}

func TestError_NilSafe(t *testing.T) {
	var e *Error
	require.Equal(t, "", e.Error())
	require.NoError(t, e.Unwrap())
	require.Equal(t, "usecase: INVALID_INPUT (empty_text)", newError(ErrorInvalidInput, "empty_text", nil).Error())
}

type catalogGateway struct {
	fakeGateway
	reachable bool
}

func (c *catalogGateway) ListModels(context.Context) []string { return []string{"a", "b"} }
func (c *catalogGateway) CheckReachable(context.Context) bool { return c.reachable }

func TestProviderStatus(t *testing.T) {
	ctx := context.Background()
	st := settings.NewService(kvstore.NewMemory(), nil)
	require.NoError(t, st.SetProviderConfig(ctx, domain.ProviderConfig{BaseURL: "http://llm.test", Model: "m", APIKey: "sk-secret"}))
	svc, err := NewChatService(repository.NewMemoryStore(), st)
	require.NoError(t, err)

	status := svc.ProviderStatus(ctx)
	require.False(t, status.Configured)
	require.Equal(t, "********", status.Config.APIKey)
	require.Empty(t, status.Models)

	svc.BindModelGateway(&catalogGateway{reachable: true})
	status = svc.ProviderStatus(ctx)
	require.True(t, status.Configured)
	require.True(t, status.Reachable)
	require.Equal(t, []string{"a", "b"}, status.Models)

	svc.BindModelGateway(&catalogGateway{reachable: false})
	status = svc.ProviderStatus(ctx)
	require.False(t, status.Reachable)
	require.Empty(t, status.Models)

	svc.BindModelGateway(&fakeGateway{})
	status = svc.ProviderStatus(ctx)
	require.True(t, status.Configured)
	require.False(t, status.Reachable)

	stored := st.ProviderConfig(ctx)
	require.Equal(t, "sk-secret", stored.APIKey)
}
