// Package handler adapts API Gateway proxy requests to the chat use cases.
// A proxy response cannot stream, so turn tokens are collected and returned
// with the finished turn.
package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"relaychat/internal/domain"
	"relaychat/internal/parser"
	"relaychat/internal/settings"
	"relaychat/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

type ChatUseCase interface {
	CreateConversation(ctx context.Context, title string) (domain.Conversation, error)
	GetConversation(ctx context.Context, id string) (domain.Conversation, error)
	ListConversations(ctx context.Context) ([]domain.Conversation, error)
	SearchConversations(ctx context.Context, query string) ([]domain.Conversation, error)
	Messages(ctx context.Context, conversationID string) ([]domain.Message, error)
	RenameConversation(ctx context.Context, id, title string) error
	DeleteConversation(ctx context.Context, id string) error
	SendTurn(ctx context.Context, in usecase.TurnInput) (usecase.TurnOutput, error)
	ConfigureProvider(ctx context.Context, cfg domain.ProviderConfig) error
	RestoreProvider(ctx context.Context) error
	ProviderStatus(ctx context.Context) usecase.ProviderStatus
}

// SettingsStore is the user-editable part of the settings. Provider settings
// go through ChatUseCase so the bound gateway follows them.
type SettingsStore interface {
	SystemPrompt(ctx context.Context) string
	SetSystemPrompt(ctx context.Context, prompt string) error
	SearchConfig(ctx context.Context) domain.SearchConfig
	SetSearchConfig(ctx context.Context, cfg domain.SearchConfig) error
	Reset(ctx context.Context) error
}

type Handler struct {
	uc       ChatUseCase
	settings SettingsStore
	logger   *slog.Logger
}

type Option func(*Handler)

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

func NewHandler(uc ChatUseCase, st SettingsStore, opts ...Option) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: use case must not be nil")
	}
	if st == nil {
		return nil, errors.New("handler: settings must not be nil")
	}
	h := &Handler{uc: uc, settings: st, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

type errorResponse struct {
	Error         string `json:"error"`
	Reason        string `json:"reason,omitempty"`
	CorrelationID string `json:"correlationId"`
}

type titleRequest struct {
	Title string `json:"title"`
}

type systemPromptBody struct {
	SystemPrompt string `json:"systemPrompt"`
}

type turnRequest struct {
	Text   string `json:"text"`
	Search bool   `json:"search"`
}

type conversationsResponse struct {
	Conversations []domain.Conversation `json:"conversations"`
}

// messageView is a stored message plus, for assistant messages, its parsed
// display form.
type messageView struct {
	domain.Message
	Parsed *domain.ParsedResponse `json:"parsed,omitempty"`
}

type messagesResponse struct {
	Messages []messageView `json:"messages"`
}

type turnResponse struct {
	UserMessage      domain.Message `json:"userMessage"`
	AssistantMessage messageView    `json:"assistantMessage"`
	Display          string         `json:"display"`
	SearchQuery      string         `json:"searchQuery,omitempty"`
}

type request struct {
	events.APIGatewayProxyRequest
	correlationID string
	segments      []string
}

func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	req := request{
		APIGatewayProxyRequest: event,
		correlationID:          correlationID(event.Headers),
		segments:               splitPath(event.Path),
	}
	logger := h.logger.With("correlation_id", req.correlationID, "method", event.HTTPMethod, "path", event.Path)

	resp := h.route(ctx, req)
	if resp.StatusCode >= http.StatusInternalServerError {
		logger.Error("request failed", "status", resp.StatusCode)
	} else {
		logger.Info("request handled", "status", resp.StatusCode)
	}
	return resp, nil
}

func (h *Handler) route(ctx context.Context, req request) events.APIGatewayProxyResponse {
	seg := req.segments
	method := req.HTTPMethod
	switch {
	case len(seg) == 1 && seg[0] == "conversations":
		switch method {
		case http.MethodGet:
			return h.listConversations(ctx, req)
		case http.MethodPost:
			return h.createConversation(ctx, req)
		}
	case len(seg) == 2 && seg[0] == "conversations":
		switch method {
		case http.MethodGet:
			return h.getConversation(ctx, req, seg[1])
		case http.MethodPatch:
			return h.renameConversation(ctx, req, seg[1])
		case http.MethodDelete:
			return h.deleteConversation(ctx, req, seg[1])
		}
	case len(seg) == 3 && seg[0] == "conversations" && seg[2] == "messages":
		if method == http.MethodGet {
			return h.listMessages(ctx, req, seg[1])
		}
	case len(seg) == 3 && seg[0] == "conversations" && seg[2] == "turns":
		if method == http.MethodPost {
			return h.sendTurn(ctx, req, seg[1])
		}
	case len(seg) == 1 && seg[0] == "provider":
		switch method {
		case http.MethodGet:
			return jsonResponse(http.StatusOK, req.correlationID, h.uc.ProviderStatus(ctx))
		case http.MethodPut:
			return h.configureProvider(ctx, req)
		}
	case len(seg) == 1 && seg[0] == "settings":
		if method == http.MethodDelete {
			return h.resetSettings(ctx, req)
		}
	case len(seg) == 2 && seg[0] == "settings" && seg[1] == "search":
		switch method {
		case http.MethodGet:
			return jsonResponse(http.StatusOK, req.correlationID, h.settings.SearchConfig(ctx))
		case http.MethodPut:
			return h.updateSearchSettings(ctx, req)
		}
	case len(seg) == 2 && seg[0] == "settings" && seg[1] == "system-prompt":
		switch method {
		case http.MethodGet:
			return jsonResponse(http.StatusOK, req.correlationID, systemPromptBody{SystemPrompt: h.settings.SystemPrompt(ctx)})
		case http.MethodPut:
			return h.updateSystemPrompt(ctx, req)
		}
	default:
		return errorResponseFor(http.StatusNotFound, "NOT_FOUND", "unknown_route", req.correlationID)
	}
	return errorResponseFor(http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "", req.correlationID)
}

func (h *Handler) listConversations(ctx context.Context, req request) events.APIGatewayProxyResponse {
	var (
		convs []domain.Conversation
		err   error
	)
	if q := strings.TrimSpace(req.QueryStringParameters["q"]); q != "" {
		convs, err = h.uc.SearchConversations(ctx, q)
	} else {
		convs, err = h.uc.ListConversations(ctx)
	}
	if err != nil {
		return h.useCaseError(req, err)
	}
	return jsonResponse(http.StatusOK, req.correlationID, conversationsResponse{Conversations: convs})
}

func (h *Handler) createConversation(ctx context.Context, req request) events.APIGatewayProxyResponse {
	var in titleRequest
	if err := decodeBody(req.APIGatewayProxyRequest, &in, true); err != nil {
		return errorResponseFor(http.StatusBadRequest, string(usecase.ErrorInvalidInput), "invalid_body", req.correlationID)
	}
	conv, err := h.uc.CreateConversation(ctx, in.Title)
	if err != nil {
		return h.useCaseError(req, err)
	}
	return jsonResponse(http.StatusCreated, req.correlationID, conv)
}

func (h *Handler) getConversation(ctx context.Context, req request, id string) events.APIGatewayProxyResponse {
	conv, err := h.uc.GetConversation(ctx, id)
	if err != nil {
		return h.useCaseError(req, err)
	}
	return jsonResponse(http.StatusOK, req.correlationID, conv)
}

func (h *Handler) renameConversation(ctx context.Context, req request, id string) events.APIGatewayProxyResponse {
	var in titleRequest
	if err := decodeBody(req.APIGatewayProxyRequest, &in, false); err != nil {
		return errorResponseFor(http.StatusBadRequest, string(usecase.ErrorInvalidInput), "invalid_body", req.correlationID)
	}
	if err := h.uc.RenameConversation(ctx, id, in.Title); err != nil {
		return h.useCaseError(req, err)
	}
	return h.getConversation(ctx, req, id)
}

func (h *Handler) deleteConversation(ctx context.Context, req request, id string) events.APIGatewayProxyResponse {
	if err := h.uc.DeleteConversation(ctx, id); err != nil {
		return h.useCaseError(req, err)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: http.StatusNoContent,
		Headers:    map[string]string{correlationHeader: req.correlationID},
	}
}

func (h *Handler) listMessages(ctx context.Context, req request, id string) events.APIGatewayProxyResponse {
	msgs, err := h.uc.Messages(ctx, id)
	if err != nil {
		return h.useCaseError(req, err)
	}
	out := messagesResponse{Messages: make([]messageView, 0, len(msgs))}
	for _, m := range msgs {
		out.Messages = append(out.Messages, viewOf(m))
	}
	return jsonResponse(http.StatusOK, req.correlationID, out)
}

func (h *Handler) sendTurn(ctx context.Context, req request, id string) events.APIGatewayProxyResponse {
	var in turnRequest
	if err := decodeBody(req.APIGatewayProxyRequest, &in, false); err != nil {
		return errorResponseFor(http.StatusBadRequest, string(usecase.ErrorInvalidInput), "invalid_body", req.correlationID)
	}
	var acc parser.Accumulator
	out, err := h.uc.SendTurn(ctx, usecase.TurnInput{
		ConversationID: id,
		Text:           in.Text,
		SearchEnabled:  in.Search,
		OnToken:        acc.Write,
	})
	if err != nil {
		return h.useCaseError(req, err)
	}
	parsed := out.Parsed
	return jsonResponse(http.StatusOK, req.correlationID, turnResponse{
		UserMessage:      out.UserMessage,
		AssistantMessage: messageView{Message: out.AssistantMessage, Parsed: &parsed},
		Display:          acc.Display(),
		SearchQuery:      out.SearchQuery,
	})
}

func (h *Handler) configureProvider(ctx context.Context, req request) events.APIGatewayProxyResponse {
	var cfg domain.ProviderConfig
	if err := decodeBody(req.APIGatewayProxyRequest, &cfg, false); err != nil {
		return errorResponseFor(http.StatusBadRequest, string(usecase.ErrorInvalidInput), "invalid_body", req.correlationID)
	}
	if err := h.uc.ConfigureProvider(ctx, cfg); err != nil {
		return h.useCaseError(req, err)
	}
	return jsonResponse(http.StatusOK, req.correlationID, h.uc.ProviderStatus(ctx))
}

func (h *Handler) updateSearchSettings(ctx context.Context, req request) events.APIGatewayProxyResponse {
	var cfg domain.SearchConfig
	if err := decodeBody(req.APIGatewayProxyRequest, &cfg, false); err != nil {
		return errorResponseFor(http.StatusBadRequest, string(usecase.ErrorInvalidInput), "invalid_body", req.correlationID)
	}
	if err := h.settings.SetSearchConfig(ctx, cfg); err != nil {
		return h.settingsError(req, "invalid_search_config", err)
	}
	return jsonResponse(http.StatusOK, req.correlationID, h.settings.SearchConfig(ctx))
}

func (h *Handler) updateSystemPrompt(ctx context.Context, req request) events.APIGatewayProxyResponse {
	var in systemPromptBody
	if err := decodeBody(req.APIGatewayProxyRequest, &in, false); err != nil {
		return errorResponseFor(http.StatusBadRequest, string(usecase.ErrorInvalidInput), "invalid_body", req.correlationID)
	}
	if err := h.settings.SetSystemPrompt(ctx, in.SystemPrompt); err != nil {
		return h.settingsError(req, "invalid_system_prompt", err)
	}
	return jsonResponse(http.StatusOK, req.correlationID, systemPromptBody{SystemPrompt: h.settings.SystemPrompt(ctx)})
}

// resetSettings restores every default and rebinds the model gateway to the
// default provider.
func (h *Handler) resetSettings(ctx context.Context, req request) events.APIGatewayProxyResponse {
	if err := h.settings.Reset(ctx); err != nil {
		return h.settingsError(req, "", err)
	}
	if err := h.uc.RestoreProvider(ctx); err != nil {
		h.logger.Warn("default provider could not be bound after reset", "correlation_id", req.correlationID, "err", err)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: http.StatusNoContent,
		Headers:    map[string]string{correlationHeader: req.correlationID},
	}
}

// settingsError maps a rejected write to 400 and anything else to 500.
func (h *Handler) settingsError(req request, invalidReason string, err error) events.APIGatewayProxyResponse {
	if errors.Is(err, settings.ErrInvalidSetting) {
		return errorResponseFor(http.StatusBadRequest, string(usecase.ErrorInvalidInput), invalidReason, req.correlationID)
	}
	h.logger.Error("settings write failed", "correlation_id", req.correlationID, "err", err)
	return errorResponseFor(http.StatusInternalServerError, string(usecase.ErrorInternal), "persist_settings", req.correlationID)
}

func viewOf(m domain.Message) messageView {
	v := messageView{Message: m}
	if m.Role == domain.RoleAssistant {
		parsed := parser.Parse(m.Content)
		v.Parsed = &parsed
	}
	return v
}

func (h *Handler) useCaseError(req request, err error) events.APIGatewayProxyResponse {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		h.logger.Error("unexpected error", "correlation_id", req.correlationID, "err", err)
		return errorResponseFor(http.StatusInternalServerError, string(usecase.ErrorInternal), "", req.correlationID)
	}
	status := statusFor(ucErr.Code)
	if status >= http.StatusInternalServerError {
		h.logger.Error("use case failed", "correlation_id", req.correlationID, "code", ucErr.Code, "reason", ucErr.Reason, "err", ucErr.Err)
	}
	return errorResponseFor(status, string(ucErr.Code), ucErr.Reason, req.correlationID)
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorNotFound:
		return http.StatusNotFound
	case usecase.ErrorProviderNotConfigured:
		return http.StatusConflict
	case usecase.ErrorTransport:
		return http.StatusGatewayTimeout
	case usecase.ErrorUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody decodes a JSON body strictly. An empty body is accepted only
// when allowEmpty is set.
func decodeBody(event events.APIGatewayProxyRequest, dst any, allowEmpty bool) error {
	body := []byte(event.Body)
	if event.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(event.Body)
		if err != nil {
			return err
		}
		body = decoded
	}
	if len(bytes.TrimSpace(body)) == 0 {
		if allowEmpty {
			return nil
		}
		return io.ErrUnexpectedEOF
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("handler: trailing data after JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	var out []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func correlationID(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, correlationHeader) && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return uuid.NewString()
}

func jsonResponse(status int, correlationID string, v any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(v)
	if err != nil {
		return errorResponseFor(http.StatusInternalServerError, string(usecase.ErrorInternal), "encode_response", correlationID)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: correlationID,
		},
		Body: string(body),
	}
}

func errorResponseFor(status int, code, reason, correlationID string) events.APIGatewayProxyResponse {
	body, _ := json.Marshal(errorResponse{Error: code, Reason: reason, CorrelationID: correlationID})
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: correlationID,
		},
		Body: string(body),
	}
}
