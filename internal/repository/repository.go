// Package repository persists conversations and their messages.
//
// Every backend implements Repository with the same semantics: conversations
// list most recently updated first, messages list by timestamp with
// insertion order breaking ties, appending a message bumps the owning
// conversation's UpdatedAt atomically, and deleting a conversation removes
// its messages. Unknown conversations yield domain.ErrNotFound.
package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"relaychat/internal/domain"
)

type Repository interface {
	CreateConversation(ctx context.Context, title string) (domain.Conversation, error)
	GetConversation(ctx context.Context, id string) (domain.Conversation, error)
	ListConversations(ctx context.Context) ([]domain.Conversation, error)
	SearchConversations(ctx context.Context, query string) ([]domain.Conversation, error)
	UpdateTitle(ctx context.Context, id, title string) error
	DeleteConversation(ctx context.Context, id string) error
	AppendMessage(ctx context.Context, msg domain.Message) error
	ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error)
	Close() error
}

type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
	DriverDynamoDB Driver = "dynamodb"
	DriverMemory   Driver = "memory"
)

func (d Driver) Valid() bool {
	switch d {
	case DriverSQLite, DriverPostgres, DriverDynamoDB, DriverMemory:
		return true
	}
	return false
}

// Config selects and configures a backend. DynamoDB is required for the
// dynamodb driver; DSN for sqlite and postgres.
type Config struct {
	Driver   Driver
	DSN      string
	Table    string
	DynamoDB DynamoAPI
}

// Open builds the backend named by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Repository, error) {
	switch cfg.Driver {
	case DriverMemory:
		return NewMemoryStore(), nil
	case DriverSQLite, DriverPostgres:
		return OpenGorm(ctx, cfg.Driver, cfg.DSN)
	case DriverDynamoDB:
		if cfg.DynamoDB == nil {
			return nil, errors.New("repository: Open: dynamodb client is required")
		}
		return New(cfg.DynamoDB, cfg.Table)
	default:
		return nil, fmt.Errorf("repository: Open: unknown driver %q", cfg.Driver)
	}
}

func validateMessage(msg domain.Message) error {
	if strings.TrimSpace(msg.ID) == "" {
		return errors.New("message id is required")
	}
	if strings.TrimSpace(msg.ConversationID) == "" {
		return errors.New("conversation id is required")
	}
	if !msg.Role.Valid() {
		return fmt.Errorf("invalid role %q", msg.Role)
	}
	return nil
}

func normalizeTitle(title string) string {
	title = strings.TrimSpace(title)
	if title == "" {
		return domain.DefaultTitle
	}
	return title
}

// sortByUpdatedDesc orders conversations most recently updated first, newest
// creation first on ties.
func sortByUpdatedDesc(convs []domain.Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		if convs[i].UpdatedAt != convs[j].UpdatedAt {
			return convs[i].UpdatedAt > convs[j].UpdatedAt
		}
		return convs[i].CreatedAt > convs[j].CreatedAt
	})
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), substr)
}

// sortMessages orders items by timestamp, then by insertion sequence.
func sortMessages[T any](items []T, key func(T) (ts, seq int64)) {
	sort.SliceStable(items, func(i, j int) bool {
		ti, si := key(items[i])
		tj, sj := key(items[j])
		if ti != tj {
			return ti < tj
		}
		return si < sj
	})
}
