package domain

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// DefaultTitle is the placeholder title of a conversation that has not been
// named yet.
const DefaultTitle = "New Chat"

const titleMaxRunes = 30

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Message is a single persisted chat message. Content always holds the raw
// model output for assistant messages.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	Role           Role   `json:"role"`
	Content        string `json:"content"`
	Timestamp      int64  `json:"timestamp"` // epoch millis
}

// Conversation stores aggregate conversation state.
type Conversation struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

// NewMessage constructs a Message with a fresh id and the current time.
func NewMessage(conversationID string, role Role, content string) Message {
	return Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Timestamp:      NowMillis(),
	}
}

// NewConversation constructs a Conversation with a fresh id. An empty title
// becomes DefaultTitle.
func NewConversation(title string) Conversation {
	title = strings.TrimSpace(title)
	if title == "" {
		title = DefaultTitle
	}
	now := NowMillis()
	return Conversation{
		ID:        uuid.NewString(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// DeriveTitle returns the first 30 characters of text, suffixed with "..."
// when it had to be truncated.
func DeriveTitle(text string) string {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) <= titleMaxRunes {
		return text
	}
	return string([]rune(text)[:titleMaxRunes]) + "..."
}

// NowMillis returns the current time as epoch milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
