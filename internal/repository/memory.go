package repository

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"relaychat/internal/domain"
)

type memoryMessage struct {
	msg domain.Message
	seq int64
}

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	convs    map[string]domain.Conversation
	messages map[string][]memoryMessage
	seq      int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		convs:    map[string]domain.Conversation{},
		messages: map[string][]memoryMessage{},
	}
}

func (s *MemoryStore) CreateConversation(_ context.Context, title string) (domain.Conversation, error) {
	conv := domain.NewConversation(normalizeTitle(title))
	s.mu.Lock()
	s.convs[conv.ID] = conv
	s.mu.Unlock()
	return conv, nil
}

func (s *MemoryStore) GetConversation(_ context.Context, id string) (domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.convs[id]
	if !ok {
		return domain.Conversation{}, fmt.Errorf("repository: conversation %q: %w", id, domain.ErrNotFound)
	}
	return conv, nil
}

func (s *MemoryStore) ListConversations(_ context.Context) ([]domain.Conversation, error) {
	s.mu.RLock()
	out := make([]domain.Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		out = append(out, c)
	}
	s.mu.RUnlock()
	sortByUpdatedDesc(out)
	return out, nil
}

func (s *MemoryStore) SearchConversations(ctx context.Context, query string) ([]domain.Conversation, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return s.ListConversations(ctx)
	}
	s.mu.RLock()
	out := []domain.Conversation{}
	for id, c := range s.convs {
		if containsFold(c.Title, q) {
			out = append(out, c)
			continue
		}
		for _, m := range s.messages[id] {
			if containsFold(m.msg.Content, q) {
				out = append(out, c)
				break
			}
		}
	}
	s.mu.RUnlock()
	sortByUpdatedDesc(out)
	return out, nil
}

func (s *MemoryStore) UpdateTitle(_ context.Context, id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[id]
	if !ok {
		return fmt.Errorf("repository: conversation %q: %w", id, domain.ErrNotFound)
	}
	conv.Title = normalizeTitle(title)
	conv.UpdatedAt = domain.NowMillis()
	s.convs[id] = conv
	return nil
}

func (s *MemoryStore) DeleteConversation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[id]; !ok {
		return fmt.Errorf("repository: conversation %q: %w", id, domain.ErrNotFound)
	}
	delete(s.convs, id)
	delete(s.messages, id)
	return nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, msg domain.Message) error {
	if err := validateMessage(msg); err != nil {
		return fmt.Errorf("repository: AppendMessage: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[msg.ConversationID]
	if !ok {
		return fmt.Errorf("repository: conversation %q: %w", msg.ConversationID, domain.ErrNotFound)
	}
	for _, m := range s.messages[msg.ConversationID] {
		if m.msg.ID == msg.ID {
			return fmt.Errorf("repository: AppendMessage: duplicate message id %q", msg.ID)
		}
	}
	s.seq++
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], memoryMessage{msg: msg, seq: s.seq})
	conv.UpdatedAt = max(conv.UpdatedAt, msg.Timestamp)
	s.convs[msg.ConversationID] = conv
	return nil
}

func (s *MemoryStore) ListMessages(_ context.Context, conversationID string) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.convs[conversationID]; !ok {
		return nil, fmt.Errorf("repository: conversation %q: %w", conversationID, domain.ErrNotFound)
	}
	stored := s.messages[conversationID]
	ordered := make([]memoryMessage, len(stored))
	copy(ordered, stored)
	sortMessages(ordered, func(m memoryMessage) (int64, int64) { return m.msg.Timestamp, m.seq })

	out := make([]domain.Message, 0, len(ordered))
	for _, m := range ordered {
		out = append(out, m.msg)
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
