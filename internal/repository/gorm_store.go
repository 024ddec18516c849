package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"relaychat/internal/domain"
)

type conversationRecord struct {
	ID        string `gorm:"primaryKey;size:64"`
	Title     string `gorm:"not null"`
	CreatedMs int64  `gorm:"column:created_at;not null"`
	UpdatedMs int64  `gorm:"column:updated_at;not null;index"`
}

func (conversationRecord) TableName() string { return "conversations" }

func (r conversationRecord) toDomain() domain.Conversation {
	return domain.Conversation{ID: r.ID, Title: r.Title, CreatedAt: r.CreatedMs, UpdatedAt: r.UpdatedMs}
}

type messageRecord struct {
	Seq            int64  `gorm:"primaryKey;autoIncrement"`
	ID             string `gorm:"uniqueIndex;size:64;not null"`
	ConversationID string `gorm:"index;size:64;not null"`
	Role           string `gorm:"size:16;not null"`
	Content        string `gorm:"type:text;not null"`
	Timestamp      int64  `gorm:"column:sent_at;not null"`
}

func (messageRecord) TableName() string { return "messages" }

// GormStore is a SQL backend on gorm, using SQLite or PostgreSQL.
type GormStore struct {
	db *gorm.DB
}

// OpenGorm connects to the database named by dsn and migrates the schema.
// For sqlite the dsn is a file path; parent directories are created.
func OpenGorm(ctx context.Context, driver Driver, dsn string) (*GormStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("repository: OpenGorm: %s dsn must not be empty", driver)
	}
	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite:
		if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
			if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
				return nil, fmt.Errorf("repository: OpenGorm: create dir: %w", err)
			}
		}
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("repository: OpenGorm: unsupported driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: OpenGorm: connect: %w", err)
	}
	if driver == DriverSQLite {
		// SQLite allows a single writer.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("repository: OpenGorm: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.WithContext(ctx).AutoMigrate(&conversationRecord{}, &messageRecord{}); err != nil {
		return nil, fmt.Errorf("repository: OpenGorm: migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(id string) error {
	return fmt.Errorf("repository: conversation %q: %w", id, domain.ErrNotFound)
}

func (s *GormStore) CreateConversation(ctx context.Context, title string) (domain.Conversation, error) {
	conv := domain.NewConversation(normalizeTitle(title))
	rec := conversationRecord{ID: conv.ID, Title: conv.Title, CreatedMs: conv.CreatedAt, UpdatedMs: conv.UpdatedAt}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: CreateConversation: %w", err)
	}
	return conv, nil
}

func (s *GormStore) GetConversation(ctx context.Context, id string) (domain.Conversation, error) {
	var recs []conversationRecord
	if err := s.db.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&recs).Error; err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: GetConversation: %w", err)
	}
	if len(recs) == 0 {
		return domain.Conversation{}, notFound(id)
	}
	return recs[0].toDomain(), nil
}

func (s *GormStore) ListConversations(ctx context.Context) ([]domain.Conversation, error) {
	var recs []conversationRecord
	err := s.db.WithContext(ctx).Order("updated_at DESC").Order("created_at DESC").Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("repository: ListConversations: %w", err)
	}
	return toConversations(recs), nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func (s *GormStore) SearchConversations(ctx context.Context, query string) ([]domain.Conversation, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return s.ListConversations(ctx)
	}
	like := "%" + escapeLike(q) + "%"
	db := s.db.WithContext(ctx)
	matching := db.Model(&messageRecord{}).
		Select("conversation_id").
		Where(`LOWER(content) LIKE ? ESCAPE '\'`, like)

	var recs []conversationRecord
	err := db.Where(`LOWER(title) LIKE ? ESCAPE '\'`, like).
		Or("id IN (?)", matching).
		Order("updated_at DESC").Order("created_at DESC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("repository: SearchConversations: %w", err)
	}
	return toConversations(recs), nil
}

func (s *GormStore) UpdateTitle(ctx context.Context, id, title string) error {
	res := s.db.WithContext(ctx).Model(&conversationRecord{}).Where("id = ?", id).Updates(map[string]any{
		"title":      normalizeTitle(title),
		"updated_at": domain.NowMillis(),
	})
	if res.Error != nil {
		return fmt.Errorf("repository: UpdateTitle: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return notFound(id)
	}
	return nil
}

func (s *GormStore) DeleteConversation(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("conversation_id = ?", id).Delete(&messageRecord{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&conversationRecord{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return notFound(id)
		}
		return nil
	})
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("repository: DeleteConversation: %w", err)
	}
	return err
}

// AppendMessage inserts msg and bumps the conversation's updated_at in one
// transaction. updated_at never moves backwards.
func (s *GormStore) AppendMessage(ctx context.Context, msg domain.Message) error {
	if err := validateMessage(msg); err != nil {
		return fmt.Errorf("repository: AppendMessage: %w", err)
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&conversationRecord{}).
			Where("id = ?", msg.ConversationID).
			Update("updated_at", gorm.Expr("CASE WHEN updated_at > ? THEN updated_at ELSE ? END", msg.Timestamp, msg.Timestamp))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return notFound(msg.ConversationID)
		}
		return tx.Create(&messageRecord{
			ID:             msg.ID,
			ConversationID: msg.ConversationID,
			Role:           string(msg.Role),
			Content:        msg.Content,
			Timestamp:      msg.Timestamp,
		}).Error
	})
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("repository: AppendMessage: %w", err)
	}
	return err
}

func (s *GormStore) ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	var recs []messageRecord
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("sent_at ASC").Order("seq ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("repository: ListMessages: %w", err)
	}
	out := make([]domain.Message, 0, len(recs))
	for _, r := range recs {
		out = append(out, domain.Message{
			ID:             r.ID,
			ConversationID: r.ConversationID,
			Role:           domain.Role(r.Role),
			Content:        r.Content,
			Timestamp:      r.Timestamp,
		})
	}
	return out, nil
}

func toConversations(recs []conversationRecord) []domain.Conversation {
	out := make([]domain.Conversation, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.toDomain())
	}
	return out
}
