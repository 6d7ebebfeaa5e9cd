package store

import (
	"context"
	"time"

	"messaging/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ChatStore struct{ db *gorm.DB }

func (s *Store) Chats() *ChatStore { return &ChatStore{db: s.DB} }

func (c *ChatStore) Get(ctx context.Context, id uuid.UUID) (*domain.Chat, error) {
	var chat domain.Chat
	if err := c.db.WithContext(ctx).First(&chat, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &chat, nil
}

// FindDirect returns the non-group chat whose member set is exactly {a, b}.
func (c *ChatStore) FindDirect(ctx context.Context, a, b uuid.UUID) (*domain.Chat, error) {
	var chat domain.Chat
	err := c.db.WithContext(ctx).Raw(`
SELECT c.* FROM chats c
WHERE c.is_group = ?
  AND EXISTS (SELECT 1 FROM chat_members m WHERE m.chat_id = c.id AND m.user_id = ?)
  AND EXISTS (SELECT 1 FROM chat_members m WHERE m.chat_id = c.id AND m.user_id = ?)
  AND (SELECT COUNT(*) FROM chat_members m WHERE m.chat_id = c.id) = 2
ORDER BY c.created_at ASC
LIMIT 1`, false, a, b).Scan(&chat).Error
	if err != nil {
		return nil, err
	}
	if chat.ID == uuid.Nil {
		return nil, ErrRecordNotFound
	}
	return &chat, nil
}

// CreateDirect creates a 1:1 chat between a and b with both membership rows.
// When a concurrent request already created it, the existing chat is returned
// with created=false.
func (c *ChatStore) CreateDirect(ctx context.Context, a, b uuid.UUID, now time.Time) (*domain.Chat, bool, error) {
	key := domain.DirectKey(a, b)
	chat := domain.Chat{
		ID:        uuid.New(),
		IsGroup:   false,
		DirectKey: &key,
		CreatedAt: now,
		UpdatedAt: now,
	}
	res := c.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "direct_key"}}, DoNothing: true}).
		Create(&chat)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 0 {
		var existing domain.Chat
		if err := c.db.WithContext(ctx).First(&existing, "direct_key = ?", key).Error; err != nil {
			return nil, false, notFound(err)
		}
		return &existing, false, nil
	}
	members := []domain.ChatMember{
		{ChatID: chat.ID, UserID: a, JoinedAt: now},
		{ChatID: chat.ID, UserID: b, JoinedAt: now},
	}
	if err := c.db.WithContext(ctx).Create(&members).Error; err != nil {
		return nil, false, err
	}
	return &chat, true, nil
}

// CreateGroup is used by the console and tests; the messaging core never
// creates groups on its own.
func (c *ChatStore) CreateGroup(ctx context.Context, title string, members []uuid.UUID, now time.Time) (*domain.Chat, error) {
	chat := domain.Chat{
		ID:        uuid.New(),
		Title:     &title,
		IsGroup:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.db.WithContext(ctx).Create(&chat).Error; err != nil {
		return nil, err
	}
	rows := make([]domain.ChatMember, 0, len(members))
	for _, id := range members {
		rows = append(rows, domain.ChatMember{ChatID: chat.ID, UserID: id, JoinedAt: now})
	}
	if len(rows) > 0 {
		if err := c.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error; err != nil {
			return nil, err
		}
	}
	return &chat, nil
}

func (c *ChatStore) Touch(ctx context.Context, id uuid.UUID, at time.Time) error {
	return c.db.WithContext(ctx).
		Model(&domain.Chat{}).
		Where("id = ?", id).
		Update("updated_at", at).
		Error
}

func (c *ChatStore) ListForUser(ctx context.Context, userID uuid.UUID) ([]domain.Chat, error) {
	var chats []domain.Chat
	err := c.db.WithContext(ctx).
		Joins("JOIN chat_members cm ON cm.chat_id = chats.id AND cm.user_id = ?", userID).
		Order("chats.updated_at DESC").
		Find(&chats).Error
	if err != nil {
		return nil, err
	}
	return chats, nil
}
