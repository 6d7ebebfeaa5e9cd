package store

import (
	"context"
	"time"

	"messaging/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type MessageStore struct{ db *gorm.DB }

func (s *Store) Messages() *MessageStore { return &MessageStore{db: s.DB} }

func (m *MessageStore) Create(ctx context.Context, msg *domain.Message) error {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	return m.db.WithContext(ctx).Create(msg).Error
}

func (m *MessageStore) Get(ctx context.Context, id uuid.UUID) (*domain.Message, error) {
	var msg domain.Message
	if err := m.db.WithContext(ctx).First(&msg, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &msg, nil
}

// Cursor is a position in a chat's history. Messages sharing a timestamp
// are ordered by id; a zero ID means "everything before CreatedAt".
type Cursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

// Page returns up to limit messages of chatID positioned strictly before
// `before` (or the newest ones when before is nil), oldest first.
func (m *MessageStore) Page(ctx context.Context, chatID uuid.UUID, before *Cursor, limit int) ([]domain.Message, error) {
	var msgs []domain.Message
	tx := m.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("created_at DESC, id DESC")
	switch {
	case before != nil && before.ID != uuid.Nil:
		at := before.CreatedAt.UTC()
		tx = tx.Where("(created_at < ? OR (created_at = ? AND id < ?))", at, at, before.ID)
	case before != nil:
		tx = tx.Where("created_at < ?", before.CreatedAt.UTC())
	}
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	if err := tx.Find(&msgs).Error; err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (m *MessageStore) UpdateTag(ctx context.Context, id uuid.UUID, tag string, at time.Time) error {
	return m.db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("id = ?", id).
		Updates(map[string]any{"tag": tag, "updated_at": at}).
		Error
}

func (m *MessageStore) Delete(ctx context.Context, id uuid.UUID) error {
	return m.db.WithContext(ctx).Delete(&domain.Message{}, "id = ?", id).Error
}
