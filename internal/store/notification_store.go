package store

import (
	"context"

	"messaging/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type NotificationStore struct{ db *gorm.DB }

func (s *Store) Notifications() *NotificationStore { return &NotificationStore{db: s.DB} }

func (n *NotificationStore) Create(ctx context.Context, rec *domain.NotificationRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	return n.db.WithContext(ctx).Create(rec).Error
}

// CreateOnce inserts rec unless a record for the same user, kind and event
// already exists. It reports whether a new row was written.
func (n *NotificationStore) CreateOnce(ctx context.Context, rec *domain.NotificationRecord) (bool, error) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	res := n.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(rec)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (n *NotificationStore) ListForUser(ctx context.Context, userID uuid.UUID, limit int) ([]domain.NotificationRecord, error) {
	var out []domain.NotificationRecord
	tx := n.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC")
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	if err := tx.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// MarkRead flips one record owned by userID. ErrRecordNotFound when the id
// does not belong to the user.
func (n *NotificationStore) MarkRead(ctx context.Context, userID, id uuid.UUID) error {
	res := n.db.WithContext(ctx).
		Model(&domain.NotificationRecord{}).
		Where("id = ? AND user_id = ?", id, userID).
		Update("read", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (n *NotificationStore) MarkChatRead(ctx context.Context, userID, chatID uuid.UUID) error {
	return n.db.WithContext(ctx).
		Model(&domain.NotificationRecord{}).
		Where("user_id = ? AND chat_id = ? AND read = ?", userID, chatID, false).
		Update("read", true).
		Error
}
