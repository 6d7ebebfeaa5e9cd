package store

import (
	"context"
	"time"

	"messaging/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type MemberStore struct{ db *gorm.DB }

func (s *Store) Members() *MemberStore { return &MemberStore{db: s.DB} }

func (m *MemberStore) IsMember(ctx context.Context, chatID, userID uuid.UUID) (bool, error) {
	var count int64
	err := m.db.WithContext(ctx).
		Model(&domain.ChatMember{}).
		Where("chat_id = ? AND user_id = ?", chatID, userID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (m *MemberStore) List(ctx context.Context, chatID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := m.db.WithContext(ctx).
		Model(&domain.ChatMember{}).
		Where("chat_id = ?", chatID).
		Order("joined_at ASC, user_id ASC").
		Pluck("user_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// ListForChats returns members keyed by chat id.
func (m *MemberStore) ListForChats(ctx context.Context, chatIDs []uuid.UUID) (map[uuid.UUID][]uuid.UUID, error) {
	out := make(map[uuid.UUID][]uuid.UUID, len(chatIDs))
	if len(chatIDs) == 0 {
		return out, nil
	}
	var rows []domain.ChatMember
	err := m.db.WithContext(ctx).
		Where("chat_id IN ?", chatIDs).
		Order("joined_at ASC, user_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		out[r.ChatID] = append(out[r.ChatID], r.UserID)
	}
	return out, nil
}

func (m *MemberStore) MarkRead(ctx context.Context, chatID, userID uuid.UUID, at time.Time) error {
	return m.db.WithContext(ctx).
		Model(&domain.ChatMember{}).
		Where("chat_id = ? AND user_id = ?", chatID, userID).
		Update("last_read_at", at).
		Error
}

type unreadRow struct {
	ChatID uuid.UUID
	Unread int64
}

// UnreadCounts counts, per chat of userID, live messages from other members
// newer than the member's last read mark.
func (m *MemberStore) UnreadCounts(ctx context.Context, userID uuid.UUID) (map[uuid.UUID]int64, error) {
	var rows []unreadRow
	err := m.db.WithContext(ctx).Raw(`
SELECT msg.chat_id AS chat_id, COUNT(*) AS unread
FROM messages msg
JOIN chat_members cm ON cm.chat_id = msg.chat_id AND cm.user_id = ?
WHERE msg.deleted_at IS NULL
  AND msg.sender_id <> ?
  AND (cm.last_read_at IS NULL OR msg.created_at > cm.last_read_at)
GROUP BY msg.chat_id`, userID, userID).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID]int64, len(rows))
	for _, r := range rows {
		out[r.ChatID] = r.Unread
	}
	return out, nil
}

// UnreadSummary is one (member, chat) pair with pending unread messages.
type UnreadSummary struct {
	UserID   uuid.UUID
	ChatID   uuid.UUID
	Unread   int64
	LatestAt string
}

// UnreadSummaries lists every member with at least minUnread unread messages.
// LatestAt is the raw newest unread timestamp as the database renders it; it is
// only used as a stable event key.
func (m *MemberStore) UnreadSummaries(ctx context.Context, minUnread int) ([]UnreadSummary, error) {
	if minUnread <= 0 {
		minUnread = 1
	}
	var rows []UnreadSummary
	err := m.db.WithContext(ctx).Raw(`
SELECT cm.user_id AS user_id, msg.chat_id AS chat_id, COUNT(*) AS unread, MAX(msg.created_at) AS latest_at
FROM chat_members cm
JOIN messages msg ON msg.chat_id = cm.chat_id
WHERE msg.deleted_at IS NULL
  AND msg.sender_id <> cm.user_id
  AND (cm.last_read_at IS NULL OR msg.created_at > cm.last_read_at)
GROUP BY cm.user_id, msg.chat_id
HAVING COUNT(*) >= ?`, minUnread).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
