package domain

import (
	"sort"
	"strings"
	"time"

	"messaging/internal/msgjson"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	MaxBodyChars = 5000

	StatusSent = "sent"

	TagNone      = ""
	TagImportant = "important"
	TagIdea      = "idea"
)

// ValidTag reports whether tag is one of the message classification tags.
func ValidTag(tag string) bool {
	switch tag {
	case TagNone, TagImportant, TagIdea:
		return true
	}
	return false
}

type Chat struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Title     *string   `gorm:"type:text"`
	IsGroup   bool      `gorm:"not null;default:false"`
	DirectKey *string   `gorm:"type:text;uniqueIndex"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null;index"`
}

type ChatMember struct {
	ChatID     uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID     uuid.UUID `gorm:"type:uuid;primaryKey;index"`
	JoinedAt   time.Time `gorm:"not null"`
	LastReadAt *time.Time
}

// DirectKey is the membership fingerprint of a 1:1 chat between a and b.
func DirectKey(a, b uuid.UUID) string {
	ids := []string{a.String(), b.String()}
	sort.Strings(ids)
	return strings.Join(ids, ":")
}

type Message struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey"`
	ChatID    uuid.UUID      `gorm:"type:uuid;not null;index:idx_messages_chat_created,priority:1"`
	SenderID  uuid.UUID      `gorm:"type:uuid;not null"`
	Body      string         `gorm:"type:text;not null"`
	Status    string         `gorm:"type:text;not null"`
	Tag       string         `gorm:"type:text;not null"`
	CreatedAt time.Time      `gorm:"not null;index:idx_messages_chat_created,priority:2"`
	UpdatedAt time.Time      `gorm:"not null"`
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

// NotificationRecord is the in-app copy of a notification, at most one per
// user, kind and triggering event.
type NotificationRecord struct {
	ID        uuid.UUID    `gorm:"type:uuid;primaryKey"`
	UserID    uuid.UUID    `gorm:"type:uuid;not null;index:idx_notifications_user_created,priority:1;uniqueIndex:ux_notifications_user_kind_event,priority:1"`
	Kind      string       `gorm:"type:text;not null;uniqueIndex:ux_notifications_user_kind_event,priority:2"`
	EventID   *string      `gorm:"type:text;uniqueIndex:ux_notifications_user_kind_event,priority:3"`
	ChatID    *uuid.UUID   `gorm:"type:uuid;index"`
	Title     string       `gorm:"type:text;not null"`
	Body      string       `gorm:"type:text;not null"`
	Link      string       `gorm:"type:text"`
	Data      msgjson.JSON `gorm:"type:jsonb"`
	Read      bool         `gorm:"not null;default:false"`
	CreatedAt time.Time    `gorm:"not null;index:idx_notifications_user_created,priority:2"`
}

type PushSubscription struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID    uuid.UUID `gorm:"type:uuid;not null;index"`
	Endpoint  string    `gorm:"type:text;not null;uniqueIndex"`
	P256dh    string    `gorm:"type:text;not null"`
	Auth      string    `gorm:"type:text;not null"`
	UserAgent string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"not null"`
}

// DeliveryLog records that a scheduled notification kind reached a recipient
// for a triggering event, so re-invoked jobs never deliver it twice.
type DeliveryLog struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement"`
	EventID     string    `gorm:"type:text;not null;uniqueIndex:ux_delivery_event_recipient_kind,priority:1"`
	RecipientID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:ux_delivery_event_recipient_kind,priority:2"`
	Kind        string    `gorm:"type:text;not null;uniqueIndex:ux_delivery_event_recipient_kind,priority:3"`
	DeliveredAt time.Time `gorm:"not null"`
}

// Models lists every persistent type for AutoMigrate.
func Models() []any {
	return []any{
		&Chat{},
		&ChatMember{},
		&Message{},
		&NotificationRecord{},
		&PushSubscription{},
		&DeliveryLog{},
	}
}
