// Package chatwire holds the JSON shapes exchanged between the messages
// service and its clients.
package chatwire

import (
	"time"
)

// TimeLayout is fixed width so that string order equals chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}

// MessageRecord is the canonical, server-confirmed message.
type MessageRecord struct {
	ID             string `json:"id"`
	ChatID         string `json:"chatId"`
	SenderID       string `json:"senderId"`
	Body           string `json:"body"`
	Status         string `json:"status"`
	Tag            string `json:"tag,omitempty"`
	CreatedAt      string `json:"createdAt"`
	UpdatedAt      string `json:"updatedAt,omitempty"`
	CorrelationKey string `json:"correlationKey,omitempty"`
}

type SendRequest struct {
	ChatID         string `json:"chatId,omitempty"`
	RecipientID    string `json:"recipientUserId,omitempty"`
	Body           string `json:"body"`
	CorrelationKey string `json:"correlationKey,omitempty"`
}

type FetchResponse struct {
	Items      []MessageRecord `json:"items"`
	Members    []string        `json:"members"`
	NextCursor *string         `json:"nextCursor"`
}

type TagRequest struct {
	Tag string `json:"tag"`
}

type PresenceRequest struct {
	ChatID string `json:"chatId"`
}

type PushKeys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

type PushSubscriptionRequest struct {
	Endpoint string   `json:"endpoint"`
	Keys     PushKeys `json:"keys"`
}

type ChatSummary struct {
	ID        string   `json:"id"`
	Title     *string  `json:"title"`
	IsGroup   bool     `json:"isGroup"`
	Members   []string `json:"members"`
	UpdatedAt string   `json:"updatedAt"`
	Unread    int64    `json:"unread"`
}

type Notification struct {
	ID        string  `json:"id"`
	Kind      string  `json:"kind"`
	ChatID    *string `json:"chatId,omitempty"`
	Title     string  `json:"title"`
	Body      string  `json:"body"`
	Link      string  `json:"link,omitempty"`
	Read      bool    `json:"read"`
	CreatedAt string  `json:"createdAt"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
