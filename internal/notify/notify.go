// Package notify delivers notifications to chat members: an in-app record per
// recipient plus web push to every registered device, with presence-based
// suppression and an idempotency log for scheduled kinds.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"messaging/internal/domain"

	"github.com/google/uuid"
)

type Kind string

const (
	KindMessage      Kind = "message"
	KindUnreadDigest Kind = "unread_digest"
)

// Scheduled kinds are produced by recurring jobs that may run more than once
// for the same trigger; their deliveries go through the DeliveryLog.
func (k Kind) Scheduled() bool {
	return k == KindUnreadDigest
}

type Payload struct {
	Kind    Kind
	EventID string
	ChatID  *uuid.UUID
	Title   string
	Body    string
	Link    string
	Data    map[string]any
}

type pushMessage struct {
	Kind    Kind           `json:"kind"`
	EventID string         `json:"eventId"`
	ChatID  *string        `json:"chatId,omitempty"`
	Title   string         `json:"title"`
	Body    string         `json:"body"`
	Link    string         `json:"link,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

func (p Payload) pushBody() ([]byte, error) {
	msg := pushMessage{
		Kind:    p.Kind,
		EventID: p.EventID,
		Title:   p.Title,
		Body:    p.Body,
		Link:    p.Link,
		Data:    p.Data,
	}
	if p.ChatID != nil {
		s := p.ChatID.String()
		msg.ChatID = &s
	}
	return json.Marshal(msg)
}

// Sender delivers one encrypted push message to one device.
type Sender interface {
	Send(ctx context.Context, sub domain.PushSubscription, payload []byte) error
}

// Presence answers whether a recipient currently has the chat open.
type Presence interface {
	Viewing(ctx context.Context, userID, chatID uuid.UUID) (bool, error)
}

// ErrGone means the push service no longer knows the endpoint (404/410).
var ErrGone = errors.New("notify: push endpoint gone")

// DeliveryError is any other failed push attempt.
type DeliveryError struct {
	Endpoint   string
	StatusCode int
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("notify: push to %s failed with status %d: %v", e.Endpoint, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("notify: push to %s failed: %v", e.Endpoint, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Report summarises one fan-out call.
type Report struct {
	Recipients int
	Skipped    int // scheduled kind already delivered
	Recorded   int
	Suppressed int // recipient was viewing the chat
	Pushed     int
	Pruned     int
	Failed     int
}

func (r *Report) Add(o Report) {
	r.Recipients += o.Recipients
	r.Skipped += o.Skipped
	r.Recorded += o.Recorded
	r.Suppressed += o.Suppressed
	r.Pushed += o.Pushed
	r.Pruned += o.Pruned
	r.Failed += o.Failed
}
