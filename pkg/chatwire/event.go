package chatwire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// Event is a row change on the messages table scoped to one chat.
type Event struct {
	Type   EventType     `json:"type"`
	Record MessageRecord `json:"record"`
}

var ErrInvalidEvent = errors.New("chatwire: invalid event")

// DecodeEvent parses and validates a raw realtime payload. Anything that is
// not a well formed INSERT/UPDATE/DELETE of a message is rejected here so the
// consumers only ever see typed events.
func DecodeEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	ev.Type = EventType(strings.ToUpper(string(ev.Type)))
	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

func (e Event) Validate() error {
	switch e.Type {
	case EventInsert, EventUpdate, EventDelete:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, e.Type)
	}
	if _, err := uuid.Parse(e.Record.ID); err != nil {
		return fmt.Errorf("%w: record id", ErrInvalidEvent)
	}
	if _, err := uuid.Parse(e.Record.ChatID); err != nil {
		return fmt.Errorf("%w: chat id", ErrInvalidEvent)
	}
	if e.Type == EventDelete {
		return nil
	}
	if _, err := uuid.Parse(e.Record.SenderID); err != nil {
		return fmt.Errorf("%w: sender id", ErrInvalidEvent)
	}
	if _, err := ParseTime(e.Record.CreatedAt); err != nil {
		return fmt.Errorf("%w: createdAt", ErrInvalidEvent)
	}
	if e.Record.UpdatedAt != "" {
		if _, err := ParseTime(e.Record.UpdatedAt); err != nil {
			return fmt.Errorf("%w: updatedAt", ErrInvalidEvent)
		}
	}
	return nil
}
