package msgclient

import (
	"messaging/pkg/chatwire"
)

type SendStatus string

const (
	StatusSending SendStatus = "sending"
	StatusSent    SendStatus = "sent"
	StatusFailed  SendStatus = "failed"
)

func (s SendStatus) rank() int {
	switch s {
	case StatusSent:
		return 3
	case StatusFailed:
		return 2
	case StatusSending:
		return 1
	}
	return 0
}

// Message is either Provisional or Confirmed.
type Message interface {
	isMessage()
}

// Provisional is a locally created message the server has not confirmed.
type Provisional struct {
	LocalID        string
	CorrelationKey string
	SenderID       string
	Body           string
	Tag            string
	CreatedAt      string
}

// Confirmed is a message carrying its permanent server identity.
type Confirmed struct {
	ID             string
	CorrelationKey string
	SenderID       string
	Body           string
	Tag            string
	Status         string
	CreatedAt      string
	UpdatedAt      string
}

func (Provisional) isMessage() {}
func (Confirmed) isMessage()   {}

func confirmedFrom(rec chatwire.MessageRecord) Confirmed {
	return Confirmed{
		ID:             rec.ID,
		CorrelationKey: rec.CorrelationKey,
		SenderID:       rec.SenderID,
		Body:           rec.Body,
		Tag:            rec.Tag,
		Status:         rec.Status,
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
	}
}

// Entry is one row of a chat view. LocalID is stable for the lifetime of the
// row, even after the server confirms it.
type Entry struct {
	LocalID string
	Message Message
	Status  SendStatus
	seq     uint64
}

func (e Entry) Confirmed() bool {
	_, ok := e.Message.(Confirmed)
	return ok
}

// ID is the permanent identity, empty while provisional.
func (e Entry) ID() string {
	if c, ok := e.Message.(Confirmed); ok {
		return c.ID
	}
	return ""
}

func (e Entry) CorrelationKey() string {
	switch m := e.Message.(type) {
	case Provisional:
		return m.CorrelationKey
	case Confirmed:
		return m.CorrelationKey
	}
	return ""
}

func (e Entry) SenderID() string {
	switch m := e.Message.(type) {
	case Provisional:
		return m.SenderID
	case Confirmed:
		return m.SenderID
	}
	return ""
}

func (e Entry) Body() string {
	switch m := e.Message.(type) {
	case Provisional:
		return m.Body
	case Confirmed:
		return m.Body
	}
	return ""
}

func (e Entry) Tag() string {
	switch m := e.Message.(type) {
	case Provisional:
		return m.Tag
	case Confirmed:
		return m.Tag
	}
	return ""
}

func (e Entry) CreatedAt() string {
	switch m := e.Message.(type) {
	case Provisional:
		return m.CreatedAt
	case Confirmed:
		return m.CreatedAt
	}
	return ""
}

// Key is what a renderer should use to identify the row.
func (e Entry) Key() string {
	if e.LocalID != "" {
		return e.LocalID
	}
	return e.ID()
}

// merge folds incoming into existing. Confirmed data beats provisional,
// between confirmed copies the later updatedAt wins with ties going to
// incoming, and no identifier from either side is lost.
func merge(existing, incoming Entry) Entry {
	out := Entry{
		LocalID: existing.LocalID,
		Status:  existing.Status,
		seq:     existing.seq,
	}
	if out.LocalID == "" {
		out.LocalID = incoming.LocalID
	}
	if incoming.Status.rank() > out.Status.rank() {
		out.Status = incoming.Status
	}
	if out.seq == 0 || (incoming.seq != 0 && incoming.seq < out.seq) {
		out.seq = incoming.seq
	}

	ec, eok := existing.Message.(Confirmed)
	ic, iok := incoming.Message.(Confirmed)
	switch {
	case eok && iok:
		win, lose := ic, ec
		if laterOf(ec) > laterOf(ic) {
			win, lose = ec, ic
		}
		if win.CorrelationKey == "" {
			win.CorrelationKey = lose.CorrelationKey
		}
		out.Message = win
	case iok:
		if ic.CorrelationKey == "" {
			ic.CorrelationKey = existing.CorrelationKey()
		}
		out.Message = ic
	case eok:
		if ec.CorrelationKey == "" {
			ec.CorrelationKey = incoming.CorrelationKey()
		}
		out.Message = ec
	default:
		out.Message = existing.Message
	}
	// A confirmed row is never shown as still in flight.
	if out.Confirmed() && out.Status == StatusSending {
		out.Status = StatusSent
	}
	return out
}

func laterOf(c Confirmed) string {
	if c.UpdatedAt != "" {
		return c.UpdatedAt
	}
	return c.CreatedAt
}
