package domain

import "messaging/pkg/chatwire"

// Record renders the canonical wire form of m.
func (m *Message) Record() chatwire.MessageRecord {
	return chatwire.MessageRecord{
		ID:        m.ID.String(),
		ChatID:    m.ChatID.String(),
		SenderID:  m.SenderID.String(),
		Body:      m.Body,
		Status:    m.Status,
		Tag:       m.Tag,
		CreatedAt: chatwire.FormatTime(m.CreatedAt),
		UpdatedAt: chatwire.FormatTime(m.UpdatedAt),
	}
}
