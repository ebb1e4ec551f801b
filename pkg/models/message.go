// Package models contains the shared domain types: messages, roles, agents,
// conversation turns, and compute status.
package models

import "time"

// MaxQuickReplies caps the suggested-reply buttons attached to a message
// addressed to the user. Extra entries are dropped with a warning, never an error.
const MaxQuickReplies = 10

// AttachmentType discriminates message attachments.
type AttachmentType string

const (
	AttachmentImage AttachmentType = "image"
	AttachmentFile  AttachmentType = "file"
)

// Attachment references an artifact carried by a message.
type Attachment struct {
	Type AttachmentType `json:"type"`
	Ref  string         `json:"ref"`            // artifact id
	Name string         `json:"name,omitempty"` // display name
	Mime string         `json:"mime,omitempty"`
}

// Message is the unit of communication between agents. Messages are owned by
// the bus from Send until a handler (or the user gateway) consumes them.
type Message struct {
	ID           string       `json:"id"`
	From         string       `json:"from"`
	To           string       `json:"to"`
	Content      string       `json:"content"`
	TaskID       string       `json:"taskId,omitempty"` // optional correlation id, echoed in error envelopes
	Attachments  []Attachment `json:"attachments,omitempty"`
	QuickReplies []string     `json:"quickReplies,omitempty"` // only meaningful when To == user
	DeliverAt    *time.Time   `json:"deliverAt,omitempty"`    // nil or past = immediate
	CreatedAt    time.Time    `json:"createdAt"`
}

// Delayed reports whether the message still has a future delivery deadline.
func (m *Message) Delayed(now time.Time) bool {
	return m.DeliverAt != nil && m.DeliverAt.After(now)
}

// SanitizeQuickReplies trims the quick-reply list to the allowed shape:
// at most MaxQuickReplies non-empty strings. Returns the number dropped.
func (m *Message) SanitizeQuickReplies() int {
	if len(m.QuickReplies) == 0 {
		return 0
	}
	kept := m.QuickReplies[:0]
	dropped := 0
	for _, qr := range m.QuickReplies {
		if qr == "" || len(kept) == MaxQuickReplies {
			dropped++
			continue
		}
		kept = append(kept, qr)
	}
	m.QuickReplies = kept
	return dropped
}
