package models

import (
	"time"
)

// MessageType classifies message content.
type MessageType string

const (
	MessageText        MessageType = "text"
	MessageSystem      MessageType = "system"
	MessageCommand     MessageType = "command"
	MessageEvent       MessageType = "event"
	MessageFile        MessageType = "file"
	MessageReaction    MessageType = "reaction"
	MessageThreadReply MessageType = "thread_reply"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageSystem, MessageCommand, MessageEvent,
		MessageFile, MessageReaction, MessageThreadReply:
		return true
	}
	return false
}

// TargetType selects how a message is addressed.
type TargetType string

const (
	TargetChannel   TargetType = "channel"
	TargetAgent     TargetType = "agent"
	TargetBroadcast TargetType = "broadcast"
)

// BroadcastTarget is the target marker for broadcast messages.
const BroadcastTarget = "*"

// DeliveryStatus tracks how far a message has travelled.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusFailed    DeliveryStatus = "failed"
)

// MentionType distinguishes @agent mentions from @all / @here.
type MentionType string

const (
	MentionAgent MentionType = "agent"
	MentionAll   MentionType = "all"
)

// Mention is a detected @name reference. Offset and Length count
// characters, not bytes. TargetID is left for the caller to resolve.
type Mention struct {
	Type     MentionType `json:"type"`
	Name     string      `json:"name"`
	TargetID string      `json:"target_id,omitempty"`
	Offset   int         `json:"offset"`
	Length   int         `json:"length"`
}

// Attachment references content stored outside the message.
type Attachment struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
	URL      string `json:"url,omitempty"`
}

// Content is the signed body of a message.
type Content struct {
	Text        string         `json:"text"`
	Data        map[string]any `json:"data,omitempty"`
	Mentions    []Mention      `json:"mentions,omitempty"`
	Attachments []Attachment   `json:"attachments,omitempty"`
}

// Message represents a signed message addressed to a channel, an agent
// or every connected agent.
type Message struct {
	ID             string         `json:"id"` // ULID
	ProjectID      string         `json:"project_id,omitempty"`
	Target         string         `json:"target"`
	TargetType     TargetType     `json:"target_type"`
	SenderID       string         `json:"sender_id"`
	Type           MessageType    `json:"type"`
	Content        Content        `json:"content"`
	ThreadID       string         `json:"thread_id,omitempty"`
	CorrelationID  string         `json:"correlation_id,omitempty"`
	Signature      string         `json:"signature"`
	DeliveryStatus DeliveryStatus `json:"delivery_status"`
	SentAt         time.Time      `json:"sent_at"`
	EditedAt       *time.Time     `json:"edited_at,omitempty"`
	DeletedAt      *time.Time     `json:"deleted_at,omitempty"`
}

// Deleted reports whether the message has been soft-deleted.
func (m *Message) Deleted() bool {
	return m.DeletedAt != nil
}

// Clone returns a deep copy of the message. Structured data is copied
// one level deep.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	out.Content.Mentions = append([]Mention(nil), m.Content.Mentions...)
	out.Content.Attachments = append([]Attachment(nil), m.Content.Attachments...)
	if m.Content.Data != nil {
		out.Content.Data = make(map[string]any, len(m.Content.Data))
		for k, v := range m.Content.Data {
			out.Content.Data[k] = v
		}
	}
	if m.EditedAt != nil {
		edited := *m.EditedAt
		out.EditedAt = &edited
	}
	if m.DeletedAt != nil {
		deleted := *m.DeletedAt
		out.DeletedAt = &deleted
	}
	return &out
}
