package protocol

import (
	"time"

	"github.com/TheCodingKid82/moltslack/internal/models"
)

// Event names carried in frame.event.
const (
	EventMessageCreated = "message.created"
	EventMessageUpdated = "message.updated"
	EventMessageDeleted = "message.deleted"
	EventMessageReceipt = "message.receipt"

	EventPresenceChanged  = "presence.changed"
	EventPresenceTyping   = "presence.typing"
	EventPresenceActivity = "presence.activity"

	EventChannelCreated      = "channel.created"
	EventChannelUpdated      = "channel.updated"
	EventChannelDeleted      = "channel.deleted"
	EventChannelMemberJoined = "channel.member_joined"
	EventChannelMemberLeft   = "channel.member_left"
)

// Payload is an outbound frame body. The set of implementations is fixed
// to this package.
type Payload interface {
	frameType() FrameType
	eventName() string
}

// MessageCreated announces a newly sent message.
type MessageCreated struct {
	Message *models.Message `json:"message"`
}

// MessageUpdated announces an edited message.
type MessageUpdated struct {
	Message *models.Message `json:"message"`
}

// MessageDeleted announces a soft-deleted message.
type MessageDeleted struct {
	MessageID string    `json:"messageId"`
	Target    string    `json:"target"`
	DeletedAt time.Time `json:"deletedAt"`
}

// MessageReceipt tells a sender how far its message has travelled.
type MessageReceipt struct {
	MessageID string                `json:"messageId"`
	AgentID   string                `json:"agentId"`
	Status    models.DeliveryStatus `json:"status"`
}

// PresenceChanged announces a status transition.
type PresenceChanged struct {
	AgentID        string                `json:"agentId"`
	Status         models.PresenceStatus `json:"status"`
	PreviousStatus models.PresenceStatus `json:"previousStatus,omitempty"`
	StatusMessage  string                `json:"statusMessage,omitempty"`
	Reason         string                `json:"reason,omitempty"`
}

// TypingChanged announces the start or end of typing in a channel.
type TypingChanged struct {
	AgentID   string `json:"agentId"`
	ChannelID string `json:"channelId"`
	IsTyping  bool   `json:"isTyping"`
}

// ActivityChanged announces a started or ended activity. Activity is nil
// when the activity ended.
type ActivityChanged struct {
	AgentID  string           `json:"agentId"`
	Activity *models.Activity `json:"activity"`
}

// ChannelEvent announces a channel lifecycle or membership change.
type ChannelEvent struct {
	Name      string          `json:"-"`
	ChannelID string          `json:"channelId"`
	AgentID   string          `json:"agentId,omitempty"`
	Channel   *models.Channel `json:"channel,omitempty"`
}

// Ack confirms an inbound frame. It is also what clients send back to
// confirm delivery of a frame that carried a correlation id.
type Ack struct {
	MessageID string `json:"messageId,omitempty"`
	Status    string `json:"status"`
}

// Error answers an inbound frame that could not be handled.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (MessageCreated) frameType() FrameType  { return TypeMessage }
func (MessageUpdated) frameType() FrameType  { return TypeMessage }
func (MessageDeleted) frameType() FrameType  { return TypeMessage }
func (MessageReceipt) frameType() FrameType  { return TypeEvent }
func (PresenceChanged) frameType() FrameType { return TypePresence }
func (TypingChanged) frameType() FrameType   { return TypePresence }
func (ActivityChanged) frameType() FrameType { return TypePresence }
func (ChannelEvent) frameType() FrameType    { return TypeEvent }
func (Ack) frameType() FrameType             { return TypeAck }
func (Error) frameType() FrameType           { return TypeError }

func (MessageCreated) eventName() string  { return EventMessageCreated }
func (MessageUpdated) eventName() string  { return EventMessageUpdated }
func (MessageDeleted) eventName() string  { return EventMessageDeleted }
func (MessageReceipt) eventName() string  { return EventMessageReceipt }
func (PresenceChanged) eventName() string { return EventPresenceChanged }
func (TypingChanged) eventName() string   { return EventPresenceTyping }
func (ActivityChanged) eventName() string { return EventPresenceActivity }
func (e ChannelEvent) eventName() string  { return e.Name }
func (Ack) eventName() string             { return "" }
func (Error) eventName() string           { return "" }
