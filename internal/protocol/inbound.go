package protocol

import (
	"encoding/json"

	mserr "github.com/TheCodingKid82/moltslack/internal/errors"
	"github.com/TheCodingKid82/moltslack/internal/models"
)

// Presence actions carried in frame.event of inbound presence frames.
const (
	ActionHeartbeat     = "heartbeat"
	ActionStatus        = "status"
	ActionTyping        = "typing"
	ActionActivityStart = "activity_start"
	ActionActivityEnd   = "activity_end"
)

// Inbound event names accepted from clients.
const (
	EventChannelJoin      = "channel.join"
	EventChannelLeave     = "channel.leave"
	EventMessageDelivered = "message.delivered"
	EventMessageRead      = "message.read"
)

// Inbound is a parsed client frame. Implementations are InboundMessage,
// InboundPresence, InboundEvent and InboundAck.
type Inbound interface {
	inbound()
}

// InboundMessage asks the server to send a message.
type InboundMessage struct {
	Target      string              `json:"target"`
	TargetType  models.TargetType   `json:"targetType"`
	Type        models.MessageType  `json:"type,omitempty"`
	Text        string              `json:"text"`
	Data        map[string]any      `json:"data,omitempty"`
	ThreadID    string              `json:"threadId,omitempty"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
}

// InboundPresence updates the sender's presence. Action is taken from
// the frame's event name.
type InboundPresence struct {
	Action         string                `json:"-"`
	Status         models.PresenceStatus `json:"status,omitempty"`
	StatusMessage  string                `json:"statusMessage,omitempty"`
	ActiveChannels []string              `json:"activeChannels,omitempty"`
	ChannelID      string                `json:"channelId,omitempty"`
	IsTyping       bool                  `json:"isTyping,omitempty"`
	ActivityType   string                `json:"activityType,omitempty"`
	Description    string                `json:"description,omitempty"`
}

// InboundEvent is a named client event such as channel.join.
type InboundEvent struct {
	Name      string `json:"-"`
	ChannelID string `json:"channelId,omitempty"`
	MessageID string `json:"messageId,omitempty"`
}

// InboundAck confirms a frame previously sent with CorrelationID.
type InboundAck struct {
	CorrelationID string `json:"-"`
	Status        string `json:"status,omitempty"`
}

func (*InboundMessage) inbound()  {}
func (*InboundPresence) inbound() {}
func (*InboundEvent) inbound()    {}
func (*InboundAck) inbound()      {}

// Decode turns a validated frame into its inbound variant. Error frames
// are never accepted from clients.
func Decode(frame Frame) (Inbound, error) {
	switch frame.Type {
	case TypeMessage:
		var msg InboundMessage
		if err := decodeData(frame, &msg); err != nil {
			return nil, err
		}
		return &msg, nil

	case TypePresence:
		if frame.Event == "" {
			return nil, mserr.New(mserr.CodeRelayFrameInvalidFormat, "presence frame requires an event")
		}
		presence := InboundPresence{Action: frame.Event}
		if err := decodeData(frame, &presence); err != nil {
			return nil, err
		}
		return &presence, nil

	case TypeEvent:
		if frame.Event == "" {
			return nil, mserr.New(mserr.CodeRelayFrameInvalidFormat, "event frame requires an event")
		}
		event := InboundEvent{Name: frame.Event}
		if err := decodeData(frame, &event); err != nil {
			return nil, err
		}
		return &event, nil

	case TypeAck:
		if frame.CorrelationID == "" {
			return nil, mserr.New(mserr.CodeRelayFrameInvalidFormat, "ack frame requires a correlationId")
		}
		ack := InboundAck{CorrelationID: frame.CorrelationID}
		if err := decodeData(frame, &ack); err != nil {
			return nil, err
		}
		return &ack, nil

	default:
		return nil, mserr.New(mserr.CodeRelayFrameUnknownType, "frame type not accepted from clients",
			mserr.Field("type", string(frame.Type)))
	}
}

// decodeData unmarshals frame.Data into v. An absent or null body leaves
// v at its zero value.
func decodeData(frame Frame, v any) error {
	if len(frame.Data) == 0 || string(frame.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(frame.Data, v); err != nil {
		return mserr.Wrap(err, mserr.CodeRelayFrameInvalidFormat, "frame data does not match its type",
			mserr.Field("type", string(frame.Type)))
	}
	return nil
}
