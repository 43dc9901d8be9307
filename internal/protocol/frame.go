// Package protocol defines the relay wire envelope and the fixed set of
// payloads carried inside it.
//
// Every frame on the wire is a JSON object
//
//	{"type": "...", "event": "...", "data": ..., "timestamp": 0, "correlationId": "..."}
//
// Outbound payloads implement Payload and are turned into frames with
// Encode. Inbound frames are parsed with Decode into one of the Inbound
// variants.
package protocol

import (
	"bytes"
	"encoding/json"
	"time"

	mserr "github.com/TheCodingKid82/moltslack/internal/errors"
)

// FrameType is the declared type of a frame.
type FrameType string

const (
	TypeEvent    FrameType = "event"
	TypeMessage  FrameType = "message"
	TypePresence FrameType = "presence"
	TypeAck      FrameType = "ack"
	TypeError    FrameType = "error"
)

// Frame is the envelope of every relay message.
type Frame struct {
	Type          FrameType       `json:"type"`
	Event         string          `json:"event,omitempty"`
	Data          json.RawMessage `json:"data"`
	Timestamp     int64           `json:"timestamp"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

// Encode wraps p into a frame stamped with now.
func Encode(p Payload, correlationID string, now time.Time) (Frame, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return Frame{}, mserr.Wrap(err, mserr.CodeInternalFailure, "encoding payload")
	}
	return Frame{
		Type:          p.frameType(),
		Event:         p.eventName(),
		Data:          data,
		Timestamp:     now.UnixMilli(),
		CorrelationID: correlationID,
	}, nil
}

// Marshal encodes p and returns the frame's JSON bytes.
func Marshal(p Payload, correlationID string, now time.Time) ([]byte, error) {
	frame, err := Encode(p, correlationID, now)
	if err != nil {
		return nil, err
	}
	return json.Marshal(frame)
}

// Unmarshal parses raw into a frame. Malformed JSON, a missing type or
// timestamp, or a type outside the known set is rejected.
func Unmarshal(raw []byte) (Frame, error) {
	var wire struct {
		Frame
		Timestamp *int64 `json:"timestamp"`
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&wire); err != nil {
		return Frame{}, mserr.Wrap(err, mserr.CodeRelayFrameInvalidFormat, "frame is not a valid envelope")
	}
	if dec.More() {
		return Frame{}, mserr.New(mserr.CodeRelayFrameInvalidFormat, "trailing data after frame")
	}
	frame := wire.Frame

	switch frame.Type {
	case "":
		return Frame{}, mserr.New(mserr.CodeRelayFrameInvalidFormat, "frame type is required")
	case TypeEvent, TypeMessage, TypePresence, TypeAck, TypeError:
		if wire.Timestamp == nil {
			return frame, mserr.New(mserr.CodeRelayFrameInvalidFormat, "frame timestamp is required")
		}
		frame.Timestamp = *wire.Timestamp
		return frame, nil
	default:
		return frame, mserr.New(mserr.CodeRelayFrameUnknownType, "unknown frame type",
			mserr.Field("type", string(frame.Type)))
	}
}
