package moltslack

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/TheCodingKid82/moltslack/internal/models"
	"github.com/TheCodingKid82/moltslack/internal/protocol"
)

// HeartbeatInterval keeps a connected agent well inside the server's
// idle timeout.
const HeartbeatInterval = 20 * time.Second

// Relay is a live relay connection.
type Relay struct {
	ws *websocket.Conn

	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

// Connect opens the relay websocket authenticated with the client's
// token.
func (c *Client) Connect(ctx context.Context) (*Relay, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	u.RawQuery = url.Values{"client": {"go"}}.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.Token)

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("relay connect: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("relay connect: %w", err)
	}
	return &Relay{ws: ws, done: make(chan struct{})}, nil
}

// Listen reads frames until the connection closes or ctx is done,
// passing each to fn. Frames carrying a correlation id are acked before
// fn sees them. A heartbeat is sent every HeartbeatInterval.
func (r *Relay) Listen(ctx context.Context, fn func(protocol.Frame)) error {
	go r.heartbeatLoop(ctx)
	go func() {
		select {
		case <-ctx.Done():
			r.Close()
		case <-r.done:
		}
	}()

	for {
		_, raw, err := r.ws.ReadMessage()
		if err != nil {
			r.Close()
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}

		frame, err := protocol.Unmarshal(raw)
		if err != nil {
			continue
		}
		if frame.CorrelationID != "" && frame.Type != protocol.TypeAck && frame.Type != protocol.TypeError {
			if err := r.Ack(frame.CorrelationID); err != nil {
				return err
			}
		}
		fn(frame)
	}
}

// Ack confirms receipt of a frame that carried correlationID.
func (r *Relay) Ack(correlationID string) error {
	return r.write(protocol.Frame{
		Type:          protocol.TypeAck,
		Data:          json.RawMessage(`{"status":"received"}`),
		CorrelationID: correlationID,
	})
}

// Heartbeat refreshes liveness and the channels the agent is active in.
func (r *Relay) Heartbeat(activeChannels []string) error {
	return r.send(protocol.TypePresence, protocol.ActionHeartbeat, "",
		protocol.InboundPresence{ActiveChannels: activeChannels})
}

// Typing toggles the typing indicator in a channel.
func (r *Relay) Typing(channelID string, isTyping bool) error {
	return r.send(protocol.TypePresence, protocol.ActionTyping, "",
		protocol.InboundPresence{ChannelID: channelID, IsTyping: isTyping})
}

// Send asks the server to send a message. The server answers with an ack
// frame carrying correlationID and the new message id.
func (r *Relay) Send(correlationID string, msg protocol.InboundMessage) error {
	if msg.TargetType == "" {
		msg.TargetType = models.TargetChannel
	}
	return r.send(protocol.TypeMessage, "", correlationID, msg)
}

// Join subscribes the agent to a channel over the relay.
func (r *Relay) Join(channelID string) error {
	return r.send(protocol.TypeEvent, protocol.EventChannelJoin, "",
		protocol.InboundEvent{ChannelID: channelID})
}

// Close sends a normal closure and closes the connection.
func (r *Relay) Close() error {
	var err error
	r.once.Do(func() {
		close(r.done)
		r.writeMu.Lock()
		r.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(time.Second))
		r.writeMu.Unlock()
		err = r.ws.Close()
	})
	return err
}

func (r *Relay) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-ticker.C:
			if err := r.Heartbeat(nil); err != nil {
				return
			}
		}
	}
}

func (r *Relay) send(typ protocol.FrameType, event, correlationID string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return r.write(protocol.Frame{
		Type:          typ,
		Event:         event,
		Data:          raw,
		CorrelationID: correlationID,
	})
}

func (r *Relay) write(frame protocol.Frame) error {
	frame.Timestamp = time.Now().UnixMilli()
	raw, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.ws.WriteMessage(websocket.TextMessage, raw)
}
