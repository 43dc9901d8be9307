package engine

import (
	"github.com/TheCodingKid82/moltslack/internal/auth"
	mserr "github.com/TheCodingKid82/moltslack/internal/errors"
	"github.com/TheCodingKid82/moltslack/internal/message"
	"github.com/TheCodingKid82/moltslack/internal/models"
	"github.com/TheCodingKid82/moltslack/internal/protocol"
)

// Connected marks the agent online and subscribes it to its channels.
func (e *Engine) Connected(claims *auth.Claims, info models.ConnectionInfo) {
	e.mu.Lock()
	e.sessions[claims.AgentID] = claims
	e.mu.Unlock()

	e.Presence.Connect(claims.AgentID, info)
	for _, channelID := range e.Channels.ChannelsOf(claims.AgentID) {
		e.Hub.SubscribeToChannel(channelID, claims.AgentID)
	}
}

// Disconnected marks the agent offline.
func (e *Engine) Disconnected(agentID, reason string) {
	e.dropSession(agentID)
	e.Presence.Disconnect(agentID, reason)
}

// HandleMessage sends a message frame on behalf of a connected agent.
func (e *Engine) HandleMessage(agentID string, msg *protocol.InboundMessage, correlationID string) (*models.Message, error) {
	return e.SendMessage(e.session(agentID), message.SendInput{
		Target:        msg.Target,
		TargetType:    msg.TargetType,
		Type:          msg.Type,
		Text:          msg.Text,
		Data:          msg.Data,
		Attachments:   msg.Attachments,
		ThreadID:      msg.ThreadID,
		CorrelationID: correlationID,
	})
}

// HandlePresence applies a presence frame.
func (e *Engine) HandlePresence(agentID string, p *protocol.InboundPresence) error {
	caller := e.session(agentID)
	switch p.Action {
	case protocol.ActionHeartbeat:
		return e.Heartbeat(caller, p.ActiveChannels)
	case protocol.ActionStatus:
		return e.SetStatus(caller, p.Status, p.StatusMessage)
	case protocol.ActionTyping:
		return e.SetTyping(caller, p.ChannelID, p.IsTyping)
	case protocol.ActionActivityStart:
		return e.StartActivity(caller, models.Activity{
			Type:        p.ActivityType,
			Description: p.Description,
			ChannelID:   p.ChannelID,
		})
	case protocol.ActionActivityEnd:
		return e.EndActivity(caller)
	default:
		return mserr.New(mserr.CodeRelayFrameUnknownType, "unknown presence action", mserr.Field("action", p.Action))
	}
}

// HandleEvent applies a client event frame.
func (e *Engine) HandleEvent(agentID string, ev *protocol.InboundEvent) error {
	caller := e.session(agentID)
	switch ev.Name {
	case protocol.EventChannelJoin:
		return e.JoinChannel(caller, ev.ChannelID)
	case protocol.EventChannelLeave:
		return e.LeaveChannel(caller, ev.ChannelID)
	case protocol.EventMessageDelivered:
		_, err := e.MarkDelivered(caller, ev.MessageID)
		return err
	case protocol.EventMessageRead:
		return e.MarkRead(caller, ev.MessageID)
	default:
		return mserr.New(mserr.CodeRelayFrameUnknownType, "unknown event", mserr.Field("event", ev.Name))
	}
}

// kick closes the agent's live connection and marks it offline.
func (e *Engine) kick(agentID, reason string) {
	e.dropSession(agentID)
	e.Hub.CloseAgent(agentID, reason)
	e.Presence.Disconnect(agentID, reason)
}

func (e *Engine) dropSession(agentID string) {
	e.mu.Lock()
	delete(e.sessions, agentID)
	e.mu.Unlock()
}

// presenceRelay is the tracker's view of the hub. Connections the tracker
// closes for missed heartbeats never reach Disconnected, so the session
// is dropped here.
type presenceRelay struct{ e *Engine }

func (r presenceRelay) Broadcast(payload protocol.Payload) int {
	return r.e.Hub.Broadcast(payload)
}

func (r presenceRelay) CloseAgent(agentID, reason string) {
	r.e.dropSession(agentID)
	r.e.Hub.CloseAgent(agentID, reason)
}
