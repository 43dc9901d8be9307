package engine

import (
	"github.com/TheCodingKid82/moltslack/internal/auth"
	mserr "github.com/TheCodingKid82/moltslack/internal/errors"
	"github.com/TheCodingKid82/moltslack/internal/models"
)

// ListPresence returns every presence record, or only those active in
// channelID when it is set.
func (e *Engine) ListPresence(caller *auth.Claims, channelID string) ([]*models.Presence, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	if channelID == "" {
		return e.Presence.List(), nil
	}
	if _, err := e.readableChannel(caller, "list_presence", channelID); err != nil {
		return nil, err
	}
	return e.Presence.InChannel(channelID), nil
}

// Heartbeat refreshes the caller's liveness.
func (e *Engine) Heartbeat(caller *auth.Claims, activeChannels []string) error {
	if err := e.authorizePresence(caller); err != nil {
		return err
	}
	if !e.Presence.Heartbeat(caller.AgentID, activeChannels) {
		return notConnected(caller.AgentID)
	}
	return nil
}

// SetStatus changes the caller's announced status.
func (e *Engine) SetStatus(caller *auth.Claims, status models.PresenceStatus, statusMessage string) error {
	if err := e.authorizePresence(caller); err != nil {
		return err
	}
	ok, err := e.Presence.SetStatus(caller.AgentID, status, statusMessage)
	if err != nil {
		return err
	}
	if !ok {
		return notConnected(caller.AgentID)
	}
	return nil
}

// SetTyping toggles the caller's typing indicator in a readable channel.
func (e *Engine) SetTyping(caller *auth.Claims, channelID string, isTyping bool) error {
	if err := e.authorizePresence(caller); err != nil {
		return err
	}
	if channelID == "" {
		return mserr.New(mserr.CodeRequestInvalidInput, "typing needs a channel id")
	}
	if _, err := e.readableChannel(caller, "set_typing", channelID); err != nil {
		return err
	}
	if !e.Presence.SetTyping(caller.AgentID, channelID, isTyping) {
		return notConnected(caller.AgentID)
	}
	return nil
}

// StartActivity records what the caller is working on.
func (e *Engine) StartActivity(caller *auth.Claims, activity models.Activity) error {
	if err := e.authorizePresence(caller); err != nil {
		return err
	}
	if activity.Type == "" {
		return mserr.New(mserr.CodeRequestInvalidInput, "activity type is required")
	}
	if !e.Presence.StartActivity(caller.AgentID, activity) {
		return notConnected(caller.AgentID)
	}
	return nil
}

// EndActivity clears the caller's activity.
func (e *Engine) EndActivity(caller *auth.Claims) error {
	if err := e.authorizePresence(caller); err != nil {
		return err
	}
	if !e.Presence.EndActivity(caller.AgentID) {
		return notConnected(caller.AgentID)
	}
	return nil
}

func (e *Engine) authorizePresence(caller *auth.Claims) error {
	if err := requireCaller(caller); err != nil {
		return err
	}
	return e.authorize(caller, "update_presence", resourcePresence+caller.AgentID, models.ActionWrite)
}

func notConnected(agentID string) error {
	return mserr.New(mserr.CodeRelayNotConnected, "agent has no live connection", mserr.FieldAgentID(agentID))
}
