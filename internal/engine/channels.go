package engine

import (
	"github.com/TheCodingKid82/moltslack/internal/auth"
	"github.com/TheCodingKid82/moltslack/internal/channel"
	mserr "github.com/TheCodingKid82/moltslack/internal/errors"
	"github.com/TheCodingKid82/moltslack/internal/metrics"
	"github.com/TheCodingKid82/moltslack/internal/models"
)

// CreateChannel creates a channel owned by the caller and joins the
// caller to it. Private and broadcast channels get an agent admin rule
// for the creator ahead of the seeded rules; nobody else gains access.
func (e *Engine) CreateChannel(caller *auth.Claims, input channel.CreateInput) (*models.Channel, error) {
	if err := e.authorize(caller, "create_channel", channelResource(input.Name), models.ActionWrite); err != nil {
		return nil, err
	}
	if input.Type == models.ChannelBroadcast && !isAdmin(caller) {
		return nil, e.denied(caller, "create_channel", channelResource(input.Name))
	}
	ch, err := e.Channels.Create(input, caller.AgentID)
	if err != nil {
		return nil, err
	}
	if ch.Type == models.ChannelPrivate || ch.Type == models.ChannelBroadcast {
		creator := models.AccessRule{Principal: caller.AgentID, PrincipalType: models.PrincipalAgent, Level: models.AccessAdmin}
		if err := e.Channels.InsertAccessRule(ch.ID, 0, creator); err != nil {
			return nil, err
		}
	}
	if err := e.Channels.Join(ch.ID, caller.AgentID); err != nil {
		return nil, err
	}
	return e.Channels.Get(ch.ID)
}

// CreateDirect returns the direct channel between the caller and another
// agent.
func (e *Engine) CreateDirect(caller *auth.Claims, otherAgentID string) (*models.Channel, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	if _, err := e.Agents.Get(otherAgentID); err != nil {
		return nil, err
	}
	return e.Channels.CreateDirect(caller.AgentID, otherAgentID)
}

// ListChannels returns the channels the caller can see.
func (e *Engine) ListChannels(caller *auth.Claims) ([]*models.Channel, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	return e.Channels.Visible(caller.AgentID), nil
}

// GetChannel returns a channel the caller can read or belongs to.
func (e *Engine) GetChannel(caller *auth.Claims, channelID string) (*models.Channel, error) {
	return e.readableChannel(caller, "get_channel", channelID)
}

// UpdateChannel changes a channel the caller manages.
func (e *Engine) UpdateChannel(caller *auth.Claims, channelID string, input channel.UpdateInput) (*models.Channel, error) {
	if _, err := e.managedChannel(caller, "update_channel", channelID); err != nil {
		return nil, err
	}
	return e.Channels.Update(channelID, input)
}

// DeleteChannel removes a channel the caller manages.
func (e *Engine) DeleteChannel(caller *auth.Claims, channelID string) error {
	if _, err := e.managedChannel(caller, "delete_channel", channelID); err != nil {
		return err
	}
	return e.Channels.Delete(channelID)
}

// AddAccessRule inserts a rule at index, appending when index is negative.
func (e *Engine) AddAccessRule(caller *auth.Claims, channelID string, index int, rule models.AccessRule) (*models.Channel, error) {
	if _, err := e.managedChannel(caller, "add_access_rule", channelID); err != nil {
		return nil, err
	}
	if err := e.Channels.InsertAccessRule(channelID, index, rule); err != nil {
		return nil, err
	}
	return e.Channels.Get(channelID)
}

// RemoveAccessRule deletes the rule at index.
func (e *Engine) RemoveAccessRule(caller *auth.Claims, channelID string, index int) (*models.Channel, error) {
	if _, err := e.managedChannel(caller, "remove_access_rule", channelID); err != nil {
		return nil, err
	}
	if err := e.Channels.RemoveAccessRule(channelID, index); err != nil {
		return nil, err
	}
	return e.Channels.Get(channelID)
}

// JoinChannel adds the caller to a channel.
func (e *Engine) JoinChannel(caller *auth.Claims, channelID string) error {
	ch, err := e.channelFor(caller, channelID)
	if err != nil {
		return err
	}
	if err := e.authorize(caller, "join_channel", channelResource(ch.Name), models.ActionRead); err != nil {
		return err
	}
	if err := e.Channels.Join(channelID, caller.AgentID); err != nil {
		if mserr.IsPermissionDenied(err) {
			metrics.PermissionDenials.WithLabelValues("join_channel").Inc()
		}
		return err
	}
	return nil
}

// LeaveChannel removes the caller from a channel.
func (e *Engine) LeaveChannel(caller *auth.Claims, channelID string) error {
	if err := requireCaller(caller); err != nil {
		return err
	}
	return e.Channels.Leave(channelID, caller.AgentID)
}

// ChannelMembers returns the member ids of a readable channel.
func (e *Engine) ChannelMembers(caller *auth.Claims, channelID string) ([]string, error) {
	if _, err := e.readableChannel(caller, "channel_members", channelID); err != nil {
		return nil, err
	}
	return e.Channels.Members(channelID)
}

func (e *Engine) channelFor(caller *auth.Claims, channelID string) (*models.Channel, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	return e.Channels.Get(channelID)
}

func (e *Engine) readableChannel(caller *auth.Claims, op, channelID string) (*models.Channel, error) {
	ch, err := e.channelFor(caller, channelID)
	if err != nil {
		return nil, err
	}
	if err := e.authorize(caller, op, channelResource(ch.Name), models.ActionRead); err != nil {
		return nil, err
	}
	if !e.canRead(caller, ch.ID) {
		metrics.PermissionDenials.WithLabelValues(op).Inc()
		return nil, mserr.New(mserr.CodeChannelAccessDenied, "channel access denied",
			mserr.FieldChannelID(channelID), mserr.FieldAgentID(caller.AgentID))
	}
	return ch, nil
}

func (e *Engine) managedChannel(caller *auth.Claims, op, channelID string) (*models.Channel, error) {
	ch, err := e.channelFor(caller, channelID)
	if err != nil {
		return nil, err
	}
	if e.Channels.CanManage(channelID, caller.AgentID) ||
		auth.CheckPermissions(caller.Permissions, channelResource(ch.Name), models.ActionAdmin) {
		return ch, nil
	}
	return nil, e.denied(caller, op, channelResource(ch.Name))
}

func (e *Engine) canRead(caller *auth.Claims, channelID string) bool {
	return e.Channels.IsMember(channelID, caller.AgentID) ||
		e.Channels.CheckAccess(channelID, caller.AgentID, models.AccessRead) ||
		isAdmin(caller)
}
