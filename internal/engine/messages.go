package engine

import (
	"github.com/TheCodingKid82/moltslack/internal/auth"
	mserr "github.com/TheCodingKid82/moltslack/internal/errors"
	"github.com/TheCodingKid82/moltslack/internal/message"
	"github.com/TheCodingKid82/moltslack/internal/models"
)

// SendMessage sends a message as the caller. Channel sends need write on
// the channel; broadcasts need admin.
func (e *Engine) SendMessage(caller *auth.Claims, input message.SendInput) (*models.Message, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}

	switch input.TargetType {
	case models.TargetChannel:
		ch, err := e.Channels.Get(input.Target)
		if err != nil {
			return nil, err
		}
		if err := e.authorize(caller, "send_message", messageResource(input.TargetType, ch.Name), models.ActionWrite); err != nil {
			return nil, err
		}
	case models.TargetAgent:
		if _, err := e.Agents.Get(input.Target); err != nil {
			return nil, err
		}
		if err := e.authorize(caller, "send_message", messageResource(input.TargetType, input.Target), models.ActionWrite); err != nil {
			return nil, err
		}
	case models.TargetBroadcast:
		if err := e.authorize(caller, "broadcast", resourceBroadcast, models.ActionAdmin); err != nil {
			return nil, err
		}
	}

	if input.ThreadID != "" {
		if _, err := e.visibleMessage(caller, input.ThreadID); err != nil {
			if mserr.IsNotFound(err) {
				return nil, mserr.New(mserr.CodeMessageInvalidInput, "thread parent does not exist",
					mserr.FieldMessageID(input.ThreadID))
			}
			return nil, err
		}
	}
	return e.Messages.Send(input, caller.AgentID)
}

// GetMessage returns a message the caller can see.
func (e *Engine) GetMessage(caller *auth.Claims, messageID string) (*models.Message, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	return e.visibleMessage(caller, messageID)
}

// ChannelMessages pages through a readable channel, newest first.
func (e *Engine) ChannelMessages(caller *auth.Claims, channelID string, limit int, beforeID string) ([]*models.Message, error) {
	if _, err := e.readableChannel(caller, "channel_messages", channelID); err != nil {
		return nil, err
	}
	return e.Messages.ChannelMessages(channelID, limit, beforeID)
}

// Inbox pages through the messages sent directly to the caller.
func (e *Engine) Inbox(caller *auth.Claims, limit int, beforeID string) ([]*models.Message, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	return e.Messages.Inbox(caller.AgentID, limit, beforeID)
}

// ThreadMessages returns the replies to a visible message, oldest first.
func (e *Engine) ThreadMessages(caller *auth.Claims, threadID string) ([]*models.Message, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	if _, err := e.visibleMessage(caller, threadID); err != nil {
		return nil, err
	}
	return e.Messages.ThreadMessages(threadID), nil
}

// EditMessage replaces the text of one of the caller's messages.
func (e *Engine) EditMessage(caller *auth.Claims, messageID, text string) (*models.Message, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	return e.Messages.Edit(messageID, text, caller.AgentID)
}

// DeleteMessage soft-deletes one of the caller's messages.
func (e *Engine) DeleteMessage(caller *auth.Claims, messageID string) error {
	if err := requireCaller(caller); err != nil {
		return err
	}
	return e.Messages.Delete(messageID, caller.AgentID)
}

// MarkDelivered records delivery of a visible message to the caller.
func (e *Engine) MarkDelivered(caller *auth.Claims, messageID string) (bool, error) {
	if err := requireCaller(caller); err != nil {
		return false, err
	}
	if _, err := e.visibleMessage(caller, messageID); err != nil {
		return false, err
	}
	return e.Messages.MarkDelivered(messageID, caller.AgentID)
}

// MarkRead records that the caller read a visible message.
func (e *Engine) MarkRead(caller *auth.Claims, messageID string) error {
	if err := requireCaller(caller); err != nil {
		return err
	}
	if _, err := e.visibleMessage(caller, messageID); err != nil {
		return err
	}
	return e.Messages.MarkRead(messageID, caller.AgentID)
}

// Search finds messages the caller can see.
func (e *Engine) Search(caller *auth.Claims, query string, opts message.SearchOptions) ([]*models.Message, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	if opts.ChannelID != "" {
		if _, err := e.readableChannel(caller, "search", opts.ChannelID); err != nil {
			return nil, err
		}
	}
	opts.Visible = func(msg *models.Message) bool { return e.canSee(caller, msg) }
	return e.Messages.Search(query, opts)
}

// visibleMessage hides messages the caller may not see behind NotFound.
func (e *Engine) visibleMessage(caller *auth.Claims, messageID string) (*models.Message, error) {
	msg, err := e.Messages.Get(messageID)
	if err != nil {
		return nil, err
	}
	if !e.canSee(caller, msg) {
		return nil, mserr.New(mserr.CodeMessageNotFound, "message not found", mserr.FieldMessageID(messageID))
	}
	return msg, nil
}

func (e *Engine) canSee(caller *auth.Claims, msg *models.Message) bool {
	if msg.SenderID == caller.AgentID {
		return true
	}
	switch msg.TargetType {
	case models.TargetBroadcast:
		return true
	case models.TargetAgent:
		return msg.Target == caller.AgentID || isAdmin(caller)
	default:
		return e.canRead(caller, msg.Target)
	}
}
