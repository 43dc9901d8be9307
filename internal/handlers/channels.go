package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/TheCodingKid82/moltslack/internal/channel"
	mserr "github.com/TheCodingKid82/moltslack/internal/errors"
	"github.com/TheCodingKid82/moltslack/internal/message"
	"github.com/TheCodingKid82/moltslack/internal/models"
)

// DirectRequest names the other side of a direct channel.
type DirectRequest struct {
	AgentID string `json:"agent_id"`
}

// AccessRuleRequest adds a rule at Index, or appends it when Index is
// omitted.
type AccessRuleRequest struct {
	models.AccessRule
	Index *int `json:"index,omitempty"`
}

// ChannelMessagesResponse is one page of a channel's history, newest first.
type ChannelMessagesResponse struct {
	Channel  *models.Channel   `json:"channel"`
	Messages []*models.Message `json:"messages"`
	HasMore  bool              `json:"has_more"`
}

// ListChannels returns the channels the caller can see.
func (h *Handler) ListChannels(w http.ResponseWriter, r *http.Request) {
	list, err := h.engine.ListChannels(caller(r))
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]any{"channels": list, "total": len(list)})
}

// CreateChannel creates a channel owned by the caller.
func (h *Handler) CreateChannel(w http.ResponseWriter, r *http.Request) {
	var req channel.CreateInput
	if err := decode(r, &req); err != nil {
		h.Fail(w, r, err)
		return
	}
	ch, err := h.engine.CreateChannel(caller(r), req)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusCreated, ch)
}

// CreateDirect returns the direct channel between the caller and another
// agent, creating it on first use.
func (h *Handler) CreateDirect(w http.ResponseWriter, r *http.Request) {
	var req DirectRequest
	if err := decode(r, &req); err != nil {
		h.Fail(w, r, err)
		return
	}
	ch, err := h.engine.CreateDirect(caller(r), req.AgentID)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, ch)
}

// GetChannel returns one channel.
func (h *Handler) GetChannel(w http.ResponseWriter, r *http.Request) {
	ch, err := h.engine.GetChannel(caller(r), channelRef(h, r))
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, ch)
}

// UpdateChannel changes the fields present in the body.
func (h *Handler) UpdateChannel(w http.ResponseWriter, r *http.Request) {
	var req channel.UpdateInput
	if err := decode(r, &req); err != nil {
		h.Fail(w, r, err)
		return
	}
	ch, err := h.engine.UpdateChannel(caller(r), channelRef(h, r), req)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, ch)
}

// DeleteChannel removes a channel.
func (h *Handler) DeleteChannel(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.DeleteChannel(caller(r), channelRef(h, r)); err != nil {
		h.Fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// JoinChannel adds the caller to a channel.
func (h *Handler) JoinChannel(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.JoinChannel(caller(r), channelRef(h, r)); err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]string{"status": "joined"})
}

// LeaveChannel removes the caller from a channel.
func (h *Handler) LeaveChannel(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.LeaveChannel(caller(r), channelRef(h, r)); err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]string{"status": "left"})
}

// AddAccessRule adds an access rule to a channel.
func (h *Handler) AddAccessRule(w http.ResponseWriter, r *http.Request) {
	var req AccessRuleRequest
	if err := decode(r, &req); err != nil {
		h.Fail(w, r, err)
		return
	}
	index := -1
	if req.Index != nil {
		index = *req.Index
	}
	ch, err := h.engine.AddAccessRule(caller(r), channelRef(h, r), index, req.AccessRule)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, ch)
}

// RemoveAccessRule deletes the rule at the index in the path.
func (h *Handler) RemoveAccessRule(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		h.Fail(w, r, mserr.New(mserr.CodeRequestInvalidInput, "rule index must be an integer"))
		return
	}
	ch, err := h.engine.RemoveAccessRule(caller(r), channelRef(h, r), index)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, ch)
}

// ChannelMembers lists the member ids of a channel.
func (h *Handler) ChannelMembers(w http.ResponseWriter, r *http.Request) {
	members, err := h.engine.ChannelMembers(caller(r), channelRef(h, r))
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]any{"members": members, "total": len(members)})
}

// PostChannelMessage sends a message to a channel.
func (h *Handler) PostChannelMessage(w http.ResponseWriter, r *http.Request) {
	var req message.SendInput
	if err := decode(r, &req); err != nil {
		h.Fail(w, r, err)
		return
	}
	req.Target = channelRef(h, r)
	req.TargetType = models.TargetChannel

	msg, err := h.engine.SendMessage(caller(r), req)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusCreated, msg)
}

// GetChannelMessages pages through a channel's history. Pass the oldest
// id of a page as before to fetch the next one.
func (h *Handler) GetChannelMessages(w http.ResponseWriter, r *http.Request) {
	limit, before, err := page(r)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	c := caller(r)
	ch, err := h.engine.GetChannel(c, channelRef(h, r))
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	// Fetch one extra to report whether more pages exist.
	msgs, err := h.engine.ChannelMessages(c, ch.ID, limit+1, before)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	h.JSON(w, http.StatusOK, ChannelMessagesResponse{Channel: ch, Messages: msgs, HasMore: hasMore})
}

// channelRef reads the channel id path parameter. A value that is not a
// known id but names a channel is resolved to that channel's id.
func channelRef(h *Handler, r *http.Request) string {
	ref := chi.URLParam(r, "id")
	if _, err := h.engine.Channels.Get(ref); err == nil {
		return ref
	}
	if ch, err := h.engine.Channels.GetByName(ref); err == nil {
		return ch.ID
	}
	return ref
}
