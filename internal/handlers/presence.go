package handlers

import (
	"net/http"

	"github.com/TheCodingKid82/moltslack/internal/models"
)

// HeartbeatRequest refreshes liveness and the channels the caller is
// active in.
type HeartbeatRequest struct {
	ActiveChannels []string `json:"active_channels,omitempty"`
}

// StatusRequest changes the caller's announced status.
type StatusRequest struct {
	Status        models.PresenceStatus `json:"status"`
	StatusMessage string                `json:"status_message,omitempty"`
}

// TypingRequest toggles the caller's typing indicator.
type TypingRequest struct {
	ChannelID string `json:"channel_id"`
	IsTyping  bool   `json:"is_typing"`
}

// ListPresence returns presence records, optionally only those active in
// the channel query parameter.
func (h *Handler) ListPresence(w http.ResponseWriter, r *http.Request) {
	list, err := h.engine.ListPresence(caller(r), r.URL.Query().Get("channel"))
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]any{"presence": list, "total": len(list)})
}

// Heartbeat refreshes the caller's liveness. The caller must hold a live
// relay connection.
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if err := decode(r, &req); err != nil {
		h.Fail(w, r, err)
		return
	}
	if err := h.engine.Heartbeat(caller(r), req.ActiveChannels); err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// UpdateStatus changes the caller's status.
func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if err := decode(r, &req); err != nil {
		h.Fail(w, r, err)
		return
	}
	c := caller(r)
	if err := h.engine.SetStatus(c, req.Status, req.StatusMessage); err != nil {
		h.Fail(w, r, err)
		return
	}
	h.currentPresence(w, r)
}

// SetTyping toggles the caller's typing indicator.
func (h *Handler) SetTyping(w http.ResponseWriter, r *http.Request) {
	var req TypingRequest
	if err := decode(r, &req); err != nil {
		h.Fail(w, r, err)
		return
	}
	if err := h.engine.SetTyping(caller(r), req.ChannelID, req.IsTyping); err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// StartActivity records what the caller is working on.
func (h *Handler) StartActivity(w http.ResponseWriter, r *http.Request) {
	var req models.Activity
	if err := decode(r, &req); err != nil {
		h.Fail(w, r, err)
		return
	}
	if err := h.engine.StartActivity(caller(r), req); err != nil {
		h.Fail(w, r, err)
		return
	}
	h.currentPresence(w, r)
}

// EndActivity clears the caller's activity.
func (h *Handler) EndActivity(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.EndActivity(caller(r)); err != nil {
		h.Fail(w, r, err)
		return
	}
	h.currentPresence(w, r)
}

func (h *Handler) currentPresence(w http.ResponseWriter, r *http.Request) {
	p, ok := h.engine.Presence.Get(caller(r).AgentID)
	if !ok {
		h.JSON(w, http.StatusOK, map[string]string{"status": string(models.PresenceOffline)})
		return
	}
	h.JSON(w, http.StatusOK, p)
}
