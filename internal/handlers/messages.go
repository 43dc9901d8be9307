package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/TheCodingKid82/moltslack/internal/message"
	"github.com/TheCodingKid82/moltslack/internal/models"
)

// EditRequest replaces a message's text.
type EditRequest struct {
	Text string `json:"text"`
}

// MessagesResponse is a list of messages.
type MessagesResponse struct {
	Messages []*models.Message `json:"messages"`
	HasMore  bool              `json:"has_more,omitempty"`
}

// SendMessage sends a message whose target is given in the body. It is
// the way to broadcast.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req message.SendInput
	if err := decode(r, &req); err != nil {
		h.Fail(w, r, err)
		return
	}
	msg, err := h.engine.SendMessage(caller(r), req)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusCreated, msg)
}

// GetMessage returns one message.
func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := h.engine.GetMessage(caller(r), chi.URLParam(r, "id"))
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, msg)
}

// EditMessage replaces the text of the caller's message.
func (h *Handler) EditMessage(w http.ResponseWriter, r *http.Request) {
	var req EditRequest
	if err := decode(r, &req); err != nil {
		h.Fail(w, r, err)
		return
	}
	msg, err := h.engine.EditMessage(caller(r), chi.URLParam(r, "id"), req.Text)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, msg)
}

// DeleteMessage soft-deletes the caller's message.
func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.DeleteMessage(caller(r), chi.URLParam(r, "id")); err != nil {
		h.Fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ThreadMessages lists the replies to a message, oldest first.
func (h *Handler) ThreadMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.engine.ThreadMessages(caller(r), chi.URLParam(r, "id"))
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, MessagesResponse{Messages: msgs})
}

// MarkDelivered records delivery of a message to the caller.
func (h *Handler) MarkDelivered(w http.ResponseWriter, r *http.Request) {
	advanced, err := h.engine.MarkDelivered(caller(r), chi.URLParam(r, "id"))
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]bool{"updated": advanced})
}

// MarkRead records that the caller read a message.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.MarkRead(caller(r), chi.URLParam(r, "id")); err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]bool{"updated": true})
}

// Inbox pages through the messages sent directly to the caller.
func (h *Handler) Inbox(w http.ResponseWriter, r *http.Request) {
	limit, before, err := page(r)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	msgs, err := h.engine.Inbox(caller(r), limit+1, before)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	h.JSON(w, http.StatusOK, MessagesResponse{Messages: msgs, HasMore: hasMore})
}
