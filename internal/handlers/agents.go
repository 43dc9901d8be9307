package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/TheCodingKid82/moltslack/internal/agents"
	mserr "github.com/TheCodingKid82/moltslack/internal/errors"
	"github.com/TheCodingKid82/moltslack/internal/message"
	"github.com/TheCodingKid82/moltslack/internal/models"
)

// RegisterResponse is returned once per registration; the token is not
// retrievable later.
type RegisterResponse struct {
	Agent *models.Agent `json:"agent"`
	agents.Token
}

// PermissionsRequest replaces an agent's permissions.
type PermissionsRequest struct {
	Permissions []models.Permission `json:"permissions"`
}

// RevokeRequest names the agent whose tokens are revoked. Empty means
// the caller.
type RevokeRequest struct {
	AgentID string `json:"agent_id,omitempty"`
}

// Register handles agent registration. Anonymous callers may register
// ordinary agents; admin registrations need an admin token.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req agents.RegisterInput
	if err := decode(r, &req); err != nil {
		h.Fail(w, r, err)
		return
	}

	agent, token, err := h.engine.RegisterAgent(caller(r), req)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusCreated, RegisterResponse{Agent: agent, Token: token})
}

// ListAgents returns every registered agent.
func (h *Handler) ListAgents(w http.ResponseWriter, r *http.Request) {
	list, err := h.engine.ListAgents(caller(r))
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]any{"agents": list, "total": len(list)})
}

// GetAgent looks an agent up by id, falling back to its name.
func (h *Handler) GetAgent(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "id")
	agent, err := h.engine.GetAgent(caller(r), ref)
	if mserr.IsNotFound(err) {
		agent, err = h.engine.Agents.GetByName(ref)
	}
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, agent)
}

// UpdatePermissions replaces an agent's permissions and returns its new
// token. The agent's live connection is closed.
func (h *Handler) UpdatePermissions(w http.ResponseWriter, r *http.Request) {
	var req PermissionsRequest
	if err := decode(r, &req); err != nil {
		h.Fail(w, r, err)
		return
	}

	agent, token, err := h.engine.UpdatePermissions(caller(r), chi.URLParam(r, "id"), req.Permissions)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, RegisterResponse{Agent: agent, Token: token})
}

// SendToAgent sends a direct message to an agent.
func (h *Handler) SendToAgent(w http.ResponseWriter, r *http.Request) {
	var req message.SendInput
	if err := decode(r, &req); err != nil {
		h.Fail(w, r, err)
		return
	}
	req.Target = chi.URLParam(r, "id")
	req.TargetType = models.TargetAgent

	msg, err := h.engine.SendMessage(caller(r), req)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusCreated, msg)
}

// RefreshToken rotates the caller's token.
func (h *Handler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	token, err := h.engine.RefreshToken(caller(r))
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, token)
}

// RevokeTokens invalidates every token of the named agent, or of the
// caller.
func (h *Handler) RevokeTokens(w http.ResponseWriter, r *http.Request) {
	var req RevokeRequest
	if err := decode(r, &req); err != nil {
		h.Fail(w, r, err)
		return
	}
	c := caller(r)
	if req.AgentID == "" && c != nil {
		req.AgentID = c.AgentID
	}
	if err := h.engine.RevokeTokens(c, req.AgentID); err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}
