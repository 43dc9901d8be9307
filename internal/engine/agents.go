package engine

import (
	"github.com/TheCodingKid82/moltslack/internal/agents"
	"github.com/TheCodingKid82/moltslack/internal/auth"
	"github.com/TheCodingKid82/moltslack/internal/channel"
	"github.com/TheCodingKid82/moltslack/internal/models"
)

// RegisterAgent creates an agent and joins it to the general channel.
// caller may be nil; admin registrations need an admin caller.
func (e *Engine) RegisterAgent(caller *auth.Claims, input agents.RegisterInput) (*models.Agent, agents.Token, error) {
	agent, token, err := e.Agents.Register(input, isAdmin(caller))
	if err != nil {
		return nil, agents.Token{}, err
	}

	if general, err := e.Channels.GetByName(channel.GeneralChannel); err == nil {
		if err := e.Channels.Join(general.ID, agent.ID); err != nil {
			e.logger.Warn().Err(err).Str("agent_id", agent.ID).Msg("joining general failed")
		}
	}
	return agent, token, nil
}

// GetAgent returns an agent record.
func (e *Engine) GetAgent(caller *auth.Claims, agentID string) (*models.Agent, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	return e.Agents.Get(agentID)
}

// ListAgents returns every agent.
func (e *Engine) ListAgents(caller *auth.Claims) ([]*models.Agent, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	return e.Agents.List(), nil
}

// UpdatePermissions replaces an agent's grants. Admin on the agent is
// required. The agent's live connection is closed because its token no
// longer verifies.
func (e *Engine) UpdatePermissions(caller *auth.Claims, agentID string, perms []models.Permission) (*models.Agent, agents.Token, error) {
	if err := e.authorize(caller, "update_permissions", agentResource(agentID), models.ActionAdmin); err != nil {
		return nil, agents.Token{}, err
	}
	agent, token, err := e.Agents.UpdatePermissions(agentID, perms)
	if err != nil {
		return nil, agents.Token{}, err
	}
	e.kick(agentID, "permissions changed")
	return agent, token, nil
}

// RefreshToken issues the caller a new token. The presented token stops
// verifying.
func (e *Engine) RefreshToken(caller *auth.Claims) (agents.Token, error) {
	if err := requireCaller(caller); err != nil {
		return agents.Token{}, err
	}
	return e.Agents.RefreshToken(caller.AgentID)
}

// RevokeTokens invalidates every token of the agent and closes its
// connection. Agents may revoke their own tokens; others need admin.
func (e *Engine) RevokeTokens(caller *auth.Claims, agentID string) error {
	if err := requireCaller(caller); err != nil {
		return err
	}
	if caller.AgentID != agentID {
		if err := e.authorize(caller, "revoke_tokens", agentResource(agentID), models.ActionAdmin); err != nil {
			return err
		}
	}
	if err := e.Agents.RevokeTokens(agentID); err != nil {
		return err
	}
	e.kick(agentID, "tokens revoked")
	return nil
}
