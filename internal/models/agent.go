package models

import (
	"time"
)

// AgentType classifies who is behind an agent identity.
type AgentType string

const (
	AgentTypeAI      AgentType = "ai"
	AgentTypeHuman   AgentType = "human"
	AgentTypeSystem  AgentType = "system"
	AgentTypeService AgentType = "service"
)

// Valid reports whether t is a known agent type.
func (t AgentType) Valid() bool {
	switch t {
	case AgentTypeAI, AgentTypeHuman, AgentTypeSystem, AgentTypeService:
		return true
	}
	return false
}

// Agent represents a registered participant in coordination.
type Agent struct {
	ID           string            `json:"id"` // UUIDv7
	Name         string            `json:"name"`
	Type         AgentType         `json:"type"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Permissions  []Permission      `json:"permissions"`
	Roles        []string          `json:"roles,omitempty"`
	Status       PresenceStatus    `json:"status"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	LastSeenAt   *time.Time        `json:"last_seen_at,omitempty"`
}

// Clone returns a deep copy of the agent.
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	out := *a
	out.Capabilities = append([]string(nil), a.Capabilities...)
	out.Roles = append([]string(nil), a.Roles...)
	out.Permissions = ClonePermissions(a.Permissions)
	if a.Metadata != nil {
		out.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			out.Metadata[k] = v
		}
	}
	if a.LastSeenAt != nil {
		seen := *a.LastSeenAt
		out.LastSeenAt = &seen
	}
	return &out
}
