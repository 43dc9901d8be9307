package models

import (
	"time"
)

// PresenceStatus is an agent's liveness state.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceIdle    PresenceStatus = "idle"
	PresenceBusy    PresenceStatus = "busy"
	PresenceDND     PresenceStatus = "dnd"
	PresenceOffline PresenceStatus = "offline"
)

// Valid reports whether s is a known presence status.
func (s PresenceStatus) Valid() bool {
	switch s {
	case PresenceOnline, PresenceIdle, PresenceBusy, PresenceDND, PresenceOffline:
		return true
	}
	return false
}

// Activity describes what an agent is working on.
type Activity struct {
	Type        string    `json:"type"`
	Description string    `json:"description,omitempty"`
	ChannelID   string    `json:"channel_id,omitempty"`
	StartedAt   time.Time `json:"started_at"`
}

// ConnectionInfo describes the live connection behind a presence record.
type ConnectionInfo struct {
	ConnectionID  string    `json:"connection_id"`
	ClientType    string    `json:"client_type,omitempty"`
	ClientVersion string    `json:"client_version,omitempty"`
	RemoteAddr    string    `json:"remote_addr,omitempty"`
	ConnectedAt   time.Time `json:"connected_at"`
}

// Presence is the live state of one connected agent.
type Presence struct {
	AgentID         string         `json:"agent_id"`
	Status          PresenceStatus `json:"status"`
	StatusMessage   string         `json:"status_message,omitempty"`
	LastHeartbeat   time.Time      `json:"last_heartbeat"`
	ActiveChannels  []string       `json:"active_channels"`
	IsTyping        bool           `json:"is_typing"`
	TypingInChannel string         `json:"typing_in_channel,omitempty"`
	Activity        *Activity      `json:"activity,omitempty"`
	Connection      ConnectionInfo `json:"connection"`
}

// Clone returns a deep copy of the presence record.
func (p *Presence) Clone() *Presence {
	if p == nil {
		return nil
	}
	out := *p
	out.ActiveChannels = append([]string(nil), p.ActiveChannels...)
	if p.Activity != nil {
		activity := *p.Activity
		out.Activity = &activity
	}
	return &out
}
