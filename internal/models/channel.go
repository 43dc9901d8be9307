package models

import (
	"time"
)

// ChannelType determines the access rules a channel is seeded with.
type ChannelType string

const (
	ChannelPublic    ChannelType = "public"
	ChannelPrivate   ChannelType = "private"
	ChannelDirect    ChannelType = "direct"
	ChannelBroadcast ChannelType = "broadcast"
)

// Valid reports whether t is a known channel type.
func (t ChannelType) Valid() bool {
	switch t {
	case ChannelPublic, ChannelPrivate, ChannelDirect, ChannelBroadcast:
		return true
	}
	return false
}

// AccessLevel is an ordered capability over a channel: read < write < admin.
// AccessNone is the absence of any level.
type AccessLevel string

const (
	AccessNone  AccessLevel = ""
	AccessRead  AccessLevel = "read"
	AccessWrite AccessLevel = "write"
	AccessAdmin AccessLevel = "admin"
)

// Rank orders access levels; AccessNone and unknown values rank 0.
func (l AccessLevel) Rank() int {
	switch l {
	case AccessRead:
		return 1
	case AccessWrite:
		return 2
	case AccessAdmin:
		return 3
	}
	return 0
}

// Satisfies reports whether l grants at least required.
func (l AccessLevel) Satisfies(required AccessLevel) bool {
	return l.Rank() > 0 && l.Rank() >= required.Rank()
}

// Valid reports whether l is read, write or admin.
func (l AccessLevel) Valid() bool {
	return l.Rank() > 0
}

// PrincipalType selects how an access rule's principal is matched.
type PrincipalType string

const (
	PrincipalAgent PrincipalType = "agent"
	PrincipalRole  PrincipalType = "role"
	PrincipalAll   PrincipalType = "all"
)

// AccessRule grants Level to the principal until ExpiresAt, if set.
type AccessRule struct {
	Principal     string        `json:"principal"`
	PrincipalType PrincipalType `json:"principal_type"`
	Level         AccessLevel   `json:"level"`
	ExpiresAt     *time.Time    `json:"expires_at,omitempty"`
}

// Channel represents a named topic with access rules and a membership set.
type Channel struct {
	ID            string            `json:"id"` // UUIDv7
	Name          string            `json:"name"`
	Type          ChannelType       `json:"type"`
	Topic         string            `json:"topic,omitempty"`
	Description   string            `json:"description,omitempty"`
	AccessRules   []AccessRule      `json:"access_rules"`
	DefaultAccess AccessLevel       `json:"default_access,omitempty"`
	CreatedBy     string            `json:"created_by"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	MemberCount   int               `json:"member_count"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy of the channel.
func (c *Channel) Clone() *Channel {
	if c == nil {
		return nil
	}
	out := *c
	out.AccessRules = make([]AccessRule, len(c.AccessRules))
	for i, rule := range c.AccessRules {
		out.AccessRules[i] = rule
		if rule.ExpiresAt != nil {
			exp := *rule.ExpiresAt
			out.AccessRules[i].ExpiresAt = &exp
		}
	}
	if c.Metadata != nil {
		out.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
