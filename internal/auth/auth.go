// Package auth issues capability tokens and evaluates resource-scoped
// permission checks.
package auth

import (
	"crypto/ed25519"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/TheCodingKid82/moltslack/internal/clock"
	"github.com/TheCodingKid82/moltslack/internal/crypto"
	mserr "github.com/TheCodingKid82/moltslack/internal/errors"
	"github.com/TheCodingKid82/moltslack/internal/models"
)

const (
	// DefaultLifetime applies when IssueToken is called with a zero lifetime.
	DefaultLifetime = 24 * time.Hour
	// MaxLifetime is the hard cap. Longer lifetimes are rejected, never clamped.
	MaxLifetime = 30 * 24 * time.Hour
)

// Engine mints and verifies capability tokens.
type Engine struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	clock      clock.Clock
	logger     zerolog.Logger

	mu sync.RWMutex
	// current maps agent id to the only token id still honored for that
	// agent. An empty value means every token of the agent is revoked.
	// Agents absent from the map have had no token issued by this process.
	current map[string]string
}

// New creates an auth engine that signs with privateKey.
func New(privateKey ed25519.PrivateKey, clk clock.Clock, logger zerolog.Logger) *Engine {
	return &Engine{
		privateKey: privateKey,
		publicKey:  privateKey.Public().(ed25519.PublicKey),
		clock:      clk,
		logger:     logger.With().Str("component", "auth").Logger(),
		current:    make(map[string]string),
	}
}

// IssueToken mints a token for the agent. A zero lifetime selects
// DefaultLifetime. Issuing supersedes any earlier token of the agent.
func (e *Engine) IssueToken(agentID, agentName string, permissions []models.Permission, lifetime time.Duration) (string, time.Time, error) {
	if agentID == "" {
		return "", time.Time{}, mserr.New(mserr.CodeRequestInvalidInput, "agent id is required")
	}
	if lifetime == 0 {
		lifetime = DefaultLifetime
	}
	if lifetime < 0 || lifetime > MaxLifetime {
		return "", time.Time{}, mserr.New(mserr.CodeAuthTokenLifetimeInvalid,
			"token lifetime must be positive and at most 30 days",
			mserr.Field("lifetime", lifetime.String()))
	}

	now := e.clock.Now()
	expiresAt := now.Add(lifetime)
	claims := &Claims{
		TokenID:     crypto.NewTokenID(),
		AgentID:     agentID,
		AgentName:   agentName,
		Permissions: models.ClonePermissions(permissions),
		IssuedAt:    now.UnixMilli(),
		ExpiresAt:   expiresAt.UnixMilli(),
	}

	token, err := mint(e.privateKey, claims)
	if err != nil {
		return "", time.Time{}, mserr.Wrap(err, mserr.CodeInternalFailure, "minting token", mserr.FieldAgentID(agentID))
	}

	e.mu.Lock()
	e.current[agentID] = claims.TokenID
	e.mu.Unlock()

	e.logger.Debug().
		Str("agent_id", agentID).
		Str("token_id", claims.TokenID).
		Time("expires_at", expiresAt).
		Msg("token issued")

	return token, time.UnixMilli(claims.ExpiresAt), nil
}

// VerifyToken returns the token's claims, or nil if the token cannot be
// decoded, carries a bad signature, has expired or has been superseded.
func (e *Engine) VerifyToken(token string) *Claims {
	if token == "" {
		return nil
	}

	claims, err := parse(e.publicKey, token)
	if err != nil {
		e.logger.Debug().Err(err).Msg("token rejected")
		return nil
	}

	if claims.ExpiresAt < e.clock.Now().UnixMilli() {
		return nil
	}

	e.mu.RLock()
	current, tracked := e.current[claims.AgentID]
	e.mu.RUnlock()
	if tracked && current != claims.TokenID {
		return nil
	}

	return claims
}

// Revoke invalidates every token issued to the agent until a new one is
// issued.
func (e *Engine) Revoke(agentID string) {
	e.mu.Lock()
	e.current[agentID] = ""
	e.mu.Unlock()

	e.logger.Info().Str("type", "security").Str("agent_id", agentID).Msg("tokens revoked")
}

// HasPermission verifies token and evaluates its permissions.
func (e *Engine) HasPermission(token, resource string, action models.Action) bool {
	claims := e.VerifyToken(token)
	if claims == nil {
		return false
	}
	return CheckPermissions(claims.Permissions, resource, action)
}

// CheckPermissions reports whether any permission authorizes action on
// resource. A permission matches when its pattern is "*", equals the
// resource, or ends in ":*" and prefixes it. Admin satisfies any action.
func CheckPermissions(permissions []models.Permission, resource string, action models.Action) bool {
	for _, perm := range permissions {
		if !matchesResource(perm.Resource, resource) {
			continue
		}
		for _, granted := range perm.Actions {
			if granted == action || granted == models.ActionAdmin {
				return true
			}
		}
	}
	return false
}

// IsAdmin reports whether permissions grant admin over everything.
func IsAdmin(permissions []models.Permission) bool {
	return CheckPermissions(permissions, "*", models.ActionAdmin)
}

func matchesResource(pattern, resource string) bool {
	switch {
	case pattern == "*":
		return true
	case pattern == resource:
		return true
	case strings.HasSuffix(pattern, ":*"):
		return strings.HasPrefix(resource, strings.TrimSuffix(pattern, "*"))
	}
	return false
}

// DefaultPermissions is the template granted to newly registered agents.
func DefaultPermissions() []models.Permission {
	rw := []models.Action{models.ActionRead, models.ActionWrite}
	return []models.Permission{
		{Resource: "channel:*", Actions: append([]models.Action(nil), rw...)},
		{Resource: "message:*", Actions: append([]models.Action(nil), rw...)},
		{Resource: "presence:*", Actions: append([]models.Action(nil), rw...)},
	}
}

// AdminPermissions grants admin on every resource.
func AdminPermissions() []models.Permission {
	return []models.Permission{{Resource: "*", Actions: []models.Action{models.ActionAdmin}}}
}
