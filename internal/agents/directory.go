// Package agents is the agent directory: registration, unique names,
// permission grants and token rotation.
package agents

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/TheCodingKid82/moltslack/internal/auth"
	"github.com/TheCodingKid82/moltslack/internal/clock"
	"github.com/TheCodingKid82/moltslack/internal/crypto"
	mserr "github.com/TheCodingKid82/moltslack/internal/errors"
	"github.com/TheCodingKid82/moltslack/internal/metrics"
	"github.com/TheCodingKid82/moltslack/internal/models"
)

// nameRegex keeps agent names mentionable as @name.
var nameRegex = regexp.MustCompile(`^\w{1,64}$`)

// Issuer mints and revokes capability tokens.
type Issuer interface {
	IssueToken(agentID, agentName string, permissions []models.Permission, lifetime time.Duration) (string, time.Time, error)
	Revoke(agentID string)
}

// Store persists agent records.
type Store interface {
	SaveAgent(ctx context.Context, agent *models.Agent) error
}

// Loader restores agent records at startup.
type Loader interface {
	GetAllAgents(ctx context.Context) ([]*models.Agent, error)
}

// RegisterInput describes a new agent.
type RegisterInput struct {
	Name         string            `json:"name"`
	Type         models.AgentType  `json:"type,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Roles        []string          `json:"roles,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	// Admin requests admin permissions; honored only for admin callers.
	Admin bool `json:"admin,omitempty"`
}

// Token is a freshly issued capability token.
type Token struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Directory is the agent table.
type Directory struct {
	issuer   Issuer
	store    Store
	clock    clock.Clock
	logger   zerolog.Logger
	tokenTTL time.Duration

	mu     sync.RWMutex
	agents map[string]*models.Agent
	byName map[string]string
}

// Option configures a Directory.
type Option func(*Directory)

// WithTokenTTL sets the lifetime of issued tokens. Zero keeps the issuer's
// default.
func WithTokenTTL(ttl time.Duration) Option {
	return func(d *Directory) { d.tokenTTL = ttl }
}

// NewDirectory creates an empty directory. store may be nil.
func NewDirectory(issuer Issuer, store Store, clk clock.Clock, logger zerolog.Logger, opts ...Option) *Directory {
	d := &Directory{
		issuer: issuer,
		store:  store,
		clock:  clk,
		logger: logger.With().Str("component", "agents").Logger(),
		agents: make(map[string]*models.Agent),
		byName: make(map[string]string),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register creates an agent and issues its first token.
func (d *Directory) Register(input RegisterInput, callerIsAdmin bool) (*models.Agent, Token, error) {
	name := sanitizeName(input.Name)
	if !nameRegex.MatchString(name) {
		return nil, Token{}, mserr.New(mserr.CodeRequestInvalidInput,
			"agent name must be 1-64 letters, digits or underscores",
			mserr.Field("name", input.Name))
	}
	if input.Type == "" {
		input.Type = models.AgentTypeAI
	}
	if !input.Type.Valid() {
		return nil, Token{}, mserr.New(mserr.CodeRequestInvalidInput, "unknown agent type",
			mserr.Field("type", string(input.Type)))
	}
	if input.Admin && !callerIsAdmin {
		metrics.PermissionDenials.WithLabelValues("register_admin").Inc()
		d.logger.Warn().Str("type", "security").Str("name", name).Msg("admin registration denied")
		return nil, Token{}, mserr.New(mserr.CodeAuthPermissionDenied, "only admins may register admin agents")
	}

	perms := auth.DefaultPermissions()
	if input.Admin {
		perms = auth.AdminPermissions()
	}

	now := d.clock.Now().UTC()
	agent := &models.Agent{
		ID:           crypto.NewUUIDv7().String(),
		Name:         name,
		Type:         input.Type,
		Capabilities: append([]string(nil), input.Capabilities...),
		Permissions:  perms,
		Roles:        append([]string(nil), input.Roles...),
		Status:       models.PresenceOffline,
		Metadata:     cloneMetadata(input.Metadata),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	d.mu.Lock()
	key := strings.ToLower(name)
	if _, taken := d.byName[key]; taken {
		d.mu.Unlock()
		return nil, Token{}, mserr.New(mserr.CodeAgentNameConflict, "agent name already taken",
			mserr.Field("name", name))
	}
	d.agents[agent.ID] = agent
	d.byName[key] = agent.ID
	out := agent.Clone()
	d.mu.Unlock()

	token, err := d.issue(out)
	if err != nil {
		d.mu.Lock()
		delete(d.agents, agent.ID)
		delete(d.byName, key)
		d.mu.Unlock()
		return nil, Token{}, err
	}

	metrics.AgentsRegistered.Inc()
	d.logger.Info().
		Str("agent_id", out.ID).
		Str("name", out.Name).
		Str("agent_type", string(out.Type)).
		Bool("admin", input.Admin).
		Msg("agent registered")

	d.persist(out)
	return out.Clone(), token, nil
}

// Get returns a copy of the agent.
func (d *Directory) Get(agentID string) (*models.Agent, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	agent, ok := d.agents[agentID]
	if !ok {
		return nil, notFound(agentID)
	}
	return agent.Clone(), nil
}

// GetByName looks an agent up by its case-insensitive name.
func (d *Directory) GetByName(name string) (*models.Agent, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.byName[strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "@"))]
	if !ok {
		return nil, mserr.New(mserr.CodeAgentNotFound, "agent not found", mserr.Field("name", name))
	}
	return d.agents[id].Clone(), nil
}

// List returns every agent, oldest first.
func (d *Directory) List() []*models.Agent {
	d.mu.RLock()
	out := make([]*models.Agent, 0, len(d.agents))
	for _, agent := range d.agents {
		out = append(out, agent.Clone())
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// UpdatePermissions replaces the agent's grants and issues a token that
// carries them. Earlier tokens stop verifying.
func (d *Directory) UpdatePermissions(agentID string, perms []models.Permission) (*models.Agent, Token, error) {
	if err := validatePermissions(perms); err != nil {
		return nil, Token{}, err
	}

	d.mu.Lock()
	agent, ok := d.agents[agentID]
	if !ok {
		d.mu.Unlock()
		return nil, Token{}, notFound(agentID)
	}
	agent.Permissions = models.ClonePermissions(perms)
	agent.UpdatedAt = d.clock.Now().UTC()
	out := agent.Clone()
	d.mu.Unlock()

	token, err := d.issue(out)
	if err != nil {
		return nil, Token{}, err
	}

	d.logger.Info().
		Str("type", "security").
		Str("agent_id", agentID).
		Int("permissions", len(perms)).
		Msg("permissions updated")

	d.persist(out)
	return out, token, nil
}

// RefreshToken issues a new token with the agent's current grants.
func (d *Directory) RefreshToken(agentID string) (Token, error) {
	agent, err := d.Get(agentID)
	if err != nil {
		return Token{}, err
	}
	return d.issue(agent)
}

// RevokeTokens invalidates every outstanding token of the agent.
func (d *Directory) RevokeTokens(agentID string) error {
	if _, err := d.Get(agentID); err != nil {
		return err
	}
	d.issuer.Revoke(agentID)
	return nil
}

// SetStatus records a status the agent announced for itself.
func (d *Directory) SetStatus(agentID string, status models.PresenceStatus) error {
	if !status.Valid() {
		return mserr.New(mserr.CodeRequestInvalidInput, "unknown status", mserr.Field("status", string(status)))
	}
	if !d.update(agentID, status, d.clock.Now().UTC()) {
		return notFound(agentID)
	}
	return nil
}

// RecordStatus mirrors a presence transition onto the agent record.
func (d *Directory) RecordStatus(agentID string, status models.PresenceStatus, at time.Time) {
	d.update(agentID, status, at.UTC())
}

func (d *Directory) update(agentID string, status models.PresenceStatus, at time.Time) bool {
	d.mu.Lock()
	agent, ok := d.agents[agentID]
	if !ok {
		d.mu.Unlock()
		return false
	}
	// Transitions are mirrored after the presence lock is released, so a
	// late arrival must not overwrite a newer status.
	if agent.LastSeenAt != nil && at.Before(*agent.LastSeenAt) {
		d.mu.Unlock()
		return true
	}
	agent.Status = status
	agent.UpdatedAt = at
	seen := at
	agent.LastSeenAt = &seen
	out := agent.Clone()
	d.mu.Unlock()

	d.persist(out)
	return true
}

// HasRole reports whether the agent holds role.
func (d *Directory) HasRole(agentID, role string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	agent, ok := d.agents[agentID]
	if !ok {
		return false
	}
	for _, r := range agent.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Load restores the directory from storage. Stored agents keep their ids;
// they need a token refresh before they can authenticate again.
func (d *Directory) Load(ctx context.Context, loader Loader) error {
	stored, err := loader.GetAllAgents(ctx)
	if err != nil {
		return mserr.Wrap(err, mserr.CodeStoreFailure, "loading agents")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, agent := range stored {
		a := agent.Clone()
		d.agents[a.ID] = a
		d.byName[strings.ToLower(a.Name)] = a.ID
	}

	d.logger.Info().Int("agents", len(stored)).Msg("agents loaded")
	return nil
}

func (d *Directory) issue(agent *models.Agent) (Token, error) {
	token, expiresAt, err := d.issuer.IssueToken(agent.ID, agent.Name, agent.Permissions, d.tokenTTL)
	if err != nil {
		return Token{}, err
	}
	return Token{Token: token, ExpiresAt: expiresAt}, nil
}

func (d *Directory) persist(agent *models.Agent) {
	if d.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.store.SaveAgent(ctx, agent); err != nil {
		d.logger.Error().Err(err).Str("agent_id", agent.ID).Msg("agent persistence failed")
	}
}

func validatePermissions(perms []models.Permission) error {
	for _, p := range perms {
		if strings.TrimSpace(p.Resource) == "" {
			return mserr.New(mserr.CodeRequestInvalidInput, "permission resource is required")
		}
		if len(p.Actions) == 0 {
			return mserr.New(mserr.CodeRequestInvalidInput, "permission needs at least one action",
				mserr.Field("resource", p.Resource))
		}
		for _, a := range p.Actions {
			switch a {
			case models.ActionRead, models.ActionWrite, models.ActionAdmin:
			default:
				return mserr.New(mserr.CodeRequestInvalidInput, "unknown permission action",
					mserr.Field("action", string(a)))
			}
		}
	}
	return nil
}

// sanitizeName trims the name and removes control characters.
func sanitizeName(name string) string {
	name = strings.TrimPrefix(strings.TrimSpace(name), "@")
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
}

func cloneMetadata(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func notFound(agentID string) error {
	return mserr.New(mserr.CodeAgentNotFound, "agent not found", mserr.FieldAgentID(agentID))
}
