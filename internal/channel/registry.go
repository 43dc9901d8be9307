// Package channel owns channel identity, access rules and membership.
package channel

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/TheCodingKid82/moltslack/internal/clock"
	"github.com/TheCodingKid82/moltslack/internal/crypto"
	mserr "github.com/TheCodingKid82/moltslack/internal/errors"
	"github.com/TheCodingKid82/moltslack/internal/models"
	"github.com/TheCodingKid82/moltslack/internal/protocol"
)

// SystemAgentID creates the default channels.
const SystemAgentID = "system"

// Names of the channels every registry starts with.
const (
	GeneralChannel       = "general"
	AnnouncementsChannel = "announcements"
)

var nameRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,79}$`)

// Relay is the slice of the relay hub the registry drives.
type Relay interface {
	SubscribeToChannel(channelID, agentID string)
	UnsubscribeFromChannel(channelID, agentID string)
	BroadcastToChannel(channelID string, payload protocol.Payload) int
	Broadcast(payload protocol.Payload) int
}

// Store persists channels and membership.
type Store interface {
	SaveChannel(ctx context.Context, ch *models.Channel) error
	DeleteChannel(ctx context.Context, channelID string) error
	AddChannelMember(ctx context.Context, channelID, agentID string) error
	RemoveChannelMember(ctx context.Context, channelID, agentID string) error
}

// Loader restores channels and membership at startup.
type Loader interface {
	GetAllChannels(ctx context.Context) ([]*models.Channel, error)
	GetChannelMembers(ctx context.Context, channelID string) ([]string, error)
}

// RoleResolver answers whether an agent holds a role. Without one, role
// rules never match.
type RoleResolver interface {
	HasRole(agentID, role string) bool
}

// CreateInput describes a new channel.
type CreateInput struct {
	Name        string             `json:"name"`
	Type        models.ChannelType `json:"type"`
	Topic       string             `json:"topic,omitempty"`
	Description string             `json:"description,omitempty"`
	Metadata    map[string]string  `json:"metadata,omitempty"`
}

// UpdateInput changes the non-nil fields of a channel.
type UpdateInput struct {
	Name          *string             `json:"name,omitempty"`
	Topic         *string             `json:"topic,omitempty"`
	Description   *string             `json:"description,omitempty"`
	DefaultAccess *models.AccessLevel `json:"default_access,omitempty"`
	Metadata      map[string]string   `json:"metadata,omitempty"`
}

// Registry is the channel table. All mutations go through its methods.
type Registry struct {
	store  Store
	relay  Relay
	clock  clock.Clock
	logger zerolog.Logger

	mu       sync.RWMutex
	roles    RoleResolver
	channels map[string]*models.Channel
	byName   map[string]string
	members  map[string]map[string]struct{}
}

// NewRegistry creates a registry seeded with the general and
// announcements channels. store and relay may be nil.
func NewRegistry(store Store, relay Relay, clk clock.Clock, logger zerolog.Logger) *Registry {
	r := &Registry{
		store:    store,
		relay:    relay,
		clock:    clk,
		logger:   logger.With().Str("component", "channel").Logger(),
		channels: make(map[string]*models.Channel),
		byName:   make(map[string]string),
		members:  make(map[string]map[string]struct{}),
	}
	if r.relay == nil {
		r.relay = nopRelay{}
	}

	r.seed(GeneralChannel, models.ChannelPublic, "General discussion for all agents")
	r.seed(AnnouncementsChannel, models.ChannelBroadcast, "System-wide announcements")
	return r
}

func (r *Registry) seed(name string, typ models.ChannelType, description string) {
	ch := r.newChannel(CreateInput{Name: name, Type: typ, Description: description}, SystemAgentID)
	r.insertLocked(ch)
}

// SetRoleResolver installs the resolver consulted by role rules.
func (r *Registry) SetRoleResolver(roles RoleResolver) {
	r.mu.Lock()
	r.roles = roles
	r.mu.Unlock()
}

// Create adds a channel. The access rules are seeded from the type.
func (r *Registry) Create(input CreateInput, createdBy string) (*models.Channel, error) {
	name, err := normalizeName(input.Name)
	if err != nil {
		return nil, err
	}
	input.Name = name
	if input.Type == "" {
		input.Type = models.ChannelPublic
	}
	if !input.Type.Valid() {
		return nil, mserr.New(mserr.CodeRequestInvalidInput, "unknown channel type",
			mserr.Field("type", string(input.Type)))
	}

	ch := r.newChannel(input, createdBy)

	r.mu.Lock()
	if _, taken := r.byName[name]; taken {
		r.mu.Unlock()
		return nil, mserr.New(mserr.CodeChannelNameConflict, "channel name already taken",
			mserr.Field("name", name))
	}
	r.insertLocked(ch)
	out := ch.Clone()
	r.mu.Unlock()

	r.logger.Info().
		Str("channel_id", ch.ID).
		Str("name", name).
		Str("type", string(ch.Type)).
		Str("created_by", createdBy).
		Msg("channel created")

	r.persist("save channel", func(ctx context.Context) error { return r.store.SaveChannel(ctx, out) })
	if out.Type == models.ChannelPublic || out.Type == models.ChannelBroadcast {
		r.relay.Broadcast(protocol.ChannelEvent{Name: protocol.EventChannelCreated, ChannelID: out.ID, Channel: out})
	}
	return out.Clone(), nil
}

// CreateDirect returns the direct channel between two agents, creating
// it on first use. Both agents get write rules and are joined.
func (r *Registry) CreateDirect(agentA, agentB string) (*models.Channel, error) {
	if agentA == "" || agentB == "" || agentA == agentB {
		return nil, mserr.New(mserr.CodeRequestInvalidInput, "direct channels need two distinct agents")
	}
	pair := []string{agentA, agentB}
	sort.Strings(pair)
	name := strings.ToLower("dm-" + pair[0] + "-" + pair[1])

	if existing, err := r.GetByName(name); err == nil {
		return existing, nil
	}

	ch, err := r.Create(CreateInput{Name: name, Type: models.ChannelDirect}, agentA)
	if err != nil && mserr.IsAlreadyExists(err) {
		return r.GetByName(name)
	}
	if err != nil {
		return nil, err
	}
	closed := models.AccessNone
	if _, err := r.Update(ch.ID, UpdateInput{DefaultAccess: &closed}); err != nil {
		return nil, err
	}

	for _, agentID := range pair {
		if err := r.AddAccessRule(ch.ID, models.AccessRule{
			Principal:     agentID,
			PrincipalType: models.PrincipalAgent,
			Level:         models.AccessWrite,
		}); err != nil {
			return nil, err
		}
		if err := r.Join(ch.ID, agentID); err != nil {
			return nil, err
		}
	}
	return r.Get(ch.ID)
}

func (r *Registry) newChannel(input CreateInput, createdBy string) *models.Channel {
	now := r.clock.Now()
	ch := &models.Channel{
		ID:          crypto.NewUUIDv7().String(),
		Name:        input.Name,
		Type:        input.Type,
		Topic:       input.Topic,
		Description: input.Description,
		AccessRules: seedRules(input.Type),
		CreatedBy:   createdBy,
		CreatedAt:   now,
		UpdatedAt:   now,
		Metadata:    input.Metadata,
	}
	if input.Type != models.ChannelPrivate {
		ch.DefaultAccess = models.AccessRead
	}
	return ch
}

func seedRules(typ models.ChannelType) []models.AccessRule {
	switch typ {
	case models.ChannelPublic:
		return []models.AccessRule{{Principal: "*", PrincipalType: models.PrincipalAll, Level: models.AccessWrite}}
	case models.ChannelBroadcast:
		return []models.AccessRule{{Principal: "*", PrincipalType: models.PrincipalAll, Level: models.AccessRead}}
	default:
		return []models.AccessRule{}
	}
}

func (r *Registry) insertLocked(ch *models.Channel) {
	r.channels[ch.ID] = ch
	r.byName[ch.Name] = ch.ID
	if r.members[ch.ID] == nil {
		r.members[ch.ID] = make(map[string]struct{})
	}
	ch.MemberCount = len(r.members[ch.ID])
}

// Get returns a copy of the channel.
func (r *Registry) Get(channelID string) (*models.Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ch, ok := r.channels[channelID]
	if !ok {
		return nil, notFound(channelID)
	}
	return ch.Clone(), nil
}

// GetByName returns a copy of the channel with the given name. A leading
// "#" is ignored.
func (r *Registry) GetByName(name string) (*models.Channel, error) {
	name = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "#"))

	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byName[name]
	if !ok {
		return nil, mserr.New(mserr.CodeChannelNotFound, "channel not found", mserr.Field("name", name))
	}
	return r.channels[id].Clone(), nil
}

// List returns every channel ordered by creation time.
func (r *Registry) List() []*models.Channel {
	r.mu.RLock()
	out := make([]*models.Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ch.Clone())
	}
	r.mu.RUnlock()

	sortChannels(out)
	return out
}

// Visible returns the channels the agent can read or is a member of.
func (r *Registry) Visible(agentID string) []*models.Channel {
	r.mu.RLock()
	out := make([]*models.Channel, 0, len(r.channels))
	for id, ch := range r.channels {
		_, member := r.members[id][agentID]
		if member || r.checkAccessLocked(ch, agentID, models.AccessRead) {
			out = append(out, ch.Clone())
		}
	}
	r.mu.RUnlock()

	sortChannels(out)
	return out
}

func sortChannels(chs []*models.Channel) {
	sort.Slice(chs, func(i, j int) bool {
		if !chs[i].CreatedAt.Equal(chs[j].CreatedAt) {
			return chs[i].CreatedAt.Before(chs[j].CreatedAt)
		}
		return chs[i].Name < chs[j].Name
	})
}

// CheckAccess evaluates the channel's rules in list order; the first rule
// whose principal matches decides. With no matching rule the default
// access decides. Unknown channels deny.
func (r *Registry) CheckAccess(channelID, agentID string, required models.AccessLevel) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ch, ok := r.channels[channelID]
	if !ok {
		return false
	}
	return r.checkAccessLocked(ch, agentID, required)
}

// Exists reports whether the channel is registered.
func (r *Registry) Exists(channelID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.channels[channelID]
	return ok
}

// CanManage reports whether the agent created the channel or holds admin
// access to it.
func (r *Registry) CanManage(channelID, agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ch, ok := r.channels[channelID]
	if !ok {
		return false
	}
	return ch.CreatedBy == agentID || r.checkAccessLocked(ch, agentID, models.AccessAdmin)
}

func (r *Registry) checkAccessLocked(ch *models.Channel, agentID string, required models.AccessLevel) bool {
	now := r.clock.Now()
	for _, rule := range ch.AccessRules {
		if rule.ExpiresAt != nil && !now.Before(*rule.ExpiresAt) {
			continue
		}
		if r.principalMatches(rule, agentID) {
			return rule.Level.Satisfies(required)
		}
	}
	return ch.DefaultAccess.Satisfies(required)
}

func (r *Registry) principalMatches(rule models.AccessRule, agentID string) bool {
	switch rule.PrincipalType {
	case models.PrincipalAll:
		return true
	case models.PrincipalAgent:
		return rule.Principal == agentID
	case models.PrincipalRole:
		return r.roles != nil && r.roles.HasRole(agentID, rule.Principal)
	}
	return false
}

// AddAccessRule appends a rule to the end of the channel's rule list.
func (r *Registry) AddAccessRule(channelID string, rule models.AccessRule) error {
	return r.InsertAccessRule(channelID, -1, rule)
}

// InsertAccessRule places a rule at index, or appends it when index is
// negative or past the end. Earlier rules take precedence.
func (r *Registry) InsertAccessRule(channelID string, index int, rule models.AccessRule) error {
	if err := validateRule(&rule); err != nil {
		return err
	}

	r.mu.Lock()
	ch, ok := r.channels[channelID]
	if !ok {
		r.mu.Unlock()
		return notFound(channelID)
	}
	if index < 0 || index >= len(ch.AccessRules) {
		ch.AccessRules = append(ch.AccessRules, rule)
	} else {
		ch.AccessRules = append(ch.AccessRules[:index], append([]models.AccessRule{rule}, ch.AccessRules[index:]...)...)
	}
	ch.UpdatedAt = r.clock.Now()
	out := ch.Clone()
	r.mu.Unlock()

	r.logger.Info().
		Str("type", "security").
		Str("channel_id", channelID).
		Str("principal", rule.Principal).
		Str("principal_type", string(rule.PrincipalType)).
		Str("level", string(rule.Level)).
		Msg("access rule added")

	r.persist("save channel", func(ctx context.Context) error { return r.store.SaveChannel(ctx, out) })
	return nil
}

// RemoveAccessRule deletes the rule at index.
func (r *Registry) RemoveAccessRule(channelID string, index int) error {
	r.mu.Lock()
	ch, ok := r.channels[channelID]
	if !ok {
		r.mu.Unlock()
		return notFound(channelID)
	}
	if index < 0 || index >= len(ch.AccessRules) {
		r.mu.Unlock()
		return mserr.New(mserr.CodeRequestInvalidInput, "access rule index out of range",
			mserr.FieldChannelID(channelID), mserr.Field("index", index))
	}
	ch.AccessRules = append(ch.AccessRules[:index], ch.AccessRules[index+1:]...)
	ch.UpdatedAt = r.clock.Now()
	out := ch.Clone()
	r.mu.Unlock()

	r.persist("save channel", func(ctx context.Context) error { return r.store.SaveChannel(ctx, out) })
	return nil
}

func validateRule(rule *models.AccessRule) error {
	if !rule.Level.Valid() {
		return mserr.New(mserr.CodeRequestInvalidInput, "access level must be read, write or admin")
	}
	switch rule.PrincipalType {
	case models.PrincipalAll:
		rule.Principal = "*"
	case models.PrincipalAgent, models.PrincipalRole:
		if rule.Principal == "" {
			return mserr.New(mserr.CodeRequestInvalidInput, "rule principal is required")
		}
	default:
		return mserr.New(mserr.CodeRequestInvalidInput, "principal type must be agent, role or all")
	}
	return nil
}

// Update applies the non-nil fields of input.
func (r *Registry) Update(channelID string, input UpdateInput) (*models.Channel, error) {
	var newName string
	if input.Name != nil {
		name, err := normalizeName(*input.Name)
		if err != nil {
			return nil, err
		}
		newName = name
	}
	if input.DefaultAccess != nil && *input.DefaultAccess != models.AccessNone && !input.DefaultAccess.Valid() {
		return nil, mserr.New(mserr.CodeRequestInvalidInput, "default access must be read, write, admin or empty")
	}

	r.mu.Lock()
	ch, ok := r.channels[channelID]
	if !ok {
		r.mu.Unlock()
		return nil, notFound(channelID)
	}
	if newName != "" && newName != ch.Name {
		if _, taken := r.byName[newName]; taken {
			r.mu.Unlock()
			return nil, mserr.New(mserr.CodeChannelNameConflict, "channel name already taken",
				mserr.Field("name", newName))
		}
		delete(r.byName, ch.Name)
		ch.Name = newName
		r.byName[newName] = ch.ID
	}
	if input.Topic != nil {
		ch.Topic = *input.Topic
	}
	if input.Description != nil {
		ch.Description = *input.Description
	}
	if input.DefaultAccess != nil {
		ch.DefaultAccess = *input.DefaultAccess
	}
	for k, v := range input.Metadata {
		if ch.Metadata == nil {
			ch.Metadata = make(map[string]string)
		}
		ch.Metadata[k] = v
	}
	ch.UpdatedAt = r.clock.Now()
	out := ch.Clone()
	r.mu.Unlock()

	r.persist("save channel", func(ctx context.Context) error { return r.store.SaveChannel(ctx, out) })
	r.relay.BroadcastToChannel(channelID, protocol.ChannelEvent{Name: protocol.EventChannelUpdated, ChannelID: channelID, Channel: out})
	return out.Clone(), nil
}

// Delete removes the channel together with its membership and name.
func (r *Registry) Delete(channelID string) error {
	r.mu.Lock()
	ch, ok := r.channels[channelID]
	if !ok {
		r.mu.Unlock()
		return notFound(channelID)
	}
	members := keys(r.members[channelID])
	delete(r.channels, channelID)
	delete(r.byName, ch.Name)
	delete(r.members, channelID)
	r.mu.Unlock()

	r.relay.BroadcastToChannel(channelID, protocol.ChannelEvent{Name: protocol.EventChannelDeleted, ChannelID: channelID})
	for _, agentID := range members {
		r.relay.UnsubscribeFromChannel(channelID, agentID)
	}

	r.logger.Info().Str("channel_id", channelID).Str("name", ch.Name).Int("members", len(members)).Msg("channel deleted")
	r.persist("delete channel", func(ctx context.Context) error { return r.store.DeleteChannel(ctx, channelID) })
	return nil
}

// Join adds the agent to the channel. Read access is required. Joining
// twice is a no-op.
func (r *Registry) Join(channelID, agentID string) error {
	r.mu.Lock()
	ch, ok := r.channels[channelID]
	if !ok {
		r.mu.Unlock()
		return notFound(channelID)
	}
	if !r.checkAccessLocked(ch, agentID, models.AccessRead) {
		r.mu.Unlock()
		r.logger.Warn().
			Str("type", "security").
			Str("channel_id", channelID).
			Str("agent_id", agentID).
			Msg("join denied")
		return mserr.New(mserr.CodeChannelAccessDenied, "read access required to join channel",
			mserr.FieldChannelID(channelID), mserr.FieldAgentID(agentID))
	}
	set := r.members[channelID]
	_, already := set[agentID]
	set[agentID] = struct{}{}
	ch.MemberCount = len(set)
	r.mu.Unlock()

	r.relay.SubscribeToChannel(channelID, agentID)
	if already {
		return nil
	}

	r.relay.BroadcastToChannel(channelID, protocol.ChannelEvent{Name: protocol.EventChannelMemberJoined, ChannelID: channelID, AgentID: agentID})
	r.persist("add member", func(ctx context.Context) error { return r.store.AddChannelMember(ctx, channelID, agentID) })
	return nil
}

// Leave removes the agent from the channel. Leaving never requires
// access and leaving twice is a no-op.
func (r *Registry) Leave(channelID, agentID string) error {
	r.mu.Lock()
	ch, ok := r.channels[channelID]
	if !ok {
		r.mu.Unlock()
		return notFound(channelID)
	}
	set := r.members[channelID]
	_, was := set[agentID]
	delete(set, agentID)
	ch.MemberCount = len(set)
	r.mu.Unlock()

	r.relay.UnsubscribeFromChannel(channelID, agentID)
	if !was {
		return nil
	}

	r.relay.BroadcastToChannel(channelID, protocol.ChannelEvent{Name: protocol.EventChannelMemberLeft, ChannelID: channelID, AgentID: agentID})
	r.persist("remove member", func(ctx context.Context) error { return r.store.RemoveChannelMember(ctx, channelID, agentID) })
	return nil
}

// Members returns the sorted member ids of the channel.
func (r *Registry) Members(channelID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.channels[channelID]; !ok {
		return nil, notFound(channelID)
	}
	return keys(r.members[channelID]), nil
}

// IsMember reports whether the agent is in the channel.
func (r *Registry) IsMember(channelID, agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[channelID][agentID]
	return ok
}

// ChannelsOf returns the sorted ids of the channels the agent belongs to.
func (r *Registry) ChannelsOf(agentID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for channelID, set := range r.members {
		if _, ok := set[agentID]; ok {
			out = append(out, channelID)
		}
	}
	sort.Strings(out)
	return out
}

// Load replaces the registry contents with what the loader holds.
// Seeded defaults are dropped when a stored channel carries their name.
func (r *Registry) Load(ctx context.Context, loader Loader) error {
	chs, err := loader.GetAllChannels(ctx)
	if err != nil {
		return mserr.Wrap(err, mserr.CodeStoreFailure, "loading channels")
	}

	members := make(map[string][]string, len(chs))
	for _, ch := range chs {
		ids, err := loader.GetChannelMembers(ctx, ch.ID)
		if err != nil {
			return mserr.Wrap(err, mserr.CodeStoreFailure, "loading channel members", mserr.FieldChannelID(ch.ID))
		}
		members[ch.ID] = ids
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, ch := range chs {
		if id, ok := r.byName[ch.Name]; ok && id != ch.ID {
			delete(r.channels, id)
			delete(r.members, id)
		}
		stored := ch.Clone()
		if stored.AccessRules == nil {
			stored.AccessRules = []models.AccessRule{}
		}
		set := make(map[string]struct{}, len(members[ch.ID]))
		for _, agentID := range members[ch.ID] {
			set[agentID] = struct{}{}
		}
		r.members[ch.ID] = set
		r.insertLocked(stored)
	}

	r.logger.Info().Int("channels", len(chs)).Msg("channels loaded")
	return nil
}

func (r *Registry) persist(op string, fn func(ctx context.Context) error) {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		r.logger.Error().Err(err).Str("op", op).Msg("channel persistence failed")
	}
}

func normalizeName(raw string) (string, error) {
	name := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(raw), "#"))
	if !nameRegex.MatchString(name) {
		return "", mserr.New(mserr.CodeRequestInvalidInput,
			"channel name must be 1-80 characters of a-z, 0-9, '-' or '_'",
			mserr.Field("name", raw))
	}
	return name, nil
}

func notFound(channelID string) error {
	return mserr.New(mserr.CodeChannelNotFound, "channel not found", mserr.FieldChannelID(channelID))
}

func keys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type nopRelay struct{}

func (nopRelay) SubscribeToChannel(string, string)               {}
func (nopRelay) UnsubscribeFromChannel(string, string)           {}
func (nopRelay) BroadcastToChannel(string, protocol.Payload) int { return 0 }
func (nopRelay) Broadcast(protocol.Payload) int                  { return 0 }
