// Package engine wires the coordination components together and exposes
// the operations the HTTP and relay surfaces call. Every operation takes
// the caller's verified claims and authorizes before touching state.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/TheCodingKid82/moltslack/internal/agents"
	"github.com/TheCodingKid82/moltslack/internal/auth"
	"github.com/TheCodingKid82/moltslack/internal/channel"
	"github.com/TheCodingKid82/moltslack/internal/clock"
	"github.com/TheCodingKid82/moltslack/internal/crypto"
	mserr "github.com/TheCodingKid82/moltslack/internal/errors"
	"github.com/TheCodingKid82/moltslack/internal/message"
	"github.com/TheCodingKid82/moltslack/internal/presence"
	"github.com/TheCodingKid82/moltslack/internal/relay"
	"github.com/TheCodingKid82/moltslack/internal/store"
)

// DefaultHistory is the number of messages per target replayed from
// storage at startup.
const DefaultHistory = 500

// Config holds the engine settings.
type Config struct {
	// MasterKey is the root secret; token and message keys derive from it.
	MasterKey []byte
	TokenTTL  time.Duration
	// History bounds the startup replay per target. Zero selects
	// DefaultHistory; negative disables replay.
	History int
}

// Engine is the composition root.
type Engine struct {
	Auth     *auth.Engine
	Agents   *agents.Directory
	Channels *channel.Registry
	Presence *presence.Tracker
	Messages *message.Pipeline
	Hub      *relay.Hub

	store   store.DataStore
	clock   clock.Clock
	logger  zerolog.Logger
	history int

	mu       sync.RWMutex
	sessions map[string]*auth.Claims
}

// New builds every component on ds. ds may be nil, in which case an
// in-memory store is used.
func New(cfg Config, ds store.DataStore, clk clock.Clock, logger zerolog.Logger) (*Engine, error) {
	if ds == nil {
		ds = store.NewMemoryStore()
	}
	if clk == nil {
		clk = clock.Real()
	}

	tokenKey, err := crypto.TokenSigningKey(cfg.MasterKey)
	if err != nil {
		return nil, err
	}
	messageKey, err := crypto.MessageSigningKey(cfg.MasterKey)
	if err != nil {
		return nil, err
	}
	signer, err := crypto.NewSigner(messageKey)
	if err != nil {
		return nil, err
	}

	history := cfg.History
	if history == 0 {
		history = DefaultHistory
	}

	e := &Engine{
		store:    ds,
		clock:    clk,
		logger:   logger.With().Str("component", "engine").Logger(),
		history:  history,
		sessions: make(map[string]*auth.Claims),
	}

	e.Auth = auth.New(tokenKey, clk, logger)
	e.Hub = relay.NewHub(e.Auth, e, clk, logger)
	e.Agents = agents.NewDirectory(e.Auth, ds, clk, logger, agents.WithTokenTTL(cfg.TokenTTL))
	e.Channels = channel.NewRegistry(ds, e.Hub, clk, logger)
	e.Channels.SetRoleResolver(e.Agents)
	e.Presence = presence.NewTracker(presenceRelay{e}, ds, clk, logger)
	e.Presence.SetStatusRecorder(e.Agents)
	e.Messages = message.NewPipeline(e.Channels, e.Hub, ds, signer, clk, logger)

	return e, nil
}

// Load restores agents, channels and recent messages from storage. Seeded
// channels that storage does not know yet are written back so their ids
// survive a restart.
func (e *Engine) Load(ctx context.Context) error {
	if err := e.Agents.Load(ctx, e.store); err != nil {
		return err
	}

	stored, err := e.store.GetAllChannels(ctx)
	if err != nil {
		return mserr.Wrap(err, mserr.CodeStoreFailure, "loading channels")
	}
	if err := e.Channels.Load(ctx, e.store); err != nil {
		return err
	}
	known := make(map[string]struct{}, len(stored))
	for _, ch := range stored {
		known[ch.ID] = struct{}{}
	}
	for _, ch := range e.Channels.List() {
		if _, ok := known[ch.ID]; ok {
			continue
		}
		if err := e.store.SaveChannel(ctx, ch); err != nil {
			return mserr.Wrap(err, mserr.CodeStoreFailure, "saving seeded channel", mserr.FieldChannelID(ch.ID))
		}
	}

	if e.history < 0 {
		return nil
	}
	targets := []string{"*"}
	for _, ch := range e.Channels.List() {
		targets = append(targets, ch.ID)
	}
	for _, agent := range e.Agents.List() {
		targets = append(targets, agent.ID)
	}
	return e.Messages.Load(ctx, e.store, targets, e.history)
}

// Start runs the heartbeat checker and, when relayAddr is set, a
// dedicated relay listener.
func (e *Engine) Start(ctx context.Context, relayAddr string) error {
	e.Presence.Start(ctx)
	if relayAddr != "" {
		if err := e.Hub.Start(relayAddr); err != nil {
			e.Presence.Stop()
			return err
		}
	}
	e.logger.Info().Str("relay_addr", relayAddr).Msg("engine started")
	return nil
}

// Close stops the checker and the hub, then closes the store.
func (e *Engine) Close(ctx context.Context) error {
	e.Presence.Stop()
	if err := e.Hub.Stop(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("relay shutdown")
	}
	return e.store.Close()
}

// Ping checks the store.
func (e *Engine) Ping(ctx context.Context) error {
	return e.store.Ping(ctx)
}

// Verify returns the claims of a valid token, or nil.
func (e *Engine) Verify(token string) *auth.Claims {
	return e.Auth.VerifyToken(token)
}

func (e *Engine) session(agentID string) *auth.Claims {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sessions[agentID]
}
