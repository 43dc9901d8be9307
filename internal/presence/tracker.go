// Package presence tracks per-agent liveness, status, activity and
// typing state.
//
// Status moves between online, idle, busy and dnd while a record
// exists. Offline is terminal: the record is removed and only a new
// Connect brings the agent back. A background checker demotes agents
// that stop sending heartbeats, first to idle and then offline.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/TheCodingKid82/moltslack/internal/clock"
	"github.com/TheCodingKid82/moltslack/internal/crypto"
	mserr "github.com/TheCodingKid82/moltslack/internal/errors"
	"github.com/TheCodingKid82/moltslack/internal/metrics"
	"github.com/TheCodingKid82/moltslack/internal/models"
	"github.com/TheCodingKid82/moltslack/internal/protocol"
)

const (
	CheckInterval  = 30 * time.Second
	IdleTimeout    = 60 * time.Second
	OfflineTimeout = 120 * time.Second
	TypingTimeout  = 10 * time.Second
)

// Disconnect reasons.
const (
	ReasonClosed  = "closed"
	ReasonTimeout = "timeout"
)

// Broadcaster is the slice of the relay hub the tracker drives.
type Broadcaster interface {
	Broadcast(payload protocol.Payload) int
	CloseAgent(agentID, reason string)
}

// Store persists presence records.
type Store interface {
	SavePresence(ctx context.Context, p *models.Presence) error
	DeletePresence(ctx context.Context, agentID string) error
}

// StatusRecorder mirrors status changes onto agent records.
type StatusRecorder interface {
	RecordStatus(agentID string, status models.PresenceStatus, at time.Time)
}

type typingKey struct {
	agentID   string
	channelID string
}

type statusChange struct {
	agentID string
	status  models.PresenceStatus
	at      time.Time
}

type typingTask struct {
	timer *clock.Timer
	gen   uint64
}

// Tracker is the presence table.
type Tracker struct {
	relay  Broadcaster
	store  Store
	clock  clock.Clock
	logger zerolog.Logger

	mu        sync.Mutex
	recorder  StatusRecorder
	presences map[string]*models.Presence
	typing    map[typingKey]typingTask
	gen       uint64
	// recorded holds status changes announced under mu; they reach the
	// recorder only after mu is released.
	recorded []statusChange

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTracker creates an empty tracker. relay and store may be nil.
func NewTracker(relay Broadcaster, store Store, clk clock.Clock, logger zerolog.Logger) *Tracker {
	if relay == nil {
		relay = nopBroadcaster{}
	}
	return &Tracker{
		relay:     relay,
		store:     store,
		clock:     clk,
		logger:    logger.With().Str("component", "presence").Logger(),
		presences: make(map[string]*models.Presence),
		typing:    make(map[typingKey]typingTask),
	}
}

// SetStatusRecorder installs the agent status mirror.
func (t *Tracker) SetStatusRecorder(recorder StatusRecorder) {
	t.mu.Lock()
	t.recorder = recorder
	t.mu.Unlock()
}

// Connect creates or replaces the agent's record with status online.
func (t *Tracker) Connect(agentID string, conn models.ConnectionInfo) *models.Presence {
	now := t.clock.Now()
	if conn.ConnectionID == "" {
		conn.ConnectionID = crypto.NewCorrelationID()
	}
	if conn.ConnectedAt.IsZero() {
		conn.ConnectedAt = now
	}

	t.mu.Lock()
	previous := models.PresenceOffline
	if old, ok := t.presences[agentID]; ok {
		previous = old.Status
		t.cancelTypingLocked(agentID)
	}
	p := &models.Presence{
		AgentID:        agentID,
		Status:         models.PresenceOnline,
		LastHeartbeat:  now,
		ActiveChannels: []string{},
		Connection:     conn,
	}
	t.presences[agentID] = p
	t.announceLocked(p, previous, "connected")
	out := p.Clone()
	t.unlock()

	t.logger.Info().
		Str("agent_id", agentID).
		Str("connection_id", conn.ConnectionID).
		Str("client_type", conn.ClientType).
		Msg("agent connected")

	t.save(out)
	return out
}

// Heartbeat refreshes the agent's liveness and revives it from idle.
// activeChannels replaces the record's channel set when non-nil.
func (t *Tracker) Heartbeat(agentID string, activeChannels []string) bool {
	t.mu.Lock()
	p, ok := t.presences[agentID]
	if !ok {
		t.unlock()
		return false
	}
	p.LastHeartbeat = t.clock.Now()
	if activeChannels != nil {
		p.ActiveChannels = append([]string(nil), activeChannels...)
	}
	if p.Status == models.PresenceIdle {
		p.Status = models.PresenceOnline
		t.announceLocked(p, models.PresenceIdle, "heartbeat")
	}
	out := p.Clone()
	t.unlock()

	t.save(out)
	return true
}

// SetStatus assigns a status directly. Offline cannot be requested; use
// Disconnect. It reports false when the agent has no record.
func (t *Tracker) SetStatus(agentID string, status models.PresenceStatus, message string) (bool, error) {
	if !status.Valid() || status == models.PresenceOffline {
		return false, mserr.New(mserr.CodeRequestInvalidInput, "status must be online, idle, busy or dnd",
			mserr.Field("status", string(status)))
	}

	t.mu.Lock()
	p, ok := t.presences[agentID]
	if !ok {
		t.unlock()
		return false, nil
	}
	previous := p.Status
	p.Status = status
	p.StatusMessage = message
	if previous != status {
		t.announceLocked(p, previous, "requested")
	}
	out := p.Clone()
	t.unlock()

	t.save(out)
	return true, nil
}

// StartActivity records what the agent is doing and marks it busy.
func (t *Tracker) StartActivity(agentID string, activity models.Activity) bool {
	t.mu.Lock()
	p, ok := t.presences[agentID]
	if !ok {
		t.unlock()
		return false
	}
	activity.StartedAt = t.clock.Now()
	p.Activity = &activity
	previous := p.Status
	p.Status = models.PresenceBusy
	t.relay.Broadcast(protocol.ActivityChanged{AgentID: agentID, Activity: p.Activity})
	if previous != p.Status {
		t.announceLocked(p, previous, "activity_started")
	}
	out := p.Clone()
	t.unlock()

	t.save(out)
	return true
}

// EndActivity clears the activity and marks the agent online.
func (t *Tracker) EndActivity(agentID string) bool {
	t.mu.Lock()
	p, ok := t.presences[agentID]
	if !ok {
		t.unlock()
		return false
	}
	p.Activity = nil
	previous := p.Status
	p.Status = models.PresenceOnline
	t.relay.Broadcast(protocol.ActivityChanged{AgentID: agentID})
	if previous != p.Status {
		t.announceLocked(p, previous, "activity_ended")
	}
	out := p.Clone()
	t.unlock()

	t.save(out)
	return true
}

// SetTyping starts or stops the typing indicator. Starting arms a
// TypingTimeout auto-clear for (agent, channel), replacing any earlier
// one for the same pair.
func (t *Tracker) SetTyping(agentID, channelID string, isTyping bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.presences[agentID]
	if !ok {
		return false
	}

	key := typingKey{agentID: agentID, channelID: channelID}
	if task, armed := t.typing[key]; armed {
		task.timer.Stop()
		delete(t.typing, key)
	}

	if !isTyping {
		t.clearTypingLocked(p, channelID)
		return true
	}

	p.IsTyping = true
	p.TypingInChannel = channelID

	t.gen++
	gen := t.gen
	t.typing[key] = typingTask{
		gen:   gen,
		timer: t.clock.AfterFunc(TypingTimeout, func() { t.expireTyping(key, gen) }),
	}
	t.relay.Broadcast(protocol.TypingChanged{AgentID: agentID, ChannelID: channelID, IsTyping: true})
	return true
}

func (t *Tracker) expireTyping(key typingKey, gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	task, ok := t.typing[key]
	if !ok || task.gen != gen {
		return
	}
	delete(t.typing, key)

	if p, ok := t.presences[key.agentID]; ok {
		t.clearTypingLocked(p, key.channelID)
	}
}

func (t *Tracker) clearTypingLocked(p *models.Presence, channelID string) {
	if p.TypingInChannel == channelID {
		p.IsTyping = false
		p.TypingInChannel = ""
	}
	t.relay.Broadcast(protocol.TypingChanged{AgentID: p.AgentID, ChannelID: channelID, IsTyping: false})
}

func (t *Tracker) cancelTypingLocked(agentID string) {
	for key, task := range t.typing {
		if key.agentID == agentID {
			task.timer.Stop()
			delete(t.typing, key)
		}
	}
}

// Disconnect marks the agent offline, announces it and drops the record.
// Disconnecting an absent agent is a no-op that reports false.
func (t *Tracker) Disconnect(agentID, reason string) bool {
	t.mu.Lock()
	ok := t.disconnectLocked(agentID, reason)
	t.unlock()

	if ok {
		t.remove(agentID)
	}
	return ok
}

func (t *Tracker) disconnectLocked(agentID, reason string) bool {
	p, ok := t.presences[agentID]
	if !ok {
		return false
	}
	t.cancelTypingLocked(agentID)
	previous := p.Status
	p.Status = models.PresenceOffline
	p.IsTyping = false
	p.TypingInChannel = ""
	t.announceLocked(p, previous, reason)
	delete(t.presences, agentID)

	t.logger.Info().Str("agent_id", agentID).Str("reason", reason).Msg("agent disconnected")
	return true
}

// CheckHeartbeats runs one scan. Agents silent for longer than
// OfflineTimeout are disconnected; online agents silent for longer than
// IdleTimeout become idle.
func (t *Tracker) CheckHeartbeats() {
	now := t.clock.Now()

	t.mu.Lock()
	var timedOut []string
	var idled []*models.Presence
	for agentID, p := range t.presences {
		silent := now.Sub(p.LastHeartbeat)
		switch {
		case silent > OfflineTimeout && p.Status != models.PresenceOffline:
			timedOut = append(timedOut, agentID)
		case silent > IdleTimeout && p.Status == models.PresenceOnline:
			p.Status = models.PresenceIdle
			t.announceLocked(p, models.PresenceOnline, "inactive")
			idled = append(idled, p.Clone())
		}
	}
	for _, agentID := range timedOut {
		t.disconnectLocked(agentID, ReasonTimeout)
	}
	t.unlock()

	for _, p := range idled {
		t.save(p)
	}
	for _, agentID := range timedOut {
		t.remove(agentID)
		t.relay.CloseAgent(agentID, ReasonTimeout)
	}
}

// Start runs the heartbeat checker every CheckInterval until ctx is done
// or Stop is called.
func (t *Tracker) Start(ctx context.Context) {
	t.runMu.Lock()
	defer t.runMu.Unlock()
	if t.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	ticker := t.clock.NewTicker(CheckInterval)

	go func(done chan struct{}) {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.CheckHeartbeats()
			}
		}
	}(t.done)
}

// Stop halts the checker and cancels pending typing timers.
func (t *Tracker) Stop() {
	t.runMu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.runMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	t.mu.Lock()
	for key, task := range t.typing {
		task.timer.Stop()
		delete(t.typing, key)
	}
	t.mu.Unlock()
}

// Get returns a copy of the agent's record.
func (t *Tracker) Get(agentID string) (*models.Presence, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.presences[agentID]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// List returns every record ordered by agent id.
func (t *Tracker) List() []*models.Presence {
	return t.filter(func(*models.Presence) bool { return true })
}

// InChannel returns the records whose active channels include channelID.
func (t *Tracker) InChannel(channelID string) []*models.Presence {
	return t.filter(func(p *models.Presence) bool {
		for _, id := range p.ActiveChannels {
			if id == channelID {
				return true
			}
		}
		return false
	})
}

func (t *Tracker) filter(keep func(*models.Presence) bool) []*models.Presence {
	t.mu.Lock()
	out := make([]*models.Presence, 0, len(t.presences))
	for _, p := range t.presences {
		if keep(p) {
			out = append(out, p.Clone())
		}
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

func (t *Tracker) announceLocked(p *models.Presence, previous models.PresenceStatus, reason string) {
	metrics.PresenceTransitions.WithLabelValues(string(p.Status)).Inc()
	t.relay.Broadcast(protocol.PresenceChanged{
		AgentID:        p.AgentID,
		Status:         p.Status,
		PreviousStatus: previous,
		StatusMessage:  p.StatusMessage,
		Reason:         reason,
	})
	if t.recorder != nil {
		t.recorded = append(t.recorded, statusChange{agentID: p.AgentID, status: p.Status, at: t.clock.Now()})
	}
}

// unlock releases mu, then hands queued status changes to the recorder,
// which may write to storage.
func (t *Tracker) unlock() {
	recorder, changes := t.recorder, t.recorded
	t.recorded = nil
	t.mu.Unlock()

	for _, c := range changes {
		recorder.RecordStatus(c.agentID, c.status, c.at)
	}
}

func (t *Tracker) save(p *models.Presence) {
	if t.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.store.SavePresence(ctx, p); err != nil {
		t.logger.Error().Err(err).Str("agent_id", p.AgentID).Msg("presence persistence failed")
	}
}

func (t *Tracker) remove(agentID string) {
	if t.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.store.DeletePresence(ctx, agentID); err != nil {
		t.logger.Error().Err(err).Str("agent_id", agentID).Msg("presence removal failed")
	}
}

type nopBroadcaster struct{}

func (nopBroadcaster) Broadcast(protocol.Payload) int { return 0 }
func (nopBroadcaster) CloseAgent(string, string)      {}
