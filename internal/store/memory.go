package store

import (
	"context"
	"sort"
	"sync"

	"github.com/TheCodingKid82/moltslack/internal/models"
)

// MemoryStore keeps everything in process memory. It is the default
// backend in development and the one tests run against.
type MemoryStore struct {
	mu       sync.RWMutex
	agents   map[string]*models.Agent
	channels map[string]*models.Channel
	members  map[string]map[string]struct{}
	messages map[string]*storedMessage
	byTarget map[string][]*storedMessage
	presence map[string]*models.Presence
	seq      uint64
}

type storedMessage struct {
	msg *models.Message
	seq uint64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:   make(map[string]*models.Agent),
		channels: make(map[string]*models.Channel),
		members:  make(map[string]map[string]struct{}),
		messages: make(map[string]*storedMessage),
		byTarget: make(map[string][]*storedMessage),
		presence: make(map[string]*models.Presence),
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) SaveAgent(_ context.Context, agent *models.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[agent.ID] = agent.Clone()
	return nil
}

func (s *MemoryStore) GetAgent(_ context.Context, id string) (*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agent, ok := s.agents[id]
	if !ok {
		return nil, nil
	}
	return agent.Clone(), nil
}

func (s *MemoryStore) GetAllAgents(context.Context) ([]*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Agent, 0, len(s.agents))
	for _, agent := range s.agents {
		out = append(out, agent.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) SaveChannel(_ context.Context, ch *models.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[ch.ID] = ch.Clone()
	return nil
}

func (s *MemoryStore) DeleteChannel(_ context.Context, channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channels, channelID)
	delete(s.members, channelID)
	return nil
}

func (s *MemoryStore) GetAllChannels(context.Context) ([]*models.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		out = append(out, ch.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) AddChannelMember(_ context.Context, channelID, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.members[channelID]
	if !ok {
		set = make(map[string]struct{})
		s.members[channelID] = set
	}
	set[agentID] = struct{}{}
	return nil
}

func (s *MemoryStore) RemoveChannelMember(_ context.Context, channelID, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members[channelID], agentID)
	return nil
}

func (s *MemoryStore) GetChannelMembers(_ context.Context, channelID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.members[channelID]))
	for id := range s.members[channelID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) SaveMessage(_ context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.messages[msg.ID]; ok {
		existing.msg = msg.Clone()
		return nil
	}
	s.seq++
	stored := &storedMessage{msg: msg.Clone(), seq: s.seq}
	s.messages[msg.ID] = stored
	s.byTarget[msg.Target] = append(s.byTarget[msg.Target], stored)
	return nil
}

func (s *MemoryStore) GetMessages(_ context.Context, target string, limit int) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := append([]*storedMessage(nil), s.byTarget[target]...)
	sort.Slice(stored, func(i, j int) bool {
		a, b := stored[i], stored[j]
		if !a.msg.SentAt.Equal(b.msg.SentAt) {
			return a.msg.SentAt.After(b.msg.SentAt)
		}
		return a.seq > b.seq
	})
	if limit > 0 && len(stored) > limit {
		stored = stored[:limit]
	}

	out := make([]*models.Message, len(stored))
	for i, m := range stored {
		out[i] = m.msg.Clone()
	}
	return out, nil
}

func (s *MemoryStore) SavePresence(_ context.Context, p *models.Presence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presence[p.AgentID] = p.Clone()
	return nil
}

func (s *MemoryStore) DeletePresence(_ context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.presence, agentID)
	return nil
}

// GetPresence returns the stored presence record for the agent.
func (s *MemoryStore) GetPresence(agentID string) (*models.Presence, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.presence[agentID]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}
