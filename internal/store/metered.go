package store

import (
	"context"
	"time"

	"github.com/TheCodingKid82/moltslack/internal/metrics"
	"github.com/TheCodingKid82/moltslack/internal/models"
)

// MeteredStore records latency and failures of every call on the wrapped
// store, labelled by backend and operation.
type MeteredStore struct {
	inner   DataStore
	backend string
}

func NewMeteredStore(inner DataStore, backend string) *MeteredStore {
	return &MeteredStore{inner: inner, backend: backend}
}

func (s *MeteredStore) observe(op string, start time.Time, err error) {
	metrics.StoreLatency.WithLabelValues(s.backend, op).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.StoreErrors.WithLabelValues(s.backend, op).Inc()
	}
}

func (s *MeteredStore) Close() error {
	return s.inner.Close()
}

func (s *MeteredStore) Ping(ctx context.Context) (err error) {
	defer func(start time.Time) { s.observe("ping", start, err) }(time.Now())
	return s.inner.Ping(ctx)
}

func (s *MeteredStore) SaveAgent(ctx context.Context, agent *models.Agent) (err error) {
	defer func(start time.Time) { s.observe("save_agent", start, err) }(time.Now())
	return s.inner.SaveAgent(ctx, agent)
}

func (s *MeteredStore) GetAgent(ctx context.Context, id string) (agent *models.Agent, err error) {
	defer func(start time.Time) { s.observe("get_agent", start, err) }(time.Now())
	return s.inner.GetAgent(ctx, id)
}

func (s *MeteredStore) GetAllAgents(ctx context.Context) (agents []*models.Agent, err error) {
	defer func(start time.Time) { s.observe("get_all_agents", start, err) }(time.Now())
	return s.inner.GetAllAgents(ctx)
}

func (s *MeteredStore) SaveChannel(ctx context.Context, ch *models.Channel) (err error) {
	defer func(start time.Time) { s.observe("save_channel", start, err) }(time.Now())
	return s.inner.SaveChannel(ctx, ch)
}

func (s *MeteredStore) DeleteChannel(ctx context.Context, channelID string) (err error) {
	defer func(start time.Time) { s.observe("delete_channel", start, err) }(time.Now())
	return s.inner.DeleteChannel(ctx, channelID)
}

func (s *MeteredStore) GetAllChannels(ctx context.Context) (channels []*models.Channel, err error) {
	defer func(start time.Time) { s.observe("get_all_channels", start, err) }(time.Now())
	return s.inner.GetAllChannels(ctx)
}

func (s *MeteredStore) AddChannelMember(ctx context.Context, channelID, agentID string) (err error) {
	defer func(start time.Time) { s.observe("add_member", start, err) }(time.Now())
	return s.inner.AddChannelMember(ctx, channelID, agentID)
}

func (s *MeteredStore) RemoveChannelMember(ctx context.Context, channelID, agentID string) (err error) {
	defer func(start time.Time) { s.observe("remove_member", start, err) }(time.Now())
	return s.inner.RemoveChannelMember(ctx, channelID, agentID)
}

func (s *MeteredStore) GetChannelMembers(ctx context.Context, channelID string) (members []string, err error) {
	defer func(start time.Time) { s.observe("get_members", start, err) }(time.Now())
	return s.inner.GetChannelMembers(ctx, channelID)
}

func (s *MeteredStore) SaveMessage(ctx context.Context, msg *models.Message) (err error) {
	defer func(start time.Time) { s.observe("save_message", start, err) }(time.Now())
	return s.inner.SaveMessage(ctx, msg)
}

func (s *MeteredStore) GetMessages(ctx context.Context, target string, limit int) (messages []*models.Message, err error) {
	defer func(start time.Time) { s.observe("get_messages", start, err) }(time.Now())
	return s.inner.GetMessages(ctx, target, limit)
}

func (s *MeteredStore) SavePresence(ctx context.Context, p *models.Presence) (err error) {
	defer func(start time.Time) { s.observe("save_presence", start, err) }(time.Now())
	return s.inner.SavePresence(ctx, p)
}

func (s *MeteredStore) DeletePresence(ctx context.Context, agentID string) (err error) {
	defer func(start time.Time) { s.observe("delete_presence", start, err) }(time.Now())
	return s.inner.DeletePresence(ctx, agentID)
}
