package store

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog"

	mserr "github.com/TheCodingKid82/moltslack/internal/errors"
	"github.com/TheCodingKid82/moltslack/internal/metrics"
	"github.com/TheCodingKid82/moltslack/internal/models"
)

const (
	writesTopic     = "store.writes"
	writeQueueDepth = 1024
)

type writeOp string

const (
	opSaveAgent      writeOp = "save_agent"
	opSaveChannel    writeOp = "save_channel"
	opDeleteChannel  writeOp = "delete_channel"
	opAddMember      writeOp = "add_member"
	opRemoveMember   writeOp = "remove_member"
	opSaveMessage    writeOp = "save_message"
	opSavePresence   writeOp = "save_presence"
	opDeletePresence writeOp = "delete_presence"
)

// write is the payload of one queued mutation.
type write struct {
	Op        writeOp         `json:"op"`
	ChannelID string          `json:"channel_id,omitempty"`
	AgentID   string          `json:"agent_id,omitempty"`
	Record    json.RawMessage `json:"record,omitempty"`
}

// AsyncStore is a write-behind DataStore. Mutations return as soon as
// they are queued; a single consumer applies them to the wrapped store in
// queue order over a watermill pub/sub. Reads go straight to the wrapped
// store.
type AsyncStore struct {
	inner  DataStore
	pubsub *gochannel.GoChannel
	logger zerolog.Logger

	queue   chan *message.Message
	pending sync.WaitGroup
	done    chan struct{}

	closeMu sync.RWMutex
	closed  bool
}

// NewAsyncStore starts the consumer and returns the wrapper.
func NewAsyncStore(inner DataStore, logger zerolog.Logger) (*AsyncStore, error) {
	pubsub := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            writeQueueDepth,
			BlockPublishUntilSubscriberAck: true,
		},
		watermill.NopLogger{},
	)

	writes, err := pubsub.Subscribe(context.Background(), writesTopic)
	if err != nil {
		return nil, mserr.Wrap(err, mserr.CodeInternalFailure, "subscribing to store writes")
	}

	s := &AsyncStore{
		inner:  inner,
		pubsub: pubsub,
		logger: logger.With().Str("component", "store.async").Logger(),
		queue:  make(chan *message.Message, writeQueueDepth),
		done:   make(chan struct{}),
	}
	go s.consume(writes)
	go s.publish()
	return s, nil
}

// publish forwards queued writes one at a time so the consumer sees them
// in enqueue order.
func (s *AsyncStore) publish() {
	defer close(s.done)
	for msg := range s.queue {
		if err := s.pubsub.Publish(writesTopic, msg); err != nil {
			s.logger.Error().Err(err).Msg("publishing store write failed")
			s.pending.Done()
		}
	}
}

func (s *AsyncStore) consume(writes <-chan *message.Message) {
	for msg := range writes {
		var w write
		if err := json.Unmarshal(msg.Payload, &w); err != nil {
			s.logger.Error().Err(err).Str("message_uuid", msg.UUID).Msg("undecodable store write")
		} else {
			ctx, cancel := context.WithTimeout(context.Background(), applyTimeout)
			if err := s.apply(ctx, w); err != nil {
				metrics.StoreErrors.WithLabelValues("async", string(w.Op)).Inc()
				s.logger.Error().Err(err).Str("op", string(w.Op)).Msg("store write failed")
			}
			cancel()
		}
		msg.Ack()
		s.pending.Done()
	}
}

func (s *AsyncStore) apply(ctx context.Context, w write) error {
	switch w.Op {
	case opSaveAgent:
		agent, err := decode[models.Agent](w.Record)
		if err != nil {
			return err
		}
		return s.inner.SaveAgent(ctx, agent)
	case opSaveChannel:
		ch, err := decode[models.Channel](w.Record)
		if err != nil {
			return err
		}
		return s.inner.SaveChannel(ctx, ch)
	case opDeleteChannel:
		return s.inner.DeleteChannel(ctx, w.ChannelID)
	case opAddMember:
		return s.inner.AddChannelMember(ctx, w.ChannelID, w.AgentID)
	case opRemoveMember:
		return s.inner.RemoveChannelMember(ctx, w.ChannelID, w.AgentID)
	case opSaveMessage:
		msg, err := decode[models.Message](w.Record)
		if err != nil {
			return err
		}
		return s.inner.SaveMessage(ctx, msg)
	case opSavePresence:
		p, err := decode[models.Presence](w.Record)
		if err != nil {
			return err
		}
		return s.inner.SavePresence(ctx, p)
	case opDeletePresence:
		return s.inner.DeletePresence(ctx, w.AgentID)
	default:
		return mserr.New(mserr.CodeStoreFailure, "unknown store write", mserr.Field("op", string(w.Op)))
	}
}

func (s *AsyncStore) enqueue(w write, record any) error {
	if record != nil {
		data, err := encode(record)
		if err != nil {
			return err
		}
		w.Record = data
	}
	payload, err := json.Marshal(w)
	if err != nil {
		return mserr.Wrap(err, mserr.CodeStoreFailure, "encoding store write")
	}

	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return mserr.New(mserr.CodeStoreFailure, "store is closed", mserr.Field("op", string(w.Op)))
	}
	s.pending.Add(1)
	s.queue <- message.NewMessage(watermill.NewUUID(), payload)
	return nil
}

// Flush waits until every queued write has been applied or ctx is done.
func (s *AsyncStore) Flush(ctx context.Context) error {
	drained := make(chan struct{})
	go func() {
		s.pending.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close applies the remaining writes, then closes the wrapped store.
func (s *AsyncStore) Close() error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.closeMu.Unlock()

	<-s.done
	s.pending.Wait()
	if err := s.pubsub.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("closing store pubsub")
	}
	return s.inner.Close()
}

func (s *AsyncStore) Ping(ctx context.Context) error {
	return s.inner.Ping(ctx)
}

func (s *AsyncStore) SaveAgent(_ context.Context, agent *models.Agent) error {
	return s.enqueue(write{Op: opSaveAgent}, agent)
}

func (s *AsyncStore) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	return s.inner.GetAgent(ctx, id)
}

func (s *AsyncStore) GetAllAgents(ctx context.Context) ([]*models.Agent, error) {
	return s.inner.GetAllAgents(ctx)
}

func (s *AsyncStore) SaveChannel(_ context.Context, ch *models.Channel) error {
	return s.enqueue(write{Op: opSaveChannel}, ch)
}

func (s *AsyncStore) DeleteChannel(_ context.Context, channelID string) error {
	return s.enqueue(write{Op: opDeleteChannel, ChannelID: channelID}, nil)
}

func (s *AsyncStore) GetAllChannels(ctx context.Context) ([]*models.Channel, error) {
	return s.inner.GetAllChannels(ctx)
}

func (s *AsyncStore) AddChannelMember(_ context.Context, channelID, agentID string) error {
	return s.enqueue(write{Op: opAddMember, ChannelID: channelID, AgentID: agentID}, nil)
}

func (s *AsyncStore) RemoveChannelMember(_ context.Context, channelID, agentID string) error {
	return s.enqueue(write{Op: opRemoveMember, ChannelID: channelID, AgentID: agentID}, nil)
}

func (s *AsyncStore) GetChannelMembers(ctx context.Context, channelID string) ([]string, error) {
	return s.inner.GetChannelMembers(ctx, channelID)
}

func (s *AsyncStore) SaveMessage(_ context.Context, msg *models.Message) error {
	return s.enqueue(write{Op: opSaveMessage}, msg)
}

func (s *AsyncStore) GetMessages(ctx context.Context, target string, limit int) ([]*models.Message, error) {
	return s.inner.GetMessages(ctx, target, limit)
}

func (s *AsyncStore) SavePresence(_ context.Context, p *models.Presence) error {
	return s.enqueue(write{Op: opSavePresence}, p)
}

func (s *AsyncStore) DeletePresence(_ context.Context, agentID string) error {
	return s.enqueue(write{Op: opDeletePresence, AgentID: agentID}, nil)
}
