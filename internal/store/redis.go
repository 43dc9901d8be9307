package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/TheCodingKid82/moltslack/internal/models"
)

const (
	agentsKey   = "agents"
	channelsKey = "channels"
	messagesKey = "messages"
)

// RedisStore handles Redis operations. Records are JSON values in hashes;
// per-target message order lives in sorted sets scored by send time.
type RedisStore struct {
	client *redis.Client
}

// NewRedisClient parses redisURL and checks the connection.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, storeErr(err, "parsing redis url")
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, storeErr(err, "pinging redis")
	}
	return client, nil
}

// NewRedisStore creates a store on an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// channelMembersKey returns the key for a channel's member set.
func channelMembersKey(channelID string) string {
	return fmt.Sprintf("channel:%s:members", channelID)
}

// targetMessagesKey returns the key for a target's message sorted set.
func targetMessagesKey(target string) string {
	return fmt.Sprintf("target:%s:messages", target)
}

// presenceKey returns the key for an agent's presence record.
func presenceKey(agentID string) string {
	return fmt.Sprintf("presence:%s", agentID)
}

func (s *RedisStore) SaveAgent(ctx context.Context, agent *models.Agent) error {
	data, err := encode(agent)
	if err != nil {
		return err
	}
	if err := s.client.HSet(ctx, agentsKey, agent.ID, data).Err(); err != nil {
		return storeErr(err, "saving agent")
	}
	return nil
}

func (s *RedisStore) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	data, err := s.client.HGet(ctx, agentsKey, id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, storeErr(err, "loading agent")
	}
	return decode[models.Agent](data)
}

func (s *RedisStore) GetAllAgents(ctx context.Context) ([]*models.Agent, error) {
	agents, err := hashValues[models.Agent](ctx, s.client, agentsKey)
	if err != nil {
		return nil, err
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].CreatedAt.Before(agents[j].CreatedAt) })
	return agents, nil
}

func (s *RedisStore) SaveChannel(ctx context.Context, ch *models.Channel) error {
	data, err := encode(ch)
	if err != nil {
		return err
	}
	if err := s.client.HSet(ctx, channelsKey, ch.ID, data).Err(); err != nil {
		return storeErr(err, "saving channel")
	}
	return nil
}

func (s *RedisStore) DeleteChannel(ctx context.Context, channelID string) error {
	pipe := s.client.TxPipeline()
	pipe.HDel(ctx, channelsKey, channelID)
	pipe.Del(ctx, channelMembersKey(channelID))
	if _, err := pipe.Exec(ctx); err != nil {
		return storeErr(err, "deleting channel")
	}
	return nil
}

func (s *RedisStore) GetAllChannels(ctx context.Context) ([]*models.Channel, error) {
	channels, err := hashValues[models.Channel](ctx, s.client, channelsKey)
	if err != nil {
		return nil, err
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i].CreatedAt.Before(channels[j].CreatedAt) })
	return channels, nil
}

func (s *RedisStore) AddChannelMember(ctx context.Context, channelID, agentID string) error {
	if err := s.client.SAdd(ctx, channelMembersKey(channelID), agentID).Err(); err != nil {
		return storeErr(err, "adding channel member")
	}
	return nil
}

func (s *RedisStore) RemoveChannelMember(ctx context.Context, channelID, agentID string) error {
	if err := s.client.SRem(ctx, channelMembersKey(channelID), agentID).Err(); err != nil {
		return storeErr(err, "removing channel member")
	}
	return nil
}

func (s *RedisStore) GetChannelMembers(ctx context.Context, channelID string) ([]string, error) {
	members, err := s.client.SMembers(ctx, channelMembersKey(channelID)).Result()
	if err != nil {
		return nil, storeErr(err, "loading channel members")
	}
	sort.Strings(members)
	return members, nil
}

// SaveMessage stores the message body by id and indexes it under its
// target. Re-saving an edited message replaces the body in place.
func (s *RedisStore) SaveMessage(ctx context.Context, msg *models.Message) error {
	data, err := encode(msg)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, messagesKey, msg.ID, data)
	pipe.ZAdd(ctx, targetMessagesKey(msg.Target), redis.Z{
		Score:  float64(sentAtMillis(msg)),
		Member: msg.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return storeErr(err, "saving message")
	}
	return nil
}

func (s *RedisStore) GetMessages(ctx context.Context, target string, limit int) ([]*models.Message, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}

	// Get message ids in reverse order (newest first)
	ids, err := s.client.ZRevRange(ctx, targetMessagesKey(target), 0, stop).Result()
	if err != nil {
		return nil, storeErr(err, "loading messages")
	}
	if len(ids) == 0 {
		return nil, nil
	}

	values, err := s.client.HMGet(ctx, messagesKey, ids...).Result()
	if err != nil {
		return nil, storeErr(err, "loading messages")
	}

	messages := make([]*models.Message, 0, len(values))
	for _, v := range values {
		data, ok := v.(string)
		if !ok {
			continue // index entry without a body
		}
		msg, err := decode[models.Message]([]byte(data))
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// SavePresence stores the record with a TTL; records of agents whose
// server went away expire on their own.
func (s *RedisStore) SavePresence(ctx context.Context, p *models.Presence) error {
	data, err := encode(p)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, presenceKey(p.AgentID), data, presenceTTL).Err(); err != nil {
		return storeErr(err, "saving presence")
	}
	return nil
}

func (s *RedisStore) DeletePresence(ctx context.Context, agentID string) error {
	if err := s.client.Del(ctx, presenceKey(agentID)).Err(); err != nil {
		return storeErr(err, "deleting presence")
	}
	return nil
}

func hashValues[T any](ctx context.Context, client *redis.Client, key string) ([]*T, error) {
	values, err := client.HVals(ctx, key).Result()
	if err != nil {
		return nil, storeErr(err, "loading "+key)
	}
	out := make([]*T, 0, len(values))
	for _, data := range values {
		v, err := decode[T]([]byte(data))
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
