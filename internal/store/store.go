// Package store persists agents, channels, memberships, messages and
// presence for the coordination engine. The engine keeps its working
// state in memory and writes through a DataStore after every mutation;
// reads happen only at startup.
package store

import (
	"context"
	"encoding/json"
	"time"

	mserr "github.com/TheCodingKid82/moltslack/internal/errors"
	"github.com/TheCodingKid82/moltslack/internal/models"
)

// DataStore defines the storage verbs the engine depends on. All
// adapters (memory, SQLite, PostgreSQL, Redis) implement it.
type DataStore interface {
	// Connection management
	Close() error
	Ping(ctx context.Context) error

	// Agent operations. GetAgent returns nil, nil for unknown ids.
	SaveAgent(ctx context.Context, agent *models.Agent) error
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	GetAllAgents(ctx context.Context) ([]*models.Agent, error)

	// Channel operations
	SaveChannel(ctx context.Context, ch *models.Channel) error
	DeleteChannel(ctx context.Context, channelID string) error
	GetAllChannels(ctx context.Context) ([]*models.Channel, error)
	AddChannelMember(ctx context.Context, channelID, agentID string) error
	RemoveChannelMember(ctx context.Context, channelID, agentID string) error
	GetChannelMembers(ctx context.Context, channelID string) ([]string, error)

	// Message operations. SaveMessage upserts by id; GetMessages returns
	// the newest messages of a target first.
	SaveMessage(ctx context.Context, msg *models.Message) error
	GetMessages(ctx context.Context, target string, limit int) ([]*models.Message, error)

	// Presence operations
	SavePresence(ctx context.Context, p *models.Presence) error
	DeletePresence(ctx context.Context, agentID string) error
}

// Backend names used in configuration and metrics labels.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

func encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, mserr.Wrap(err, mserr.CodeStoreFailure, "encoding record")
	}
	return data, nil
}

func decode[T any](data []byte) (*T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, mserr.Wrap(err, mserr.CodeStoreFailure, "decoding record")
	}
	return &v, nil
}

func sentAtMillis(msg *models.Message) int64 {
	return msg.SentAt.UnixMilli()
}

func storeErr(err error, op string) error {
	return mserr.Wrap(err, mserr.CodeStoreFailure, op)
}

// presenceTTL bounds how long a stored presence record outlives its last
// heartbeat in backends that support expiry.
const presenceTTL = 5 * time.Minute

// applyTimeout bounds a single queued write.
const applyTimeout = 5 * time.Second
