package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/TheCodingKid82/moltslack/internal/models"
)

// schemaVersion is bumped whenever postgresSchema changes.
const schemaVersion = 1

const postgresSchema = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	name TEXT UNIQUE NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	data JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS channels (
	id TEXT PRIMARY KEY,
	name TEXT UNIQUE NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	data JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS channel_members (
	channel_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	joined_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (channel_id, agent_id)
);

CREATE TABLE IF NOT EXISTS messages (
	seq BIGSERIAL,
	id TEXT PRIMARY KEY,
	target TEXT NOT NULL,
	sent_at BIGINT NOT NULL,
	data JSONB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_target_sent ON messages (target, sent_at DESC);

CREATE TABLE IF NOT EXISTS presence (
	agent_id TEXT PRIMARY KEY,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	data JSONB NOT NULL
);
`

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, storeErr(err, "creating postgres pool")
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, storeErr(err, "pinging postgres")
	}

	return &PostgresStore{pool: pool}, nil
}

// Migrate creates the schema if needed and records its version.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storeErr(err, "starting migration")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, postgresSchema); err != nil {
		return storeErr(err, "applying schema")
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO schema_version (version) VALUES ($1) ON CONFLICT (version) DO NOTHING
	`, schemaVersion); err != nil {
		return storeErr(err, "recording schema version")
	}
	if err := tx.Commit(ctx); err != nil {
		return storeErr(err, "committing migration")
	}
	return nil
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) SaveAgent(ctx context.Context, agent *models.Agent) error {
	data, err := encode(agent)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO agents (id, name, created_at, data) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, data = EXCLUDED.data
	`, agent.ID, agent.Name, agent.CreatedAt, data)
	if err != nil {
		return storeErr(err, "saving agent")
	}
	return nil
}

// GetAgent retrieves an agent by ID.
func (s *PostgresStore) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM agents WHERE id = $1`, id).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, storeErr(err, "loading agent")
	}
	return decode[models.Agent](data)
}

func (s *PostgresStore) GetAllAgents(ctx context.Context) ([]*models.Agent, error) {
	return pgQueryAll[models.Agent](ctx, s.pool, `SELECT data FROM agents ORDER BY created_at`)
}

func (s *PostgresStore) SaveChannel(ctx context.Context, ch *models.Channel) error {
	data, err := encode(ch)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO channels (id, name, created_at, data) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, data = EXCLUDED.data
	`, ch.ID, ch.Name, ch.CreatedAt, data)
	if err != nil {
		return storeErr(err, "saving channel")
	}
	return nil
}

func (s *PostgresStore) DeleteChannel(ctx context.Context, channelID string) error {
	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM channel_members WHERE channel_id = $1`, channelID)
	batch.Queue(`DELETE FROM channels WHERE id = $1`, channelID)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storeErr(err, "deleting channel")
	}
	defer tx.Rollback(ctx)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return storeErr(err, "deleting channel")
	}
	if err := tx.Commit(ctx); err != nil {
		return storeErr(err, "deleting channel")
	}
	return nil
}

func (s *PostgresStore) GetAllChannels(ctx context.Context) ([]*models.Channel, error) {
	return pgQueryAll[models.Channel](ctx, s.pool, `SELECT data FROM channels ORDER BY created_at`)
}

func (s *PostgresStore) AddChannelMember(ctx context.Context, channelID, agentID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO channel_members (channel_id, agent_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, channelID, agentID)
	if err != nil {
		return storeErr(err, "adding channel member")
	}
	return nil
}

func (s *PostgresStore) RemoveChannelMember(ctx context.Context, channelID, agentID string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM channel_members WHERE channel_id = $1 AND agent_id = $2
	`, channelID, agentID)
	if err != nil {
		return storeErr(err, "removing channel member")
	}
	return nil
}

func (s *PostgresStore) GetChannelMembers(ctx context.Context, channelID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT agent_id FROM channel_members WHERE channel_id = $1 ORDER BY agent_id
	`, channelID)
	if err != nil {
		return nil, storeErr(err, "loading channel members")
	}
	members, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, storeErr(err, "loading channel members")
	}
	return members, nil
}

func (s *PostgresStore) SaveMessage(ctx context.Context, msg *models.Message) error {
	data, err := encode(msg)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO messages (id, target, sent_at, data) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data
	`, msg.ID, msg.Target, sentAtMillis(msg), data)
	if err != nil {
		return storeErr(err, "saving message")
	}
	return nil
}

func (s *PostgresStore) GetMessages(ctx context.Context, target string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		return pgQueryAll[models.Message](ctx, s.pool, `
			SELECT data FROM messages WHERE target = $1 ORDER BY sent_at DESC, seq DESC
		`, target)
	}
	return pgQueryAll[models.Message](ctx, s.pool, `
		SELECT data FROM messages WHERE target = $1 ORDER BY sent_at DESC, seq DESC LIMIT $2
	`, target, limit)
}

func (s *PostgresStore) SavePresence(ctx context.Context, p *models.Presence) error {
	data, err := encode(p)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO presence (agent_id, data) VALUES ($1, $2)
		ON CONFLICT (agent_id) DO UPDATE SET data = EXCLUDED.data, updated_at = now()
	`, p.AgentID, data)
	if err != nil {
		return storeErr(err, "saving presence")
	}
	return nil
}

func (s *PostgresStore) DeletePresence(ctx context.Context, agentID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM presence WHERE agent_id = $1`, agentID); err != nil {
		return storeErr(err, "deleting presence")
	}
	return nil
}

func pgQueryAll[T any](ctx context.Context, pool *pgxpool.Pool, query string, args ...any) ([]*T, error) {
	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, storeErr(err, "querying postgres")
	}
	raw, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, storeErr(err, "querying postgres")
	}

	out := make([]*T, 0, len(raw))
	for _, data := range raw {
		v, err := decode[T](data)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
