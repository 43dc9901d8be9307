package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/TheCodingKid82/moltslack/internal/models"
)

// SQLiteStore handles SQLite database operations.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/moltslack.db". ":memory:" opens
// a private in-memory database.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/moltslack.db"
	}

	dsn := ":memory:"
	if dbPath != ":memory:" {
		// Ensure directory exists
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, storeErr(err, "creating sqlite directory")
		}
		dsn = dbPath + "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, storeErr(err, "opening sqlite")
	}
	if dbPath == ":memory:" {
		// every pooled connection would otherwise see its own database
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, storeErr(err, "pinging sqlite")
	}

	store := &SQLiteStore{db: db}

	// Initialize schema
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT UNIQUE NOT NULL,
		created_at INTEGER NOT NULL,
		data TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS channels (
		id TEXT PRIMARY KEY,
		name TEXT UNIQUE NOT NULL,
		created_at INTEGER NOT NULL,
		data TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS channel_members (
		channel_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		joined_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (channel_id, agent_id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		target TEXT NOT NULL,
		sent_at INTEGER NOT NULL,
		data TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS presence (
		agent_id TEXT PRIMARY KEY,
		data TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_target_sent ON messages(target, sent_at);
	`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return storeErr(err, "initializing sqlite schema")
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) SaveAgent(ctx context.Context, agent *models.Agent) error {
	data, err := encode(agent)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, created_at, data) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, data = excluded.data
	`, agent.ID, agent.Name, agent.CreatedAt.UnixMilli(), string(data))
	if err != nil {
		return storeErr(err, "saving agent")
	}
	return nil
}

// GetAgent retrieves an agent by ID.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM agents WHERE id = ?`, id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, storeErr(err, "loading agent")
	}
	return decode[models.Agent]([]byte(data))
}

func (s *SQLiteStore) GetAllAgents(ctx context.Context) ([]*models.Agent, error) {
	return sqliteQueryAll[models.Agent](ctx, s.db, `SELECT data FROM agents ORDER BY created_at`)
}

func (s *SQLiteStore) SaveChannel(ctx context.Context, ch *models.Channel) error {
	data, err := encode(ch)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO channels (id, name, created_at, data) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, data = excluded.data
	`, ch.ID, ch.Name, ch.CreatedAt.UnixMilli(), string(data))
	if err != nil {
		return storeErr(err, "saving channel")
	}
	return nil
}

func (s *SQLiteStore) DeleteChannel(ctx context.Context, channelID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr(err, "deleting channel")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM channel_members WHERE channel_id = ?`, channelID); err != nil {
		return storeErr(err, "deleting channel members")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM channels WHERE id = ?`, channelID); err != nil {
		return storeErr(err, "deleting channel")
	}
	if err := tx.Commit(); err != nil {
		return storeErr(err, "deleting channel")
	}
	return nil
}

func (s *SQLiteStore) GetAllChannels(ctx context.Context) ([]*models.Channel, error) {
	return sqliteQueryAll[models.Channel](ctx, s.db, `SELECT data FROM channels ORDER BY created_at`)
}

func (s *SQLiteStore) AddChannelMember(ctx context.Context, channelID, agentID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO channel_members (channel_id, agent_id) VALUES (?, ?)
	`, channelID, agentID)
	if err != nil {
		return storeErr(err, "adding channel member")
	}
	return nil
}

func (s *SQLiteStore) RemoveChannelMember(ctx context.Context, channelID, agentID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM channel_members WHERE channel_id = ? AND agent_id = ?
	`, channelID, agentID)
	if err != nil {
		return storeErr(err, "removing channel member")
	}
	return nil
}

func (s *SQLiteStore) GetChannelMembers(ctx context.Context, channelID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id FROM channel_members WHERE channel_id = ? ORDER BY agent_id
	`, channelID)
	if err != nil {
		return nil, storeErr(err, "loading channel members")
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storeErr(err, "scanning channel member")
		}
		members = append(members, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err, "loading channel members")
	}
	return members, nil
}

func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *models.Message) error {
	data, err := encode(msg)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, target, sent_at, data) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data
	`, msg.ID, msg.Target, sentAtMillis(msg), string(data))
	if err != nil {
		return storeErr(err, "saving message")
	}
	return nil
}

func (s *SQLiteStore) GetMessages(ctx context.Context, target string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	return sqliteQueryAll[models.Message](ctx, s.db, `
		SELECT data FROM messages WHERE target = ?
		ORDER BY sent_at DESC, rowid DESC LIMIT ?
	`, target, limit)
}

func (s *SQLiteStore) SavePresence(ctx context.Context, p *models.Presence) error {
	data, err := encode(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO presence (agent_id, data) VALUES (?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET data = excluded.data
	`, p.AgentID, string(data))
	if err != nil {
		return storeErr(err, "saving presence")
	}
	return nil
}

func (s *SQLiteStore) DeletePresence(ctx context.Context, agentID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM presence WHERE agent_id = ?`, agentID); err != nil {
		return storeErr(err, "deleting presence")
	}
	return nil
}

func sqliteQueryAll[T any](ctx context.Context, db *sql.DB, query string, args ...any) ([]*T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr(err, "querying sqlite")
	}
	defer rows.Close()

	var out []*T
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, storeErr(err, "scanning row")
		}
		v, err := decode[T]([]byte(data))
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err, "querying sqlite")
	}
	return out, nil
}
