package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mserr "github.com/TheCodingKid82/moltslack/internal/errors"
	"github.com/TheCodingKid82/moltslack/internal/models"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// backends returns every adapter reachable from this test run. Postgres
// and Redis join when TEST_DATABASE_URL / TEST_REDIS_URL are set.
func backends(t *testing.T) map[string]func(t *testing.T) DataStore {
	out := map[string]func(t *testing.T) DataStore{
		"memory": func(t *testing.T) DataStore { return NewMemoryStore() },
		"sqlite": func(t *testing.T) DataStore {
			s, err := NewSQLiteStore(context.Background(), ":memory:")
			require.NoError(t, err)
			return s
		},
	}
	if url := os.Getenv("TEST_DATABASE_URL"); url != "" {
		out["postgres"] = func(t *testing.T) DataStore {
			s, err := NewPostgresStore(context.Background(), url)
			require.NoError(t, err)
			require.NoError(t, s.Migrate(context.Background()))
			_, err = s.pool.Exec(context.Background(), `TRUNCATE agents, channels, channel_members, messages, presence`)
			require.NoError(t, err)
			return s
		}
	}
	if url := os.Getenv("TEST_REDIS_URL"); url != "" {
		out["redis"] = func(t *testing.T) DataStore {
			client, err := NewRedisClient(context.Background(), url)
			require.NoError(t, err)
			require.NoError(t, client.FlushDB(context.Background()).Err())
			return NewRedisStore(client)
		}
	}
	return out
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s DataStore)) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			t.Cleanup(func() { s.Close() })
			fn(t, s)
		})
	}
}

func testMessage(id, target string, sentAt time.Time) *models.Message {
	return &models.Message{
		ID:             id,
		Target:         target,
		TargetType:     models.TargetChannel,
		SenderID:       "alice",
		Type:           models.MessageText,
		Content:        models.Content{Text: "hello " + id},
		Signature:      "sig",
		DeliveryStatus: models.StatusSent,
		SentAt:         sentAt,
	}
}

func TestAgentRoundTrip(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s DataStore) {
		ctx := context.Background()

		missing, err := s.GetAgent(ctx, "nobody")
		require.NoError(t, err)
		assert.Nil(t, missing)

		first := &models.Agent{ID: "a1", Name: "alice", Type: models.AgentTypeAI, CreatedAt: epoch}
		second := &models.Agent{ID: "a2", Name: "bob", Type: models.AgentTypeHuman, CreatedAt: epoch.Add(time.Second)}
		require.NoError(t, s.SaveAgent(ctx, second))
		require.NoError(t, s.SaveAgent(ctx, first))

		first.Status = models.PresenceBusy
		require.NoError(t, s.SaveAgent(ctx, first))

		got, err := s.GetAgent(ctx, "a1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "alice", got.Name)
		assert.Equal(t, models.PresenceBusy, got.Status)

		all, err := s.GetAllAgents(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "a1", all[0].ID)
		assert.Equal(t, "a2", all[1].ID)
	})
}

func TestChannelMembershipAndDelete(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s DataStore) {
		ctx := context.Background()

		ch := &models.Channel{ID: "c1", Name: "ops", Type: models.ChannelPublic, CreatedAt: epoch}
		require.NoError(t, s.SaveChannel(ctx, ch))
		require.NoError(t, s.AddChannelMember(ctx, "c1", "bob"))
		require.NoError(t, s.AddChannelMember(ctx, "c1", "alice"))
		require.NoError(t, s.AddChannelMember(ctx, "c1", "alice"))

		members, err := s.GetChannelMembers(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, []string{"alice", "bob"}, members)

		require.NoError(t, s.RemoveChannelMember(ctx, "c1", "bob"))
		members, err = s.GetChannelMembers(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, []string{"alice"}, members)

		require.NoError(t, s.DeleteChannel(ctx, "c1"))
		channels, err := s.GetAllChannels(ctx)
		require.NoError(t, err)
		assert.Empty(t, channels)
		members, err = s.GetChannelMembers(ctx, "c1")
		require.NoError(t, err)
		assert.Empty(t, members)
	})
}

func TestMessagesNewestFirstWithLimit(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s DataStore) {
		ctx := context.Background()

		for i, id := range []string{"m1", "m2", "m3"} {
			require.NoError(t, s.SaveMessage(ctx, testMessage(id, "c1", epoch.Add(time.Duration(i)*time.Second))))
		}
		require.NoError(t, s.SaveMessage(ctx, testMessage("other", "c2", epoch)))

		edited := testMessage("m2", "c1", epoch.Add(time.Second))
		edited.Content.Text = "edited"
		require.NoError(t, s.SaveMessage(ctx, edited))

		all, err := s.GetMessages(ctx, "c1", 0)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "m3", all[0].ID)
		assert.Equal(t, "m2", all[1].ID)
		assert.Equal(t, "edited", all[1].Content.Text)
		assert.Equal(t, "m1", all[2].ID)

		limited, err := s.GetMessages(ctx, "c1", 2)
		require.NoError(t, err)
		require.Len(t, limited, 2)
		assert.Equal(t, "m3", limited[0].ID)

		none, err := s.GetMessages(ctx, "nowhere", 10)
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func TestPresenceSaveAndDelete(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s DataStore) {
		ctx := context.Background()
		p := &models.Presence{AgentID: "alice", Status: models.PresenceOnline, LastHeartbeat: epoch}
		require.NoError(t, s.SavePresence(ctx, p))
		require.NoError(t, s.DeletePresence(ctx, "alice"))
		require.NoError(t, s.DeletePresence(ctx, "alice"))
		require.NoError(t, s.Ping(ctx))
	})
}

func TestAsyncStoreAppliesWritesInOrder(t *testing.T) {
	inner := NewMemoryStore()
	s, err := NewAsyncStore(inner, zerolog.Nop())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.SaveChannel(ctx, &models.Channel{ID: "c1", Name: "ops", CreatedAt: epoch}))
	require.NoError(t, s.AddChannelMember(ctx, "c1", "alice"))
	require.NoError(t, s.AddChannelMember(ctx, "c1", "bob"))
	require.NoError(t, s.RemoveChannelMember(ctx, "c1", "bob"))
	for i := 0; i < 50; i++ {
		msg := testMessage(string(rune('a'+i%26))+string(rune('a'+i/26)), "c1", epoch.Add(time.Duration(i)*time.Millisecond))
		require.NoError(t, s.SaveMessage(ctx, msg))
	}
	require.NoError(t, s.SavePresence(ctx, &models.Presence{AgentID: "alice", Status: models.PresenceOnline}))

	flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, s.Flush(flushCtx))

	members, err := s.GetChannelMembers(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, members)

	messages, err := s.GetMessages(ctx, "c1", 0)
	require.NoError(t, err)
	assert.Len(t, messages, 50)

	p, ok := inner.GetPresence("alice")
	require.True(t, ok)
	assert.Equal(t, models.PresenceOnline, p.Status)

	require.NoError(t, s.DeleteChannel(ctx, "c1"))
	require.NoError(t, s.Close())

	channels, err := inner.GetAllChannels(ctx)
	require.NoError(t, err)
	assert.Empty(t, channels, "close drains pending writes")
}

func TestAsyncStoreRejectsWritesAfterClose(t *testing.T) {
	s, err := NewAsyncStore(NewMemoryStore(), zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	err = s.SaveAgent(context.Background(), &models.Agent{ID: "a1", Name: "alice"})
	require.Error(t, err)
	assert.Equal(t, mserr.CodeStoreFailure, mserr.CodeOf(err))
}

func TestOpenMemoryAndSQLite(t *testing.T) {
	ctx := context.Background()

	opened, err := Open(ctx, Options{Async: true}, zerolog.Nop())
	require.NoError(t, err)
	assert.Nil(t, opened.Redis)
	require.NoError(t, opened.Store.SaveAgent(ctx, &models.Agent{ID: "a1", Name: "alice", CreatedAt: epoch}))
	require.NoError(t, opened.Store.Close())

	opened, err = Open(ctx, Options{Backend: BackendSQLite, SQLitePath: ":memory:"}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, opened.Store.SaveAgent(ctx, &models.Agent{ID: "a1", Name: "alice", CreatedAt: epoch}))
	got, err := opened.Store.GetAgent(ctx, "a1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.NoError(t, opened.Store.Close())
}

func TestOpenRejectsBadOptions(t *testing.T) {
	ctx := context.Background()

	_, err := Open(ctx, Options{Backend: "cassandra"}, zerolog.Nop())
	assert.True(t, mserr.IsInvalidInput(err))

	_, err = Open(ctx, Options{Backend: BackendPostgres}, zerolog.Nop())
	assert.True(t, mserr.IsInvalidInput(err))

	_, err = Open(ctx, Options{Backend: BackendRedis}, zerolog.Nop())
	assert.True(t, mserr.IsInvalidInput(err))
}

func TestOpenGivesUpWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Open(ctx, Options{Backend: BackendRedis, RedisURL: "redis://127.0.0.1:1/0"}, zerolog.Nop())
	require.Error(t, err)
}
