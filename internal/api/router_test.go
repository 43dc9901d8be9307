package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheCodingKid82/moltslack/internal/api/middleware"
	"github.com/TheCodingKid82/moltslack/internal/crypto"
	"github.com/TheCodingKid82/moltslack/internal/engine"
	"github.com/TheCodingKid82/moltslack/internal/models"
	"github.com/TheCodingKid82/moltslack/internal/store"
)

type client struct {
	t      *testing.T
	server *httptest.Server
}

func newServer(t *testing.T, opts Options) (*client, *engine.Engine) {
	t.Helper()
	key, err := crypto.GenerateMasterKey()
	require.NoError(t, err)
	e, err := engine.New(engine.Config{MasterKey: key}, store.NewMemoryStore(), nil, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, e.Load(t.Context()))

	srv := httptest.NewServer(NewRouter(zerolog.Nop(), e, opts))
	t.Cleanup(srv.Close)
	return &client{t: t, server: srv}, e
}

// do sends body as JSON and decodes the response into out when set.
func (c *client) do(method, path, token string, body, out any) int {
	c.t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(c.t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.server.URL+path, reader)
	require.NoError(c.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode != http.StatusNoContent {
		require.NoError(c.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

type registered struct {
	Agent *models.Agent `json:"agent"`
	Token string        `json:"token"`
}

func (c *client) register(name string) registered {
	c.t.Helper()
	var out registered
	require.Equal(c.t, http.StatusCreated, c.do(http.MethodPost, "/agents", "", map[string]string{"name": name}, &out))
	require.NotEmpty(c.t, out.Token)
	return out
}

func TestHealthAndRoot(t *testing.T) {
	c, _ := newServer(t, Options{})

	var health map[string]any
	assert.Equal(t, http.StatusOK, c.do(http.MethodGet, "/health", "", nil, &health))
	assert.Equal(t, "healthy", health["status"])

	var root map[string]any
	assert.Equal(t, http.StatusOK, c.do(http.MethodGet, "/", "", nil, &root))
	assert.Equal(t, "moltslack", root["name"])
}

func TestAuthenticationRequired(t *testing.T) {
	c, _ := newServer(t, Options{})

	var errBody map[string]string
	assert.Equal(t, http.StatusUnauthorized, c.do(http.MethodGet, "/channels", "", nil, &errBody))
	assert.Equal(t, http.StatusUnauthorized, c.do(http.MethodGet, "/channels", "not-a-token", nil, &errBody))
	assert.Equal(t, http.StatusUnauthorized, c.do(http.MethodPost, "/agents", "garbage", map[string]string{"name": "x"}, nil))
}

func TestRegisterAndConflict(t *testing.T) {
	c, _ := newServer(t, Options{})
	alice := c.register("alice")
	assert.Equal(t, "alice", alice.Agent.Name)

	var errBody map[string]string
	assert.Equal(t, http.StatusConflict, c.do(http.MethodPost, "/agents", "", map[string]string{"name": "ALICE"}, &errBody))
	assert.Equal(t, "ALREADY_EXISTS", errBody["code"])

	assert.Equal(t, http.StatusBadRequest, c.do(http.MethodPost, "/agents", "", map[string]string{"name": "no spaces!"}, nil))
	assert.Equal(t, http.StatusForbidden, c.do(http.MethodPost, "/agents", "", map[string]any{"name": "root", "admin": true}, nil))

	var byName models.Agent
	assert.Equal(t, http.StatusOK, c.do(http.MethodGet, "/agents/@alice", alice.Token, nil, &byName))
	assert.Equal(t, alice.Agent.ID, byName.ID)
}

func TestChannelMessageFlow(t *testing.T) {
	c, _ := newServer(t, Options{})
	alice, bob := c.register("alice"), c.register("bob")

	var ch models.Channel
	require.Equal(t, http.StatusCreated, c.do(http.MethodPost, "/channels", alice.Token,
		map[string]string{"name": "builds", "type": "public"}, &ch))
	require.Equal(t, http.StatusOK, c.do(http.MethodPost, "/channels/"+ch.ID+"/join", bob.Token, nil, nil))

	for _, text := range []string{"one", "two", "three"} {
		var msg models.Message
		require.Equal(t, http.StatusCreated, c.do(http.MethodPost, "/channels/"+ch.ID+"/messages", alice.Token,
			map[string]string{"text": text}, &msg))
		assert.NotEmpty(t, msg.Signature)
	}

	var page struct {
		Messages []*models.Message `json:"messages"`
		HasMore  bool              `json:"has_more"`
	}
	require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/channels/"+ch.ID+"/messages?limit=2", bob.Token, nil, &page))
	require.Len(t, page.Messages, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, "three", page.Messages[0].Content.Text)

	oldest := page.Messages[1].ID
	require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/channels/"+ch.ID+"/messages?limit=2&before="+oldest, bob.Token, nil, &page))
	require.Len(t, page.Messages, 1)
	assert.False(t, page.HasMore)
	assert.Equal(t, "one", page.Messages[0].Content.Text)

	var edited models.Message
	assert.Equal(t, http.StatusForbidden, c.do(http.MethodPatch, "/messages/"+oldest, bob.Token, map[string]string{"text": "mine now"}, nil))
	require.Equal(t, http.StatusOK, c.do(http.MethodPatch, "/messages/"+oldest, alice.Token, map[string]string{"text": "two, edited"}, &edited))
	assert.NotNil(t, edited.EditedAt)

	var results struct {
		Results []struct {
			ID          string `json:"id"`
			ChannelName string `json:"channel_name"`
		} `json:"results"`
	}
	require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/search?q=edited", bob.Token, nil, &results))
	require.Len(t, results.Results, 1)
	assert.Equal(t, "builds", results.Results[0].ChannelName)

	assert.Equal(t, http.StatusNoContent, c.do(http.MethodDelete, "/messages/"+oldest, alice.Token, nil, nil))
	assert.Equal(t, http.StatusBadRequest, c.do(http.MethodGet, "/channels/"+ch.ID+"/messages?limit=zero", bob.Token, nil, nil))
}

func TestPrivateChannelRules(t *testing.T) {
	c, _ := newServer(t, Options{})
	alice, bob := c.register("alice"), c.register("bob")

	var ch models.Channel
	require.Equal(t, http.StatusCreated, c.do(http.MethodPost, "/channels", alice.Token,
		map[string]string{"name": "ops", "type": "private"}, &ch))
	require.Len(t, ch.AccessRules, 1)
	assert.Equal(t, alice.Agent.ID, ch.AccessRules[0].Principal)
	assert.Equal(t, models.AccessAdmin, ch.AccessRules[0].Level)
	assert.Equal(t, 1, ch.MemberCount)
	assert.Equal(t, http.StatusForbidden, c.do(http.MethodGet, "/channels/"+ch.ID, bob.Token, nil, nil))

	var updated models.Channel
	require.Equal(t, http.StatusOK, c.do(http.MethodPost, "/channels/"+ch.ID+"/rules", alice.Token, map[string]any{
		"principal": bob.Agent.ID, "principal_type": "agent", "level": "write",
	}, &updated))
	require.Len(t, updated.AccessRules, 2)
	assert.Equal(t, http.StatusOK, c.do(http.MethodGet, "/channels/"+ch.ID, bob.Token, nil, nil))

	require.Equal(t, http.StatusOK, c.do(http.MethodDelete, "/channels/"+ch.ID+"/rules/1", alice.Token, nil, &updated))
	assert.Len(t, updated.AccessRules, 1)
	assert.Equal(t, http.StatusForbidden, c.do(http.MethodGet, "/channels/"+ch.ID, bob.Token, nil, nil))
	assert.Equal(t, http.StatusOK, c.do(http.MethodGet, "/channels/"+ch.ID, alice.Token, nil, nil))
	assert.Equal(t, http.StatusBadRequest, c.do(http.MethodDelete, "/channels/"+ch.ID+"/rules/first", alice.Token, nil, nil))
	assert.Equal(t, http.StatusForbidden, c.do(http.MethodDelete, "/channels/"+ch.ID, bob.Token, nil, nil))
	assert.Equal(t, http.StatusNoContent, c.do(http.MethodDelete, "/channels/"+ch.ID, alice.Token, nil, nil))
	assert.Equal(t, http.StatusNotFound, c.do(http.MethodGet, "/channels/"+ch.ID, alice.Token, nil, nil))
}

func TestDirectMessagesAndInbox(t *testing.T) {
	c, _ := newServer(t, Options{})
	alice, bob := c.register("alice"), c.register("bob")

	var msg models.Message
	require.Equal(t, http.StatusCreated, c.do(http.MethodPost, "/agents/"+bob.Agent.ID+"/messages", alice.Token,
		map[string]string{"text": "ping"}, &msg))

	var inbox struct {
		Messages []*models.Message `json:"messages"`
	}
	require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/inbox", bob.Token, nil, &inbox))
	require.Len(t, inbox.Messages, 1)
	assert.Equal(t, msg.ID, inbox.Messages[0].ID)

	var receipt map[string]bool
	require.Equal(t, http.StatusOK, c.do(http.MethodPost, "/messages/"+msg.ID+"/delivered", bob.Token, nil, &receipt))
	assert.True(t, receipt["updated"])

	var dm models.Channel
	require.Equal(t, http.StatusOK, c.do(http.MethodPost, "/channels/direct", alice.Token,
		map[string]string{"agent_id": bob.Agent.ID}, &dm))
	assert.Equal(t, models.ChannelDirect, dm.Type)
	assert.Equal(t, 2, dm.MemberCount)
}

func TestBroadcastAndTokens(t *testing.T) {
	c, e := newServer(t, Options{})
	alice := c.register("alice")

	assert.Equal(t, http.StatusForbidden, c.do(http.MethodPost, "/messages", alice.Token,
		map[string]string{"target_type": "broadcast", "text": "hear ye"}, nil))

	var fresh struct {
		Token string `json:"token"`
	}
	require.Equal(t, http.StatusOK, c.do(http.MethodPost, "/auth/refresh", alice.Token, nil, &fresh))
	assert.Equal(t, http.StatusUnauthorized, c.do(http.MethodGet, "/agents", alice.Token, nil, nil))
	assert.Equal(t, http.StatusOK, c.do(http.MethodGet, "/agents", fresh.Token, nil, nil))

	assert.Nil(t, e.Verify(alice.Token))
	require.Equal(t, http.StatusOK, c.do(http.MethodPost, "/auth/revoke", fresh.Token, nil, nil))
	assert.Equal(t, http.StatusUnauthorized, c.do(http.MethodGet, "/agents", fresh.Token, nil, nil))
}

func TestPresenceNeedsRelayConnection(t *testing.T) {
	c, _ := newServer(t, Options{})
	alice := c.register("alice")

	var errBody map[string]string
	assert.Equal(t, http.StatusNotFound, c.do(http.MethodPost, "/presence/heartbeat", alice.Token, map[string]any{}, &errBody))
	assert.Equal(t, "NOT_FOUND", errBody["code"])

	var list map[string]any
	assert.Equal(t, http.StatusOK, c.do(http.MethodGet, "/presence", alice.Token, nil, &list))
	assert.EqualValues(t, 0, list["total"])
}

func TestRateLimitRegistration(t *testing.T) {
	c, _ := newServer(t, Options{})

	statuses := make([]int, 0, 11)
	for i := range 11 {
		name := "agent_" + string(rune('a'+i))
		statuses = append(statuses, c.do(http.MethodPost, "/agents", "", map[string]string{"name": name}, nil))
	}
	assert.Equal(t, http.StatusCreated, statuses[9])
	assert.Equal(t, http.StatusTooManyRequests, statuses[10])
}

func TestRateLimitWhitelist(t *testing.T) {
	c, _ := newServer(t, Options{RateLimit: middleware.RateLimiterConfig{Whitelist: []string{"127.0.0.0/8", "::1"}}})

	for i := range 12 {
		name := "agent_" + string(rune('a'+i))
		require.Equal(t, http.StatusCreated, c.do(http.MethodPost, "/agents", "", map[string]string{"name": name}, nil))
	}
}

func TestSecurityHeadersAndValidation(t *testing.T) {
	c, _ := newServer(t, Options{})

	resp, err := http.Get(c.server.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "default-src 'none'", resp.Header.Get("Content-Security-Policy"))

	resp, err = http.Post(c.server.URL+"/agents", "text/plain", bytes.NewBufferString("name=alice"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
}

func TestChannelsAddressableByName(t *testing.T) {
	c, _ := newServer(t, Options{})
	alice := c.register("alice")

	var msg models.Message
	require.Equal(t, http.StatusCreated, c.do(http.MethodPost, "/channels/general/messages", alice.Token,
		map[string]string{"text": "hello by name"}, &msg))

	var page struct {
		Channel  *models.Channel   `json:"channel"`
		Messages []*models.Message `json:"messages"`
	}
	require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/channels/general/messages", alice.Token, nil, &page))
	assert.Equal(t, "general", page.Channel.Name)
	assert.Equal(t, page.Channel.ID, msg.Target)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "hello by name", page.Messages[0].Content.Text)
}
