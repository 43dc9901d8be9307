package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheCodingKid82/moltslack/internal/agents"
	"github.com/TheCodingKid82/moltslack/internal/auth"
	"github.com/TheCodingKid82/moltslack/internal/channel"
	"github.com/TheCodingKid82/moltslack/internal/clock"
	"github.com/TheCodingKid82/moltslack/internal/crypto"
	mserr "github.com/TheCodingKid82/moltslack/internal/errors"
	"github.com/TheCodingKid82/moltslack/internal/message"
	"github.com/TheCodingKid82/moltslack/internal/models"
	"github.com/TheCodingKid82/moltslack/internal/presence"
	"github.com/TheCodingKid82/moltslack/internal/protocol"
	"github.com/TheCodingKid82/moltslack/internal/store"
)

type fakeConn struct {
	id string

	mu     sync.Mutex
	frames []protocol.Frame
	closed bool
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(raw []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	var frame protocol.Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		panic(err)
	}
	c.frames = append(c.frames, frame)
	return true
}

func (c *fakeConn) Close(int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// find returns the frames of type typ carrying event, in arrival order.
func (c *fakeConn) find(typ protocol.FrameType, event string) []protocol.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.Frame
	for _, f := range c.frames {
		if f.Type == typ && f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

func (c *fakeConn) byCorrelation(t *testing.T, correlationID string) protocol.Frame {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range c.frames {
		if f.CorrelationID == correlationID {
			return f
		}
	}
	t.Fatalf("no frame with correlation id %q", correlationID)
	return protocol.Frame{}
}

type fixture struct {
	engine *Engine
	store  *store.MemoryStore
	clock  *clock.FakeClock
}

var masterKey = bytes.Repeat([]byte{9}, crypto.MasterKeySize)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemoryStore()
	return newFixtureOn(t, mem)
}

func newFixtureOn(t *testing.T, mem *store.MemoryStore) *fixture {
	t.Helper()
	clk := clock.Fake(time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC))
	e, err := New(Config{MasterKey: masterKey}, mem, clk, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, e.Load(context.Background()))
	return &fixture{engine: e, store: mem, clock: clk}
}

func (f *fixture) register(t *testing.T, name string) *auth.Claims {
	t.Helper()
	_, token, err := f.engine.RegisterAgent(nil, agents.RegisterInput{Name: name})
	require.NoError(t, err)
	claims := f.engine.Verify(token.Token)
	require.NotNil(t, claims)
	return claims
}

func (f *fixture) admin(t *testing.T) *auth.Claims {
	t.Helper()
	token, _, err := f.engine.Auth.IssueToken("root", "root", auth.AdminPermissions(), 0)
	require.NoError(t, err)
	claims := f.engine.Verify(token)
	require.NotNil(t, claims)
	return claims
}

func (f *fixture) connect(claims *auth.Claims) *fakeConn {
	conn := &fakeConn{id: "conn-" + claims.AgentName}
	f.engine.Hub.Attach(claims, conn, models.ConnectionInfo{ConnectionID: conn.id, ClientType: "test"})
	return conn
}

func (f *fixture) general(t *testing.T) *models.Channel {
	t.Helper()
	ch, err := f.engine.Channels.GetByName(channel.GeneralChannel)
	require.NoError(t, err)
	return ch
}

func frame(t *testing.T, typ protocol.FrameType, event, correlationID string, data any) []byte {
	t.Helper()
	body, err := json.Marshal(data)
	require.NoError(t, err)
	raw, err := json.Marshal(protocol.Frame{Type: typ, Event: event, Data: body, CorrelationID: correlationID})
	require.NoError(t, err)
	return raw
}

func TestRegisterJoinsGeneralAndConnectSubscribes(t *testing.T) {
	f := newFixture(t)
	alice := f.register(t, "alice")
	general := f.general(t)

	assert.True(t, f.engine.Channels.IsMember(general.ID, alice.AgentID))

	conn := f.connect(alice)
	p, ok := f.engine.Presence.Get(alice.AgentID)
	require.True(t, ok)
	assert.Equal(t, models.PresenceOnline, p.Status)
	assert.Contains(t, f.engine.Hub.Subscribers(general.ID), alice.AgentID)

	agent, err := f.engine.GetAgent(alice, alice.AgentID)
	require.NoError(t, err)
	assert.Equal(t, models.PresenceOnline, agent.Status, "presence is mirrored onto the agent")

	f.engine.Hub.Detach(alice.AgentID, conn, "closed")
	_, ok = f.engine.Presence.Get(alice.AgentID)
	assert.False(t, ok)
}

func TestMessageFrameFansOutAndAcks(t *testing.T) {
	f := newFixture(t)
	alice, bob := f.register(t, "alice"), f.register(t, "bob")
	aliceConn, bobConn := f.connect(alice), f.connect(bob)
	general := f.general(t)

	f.engine.Hub.Receive(alice.AgentID, aliceConn, frame(t, protocol.TypeMessage, "", "c-1", protocol.InboundMessage{
		Target:     general.ID,
		TargetType: models.TargetChannel,
		Text:       "deploy finished @bob",
	}))

	ack := aliceConn.byCorrelation(t, "c-1")
	require.Equal(t, protocol.TypeAck, ack.Type)
	var confirmed protocol.Ack
	require.NoError(t, json.Unmarshal(ack.Data, &confirmed))
	assert.Equal(t, string(models.StatusSent), confirmed.Status)

	created := bobConn.find(protocol.TypeMessage, protocol.EventMessageCreated)
	require.Len(t, created, 1)
	var payload protocol.MessageCreated
	require.NoError(t, json.Unmarshal(created[0].Data, &payload))
	assert.Equal(t, confirmed.MessageID, payload.Message.ID)
	assert.Equal(t, "c-1", payload.Message.CorrelationID)
	require.Len(t, payload.Message.Content.Mentions, 1)
	assert.Equal(t, "bob", payload.Message.Content.Mentions[0].Name)
	assert.True(t, f.engine.Messages.VerifySignature(payload.Message))

	f.engine.Hub.Receive(bob.AgentID, bobConn, frame(t, protocol.TypeEvent, protocol.EventMessageRead, "c-2",
		protocol.InboundEvent{MessageID: confirmed.MessageID}))
	assert.Equal(t, protocol.TypeAck, bobConn.byCorrelation(t, "c-2").Type)

	receipts := aliceConn.find(protocol.TypeEvent, protocol.EventMessageReceipt)
	require.Len(t, receipts, 1)
}

func TestRelayErrorsCarryWireCodes(t *testing.T) {
	f := newFixture(t)
	alice := f.register(t, "alice")
	conn := f.connect(alice)

	f.engine.Hub.Receive(alice.AgentID, conn, frame(t, protocol.TypeMessage, "", "c-1", protocol.InboundMessage{
		TargetType: models.TargetBroadcast,
		Text:       "everyone listen",
	}))
	f.engine.Hub.Receive(alice.AgentID, conn, frame(t, protocol.TypePresence, "dance", "c-2", map[string]any{}))
	f.engine.Hub.Receive(alice.AgentID, conn, frame(t, protocol.TypeEvent, protocol.EventChannelJoin, "c-3",
		protocol.InboundEvent{ChannelID: "missing"}))

	tests := map[string]string{"c-1": "PERMISSION_DENIED", "c-2": "UNKNOWN_TYPE", "c-3": "NOT_FOUND"}
	for correlationID, code := range tests {
		reply := conn.byCorrelation(t, correlationID)
		require.Equal(t, protocol.TypeError, reply.Type, correlationID)
		var payload protocol.Error
		require.NoError(t, json.Unmarshal(reply.Data, &payload))
		assert.Equal(t, code, payload.Code, correlationID)
	}
}

func TestBroadcastNeedsAdmin(t *testing.T) {
	f := newFixture(t)
	alice := f.register(t, "alice")
	aliceConn := f.connect(alice)
	root := f.admin(t)

	_, err := f.engine.SendMessage(alice, message.SendInput{TargetType: models.TargetBroadcast, Text: "hi all"})
	assert.True(t, mserr.IsPermissionDenied(err))

	msg, err := f.engine.SendMessage(root, message.SendInput{TargetType: models.TargetBroadcast, Text: "maintenance at noon"})
	require.NoError(t, err)
	assert.Equal(t, models.BroadcastTarget, msg.Target)
	assert.Len(t, aliceConn.find(protocol.TypeMessage, protocol.EventMessageCreated), 1)

	seen, err := f.engine.GetMessage(alice, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, seen.ID)
}

func TestPrivateChannelIsHidden(t *testing.T) {
	f := newFixture(t)
	alice, bob := f.register(t, "alice"), f.register(t, "bob")

	secret, err := f.engine.CreateChannel(alice, channel.CreateInput{Name: "secret", Type: models.ChannelPrivate})
	require.NoError(t, err)
	assert.True(t, f.engine.Channels.IsMember(secret.ID, alice.AgentID))
	assert.True(t, f.engine.Channels.CheckAccess(secret.ID, alice.AgentID, models.AccessAdmin))
	assert.False(t, f.engine.Channels.CheckAccess(secret.ID, bob.AgentID, models.AccessRead))

	msg, err := f.engine.SendMessage(alice, message.SendInput{
		Target: secret.ID, TargetType: models.TargetChannel, Text: "launch codes",
	})
	require.NoError(t, err)

	_, err = f.engine.GetChannel(bob, secret.ID)
	assert.True(t, mserr.IsPermissionDenied(err))
	assert.True(t, mserr.IsPermissionDenied(f.engine.JoinChannel(bob, secret.ID)))
	_, err = f.engine.ChannelMessages(bob, secret.ID, 10, "")
	assert.True(t, mserr.IsPermissionDenied(err))
	_, err = f.engine.GetMessage(bob, msg.ID)
	assert.True(t, mserr.IsNotFound(err))
	hits, err := f.engine.Search(bob, "launch", message.SearchOptions{})
	require.NoError(t, err)
	assert.Empty(t, hits)
	assert.True(t, mserr.IsPermissionDenied(f.engine.DeleteChannel(bob, secret.ID)))

	_, err = f.engine.AddAccessRule(alice, secret.ID, -1, models.AccessRule{
		Principal: bob.AgentID, PrincipalType: models.PrincipalAgent, Level: models.AccessRead,
	})
	require.NoError(t, err)
	require.NoError(t, f.engine.JoinChannel(bob, secret.ID))

	hits, err = f.engine.Search(bob, "launch", message.SearchOptions{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	_, err = f.engine.SendMessage(bob, message.SendInput{Target: secret.ID, TargetType: models.TargetChannel, Text: "ack"})
	assert.True(t, mserr.IsPermissionDenied(err), "read rule does not grant write")
}

func TestDirectChannelBetweenTwoAgents(t *testing.T) {
	f := newFixture(t)
	alice, bob, carol := f.register(t, "alice"), f.register(t, "bob"), f.register(t, "carol")

	dm, err := f.engine.CreateDirect(alice, bob.AgentID)
	require.NoError(t, err)
	again, err := f.engine.CreateDirect(bob, alice.AgentID)
	require.NoError(t, err)
	assert.Equal(t, dm.ID, again.ID)

	members, err := f.engine.ChannelMembers(alice, dm.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{alice.AgentID, bob.AgentID}, members)

	_, err = f.engine.ChannelMembers(carol, dm.ID)
	assert.True(t, mserr.IsPermissionDenied(err))
	_, err = f.engine.CreateDirect(alice, "nobody")
	assert.True(t, mserr.IsNotFound(err))
}

func TestAgentMessagesReachInbox(t *testing.T) {
	f := newFixture(t)
	alice, bob, carol := f.register(t, "alice"), f.register(t, "bob"), f.register(t, "carol")

	msg, err := f.engine.SendMessage(alice, message.SendInput{Target: bob.AgentID, TargetType: models.TargetAgent, Text: "psst"})
	require.NoError(t, err)

	inbox, err := f.engine.Inbox(bob, 10, "")
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, msg.ID, inbox[0].ID)

	_, err = f.engine.GetMessage(carol, msg.ID)
	assert.True(t, mserr.IsNotFound(err))

	delivered, err := f.engine.MarkDelivered(bob, msg.ID)
	require.NoError(t, err)
	assert.True(t, delivered)
	_, err = f.engine.MarkDelivered(carol, msg.ID)
	assert.True(t, mserr.IsNotFound(err))

	_, err = f.engine.SendMessage(alice, message.SendInput{Target: "nobody", TargetType: models.TargetAgent, Text: "hi"})
	assert.True(t, mserr.IsNotFound(err))
}

func TestThreadReplyNeedsVisibleParent(t *testing.T) {
	f := newFixture(t)
	alice, bob := f.register(t, "alice"), f.register(t, "bob")
	general := f.general(t)

	parent, err := f.engine.SendMessage(alice, message.SendInput{Target: general.ID, TargetType: models.TargetChannel, Text: "question"})
	require.NoError(t, err)
	reply, err := f.engine.SendMessage(bob, message.SendInput{
		Target: general.ID, TargetType: models.TargetChannel, Text: "answer", ThreadID: parent.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, models.MessageThreadReply, reply.Type)

	thread, err := f.engine.ThreadMessages(alice, parent.ID)
	require.NoError(t, err)
	require.Len(t, thread, 1)
	assert.Equal(t, reply.ID, thread[0].ID)

	_, err = f.engine.SendMessage(bob, message.SendInput{
		Target: general.ID, TargetType: models.TargetChannel, Text: "orphan", ThreadID: "missing",
	})
	assert.True(t, mserr.IsInvalidInput(err))
}

func TestPresenceOperationsNeedConnection(t *testing.T) {
	f := newFixture(t)
	alice := f.register(t, "alice")
	general := f.general(t)

	err := f.engine.Heartbeat(alice, nil)
	assert.True(t, mserr.IsNotFound(err))

	f.connect(alice)
	require.NoError(t, f.engine.Heartbeat(alice, []string{general.ID}))
	require.NoError(t, f.engine.SetStatus(alice, models.PresenceDND, "focus"))
	require.NoError(t, f.engine.SetTyping(alice, general.ID, true))
	require.NoError(t, f.engine.StartActivity(alice, models.Activity{Type: "review", Description: "PR 12"}))

	p, ok := f.engine.Presence.Get(alice.AgentID)
	require.True(t, ok)
	assert.Equal(t, models.PresenceBusy, p.Status)
	assert.True(t, p.IsTyping)
	require.NotNil(t, p.Activity)

	here, err := f.engine.ListPresence(alice, general.ID)
	require.NoError(t, err)
	require.Len(t, here, 1)

	require.NoError(t, f.engine.EndActivity(alice))
	assert.True(t, mserr.IsInvalidInput(f.engine.StartActivity(alice, models.Activity{})))
	assert.True(t, mserr.IsInvalidInput(f.engine.SetTyping(alice, "", true)))
}

func TestHeartbeatTimeoutDropsSession(t *testing.T) {
	f := newFixture(t)
	alice := f.register(t, "alice")
	conn := f.connect(alice)
	require.NotNil(t, f.engine.session(alice.AgentID))

	f.clock.Advance(presence.OfflineTimeout + time.Second)
	f.engine.Presence.CheckHeartbeats()

	assert.True(t, conn.isClosed())
	assert.False(t, f.engine.Hub.IsConnected(alice.AgentID))
	_, ok := f.engine.Presence.Get(alice.AgentID)
	assert.False(t, ok)
	assert.Nil(t, f.engine.session(alice.AgentID))
}

func TestUpdatePermissionsKicksConnection(t *testing.T) {
	f := newFixture(t)
	bob := f.register(t, "bob")
	root := f.admin(t)
	conn := f.connect(bob)

	_, _, err := f.engine.UpdatePermissions(bob, bob.AgentID, auth.AdminPermissions())
	assert.True(t, mserr.IsPermissionDenied(err), "agents cannot grant themselves admin")

	readOnly := []models.Permission{{Resource: "*", Actions: []models.Action{models.ActionRead}}}
	_, token, err := f.engine.UpdatePermissions(root, bob.AgentID, readOnly)
	require.NoError(t, err)

	assert.True(t, conn.isClosed())
	assert.False(t, f.engine.Hub.IsConnected(bob.AgentID))
	_, ok := f.engine.Presence.Get(bob.AgentID)
	assert.False(t, ok)

	assert.Nil(t, f.engine.Verify(""))
	fresh := f.engine.Verify(token.Token)
	require.NotNil(t, fresh)
	_, err = f.engine.SendMessage(fresh, message.SendInput{
		Target: f.general(t).ID, TargetType: models.TargetChannel, Text: "can I write?",
	})
	assert.True(t, mserr.IsPermissionDenied(err))
}

func TestRevokeTokens(t *testing.T) {
	f := newFixture(t)
	alice, bob := f.register(t, "alice"), f.register(t, "bob")

	assert.True(t, mserr.IsPermissionDenied(f.engine.RevokeTokens(alice, bob.AgentID)))
	require.NoError(t, f.engine.RevokeTokens(alice, alice.AgentID))

	_, err := f.engine.RefreshToken(nil)
	assert.True(t, mserr.IsUnauthorized(err))
}

func TestLoadRestoresState(t *testing.T) {
	mem := store.NewMemoryStore()
	first := newFixtureOn(t, mem)
	alice := first.register(t, "alice")
	general := first.general(t)
	sent, err := first.engine.SendMessage(alice, message.SendInput{Target: general.ID, TargetType: models.TargetChannel, Text: "persist me"})
	require.NoError(t, err)

	second := newFixtureOn(t, mem)
	assert.Equal(t, general.ID, second.general(t).ID, "seeded channel ids survive restart")
	assert.True(t, second.engine.Channels.IsMember(general.ID, alice.AgentID))

	restored, err := second.engine.Messages.Get(sent.ID)
	require.NoError(t, err)
	assert.Equal(t, "persist me", restored.Content.Text)

	agent, err := second.engine.Agents.GetByName("alice")
	require.NoError(t, err)
	assert.Equal(t, alice.AgentID, agent.ID)
	require.NoError(t, second.engine.Ping(context.Background()))
}

func TestStartAndClose(t *testing.T) {
	f := newFixture(t)
	alice := f.register(t, "alice")
	conn := f.connect(alice)

	require.NoError(t, f.engine.Start(context.Background(), ""))
	require.NoError(t, f.engine.Close(context.Background()))
	assert.True(t, conn.isClosed())
}
