package message

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheCodingKid82/moltslack/internal/clock"
	"github.com/TheCodingKid82/moltslack/internal/crypto"
	mserr "github.com/TheCodingKid82/moltslack/internal/errors"
	"github.com/TheCodingKid82/moltslack/internal/models"
	"github.com/TheCodingKid82/moltslack/internal/protocol"
)

// staticAccess grants levels per channel and agent.
type staticAccess struct {
	levels map[string]map[string]models.AccessLevel
}

func (a *staticAccess) Exists(channelID string) bool {
	_, ok := a.levels[channelID]
	return ok
}

func (a *staticAccess) CheckAccess(channelID, agentID string, required models.AccessLevel) bool {
	return a.levels[channelID][agentID].Satisfies(required)
}

type delivery struct {
	to      string
	payload protocol.Payload
}

type fakeRouter struct {
	mu        sync.Mutex
	channel   []delivery
	agent     []delivery
	broadcast []protocol.Payload
}

func (r *fakeRouter) BroadcastToChannel(channelID string, p protocol.Payload) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channel = append(r.channel, delivery{to: channelID, payload: p})
	return 1
}

func (r *fakeRouter) SendToAgent(agentID string, p protocol.Payload) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agent = append(r.agent, delivery{to: agentID, payload: p})
	return true
}

func (r *fakeRouter) Broadcast(p protocol.Payload) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcast = append(r.broadcast, p)
	return 1
}

type memoryStore struct {
	mu    sync.Mutex
	saved map[string]*models.Message
	order []string
}

func (s *memoryStore) SaveMessage(_ context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saved == nil {
		s.saved = make(map[string]*models.Message)
	}
	if _, ok := s.saved[msg.ID]; !ok {
		s.order = append(s.order, msg.ID)
	}
	s.saved[msg.ID] = msg.Clone()
	return nil
}

func (s *memoryStore) GetMessages(_ context.Context, target string, limit int) ([]*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Message
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		if msg := s.saved[s.order[i]]; msg.Target == target {
			out = append(out, msg.Clone())
		}
	}
	return out, nil
}

type fixture struct {
	pipeline *Pipeline
	router   *fakeRouter
	store    *memoryStore
	clock    *clock.FakeClock
	signer   *crypto.Signer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	signer, err := crypto.NewSigner(make([]byte, 32))
	require.NoError(t, err)

	access := &staticAccess{levels: map[string]map[string]models.AccessLevel{
		"ch-general": {"alice": models.AccessWrite, "bob": models.AccessWrite},
		"ch-ops":     {"alice": models.AccessAdmin, "bob": models.AccessRead},
	}}
	f := &fixture{
		router: &fakeRouter{},
		store:  &memoryStore{},
		clock:  clock.Fake(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)),
		signer: signer,
	}
	f.pipeline = NewPipeline(access, f.router, f.store, signer, f.clock, zerolog.Nop())
	return f
}

func (f *fixture) send(t *testing.T, sender, channelID, text string) *models.Message {
	t.Helper()
	msg, err := f.pipeline.Send(SendInput{Target: channelID, TargetType: models.TargetChannel, Text: text}, sender)
	require.NoError(t, err)
	return msg
}

func TestSendSignsAndRoutes(t *testing.T) {
	f := newFixture(t)

	msg := f.send(t, "alice", "ch-general", "hello @bob")

	assert.Len(t, msg.ID, 26)
	assert.Equal(t, models.MessageText, msg.Type)
	assert.Equal(t, models.StatusSent, msg.DeliveryStatus)
	assert.Equal(t, "alice", msg.SenderID)
	assert.NotEmpty(t, msg.Signature)
	assert.True(t, f.pipeline.VerifySignature(msg))

	require.Len(t, f.router.channel, 1)
	assert.Equal(t, "ch-general", f.router.channel[0].to)
	created, ok := f.router.channel[0].payload.(protocol.MessageCreated)
	require.True(t, ok)
	assert.Equal(t, msg.ID, created.Message.ID)

	assert.Contains(t, f.store.saved, msg.ID)
}

func TestSignatureDetectsTampering(t *testing.T) {
	f := newFixture(t)
	msg := f.send(t, "alice", "ch-general", "original")

	tampered := msg.Clone()
	tampered.Content.Text = "altered"
	assert.False(t, f.pipeline.VerifySignature(tampered))

	tampered = msg.Clone()
	tampered.SenderID = "bob"
	assert.False(t, f.pipeline.VerifySignature(tampered))

	tampered = msg.Clone()
	tampered.SentAt = tampered.SentAt.Add(time.Millisecond)
	assert.False(t, f.pipeline.VerifySignature(tampered))

	assert.False(t, f.pipeline.VerifySignature(&models.Message{ID: "x"}))
}

func TestSendValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		input  SendInput
		sender string
		code   mserr.Code
	}{
		{
			name:   "empty content",
			input:  SendInput{Target: "ch-general", TargetType: models.TargetChannel, Text: "   "},
			sender: "alice",
			code:   mserr.CodeMessageInvalidInput,
		},
		{
			name:   "text too long",
			input:  SendInput{Target: "ch-general", TargetType: models.TargetChannel, Text: string(make([]byte, MaxTextLength+1))},
			sender: "alice",
			code:   mserr.CodeMessageInvalidInput,
		},
		{
			name:   "unknown target type",
			input:  SendInput{Target: "ch-general", TargetType: "room", Text: "hi"},
			sender: "alice",
			code:   mserr.CodeMessageInvalidInput,
		},
		{
			name:   "unknown channel",
			input:  SendInput{Target: "ch-missing", TargetType: models.TargetChannel, Text: "hi"},
			sender: "alice",
			code:   mserr.CodeChannelNotFound,
		},
		{
			name:   "read only member",
			input:  SendInput{Target: "ch-ops", TargetType: models.TargetChannel, Text: "hi"},
			sender: "bob",
			code:   mserr.CodeChannelAccessDenied,
		},
		{
			name:   "thread reply without thread",
			input:  SendInput{Target: "ch-general", TargetType: models.TargetChannel, Type: models.MessageThreadReply, Text: "hi"},
			sender: "alice",
			code:   mserr.CodeMessageInvalidInput,
		},
		{
			name:   "missing thread parent",
			input:  SendInput{Target: "ch-general", TargetType: models.TargetChannel, Text: "hi", ThreadID: "nope"},
			sender: "alice",
			code:   mserr.CodeMessageInvalidInput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.pipeline.Send(tt.input, tt.sender)
			require.Error(t, err)
			assert.Equal(t, tt.code, mserr.CodeOf(err))
		})
	}
	assert.Empty(t, f.router.channel)
}

func TestDataOnlyMessageAllowed(t *testing.T) {
	f := newFixture(t)

	msg, err := f.pipeline.Send(SendInput{
		Target:     "ch-general",
		TargetType: models.TargetChannel,
		Type:       models.MessageCommand,
		Data:       map[string]any{"cmd": "deploy"},
	}, "alice")
	require.NoError(t, err)
	assert.True(t, f.pipeline.VerifySignature(msg))
}

func TestOpsChannelScenario(t *testing.T) {
	f := newFixture(t)

	msg := f.send(t, "alice", "ch-ops", "deploy at noon")
	require.Len(t, f.router.channel, 1)
	assert.Equal(t, "ch-ops", f.router.channel[0].to)

	_, err := f.pipeline.Send(SendInput{Target: "ch-ops", TargetType: models.TargetChannel, Text: "me too"}, "bob")
	assert.True(t, mserr.IsPermissionDenied(err))

	history, err := f.pipeline.ChannelMessages("ch-ops", 0, "")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, msg.ID, history[0].ID)
}

func TestDirectMessageReachesBothParties(t *testing.T) {
	f := newFixture(t)

	msg, err := f.pipeline.Send(SendInput{Target: "bob", TargetType: models.TargetAgent, Text: "psst"}, "alice")
	require.NoError(t, err)

	require.Len(t, f.router.agent, 2)
	assert.Equal(t, "bob", f.router.agent[0].to)
	assert.Equal(t, "alice", f.router.agent[1].to)

	inbox, err := f.pipeline.Inbox("bob", 10, "")
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, msg.ID, inbox[0].ID)
}

func TestBroadcastTarget(t *testing.T) {
	f := newFixture(t)

	msg, err := f.pipeline.Send(SendInput{Target: "ignored", TargetType: models.TargetBroadcast, Text: "maintenance"}, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.BroadcastTarget, msg.Target)
	assert.Len(t, f.router.broadcast, 1)
}

func TestChannelMessagesPaging(t *testing.T) {
	f := newFixture(t)

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, f.send(t, "alice", "ch-general", "msg").ID)
		if i%2 == 0 {
			f.clock.Advance(time.Second)
		}
	}

	page, err := f.pipeline.ChannelMessages("ch-general", 2, "")
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[4], page[0].ID)
	assert.Equal(t, ids[3], page[1].ID)

	page, err = f.pipeline.ChannelMessages("ch-general", 2, page[1].ID)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[2], page[0].ID)
	assert.Equal(t, ids[1], page[1].ID)

	page, err = f.pipeline.ChannelMessages("ch-general", 2, page[1].ID)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, ids[0], page[0].ID)

	_, err = f.pipeline.ChannelMessages("ch-general", 2, "unknown")
	assert.True(t, mserr.IsInvalidInput(err))
}

func TestThreadMessagesAscending(t *testing.T) {
	f := newFixture(t)
	parent := f.send(t, "alice", "ch-general", "topic")

	var replies []string
	for _, text := range []string{"first", "second", "third"} {
		f.clock.Advance(time.Second)
		msg, err := f.pipeline.Send(SendInput{
			Target:     "ch-general",
			TargetType: models.TargetChannel,
			Text:       text,
			ThreadID:   parent.ID,
		}, "bob")
		require.NoError(t, err)
		assert.Equal(t, models.MessageThreadReply, msg.Type)
		replies = append(replies, msg.ID)
	}
	require.NoError(t, f.pipeline.Delete(replies[1], "bob"))

	thread := f.pipeline.ThreadMessages(parent.ID)
	require.Len(t, thread, 2)
	assert.Equal(t, replies[0], thread[0].ID)
	assert.Equal(t, replies[2], thread[1].ID)
}

func TestEditResignsAndNotifies(t *testing.T) {
	f := newFixture(t)
	msg := f.send(t, "alice", "ch-general", "helo")
	f.clock.Advance(time.Minute)

	_, err := f.pipeline.Edit(msg.ID, "hijacked", "bob")
	assert.Equal(t, mserr.CodeMessageSenderDenied, mserr.CodeOf(err))

	edited, err := f.pipeline.Edit(msg.ID, "hello @bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, "hello @bob", edited.Content.Text)
	require.NotNil(t, edited.EditedAt)
	assert.Equal(t, msg.SentAt, edited.SentAt)
	assert.NotEqual(t, msg.Signature, edited.Signature)
	assert.True(t, f.pipeline.VerifySignature(edited))
	require.Len(t, edited.Content.Mentions, 1)
	assert.Equal(t, "bob", edited.Content.Mentions[0].Name)

	require.Len(t, f.router.channel, 2)
	_, ok := f.router.channel[1].payload.(protocol.MessageUpdated)
	assert.True(t, ok)
}

func TestDeleteSoftDeletes(t *testing.T) {
	f := newFixture(t)
	msg := f.send(t, "alice", "ch-general", "oops")

	err := f.pipeline.Delete(msg.ID, "bob")
	assert.Equal(t, mserr.CodeMessageSenderDenied, mserr.CodeOf(err))

	require.NoError(t, f.pipeline.Delete(msg.ID, "alice"))
	assert.True(t, mserr.IsNotFound(f.pipeline.Delete(msg.ID, "alice")))

	got, err := f.pipeline.Get(msg.ID)
	require.NoError(t, err)
	assert.True(t, got.Deleted())

	history, err := f.pipeline.ChannelMessages("ch-general", 10, "")
	require.NoError(t, err)
	assert.Empty(t, history)

	_, err = f.pipeline.Edit(msg.ID, "back", "alice")
	assert.True(t, mserr.IsNotFound(err))

	deleted, ok := f.router.channel[1].payload.(protocol.MessageDeleted)
	require.True(t, ok)
	assert.Equal(t, msg.ID, deleted.MessageID)
}

func TestDeliveryStatusMonotonic(t *testing.T) {
	f := newFixture(t)
	msg := f.send(t, "alice", "ch-general", "ping")

	changed, err := f.pipeline.MarkDelivered(msg.ID, "bob")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = f.pipeline.MarkDelivered(msg.ID, "bob")
	require.NoError(t, err)
	assert.False(t, changed)

	require.NoError(t, f.pipeline.MarkRead(msg.ID, "bob"))

	changed, err = f.pipeline.MarkDelivered(msg.ID, "bob")
	require.NoError(t, err)
	assert.False(t, changed)

	got, err := f.pipeline.Get(msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRead, got.DeliveryStatus)

	require.Len(t, f.router.agent, 2)
	receipt, ok := f.router.agent[0].payload.(protocol.MessageReceipt)
	require.True(t, ok)
	assert.Equal(t, "alice", f.router.agent[0].to)
	assert.Equal(t, models.StatusDelivered, receipt.Status)

	_, err = f.pipeline.MarkDelivered("missing", "bob")
	assert.True(t, mserr.IsNotFound(err))
}

func TestSearch(t *testing.T) {
	f := newFixture(t)
	first := f.send(t, "alice", "ch-general", "Deploy started")
	f.send(t, "bob", "ch-general", "lunch?")
	ops := f.send(t, "alice", "ch-ops", "deploy finished")
	gone := f.send(t, "alice", "ch-general", "deploy rollback")
	require.NoError(t, f.pipeline.Delete(gone.ID, "alice"))

	hits, err := f.pipeline.Search("DEPLOY", SearchOptions{})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, first.ID, hits[0].ID)
	assert.Equal(t, ops.ID, hits[1].ID)

	hits, err = f.pipeline.Search("deploy", SearchOptions{ChannelID: "ch-ops"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, ops.ID, hits[0].ID)

	hits, err = f.pipeline.Search("deploy", SearchOptions{SenderID: "bob"})
	require.NoError(t, err)
	assert.Empty(t, hits)

	_, err = f.pipeline.Search("  ", SearchOptions{})
	assert.True(t, mserr.IsInvalidInput(err))
}

func TestIngestAndLoad(t *testing.T) {
	f := newFixture(t)
	msg := f.send(t, "alice", "ch-general", "persisted")

	forged := msg.Clone()
	forged.ID = "01FORGED000000000000000000"
	forged.Content.Text = "forged"
	f.store.saved[forged.ID] = forged
	f.store.order = append(f.store.order, forged.ID)

	restarted := NewPipeline(f.pipeline.access, nil, nil, f.signer, f.clock, zerolog.Nop())
	require.NoError(t, restarted.Load(context.Background(), f.store, []string{"ch-general"}, 10))

	got, err := restarted.Get(msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "persisted", got.Content.Text)

	_, err = restarted.Get(forged.ID)
	assert.True(t, mserr.IsNotFound(err))

	err = restarted.Ingest(forged)
	assert.Equal(t, mserr.CodeMessageSignatureInvalid, mserr.CodeOf(err))
	assert.NoError(t, restarted.Ingest(msg))
}

func TestExtractMentions(t *testing.T) {
	mentions := ExtractMentions("héllo @bob and @all, mail a@b")
	require.Len(t, mentions, 3)

	assert.Equal(t, models.Mention{Type: models.MentionAgent, Name: "bob", Offset: 6, Length: 4}, mentions[0])
	assert.Equal(t, models.Mention{Type: models.MentionAll, Name: "all", Offset: 15, Length: 4}, mentions[1])
	assert.Equal(t, "b", mentions[2].Name)

	assert.Nil(t, ExtractMentions("no mentions here"))
}

// gatedRouter holds channel deliveries of the text "first" until release
// is closed.
type gatedRouter struct {
	fakeRouter
	entered chan struct{}
	release chan struct{}
}

func (r *gatedRouter) BroadcastToChannel(channelID string, p protocol.Payload) int {
	if created, ok := p.(protocol.MessageCreated); ok && created.Message.Content.Text == "first" {
		close(r.entered)
		<-r.release
	}
	return r.fakeRouter.BroadcastToChannel(channelID, p)
}

func (r *gatedRouter) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, d := range r.channel {
		out = append(out, d.payload.(protocol.MessageCreated).Message.Content.Text)
	}
	return out
}

func TestChannelDeliveryFollowsSendOrder(t *testing.T) {
	f := newFixture(t)
	router := &gatedRouter{entered: make(chan struct{}), release: make(chan struct{})}
	f.pipeline.router = router

	go f.pipeline.Send(SendInput{Target: "ch-general", TargetType: models.TargetChannel, Text: "first"}, "alice")
	select {
	case <-router.entered:
	case <-time.After(time.Second):
		require.Fail(t, "first message was never routed")
	}

	go f.pipeline.Send(SendInput{Target: "ch-general", TargetType: models.TargetChannel, Text: "second"}, "bob")
	require.Eventually(t, func() bool {
		msgs, err := f.pipeline.ChannelMessages("ch-general", 10, "")
		return err == nil && len(msgs) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return len(router.texts()) > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	close(router.release)
	require.Eventually(t, func() bool { return len(router.texts()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"first", "second"}, router.texts())

	msgs, err := f.pipeline.ChannelMessages("ch-general", 10, "")
	require.NoError(t, err)
	assert.Equal(t, "second", msgs[0].Content.Text)
	assert.Equal(t, "first", msgs[1].Content.Text)
}

func TestIngestRejectsNil(t *testing.T) {
	f := newFixture(t)
	err := f.pipeline.Ingest(nil)
	require.Error(t, err)
	assert.True(t, mserr.IsInvalidInput(err))
}
