// Package message validates, signs, indexes and routes messages.
package message

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/TheCodingKid82/moltslack/internal/clock"
	"github.com/TheCodingKid82/moltslack/internal/crypto"
	mserr "github.com/TheCodingKid82/moltslack/internal/errors"
	"github.com/TheCodingKid82/moltslack/internal/metrics"
	"github.com/TheCodingKid82/moltslack/internal/models"
	"github.com/TheCodingKid82/moltslack/internal/protocol"
)

const (
	MaxTextLength = 4096
	DefaultLimit  = 50
	MaxLimit      = 200
)

// AccessChecker answers channel access questions.
type AccessChecker interface {
	CheckAccess(channelID, agentID string, required models.AccessLevel) bool
	Exists(channelID string) bool
}

// Router delivers payloads to connected agents.
type Router interface {
	BroadcastToChannel(channelID string, payload protocol.Payload) int
	SendToAgent(agentID string, payload protocol.Payload) bool
	Broadcast(payload protocol.Payload) int
}

// Store persists messages.
type Store interface {
	SaveMessage(ctx context.Context, msg *models.Message) error
}

// Loader returns stored messages for a target, newest first.
type Loader interface {
	GetMessages(ctx context.Context, target string, limit int) ([]*models.Message, error)
}

// SendInput describes a message to send.
type SendInput struct {
	ProjectID     string              `json:"project_id,omitempty"`
	Target        string              `json:"target"`
	TargetType    models.TargetType   `json:"target_type"`
	Type          models.MessageType  `json:"type,omitempty"`
	Text          string              `json:"text"`
	Data          map[string]any      `json:"data,omitempty"`
	Attachments   []models.Attachment `json:"attachments,omitempty"`
	ThreadID      string              `json:"thread_id,omitempty"`
	CorrelationID string              `json:"correlation_id,omitempty"`
}

// SearchOptions narrows a search.
type SearchOptions struct {
	ChannelID string
	SenderID  string
	Limit     int
	// Visible, when set, drops messages the searcher may not see.
	Visible func(msg *models.Message) bool
}

type entry struct {
	msg *models.Message
	seq uint64
}

// Pipeline owns the message table and its indexes.
type Pipeline struct {
	access AccessChecker
	router Router
	store  Store
	signer *crypto.Signer
	clock  clock.Clock
	logger zerolog.Logger

	mu       sync.RWMutex
	seq      uint64
	messages map[string]*entry
	order    []*entry
	byTarget map[string][]*entry
	byThread map[string][]*entry
	// routing holds, per target, the turn of the most recently inserted
	// message. Each send waits for its predecessor's turn before routing
	// so subscribers see a target's messages in insertion order.
	routing map[string]chan struct{}
}

// NewPipeline creates an empty pipeline. router and store may be nil.
func NewPipeline(access AccessChecker, router Router, store Store, signer *crypto.Signer, clk clock.Clock, logger zerolog.Logger) *Pipeline {
	if router == nil {
		router = nopRouter{}
	}
	return &Pipeline{
		access:   access,
		router:   router,
		store:    store,
		signer:   signer,
		clock:    clk,
		logger:   logger.With().Str("component", "message").Logger(),
		messages: make(map[string]*entry),
		byTarget: make(map[string][]*entry),
		byThread: make(map[string][]*entry),
		routing:  make(map[string]chan struct{}),
	}
}

// Send validates, signs, stores and routes a new message.
func (p *Pipeline) Send(input SendInput, senderID string) (*models.Message, error) {
	if err := p.validate(&input); err != nil {
		return nil, err
	}

	if input.TargetType == models.TargetChannel {
		if !p.access.Exists(input.Target) {
			return nil, mserr.New(mserr.CodeChannelNotFound, "channel not found", mserr.FieldChannelID(input.Target))
		}
		if !p.access.CheckAccess(input.Target, senderID, models.AccessWrite) {
			metrics.PermissionDenials.WithLabelValues("message.send").Inc()
			p.logger.Warn().
				Str("type", "security").
				Str("channel_id", input.Target).
				Str("agent_id", senderID).
				Msg("send denied")
			return nil, mserr.New(mserr.CodeChannelAccessDenied, "write access required to send to channel",
				mserr.FieldChannelID(input.Target), mserr.FieldAgentID(senderID))
		}
	}

	msg := &models.Message{
		ID:         crypto.NewULID(),
		ProjectID:  input.ProjectID,
		Target:     input.Target,
		TargetType: input.TargetType,
		SenderID:   senderID,
		Type:       input.Type,
		Content: models.Content{
			Text:        input.Text,
			Data:        input.Data,
			Mentions:    ExtractMentions(input.Text),
			Attachments: input.Attachments,
		},
		ThreadID:       input.ThreadID,
		CorrelationID:  input.CorrelationID,
		DeliveryStatus: models.StatusSent,
		SentAt:         millis(p.clock.Now()),
	}

	sig, err := p.sign(msg)
	if err != nil {
		return nil, err
	}
	msg.Signature = sig

	p.mu.Lock()
	if msg.ThreadID != "" {
		if _, ok := p.messages[msg.ThreadID]; !ok {
			p.mu.Unlock()
			return nil, threadMissing(msg.ThreadID)
		}
	}
	p.insertLocked(msg)
	prev, turn := p.takeTurnLocked(msg)
	out := msg.Clone()
	p.mu.Unlock()

	metrics.MessagesSent.WithLabelValues(string(out.TargetType)).Inc()
	p.logger.Debug().
		Str("message_id", out.ID).
		Str("sender_id", senderID).
		Str("target", out.Target).
		Str("target_type", string(out.TargetType)).
		Int("mentions", len(out.Content.Mentions)).
		Msg("message sent")

	p.routeInOrder(out, protocol.MessageCreated{Message: out}, prev, turn)
	p.persist(out)
	return out.Clone(), nil
}

func (p *Pipeline) validate(input *SendInput) error {
	switch input.TargetType {
	case models.TargetChannel, models.TargetAgent:
		if input.Target == "" {
			return mserr.New(mserr.CodeMessageInvalidInput, "message target is required")
		}
	case models.TargetBroadcast:
		input.Target = models.BroadcastTarget
	default:
		return mserr.New(mserr.CodeMessageInvalidInput, "target type must be channel, agent or broadcast",
			mserr.Field("target_type", string(input.TargetType)))
	}

	if input.Type == "" {
		input.Type = models.MessageText
		if input.ThreadID != "" {
			input.Type = models.MessageThreadReply
		}
	}
	if !input.Type.Valid() {
		return mserr.New(mserr.CodeMessageInvalidInput, "unknown message type", mserr.Field("type", string(input.Type)))
	}
	if input.Type == models.MessageThreadReply && input.ThreadID == "" {
		return mserr.New(mserr.CodeMessageInvalidInput, "thread replies need a thread id")
	}

	if len(input.Text) > MaxTextLength {
		return mserr.New(mserr.CodeMessageInvalidInput, "message text exceeds 4096 bytes",
			mserr.Field("length", len(input.Text)))
	}
	if strings.TrimSpace(input.Text) == "" && len(input.Data) == 0 && len(input.Attachments) == 0 {
		return mserr.New(mserr.CodeMessageInvalidInput, "message needs text, data or attachments")
	}
	return nil
}

// Get returns a message by id, soft-deleted ones included.
func (p *Pipeline) Get(messageID string) (*models.Message, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	e, ok := p.messages[messageID]
	if !ok {
		return nil, notFound(messageID)
	}
	return e.msg.Clone(), nil
}

// ChannelMessages returns up to limit live messages of the channel,
// newest first. With beforeID set only messages strictly older than that
// message are returned.
func (p *Pipeline) ChannelMessages(channelID string, limit int, beforeID string) ([]*models.Message, error) {
	return p.targetMessages(channelID, limit, beforeID)
}

// Inbox returns up to limit live messages sent directly to the agent,
// newest first.
func (p *Pipeline) Inbox(agentID string, limit int, beforeID string) ([]*models.Message, error) {
	return p.targetMessages(agentID, limit, beforeID)
}

func (p *Pipeline) targetMessages(target string, limit int, beforeID string) ([]*models.Message, error) {
	limit = clampLimit(limit)

	p.mu.RLock()
	defer p.mu.RUnlock()

	var cursor *entry
	if beforeID != "" {
		c, ok := p.messages[beforeID]
		if !ok {
			return nil, mserr.New(mserr.CodeMessageInvalidInput, "cursor message not found", mserr.FieldMessageID(beforeID))
		}
		cursor = c
	}

	candidates := make([]*entry, 0, len(p.byTarget[target]))
	for _, e := range p.byTarget[target] {
		if e.msg.Deleted() {
			continue
		}
		if cursor != nil && !newer(cursor, e) {
			continue
		}
		candidates = append(candidates, e)
	}
	sort.Slice(candidates, func(i, j int) bool { return newer(candidates[i], candidates[j]) })

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return clones(candidates), nil
}

// ThreadMessages returns the live replies of a thread, oldest first.
func (p *Pipeline) ThreadMessages(threadID string) []*models.Message {
	p.mu.RLock()
	defer p.mu.RUnlock()

	replies := make([]*entry, 0, len(p.byThread[threadID]))
	for _, e := range p.byThread[threadID] {
		if !e.msg.Deleted() {
			replies = append(replies, e)
		}
	}
	sort.Slice(replies, func(i, j int) bool { return newer(replies[j], replies[i]) })
	return clones(replies)
}

// Edit replaces the text of a message and signs it again. Only the
// sender may edit.
func (p *Pipeline) Edit(messageID, newText, editorID string) (*models.Message, error) {
	if len(newText) > MaxTextLength {
		return nil, mserr.New(mserr.CodeMessageInvalidInput, "message text exceeds 4096 bytes",
			mserr.Field("length", len(newText)))
	}

	p.mu.Lock()
	e, ok := p.messages[messageID]
	if !ok || e.msg.Deleted() {
		p.mu.Unlock()
		return nil, notFound(messageID)
	}
	if e.msg.SenderID != editorID {
		p.mu.Unlock()
		return nil, senderDenied("edit", messageID, editorID)
	}
	if strings.TrimSpace(newText) == "" && len(e.msg.Content.Data) == 0 && len(e.msg.Content.Attachments) == 0 {
		p.mu.Unlock()
		return nil, mserr.New(mserr.CodeMessageInvalidInput, "message needs text, data or attachments")
	}

	edited := e.msg.Clone()
	edited.Content.Text = newText
	edited.Content.Mentions = ExtractMentions(newText)
	editedAt := millis(p.clock.Now())
	edited.EditedAt = &editedAt
	sig, err := p.sign(edited)
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	edited.Signature = sig
	e.msg = edited
	prev, turn := p.takeTurnLocked(edited)
	out := edited.Clone()
	p.mu.Unlock()

	p.routeInOrder(out, protocol.MessageUpdated{Message: out}, prev, turn)
	p.persist(out)
	return out.Clone(), nil
}

// Delete soft-deletes a message. Only the sender may delete.
func (p *Pipeline) Delete(messageID, deleterID string) error {
	p.mu.Lock()
	e, ok := p.messages[messageID]
	if !ok || e.msg.Deleted() {
		p.mu.Unlock()
		return notFound(messageID)
	}
	if e.msg.SenderID != deleterID {
		p.mu.Unlock()
		return senderDenied("delete", messageID, deleterID)
	}
	deletedAt := millis(p.clock.Now())
	e.msg.DeletedAt = &deletedAt
	prev, turn := p.takeTurnLocked(e.msg)
	out := e.msg.Clone()
	p.mu.Unlock()

	p.routeInOrder(out, protocol.MessageDeleted{MessageID: out.ID, Target: out.Target, DeletedAt: deletedAt}, prev, turn)
	p.persist(out)
	return nil
}

// MarkDelivered advances a sent message to delivered. Any other current
// status is left alone and false is returned.
func (p *Pipeline) MarkDelivered(messageID, agentID string) (bool, error) {
	p.mu.Lock()
	e, ok := p.messages[messageID]
	if !ok {
		p.mu.Unlock()
		return false, notFound(messageID)
	}
	if e.msg.DeliveryStatus != models.StatusSent {
		p.mu.Unlock()
		return false, nil
	}
	e.msg.DeliveryStatus = models.StatusDelivered
	out := e.msg.Clone()
	p.mu.Unlock()

	p.persist(out)
	p.router.SendToAgent(out.SenderID, protocol.MessageReceipt{MessageID: out.ID, AgentID: agentID, Status: models.StatusDelivered})
	return true, nil
}

// MarkRead sets the message to read regardless of its current status.
func (p *Pipeline) MarkRead(messageID, agentID string) error {
	p.mu.Lock()
	e, ok := p.messages[messageID]
	if !ok {
		p.mu.Unlock()
		return notFound(messageID)
	}
	e.msg.DeliveryStatus = models.StatusRead
	out := e.msg.Clone()
	p.mu.Unlock()

	p.persist(out)
	p.router.SendToAgent(out.SenderID, protocol.MessageReceipt{MessageID: out.ID, AgentID: agentID, Status: models.StatusRead})
	return nil
}

// VerifySignature recomputes the signature of msg and compares it with
// the one it carries.
func (p *Pipeline) VerifySignature(msg *models.Message) bool {
	if msg == nil || msg.Signature == "" {
		return false
	}
	payload, err := signingPayload(msg)
	if err != nil {
		return false
	}
	return p.signer.Verify(payload, msg.Signature)
}

// Ingest adds an externally supplied message after checking its
// signature. Messages already known by id are skipped.
func (p *Pipeline) Ingest(msg *models.Message) error {
	if msg == nil {
		return mserr.New(mserr.CodeMessageInvalidInput, "message is required")
	}
	if !p.VerifySignature(msg) {
		return mserr.New(mserr.CodeMessageSignatureInvalid, "message signature does not verify",
			mserr.FieldMessageID(msg.ID))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.messages[msg.ID]; ok {
		return nil
	}
	p.insertLocked(msg.Clone())
	return nil
}

// Load replays stored messages for the given targets. Messages whose
// signatures fail are skipped and logged.
func (p *Pipeline) Load(ctx context.Context, loader Loader, targets []string, perTarget int) error {
	loaded, rejected := 0, 0
	for _, target := range targets {
		msgs, err := loader.GetMessages(ctx, target, perTarget)
		if err != nil {
			return mserr.Wrap(err, mserr.CodeStoreFailure, "loading messages", mserr.Field("target", target))
		}
		// Oldest first so replies land after their parents.
		for i := len(msgs) - 1; i >= 0; i-- {
			if err := p.Ingest(msgs[i]); err != nil {
				rejected++
				p.logger.Warn().Err(err).Str("type", "security").Str("message_id", msgs[i].ID).Msg("stored message rejected")
				continue
			}
			loaded++
		}
	}
	p.logger.Info().Int("loaded", loaded).Int("rejected", rejected).Msg("messages loaded")
	return nil
}

// Search returns live messages whose text contains query, ignoring case,
// in insertion order.
func (p *Pipeline) Search(query string, opts SearchOptions) ([]*models.Message, error) {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil, mserr.New(mserr.CodeRequestInvalidInput, "search query is required")
	}
	limit := clampLimit(opts.Limit)
	metrics.SearchQueries.Inc()

	p.mu.RLock()
	defer p.mu.RUnlock()

	var hits []*entry
	for _, e := range p.order {
		msg := e.msg
		if msg.Deleted() {
			continue
		}
		if opts.ChannelID != "" && (msg.TargetType != models.TargetChannel || msg.Target != opts.ChannelID) {
			continue
		}
		if opts.SenderID != "" && msg.SenderID != opts.SenderID {
			continue
		}
		if !strings.Contains(strings.ToLower(msg.Content.Text), query) {
			continue
		}
		if opts.Visible != nil && !opts.Visible(msg) {
			continue
		}
		hits = append(hits, e)
		if len(hits) == limit {
			break
		}
	}
	return clones(hits), nil
}

func (p *Pipeline) insertLocked(msg *models.Message) {
	p.seq++
	e := &entry{msg: msg, seq: p.seq}
	p.messages[msg.ID] = e
	p.order = append(p.order, e)
	if msg.TargetType != models.TargetBroadcast {
		p.byTarget[msg.Target] = append(p.byTarget[msg.Target], e)
	}
	if msg.ThreadID != "" {
		p.byThread[msg.ThreadID] = append(p.byThread[msg.ThreadID], e)
	}
}

func (p *Pipeline) sign(msg *models.Message) (string, error) {
	payload, err := signingPayload(msg)
	if err != nil {
		return "", mserr.Wrap(err, mserr.CodeInternalFailure, "encoding message content", mserr.FieldMessageID(msg.ID))
	}
	return p.signer.Sign(payload), nil
}

func signingPayload(msg *models.Message) ([]byte, error) {
	content, err := json.Marshal(msg.Content)
	if err != nil {
		return nil, err
	}
	return crypto.SignaturePayload(msg.ID, msg.SenderID, content, msg.SentAt.UnixMilli()), nil
}

// takeTurnLocked queues msg behind the previous message routed to the
// same target. prev is nil when nothing is ahead of it.
func (p *Pipeline) takeTurnLocked(msg *models.Message) (prev, turn chan struct{}) {
	key := routeKey(msg)
	prev = p.routing[key]
	turn = make(chan struct{})
	p.routing[key] = turn
	return prev, turn
}

// routeInOrder waits for prev, routes msg and then releases turn.
func (p *Pipeline) routeInOrder(msg *models.Message, payload protocol.Payload, prev, turn chan struct{}) {
	if prev != nil {
		<-prev
	}
	p.route(msg, payload)
	close(turn)

	key := routeKey(msg)
	p.mu.Lock()
	if p.routing[key] == turn {
		delete(p.routing, key)
	}
	p.mu.Unlock()
}

func routeKey(msg *models.Message) string {
	return string(msg.TargetType) + ":" + msg.Target
}

func (p *Pipeline) route(msg *models.Message, payload protocol.Payload) {
	switch msg.TargetType {
	case models.TargetChannel:
		p.router.BroadcastToChannel(msg.Target, payload)
	case models.TargetAgent:
		p.router.SendToAgent(msg.Target, payload)
		if msg.SenderID != msg.Target {
			p.router.SendToAgent(msg.SenderID, payload)
		}
	case models.TargetBroadcast:
		p.router.Broadcast(payload)
	}
}

func (p *Pipeline) persist(msg *models.Message) {
	if p.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.store.SaveMessage(ctx, msg); err != nil {
		p.logger.Error().Err(err).Str("message_id", msg.ID).Msg("message persistence failed")
	}
}

// newer orders entries by send time, then insertion.
func newer(a, b *entry) bool {
	if !a.msg.SentAt.Equal(b.msg.SentAt) {
		return a.msg.SentAt.After(b.msg.SentAt)
	}
	return a.seq > b.seq
}

func clones(entries []*entry) []*models.Message {
	out := make([]*models.Message, len(entries))
	for i, e := range entries {
		out[i] = e.msg.Clone()
	}
	return out
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

func millis(t time.Time) time.Time {
	return time.UnixMilli(t.UnixMilli()).UTC()
}

func notFound(messageID string) error {
	return mserr.New(mserr.CodeMessageNotFound, "message not found", mserr.FieldMessageID(messageID))
}

func threadMissing(threadID string) error {
	return mserr.New(mserr.CodeMessageInvalidInput, "thread parent message not found", mserr.Field("thread_id", threadID))
}

func senderDenied(op, messageID, agentID string) error {
	metrics.PermissionDenials.WithLabelValues("message." + op).Inc()
	return mserr.New(mserr.CodeMessageSenderDenied, "only the sender may "+op+" a message",
		mserr.FieldMessageID(messageID), mserr.FieldAgentID(agentID))
}

type nopRouter struct{}

func (nopRouter) BroadcastToChannel(string, protocol.Payload) int { return 0 }
func (nopRouter) SendToAgent(string, protocol.Payload) bool       { return false }
func (nopRouter) Broadcast(protocol.Payload) int                  { return 0 }
