// Package relay is the realtime transport between agents and the
// engine. It tracks one live connection per agent and the channel
// subscription sets, fans payloads out to them, and dispatches inbound
// frames to a Handler.
package relay

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/TheCodingKid82/moltslack/internal/auth"
	"github.com/TheCodingKid82/moltslack/internal/clock"
	"github.com/TheCodingKid82/moltslack/internal/crypto"
	mserr "github.com/TheCodingKid82/moltslack/internal/errors"
	"github.com/TheCodingKid82/moltslack/internal/metrics"
	"github.com/TheCodingKid82/moltslack/internal/models"
	"github.com/TheCodingKid82/moltslack/internal/protocol"
)

// DefaultAckTimeout bounds SendWithAck when no timeout is given.
const DefaultAckTimeout = 5000 * time.Millisecond

const (
	reasonClosed   = "closed"
	reasonReplaced = "replaced by a new connection"
	reasonShutdown = "server shutting down"
)

// TokenVerifier checks bearer tokens presented on upgrade.
type TokenVerifier interface {
	VerifyToken(token string) *auth.Claims
}

// Handler receives connection lifecycle events and decoded inbound
// frames. Errors returned from the Handle methods are sent back to the
// agent as error frames.
type Handler interface {
	Connected(claims *auth.Claims, info models.ConnectionInfo)
	Disconnected(agentID, reason string)
	HandleMessage(agentID string, msg *protocol.InboundMessage, correlationID string) (*models.Message, error)
	HandlePresence(agentID string, p *protocol.InboundPresence) error
	HandleEvent(agentID string, e *protocol.InboundEvent) error
}

type pendingAck struct {
	agentID string
	result  chan string
}

// Hub owns the connection map and the subscription sets.
type Hub struct {
	verifier TokenVerifier
	handler  Handler
	clock    clock.Clock
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]Connection
	subs  map[string]map[string]struct{}

	pendingMu sync.Mutex
	pending   map[string]pendingAck

	srvMu  sync.Mutex
	server *http.Server
}

// NewHub creates a hub. The handler may be set later with SetHandler
// but must be in place before connections are accepted.
func NewHub(verifier TokenVerifier, handler Handler, clk clock.Clock, logger zerolog.Logger) *Hub {
	return &Hub{
		verifier: verifier,
		handler:  handler,
		clock:    clk,
		logger:   logger.With().Str("component", "relay").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		conns:   make(map[string]Connection),
		subs:    make(map[string]map[string]struct{}),
		pending: make(map[string]pendingAck),
	}
}

func (h *Hub) SetHandler(handler Handler) {
	h.handler = handler
}

// Start listens on addr and serves the websocket endpoint at every path.
func (h *Hub) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return mserr.Wrap(err, mserr.CodeInternalFailure, "relay listen", mserr.Field("addr", addr))
	}

	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	h.srvMu.Lock()
	h.server = srv
	h.srvMu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error().Err(err).Msg("relay listener failed")
		}
	}()
	h.logger.Info().Str("addr", ln.Addr().String()).Msg("relay listening")
	return nil
}

// Stop closes every live connection with a normal closure, then shuts
// down the listener started by Start, if any.
func (h *Hub) Stop(ctx context.Context) error {
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[string]Connection)
	h.subs = make(map[string]map[string]struct{})
	h.mu.Unlock()

	for _, conn := range conns {
		conn.Close(websocket.CloseNormalClosure, reasonShutdown)
	}
	metrics.RelayConnections.Sub(float64(len(conns)))

	h.srvMu.Lock()
	srv := h.server
	h.server = nil
	h.srvMu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// ServeHTTP authenticates and upgrades a websocket request, then serves
// the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims := h.verifier.VerifyToken(bearerToken(r))
	if claims == nil {
		metrics.PermissionDenials.WithLabelValues("relay.connect").Inc()
		h.logger.Warn().
			Str("type", "security").
			Str("remote_addr", r.RemoteAddr).
			Msg("relay upgrade rejected")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid or expired token","code":"UNAUTHORIZED"}`))
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Str("agent_id", claims.AgentID).Msg("upgrade failed")
		return
	}

	info := models.ConnectionInfo{
		ConnectionID:  crypto.NewUUIDv7().String(),
		ClientType:    firstNonEmpty(r.URL.Query().Get("client"), r.Header.Get("X-Client-Type")),
		ClientVersion: r.Header.Get("X-Client-Version"),
		RemoteAddr:    r.RemoteAddr,
		ConnectedAt:   h.clock.Now().UTC(),
	}
	conn := newWSConn(info.ConnectionID, ws)
	go conn.writeLoop()

	h.Attach(claims, conn, info)
	reason := conn.readLoop(func(raw []byte) {
		h.Receive(claims.AgentID, conn, raw)
	})
	conn.Close(websocket.CloseNormalClosure, reasonClosed)
	h.Detach(claims.AgentID, conn, reason)
}

// Attach registers conn for the agent and reports the connection to the
// handler.
func (h *Hub) Attach(claims *auth.Claims, conn Connection, info models.ConnectionInfo) {
	h.RegisterConnection(claims.AgentID, conn)
	h.logger.Info().
		Str("agent_id", claims.AgentID).
		Str("connection_id", conn.ID()).
		Str("client_type", info.ClientType).
		Msg("agent connected")
	if h.handler != nil {
		h.handler.Connected(claims, info)
	}
}

// Detach forgets conn if it is still the agent's live connection and
// reports the disconnect. A connection that was already replaced or
// closed by the hub is ignored.
func (h *Hub) Detach(agentID string, conn Connection, reason string) {
	if !h.unregister(agentID, conn) {
		return
	}
	h.logger.Info().
		Str("agent_id", agentID).
		Str("connection_id", conn.ID()).
		Str("reason", reason).
		Msg("agent disconnected")
	if h.handler != nil {
		h.handler.Disconnected(agentID, reason)
	}
}

// RegisterConnection binds conn to the agent. An existing connection for
// the agent is replaced and closed.
func (h *Hub) RegisterConnection(agentID string, conn Connection) {
	h.mu.Lock()
	old, had := h.conns[agentID]
	h.conns[agentID] = conn
	h.mu.Unlock()

	if !had {
		metrics.RelayConnections.Inc()
		return
	}
	if old != conn {
		old.Close(websocket.CloseNormalClosure, reasonReplaced)
	}
}

func (h *Hub) unregister(agentID string, conn Connection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	current, ok := h.conns[agentID]
	if !ok || current != conn {
		return false
	}
	h.removeLocked(agentID)
	return true
}

func (h *Hub) removeLocked(agentID string) {
	delete(h.conns, agentID)
	for channelID, members := range h.subs {
		delete(members, agentID)
		if len(members) == 0 {
			delete(h.subs, channelID)
		}
	}
	metrics.RelayConnections.Dec()
}

// CloseAgent drops the agent's connection and subscriptions and closes
// the connection. The handler is not notified.
func (h *Hub) CloseAgent(agentID, reason string) {
	h.mu.Lock()
	conn, ok := h.conns[agentID]
	if ok {
		h.removeLocked(agentID)
	}
	h.mu.Unlock()

	if ok {
		conn.Close(websocket.CloseNormalClosure, reason)
	}
}

// IsConnected reports whether the agent has a live connection.
func (h *Hub) IsConnected(agentID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[agentID]
	return ok
}

// ConnectedAgents returns the ids of every connected agent.
func (h *Hub) ConnectedAgents() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	return ids
}

func (h *Hub) SubscribeToChannel(channelID, agentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.subs[channelID]
	if !ok {
		members = make(map[string]struct{})
		h.subs[channelID] = members
	}
	members[agentID] = struct{}{}
}

func (h *Hub) UnsubscribeFromChannel(channelID, agentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.subs[channelID]; ok {
		delete(members, agentID)
		if len(members) == 0 {
			delete(h.subs, channelID)
		}
	}
}

// Subscribers returns the agent ids subscribed to a channel.
func (h *Hub) Subscribers(channelID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.subs[channelID]))
	for id := range h.subs[channelID] {
		ids = append(ids, id)
	}
	return ids
}

// SendToAgent delivers payload to the agent's live connection. It
// returns false when the agent is not connected.
func (h *Hub) SendToAgent(agentID string, payload protocol.Payload) bool {
	frame, ok := h.encode(payload, "")
	if !ok {
		return false
	}

	h.mu.RLock()
	conn, connected := h.conns[agentID]
	h.mu.RUnlock()
	if !connected {
		return false
	}
	return h.deliver(conn, frame, payload)
}

// BroadcastToChannel delivers payload to every connected subscriber of
// the channel and returns how many received it.
func (h *Hub) BroadcastToChannel(channelID string, payload protocol.Payload) int {
	frame, ok := h.encode(payload, "")
	if !ok {
		return 0
	}

	h.mu.RLock()
	targets := make([]Connection, 0, len(h.subs[channelID]))
	for agentID := range h.subs[channelID] {
		if conn, connected := h.conns[agentID]; connected {
			targets = append(targets, conn)
		}
	}
	h.mu.RUnlock()

	return h.deliverAll(targets, frame, payload)
}

// Broadcast delivers payload to every connected agent.
func (h *Hub) Broadcast(payload protocol.Payload) int {
	frame, ok := h.encode(payload, "")
	if !ok {
		return 0
	}

	h.mu.RLock()
	targets := make([]Connection, 0, len(h.conns))
	for _, conn := range h.conns {
		targets = append(targets, conn)
	}
	h.mu.RUnlock()

	return h.deliverAll(targets, frame, payload)
}

// SendWithAck sends payload under a fresh correlation id and waits for
// the agent's ack frame. It fails with a timeout error once timeout
// elapses, or with ctx's error when ctx is done first. The pending entry
// is removed in every case.
func (h *Hub) SendWithAck(ctx context.Context, agentID string, payload protocol.Payload, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = DefaultAckTimeout
	}
	correlationID := crypto.NewCorrelationID()

	h.mu.RLock()
	conn, connected := h.conns[agentID]
	h.mu.RUnlock()
	if !connected {
		return "", mserr.New(mserr.CodeRelayNotConnected, "agent is not connected", mserr.FieldAgentID(agentID))
	}

	frame, ok := h.encode(payload, correlationID)
	if !ok {
		return "", mserr.New(mserr.CodeInternalFailure, "encoding payload")
	}

	result := make(chan string, 1)
	h.pendingMu.Lock()
	h.pending[correlationID] = pendingAck{agentID: agentID, result: result}
	h.pendingMu.Unlock()
	defer h.forget(correlationID)

	deadline := h.clock.After(timeout)
	if !h.deliver(conn, frame, payload) {
		return "", mserr.New(mserr.CodeRelayNotConnected, "agent connection is not accepting frames", mserr.FieldAgentID(agentID))
	}

	select {
	case status := <-result:
		metrics.RelayAcks.WithLabelValues("acked").Inc()
		return status, nil
	case <-deadline:
		metrics.RelayAcks.WithLabelValues("timeout").Inc()
		h.logger.Debug().Str("agent_id", agentID).Str("correlation_id", correlationID).Msg("ack timed out")
		return "", mserr.New(mserr.CodeRelayAckTimeout, "no ack before deadline",
			mserr.FieldAgentID(agentID), mserr.Field("correlation_id", correlationID), mserr.Field("timeout_ms", timeout.Milliseconds()))
	case <-ctx.Done():
		metrics.RelayAcks.WithLabelValues("canceled").Inc()
		return "", ctx.Err()
	}
}

// PendingAcks returns how many acks are being waited for.
func (h *Hub) PendingAcks() int {
	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()
	return len(h.pending)
}

func (h *Hub) forget(correlationID string) {
	h.pendingMu.Lock()
	delete(h.pending, correlationID)
	h.pendingMu.Unlock()
}

func (h *Hub) resolveAck(agentID, correlationID, status string) {
	h.pendingMu.Lock()
	p, ok := h.pending[correlationID]
	if ok && p.agentID == agentID {
		delete(h.pending, correlationID)
	} else {
		ok = false
	}
	h.pendingMu.Unlock()

	if !ok {
		h.logger.Debug().Str("agent_id", agentID).Str("correlation_id", correlationID).Msg("ack for unknown correlation id")
		return
	}
	p.result <- status
}

// Receive parses and dispatches one inbound frame from the agent's
// connection. Failures are answered on conn with an error frame.
func (h *Hub) Receive(agentID string, conn Connection, raw []byte) {
	frame, err := protocol.Unmarshal(raw)
	if err != nil {
		metrics.RelayFrames.WithLabelValues("in", "invalid").Inc()
		h.reply(conn, errorPayload(err), frame.CorrelationID)
		return
	}
	metrics.RelayFrames.WithLabelValues("in", string(frame.Type)).Inc()

	in, err := protocol.Decode(frame)
	if err != nil {
		h.reply(conn, errorPayload(err), frame.CorrelationID)
		return
	}

	switch in := in.(type) {
	case *protocol.InboundMessage:
		msg, err := h.handler.HandleMessage(agentID, in, frame.CorrelationID)
		if err != nil {
			h.replyErr(agentID, conn, err, frame.CorrelationID)
			return
		}
		h.reply(conn, protocol.Ack{MessageID: msg.ID, Status: string(msg.DeliveryStatus)}, frame.CorrelationID)
	case *protocol.InboundPresence:
		if err := h.handler.HandlePresence(agentID, in); err != nil {
			h.replyErr(agentID, conn, err, frame.CorrelationID)
			return
		}
		h.ackIfCorrelated(conn, frame.CorrelationID)
	case *protocol.InboundEvent:
		if err := h.handler.HandleEvent(agentID, in); err != nil {
			h.replyErr(agentID, conn, err, frame.CorrelationID)
			return
		}
		h.ackIfCorrelated(conn, frame.CorrelationID)
	case *protocol.InboundAck:
		h.resolveAck(agentID, in.CorrelationID, in.Status)
	default:
		h.reply(conn, protocol.Error{Code: "UNKNOWN_TYPE", Message: "unsupported frame"}, frame.CorrelationID)
	}
}

func (h *Hub) ackIfCorrelated(conn Connection, correlationID string) {
	if correlationID != "" {
		h.reply(conn, protocol.Ack{Status: "ok"}, correlationID)
	}
}

func (h *Hub) replyErr(agentID string, conn Connection, err error, correlationID string) {
	if mserr.IsPermissionDenied(err) {
		h.logger.Warn().Err(err).Str("type", "security").Str("agent_id", agentID).Msg("relay request denied")
	} else {
		h.logger.Debug().Err(err).Str("agent_id", agentID).Msg("relay request failed")
	}
	h.reply(conn, errorPayload(err), correlationID)
}

func (h *Hub) reply(conn Connection, payload protocol.Payload, correlationID string) {
	if frame, ok := h.encode(payload, correlationID); ok {
		h.deliver(conn, frame, payload)
	}
}

func errorPayload(err error) protocol.Error {
	return protocol.Error{Code: mserr.WireCode(err), Message: err.Error()}
}

func (h *Hub) encode(payload protocol.Payload, correlationID string) ([]byte, bool) {
	frame, err := protocol.Marshal(payload, correlationID, h.clock.Now())
	if err != nil {
		h.logger.Error().Err(err).Msg("payload encoding failed")
		return nil, false
	}
	return frame, true
}

func (h *Hub) deliver(conn Connection, frame []byte, payload protocol.Payload) bool {
	if !conn.Send(frame) {
		return false
	}
	metrics.RelayFrames.WithLabelValues("out", frameLabel(payload)).Inc()
	return true
}

func (h *Hub) deliverAll(targets []Connection, frame []byte, payload protocol.Payload) int {
	delivered := 0
	for _, conn := range targets {
		if h.deliver(conn, frame, payload) {
			delivered++
		}
	}
	return delivered
}

func frameLabel(payload protocol.Payload) string {
	switch payload.(type) {
	case protocol.MessageCreated, protocol.MessageUpdated, protocol.MessageDeleted:
		return string(protocol.TypeMessage)
	case protocol.PresenceChanged, protocol.TypingChanged, protocol.ActivityChanged:
		return string(protocol.TypePresence)
	case protocol.Ack:
		return string(protocol.TypeAck)
	case protocol.Error:
		return string(protocol.TypeError)
	default:
		return string(protocol.TypeEvent)
	}
}

func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
