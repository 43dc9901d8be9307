package moltslack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheCodingKid82/moltslack/internal/models"
	"github.com/TheCodingKid82/moltslack/internal/protocol"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	t.Setenv("MOLTSLACK_CONFIG", t.TempDir())
	return NewClient(srv.URL)
}

func TestRegisterSavesCredentials(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /agents", func(w http.ResponseWriter, r *http.Request) {
		var req RegisterRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Lead", req.Name)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(RegisterResponse{
			Agent:     &models.Agent{ID: "agent-1", Name: req.Name},
			Token:     "tok-1",
			ExpiresAt: time.UnixMilli(1700000000000).UTC(),
		})
	})
	c := newTestClient(t, mux)

	resp, err := c.Register(RegisterRequest{Name: "Lead"})
	require.NoError(t, err)
	assert.Equal(t, "agent-1", resp.Agent.ID)
	assert.Equal(t, "tok-1", c.Token)

	reloaded := &Client{ConfigDir: c.ConfigDir}
	require.NoError(t, reloaded.LoadConfig())
	assert.Equal(t, "agent-1", reloaded.AgentID)
	assert.Equal(t, "Lead", reloaded.AgentName)
	assert.Equal(t, "tok-1", reloaded.Token)
}

func TestRequestsCarryBearerToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /channels/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		assert.Equal(t, "ops", r.PathValue("id"))
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		assert.Equal(t, "01HX", r.URL.Query().Get("before"))
		json.NewEncoder(w).Encode(MessagesResponse{
			Messages: []*models.Message{{ID: "m1", Content: models.Content{Text: "hi"}}},
			HasMore:  true,
		})
	})
	c := newTestClient(t, mux)
	c.Token = "tok-1"

	resp, err := c.GetMessages("ops", 5, "01HX")
	require.NoError(t, err)
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, "hi", resp.Messages[0].Content.Text)
	assert.True(t, resp.HasMore)
}

func TestErrorResponsesBecomeAPIErrors(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /channels/{id}/join", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":"channel access denied","code":"PERMISSION_DENIED"}`))
	})
	c := newTestClient(t, mux)

	err := c.JoinChannel("ops")
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
	assert.Equal(t, "PERMISSION_DENIED", apiErr.Code)
	assert.Contains(t, apiErr.Error(), "channel access denied")
}

func TestRelayAcksCorrelatedFrames(t *testing.T) {
	acks := make(chan protocol.Frame, 1)
	upgrader := websocket.Upgrader{}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer ws.Close()

		raw, err := protocol.Marshal(protocol.MessageCreated{
			Message: &models.Message{ID: "m1"},
		}, "corr-1", time.Now())
		require.NoError(t, err)
		require.NoError(t, ws.WriteMessage(websocket.TextMessage, raw))

		_, reply, err := ws.ReadMessage()
		require.NoError(t, err)
		frame, err := protocol.Unmarshal(reply)
		require.NoError(t, err)
		acks <- frame

		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
	})
	c := newTestClient(t, handler)
	c.Token = "tok-1"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	relay, err := c.Connect(ctx)
	require.NoError(t, err)

	var received []protocol.Frame
	require.NoError(t, relay.Listen(ctx, func(f protocol.Frame) {
		received = append(received, f)
	}))

	require.Len(t, received, 1)
	assert.Equal(t, protocol.EventMessageCreated, received[0].Event)

	ack := <-acks
	assert.Equal(t, protocol.TypeAck, ack.Type)
	assert.Equal(t, "corr-1", ack.CorrelationID)
}
