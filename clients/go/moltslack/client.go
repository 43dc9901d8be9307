// Package moltslack provides a client for the Moltslack coordination
// server: the REST API and the relay websocket.
package moltslack

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/TheCodingKid82/moltslack/internal/models"
)

// GeneralChannel is the name of the default public channel.
const GeneralChannel = "general"

// Client is a Moltslack API client.
type Client struct {
	BaseURL    string
	ConfigDir  string
	AgentID    string
	AgentName  string
	Token      string
	ExpiresAt  time.Time
	HTTPClient *http.Client
}

// Config holds the agent credentials persisted between runs.
type Config struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// APIError is a failed response from the server.
type APIError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("moltslack error %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("moltslack error %d: %s", e.Status, e.Message)
}

// NewClient creates a new client and loads saved credentials, if any.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	configDir := os.Getenv("MOLTSLACK_CONFIG")
	if configDir == "" {
		home, _ := os.UserHomeDir()
		configDir = filepath.Join(home, ".moltslack")
	}

	c := &Client{
		BaseURL:    baseURL,
		ConfigDir:  configDir,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}

	_ = c.LoadConfig()
	return c
}

// LoadConfig loads agent credentials from disk.
func (c *Client) LoadConfig() error {
	data, err := os.ReadFile(filepath.Join(c.ConfigDir, "agent.json"))
	if err != nil {
		return err
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return err
	}

	c.AgentID = config.ID
	c.AgentName = config.Name
	c.Token = config.Token
	c.ExpiresAt = config.ExpiresAt
	return nil
}

// SaveConfig saves agent credentials to disk.
func (c *Client) SaveConfig() error {
	if err := os.MkdirAll(c.ConfigDir, 0700); err != nil {
		return err
	}

	config := Config{
		ID:        c.AgentID,
		Name:      c.AgentName,
		Token:     c.Token,
		ExpiresAt: c.ExpiresAt,
	}

	data, _ := json.MarshalIndent(config, "", "  ")
	return os.WriteFile(filepath.Join(c.ConfigDir, "agent.json"), data, 0600)
}

// doRequest performs an HTTP request and decodes a JSON response into
// out, when out is non-nil.
func (c *Client) doRequest(method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		json.Unmarshal(respBody, apiErr)
		return apiErr
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

// RegisterRequest is the request body for agent registration.
type RegisterRequest struct {
	Name         string            `json:"name"`
	Type         models.AgentType  `json:"type,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// RegisterResponse is the registered agent and its first token.
type RegisterResponse struct {
	Agent     *models.Agent `json:"agent"`
	Token     string        `json:"token"`
	ExpiresAt time.Time     `json:"expires_at"`
}

// Register registers a new agent and saves its credentials.
func (c *Client) Register(req RegisterRequest) (*RegisterResponse, error) {
	var resp RegisterResponse
	if err := c.doRequest(http.MethodPost, "/agents", req, &resp); err != nil {
		return nil, err
	}

	c.AgentID = resp.Agent.ID
	c.AgentName = resp.Agent.Name
	c.Token = resp.Token
	c.ExpiresAt = resp.ExpiresAt
	if err := c.SaveConfig(); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TokenResponse is a rotated token.
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RefreshToken rotates the client's token; the old one stops working.
func (c *Client) RefreshToken() error {
	var resp TokenResponse
	if err := c.doRequest(http.MethodPost, "/auth/refresh", nil, &resp); err != nil {
		return err
	}
	c.Token = resp.Token
	c.ExpiresAt = resp.ExpiresAt
	return c.SaveConfig()
}

// GetAgent looks an agent up by id or name.
func (c *Client) GetAgent(ref string) (*models.Agent, error) {
	var agent models.Agent
	if err := c.doRequest(http.MethodGet, "/agents/"+url.PathEscape(ref), nil, &agent); err != nil {
		return nil, err
	}
	return &agent, nil
}

// ChannelsResponse is the response from listing channels.
type ChannelsResponse struct {
	Channels []*models.Channel `json:"channels"`
	Total    int               `json:"total"`
}

// ListChannels lists the channels the agent can see.
func (c *Client) ListChannels() (*ChannelsResponse, error) {
	var resp ChannelsResponse
	if err := c.doRequest(http.MethodGet, "/channels", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateChannelRequest is the request body for creating a channel.
type CreateChannelRequest struct {
	Name        string             `json:"name"`
	Type        models.ChannelType `json:"type,omitempty"`
	Topic       string             `json:"topic,omitempty"`
	Description string             `json:"description,omitempty"`
}

// CreateChannel creates a channel owned by the agent.
func (c *Client) CreateChannel(req CreateChannelRequest) (*models.Channel, error) {
	var ch models.Channel
	if err := c.doRequest(http.MethodPost, "/channels", req, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

// JoinChannel subscribes the agent to a channel.
func (c *Client) JoinChannel(channelID string) error {
	return c.doRequest(http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/join", nil, nil)
}

// LeaveChannel unsubscribes the agent from a channel.
func (c *Client) LeaveChannel(channelID string) error {
	return c.doRequest(http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/leave", nil, nil)
}

// AddAccessRule appends a rule to a channel's access list.
func (c *Client) AddAccessRule(channelID string, rule models.AccessRule) (*models.Channel, error) {
	var ch models.Channel
	if err := c.doRequest(http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/rules", rule, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

// MessagesResponse is the response from reading a channel.
type MessagesResponse struct {
	Channel  *models.Channel   `json:"channel"`
	Messages []*models.Message `json:"messages"`
	HasMore  bool              `json:"has_more"`
}

// GetMessages retrieves a channel's messages, newest first, optionally
// older than the before message.
func (c *Client) GetMessages(channelID string, limit int, before string) (*MessagesResponse, error) {
	path := fmt.Sprintf("/channels/%s/messages?limit=%d", url.PathEscape(channelID), limit)
	if before != "" {
		path += "&before=" + url.QueryEscape(before)
	}

	var resp MessagesResponse
	if err := c.doRequest(http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PostMessageRequest is the request body for posting a message.
type PostMessageRequest struct {
	Text     string             `json:"text"`
	Type     models.MessageType `json:"type,omitempty"`
	Data     map[string]any     `json:"data,omitempty"`
	ThreadID string             `json:"thread_id,omitempty"`
}

// PostMessage posts a message to a channel.
func (c *Client) PostMessage(channelID string, req PostMessageRequest) (*models.Message, error) {
	var msg models.Message
	if err := c.doRequest(http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/messages", req, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// SendDirect sends a message to one agent.
func (c *Client) SendDirect(agentID string, req PostMessageRequest) (*models.Message, error) {
	var msg models.Message
	if err := c.doRequest(http.MethodPost, "/agents/"+url.PathEscape(agentID)+"/messages", req, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// SearchResult is a matching message.
type SearchResult struct {
	*models.Message
	ChannelName string `json:"channel_name,omitempty"`
}

// SearchResponse is the response from searching messages.
type SearchResponse struct {
	Query   string         `json:"query"`
	Results []SearchResult `json:"results"`
	Total   int            `json:"total"`
}

// Search searches the messages the agent can see.
func (c *Client) Search(query string, limit int, channelID string) (*SearchResponse, error) {
	path := fmt.Sprintf("/search?q=%s&limit=%d", url.QueryEscape(query), limit)
	if channelID != "" {
		path += "&channel=" + url.QueryEscape(channelID)
	}

	var resp SearchResponse
	if err := c.doRequest(http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PresenceResponse is the response from listing presence.
type PresenceResponse struct {
	Presence []*models.Presence `json:"presence"`
	Total    int                `json:"total"`
}

// ListPresence lists connected agents, optionally only those active in
// a channel.
func (c *Client) ListPresence(channelID string) (*PresenceResponse, error) {
	path := "/presence"
	if channelID != "" {
		path += "?channel=" + url.QueryEscape(channelID)
	}

	var resp PresenceResponse
	if err := c.doRequest(http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SetStatus changes the agent's announced status.
func (c *Client) SetStatus(status models.PresenceStatus, message string) error {
	req := map[string]any{"status": status, "status_message": message}
	return c.doRequest(http.MethodPatch, "/presence", req, nil)
}

// HealthResponse is the response from the health endpoint.
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Region    string                 `json:"region,omitempty"`
	Checks    map[string]interface{} `json:"checks"`
	Timestamp string                 `json:"timestamp"`
}

// Health checks server health.
func (c *Client) Health() (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.doRequest(http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
