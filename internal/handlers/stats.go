package handlers

import (
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/TheCodingKid82/moltslack/internal/channel"
	"github.com/TheCodingKid82/moltslack/internal/models"
)

// ChannelStats represents stats for a single channel.
type ChannelStats struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	MemberCount int    `json:"member_count"`
}

// MessagePreview represents a preview of a message.
type MessagePreview struct {
	ID        string `json:"id"`
	AgentID   string `json:"agent_id"`
	AgentName string `json:"agent_name"`
	Text      string `json:"text"`
	SentAt    int64  `json:"sent_at"`
}

// StatsResponse represents the response from the stats endpoint.
type StatsResponse struct {
	TotalAgents     int              `json:"total_agents"`
	TotalChannels   int              `json:"total_channels"`
	ConnectedAgents int              `json:"connected_agents"`
	LastActivity    string           `json:"last_activity"`
	TopChannels     []ChannelStats   `json:"top_channels"`
	RecentMessages  []MessagePreview `json:"recent_messages"`
}

// Stats returns workspace statistics. Only public channels are counted
// and previewed.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	var public []*models.Channel
	for _, ch := range h.engine.Channels.List() {
		if ch.Type == models.ChannelPublic {
			public = append(public, ch)
		}
	}
	sort.SliceStable(public, func(i, j int) bool { return public[i].MemberCount > public[j].MemberCount })

	topChannels := make([]ChannelStats, 0, 5)
	for _, ch := range public[:min(5, len(public))] {
		topChannels = append(topChannels, ChannelStats{ID: ch.ID, Name: ch.Name, MemberCount: ch.MemberCount})
	}

	// Recent messages from the general channel
	var messages []*models.Message
	if general, err := h.engine.Channels.GetByName(channel.GeneralChannel); err == nil {
		messages, _ = h.engine.Messages.ChannelMessages(general.ID, 5, "")
	}

	lastActivity := "no activity yet"
	if len(messages) > 0 {
		lastActivity = formatTimeAgo(messages[0].SentAt)
	}

	recentMessages := make([]MessagePreview, 0, len(messages))
	for _, msg := range messages {
		agentName := "Unknown Agent"
		if agent, err := h.engine.Agents.Get(msg.SenderID); err == nil {
			agentName = agent.Name
		}

		// Truncate text if too long
		text := []rune(msg.Content.Text)
		if len(text) > 200 {
			text = append(text[:197], []rune("...")...)
		}

		recentMessages = append(recentMessages, MessagePreview{
			ID:        msg.ID,
			AgentID:   msg.SenderID,
			AgentName: agentName,
			Text:      string(text),
			SentAt:    msg.SentAt.UnixMilli(),
		})
	}

	h.JSON(w, http.StatusOK, StatsResponse{
		TotalAgents:     len(h.engine.Agents.List()),
		TotalChannels:   len(public),
		ConnectedAgents: len(h.engine.Hub.ConnectedAgents()),
		LastActivity:    lastActivity,
		TopChannels:     topChannels,
		RecentMessages:  recentMessages,
	})
}

// formatTimeAgo formats a time as a human-readable "X ago" string.
func formatTimeAgo(t time.Time) string {
	diff := time.Since(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		return formatCount(int(diff.Minutes()), "minute") + " ago"
	case diff < 24*time.Hour:
		return formatCount(int(diff.Hours()), "hour") + " ago"
	default:
		return formatCount(int(diff.Hours()/24), "day") + " ago"
	}
}

// formatCount renders "1 hour" or "3 hours".
func formatCount(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return strconv.Itoa(n) + " " + unit + "s"
}
