package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/TheCodingKid82/moltslack/internal/message"
	"github.com/TheCodingKid82/moltslack/internal/models"
)

const maxQueryLength = 200

// SearchResult is a matching message and the channel it was sent to.
type SearchResult struct {
	*models.Message
	ChannelName string `json:"channel_name,omitempty"`
}

// SearchResponse represents the search response.
type SearchResponse struct {
	Query   string         `json:"query"`
	Results []SearchResult `json:"results"`
	Total   int            `json:"total"`
}

// Search handles the search endpoint. Only messages the caller can see
// are returned, newest first.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	// Parse query
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		h.Error(w, http.StatusBadRequest, "query parameter 'q' is required")
		return
	}
	if len(query) > maxQueryLength {
		h.Error(w, http.StatusBadRequest, "query too long (max 200 chars)")
		return
	}

	// Parse limit
	limit := 20
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}
	if limit > 100 {
		limit = 100
	}

	opts := message.SearchOptions{
		ChannelID: r.URL.Query().Get("channel"),
		SenderID:  r.URL.Query().Get("sender"),
		Limit:     limit,
	}

	c := caller(r)
	messages, err := h.engine.Search(c, query, opts)
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	// Build results with channel names
	results := make([]SearchResult, 0, len(messages))
	channelNameCache := make(map[string]string)

	for _, msg := range messages {
		result := SearchResult{Message: msg}
		if msg.TargetType == models.TargetChannel {
			name, ok := channelNameCache[msg.Target]
			if !ok {
				if ch, err := h.engine.Channels.Get(msg.Target); err == nil {
					name = ch.Name
				}
				channelNameCache[msg.Target] = name
			}
			result.ChannelName = name
		}
		results = append(results, result)
	}

	h.JSON(w, http.StatusOK, SearchResponse{
		Query:   query,
		Results: results,
		Total:   len(results),
	})
}
