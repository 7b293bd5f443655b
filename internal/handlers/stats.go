package handlers

import (
	"net/http"
	"time"

	"github.com/handoff-protocol/handoff/internal/store"
)

// StatsResponse represents the response from the stats endpoint.
type StatsResponse struct {
	TotalSessions int64                 `json:"total_sessions"`
	TotalMessages int64                 `json:"total_messages"`
	TopSessions   []store.SessionRecord `json:"top_sessions"`
	Timestamp     string                `json:"timestamp"`
}

// Stats returns relay-wide totals for the operator dashboard.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	totalSessions, err := h.store.CountSessions(ctx)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to count sessions")
		return
	}

	totalMessages, err := h.store.CountMessages(ctx)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to count messages")
		return
	}

	top, err := h.store.TopSessions(ctx, 5)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to list top sessions")
		return
	}
	if top == nil {
		top = []store.SessionRecord{}
	}

	h.JSON(w, http.StatusOK, StatsResponse{
		TotalSessions: totalSessions,
		TotalMessages: totalMessages,
		TopSessions:   top,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	})
}
