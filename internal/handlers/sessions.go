package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/handoff-protocol/handoff/internal/session"
	"github.com/handoff-protocol/handoff/internal/store"
)

// ModeRequest is the body of POST /api/sessions/{chatID}/mode.
type ModeRequest struct {
	Mode    string `json:"mode"`
	AgentID string `json:"agent_id,omitempty"`
}

// SessionResponse is a session record plus its live membership.
type SessionResponse struct {
	store.SessionRecord
	Members []string `json:"members"`
}

// SwitchMode flips a session between automated and human handling. Connected
// participants hear about the switch through a system notification.
func (h *Handler) SwitchMode(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")

	var req ModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	mode := session.Mode(strings.ToUpper(strings.TrimSpace(req.Mode)))
	if mode != session.ModeAI && mode != session.ModeHuman {
		h.Error(w, http.StatusBadRequest, "mode must be AI or HUMAN")
		return
	}

	if err := h.relay.SwitchMode(r.Context(), chatID, mode, sanitizeID(req.AgentID)); err != nil {
		h.log.Error().Err(err).Str("session_id", chatID).Msg("mode switch failed")
		h.Error(w, http.StatusInternalServerError, "mode switch failed")
		return
	}

	h.sessionResponse(w, r, chatID)
}

// SessionInfo reports a session's persisted record and live members.
func (h *Handler) SessionInfo(w http.ResponseWriter, r *http.Request) {
	h.sessionResponse(w, r, chi.URLParam(r, "chatID"))
}

func (h *Handler) sessionResponse(w http.ResponseWriter, r *http.Request, chatID string) {
	rec, members, err := h.relay.SessionSnapshot(r.Context(), chatID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if rec == nil {
		h.Error(w, http.StatusNotFound, "session not found")
		return
	}
	if members == nil {
		members = []string{}
	}

	h.JSON(w, http.StatusOK, SessionResponse{SessionRecord: *rec, Members: members})
}
