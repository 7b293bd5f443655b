package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/handoff-protocol/handoff/internal/api/middleware"
	"github.com/handoff-protocol/handoff/protocol"
)

// upgrader does not check Origin: third-party widgets embed the chat from
// arbitrary pages, and the admin socket is gated by bearer token instead.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ChatSocket upgrades a third-party participant onto a session.
//
//	GET /ws/chat/{chatID}?client_id=...&third_party_user_id=...&trace_id=...
func (h *Handler) ChatSocket(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	clientID := sanitizeID(r.URL.Query().Get("client_id"))
	userID := sanitizeID(r.URL.Query().Get("third_party_user_id"))
	if clientID == "" || userID == "" {
		h.Error(w, http.StatusBadRequest, "client_id and third_party_user_id are required")
		return
	}

	h.serveSocket(w, r, chatID, protocol.Identity{
		UserID:   userID,
		ClientID: clientID,
		UserType: protocol.UserThirdParty,
	})
}

// AdminSocket upgrades a support agent onto a session. The route runs behind
// the admin bearer check, so the verified claims carry the agent id.
//
//	GET /ws/admin/{chatID}?client_id=...&trace_id=...
func (h *Handler) AdminSocket(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	claims := middleware.GetAdminFromContext(r.Context())
	if claims == nil {
		h.Error(w, http.StatusUnauthorized, "missing admin identity")
		return
	}

	clientID := sanitizeID(r.URL.Query().Get("client_id"))
	if clientID == "" {
		clientID = "agent-" + uuid.NewString()
	}

	h.serveSocket(w, r, chatID, protocol.Identity{
		UserID:   claims.AdminID,
		ClientID: clientID,
		UserType: protocol.UserOfficial,
	})
}

func (h *Handler) serveSocket(w http.ResponseWriter, r *http.Request, chatID string, identity protocol.Identity) {
	if chatID == "" {
		h.Error(w, http.StatusBadRequest, "session id is required")
		return
	}

	traceID := sanitizeID(r.URL.Query().Get("trace_id"))
	if traceID == "" {
		traceID = uuid.NewString()
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error response.
		h.log.Warn().Err(err).Str("session_id", chatID).Msg("websocket upgrade failed")
		return
	}

	if err := h.relay.Attach(r.Context(), ws, chatID, identity, traceID); err != nil {
		h.log.Error().Err(err).Str("session_id", chatID).Msg("session attach failed")
		ws.Close()
	}
}
