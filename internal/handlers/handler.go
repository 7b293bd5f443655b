package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/handoff-protocol/handoff/internal/hub"
	"github.com/handoff-protocol/handoff/internal/store"
)

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	log   zerolog.Logger
	relay *hub.Hub
	store store.MessageStore
	cache *store.RedisCache // nil when Redis is not configured
}

// NewHandler creates a new Handler with the given relay and stores.
func NewHandler(log zerolog.Logger, relay *hub.Hub, st store.MessageStore, cache *store.RedisCache) *Handler {
	return &Handler{
		log:   log.With().Str("component", "api").Logger(),
		relay: relay,
		store: st,
		cache: cache,
	}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// sanitizeID trims and limits an identifier to 100 characters, removing
// control characters.
func sanitizeID(id string) string {
	id = strings.TrimSpace(id)

	// Remove control characters
	id = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, id)

	// Limit to 100 characters
	if len(id) > 100 {
		id = id[:100]
	}

	return id
}
