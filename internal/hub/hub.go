// Package hub drives the live side of the relay: it owns the websocket
// connections, fans envelopes out to session members, and applies the
// session state machine to every inbound event.
package hub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/handoff-protocol/handoff/internal/metrics"
	"github.com/handoff-protocol/handoff/internal/session"
	"github.com/handoff-protocol/handoff/internal/store"
	"github.com/handoff-protocol/handoff/protocol"

	"github.com/handoff-protocol/handoff/internal/responder"
)

// Options tune the hub. Zero values fall back to the defaults below.
type Options struct {
	HistoryLimit     int
	HistoryLimitMax  int
	SendBuffer       int
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	PongTimeout      time.Duration
	MaxFrameBytes    int64
	SessionIdle      time.Duration
	MessageRateLimit int // message.create per client per minute, 0 disables
}

func (o Options) withDefaults() Options {
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 20
	}
	if o.HistoryLimitMax <= 0 {
		o.HistoryLimitMax = 100
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 25 * time.Second
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = 60 * time.Second
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = protocol.MaxFrameSize
	}
	if o.SessionIdle <= 0 {
		o.SessionIdle = 5 * time.Minute
	}
	return o
}

// Hub is the server-side orchestrator. One Hub serves every session.
type Hub struct {
	log   zerolog.Logger
	store store.MessageStore
	cache *store.RedisCache   // optional
	ai    responder.Responder // optional
	opts  Options

	mu       sync.RWMutex
	sessions map[string]*liveSession
}

// liveSession pairs a session's state with its open connections.
type liveSession struct {
	state *session.Session

	mu        sync.RWMutex
	conns     map[string]*Conn // keyed by client id
	idleTimer *time.Timer
}

// New builds a Hub. cache and ai may be nil; the hub then skips the hot
// cache and automated replies.
func New(log zerolog.Logger, st store.MessageStore, cache *store.RedisCache, ai responder.Responder, opts Options) *Hub {
	return &Hub{
		log:      log.With().Str("component", "hub").Logger(),
		store:    st,
		cache:    cache,
		ai:       ai,
		opts:     opts.withDefaults(),
		sessions: make(map[string]*liveSession),
	}
}

// session returns the live session for chatID, creating and seeding it from
// the store on first attach.
func (h *Hub) session(ctx context.Context, chatID string) (*liveSession, error) {
	h.mu.RLock()
	ls, ok := h.sessions[chatID]
	h.mu.RUnlock()
	if ok {
		return ls, nil
	}

	rec, err := h.store.UpsertSession(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("upsert session %s: %w", chatID, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if ls, ok := h.sessions[chatID]; ok {
		return ls, nil
	}

	st := session.New(chatID)
	if rec.Mode == string(session.ModeHuman) {
		st.SwitchHuman(rec.AssignedAgentID)
	}
	ls = &liveSession{state: st, conns: make(map[string]*Conn)}
	h.sessions[chatID] = ls
	metrics.SessionsActive.Set(float64(len(h.sessions)))
	h.log.Info().Str("session_id", chatID).Str("mode", string(st.Mode())).Msg("session opened")
	return ls, nil
}

// lookup returns an already-live session, nil when none.
func (h *Hub) lookup(chatID string) *liveSession {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[chatID]
}

// evictIfIdle drops a session that stayed empty for the idle expiry.
func (h *Hub) evictIfIdle(chatID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ls, ok := h.sessions[chatID]
	if !ok || ls.state.MemberCount() > 0 {
		return
	}
	delete(h.sessions, chatID)
	metrics.SessionsActive.Set(float64(len(h.sessions)))
	h.log.Info().Str("session_id", chatID).Msg("session evicted")
}

func (ls *liveSession) addConn(c *Conn) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.idleTimer != nil {
		ls.idleTimer.Stop()
		ls.idleTimer = nil
	}
	// A reconnect with the same client id replaces the old transport.
	if prev, ok := ls.conns[c.identity.ClientID]; ok {
		prev.shutdown()
	}
	ls.conns[c.identity.ClientID] = c
	ls.state.AddMember(c.identity)
}

func (ls *liveSession) removeConn(c *Conn, idle time.Duration, onIdle func()) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	// Only drop the registration if it still points at this Conn; a
	// replacement may already be live under the same client id.
	if cur, ok := ls.conns[c.identity.ClientID]; !ok || cur != c {
		return
	}
	delete(ls.conns, c.identity.ClientID)
	ls.state.RemoveMember(c.identity.ClientID)
	if len(ls.conns) == 0 && idle > 0 {
		if ls.idleTimer != nil {
			ls.idleTimer.Stop()
		}
		ls.idleTimer = time.AfterFunc(idle, onIdle)
	}
}

// connSnapshot returns the current connections.
func (ls *liveSession) connSnapshot() []*Conn {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	conns := make([]*Conn, 0, len(ls.conns))
	for _, c := range ls.conns {
		conns = append(conns, c)
	}
	return conns
}

// broadcast enqueues an envelope to every member except the client ids in
// skip. A full send queue drops that one connection, never the session.
func (h *Hub) broadcast(ls *liveSession, typ string, payload any, skip ...string) {
	raw, err := protocol.Encode(typ, payload)
	if err != nil {
		h.log.Error().Err(err).Str("type", typ).Msg("broadcast encode failed")
		return
	}
	skipSet := make(map[string]bool, len(skip))
	for _, id := range skip {
		skipSet[id] = true
	}
	for _, c := range ls.connSnapshot() {
		if skipSet[c.identity.ClientID] {
			continue
		}
		c.enqueue(raw)
		metrics.FramesOut.WithLabelValues(typ).Inc()
	}
}

// sendTo enqueues an envelope, correlated when requestID is non-empty, to
// one connection.
func (h *Hub) sendTo(c *Conn, typ string, payload any, requestID string) {
	var raw []byte
	var err error
	if requestID == "" {
		raw, err = protocol.Encode(typ, payload)
	} else {
		raw, _, err = protocol.EncodeRequest(typ, payload, requestID)
	}
	if err != nil {
		h.log.Error().Err(err).Str("type", typ).Msg("send encode failed")
		return
	}
	c.enqueue(raw)
	metrics.FramesOut.WithLabelValues(typ).Inc()
}

// sendError rejects one frame. With a request id the error resolves the
// caller waiting on it; without one it reaches the client uncorrelated.
func (h *Hub) sendError(c *Conn, requestID string, code protocol.ErrorCode, msg string) {
	h.sendTo(c, protocol.TypeError, protocol.ErrorPayload{Code: code, Message: msg}, requestID)
}

// SwitchMode flips a session between AI and HUMAN, persists the change, and
// broadcasts a notification even when the mode did not change. It is the
// entry point for the admin REST surface.
func (h *Hub) SwitchMode(ctx context.Context, chatID string, mode session.Mode, agentID string) error {
	ls, err := h.session(ctx, chatID)
	if err != nil {
		return err
	}

	var change session.ModeChange
	switch mode {
	case session.ModeHuman:
		change = ls.state.SwitchHuman(agentID)
	case session.ModeAI:
		change = ls.state.SwitchAI()
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}

	if err := h.store.SetSessionMode(ctx, chatID, string(change.Mode), change.AgentID); err != nil {
		h.log.Warn().Err(err).Str("session_id", chatID).Msg("mode persist failed")
	}
	metrics.ModeSwitches.WithLabelValues(string(change.Mode)).Inc()
	h.log.Info().
		Str("session_id", chatID).
		Str("mode", string(change.Mode)).
		Str("agent_id", change.AgentID).
		Bool("changed", change.Changed).
		Msg("mode switch")

	h.broadcast(ls, protocol.TypeNotification, modeNotification(change))
	return nil
}

// SessionSnapshot reports a session's live state for the admin surface.
// Falls back to the persisted record when the session is not live.
func (h *Hub) SessionSnapshot(ctx context.Context, chatID string) (*store.SessionRecord, []string, error) {
	if ls := h.lookup(chatID); ls != nil {
		rec, err := h.store.GetSession(ctx, chatID)
		if err != nil {
			return nil, nil, err
		}
		if rec == nil {
			rec = &store.SessionRecord{ID: chatID}
		}
		rec.Mode = string(ls.state.Mode())
		rec.AssignedAgentID = ls.state.AssignedAgent()
		return rec, ls.state.MembersSnapshot().Members, nil
	}
	rec, err := h.store.GetSession(ctx, chatID)
	if err != nil || rec == nil {
		return rec, nil, err
	}
	return rec, []string{}, nil
}

func modeNotification(change session.ModeChange) protocol.Notification {
	content := "chat mode switched to AI"
	if change.Mode == session.ModeHuman {
		content = "chat mode switched to HUMAN"
		if change.AgentID != "" {
			content = fmt.Sprintf("chat mode switched to HUMAN, agent %s assigned", change.AgentID)
		}
	}
	return protocol.Notification{
		Level:   protocol.LevelInfo,
		Content: content,
		Event:   protocol.EventModeSwitch,
		Mode:    string(change.Mode),
		AgentID: change.AgentID,
	}
}
