package hub

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/handoff-protocol/handoff/internal/metrics"
	"github.com/handoff-protocol/handoff/internal/session"
	"github.com/handoff-protocol/handoff/protocol"
)

// transport is the slice of *websocket.Conn the hub relies on. Tests swap in
// an in-process fake.
type transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Conn is one live websocket attached to a session. Frames read from it are
// dispatched in delivery order; writes go through a buffered queue drained
// by its write pump.
type Conn struct {
	hub      *Hub
	sess     *liveSession
	chatID   string
	ws       transport
	identity protocol.Identity
	log      zerolog.Logger

	send chan []byte
	done chan struct{}
	once sync.Once
}

// Attach registers a websocket on a session and starts its pumps. It returns
// once the connection is live; pump goroutines own the socket afterwards.
func (h *Hub) Attach(ctx context.Context, ws *websocket.Conn, chatID string, identity protocol.Identity, traceID string) error {
	return h.attach(ctx, ws, chatID, identity, traceID)
}

func (h *Hub) attach(ctx context.Context, ws transport, chatID string, identity protocol.Identity, traceID string) error {
	ls, err := h.session(ctx, chatID)
	if err != nil {
		return err
	}

	role := "client"
	if identity.IsAdmin() {
		role = "admin"
	}
	c := &Conn{
		hub:      h,
		sess:     ls,
		chatID:   chatID,
		ws:       ws,
		identity: identity,
		log: h.log.With().
			Str("session_id", chatID).
			Str("client_id", identity.ClientID).
			Str("user_id", identity.UserID).
			Str("role", role).
			Str("trace_id", traceID).
			Logger(),
		send: make(chan []byte, h.opts.SendBuffer),
		done: make(chan struct{}),
	}

	ls.addConn(c)
	metrics.ConnectionsTotal.WithLabelValues(role).Inc()
	metrics.ConnectionsOpen.WithLabelValues(role).Inc()
	c.log.Info().Msg("connected")

	if identity.IsAdmin() && ls.state.Mode() == session.ModeHuman {
		h.agentJoined(ls, identity.UserID)
	}

	go c.writePump()
	go c.readPump()
	return nil
}

func (c *Conn) readPump() {
	defer c.detach()

	c.ws.SetReadLimit(c.hub.opts.MaxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.hub.opts.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.hub.opts.PongTimeout))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			c.log.Debug().Err(err).Msg("read loop end")
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.hub.opts.PongTimeout))
		c.hub.dispatch(c, raw)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.hub.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case raw := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				c.log.Debug().Err(err).Msg("write failed")
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Debug().Err(err).Msg("ping failed")
				return
			}
		case <-c.done:
			return
		}
	}
}

// enqueue hands a frame to the write pump. A full queue means the peer
// stopped draining; the connection is dropped rather than blocking the
// session.
func (c *Conn) enqueue(raw []byte) {
	select {
	case c.send <- raw:
	case <-c.done:
	default:
		metrics.FramesDropped.WithLabelValues("slow_consumer").Inc()
		c.log.Warn().Msg("send queue full, dropping connection")
		c.shutdown()
	}
}

// shutdown stops the pumps and closes the socket. Idempotent.
func (c *Conn) shutdown() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// detach runs when the read pump ends, whatever the cause: membership is
// dropped, an assigned agent implicitly leaves, and an empty session starts
// its eviction clock. No synthetic typing-stop is broadcast.
func (c *Conn) detach() {
	c.shutdown()

	role := "client"
	if c.identity.IsAdmin() {
		role = "admin"
	}
	c.sess.removeConn(c, c.hub.opts.SessionIdle, func() { c.hub.evictIfIdle(c.chatID) })
	metrics.ConnectionsOpen.WithLabelValues(role).Dec()
	c.log.Info().Msg("disconnected")

	if c.identity.IsAdmin() {
		c.hub.agentLeft(c.sess, c.chatID, c.identity.UserID)
	}
}

// agentJoined applies the last-join-wins assignment when an official
// connection opens on a HUMAN session.
func (h *Hub) agentJoined(ls *liveSession, agentID string) {
	if !ls.state.Join(agentID) {
		return
	}
	h.persistMode(ls)
	h.broadcast(ls, protocol.TypeNotification, protocol.Notification{
		Level:   protocol.LevelInfo,
		Content: "agent " + agentID + " joined the chat",
		Event:   protocol.EventAgentJoin,
		Mode:    string(ls.state.Mode()),
		AgentID: agentID,
	})
}

// agentLeft clears the assignment when the assigned agent's connection
// closes. The session stays in HUMAN mode until an explicit switch.
func (h *Hub) agentLeft(ls *liveSession, chatID, agentID string) {
	if !ls.state.Leave(agentID) {
		return
	}
	h.persistMode(ls)
	h.broadcast(ls, protocol.TypeNotification, protocol.Notification{
		Level:   protocol.LevelWarning,
		Content: "agent " + agentID + " left the chat",
		Event:   protocol.EventAgentLeave,
		Mode:    string(ls.state.Mode()),
		AgentID: ls.state.AssignedAgent(),
	})
}

func (h *Hub) persistMode(ls *liveSession) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.store.SetSessionMode(ctx, ls.state.ID, string(ls.state.Mode()), ls.state.AssignedAgent()); err != nil {
		h.log.Warn().Err(err).Str("session_id", ls.state.ID).Msg("mode persist failed")
	}
}
