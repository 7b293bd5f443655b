package hub

import (
	"context"
	"strings"
	"time"

	"github.com/handoff-protocol/handoff/internal/metrics"
	"github.com/handoff-protocol/handoff/internal/session"
	"github.com/handoff-protocol/handoff/internal/store"
	"github.com/handoff-protocol/handoff/protocol"
)

const (
	dispatchTimeout  = 10 * time.Second
	responderTimeout = 60 * time.Second
)

// dispatch routes one inbound frame. Malformed frames are dropped without
// touching the connection; unknown types are rejected with UNKNOWN_TYPE.
func (h *Hub) dispatch(c *Conn, raw []byte) {
	env, err := protocol.Decode(raw)
	if err != nil {
		metrics.FramesDropped.WithLabelValues("malformed").Inc()
		c.log.Warn().Err(err).Msg("malformed frame dropped")
		return
	}
	metrics.FramesIn.WithLabelValues(env.Type).Inc()

	switch env.Type {
	case protocol.TypeMessageCreate:
		h.handleMessageCreate(c, env)
	case protocol.TypeHistoryRequest:
		h.handleHistory(c, env)
	case protocol.TypeTypingStart, protocol.TypeTypingStop:
		h.handleTyping(c, env)
	case protocol.TypeMessageRead:
		h.handleRead(c, env)
	case protocol.TypeMembersRequest:
		h.handleMembers(c, env)
	default:
		metrics.FramesDropped.WithLabelValues("unknown_type").Inc()
		c.log.Warn().Str("type", env.Type).Msg("unsupported type")
		// Without a request id there is no caller to reject.
		if env.RequestID != "" {
			h.sendError(c, env.RequestID, protocol.CodeUnknownType, "unsupported type "+env.Type)
		}
	}
}

func (h *Hub) handleMessageCreate(c *Conn, env protocol.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()

	var mc protocol.MessageCreate
	if err := env.DecodePayload(&mc); err != nil {
		c.log.Warn().Err(err).Msg("bad message.create payload")
		h.sendError(c, env.RequestID, protocol.CodeInvalidPayload, "invalid message.create payload")
		return
	}
	if strings.TrimSpace(mc.Content) == "" {
		h.sendError(c, env.RequestID, protocol.CodeInvalidPayload, "content is required")
		return
	}
	if mc.MessageType == "" {
		mc.MessageType = protocol.DefaultMessageType
	}

	if h.cache != nil && h.opts.MessageRateLimit > 0 {
		allowed, err := h.cache.Allow(ctx, "msg", c.identity.ClientID, h.opts.MessageRateLimit)
		if err != nil {
			c.log.Warn().Err(err).Msg("rate limit check failed")
		} else if !allowed {
			metrics.RateLimitHits.WithLabelValues("message.create").Inc()
			h.sendError(c, env.RequestID, protocol.CodeRateLimited, "message rate limit exceeded")
			return
		}
	}

	msg, err := h.store.AppendMessage(ctx, store.NewMessage{
		ChatID:      c.chatID,
		Content:     mc.Content,
		MessageType: mc.MessageType,
		SenderID:    c.identity.UserID,
		SenderType:  c.identity.SenderType(),
		Metadata:    mc.Metadata,
	})
	if err != nil {
		c.log.Error().Err(err).Msg("message append failed")
		h.sendError(c, env.RequestID, protocol.CodeInternal, "message not stored")
		return
	}
	metrics.MessagesCreated.WithLabelValues(string(msg.SenderType)).Inc()
	h.cacheMessage(ctx, c, msg)

	// The sender's copy carries the request id so the client can pair it
	// with the local echo; everyone else gets the bare broadcast.
	h.sendTo(c, protocol.TypeMessageNew, protocol.MessageNew{Message: msg}, env.RequestID)
	h.broadcast(c.sess, protocol.TypeMessageNew, protocol.MessageNew{Message: msg}, c.identity.ClientID)

	if h.ai != nil && c.identity.UserType == protocol.UserThirdParty && c.sess.state.Mode() == session.ModeAI {
		go h.autoRespond(c.sess, c.chatID)
	}
}

// autoRespond asks the responder for a reply to the current transcript and
// broadcasts it as an assistant message. Skipped silently if the session
// was handed to a human in the meantime.
func (h *Hub) autoRespond(ls *liveSession, chatID string) {
	ctx, cancel := context.WithTimeout(context.Background(), responderTimeout)
	defer cancel()

	history, err := h.store.History(ctx, chatID, 0, h.opts.HistoryLimit)
	if err != nil {
		h.log.Error().Err(err).Str("session_id", chatID).Msg("responder history load failed")
		return
	}

	reply, err := h.ai.Respond(ctx, chatID, history)
	if err != nil {
		metrics.ResponderReplies.WithLabelValues("error").Inc()
		h.log.Warn().Err(err).Str("session_id", chatID).Msg("responder failed")
		return
	}
	if reply == "" || ls.state.Mode() != session.ModeAI {
		return
	}

	msg, err := h.store.AppendMessage(ctx, store.NewMessage{
		ChatID:      chatID,
		Content:     reply,
		MessageType: protocol.DefaultMessageType,
		SenderID:    "assistant",
		SenderType:  protocol.SenderAssistant,
	})
	if err != nil {
		h.log.Error().Err(err).Str("session_id", chatID).Msg("assistant message append failed")
		return
	}
	metrics.ResponderReplies.WithLabelValues("ok").Inc()
	metrics.MessagesCreated.WithLabelValues(string(protocol.SenderAssistant)).Inc()

	if h.cache != nil {
		if err := h.cache.CacheMessage(ctx, msg); err != nil {
			h.log.Warn().Err(err).Msg("message cache failed")
		}
	}
	h.broadcast(ls, protocol.TypeMessageNew, protocol.MessageNew{Message: msg})
}

func (h *Hub) handleHistory(c *Conn, env protocol.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()

	var hr protocol.HistoryRequest
	if err := env.DecodePayload(&hr); err != nil {
		c.log.Warn().Err(err).Msg("bad history.request payload")
		h.sendError(c, env.RequestID, protocol.CodeInvalidPayload, "invalid history.request payload")
		return
	}
	if hr.BeforeMessageID < 0 {
		h.sendError(c, env.RequestID, protocol.CodeInvalidPayload, "before_message_id must be positive")
		return
	}
	limit := hr.Limit
	if limit <= 0 {
		limit = h.opts.HistoryLimit
	}
	if limit > h.opts.HistoryLimitMax {
		limit = h.opts.HistoryLimitMax
	}

	messages, served := h.cachedHistory(ctx, c.chatID, hr.BeforeMessageID, limit)
	if !served {
		var err error
		messages, err = h.store.History(ctx, c.chatID, hr.BeforeMessageID, limit)
		if err != nil {
			c.log.Error().Err(err).Msg("history load failed")
			h.sendError(c, env.RequestID, protocol.CodeInternal, "history unavailable")
			return
		}
	}
	if messages == nil {
		messages = []protocol.Message{}
	}

	// The live ledger wins over persisted receipts, and persisted
	// receipts seed the ledger so later marks union with them.
	for i := range messages {
		c.sess.state.Receipts.Seed(messages[i].ID, messages[i].ReadBy)
		messages[i].ReadBy = c.sess.state.Receipts.Get(messages[i].ID)
	}

	h.sendTo(c, protocol.TypeHistoryResponse, protocol.HistoryResponse{Messages: messages}, env.RequestID)
}

func (h *Hub) handleTyping(c *Conn, env protocol.Envelope) {
	// The envelope type is authoritative; the is_typing field mirrors it.
	isTyping := env.Type == protocol.TypeTypingStart

	c.sess.state.SetTyping(c.identity.ClientID, isTyping)
	h.broadcast(c.sess, protocol.TypeTypingUpdate, protocol.TypingUpdate{
		Sender:   c.identity,
		IsTyping: isTyping,
	}, c.identity.ClientID)
}

func (h *Hub) handleRead(c *Conn, env protocol.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()

	var mr protocol.MessageRead
	if err := env.DecodePayload(&mr); err != nil {
		metrics.FramesDropped.WithLabelValues("malformed").Inc()
		c.log.Warn().Err(err).Msg("bad message.read payload dropped")
		return
	}
	if len(mr.MessageIDs) == 0 {
		return
	}

	states := c.sess.state.Receipts.Mark(mr.MessageIDs, c.identity.UserID)

	messages, err := h.store.GetMessages(ctx, c.chatID, mr.MessageIDs)
	if err != nil {
		c.log.Error().Err(err).Msg("read update load failed")
		return
	}
	byID := make(map[int64][]string, len(states))
	for _, st := range states {
		byID[st.MessageID] = st.ReadBy
	}
	for i := range messages {
		if readers, ok := byID[messages[i].ID]; ok {
			messages[i].ReadBy = readers
		}
	}

	// Persistence is write-behind; the ledger already holds the truth.
	if err := h.store.MarkRead(ctx, mr.MessageIDs, c.identity.UserID); err != nil {
		c.log.Warn().Err(err).Msg("receipt persist failed")
	}
	for _, msg := range messages {
		h.cacheMessage(ctx, c, msg)
	}

	// Everyone gets the update, the actor included, so its other live
	// connections converge too.
	h.broadcast(c.sess, protocol.TypeReadUpdate, protocol.ReadUpdate{
		Sender:   c.identity,
		Messages: messages,
	})
}

func (h *Hub) handleMembers(c *Conn, env protocol.Envelope) {
	if !c.identity.IsAdmin() {
		h.sendError(c, env.RequestID, protocol.CodeForbidden, "members.request is admin-only")
		return
	}
	h.sendTo(c, protocol.TypeMembersResponse, c.sess.state.MembersSnapshot(), env.RequestID)
}

func (h *Hub) cacheMessage(ctx context.Context, c *Conn, msg protocol.Message) {
	if h.cache == nil {
		return
	}
	if err := h.cache.CacheMessage(ctx, msg); err != nil {
		c.log.Warn().Err(err).Msg("message cache failed")
	}
}

func (h *Hub) cachedHistory(ctx context.Context, chatID string, beforeID int64, limit int) ([]protocol.Message, bool) {
	if h.cache == nil {
		return nil, false
	}
	messages, ok, err := h.cache.RecentMessages(ctx, chatID, beforeID, limit)
	if err != nil {
		h.log.Warn().Err(err).Str("session_id", chatID).Msg("history cache read failed")
		return nil, false
	}
	return messages, ok
}
