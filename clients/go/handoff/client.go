// Package handoff is the Go client for the handoff relay protocol: managed
// websocket connections with reconnect and heartbeat, request/response
// correlation over the typed envelope contract, and a per-session view that
// mirrors messages, read receipts, typing, and the AI/HUMAN mode.
package handoff

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/handoff-protocol/handoff/protocol"
)

// Handlers are the application callbacks. All of them are optional and run
// on the connection's read goroutine, so they must not block.
type Handlers struct {
	OnMessage      func(chatID string, msg protocol.Message)
	OnTyping       func(chatID string, ev protocol.TypingUpdate)
	OnReadUpdate   func(chatID string, ev protocol.ReadUpdate)
	OnNotification func(chatID string, note protocol.Notification)
	OnServerError  func(chatID string, e protocol.ErrorPayload)

	// OnStateChange reports connection lifecycle transitions. The relay
	// does not replay frames missed while disconnected; applications that
	// care about the gap should call History on the CONNECTED edge.
	OnStateChange func(chatID string, from, to State, err error)
}

// Options configures a Client.
type Options struct {
	BaseURL string // relay base URL, e.g. "wss://relay.example.com"
	Token   string // admin bearer token; empty for third-party participants

	DisableAutoReconnect bool
	MaxReconnectAttempts int           // default 10
	BackoffBase          time.Duration // default 1s, doubled per attempt
	BackoffCap           time.Duration // default 30s
	PoolCap              int           // default 8 simultaneous connections
	HeartbeatInterval    time.Duration
	HeartbeatMisses      int
	DialTimeout          time.Duration
	WriteTimeout         time.Duration
	SendTimeout          time.Duration
	HistoryTimeout       time.Duration
	MembersTimeout       time.Duration

	Logger   *zerolog.Logger // defaults to a disabled logger
	Handlers Handlers
}

func (o Options) withDefaults() Options {
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = 10
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 30 * time.Second
	}
	if o.PoolCap <= 0 {
		o.PoolCap = 8
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 25 * time.Second
	}
	if o.HeartbeatMisses <= 0 {
		o.HeartbeatMisses = 2
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 10 * time.Second
	}
	if o.HistoryTimeout <= 0 {
		o.HistoryTimeout = 30 * time.Second
	}
	if o.MembersTimeout <= 0 {
		o.MembersTimeout = 10 * time.Second
	}
	return o
}

func (o Options) reconnectEnabled() bool {
	return !o.DisableAutoReconnect
}

// Client is the application-facing orchestrator. It owns the connection
// manager, one SessionView per chat, and the typed protocol operations.
type Client struct {
	opts Options
	log  zerolog.Logger
	mgr  *ConnManager

	mu    sync.RWMutex
	views map[string]*SessionView
}

// New creates a Client. Connections are opened lazily through Connect.
func New(opts Options) *Client {
	opts = opts.withDefaults()

	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}

	c := &Client{
		opts:  opts,
		log:   log.With().Str("component", "handoff").Logger(),
		views: make(map[string]*SessionView),
	}
	c.mgr = newConnManager(opts, c.log, c.route, c.stateChanged)
	return c
}

// Connect opens the websocket for a chat session. Official identities dial
// the admin endpoint and authenticate with the configured bearer token;
// third-party identities dial the public chat endpoint.
func (c *Client) Connect(ctx context.Context, chatID string, identity protocol.Identity) error {
	u, header, err := c.socketTarget(chatID, identity)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if _, ok := c.views[chatID]; !ok {
		c.views[chatID] = newSessionView(chatID)
	}
	c.mu.Unlock()

	return c.mgr.Connect(ctx, chatID, u, header)
}

// Disconnect permanently closes a session's connection. The session view is
// kept so the application can still read accumulated state.
func (c *Client) Disconnect(chatID string) error {
	return c.mgr.Disconnect(chatID)
}

// Close tears down every connection.
func (c *Client) Close() error {
	c.mgr.CloseAll()
	return nil
}

// View returns the session view for chatID, or nil before the first
// Connect for that chat.
func (c *Client) View(chatID string) *SessionView {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.views[chatID]
}

// State reports the lifecycle state of a session's connection.
func (c *Client) State(chatID string) State {
	if conn := c.mgr.conn(chatID); conn != nil {
		return conn.State()
	}
	return StateDisconnected
}

// SendMessage posts a message and waits for the server's confirmed copy,
// which carries the store-assigned id.
func (c *Client) SendMessage(ctx context.Context, chatID, content string) (protocol.Message, error) {
	env, err := c.request(ctx, chatID, protocol.TypeMessageCreate,
		protocol.MessageCreate{Content: content}, c.opts.SendTimeout)
	if err != nil {
		return protocol.Message{}, err
	}

	var mn protocol.MessageNew
	if err := env.DecodePayload(&mn); err != nil {
		return protocol.Message{}, err
	}
	return mn.Message, nil
}

// History fetches up to limit messages older than beforeID (0 means most
// recent), oldest first.
func (c *Client) History(ctx context.Context, chatID string, beforeID int64, limit int) ([]protocol.Message, error) {
	env, err := c.request(ctx, chatID, protocol.TypeHistoryRequest,
		protocol.HistoryRequest{BeforeMessageID: beforeID, Limit: limit}, c.opts.HistoryTimeout)
	if err != nil {
		return nil, err
	}

	var hr protocol.HistoryResponse
	if err := env.DecodePayload(&hr); err != nil {
		return nil, err
	}
	return hr.Messages, nil
}

// Members asks for the live membership snapshot. The server rejects
// non-admin callers with FORBIDDEN.
func (c *Client) Members(ctx context.Context, chatID string) ([]string, error) {
	env, err := c.request(ctx, chatID, protocol.TypeMembersRequest,
		protocol.MembersRequest{}, c.opts.MembersTimeout)
	if err != nil {
		return nil, err
	}

	var mr protocol.MembersResponse
	if err := env.DecodePayload(&mr); err != nil {
		return nil, err
	}
	return mr.Members, nil
}

// SetTyping announces the local typing state. Fire-and-forget; peers hear
// about it through typing.update.
func (c *Client) SetTyping(chatID string, typing bool) error {
	typ := protocol.TypeTypingStop
	if typing {
		typ = protocol.TypeTypingStart
	}
	frame, err := protocol.Encode(typ, protocol.Typing{IsTyping: typing})
	if err != nil {
		return err
	}
	return c.send(chatID, frame)
}

// MarkRead records that this client has read the given messages.
// Fire-and-forget; the converged read state comes back via
// message.read.update.
func (c *Client) MarkRead(chatID string, messageIDs ...int64) error {
	if len(messageIDs) == 0 {
		return nil
	}
	frame, err := protocol.Encode(protocol.TypeMessageRead, protocol.MessageRead{MessageIDs: messageIDs})
	if err != nil {
		return err
	}
	return c.send(chatID, frame)
}

// request sends a correlated envelope and waits for its answer.
func (c *Client) request(ctx context.Context, chatID, typ string, payload any, timeout time.Duration) (protocol.Envelope, error) {
	conn := c.mgr.conn(chatID)
	if conn == nil {
		return protocol.Envelope{}, ErrNotConnected
	}

	frame, requestID, err := protocol.EncodeRequest(typ, payload, "")
	if err != nil {
		return protocol.Envelope{}, err
	}

	ch := conn.calls.track(requestID, timeout)
	if err := conn.send(frame); err != nil {
		conn.calls.complete(requestID, result{err: err})
		<-ch
		return protocol.Envelope{}, err
	}
	return await(ctx, ch)
}

func (c *Client) send(chatID string, frame []byte) error {
	conn := c.mgr.conn(chatID)
	if conn == nil {
		return ErrNotConnected
	}
	return conn.send(frame)
}

// route dispatches one inbound frame: state-bearing types update the view
// and fire callbacks, then any request_id resolves its pending request.
func (c *Client) route(conn *Conn, raw []byte) {
	env, err := protocol.Decode(raw)
	if err != nil {
		c.log.Debug().Err(err).Str("conn_id", conn.id).Msg("dropping malformed frame")
		return
	}

	chatID := conn.id
	view := c.View(chatID)

	switch env.Type {
	case protocol.TypeMessageNew:
		var mn protocol.MessageNew
		if err := env.DecodePayload(&mn); err != nil {
			c.log.Debug().Err(err).Msg("bad message.new payload")
			break
		}
		if view.applyMessage(mn.Message) && c.opts.Handlers.OnMessage != nil {
			c.opts.Handlers.OnMessage(chatID, mn.Message)
		}
	case protocol.TypeHistoryResponse:
		var hr protocol.HistoryResponse
		if err := env.DecodePayload(&hr); err != nil {
			c.log.Debug().Err(err).Msg("bad history.response payload")
			break
		}
		view.applyHistory(hr.Messages)
	case protocol.TypeTypingUpdate:
		var tu protocol.TypingUpdate
		if err := env.DecodePayload(&tu); err != nil {
			c.log.Debug().Err(err).Msg("bad typing.update payload")
			break
		}
		view.applyTyping(tu)
		if c.opts.Handlers.OnTyping != nil {
			c.opts.Handlers.OnTyping(chatID, tu)
		}
	case protocol.TypeReadUpdate:
		var ru protocol.ReadUpdate
		if err := env.DecodePayload(&ru); err != nil {
			c.log.Debug().Err(err).Msg("bad message.read.update payload")
			break
		}
		view.applyRead(ru.Messages)
		if c.opts.Handlers.OnReadUpdate != nil {
			c.opts.Handlers.OnReadUpdate(chatID, ru)
		}
	case protocol.TypeNotification:
		var note protocol.Notification
		if err := env.DecodePayload(&note); err != nil {
			c.log.Debug().Err(err).Msg("bad notification.system payload")
			break
		}
		view.applyNotification(note)
		if c.opts.Handlers.OnNotification != nil {
			c.opts.Handlers.OnNotification(chatID, note)
		}
	case protocol.TypeError:
		if env.RequestID == "" && c.opts.Handlers.OnServerError != nil {
			var ep protocol.ErrorPayload
			if err := env.DecodePayload(&ep); err == nil {
				c.opts.Handlers.OnServerError(chatID, ep)
			}
		}
	}

	if env.RequestID != "" {
		conn.calls.complete(env.RequestID, result{env: env})
	}
}

func (c *Client) stateChanged(id string, from, to State, err error) {
	if c.opts.Handlers.OnStateChange != nil {
		c.opts.Handlers.OnStateChange(id, from, to, err)
	}
}

// socketTarget builds the dial URL and headers for a session.
func (c *Client) socketTarget(chatID string, identity protocol.Identity) (string, http.Header, error) {
	if chatID == "" {
		return "", nil, fmt.Errorf("handoff: chat id is required")
	}
	if identity.ClientID == "" {
		return "", nil, fmt.Errorf("handoff: client id is required")
	}

	base, err := url.Parse(c.opts.BaseURL)
	if err != nil {
		return "", nil, fmt.Errorf("handoff: invalid base URL: %w", err)
	}
	switch base.Scheme {
	case "http":
		base.Scheme = "ws"
	case "https":
		base.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", nil, fmt.Errorf("handoff: unsupported scheme %q", base.Scheme)
	}

	q := url.Values{}
	q.Set("client_id", identity.ClientID)

	var header http.Header
	if identity.IsAdmin() {
		base.Path = strings.TrimSuffix(base.Path, "/") + "/ws/admin/" + chatID
		if c.opts.Token != "" {
			header = http.Header{"Authorization": []string{"Bearer " + c.opts.Token}}
		}
	} else {
		base.Path = strings.TrimSuffix(base.Path, "/") + "/ws/chat/" + chatID
		q.Set("third_party_user_id", identity.UserID)
	}
	base.RawQuery = q.Encode()

	return base.String(), header, nil
}
