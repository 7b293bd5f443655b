package handoff

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// State is the lifecycle state of a managed connection.
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateReconnecting State = "RECONNECTING"
	StateError        State = "ERROR"
)

// validTransitions is the allowed lifecycle graph. ERROR leaves through an
// explicit Connect or a manual Disconnect; CONNECTED re-enters CONNECTING
// when a manual Connect replaces a live transport.
var validTransitions = map[State][]State{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateConnected, StateReconnecting, StateDisconnected, StateError},
	StateConnected:    {StateConnecting, StateReconnecting, StateDisconnected, StateError},
	StateReconnecting: {StateConnecting, StateDisconnected, StateError},
	StateError:        {StateConnecting, StateDisconnected},
}

// canTransition reports whether the lifecycle allows moving from one state
// to another.
func canTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// backoffDelay returns the wait before reconnect attempt n (0-based):
// min(base*2^n, cap), no jitter, so the default tuning retries at 1s, 2s,
// 4s, 8s, 16s, then 30s.
func (o Options) backoffDelay(attempt int) time.Duration {
	if attempt > 30 {
		return o.BackoffCap
	}
	d := o.BackoffBase << attempt
	if d > o.BackoffCap || d <= 0 {
		return o.BackoffCap
	}
	return d
}

// wsTransport is the slice of *websocket.Conn the client relies on. Tests
// swap in an in-process fake.
type wsTransport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

type dialFunc func(ctx context.Context, url string, header http.Header) (wsTransport, error)

func gorillaDial(ctx context.Context, url string, header http.Header) (wsTransport, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, err
	}
	return ws, nil
}

// Conn is one managed connection. All lifecycle decisions happen under mu;
// the transport generation guards pump goroutines of replaced transports
// against acting on the current one.
type Conn struct {
	id  string
	mgr *ConnManager
	log zerolog.Logger

	calls *correlator

	mu         sync.Mutex
	url        string
	header     http.Header
	state      State
	ws         wsTransport
	gen        int
	attempts   int
	closed     bool // permanent Disconnect happened
	retryTimer *time.Timer

	writeMu sync.Mutex
	misses  atomic.Int32
}

// State returns the connection's current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// transition moves the lifecycle to the target state and returns the state
// left behind. Must be called with mu held. A move outside the transition
// table is a programming error; it is logged, not enforced, so a live
// connection never panics over it.
func (c *Conn) transition(to State) State {
	from := c.state
	if from != to && !canTransition(from, to) {
		c.log.Error().
			Str("conn_id", c.id).
			Str("from", string(from)).
			Str("to", string(to)).
			Msg("invalid connection state transition")
	}
	c.state = to
	return from
}

func (c *Conn) generation() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// send writes one frame. Fails with ErrNotConnected unless CONNECTED.
func (c *Conn) send(frame []byte) error {
	c.mu.Lock()
	if c.state != StateConnected || c.ws == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	ws := c.ws
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(c.mgr.opts.WriteTimeout))
	return ws.WriteMessage(websocket.TextMessage, frame)
}

// open dials and installs a fresh transport, replacing any live one.
// Resets the attempt counter; this is the only place that does.
func (c *Conn) open(ctx context.Context) error {
	ws, err := c.mgr.dial(ctx, c.currentURL(), c.currentHeader())
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		ws.Close()
		return ErrNotConnected
	}
	old := c.ws
	c.ws = ws
	c.gen++
	gen := c.gen
	from := c.transition(StateConnected)
	c.attempts = 0
	c.misses.Store(0)
	c.mu.Unlock()

	if old != nil {
		// A manual Connect replaced a live transport; requests in flight on
		// it can never be answered on the new one.
		old.Close()
		c.calls.failAll(ErrConnectionLost)
	}

	ws.SetPongHandler(func(string) error {
		c.misses.Store(0)
		return nil
	})

	go c.readLoop(ws, gen)
	go c.heartbeat(ws, gen)

	c.mgr.emitState(c.id, from, StateConnected, nil)
	return nil
}

func (c *Conn) currentURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.url
}

func (c *Conn) currentHeader() http.Header {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.header
}

func (c *Conn) readLoop(ws wsTransport, gen int) {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			intentional := websocket.IsCloseError(err, websocket.CloseNormalClosure)
			c.handleLoss(gen, err, intentional)
			return
		}
		c.mgr.onFrame(c, raw)
	}
}

// heartbeat sends ping control frames while the transport lives. Misses
// accumulate per ping and reset on pong; crossing the threshold forces an
// abnormal close.
func (c *Conn) heartbeat(ws wsTransport, gen int) {
	ticker := time.NewTicker(c.mgr.opts.HeartbeatInterval)
	defer ticker.Stop()

	for range ticker.C {
		if c.generation() != gen {
			return
		}
		if int(c.misses.Load()) >= c.mgr.opts.HeartbeatMisses {
			c.log.Warn().Str("conn_id", c.id).Msg("heartbeat expired")
			ws.Close() // unblocks the read loop, which runs the loss path
			return
		}
		c.misses.Add(1)
		if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.mgr.opts.WriteTimeout)); err != nil {
			c.log.Debug().Err(err).Str("conn_id", c.id).Msg("ping write failed")
		}
	}
}

// handleLoss settles a dropped transport: fails all pending requests, then
// either schedules a reconnect or parks the connection.
func (c *Conn) handleLoss(gen int, cause error, intentional bool) {
	c.mu.Lock()
	if gen != c.gen || c.ws == nil {
		c.mu.Unlock()
		return
	}
	ws := c.ws
	c.ws = nil
	c.gen++

	var to State
	var settleErr error
	switch {
	case c.closed || intentional:
		to = StateDisconnected
	case c.mgr.opts.reconnectEnabled() && c.attempts < c.mgr.opts.MaxReconnectAttempts:
		to = StateReconnecting
		settleErr = cause
	default:
		to = StateError
		settleErr = ErrRetriesExhausted
	}
	from := c.transition(to)
	if to == StateReconnecting {
		delay := c.mgr.opts.backoffDelay(c.attempts)
		c.attempts++
		c.retryTimer = time.AfterFunc(delay, c.redial)
	}
	c.mu.Unlock()

	ws.Close()
	c.calls.failAll(ErrConnectionLost)
	c.mgr.emitState(c.id, from, to, settleErr)
}

// redial runs when the backoff timer fires.
func (c *Conn) redial() {
	c.mu.Lock()
	if c.closed || c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.transition(StateConnecting)
	c.mu.Unlock()
	c.mgr.emitState(c.id, StateReconnecting, StateConnecting, nil)

	ctx, cancel := context.WithTimeout(context.Background(), c.mgr.opts.DialTimeout)
	defer cancel()
	if err := c.open(ctx); err != nil {
		c.dialFailed(err)
	}
}

// dialFailed handles a failed reconnect dial: next backoff step or ERROR.
func (c *Conn) dialFailed(cause error) {
	c.mu.Lock()
	if c.closed {
		from := c.transition(StateDisconnected)
		c.mu.Unlock()
		c.mgr.emitState(c.id, from, StateDisconnected, nil)
		return
	}
	if c.mgr.opts.reconnectEnabled() && c.attempts < c.mgr.opts.MaxReconnectAttempts {
		delay := c.mgr.opts.backoffDelay(c.attempts)
		c.attempts++
		from := c.transition(StateReconnecting)
		c.retryTimer = time.AfterFunc(delay, c.redial)
		c.mu.Unlock()
		c.mgr.emitState(c.id, from, StateReconnecting, cause)
		return
	}
	from := c.transition(StateError)
	c.mu.Unlock()
	c.mgr.emitState(c.id, from, StateError, ErrRetriesExhausted)
}

// close is the permanent manual disconnect: cancels any scheduled retry and
// sends a normal closure so the peer does not treat it as a drop.
func (c *Conn) close() {
	c.mu.Lock()
	c.closed = true
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	ws := c.ws
	c.ws = nil
	c.gen++
	from := c.transition(StateDisconnected)
	c.mu.Unlock()

	if ws != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.mgr.opts.WriteTimeout))
		ws.Close()
	}
	c.calls.failAll(ErrConnectionLost)
	if from != StateDisconnected {
		c.mgr.emitState(c.id, from, StateDisconnected, nil)
	}
}

// ConnManager owns the bounded set of live connections.
type ConnManager struct {
	opts Options
	dial dialFunc
	log  zerolog.Logger

	onFrame func(c *Conn, raw []byte)
	onState func(id string, from, to State, err error)

	mu    sync.Mutex
	conns map[string]*Conn
}

func newConnManager(opts Options, log zerolog.Logger, onFrame func(*Conn, []byte), onState func(string, State, State, error)) *ConnManager {
	return &ConnManager{
		opts:    opts,
		dial:    gorillaDial,
		log:     log,
		onFrame: onFrame,
		onState: onState,
		conns:   make(map[string]*Conn),
	}
}

func (m *ConnManager) emitState(id string, from, to State, err error) {
	m.log.Debug().
		Str("conn_id", id).
		Str("from", string(from)).
		Str("to", string(to)).
		Err(err).
		Msg("connection state")
	if m.onState != nil {
		m.onState(id, from, to, err)
	}
}

// conn returns the managed connection for id, or nil.
func (m *ConnManager) conn(id string) *Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns[id]
}

// Connect opens (or re-opens) the named connection. A dial failure here is
// returned to the caller; automatic retries only cover drops of established
// connections.
func (m *ConnManager) Connect(ctx context.Context, id, url string, header http.Header) error {
	m.mu.Lock()
	c, ok := m.conns[id]
	if !ok {
		if len(m.conns) >= m.opts.PoolCap {
			m.mu.Unlock()
			return ErrPoolExhausted
		}
		c = &Conn{
			id:    id,
			mgr:   m,
			log:   m.log,
			calls: newCorrelator(),
			state: StateDisconnected,
		}
		m.conns[id] = c
	}
	m.mu.Unlock()

	c.mu.Lock()
	c.closed = false
	c.url = url
	c.header = header
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	from := c.transition(StateConnecting)
	c.mu.Unlock()
	m.emitState(id, from, StateConnecting, nil)

	if err := c.open(ctx); err != nil {
		c.mu.Lock()
		settled := c.state == StateConnecting
		if settled {
			c.transition(StateDisconnected)
		}
		c.mu.Unlock()
		if settled {
			m.emitState(id, StateConnecting, StateDisconnected, err)
		}
		return err
	}
	return nil
}

// Disconnect permanently closes the named connection and frees its pool
// slot. No reconnect follows.
func (m *ConnManager) Disconnect(id string) error {
	m.mu.Lock()
	c, ok := m.conns[id]
	delete(m.conns, id)
	m.mu.Unlock()

	if !ok {
		return ErrNotConnected
	}
	c.close()
	return nil
}

// CloseAll tears down every managed connection.
func (m *ConnManager) CloseAll() {
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = make(map[string]*Conn)
	m.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}
