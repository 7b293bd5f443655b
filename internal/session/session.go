// Package session holds the live state of one chat session: its AI/HUMAN
// mode, the connected members, the typing flags, and the read-receipt
// ledger. Everything here is derived from live connections and explicit
// operations; nothing is read back from storage to answer a query.
package session

import (
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/handoff-protocol/handoff/protocol"
)

// Mode says who answers third-party messages on a session.
type Mode string

const (
	// ModeAI routes messages to the automated responder.
	ModeAI Mode = "AI"
	// ModeHuman routes messages to the assigned human agent.
	ModeHuman Mode = "HUMAN"
)

// ModeChange reports the outcome of a mode operation. Changed is false when
// the session was already in the requested mode; the caller still broadcasts
// a notification either way.
type ModeChange struct {
	Mode    Mode
	AgentID string
	Changed bool
}

// Session is the in-memory state for one chat id. All methods are safe for
// concurrent use.
type Session struct {
	ID string

	mu       sync.RWMutex
	mode     Mode
	agentID  string
	members  map[string]protocol.Identity // keyed by client id
	typing   map[string]bool
	lastSeen time.Time

	Receipts *Receipts
}

// New returns a session in AI mode with no members.
func New(id string) *Session {
	return &Session{
		ID:       id,
		mode:     ModeAI,
		members:  make(map[string]protocol.Identity),
		typing:   make(map[string]bool),
		lastSeen: time.Now(),
		Receipts: NewReceipts(),
	}
}

// Mode returns the current mode.
func (s *Session) Mode() Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// AssignedAgent returns the assigned agent id, empty when none. A non-empty
// assignment implies HUMAN mode; HUMAN mode with no assignment is legal
// after the assignee leaves.
func (s *Session) AssignedAgent() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.agentID
}

// SwitchHuman moves the session to HUMAN mode and assigns agentID. Called
// again in HUMAN mode it still overwrites the assignment and reports
// Changed=false so the caller re-emits the notification.
func (s *Session) SwitchHuman(agentID string) ModeChange {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := s.mode != ModeHuman
	s.mode = ModeHuman
	s.agentID = agentID
	return ModeChange{Mode: ModeHuman, AgentID: agentID, Changed: changed}
}

// SwitchAI moves the session to AI mode and clears any assignment.
func (s *Session) SwitchAI() ModeChange {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := s.mode != ModeAI
	s.mode = ModeAI
	s.agentID = ""
	return ModeChange{Mode: ModeAI, Changed: changed}
}

// Join assigns agentID to the session. Only meaningful in HUMAN mode; the
// last join wins, there is no queue. Returns false when ignored.
func (s *Session) Join(agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode != ModeHuman {
		return false
	}
	s.agentID = agentID
	return true
}

// Leave clears the assignment if agentID holds it. The mode stays HUMAN;
// handing back to AI takes an explicit SwitchAI. Returns false when agentID
// was not the assignee.
func (s *Session) Leave(agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if agentID == "" || s.agentID != agentID {
		return false
	}
	s.agentID = ""
	return true
}

// AddMember records a connection opening. Touches the idle clock.
func (s *Session) AddMember(id protocol.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[id.ClientID] = id
	s.lastSeen = time.Now()
}

// RemoveMember records a connection closing, whatever the cause. The typing
// flag for that client is dropped silently; peers infer cessation from
// silence.
func (s *Session) RemoveMember(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members, clientID)
	delete(s.typing, clientID)
	s.lastSeen = time.Now()
}

// Member returns the identity behind a client id.
func (s *Session) Member(clientID string) (protocol.Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.members[clientID]
	return id, ok
}

// MemberCount returns the number of live connections.
func (s *Session) MemberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.members)
}

// MembersSnapshot returns the live client ids, sorted, with their count.
func (s *Session) MembersSnapshot() protocol.MembersResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := lo.Keys(s.members)
	sort.Strings(ids)
	return protocol.MembersResponse{Members: ids, Count: len(ids)}
}

// SetTyping records a client's typing flag. Last write wins, nothing is
// persisted, and there is no acknowledgement.
func (s *Session) SetTyping(clientID string, isTyping bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if isTyping {
		s.typing[clientID] = true
	} else {
		delete(s.typing, clientID)
	}
}

// TypingClients returns the client ids currently flagged as typing, sorted.
func (s *Session) TypingClients() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := lo.Keys(s.typing)
	sort.Strings(ids)
	return ids
}

// IdleSince returns the last time membership changed. Empty sessions older
// than the idle expiry get evicted by the hub.
func (s *Session) IdleSince() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSeen
}
