package handoff

import (
	"sort"
	"sync"

	"github.com/samber/lo"

	"github.com/handoff-protocol/handoff/protocol"
)

// SessionView mirrors one chat session as observed from this client:
// messages keyed by id, the session mode as last announced, and who is
// typing. It is safe for concurrent use.
type SessionView struct {
	chatID string

	mu       sync.RWMutex
	messages map[int64]protocol.Message
	mode     string
	agentID  string
	typing   map[string]protocol.Identity // keyed by client id
}

func newSessionView(chatID string) *SessionView {
	return &SessionView{
		chatID:   chatID,
		messages: make(map[int64]protocol.Message),
		mode:     "AI",
		typing:   make(map[string]protocol.Identity),
	}
}

// applyMessage stores a message, deduplicating by id. The sender's echo and
// a history overlap deliver the same id more than once; only the first is
// fresh.
func (v *SessionView) applyMessage(msg protocol.Message) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.messages[msg.ID]; ok {
		return false
	}
	v.messages[msg.ID] = msg
	return true
}

// applyHistory merges a history page: unknown ids are inserted, known ids
// get their read_by reconciled. History bodies never change, so nothing else
// needs replacing.
func (v *SessionView) applyHistory(msgs []protocol.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, msg := range msgs {
		if cur, ok := v.messages[msg.ID]; ok {
			cur.ReadBy = lo.Union(cur.ReadBy, msg.ReadBy)
			v.messages[msg.ID] = cur
			continue
		}
		v.messages[msg.ID] = msg
	}
}

// applyRead reconciles each snapshot's read_by list as full state, not a
// delta. Lists only ever grow on the server, so the union keeps a late or
// repeated delivery from erasing readers and any delivery order converges to
// the same final set.
func (v *SessionView) applyRead(snapshots []protocol.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, snap := range snapshots {
		if cur, ok := v.messages[snap.ID]; ok {
			cur.ReadBy = lo.Union(cur.ReadBy, snap.ReadBy)
			v.messages[snap.ID] = cur
		} else {
			v.messages[snap.ID] = snap
		}
	}
}

// applyTyping tracks who is currently typing. The local client never sees
// its own flag; the server excludes the sender.
func (v *SessionView) applyTyping(ev protocol.TypingUpdate) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if ev.IsTyping {
		v.typing[ev.Sender.ClientID] = ev.Sender
	} else {
		delete(v.typing, ev.Sender.ClientID)
	}
}

// applyNotification mirrors mode announcements. Events without mode payload
// leave the mirror untouched.
func (v *SessionView) applyNotification(note protocol.Notification) {
	if note.Mode == "" {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.mode = note.Mode
	v.agentID = note.AgentID
}

// Mode returns the session mode as last announced by the server, and the
// assigned agent id if any.
func (v *SessionView) Mode() (string, string) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.mode, v.agentID
}

// Messages returns every known message ordered by id.
func (v *SessionView) Messages() []protocol.Message {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := lo.Values(v.messages)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Message returns one message by id.
func (v *SessionView) Message(id int64) (protocol.Message, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	msg, ok := v.messages[id]
	return msg, ok
}

// TypingClients returns the client ids currently typing, sorted.
func (v *SessionView) TypingClients() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := lo.Keys(v.typing)
	sort.Strings(out)
	return out
}
