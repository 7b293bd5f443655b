package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/handoff-protocol/handoff/protocol"
)

// MemoryStore is an in-process MessageStore used by tests and by the hub's
// unit harness. Semantics mirror the SQL stores: ids are a single ascending
// sequence, receipts are a set per message.
type MemoryStore struct {
	mu       sync.Mutex
	nextID   int64
	messages []protocol.Message
	readBy   map[int64][]string
	sessions map[string]*SessionRecord
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextID:   1,
		readBy:   make(map[int64][]string),
		sessions: make(map[string]*SessionRecord),
	}
}

// Close is a no-op.
func (s *MemoryStore) Close() {}

// Ping always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// AppendMessage persists a message and returns it with its allocated id.
func (s *MemoryStore) AppendMessage(ctx context.Context, msg NewMessage) (protocol.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := protocol.Message{
		ID:          s.nextID,
		ChatID:      msg.ChatID,
		Content:     msg.Content,
		MessageType: msg.MessageType,
		SenderID:    msg.SenderID,
		SenderType:  msg.SenderType,
		CreatedAt:   time.Now().UTC(),
		Metadata:    msg.Metadata,
		ReadBy:      []string{},
	}
	s.nextID++
	s.messages = append(s.messages, out)

	if rec, ok := s.sessions[msg.ChatID]; ok {
		rec.MessageCount++
		rec.LastActiveAt = out.CreatedAt
	}
	return out, nil
}

// History returns up to limit messages older than beforeID, oldest first.
func (s *MemoryStore) History(ctx context.Context, chatID string, beforeID int64, limit int) ([]protocol.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var page []protocol.Message
	for i := len(s.messages) - 1; i >= 0 && len(page) < limit; i-- {
		msg := s.messages[i]
		if msg.ChatID != chatID {
			continue
		}
		if beforeID > 0 && msg.ID >= beforeID {
			continue
		}
		page = append(page, s.withReadBy(msg))
	}
	reverseMessages(page)
	return page, nil
}

// GetMessages returns the given messages of one chat, ascending by id.
func (s *MemoryStore) GetMessages(ctx context.Context, chatID string, ids []int64) ([]protocol.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := lo.SliceToMap(ids, func(id int64) (int64, bool) { return id, true })
	out := []protocol.Message{}
	for _, msg := range s.messages {
		if msg.ChatID == chatID && wanted[msg.ID] {
			out = append(out, s.withReadBy(msg))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// MarkRead records receipts for userID.
func (s *MemoryStore) MarkRead(ctx context.Context, ids []int64, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if !lo.Contains(s.readBy[id], userID) {
			s.readBy[id] = append(s.readBy[id], userID)
		}
	}
	return nil
}

// UpsertSession creates the session row if absent and returns it.
func (s *MemoryStore) UpsertSession(ctx context.Context, id string) (SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[id]
	if !ok {
		now := time.Now().UTC()
		rec = &SessionRecord{ID: id, Mode: "AI", CreatedAt: now, LastActiveAt: now}
		s.sessions[id] = rec
	} else {
		rec.LastActiveAt = time.Now().UTC()
	}
	return *rec, nil
}

// SetSessionMode persists a mode switch.
func (s *MemoryStore) SetSessionMode(ctx context.Context, id, mode, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.sessions[id]; ok {
		rec.Mode = mode
		rec.AssignedAgentID = agentID
		rec.LastActiveAt = time.Now().UTC()
	}
	return nil
}

// GetSession retrieves a session row, nil when absent.
func (s *MemoryStore) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	out := *rec
	return &out, nil
}

// CountSessions returns the total number of sessions.
func (s *MemoryStore) CountSessions(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.sessions)), nil
}

// CountMessages returns the total number of persisted messages.
func (s *MemoryStore) CountMessages(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.messages)), nil
}

// TopSessions returns the busiest sessions by message count.
func (s *MemoryStore) TopSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs := lo.Map(lo.Values(s.sessions), func(r *SessionRecord, _ int) SessionRecord { return *r })
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].MessageCount != recs[j].MessageCount {
			return recs[i].MessageCount > recs[j].MessageCount
		}
		return recs[i].LastActiveAt.After(recs[j].LastActiveAt)
	})
	if len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

func (s *MemoryStore) withReadBy(msg protocol.Message) protocol.Message {
	readers := s.readBy[msg.ID]
	msg.ReadBy = make([]string, len(readers))
	copy(msg.ReadBy, readers)
	return msg
}
