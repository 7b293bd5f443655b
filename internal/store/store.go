// Package store persists messages, sessions, and read receipts. The live
// protocol never blocks on it for correctness: session state is derived
// from connections, and receipt writes are best-effort behind the in-memory
// ledger. It is the system of record for history.request.
package store

import (
	"context"
	"time"

	"github.com/handoff-protocol/handoff/protocol"
)

// NewMessage carries the caller-supplied fields of a message about to be
// persisted. The store allocates ID and CreatedAt.
type NewMessage struct {
	ChatID      string
	Content     string
	MessageType string
	SenderID    string
	SenderType  protocol.SenderType
	Metadata    map[string]any
}

// SessionRecord is the persisted row for one chat session. Mode and agent
// survive restarts so a HUMAN session does not silently fall back to AI.
type SessionRecord struct {
	ID              string    `json:"id"`
	Mode            string    `json:"mode"`
	AssignedAgentID string    `json:"assigned_agent_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	LastActiveAt    time.Time `json:"last_active_at"`
	MessageCount    int64     `json:"message_count"`
}

// MessageStore defines the persistence interface for the relay.
// PostgresStore, SQLiteStore, and MemoryStore implement it.
type MessageStore interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error

	// Message operations
	AppendMessage(ctx context.Context, msg NewMessage) (protocol.Message, error)
	History(ctx context.Context, chatID string, beforeID int64, limit int) ([]protocol.Message, error)
	GetMessages(ctx context.Context, chatID string, ids []int64) ([]protocol.Message, error)
	MarkRead(ctx context.Context, ids []int64, userID string) error

	// Session operations
	UpsertSession(ctx context.Context, id string) (SessionRecord, error)
	SetSessionMode(ctx context.Context, id, mode, agentID string) error
	GetSession(ctx context.Context, id string) (*SessionRecord, error)

	// Stats
	CountSessions(ctx context.Context) (int64, error)
	CountMessages(ctx context.Context) (int64, error)
	TopSessions(ctx context.Context, limit int) ([]SessionRecord, error)
}
