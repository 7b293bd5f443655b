package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/handoff-protocol/handoff/protocol"
)

// SQLiteStore handles SQLite database operations. It is the development
// fallback when no DATABASE_URL is configured.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/handoff.db"
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/handoff.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}

	// Initialize schema
	if err := store.initSchema(ctx); err != nil {
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		mode TEXT NOT NULL DEFAULT 'AI',
		assigned_agent_id TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		last_active_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		message_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		chat_id TEXT NOT NULL REFERENCES sessions(id),
		content TEXT NOT NULL,
		message_type TEXT NOT NULL DEFAULT 'text',
		sender_id TEXT NOT NULL,
		sender_type TEXT NOT NULL,
		metadata TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS read_receipts (
		message_id INTEGER NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		read_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (message_id, user_id)
	);

	CREATE INDEX IF NOT EXISTS idx_messages_chat_id ON messages(chat_id, id);
	CREATE INDEX IF NOT EXISTS idx_sessions_last_active ON sessions(last_active_at);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// AppendMessage persists a message and returns it with its allocated id.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg NewMessage) (protocol.Message, error) {
	defer observeStore(time.Now())

	var meta []byte
	if msg.Metadata != nil {
		var err error
		if meta, err = json.Marshal(msg.Metadata); err != nil {
			return protocol.Message{}, err
		}
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (chat_id, content, message_type, sender_id, sender_type, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, msg.ChatID, msg.Content, msg.MessageType, msg.SenderID, string(msg.SenderType), nullableText(meta), now)
	if err != nil {
		return protocol.Message{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return protocol.Message{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE sessions
		SET message_count = message_count + 1, last_active_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, msg.ChatID)
	if err != nil {
		return protocol.Message{}, err
	}

	return protocol.Message{
		ID:          id,
		ChatID:      msg.ChatID,
		Content:     msg.Content,
		MessageType: msg.MessageType,
		SenderID:    msg.SenderID,
		SenderType:  msg.SenderType,
		CreatedAt:   now,
		Metadata:    msg.Metadata,
		ReadBy:      []string{},
	}, nil
}

// History returns up to limit messages older than beforeID, oldest first.
// A beforeID of 0 means "from the newest".
func (s *SQLiteStore) History(ctx context.Context, chatID string, beforeID int64, limit int) ([]protocol.Message, error) {
	defer observeStore(time.Now())

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, content, message_type, sender_id, sender_type, metadata, created_at
		FROM messages
		WHERE chat_id = ? AND (? = 0 OR id < ?)
		ORDER BY id DESC
		LIMIT ?
	`, chatID, beforeID, beforeID, limit)
	if err != nil {
		return nil, err
	}
	messages, err := scanSQLMessages(rows)
	if err != nil {
		return nil, err
	}

	reverseMessages(messages)
	if err := s.attachReadBy(ctx, messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// GetMessages returns the given messages of one chat, ascending by id.
// Unknown ids are skipped.
func (s *SQLiteStore) GetMessages(ctx context.Context, chatID string, ids []int64) ([]protocol.Message, error) {
	if len(ids) == 0 {
		return []protocol.Message{}, nil
	}
	defer observeStore(time.Now())

	placeholders, args := int64Args(ids)
	args = append([]any{chatID}, args...)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, chat_id, content, message_type, sender_id, sender_type, metadata, created_at
		FROM messages
		WHERE chat_id = ? AND id IN (%s)
		ORDER BY id
	`, placeholders), args...)
	if err != nil {
		return nil, err
	}
	messages, err := scanSQLMessages(rows)
	if err != nil {
		return nil, err
	}
	if err := s.attachReadBy(ctx, messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// MarkRead records receipts for userID. Already-recorded pairs are ignored.
func (s *SQLiteStore) MarkRead(ctx context.Context, ids []int64, userID string) error {
	if len(ids) == 0 {
		return nil
	}
	defer observeStore(time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, id := range ids {
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO read_receipts (message_id, user_id) VALUES (?, ?)
		`, id, userID)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// UpsertSession creates the session row if absent and returns it.
func (s *SQLiteStore) UpsertSession(ctx context.Context, id string) (SessionRecord, error) {
	defer observeStore(time.Now())

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id) VALUES (?)
		ON CONFLICT (id) DO UPDATE SET last_active_at = CURRENT_TIMESTAMP
	`, id)
	if err != nil {
		return SessionRecord{}, err
	}

	rec, err := s.GetSession(ctx, id)
	if err != nil {
		return SessionRecord{}, err
	}
	return *rec, nil
}

// SetSessionMode persists a mode switch.
func (s *SQLiteStore) SetSessionMode(ctx context.Context, id, mode, agentID string) error {
	defer observeStore(time.Now())

	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET mode = ?, assigned_agent_id = ?, last_active_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, mode, agentID, id)
	return err
}

// GetSession retrieves a session row, nil when absent.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	rec := &SessionRecord{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, mode, assigned_agent_id, created_at, last_active_at, message_count
		FROM sessions WHERE id = ?
	`, id).Scan(
		&rec.ID,
		&rec.Mode,
		&rec.AssignedAgentID,
		&rec.CreatedAt,
		&rec.LastActiveAt,
		&rec.MessageCount,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

// CountSessions returns the total number of sessions.
func (s *SQLiteStore) CountSessions(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&count)
	return count, err
}

// CountMessages returns the total number of persisted messages.
func (s *SQLiteStore) CountMessages(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

// TopSessions returns the busiest sessions by message count.
func (s *SQLiteStore) TopSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, mode, assigned_agent_id, created_at, last_active_at, message_count
		FROM sessions
		ORDER BY message_count DESC, last_active_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		err := rows.Scan(
			&rec.ID,
			&rec.Mode,
			&rec.AssignedAgentID,
			&rec.CreatedAt,
			&rec.LastActiveAt,
			&rec.MessageCount,
		)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// attachReadBy loads receipts for the given messages in one query.
func (s *SQLiteStore) attachReadBy(ctx context.Context, messages []protocol.Message) error {
	if len(messages) == 0 {
		return nil
	}
	ids := make([]int64, len(messages))
	for i, m := range messages {
		ids[i] = m.ID
	}
	placeholders, args := int64Args(ids)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT message_id, user_id
		FROM read_receipts
		WHERE message_id IN (%s)
		ORDER BY read_at
	`, placeholders), args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	byID := make(map[int64][]string)
	for rows.Next() {
		var id int64
		var userID string
		if err := rows.Scan(&id, &userID); err != nil {
			return err
		}
		byID[id] = append(byID[id], userID)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for i := range messages {
		if readers, ok := byID[messages[i].ID]; ok {
			messages[i].ReadBy = readers
		}
	}
	return nil
}

func scanSQLMessages(rows *sql.Rows) ([]protocol.Message, error) {
	defer rows.Close()

	var messages []protocol.Message
	for rows.Next() {
		var msg protocol.Message
		var senderType string
		var meta sql.NullString
		err := rows.Scan(
			&msg.ID,
			&msg.ChatID,
			&msg.Content,
			&msg.MessageType,
			&msg.SenderID,
			&senderType,
			&meta,
			&msg.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		msg.SenderType = protocol.SenderType(senderType)
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &msg.Metadata); err != nil {
				return nil, err
			}
		}
		msg.ReadBy = []string{}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// int64Args expands ids into a "?, ?, ..." placeholder list with its args.
func int64Args(ids []int64) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", "), args
}

func nullableText(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
