package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/handoff-protocol/handoff/internal/metrics"
	"github.com/handoff-protocol/handoff/protocol"
)

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	store := &PostgresStore{pool: pool}
	if err := store.initSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		mode TEXT NOT NULL DEFAULT 'AI',
		assigned_agent_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_active_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		message_count BIGINT NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS messages (
		id BIGSERIAL PRIMARY KEY,
		chat_id TEXT NOT NULL REFERENCES sessions(id),
		content TEXT NOT NULL,
		message_type TEXT NOT NULL DEFAULT 'text',
		sender_id TEXT NOT NULL,
		sender_type TEXT NOT NULL,
		metadata JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS read_receipts (
		message_id BIGINT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		read_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (message_id, user_id)
	);

	CREATE INDEX IF NOT EXISTS idx_messages_chat_id ON messages(chat_id, id);
	CREATE INDEX IF NOT EXISTS idx_sessions_last_active ON sessions(last_active_at);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// AppendMessage persists a message and returns it with its allocated id.
func (s *PostgresStore) AppendMessage(ctx context.Context, msg NewMessage) (protocol.Message, error) {
	defer observeStore(time.Now())

	var meta []byte
	if msg.Metadata != nil {
		var err error
		if meta, err = json.Marshal(msg.Metadata); err != nil {
			return protocol.Message{}, err
		}
	}

	out := protocol.Message{
		ChatID:      msg.ChatID,
		Content:     msg.Content,
		MessageType: msg.MessageType,
		SenderID:    msg.SenderID,
		SenderType:  msg.SenderType,
		Metadata:    msg.Metadata,
		ReadBy:      []string{},
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO messages (chat_id, content, message_type, sender_id, sender_type, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, msg.ChatID, msg.Content, msg.MessageType, msg.SenderID, string(msg.SenderType), meta).Scan(
		&out.ID,
		&out.CreatedAt,
	)
	if err != nil {
		return protocol.Message{}, err
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE sessions
		SET message_count = message_count + 1, last_active_at = NOW()
		WHERE id = $1
	`, msg.ChatID)
	if err != nil {
		return protocol.Message{}, err
	}
	return out, nil
}

// History returns up to limit messages older than beforeID, oldest first.
// A beforeID of 0 means "from the newest".
func (s *PostgresStore) History(ctx context.Context, chatID string, beforeID int64, limit int) ([]protocol.Message, error) {
	defer observeStore(time.Now())

	query := `
		SELECT id, chat_id, content, message_type, sender_id, sender_type, metadata, created_at
		FROM messages
		WHERE chat_id = $1 AND ($2 = 0 OR id < $2)
		ORDER BY id DESC
		LIMIT $3
	`
	rows, err := s.pool.Query(ctx, query, chatID, beforeID, limit)
	if err != nil {
		return nil, err
	}
	messages, err := scanPgxMessages(rows)
	if err != nil {
		return nil, err
	}

	// Newest-first from the query; the wire wants oldest-first.
	reverseMessages(messages)
	if err := s.attachReadBy(ctx, messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// GetMessages returns the given messages of one chat, ascending by id.
// Unknown ids are skipped.
func (s *PostgresStore) GetMessages(ctx context.Context, chatID string, ids []int64) ([]protocol.Message, error) {
	if len(ids) == 0 {
		return []protocol.Message{}, nil
	}
	defer observeStore(time.Now())

	rows, err := s.pool.Query(ctx, `
		SELECT id, chat_id, content, message_type, sender_id, sender_type, metadata, created_at
		FROM messages
		WHERE chat_id = $1 AND id = ANY($2)
		ORDER BY id
	`, chatID, ids)
	if err != nil {
		return nil, err
	}
	messages, err := scanPgxMessages(rows)
	if err != nil {
		return nil, err
	}
	if err := s.attachReadBy(ctx, messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// MarkRead records receipts for userID. Already-recorded pairs are ignored.
func (s *PostgresStore) MarkRead(ctx context.Context, ids []int64, userID string) error {
	if len(ids) == 0 {
		return nil
	}
	defer observeStore(time.Now())

	_, err := s.pool.Exec(ctx, `
		INSERT INTO read_receipts (message_id, user_id)
		SELECT unnest($1::bigint[]), $2
		ON CONFLICT DO NOTHING
	`, ids, userID)
	return err
}

// UpsertSession creates the session row if absent and returns it.
func (s *PostgresStore) UpsertSession(ctx context.Context, id string) (SessionRecord, error) {
	defer observeStore(time.Now())

	var rec SessionRecord
	err := s.pool.QueryRow(ctx, `
		INSERT INTO sessions (id) VALUES ($1)
		ON CONFLICT (id) DO UPDATE SET last_active_at = NOW()
		RETURNING id, mode, assigned_agent_id, created_at, last_active_at, message_count
	`, id).Scan(
		&rec.ID,
		&rec.Mode,
		&rec.AssignedAgentID,
		&rec.CreatedAt,
		&rec.LastActiveAt,
		&rec.MessageCount,
	)
	return rec, err
}

// SetSessionMode persists a mode switch.
func (s *PostgresStore) SetSessionMode(ctx context.Context, id, mode, agentID string) error {
	defer observeStore(time.Now())

	_, err := s.pool.Exec(ctx, `
		UPDATE sessions
		SET mode = $2, assigned_agent_id = $3, last_active_at = NOW()
		WHERE id = $1
	`, id, mode, agentID)
	return err
}

// GetSession retrieves a session row, nil when absent.
func (s *PostgresStore) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	rec := &SessionRecord{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, mode, assigned_agent_id, created_at, last_active_at, message_count
		FROM sessions WHERE id = $1
	`, id).Scan(
		&rec.ID,
		&rec.Mode,
		&rec.AssignedAgentID,
		&rec.CreatedAt,
		&rec.LastActiveAt,
		&rec.MessageCount,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

// CountSessions returns the total number of sessions.
func (s *PostgresStore) CountSessions(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&count)
	return count, err
}

// CountMessages returns the total number of persisted messages.
func (s *PostgresStore) CountMessages(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

// TopSessions returns the busiest sessions by message count.
func (s *PostgresStore) TopSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, mode, assigned_agent_id, created_at, last_active_at, message_count
		FROM sessions
		ORDER BY message_count DESC, last_active_at DESC
		LIMIT $1
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
func (s *PostgresStore) attachReadBy(ctx context.Context, messages []protocol.Message) error {
	if len(messages) == 0 {
		return nil
	}
	ids := make([]int64, len(messages))
	for i, m := range messages {
		ids[i] = m.ID
	}

	rows, err := s.pool.Query(ctx, `
		SELECT message_id, user_id
		FROM read_receipts
		WHERE message_id = ANY($1)
		ORDER BY read_at
	`, ids)
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

func scanPgxMessages(rows pgx.Rows) ([]protocol.Message, error) {
	defer rows.Close()

	var messages []protocol.Message
	for rows.Next() {
		var msg protocol.Message
		var senderType string
		var meta []byte
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
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &msg.Metadata); err != nil {
				return nil, err
			}
		}
		msg.ReadBy = []string{}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func reverseMessages(messages []protocol.Message) {
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
}

func observeStore(start time.Time) {
	metrics.StoreLatency.Observe(time.Since(start).Seconds())
}
