package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/handoff-protocol/handoff/protocol"
)

func seedMessages(t *testing.T, s *MemoryStore, chatID string, n int) []protocol.Message {
	t.Helper()
	ctx := context.Background()
	_, err := s.UpsertSession(ctx, chatID)
	require.NoError(t, err)

	out := make([]protocol.Message, 0, n)
	for i := 0; i < n; i++ {
		msg, err := s.AppendMessage(ctx, NewMessage{
			ChatID:      chatID,
			Content:     "hello",
			MessageType: protocol.DefaultMessageType,
			SenderID:    "u1",
			SenderType:  protocol.SenderThirdParty,
		})
		require.NoError(t, err)
		out = append(out, msg)
	}
	return out
}

func TestAppendAllocatesAscendingIDs(t *testing.T) {
	s := NewMemoryStore()
	msgs := seedMessages(t, s, "chat-1", 3)

	require.Equal(t, int64(1), msgs[0].ID)
	require.Equal(t, int64(2), msgs[1].ID)
	require.Equal(t, int64(3), msgs[2].ID)

	rec, err := s.GetSession(context.Background(), "chat-1")
	require.NoError(t, err)
	require.EqualValues(t, 3, rec.MessageCount)
}

func TestHistoryPagesBackwards(t *testing.T) {
	s := NewMemoryStore()
	seedMessages(t, s, "chat-1", 5)
	seedMessages(t, s, "chat-2", 2) // other session must not leak in

	ctx := context.Background()

	// Newest page, oldest first.
	page, err := s.History(ctx, "chat-1", 0, 2)
	require.NoError(t, err)
	require.Equal(t, []int64{4, 5}, messageIDs(page))

	// Next page, before the oldest of the previous one.
	page, err = s.History(ctx, "chat-1", 4, 2)
	require.NoError(t, err)
	require.Equal(t, []int64{2, 3}, messageIDs(page))

	page, err = s.History(ctx, "chat-1", 2, 2)
	require.NoError(t, err)
	require.Equal(t, []int64{1}, messageIDs(page))
}

func TestMarkReadShowsUpInHistory(t *testing.T) {
	s := NewMemoryStore()
	msgs := seedMessages(t, s, "chat-1", 2)
	ctx := context.Background()

	require.NoError(t, s.MarkRead(ctx, []int64{msgs[0].ID}, "u2"))
	require.NoError(t, s.MarkRead(ctx, []int64{msgs[0].ID}, "u2")) // idempotent

	page, err := s.History(ctx, "chat-1", 0, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"u2"}, page[0].ReadBy)
	require.Empty(t, page[1].ReadBy)

	got, err := s.GetMessages(ctx, "chat-1", []int64{msgs[0].ID, 999})
	require.NoError(t, err)
	require.Len(t, got, 1) // unknown ids skipped
	require.Equal(t, []string{"u2"}, got[0].ReadBy)
}

func TestSessionModePersists(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	rec, err := s.UpsertSession(ctx, "chat-1")
	require.NoError(t, err)
	require.Equal(t, "AI", rec.Mode)

	require.NoError(t, s.SetSessionMode(ctx, "chat-1", "HUMAN", "agent-7"))

	got, err := s.GetSession(ctx, "chat-1")
	require.NoError(t, err)
	require.Equal(t, "HUMAN", got.Mode)
	require.Equal(t, "agent-7", got.AssignedAgentID)

	// Upsert must not reset the mode.
	rec, err = s.UpsertSession(ctx, "chat-1")
	require.NoError(t, err)
	require.Equal(t, "HUMAN", rec.Mode)
}

func TestTopSessionsOrdersByVolume(t *testing.T) {
	s := NewMemoryStore()
	seedMessages(t, s, "quiet", 1)
	seedMessages(t, s, "busy", 4)

	recs, err := s.TopSessions(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "busy", recs[0].ID)
}

func messageIDs(msgs []protocol.Message) []int64 {
	ids := make([]int64, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}
