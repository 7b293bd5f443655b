package hub

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/handoff-protocol/handoff/internal/responder"
	"github.com/handoff-protocol/handoff/internal/session"
	"github.com/handoff-protocol/handoff/internal/store"
	"github.com/handoff-protocol/handoff/protocol"
)

// fakeSocket is an in-process transport: in carries client frames to the
// read pump, out carries server frames written by the write pump.
type fakeSocket struct {
	in          chan []byte
	out         chan []byte
	closed      chan struct{}
	once        sync.Once
	stallWrites bool // set before attach: writes block until close
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeSocket) ReadMessage() (int, []byte, error) {
	select {
	case raw := <-f.in:
		return websocket.TextMessage, raw, nil
	case <-f.closed:
		return 0, nil, net.ErrClosed
	}
}

func (f *fakeSocket) WriteMessage(messageType int, data []byte) error {
	if messageType != websocket.TextMessage {
		return nil // control frames are irrelevant here
	}
	if f.stallWrites {
		<-f.closed
		return net.ErrClosed
	}
	select {
	case f.out <- data:
		return nil
	case <-f.closed:
		return net.ErrClosed
	}
}

func (f *fakeSocket) SetReadLimit(int64) {}

func (f *fakeSocket) SetReadDeadline(time.Time) error { return nil }

func (f *fakeSocket) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeSocket) SetPongHandler(func(string) error) {}

func (f *fakeSocket) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeSocket) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func newTestHub(t *testing.T, ai responder.Responder, opts Options) (*Hub, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	if opts.PingInterval == 0 {
		opts.PingInterval = time.Hour // keep pings out of the frame streams
	}
	return New(zerolog.Nop(), st, nil, ai, opts), st
}

func attach(t *testing.T, h *Hub, chatID string, id protocol.Identity) *fakeSocket {
	t.Helper()
	f := newFakeSocket()
	require.NoError(t, h.attach(context.Background(), f, chatID, id, "trace-1"))
	return f
}

func sendFrame(t *testing.T, f *fakeSocket, typ string, payload any, requestID string) {
	t.Helper()
	var raw []byte
	var err error
	if requestID == "" {
		raw, err = protocol.Encode(typ, payload)
	} else {
		raw, _, err = protocol.EncodeRequest(typ, payload, requestID)
	}
	require.NoError(t, err)
	f.in <- raw
}

func recvFrame(t *testing.T, f *fakeSocket) protocol.Envelope {
	t.Helper()
	select {
	case raw := <-f.out:
		env, err := protocol.Decode(raw)
		require.NoError(t, err)
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return protocol.Envelope{}
	}
}

func recvType(t *testing.T, f *fakeSocket, typ string) protocol.Envelope {
	t.Helper()
	for {
		env := recvFrame(t, f)
		if env.Type == typ {
			return env
		}
	}
}

func assertSilence(t *testing.T, f *fakeSocket) {
	t.Helper()
	select {
	case raw := <-f.out:
		t.Fatalf("unexpected frame: %s", raw)
	case <-time.After(100 * time.Millisecond):
	}
}

var (
	user1  = protocol.Identity{UserID: "u1", ClientID: "c1", UserType: protocol.UserThirdParty}
	user2  = protocol.Identity{UserID: "u2", ClientID: "c2", UserType: protocol.UserThirdParty}
	admin1 = protocol.Identity{UserID: "agent-7", ClientID: "a1", UserType: protocol.UserOfficial}
)

func TestMessageCreateEchoesAndBroadcasts(t *testing.T) {
	h, _ := newTestHub(t, nil, Options{})
	f1 := attach(t, h, "chat-1", user1)
	f2 := attach(t, h, "chat-1", user2)

	sendFrame(t, f1, protocol.TypeMessageCreate, protocol.MessageCreate{Content: "hello"}, "req-1")

	// The sender's copy is correlated, the peer's copy is not, and both
	// carry the same allocated id.
	echo := recvFrame(t, f1)
	require.Equal(t, protocol.TypeMessageNew, echo.Type)
	require.Equal(t, "req-1", echo.RequestID)

	peer := recvFrame(t, f2)
	require.Equal(t, protocol.TypeMessageNew, peer.Type)
	require.Empty(t, peer.RequestID)

	var echoMsg, peerMsg protocol.MessageNew
	require.NoError(t, echo.DecodePayload(&echoMsg))
	require.NoError(t, peer.DecodePayload(&peerMsg))
	require.Equal(t, echoMsg.Message.ID, peerMsg.Message.ID)
	require.Equal(t, "hello", peerMsg.Message.Content)
	require.Equal(t, protocol.SenderThirdParty, peerMsg.Message.SenderType)
	require.Equal(t, "u1", peerMsg.Message.SenderID)
}

func TestMessageCreateValidation(t *testing.T) {
	h, _ := newTestHub(t, nil, Options{})
	f1 := attach(t, h, "chat-1", user1)

	sendFrame(t, f1, protocol.TypeMessageCreate, protocol.MessageCreate{Content: "   "}, "req-1")

	env := recvFrame(t, f1)
	require.Equal(t, protocol.TypeError, env.Type)
	require.Equal(t, "req-1", env.RequestID)

	var ep protocol.ErrorPayload
	require.NoError(t, env.DecodePayload(&ep))
	require.Equal(t, protocol.CodeInvalidPayload, ep.Code)
}

func TestHistoryPagesBackwardsThroughStore(t *testing.T) {
	h, st := newTestHub(t, nil, Options{})
	ctx := context.Background()
	_, err := st.UpsertSession(ctx, "chat-1")
	require.NoError(t, err)
	for range 5 {
		_, err := st.AppendMessage(ctx, store.NewMessage{
			ChatID: "chat-1", Content: "m", MessageType: "text",
			SenderID: "u1", SenderType: protocol.SenderThirdParty,
		})
		require.NoError(t, err)
	}

	f1 := attach(t, h, "chat-1", user1)
	sendFrame(t, f1, protocol.TypeHistoryRequest, protocol.HistoryRequest{Limit: 2}, "req-h")

	env := recvFrame(t, f1)
	require.Equal(t, protocol.TypeHistoryResponse, env.Type)
	require.Equal(t, "req-h", env.RequestID)

	var hr protocol.HistoryResponse
	require.NoError(t, env.DecodePayload(&hr))
	require.Len(t, hr.Messages, 2)
	require.Equal(t, int64(4), hr.Messages[0].ID) // oldest first
	require.Equal(t, int64(5), hr.Messages[1].ID)

	sendFrame(t, f1, protocol.TypeHistoryRequest, protocol.HistoryRequest{BeforeMessageID: 4, Limit: 2}, "req-h2")
	env = recvFrame(t, f1)
	require.NoError(t, env.DecodePayload(&hr))
	require.Equal(t, int64(2), hr.Messages[0].ID)
	require.Equal(t, int64(3), hr.Messages[1].ID)
}

func TestTypingBroadcastExcludesSender(t *testing.T) {
	h, _ := newTestHub(t, nil, Options{})
	f1 := attach(t, h, "chat-1", user1)
	f2 := attach(t, h, "chat-1", user2)

	sendFrame(t, f1, protocol.TypeTypingStart, protocol.Typing{IsTyping: true}, "")

	env := recvFrame(t, f2)
	require.Equal(t, protocol.TypeTypingUpdate, env.Type)
	var tu protocol.TypingUpdate
	require.NoError(t, env.DecodePayload(&tu))
	require.True(t, tu.IsTyping)
	require.Equal(t, user1, tu.Sender)

	assertSilence(t, f1)

	sendFrame(t, f1, protocol.TypeTypingStop, protocol.Typing{}, "")
	env = recvFrame(t, f2)
	require.NoError(t, env.DecodePayload(&tu))
	require.False(t, tu.IsTyping)
}

func TestReadUpdateReachesEveryoneIncludingActor(t *testing.T) {
	h, _ := newTestHub(t, nil, Options{})
	f1 := attach(t, h, "chat-1", user1)
	f2 := attach(t, h, "chat-1", user2)

	sendFrame(t, f1, protocol.TypeMessageCreate, protocol.MessageCreate{Content: "hello"}, "req-1")
	echo := recvFrame(t, f1)
	var mn protocol.MessageNew
	require.NoError(t, echo.DecodePayload(&mn))
	recvFrame(t, f2) // drain the broadcast

	sendFrame(t, f2, protocol.TypeMessageRead, protocol.MessageRead{MessageIDs: []int64{mn.Message.ID}}, "")

	for _, f := range []*fakeSocket{f1, f2} {
		env := recvFrame(t, f)
		require.Equal(t, protocol.TypeReadUpdate, env.Type)
		var ru protocol.ReadUpdate
		require.NoError(t, env.DecodePayload(&ru))
		require.Equal(t, user2, ru.Sender)
		require.Len(t, ru.Messages, 1)
		require.Equal(t, []string{"u2"}, ru.Messages[0].ReadBy)
	}

	// Marking again re-broadcasts the same converged state.
	sendFrame(t, f2, protocol.TypeMessageRead, protocol.MessageRead{MessageIDs: []int64{mn.Message.ID}}, "")
	env := recvFrame(t, f1)
	var ru protocol.ReadUpdate
	require.NoError(t, env.DecodePayload(&ru))
	require.Equal(t, []string{"u2"}, ru.Messages[0].ReadBy)
}

func TestMembersRequestIsAdminOnly(t *testing.T) {
	h, _ := newTestHub(t, nil, Options{})
	f1 := attach(t, h, "chat-1", user1)
	f2 := attach(t, h, "chat-1", user2)
	fa := attach(t, h, "chat-1", admin1)

	sendFrame(t, fa, protocol.TypeMembersRequest, protocol.MembersRequest{}, "req-m")
	env := recvFrame(t, fa)
	require.Equal(t, protocol.TypeMembersResponse, env.Type)
	require.Equal(t, "req-m", env.RequestID)

	var mr protocol.MembersResponse
	require.NoError(t, env.DecodePayload(&mr))
	require.Equal(t, []string{"a1", "c1", "c2"}, mr.Members)
	require.Equal(t, 3, mr.Count)

	sendFrame(t, f1, protocol.TypeMembersRequest, protocol.MembersRequest{}, "req-f")
	env = recvFrame(t, f1)
	require.Equal(t, protocol.TypeError, env.Type)
	require.Equal(t, "req-f", env.RequestID)
	var ep protocol.ErrorPayload
	require.NoError(t, env.DecodePayload(&ep))
	require.Equal(t, protocol.CodeForbidden, ep.Code)

	assertSilence(t, f2)
}

func TestUnknownAndMalformedFrames(t *testing.T) {
	h, _ := newTestHub(t, nil, Options{})
	f1 := attach(t, h, "chat-1", user1)

	// Unknown type with a request id is rejected 1:1.
	sendFrame(t, f1, "message.destroy", struct{}{}, "req-x")
	env := recvFrame(t, f1)
	require.Equal(t, protocol.TypeError, env.Type)
	require.Equal(t, "req-x", env.RequestID)
	var ep protocol.ErrorPayload
	require.NoError(t, env.DecodePayload(&ep))
	require.Equal(t, protocol.CodeUnknownType, ep.Code)

	// A malformed frame is dropped and the connection keeps working.
	f1.in <- []byte("{nope")
	sendFrame(t, f1, protocol.TypeMessageCreate, protocol.MessageCreate{Content: "still alive"}, "req-2")
	env = recvType(t, f1, protocol.TypeMessageNew)
	require.Equal(t, "req-2", env.RequestID)
}

func TestResponderRepliesInAIMode(t *testing.T) {
	h, _ := newTestHub(t, responder.NewScripted("canned reply"), Options{})
	f1 := attach(t, h, "chat-1", user1)

	sendFrame(t, f1, protocol.TypeMessageCreate, protocol.MessageCreate{Content: "help"}, "req-1")

	echo := recvFrame(t, f1)
	require.Equal(t, "req-1", echo.RequestID)

	reply := recvType(t, f1, protocol.TypeMessageNew)
	require.Empty(t, reply.RequestID)
	var mn protocol.MessageNew
	require.NoError(t, reply.DecodePayload(&mn))
	require.Equal(t, "canned reply", mn.Message.Content)
	require.Equal(t, protocol.SenderAssistant, mn.Message.SenderType)
}

func TestResponderSilentInHumanMode(t *testing.T) {
	h, _ := newTestHub(t, responder.NewScripted("canned reply"), Options{})
	f1 := attach(t, h, "chat-1", user1)

	require.NoError(t, h.SwitchMode(context.Background(), "chat-1", session.ModeHuman, "agent-7"))
	env := recvFrame(t, f1)
	require.Equal(t, protocol.TypeNotification, env.Type)

	sendFrame(t, f1, protocol.TypeMessageCreate, protocol.MessageCreate{Content: "help"}, "req-1")
	echo := recvFrame(t, f1)
	require.Equal(t, protocol.TypeMessageNew, echo.Type)

	assertSilence(t, f1) // no assistant reply
}

func TestModeSwitchPersistsAndAgentLeaveKeepsHuman(t *testing.T) {
	h, st := newTestHub(t, nil, Options{SessionIdle: 50 * time.Millisecond})
	f1 := attach(t, h, "chat-1", user1)

	require.NoError(t, h.SwitchMode(context.Background(), "chat-1", session.ModeHuman, "agent-7"))
	recvType(t, f1, protocol.TypeNotification)

	// The assigned agent connects, then drops: assignment clears, mode
	// stays HUMAN.
	fa := attach(t, h, "chat-1", admin1)
	recvType(t, f1, protocol.TypeNotification) // join notice
	fa.Close()

	env := recvType(t, f1, protocol.TypeNotification)
	var note protocol.Notification
	require.NoError(t, env.DecodePayload(&note))
	require.Contains(t, note.Content, "left")
	require.Equal(t, protocol.EventAgentLeave, note.Event)
	require.Equal(t, "HUMAN", note.Mode)

	require.Eventually(t, func() bool {
		rec, _, err := h.SessionSnapshot(context.Background(), "chat-1")
		require.NoError(t, err)
		return rec.Mode == "HUMAN" && rec.AssignedAgentID == ""
	}, 2*time.Second, 10*time.Millisecond)

	// A fresh hub seeded from the same store keeps the HUMAN mode.
	h2 := New(zerolog.Nop(), st, nil, nil, Options{PingInterval: time.Hour})
	attach(t, h2, "chat-1", user2)
	require.Equal(t, session.ModeHuman, h2.lookup("chat-1").state.Mode())
}

func TestSlowConsumerIsDroppedAlone(t *testing.T) {
	h, _ := newTestHub(t, nil, Options{SendBuffer: 1})
	f1 := attach(t, h, "chat-1", user1)

	// f2 never drains; its write pump jams on the first frame, the queue
	// holds one more, the next enqueue drops the connection.
	f2 := newFakeSocket()
	f2.stallWrites = true
	require.NoError(t, h.attach(context.Background(), f2, "chat-1", user2, "trace-2"))

	for i := 0; i < 4; i++ {
		sendFrame(t, f1, protocol.TypeMessageCreate, protocol.MessageCreate{Content: "spam"}, "")
		recvType(t, f1, protocol.TypeMessageNew)
	}

	require.Eventually(t, f2.isClosed, 2*time.Second, 10*time.Millisecond)

	// The session survives for the healthy member.
	sendFrame(t, f1, protocol.TypeMessageCreate, protocol.MessageCreate{Content: "after"}, "req-a")
	env := recvType(t, f1, protocol.TypeMessageNew)
	require.Equal(t, "req-a", env.RequestID)
}

func TestEmptySessionIsEvicted(t *testing.T) {
	h, _ := newTestHub(t, nil, Options{SessionIdle: 30 * time.Millisecond})
	f1 := attach(t, h, "chat-1", user1)
	require.NotNil(t, h.lookup("chat-1"))

	f1.Close()
	require.Eventually(t, func() bool {
		return h.lookup("chat-1") == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReconnectReplacesTransport(t *testing.T) {
	h, _ := newTestHub(t, nil, Options{})
	f1 := attach(t, h, "chat-1", user1)

	// Same client id reconnects; the old socket is shut down and the
	// membership count stays at one.
	f1b := attach(t, h, "chat-1", user1)
	require.Eventually(t, f1.isClosed, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, h.lookup("chat-1").state.MemberCount())

	sendFrame(t, f1b, protocol.TypeMessageCreate, protocol.MessageCreate{Content: "back"}, "req-r")
	env := recvType(t, f1b, protocol.TypeMessageNew)
	require.Equal(t, "req-r", env.RequestID)
}
