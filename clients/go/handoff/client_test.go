package handoff

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/handoff-protocol/handoff/protocol"
)

// answerWith replies to the next request frame on f, correlated by the
// request id it finds. fn maps the request onto the reply type and payload.
func answerWith(f *fakeWS, fn func(env protocol.Envelope) (string, any)) {
	go func() {
		select {
		case raw := <-f.out:
			env, err := protocol.Decode(raw)
			if err != nil {
				return
			}
			typ, payload := fn(env)
			reply, _, err := protocol.EncodeRequest(typ, payload, env.RequestID)
			if err != nil {
				return
			}
			f.in <- reply
		case <-f.closed:
		case <-time.After(2 * time.Second):
		}
	}()
}

func answer(f *fakeWS, typ string, payload any) {
	answerWith(f, func(protocol.Envelope) (string, any) { return typ, payload })
}

func awaitEvent[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a callback")
		var zero T
		return zero
	}
}

func shortCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSendMessageRoundTrip(t *testing.T) {
	msgs := make(chan protocol.Message, 2)
	c, d, _ := newTestClient(t, Options{Handlers: Handlers{
		OnMessage: func(_ string, m protocol.Message) { msgs <- m },
	}})
	f := dialSession(t, c, d, "chat-1")

	answerWith(f, func(env protocol.Envelope) (string, any) {
		var mc protocol.MessageCreate
		if err := env.DecodePayload(&mc); err != nil {
			return protocol.TypeError, protocol.ErrorPayload{Code: protocol.CodeInvalidPayload, Message: err.Error()}
		}
		return protocol.TypeMessageNew, protocol.MessageNew{Message: protocol.Message{
			ID:          41,
			ChatID:      "chat-1",
			Content:     mc.Content,
			MessageType: protocol.DefaultMessageType,
			SenderID:    "visitor-1",
			SenderType:  protocol.SenderThirdParty,
			CreatedAt:   time.Now().UTC(),
			ReadBy:      []string{"visitor-1"},
		}}
	})

	msg, err := c.SendMessage(shortCtx(t), "chat-1", "hello there")
	require.NoError(t, err)
	require.Equal(t, int64(41), msg.ID)
	require.Equal(t, "hello there", msg.Content)

	// The confirmed copy landed in the view and fired OnMessage.
	got, ok := c.View("chat-1").Message(41)
	require.True(t, ok)
	require.Equal(t, "hello there", got.Content)
	require.Equal(t, int64(41), awaitEvent(t, msgs).ID)
}

func TestDuplicateMessageNewFiresOnMessageOnce(t *testing.T) {
	msgs := make(chan protocol.Message, 4)
	c, d, _ := newTestClient(t, Options{Handlers: Handlers{
		OnMessage: func(_ string, m protocol.Message) { msgs <- m },
	}})
	f := dialSession(t, c, d, "chat-1")

	dup := protocol.MessageNew{Message: protocol.Message{ID: 7, ChatID: "chat-1", Content: "once"}}
	f.deliver(t, protocol.TypeMessageNew, dup, "")
	f.deliver(t, protocol.TypeMessageNew, dup, "")

	require.Equal(t, int64(7), awaitEvent(t, msgs).ID)
	select {
	case m := <-msgs:
		t.Fatalf("duplicate delivery fired OnMessage again: %+v", m)
	case <-time.After(50 * time.Millisecond):
	}
	require.Len(t, c.View("chat-1").Messages(), 1)
}

func TestHistoryMergesIntoView(t *testing.T) {
	c, d, _ := newTestClient(t, Options{})
	f := dialSession(t, c, d, "chat-1")

	// A live message arrives before the page; its reader set must survive
	// the overlap with the history copy.
	f.deliver(t, protocol.TypeMessageNew, protocol.MessageNew{Message: protocol.Message{
		ID: 2, ChatID: "chat-1", Content: "b", ReadBy: []string{"agent-7"},
	}}, "")

	answer(f, protocol.TypeHistoryResponse, protocol.HistoryResponse{Messages: []protocol.Message{
		{ID: 1, ChatID: "chat-1", Content: "a", ReadBy: []string{"visitor-1"}},
		{ID: 2, ChatID: "chat-1", Content: "b", ReadBy: []string{"visitor-1"}},
		{ID: 3, ChatID: "chat-1", Content: "c"},
	}})

	msgs, err := c.History(shortCtx(t), "chat-1", 0, 20)
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	view := c.View("chat-1")
	require.Len(t, view.Messages(), 3)
	got, ok := view.Message(2)
	require.True(t, ok)
	require.ElementsMatch(t, []string{"agent-7", "visitor-1"}, got.ReadBy)
}

func TestMembersReturnsSnapshot(t *testing.T) {
	c, d, _ := newTestClient(t, Options{})
	f := dialSession(t, c, d, "chat-1")

	answer(f, protocol.TypeMembersResponse, protocol.MembersResponse{Members: []string{"a1", "tab-1"}, Count: 2})

	members, err := c.Members(shortCtx(t), "chat-1")
	require.NoError(t, err)
	require.Equal(t, []string{"a1", "tab-1"}, members)
}

func TestMembersRejectionSurfacesServerError(t *testing.T) {
	c, d, _ := newTestClient(t, Options{})
	f := dialSession(t, c, d, "chat-1")

	answer(f, protocol.TypeError, protocol.ErrorPayload{
		Code:    protocol.CodeForbidden,
		Message: "members.request is admin-only",
	})

	_, err := c.Members(shortCtx(t), "chat-1")
	var srvErr *ServerError
	require.ErrorAs(t, err, &srvErr)
	require.Equal(t, protocol.CodeForbidden, srvErr.Code)

	// A rejection settles one request; the connection stays up.
	require.Equal(t, StateConnected, c.State("chat-1"))
}

func TestNotificationsMirrorSessionMode(t *testing.T) {
	notes := make(chan protocol.Notification, 4)
	c, d, _ := newTestClient(t, Options{Handlers: Handlers{
		OnNotification: func(_ string, n protocol.Notification) { notes <- n },
	}})
	f := dialSession(t, c, d, "chat-1")

	view := c.View("chat-1")
	mode, agent := view.Mode()
	require.Equal(t, "AI", mode)
	require.Empty(t, agent)

	f.deliver(t, protocol.TypeNotification, protocol.Notification{
		Level:   protocol.LevelInfo,
		Content: "agent agent-7 joined the chat",
		Event:   protocol.EventAgentJoin,
		Mode:    "HUMAN",
		AgentID: "agent-7",
	}, "")
	require.Equal(t, protocol.EventAgentJoin, awaitEvent(t, notes).Event)

	mode, agent = view.Mode()
	require.Equal(t, "HUMAN", mode)
	require.Equal(t, "agent-7", agent)

	// The agent leaving keeps the session in HUMAN mode with no assignee.
	f.deliver(t, protocol.TypeNotification, protocol.Notification{
		Level:   protocol.LevelWarning,
		Content: "agent agent-7 left the chat",
		Event:   protocol.EventAgentLeave,
		Mode:    "HUMAN",
	}, "")
	awaitEvent(t, notes)

	mode, agent = view.Mode()
	require.Equal(t, "HUMAN", mode)
	require.Empty(t, agent)
}

func TestTypingUpdatesFlowToView(t *testing.T) {
	typs := make(chan protocol.TypingUpdate, 4)
	c, d, _ := newTestClient(t, Options{Handlers: Handlers{
		OnTyping: func(_ string, ev protocol.TypingUpdate) { typs <- ev },
	}})
	f := dialSession(t, c, d, "chat-1")

	agent := protocol.Identity{UserID: "agent-7", ClientID: "a1", UserType: protocol.UserOfficial}
	f.deliver(t, protocol.TypeTypingUpdate, protocol.TypingUpdate{Sender: agent, IsTyping: true}, "")
	awaitEvent(t, typs)
	require.Equal(t, []string{"a1"}, c.View("chat-1").TypingClients())

	f.deliver(t, protocol.TypeTypingUpdate, protocol.TypingUpdate{Sender: agent, IsTyping: false}, "")
	awaitEvent(t, typs)
	require.Empty(t, c.View("chat-1").TypingClients())
}

func TestReadUpdatesConvergeInView(t *testing.T) {
	reads := make(chan protocol.ReadUpdate, 4)
	c, d, _ := newTestClient(t, Options{Handlers: Handlers{
		OnReadUpdate: func(_ string, ev protocol.ReadUpdate) { reads <- ev },
	}})
	f := dialSession(t, c, d, "chat-1")

	f.deliver(t, protocol.TypeMessageNew, protocol.MessageNew{Message: protocol.Message{
		ID: 9, ChatID: "chat-1", Content: "hi", ReadBy: []string{"visitor-1"},
	}}, "")

	// The newer snapshot arrives first; the union still converges.
	agent := protocol.Identity{UserID: "agent-7", ClientID: "a1", UserType: protocol.UserOfficial}
	f.deliver(t, protocol.TypeReadUpdate, protocol.ReadUpdate{Sender: agent, Messages: []protocol.Message{
		{ID: 9, ReadBy: []string{"visitor-1", "agent-7", "agent-9"}},
	}}, "")
	f.deliver(t, protocol.TypeReadUpdate, protocol.ReadUpdate{Sender: agent, Messages: []protocol.Message{
		{ID: 9, ReadBy: []string{"visitor-1", "agent-7"}},
	}}, "")
	awaitEvent(t, reads)
	awaitEvent(t, reads)

	got, ok := c.View("chat-1").Message(9)
	require.True(t, ok)
	require.ElementsMatch(t, []string{"visitor-1", "agent-7", "agent-9"}, got.ReadBy)
}

func TestSetTypingAndMarkReadWireFormat(t *testing.T) {
	c, d, _ := newTestClient(t, Options{})
	f := dialSession(t, c, d, "chat-1")

	require.NoError(t, c.SetTyping("chat-1", true))
	env := awaitFrame(t, f)
	require.Equal(t, protocol.TypeTypingStart, env.Type)
	require.Empty(t, env.RequestID) // fire and forget
	var typing protocol.Typing
	require.NoError(t, env.DecodePayload(&typing))
	require.True(t, typing.IsTyping)

	require.NoError(t, c.SetTyping("chat-1", false))
	env = awaitFrame(t, f)
	require.Equal(t, protocol.TypeTypingStop, env.Type)

	require.NoError(t, c.MarkRead("chat-1", 3, 5))
	env = awaitFrame(t, f)
	require.Equal(t, protocol.TypeMessageRead, env.Type)
	var mr protocol.MessageRead
	require.NoError(t, env.DecodePayload(&mr))
	require.Equal(t, []int64{3, 5}, mr.MessageIDs)

	// Marking nothing read sends nothing.
	require.NoError(t, c.MarkRead("chat-1"))
	select {
	case raw := <-f.out:
		t.Fatalf("unexpected frame: %s", raw)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUncorrelatedServerErrorFiresCallback(t *testing.T) {
	rejections := make(chan protocol.ErrorPayload, 1)
	c, d, _ := newTestClient(t, Options{Handlers: Handlers{
		OnServerError: func(_ string, ep protocol.ErrorPayload) { rejections <- ep },
	}})
	f := dialSession(t, c, d, "chat-1")

	f.deliver(t, protocol.TypeError, protocol.ErrorPayload{Code: protocol.CodeRateLimited, Message: "slow down"}, "")
	require.Equal(t, protocol.CodeRateLimited, awaitEvent(t, rejections).Code)
	require.Equal(t, StateConnected, c.State("chat-1"))
}

func TestMalformedInboundFramesAreDropped(t *testing.T) {
	c, d, _ := newTestClient(t, Options{})
	f := dialSession(t, c, d, "chat-1")

	f.in <- []byte("{not json")
	f.in <- []byte(`{"payload":{}}`) // missing type
	f.deliver(t, protocol.TypeMessageNew, protocol.MessageNew{Message: protocol.Message{
		ID: 1, ChatID: "chat-1", Content: "still here",
	}}, "")

	require.Eventually(t, func() bool {
		_, ok := c.View("chat-1").Message(1)
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, StateConnected, c.State("chat-1"))
}

func TestSocketTargetRouting(t *testing.T) {
	c := New(Options{BaseURL: "https://relay.example.com", Token: "admin-token"})

	u, header, err := c.socketTarget("chat-9", protocol.Identity{UserID: "agent-7", ClientID: "a1", UserType: protocol.UserOfficial})
	require.NoError(t, err)
	require.Equal(t, "wss://relay.example.com/ws/admin/chat-9?client_id=a1", u)
	require.Equal(t, "Bearer admin-token", header.Get("Authorization"))

	u, header, err = c.socketTarget("chat-9", protocol.Identity{UserID: "visitor-1", ClientID: "tab-1", UserType: protocol.UserThirdParty})
	require.NoError(t, err)
	require.Equal(t, "wss://relay.example.com/ws/chat/chat-9?client_id=tab-1&third_party_user_id=visitor-1", u)
	require.Nil(t, header)

	// Plain HTTP maps onto ws for local development.
	c = New(Options{BaseURL: "http://localhost:8080"})
	u, _, err = c.socketTarget("chat-9", protocol.Identity{UserID: "visitor-1", ClientID: "tab-1", UserType: protocol.UserThirdParty})
	require.NoError(t, err)
	require.Equal(t, "ws://localhost:8080/ws/chat/chat-9?client_id=tab-1&third_party_user_id=visitor-1", u)

	_, _, err = c.socketTarget("", protocol.Identity{ClientID: "tab-1"})
	require.Error(t, err)
	_, _, err = c.socketTarget("chat-9", protocol.Identity{UserID: "visitor-1"})
	require.Error(t, err)

	c = New(Options{BaseURL: "ftp://relay.example.com"})
	_, _, err = c.socketTarget("chat-9", protocol.Identity{UserID: "visitor-1", ClientID: "tab-1"})
	require.Error(t, err)
}
