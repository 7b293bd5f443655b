package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/handoff-protocol/handoff/internal/config"
	"github.com/handoff-protocol/handoff/internal/hub"
	"github.com/handoff-protocol/handoff/internal/store"
	"github.com/handoff-protocol/handoff/internal/token"
	"github.com/handoff-protocol/handoff/protocol"
)

const testSecret = "router-test-secret"

func newTestServer(t *testing.T) (*httptest.Server, store.MessageStore) {
	t.Helper()

	st := store.NewMemoryStore()
	relay := hub.New(zerolog.Nop(), st, nil, nil, hub.Options{})
	cfg := &config.Config{Env: "test", AdminJWTSecret: testSecret}

	srv := httptest.NewServer(NewRouter(zerolog.Nop(), cfg, relay, st, nil))
	t.Cleanup(srv.Close)
	return srv, st
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func adminToken(t *testing.T) string {
	t.Helper()
	tok, err := token.NewVerifier(testSecret).Sign("agent-7", time.Hour)
	require.NoError(t, err)
	return tok
}

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readEnvelope(t *testing.T, ws *websocket.Conn) protocol.Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.Decode(raw)
	require.NoError(t, err)
	return env
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health struct {
		Status string `json:"status"`
		Checks map[string]struct {
			Status string `json:"status"`
		} `json:"checks"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "pass", health.Checks["store"].Status)
}

func TestAdminRoutesRequireToken(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/stats")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/stats", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer not-a-token")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSwitchModeEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	tok := adminToken(t)

	body := bytes.NewBufferString(`{"mode":"HUMAN","agent_id":"agent-7"}`)
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/sessions/sess-1/mode", body)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var sess struct {
		Mode            string `json:"mode"`
		AssignedAgentID string `json:"assigned_agent_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sess))
	assert.Equal(t, "HUMAN", sess.Mode)
	assert.Equal(t, "agent-7", sess.AssignedAgentID)

	// The switch is visible on the session info endpoint.
	req, err = http.NewRequest(http.MethodGet, srv.URL+"/api/sessions/sess-1", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&sess))
	assert.Equal(t, "HUMAN", sess.Mode)
}

func TestSwitchModeRejectsUnknownMode(t *testing.T) {
	srv, _ := newTestServer(t)

	body := bytes.NewBufferString(`{"mode":"ROBOT"}`)
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/sessions/sess-1/mode", body)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+adminToken(t))
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSessionInfoNotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/sessions/nope", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+adminToken(t))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestChatSocketRoundtrip(t *testing.T) {
	srv, _ := newTestServer(t)

	ws := dialWS(t, wsURL(srv, "/ws/chat/sess-9?client_id=c1&third_party_user_id=u1"))

	frame, reqID, err := protocol.EncodeRequest(protocol.TypeMessageCreate,
		protocol.MessageCreate{Content: "hello"}, "")
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, frame))

	env := readEnvelope(t, ws)
	require.Equal(t, protocol.TypeMessageNew, env.Type)
	assert.Equal(t, reqID, env.RequestID)

	var mn protocol.MessageNew
	require.NoError(t, env.DecodePayload(&mn))
	assert.Equal(t, "hello", mn.Message.Content)
	assert.Equal(t, "sess-9", mn.Message.ChatID)
}

func TestChatSocketRequiresIdentity(t *testing.T) {
	srv, _ := newTestServer(t)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/chat/sess-9?client_id=c1"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAdminSocketAuth(t *testing.T) {
	srv, _ := newTestServer(t)

	// Without a token the handshake is rejected before upgrading.
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/admin/sess-9?client_id=a1"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// The token query parameter works for websocket dials.
	ws := dialWS(t, wsURL(srv, "/ws/admin/sess-9?client_id=a1&token="+adminToken(t)))

	frame, reqID, err := protocol.EncodeRequest(protocol.TypeMembersRequest, protocol.MembersRequest{}, "")
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, frame))

	env := readEnvelope(t, ws)
	require.Equal(t, protocol.TypeMembersResponse, env.Type)
	assert.Equal(t, reqID, env.RequestID)

	var members protocol.MembersResponse
	require.NoError(t, env.DecodePayload(&members))
	assert.Equal(t, []string{"a1"}, members.Members)
	assert.Equal(t, 1, members.Count)
}

func TestStatsEndpoint(t *testing.T) {
	srv, st := newTestServer(t)

	_, err := st.UpsertSession(t.Context(), "sess-5")
	require.NoError(t, err)
	_, err = st.AppendMessage(t.Context(), store.NewMessage{
		ChatID: "sess-5", Content: "hi", MessageType: "text",
		SenderID: "u1", SenderType: protocol.SenderThirdParty,
	})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/stats", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+adminToken(t))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats struct {
		TotalSessions int64 `json:"total_sessions"`
		TotalMessages int64 `json:"total_messages"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, int64(1), stats.TotalSessions)
	assert.Equal(t, int64(1), stats.TotalMessages)
}
