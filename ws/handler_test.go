package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcriess/lightspeed-karma/auth"
	"github.com/tcriess/lightspeed-karma/config"
	"github.com/tcriess/lightspeed-karma/persistence"
	"github.com/tcriess/lightspeed-karma/room"
	"github.com/tcriess/lightspeed-karma/types"
)

func newTestServer(t *testing.T) (*httptest.Server, []byte) {
	t.Helper()
	secret := []byte("test-secret")
	logger := hclog.NewNullLogger()
	registry := room.NewRegistry(logger)
	hub := NewHub(registry, auth.NewJWTVerifier(secret, ""), nil, config.HubConfig{SendBuffer: 16}, logger)
	relay := NewRelay(registry, logger)
	router := NewRouter(hub, relay, nil, persistence.Retrier{}, logger)
	server := httptest.NewServer(NewHandler(hub, router, logger))
	t.Cleanup(server.Close)
	return server, secret
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func dial(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) types.WebsocketMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	msg := types.WebsocketMessage{}
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func token(t *testing.T, secret []byte, userId string) string {
	t.Helper()
	tok, err := auth.GenerateToken(secret, "", userId, "", time.Hour)
	require.NoError(t, err)
	return tok
}

func TestHandlerEndToEnd(t *testing.T) {
	server, secret := newTestServer(t)

	alice := dial(t, wsURL(server)+"?token="+token(t, secret, "alice"), nil)
	frame := readFrame(t, alice)
	require.Equal(t, types.WireEventAuthenticated, frame.Event)

	// bob authenticates with the first frame
	bob := dial(t, wsURL(server), nil)
	require.NoError(t, bob.WriteJSON(map[string]interface{}{
		"event": types.WireEventAuthenticate,
		"data":  map[string]string{"token": token(t, secret, "bob")},
	}))
	frame = readFrame(t, bob)
	require.Equal(t, types.WireEventAuthenticated, frame.Event)

	for _, conn := range []*websocket.Conn{alice, bob} {
		require.NoError(t, conn.WriteJSON(map[string]interface{}{
			"event": types.WireEventJoinRoom,
			"data":  map[string]string{"roomId": "chat:lobby"},
		}))
		assert.Equal(t, types.WireEventRoomJoined, readFrame(t, conn).Event)
	}

	require.NoError(t, alice.WriteJSON(map[string]interface{}{
		"event": types.WireEventSendMessage,
		"data":  map[string]string{"roomId": "chat:lobby", "content": "hi bob"},
	}))
	for _, conn := range []*websocket.Conn{alice, bob} {
		frame := readFrame(t, conn)
		assert.Equal(t, types.WireEventMessage, frame.Event)
		assert.Contains(t, string(frame.Data), "hi bob")
	}

	require.NoError(t, alice.Close())
	frame = readFrame(t, bob)
	assert.Equal(t, types.WireEventMemberLeft, frame.Event)
	assert.Contains(t, string(frame.Data), `"userId":"alice"`)
}

func TestHandlerRejectsBadCredential(t *testing.T) {
	server, _ := newTestServer(t)
	conn := dial(t, wsURL(server)+"?token=forged", nil)

	frame := readFrame(t, conn)
	require.Equal(t, types.WireEventError, frame.Event)
	assert.Contains(t, string(frame.Data), types.ErrorCodeAuthentication)

	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
}

func TestHandlerBearerHeader(t *testing.T) {
	server, secret := newTestServer(t)
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token(t, secret, "carol"))
	conn := dial(t, wsURL(server), header)
	frame := readFrame(t, conn)
	require.Equal(t, types.WireEventAuthenticated, frame.Event)
	assert.Contains(t, string(frame.Data), `"roomId":"personal:carol"`)
}
