package service

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agoradev/agora/internal/events"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wsURL(server *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + path
}

func readWSEvent(t *testing.T, conn *websocket.Conn) events.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev events.Event
	require.NoError(t, json.Unmarshal(payload, &ev))
	return ev
}

func TestSubscribe_WebSocketDelivery(t *testing.T) {
	h := newTestHarness(t, nil)
	server := httptest.NewServer(h.svc.Handler())
	defer server.Close()

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(server, "/rt/api/v1/subscribe?channels=/topic/3"), nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	connected := readWSEvent(t, conn)
	require.Equal(t, events.KindConnected, connected.Type)

	h.store.Publish("/topic/3", events.KindPostCreated, map[string]any{"postId": 12}, 9)

	ev := readWSEvent(t, conn)
	assert.Equal(t, events.KindPostCreated, ev.Type)
	assert.Equal(t, "/topic/3", ev.Channel)
	assert.Equal(t, int64(9), ev.ActorID)
}

func TestSubscribe_RejectsForeignUserChannel(t *testing.T) {
	h := newTestHarness(t, nil)
	server := httptest.NewServer(h.svc.Handler())
	defer server.Close()

	_, resp, err := websocket.DefaultDialer.Dial(
		wsURL(server, "/rt/api/v1/subscribe?channels=/user/42&token="+signToken(t, 7, "mallory")), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestSubscribe_CloseDisposesSubscriptions(t *testing.T) {
	h := newTestHarness(t, nil)
	server := httptest.NewServer(h.svc.Handler())
	defer server.Close()

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(server, "/rt/api/v1/subscribe?channels=/topic/3"), nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	readWSEvent(t, conn) // connected
	conn.Close()

	// The session slot frees once either pump notices the closed socket.
	require.Eventually(t, func() bool {
		h.svc.connLock.Lock()
		defer h.svc.connLock.Unlock()
		return h.svc.activeConns == 0
	}, 2*time.Second, 20*time.Millisecond)
}
