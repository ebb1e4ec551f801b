package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestManager(t *testing.T) (*ConnectionManager, *httptest.Server) {
	t.Helper()

	manager := NewConnectionManager(5 * time.Second)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			t.Logf("websocket accept error: %v", err)
			return
		}
		manager.HandleConnection(r.Context(), conn)
	}))

	t.Cleanup(server.Close)
	return manager, server
}

func connectWS(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + server.URL[len("http"):]
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func TestConnectionManager_ConnectionEstablished(t *testing.T) {
	_, server := setupTestManager(t)
	conn := connectWS(t, server)

	msg := readJSON(t, conn)
	assert.Equal(t, "connection.established", msg["type"])
	assert.NotEmpty(t, msg["connectionId"])
}

func TestConnectionManager_SubscribeAndBroadcast(t *testing.T) {
	manager, server := setupTestManager(t)

	conn1 := connectWS(t, server)
	conn2 := connectWS(t, server)
	readJSON(t, conn1)
	readJSON(t, conn2)

	channel := AgentChannel("broadcast-test")
	writeJSON(t, conn1, ClientMessage{Action: "subscribe", Channel: channel})
	writeJSON(t, conn2, ClientMessage{Action: "subscribe", Channel: channel})

	msg := readJSON(t, conn1)
	assert.Equal(t, "subscription.confirmed", msg["type"])
	assert.Equal(t, channel, msg["channel"])
	readJSON(t, conn2)

	require.Eventually(t, func() bool {
		return manager.subscriberCount(channel) == 2
	}, time.Second, 5*time.Millisecond)

	payload, _ := json.Marshal(AgentStatusPayload{
		Type: TypeAgentStatus, AgentID: "broadcast-test", Status: "idle", Timestamp: Timestamp(),
	})
	manager.Broadcast(channel, payload)

	for _, conn := range []*websocket.Conn{conn1, conn2} {
		got := readJSON(t, conn)
		assert.Equal(t, TypeAgentStatus, got["type"])
		assert.Equal(t, "idle", got["status"])
	}
}

func TestConnectionManager_BroadcastSkipsOtherChannels(t *testing.T) {
	manager, server := setupTestManager(t)
	conn := connectWS(t, server)
	readJSON(t, conn)

	writeJSON(t, conn, ClientMessage{Action: "subscribe", Channel: ChannelOrg})
	readJSON(t, conn)

	require.Eventually(t, func() bool {
		return manager.subscriberCount(ChannelOrg) == 1
	}, time.Second, 5*time.Millisecond)

	// Event on an unrelated channel: nothing should arrive.
	manager.Broadcast(ChannelConsole, []byte(`{"type":"console.output"}`))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, _, err := conn.Read(ctx)
	assert.Error(t, err)
}

func TestConnectionManager_Unsubscribe(t *testing.T) {
	manager, server := setupTestManager(t)
	conn := connectWS(t, server)
	readJSON(t, conn)

	writeJSON(t, conn, ClientMessage{Action: "subscribe", Channel: ChannelOrg})
	readJSON(t, conn)
	require.Eventually(t, func() bool {
		return manager.subscriberCount(ChannelOrg) == 1
	}, time.Second, 5*time.Millisecond)

	writeJSON(t, conn, ClientMessage{Action: "unsubscribe", Channel: ChannelOrg})
	require.Eventually(t, func() bool {
		return manager.subscriberCount(ChannelOrg) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestConnectionManager_Ping(t *testing.T) {
	_, server := setupTestManager(t)
	conn := connectWS(t, server)
	readJSON(t, conn)

	writeJSON(t, conn, ClientMessage{Action: "ping"})
	msg := readJSON(t, conn)
	assert.Equal(t, "pong", msg["type"])
}

func TestConnectionManager_DisconnectCleansUp(t *testing.T) {
	manager, server := setupTestManager(t)
	conn := connectWS(t, server)
	readJSON(t, conn)

	writeJSON(t, conn, ClientMessage{Action: "subscribe", Channel: ChannelOrg})
	readJSON(t, conn)
	require.Eventually(t, func() bool {
		return manager.ActiveConnections() == 1
	}, time.Second, 5*time.Millisecond)

	conn.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool {
		return manager.ActiveConnections() == 0 && manager.subscriberCount(ChannelOrg) == 0
	}, time.Second, 5*time.Millisecond)
}
