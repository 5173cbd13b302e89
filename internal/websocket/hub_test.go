package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newRoomServer поднимает сервер, который сажает соединение в комнату ?attempt=
func newRoomServer(t *testing.T, manager *Manager) *httptest.Server {
	t.Helper()
	upgrader := gorillaws.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := NewClient(manager.Hub(), conn, r.URL.Query().Get("attempt"), "", 8)
		client.StartPumps(manager.HandleMessage)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, attemptID string) *gorillaws.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?attempt=" + attemptID
	conn, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *gorillaws.Conn) Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev Event
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

func TestHub_DeliversOnlyToAttemptRoom(t *testing.T) {
	hub := NewHub(HubConfig{}, nil)
	t.Cleanup(hub.Stop)
	manager := NewManager(hub)
	srv := newRoomServer(t, manager)

	tabA := dial(t, srv, "attempt-1")
	tabB := dial(t, srv, "attempt-1")
	other := dial(t, srv, "attempt-2")
	require.Eventually(t, func() bool {
		return hub.ClientCount("attempt-1") == 2 && hub.ClientCount("attempt-2") == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, manager.SendEventToAttempt("attempt-1", TIME_WARNING, map[string]int{"remaining_seconds": 300}))

	assert.Equal(t, TIME_WARNING, readEvent(t, tabA).Type)
	assert.Equal(t, TIME_WARNING, readEvent(t, tabB).Type)

	require.NoError(t, other.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := other.ReadMessage()
	assert.Error(t, err, "чужая комната не получает событие")
}

func TestManager_UnknownMessageType(t *testing.T) {
	hub := NewHub(HubConfig{}, nil)
	t.Cleanup(hub.Stop)
	manager := NewManager(hub)
	manager.RegisterHandler(HEARTBEAT, func(_ json.RawMessage, c *Client) error {
		manager.SendEventToClient(c, ATTEMPT_STATE, map[string]string{"status": "in_progress"})
		return nil
	})
	srv := newRoomServer(t, manager)
	conn := dial(t, srv, "attempt-1")

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "bogus"}))
	ev := readEvent(t, conn)
	assert.Equal(t, SERVER_ERROR, ev.Type)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": HEARTBEAT}))
	ev = readEvent(t, conn)
	assert.Equal(t, ATTEMPT_STATE, ev.Type, "соединение живо после неизвестного типа")
}

func TestHub_UnregisterOnDisconnect(t *testing.T) {
	hub := NewHub(HubConfig{}, nil)
	t.Cleanup(hub.Stop)
	srv := newRoomServer(t, NewManager(hub))

	conn := dial(t, srv, "attempt-1")
	require.Eventually(t, func() bool { return hub.ClientCount("attempt-1") == 1 }, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount("attempt-1") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_ClusterFanOut(t *testing.T) {
	mr := miniredis.RunT(t)
	newProvider := func() *RedisPubSub {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })
		p, err := NewRedisPubSub(client)
		require.NoError(t, err)
		t.Cleanup(func() { p.Close() })
		return p
	}

	cfg := HubConfig{ClusterChannel: "assessment:ws", ClusterEnabled: true}
	cfgA, cfgB := cfg, cfg
	cfgA.InstanceID, cfgB.InstanceID = "a", "b"
	hubA := NewHub(cfgA, newProvider())
	hubB := NewHub(cfgB, newProvider())
	require.NoError(t, hubA.Start())
	require.NoError(t, hubB.Start())
	t.Cleanup(hubA.Stop)
	t.Cleanup(hubB.Stop)

	srvB := newRoomServer(t, NewManager(hubB))
	conn := dial(t, srvB, "attempt-9")
	require.Eventually(t, func() bool { return hubB.ClientCount("attempt-9") == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, NewManager(hubA).SendEventToAttempt("attempt-9", ATTEMPT_FINALIZED, map[string]string{"reason": "time_expired"}))

	ev := readEvent(t, conn)
	assert.Equal(t, ATTEMPT_FINALIZED, ev.Type)
}
