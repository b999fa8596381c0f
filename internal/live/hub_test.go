package live

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dial(t *testing.T, srvURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srvURL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestBroadcastReachesEveryClient(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(httpHandler(hub))
	defer srv.Close()

	a := dial(t, srv.URL)
	b := dial(t, srv.URL)
	require.Eventually(t, func() bool { return hub.Clients() == 2 }, time.Second, 10*time.Millisecond)

	at := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	hub.Broadcast(Message{Type: "outcome", Payload: map[string]string{"cardId": "AB12CD"}, Timestamp: at})

	for _, conn := range []*websocket.Conn{a, b} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		var got struct {
			Type      string            `json:"type"`
			Payload   map[string]string `json:"payload"`
			Timestamp time.Time         `json:"timestamp"`
		}
		require.NoError(t, json.Unmarshal(raw, &got))
		assert.Equal(t, "outcome", got.Type)
		assert.Equal(t, "AB12CD", got.Payload["cardId"])
		assert.True(t, at.Equal(got.Timestamp))
	}
}

func TestClientLeaving(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(httpHandler(hub))
	defer srv.Close()

	conn := dial(t, srv.URL)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 10*time.Millisecond)
	conn.Close()
	assert.Eventually(t, func() bool { return hub.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestStoppedHubClosesClients(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(httpHandler(hub))
	defer srv.Close()

	conn := dial(t, srv.URL)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 10*time.Millisecond)
	cancel()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	assert.Zero(t, hub.Clients())
}

func TestBroadcastDoesNotBlockWithoutRun(t *testing.T) {
	hub := NewHub()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			hub.Broadcast(Message{Type: "device"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Broadcast blocked")
	}
}

func httpHandler(h *Hub) http.Handler {
	return http.HandlerFunc(h.ServeWS)
}
