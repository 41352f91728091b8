package broadcast

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drawfeed/internal/countdown"
)

func dial(t *testing.T, srv *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.Clients() == n }, 2*time.Second, 10*time.Millisecond)
}

func batch(items ...countdown.State) countdown.BatchMessage {
	return countdown.BatchMessage{ID: "b1", Type: countdown.MessageTypeCountdown, SentAt: time.Now(), Items: items}
}

func TestBroadcastReachesEverySubscriber(t *testing.T) {
	hub := NewHub(Options{}, zerolog.Nop())
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	a := dial(t, srv, nil)
	b := dial(t, srv, nil)
	waitClients(t, hub, 2)

	require.NoError(t, hub.BroadcastBatch(batch(countdown.State{ItemID: "fast3", Period: "P1", Countdown: 60})))

	for _, conn := range []*websocket.Conn{a, b} {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var got countdown.BatchMessage
		require.NoError(t, conn.ReadJSON(&got))
		assert.Equal(t, countdown.MessageTypeCountdown, got.Type)
		require.Len(t, got.Items, 1)
		assert.Equal(t, 60, got.Items[0].Countdown)
	}
	assert.Equal(t, uint64(2), hub.Stats().Sent)
}

func TestSnapshotOnConnect(t *testing.T) {
	hub := NewHub(Options{Snapshot: func() countdown.BatchMessage {
		return batch(countdown.State{ItemID: "block50", Period: "12345", Countdown: 396})
	}}, zerolog.Nop())
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	conn := dial(t, srv, nil)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got countdown.BatchMessage
	require.NoError(t, conn.ReadJSON(&got))
	require.Len(t, got.Items, 1)
	assert.Equal(t, "block50", got.Items[0].ItemID)
}

func TestSlowSubscriberDisconnected(t *testing.T) {
	hub := NewHub(Options{SendBuffer: 1}, zerolog.Nop())
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	dial(t, srv, nil)
	waitClients(t, hub, 1)

	// The subscriber never reads; eventually its buffer fills.
	msg := batch(countdown.State{ItemID: "x", Countdown: 1, Period: strings.Repeat("p", 64<<10)})
	require.Eventually(t, func() bool {
		_ = hub.BroadcastBatch(msg)
		return hub.Stats().Dropped > 0
	}, 5*time.Second, time.Millisecond)
	waitClients(t, hub, 0)
}

func TestDisconnectUnregisters(t *testing.T) {
	hub := NewHub(Options{}, zerolog.Nop())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv, nil)
	waitClients(t, hub, 1)
	require.NoError(t, conn.Close())
	waitClients(t, hub, 0)
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://ok.example"})
	ok := httptest.NewRequest(http.MethodGet, "/ws", nil)
	ok.Header.Set("Origin", "https://ok.example")
	bad := httptest.NewRequest(http.MethodGet, "/ws", nil)
	bad.Header.Set("Origin", "https://evil.example")

	assert.True(t, check(ok))
	assert.False(t, check(bad))
	assert.True(t, originChecker(nil)(bad))
}
