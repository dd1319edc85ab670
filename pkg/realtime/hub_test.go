package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beak-insights/BeakDashX/pkg/models"
)

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	hub := NewHub(nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid, _ := strconv.ParseInt(r.URL.Query().Get("user"), 10, 64)
		_ = hub.Serve(w, r, uid)
	}))
	t.Cleanup(srv.Close)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestPublishReachesOwnerAndAdmins(t *testing.T) {
	hub, url := startHub(t)
	owner := dial(t, url+"?user=1")
	other := dial(t, url+"?user=2")
	admin := dial(t, url+"?user=0")
	require.Eventually(t, func() bool { return hub.Len() == 3 }, time.Second, 5*time.Millisecond)

	e := models.Event{ID: "e1", Type: models.EventAlertTriggered, UserID: 1, QueryID: 9}
	require.NoError(t, hub.Publish(context.Background(), e))

	for _, c := range []*websocket.Conn{owner, admin} {
		var got models.Event
		_ = c.SetReadDeadline(time.Now().Add(time.Second))
		require.NoError(t, c.ReadJSON(&got))
		assert.Equal(t, models.EventAlertTriggered, got.Type)
		assert.Equal(t, int64(9), got.QueryID)
	}

	_ = other.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	_, _, err := other.ReadMessage()
	assert.Error(t, err, "user 2 must not see user 1's events")
}

func TestClientCloseUnregisters(t *testing.T) {
	hub, url := startHub(t)
	c := dial(t, url+"?user=1")
	require.Eventually(t, func() bool { return hub.Len() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool { return hub.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestCheckOrigin(t *testing.T) {
	hub := NewHub([]string{"https://dash.example.com"})
	r := httptest.NewRequest(http.MethodGet, "/stream", nil)
	r.Header.Set("Origin", "https://dash.example.com")
	assert.True(t, hub.upgrader.CheckOrigin(r))
	r.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, hub.upgrader.CheckOrigin(r))
}

func TestPublishDoesNotWaitForStalledClient(t *testing.T) {
	hub, url := startHub(t)

	// a client whose writer never runs, so its queue only fills up
	stalled := make(chan *Client, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := hub.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := newClient(1, conn)
		hub.Register(c)
		stalled <- c
	}))
	t.Cleanup(srv.Close)
	dial(t, "ws"+strings.TrimPrefix(srv.URL, "http"))
	c := <-stalled

	healthy := dial(t, url+"?user=2")
	require.Eventually(t, func() bool { return hub.Len() == 2 }, time.Second, 5*time.Millisecond)

	published := make(chan struct{})
	go func() {
		defer close(published)
		for i := 0; i < sendBuffer+1; i++ {
			_ = hub.Publish(context.Background(), models.Event{ID: strconv.Itoa(i), Type: models.EventExecutionCompleted, UserID: 1})
		}
	}()
	select {
	case <-published:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a stalled client")
	}

	assert.Equal(t, 1, hub.Len(), "stalled client is dropped")
	select {
	case <-c.done:
	default:
		t.Fatal("stalled client was not closed")
	}

	// other clients keep receiving events
	require.NoError(t, hub.Publish(context.Background(), models.Event{ID: "next", Type: models.EventAlertTriggered, UserID: 2}))
	var got models.Event
	_ = healthy.SetReadDeadline(time.Now().Add(time.Second))
	require.NoError(t, healthy.ReadJSON(&got))
	assert.Equal(t, "next", got.ID)
}
