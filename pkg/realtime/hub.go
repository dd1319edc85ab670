// Package realtime streams pipeline events to dashboard clients over
// websockets.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/beak-insights/BeakDashX/pkg/models"
)

const (
	pingInterval = 25 * time.Second
	writeTimeout = 10 * time.Second
	// sendBuffer events may queue per client before it counts as stalled
	sendBuffer = 64
)

// AllUsers subscribes a client to the events of every user
const AllUsers int64 = 0

// Client is one websocket connection. Only its writer goroutine writes to
// the socket; Publish queues on send.
type Client struct {
	UserID int64
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

func newClient(userID int64, conn *websocket.Conn) *Client {
	return &Client{
		UserID: userID,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
}

func (c *Client) write(messageType int, data []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(messageType, data)
}

// writeLoop drains the send queue and keeps the connection alive with pings
func (c *Client) writeLoop(h *Hub) {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		var err error
		select {
		case msg := <-c.send:
			err = c.write(websocket.TextMessage, msg)
		case <-t.C:
			err = c.write(websocket.PingMessage, nil)
		case <-c.done:
			return
		}
		if err != nil {
			logrus.Debugf("Dropping websocket client of user %d: %v", c.UserID, err)
			h.Unregister(c)
			return
		}
	}
}

// Hub fans events out to the clients of the user they belong to
type Hub struct {
	mu       sync.RWMutex
	clients  map[int64]map[*Client]struct{}
	upgrader websocket.Upgrader
}

// NewHub creates a hub. An empty origin list accepts every origin.
func NewHub(allowedOrigins []string) *Hub {
	h := &Hub{clients: make(map[int64]map[*Client]struct{})}
	h.upgrader.CheckOrigin = func(r *http.Request) bool {
		if len(allowedOrigins) == 0 {
			return true
		}
		origin := r.Header.Get("Origin")
		for _, o := range allowedOrigins {
			if o == "*" || o == origin {
				return true
			}
		}
		return false
	}
	return h
}

// Register adds a client
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	if h.clients[c.UserID] == nil {
		h.clients[c.UserID] = make(map[*Client]struct{})
	}
	h.clients[c.UserID][c] = struct{}{}
	h.mu.Unlock()
}

// Unregister removes a client and closes its connection
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if set := h.clients[c.UserID]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(h.clients, c.UserID)
		}
	}
	h.mu.Unlock()
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Len returns the number of connected clients
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.clients {
		n += len(set)
	}
	return n
}

// Publish implements services.Publisher. The event is queued for the
// clients of its user and those subscribed to all users. A client whose
// queue is full is disconnected rather than waited for.
func (h *Hub) Publish(_ context.Context, e models.Event) error {
	msg, err := json.Marshal(e)
	if err != nil {
		return err
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients[e.UserID])+len(h.clients[AllUsers]))
	for c := range h.clients[e.UserID] {
		targets = append(targets, c)
	}
	if e.UserID != AllUsers {
		for c := range h.clients[AllUsers] {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		select {
		case c.send <- msg:
		case <-c.done:
		default:
			logrus.Warnf("Dropping stalled websocket client of user %d", c.UserID)
			h.Unregister(c)
		}
	}
	return nil
}

// Serve upgrades the request and keeps the connection until the client
// goes away
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, userID int64) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	c := newClient(userID, conn)
	h.Register(c)
	logrus.Debugf("Websocket client connected for user %d", userID)
	go c.writeLoop(h)

	// the read loop ends when the client closes
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.Unregister(c)
			return nil
		}
	}
}
