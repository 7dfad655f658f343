// Package realtime fans lifecycle events out to connected websocket
// clients. Staff dashboards subscribe to every event; member connections
// only receive events addressed to them.
package realtime

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	sendBufferSize = 32
)

// Client is one websocket subscriber
type Client struct {
	MemberID uuid.UUID
	Staff    bool
	Conn     *websocket.Conn
	Send     chan []byte
}

// NewClient wraps an upgraded connection
func NewClient(conn *websocket.Conn, memberID uuid.UUID, staff bool) *Client {
	return &Client{
		MemberID: memberID,
		Staff:    staff,
		Conn:     conn,
		Send:     make(chan []byte, sendBufferSize),
	}
}

type envelope struct {
	memberID uuid.UUID
	data     []byte
}

// Hub routes event payloads to subscribers. A client that cannot keep up
// with its send buffer is disconnected rather than allowed to stall
// delivery for everyone else.
type Hub struct {
	logger     *slog.Logger
	clients    map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	broadcast  chan envelope

	mu       sync.Mutex
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewHub creates a websocket fan-out hub
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:     logger,
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan envelope, 256),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Run processes registrations and deliveries until Stop is called
func (h *Hub) Run() {
	defer close(h.doneCh)
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			h.mu.Unlock()
			h.logger.Debug("Websocket client registered",
				"member_id", client.MemberID.String(),
				"staff", client.Staff,
			)

		case client := <-h.unregister:
			h.removeClient(client)

		case env := <-h.broadcast:
			h.deliver(env)

		case <-h.stopCh:
			h.mu.Lock()
			for client := range h.clients {
				close(client.Send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			h.logger.Info("Websocket hub stopped")
			return
		}
	}
}

// Stop shuts the hub down and closes all client send channels
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
	})
	<-h.doneCh
}

// Register adds a subscriber
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.stopCh:
	}
}

// Unregister removes a subscriber
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.stopCh:
	}
}

// Publish routes a payload to all staff clients and to the member it is
// addressed to
func (h *Hub) Publish(memberID uuid.UUID, data []byte) {
	select {
	case h.broadcast <- envelope{memberID: memberID, data: data}:
	case <-h.stopCh:
	}
}

func (h *Hub) deliver(env envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		if !client.Staff && client.MemberID != env.memberID {
			continue
		}
		select {
		case client.Send <- env.data:
		default:
			// Slow consumer: drop the connection, not the event stream
			close(client.Send)
			delete(h.clients, client)
			h.logger.Warn("Dropped slow websocket client",
				"member_id", client.MemberID.String(),
			)
		}
	}
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.Send)
	}
}

// WritePump forwards hub deliveries to the websocket connection. It runs in
// a per-client goroutine and owns all writes on the connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ReadPump drains inbound frames so pings and close frames are processed.
// Subscribers never send application data; anything readable besides
// control frames is discarded.
func (c *Client) ReadPump(hub *Hub) {
	defer func() {
		hub.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(512)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			return
		}
	}
}
