// Package websocket pushes live session and station events to dashboard
// clients. Events arrive from the message bus and fan out to the clients
// of the tenant they belong to.
package websocket

import (
	"encoding/json"
	"sync"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/voltgrid/csms/internal/adapter/queue"
)

type message struct {
	tenantID string
	data     []byte
}

type Hub struct {
	clients    map[*Client]bool
	broadcast  chan message
	register   chan *Client
	unregister chan *Client
	log        *zap.Logger

	mu sync.RWMutex
}

type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	tenantID string
	userID   string
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan message, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		log:        log,
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if msg.tenantID != "" && client.tenantID != msg.tenantID {
					continue
				}
				select {
				case client.send <- msg.data:
				default:
					// Slow client: drop it rather than stall the hub.
					delete(h.clients, client)
					close(client.send)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Relay subscribes the hub to bus subjects and rebroadcasts each
// envelope to the clients of its tenant.
func (h *Hub) Relay(bus queue.Bus, subjects ...string) error {
	for _, subject := range subjects {
		if err := bus.Subscribe(subject, func(data []byte) error {
			var env queue.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				return err
			}
			h.broadcast <- message{tenantID: env.TenantID, data: data}
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

// Broadcast pushes an already-encoded event to one tenant's clients. An
// empty tenantID reaches every client.
func (h *Hub) Broadcast(tenantID string, data []byte) {
	h.broadcast <- message{tenantID: tenantID, data: data}
}

// AddClient takes ownership of an upgraded connection and blocks until
// the client disconnects, as required by the fiber websocket handler.
func (h *Hub) AddClient(conn *websocket.Conn, tenantID, userID string) {
	client := &Client{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, 256),
		tenantID: tenantID,
		userID:   userID,
	}
	h.register <- client

	go client.writePump()
	client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	for {
		// Dashboard clients only listen; the read loop exists to detect
		// disconnects and service control frames.
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()
	for data := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
