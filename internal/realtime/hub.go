// Package realtime is the websocket gateway. A hub keeps one room per
// canvas; every room fans messages out to its connected clients and feeds
// inbound cursor and activity traffic to the presence layer.
package realtime

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 * 1024

	// sendBuffer bounds per-client backlog. A client that cannot keep up
	// is disconnected rather than allowed to stall the room.
	sendBuffer = 64
)

// Identity describes the connecting user, taken from the upgrade request.
type Identity struct {
	UserID      string
	DisplayName string
	Color       string
}

// CursorMessage is the inbound cursor position in render-space coordinates.
type CursorMessage struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Handlers receives decoded inbound traffic. All callbacks run on the
// client's read loop and must not block.
type Handlers struct {
	OnJoin     func(ctx context.Context, canvasID string, id Identity)
	OnLeave    func(ctx context.Context, canvasID string, id Identity)
	OnCursor   func(ctx context.Context, canvasID string, id Identity, msg CursorMessage)
	OnActivity func(ctx context.Context, canvasID string, id Identity)
}

type envelope struct {
	Type string `json:"type"`
}

type Hub struct {
	handlers Handlers
	upgrader websocket.Upgrader

	mu    sync.Mutex
	rooms map[string]*room
}

func NewHub(handlers Handlers, checkOrigin func(r *http.Request) bool) *Hub {
	return &Hub{
		handlers: handlers,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		rooms: make(map[string]*room),
	}
}

// Broadcast sends payload to every client currently in the canvas room.
// No room means no listeners, which is not an error.
func (h *Hub) Broadcast(canvasID string, payload []byte) {
	h.mu.Lock()
	r := h.rooms[canvasID]
	h.mu.Unlock()
	if r == nil {
		return
	}
	r.broadcast <- payload
}

// Clients reports how many connections a canvas room has.
func (h *Hub) Clients(canvasID string) int {
	h.mu.Lock()
	r := h.rooms[canvasID]
	h.mu.Unlock()
	if r == nil {
		return 0
	}
	return r.count()
}

func (h *Hub) room(canvasID string) *room {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[canvasID]
	if !ok {
		r = newRoom(canvasID)
		h.rooms[canvasID] = r
		go r.run()
	}
	return r
}

// ServeWS upgrades the request and attaches the connection to its canvas
// room. The identity comes from query parameters; the outer HTTP layer has
// already authenticated the request.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, canvasID string, id Identity) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("realtime: upgrade for canvas %s: %v", canvasID, err)
		return
	}

	c := &client{
		hub:      h,
		room:     h.room(canvasID),
		conn:     conn,
		identity: id,
		send:     make(chan []byte, sendBuffer),
	}
	c.room.register <- c
	if h.handlers.OnJoin != nil {
		h.handlers.OnJoin(r.Context(), canvasID, id)
	}

	go c.writePump()
	c.readPump(r.Context())
}

// room is the fan-out loop for one canvas. It owns the client set; all
// membership changes go through its channels.
type room struct {
	canvasID   string
	register   chan *client
	unregister chan *client
	broadcast  chan []byte

	mu      sync.Mutex
	clients map[*client]bool
}

func newRoom(canvasID string) *room {
	return &room{
		canvasID:   canvasID,
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 16),
		clients:    make(map[*client]bool),
	}
}

func (r *room) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// run is the room's fan-out loop. Rooms live for the server's lifetime;
// there is one per canvas ever opened, so the set stays small.
func (r *room) run() {
	for {
		select {
		case c := <-r.register:
			r.mu.Lock()
			r.clients[c] = true
			r.mu.Unlock()
		case c := <-r.unregister:
			r.mu.Lock()
			if r.clients[c] {
				delete(r.clients, c)
				close(c.send)
			}
			r.mu.Unlock()
		case payload := <-r.broadcast:
			r.mu.Lock()
			for c := range r.clients {
				select {
				case c.send <- payload:
				default:
					// Slow consumer. Drop the connection, the client
					// reconnects and reloads.
					delete(r.clients, c)
					close(c.send)
				}
			}
			r.mu.Unlock()
		}
	}
}

type client struct {
	hub      *Hub
	room     *room
	conn     *websocket.Conn
	identity Identity
	send     chan []byte
}

func (c *client) readPump(ctx context.Context) {
	defer func() {
		c.room.unregister <- c
		c.conn.Close()
		if c.hub.handlers.OnLeave != nil {
			c.hub.handlers.OnLeave(context.WithoutCancel(ctx), c.room.canvasID, c.identity)
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, buf, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("realtime: read on canvas %s: %v", c.room.canvasID, err)
			}
			return
		}

		var env envelope
		if err := json.Unmarshal(buf, &env); err != nil {
			log.Printf("realtime: malformed message on canvas %s: %v", c.room.canvasID, err)
			continue
		}

		switch env.Type {
		case "cursor":
			var msg CursorMessage
			if err := json.Unmarshal(buf, &msg); err != nil {
				continue
			}
			if c.hub.handlers.OnCursor != nil {
				c.hub.handlers.OnCursor(ctx, c.room.canvasID, c.identity, msg)
			}
			if c.hub.handlers.OnActivity != nil {
				c.hub.handlers.OnActivity(ctx, c.room.canvasID, c.identity)
			}
		case "activity":
			if c.hub.handlers.OnActivity != nil {
				c.hub.handlers.OnActivity(ctx, c.room.canvasID, c.identity)
			}
		default:
			log.Printf("realtime: unknown message type %q on canvas %s", env.Type, c.room.canvasID)
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
