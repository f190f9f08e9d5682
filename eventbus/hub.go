// Package eventbus fans out gateway lifecycle events (client connect,
// coin redeemed, ttl violation, slot claimed, etc.) to admin dashboard
// websocket clients. It is write-only from the gateway's side; the
// admin UI never pushes state back over this channel.
package eventbus

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/coinwifi/gateway/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 64 * 1024
	clientSendBuf  = 32
)

// EventType names the kind of event being broadcast, used by the
// admin UI to route incoming messages to the right panel.
type EventType string

const (
	EventClientConnected    EventType = "client_connected"
	EventClientDisconnected EventType = "client_disconnected"
	EventClientPaused       EventType = "client_paused"
	EventClientResumed      EventType = "client_resumed"
	EventClientBlocked      EventType = "client_blocked"
	EventCoinQueued         EventType = "coin_queued"
	EventCoinRedeemed       EventType = "coin_redeemed"
	EventSlotClaimed        EventType = "slot_claimed"
	EventSlotReleased       EventType = "slot_released"
	EventTTLViolation       EventType = "ttl_violation"
	EventClientRemoved      EventType = "client_removed"
	EventSystemLog          EventType = "system_log"
)

// Event is the envelope broadcast to every connected admin client.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// Hub tracks connected admin websocket clients and serializes
// broadcast through a single goroutine, the same shape the gateway's
// store uses for write serialization: many producers, one writer.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*hubClient]struct{}

	register   chan *hubClient
	unregister chan *hubClient
	broadcast  chan Event
}

type hubClient struct {
	conn *websocket.Conn
	send chan Event
}

// New builds a Hub. checkOrigin is nil-safe; a nil value accepts every
// origin, appropriate for a LAN-only admin UI served from the gateway
// itself.
func New(checkOrigin func(r *http.Request) bool) *Hub {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		clients:    make(map[*hubClient]struct{}),
		register:   make(chan *hubClient),
		unregister: make(chan *hubClient),
		broadcast:  make(chan Event, 256),
	}
}

// Run drives the hub's single writer goroutine until stop is closed.
func (h *Hub) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
			}
			h.clients = make(map[*hubClient]struct{})
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

		case ev := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- ev:
				default:
					logger.Warnw("event bus client send buffer full, dropping client", "event_type", string(ev.Type))
					delete(h.clients, c)
					close(c.send)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Publish enqueues an event for broadcast. Non-blocking: a full queue
// drops the event rather than stalling the caller, since the admin UI
// is a convenience view, not the source of truth.
func (h *Hub) Publish(evType EventType, payload interface{}) {
	select {
	case h.broadcast <- Event{Type: evType, Timestamp: time.Now(), Payload: payload}:
	default:
		logger.Warnw("event bus broadcast queue full, dropping event", "event_type", string(evType))
	}
}

// ServeWS upgrades an HTTP request to a websocket connection and
// registers the client with the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	c := &hubClient{conn: conn, send: make(chan Event, clientSendBuf)}
	h.register <- c

	go c.writePump()
	go c.readPump(h)
	return nil
}

func (c *hubClient) readPump(h *Hub) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (c *hubClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
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
