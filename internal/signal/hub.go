// Package signal provides signaling channel implementations.
package signal

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stocknest/backend/internal/logging"
	"github.com/stocknest/backend/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The hub serves the local network only; devices on the LAN are trusted
	// to the same degree the medium itself is.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// hubClient is one websocket attached to the hub.
type hubClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub is the LAN rendezvous point: a websocket relay that forwards every
// envelope it receives to all other attached sockets. It performs no
// routing by TargetID; filtering is the receiving device's job.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*hubClient]bool
	register   chan *hubClient
	unregister chan *hubClient
	relay      chan relayMsg
	done       chan struct{}
}

type relayMsg struct {
	from *hubClient
	data []byte
}

// NewHub creates a running Hub.
func NewHub() *Hub {
	h := &Hub{
		clients:    make(map[*hubClient]bool),
		register:   make(chan *hubClient),
		unregister: make(chan *hubClient),
		relay:      make(chan relayMsg, 256),
		done:       make(chan struct{}),
	}
	go h.run()
	return h
}

// run manages socket registration and relays envelopes.
func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			logging.Debug("signal hub: device attached", map[string]interface{}{"total": n})

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			logging.Debug("signal hub: device detached", map[string]interface{}{"total": n})

		case m := <-h.relay:
			h.mu.Lock()
			for c := range h.clients {
				if c == m.from {
					continue
				}
				select {
				case c.send <- m.data:
				default:
					// Slow consumer; drop it rather than stall the hub.
					close(c.send)
					delete(h.clients, c)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Stop shuts the hub down and closes every socket.
func (h *Hub) Stop() {
	close(h.done)
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.conn.Close()
	}
	h.clients = make(map[*hubClient]bool)
}

// ServeHTTP upgrades the request and attaches the socket to the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("signal hub: upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	c := &hubClient{conn: conn, send: make(chan []byte, 64)}
	h.register <- c

	go h.writePump(c)
	go h.readPump(c)
}

// readPump relays inbound frames; a read error detaches the socket.
func (h *Hub) readPump(c *hubClient) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		// Validate before relaying so one malformed device cannot spray
		// garbage at every other socket.
		var env models.SignalEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			logging.Warn("signal hub: dropping malformed envelope", map[string]interface{}{"error": err.Error()})
			continue
		}

		h.relay <- relayMsg{from: c, data: data}
	}
}

// writePump drains the send queue and keeps the socket alive with pings.
func (h *Hub) writePump(c *hubClient) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
