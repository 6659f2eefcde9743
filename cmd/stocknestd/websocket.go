// WebSocket hub pushing sync and peer events to local UI clients.
package main

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stocknest/backend/internal/logging"
	"github.com/stocknest/backend/internal/models"
	syncpkg "github.com/stocknest/backend/internal/sync"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The UI runs on this machine; nothing else gets a socket.
		host := r.Host
		if i := strings.LastIndex(host, ":"); i >= 0 {
			host = host[:i]
		}
		return host == "localhost" || host == "127.0.0.1"
	},
}

// UI event names. These mirror the engine's events one to one.
const (
	uiEventPeerConnected     = "peer.connected"
	uiEventPeerDisconnected  = "peer.disconnected"
	uiEventSyncData          = "sync.data_received"
	uiEventConflictsDetected = "sync.conflicts_detected"
	uiEventConflictsReceived = "sync.conflicts_received"
	uiEventConflictResolved  = "conflict.resolved"
)

// WSEnvelope wraps every message pushed to a UI client.
type WSEnvelope struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp int64                  `json:"timestamp"`
}

// wsMessage pairs the serialized envelope with its event type so the hub can
// honor per-client subscriptions without re-parsing.
type wsMessage struct {
	event string
	data  []byte
}

// WSClient is one UI connection.
type WSClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *WSHub

	// subscriptions holds the event types this client asked for. Empty
	// means everything.
	subscriptions map[string]bool
}

// WSHub fans engine events out to every connected UI client.
type WSHub struct {
	clients    map[string]*WSClient
	broadcast  chan wsMessage
	register   chan *WSClient
	unregister chan *WSClient
	mu         sync.RWMutex
}

// NewWSHub creates a hub and starts its dispatch loop.
func NewWSHub() *WSHub {
	hub := &WSHub{
		clients:    make(map[string]*WSClient),
		broadcast:  make(chan wsMessage, 256),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
	}
	go hub.run()
	return hub
}

// AttachEngine subscribes the hub to the sync engine's events and returns a
// detach function.
func (h *WSHub) AttachEngine(events *syncpkg.Emitter) func() {
	subs := []func(){
		events.Subscribe(syncpkg.EventPeerConnected, func(payload interface{}) {
			if ev, ok := payload.(syncpkg.PeerEvent); ok {
				h.Broadcast(uiEventPeerConnected, map[string]interface{}{
					"device_id": ev.DeviceID,
				})
			}
		}),
		events.Subscribe(syncpkg.EventPeerDisconnected, func(payload interface{}) {
			if ev, ok := payload.(syncpkg.PeerEvent); ok {
				h.Broadcast(uiEventPeerDisconnected, map[string]interface{}{
					"device_id": ev.DeviceID,
				})
			}
		}),
		events.Subscribe(syncpkg.EventSyncDataReceived, func(payload interface{}) {
			if ev, ok := payload.(syncpkg.DataEvent); ok {
				h.Broadcast(uiEventSyncData, map[string]interface{}{
					"device_id":  ev.DeviceID,
					"warehouses": ev.Warehouses,
				})
			}
		}),
		events.Subscribe(syncpkg.EventSyncConflictsDetected, func(payload interface{}) {
			if ev, ok := payload.(syncpkg.ConflictsEvent); ok {
				h.Broadcast(uiEventConflictsDetected, conflictsData(ev))
			}
		}),
		events.Subscribe(syncpkg.EventSyncConflictsReceived, func(payload interface{}) {
			if ev, ok := payload.(syncpkg.ConflictsEvent); ok {
				h.Broadcast(uiEventConflictsReceived, conflictsData(ev))
			}
		}),
		events.Subscribe(syncpkg.EventConflictResolved, func(payload interface{}) {
			if ev, ok := payload.(syncpkg.ResolvedEvent); ok {
				h.Broadcast(uiEventConflictResolved, map[string]interface{}{
					"conflict_id": ev.ConflictID,
					"choice":      string(ev.Choice),
				})
			}
		}),
	}
	return func() {
		for _, unsub := range subs {
			unsub()
		}
	}
}

func conflictsData(ev syncpkg.ConflictsEvent) map[string]interface{} {
	ids := make([]models.UUID, 0, len(ev.Conflicts))
	for _, c := range ev.Conflicts {
		ids = append(ids, c.ID)
	}
	return map[string]interface{}{
		"device_id":    ev.DeviceID,
		"count":        len(ev.Conflicts),
		"conflict_ids": ids,
	}
}

// run manages registrations and fans broadcasts out.
func (h *WSHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug("ui client connected", map[string]interface{}{
				"client_id": client.id,
				"total":     total,
			})

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug("ui client disconnected", map[string]interface{}{
				"client_id": client.id,
				"total":     total,
			})

		case msg := <-h.broadcast:
			h.mu.Lock()
			for id, client := range h.clients {
				if len(client.subscriptions) > 0 && !client.subscriptions[msg.event] {
					continue
				}
				select {
				case client.send <- msg.data:
				default:
					// Slow consumer; drop the connection rather than block.
					close(client.send)
					delete(h.clients, id)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast pushes one event to every subscribed client.
func (h *WSHub) Broadcast(eventType string, data map[string]interface{}) {
	envelope := WSEnvelope{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}
	bytes, err := json.Marshal(envelope)
	if err != nil {
		logging.Error("failed to marshal ui event", err, map[string]interface{}{
			"event": eventType,
		})
		return
	}

	select {
	case h.broadcast <- wsMessage{event: eventType, data: bytes}:
	default:
		logging.Warn("ui broadcast queue full, dropping event", map[string]interface{}{
			"event": eventType,
		})
	}
}

// readPump consumes subscription commands from the client.
func (c *WSClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Debug("ui socket read error", map[string]interface{}{
					"client_id": c.id,
					"error":     err.Error(),
				})
			}
			return
		}

		var msg struct {
			Action string   `json:"action"`
			Events []string `json:"events"`
		}
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		switch msg.Action {
		case "subscribe":
			c.hub.mu.Lock()
			for _, ev := range msg.Events {
				c.subscriptions[ev] = true
			}
			c.hub.mu.Unlock()
		case "unsubscribe":
			c.hub.mu.Lock()
			for _, ev := range msg.Events {
				delete(c.subscriptions, ev)
			}
			c.hub.mu.Unlock()
		}
	}
}

// writePump drains the send queue and keeps the connection alive with pings.
func (c *WSClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

// HandleWebSocket upgrades a UI connection and registers it with the hub.
func HandleWebSocket(hub *WSHub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Warn("ui socket upgrade failed", map[string]interface{}{
				"error": err.Error(),
			})
			return
		}

		client := &WSClient{
			id:            time.Now().Format("20060102150405.000000") + "-" + r.RemoteAddr,
			conn:          conn,
			send:          make(chan []byte, 256),
			hub:           hub,
			subscriptions: make(map[string]bool),
		}
		hub.register <- client

		go client.writePump()
		go client.readPump()
	}
}
