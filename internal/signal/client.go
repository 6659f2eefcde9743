// Package signal provides signaling channel implementations.
package signal

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stocknest/backend/internal/errors"
	"github.com/stocknest/backend/internal/logging"
	"github.com/stocknest/backend/internal/models"
)

// Client implements Channel against a Hub over one websocket.
type Client struct {
	conn *websocket.Conn

	mu     sync.Mutex
	nextID int
	subs   map[int]Handler
	closed bool

	send chan []byte
	done chan struct{}
}

// Dial connects to a signaling hub at the given ws:// URL.
func Dial(url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, errors.Wrap(errors.ErrSignalPublish, "failed to reach signaling hub", err)
	}

	c := &Client{
		conn: conn,
		subs: make(map[int]Handler),
		send: make(chan []byte, 64),
		done: make(chan struct{}),
	}
	go c.readPump()
	go c.writePump()
	return c, nil
}

// Publish sends an envelope to the hub for relay.
func (c *Client) Publish(env *models.SignalEnvelope) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return errors.New(errors.ErrSignalClosed, "signaling client closed")
	}

	data, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(errors.ErrSignalMalformed, "failed to encode envelope", err)
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return errors.New(errors.ErrSignalClosed, "signaling client closed")
	}
}

// Subscribe registers a handler for observed envelopes.
func (c *Client) Subscribe(h Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++
	c.subs[id] = h

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

// Close shuts the client down.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
	return c.conn.Close()
}

// readPump decodes inbound envelopes and fans them out to subscribers.
func (c *Client) readPump() {
	defer c.Close()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				logging.Warn("signaling connection lost", map[string]interface{}{"error": err.Error()})
			}
			return
		}

		var env models.SignalEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			logging.Warn("dropping malformed signaling envelope", map[string]interface{}{"error": err.Error()})
			continue
		}

		c.mu.Lock()
		handlers := make([]Handler, 0, len(c.subs))
		for _, h := range c.subs {
			handlers = append(handlers, h)
		}
		c.mu.Unlock()

		for _, h := range handlers {
			h(&env)
		}
	}
}

// writePump serializes outbound frames and keeps the socket alive.
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return

		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.Close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}

var _ Channel = (*Client)(nil)
