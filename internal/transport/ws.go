// Package transport provides the websocket direct-channel implementation.
package transport

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stocknest/backend/internal/errors"
	"github.com/stocknest/backend/internal/logging"
	"github.com/stocknest/backend/internal/models"
)

// hello is the first frame on a freshly dialed peer channel; it identifies
// the dialing device before any protocol traffic flows.
type hello struct {
	DeviceID models.UUID `json:"device_id"`
}

// wsChannel wraps a websocket connection as a Channel. Writes are
// serialized by a mutex so concurrent senders keep frame ordering.
type wsChannel struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	once    sync.Once
}

func newWSChannel(conn *websocket.Conn) *wsChannel {
	return &wsChannel{conn: conn}
}

func (c *wsChannel) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return errors.Wrap(errors.ErrChannelClosed, "peer channel write failed", err)
	}
	return nil
}

func (c *wsChannel) Receive() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, errors.Wrap(errors.ErrChannelClosed, "peer channel read failed", err)
	}
	return data, nil
}

func (c *wsChannel) Close() error {
	var err error
	c.once.Do(func() { err = c.conn.Close() })
	return err
}

// WSDialer dials peer listeners over websocket.
type WSDialer struct{}

// Dial opens a websocket to the peer listener and sends the hello frame.
func (WSDialer) Dial(addr string, localDevice models.UUID) (Channel, error) {
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/peer", nil)
	if err != nil {
		return nil, errors.Wrap(errors.ErrNoRoute, "failed to dial peer", err)
	}

	ch := newWSChannel(conn)
	frame, err := json.Marshal(hello{DeviceID: localDevice})
	if err == nil {
		err = ch.Send(frame)
	}
	if err != nil {
		ch.Close()
		return nil, errors.Wrap(errors.ErrNegotiationFailed, "peer hello failed", err)
	}
	return ch, nil
}

// WSListener accepts inbound peer channels on a local HTTP listener.
type WSListener struct {
	addr     string
	server   *http.Server
	listener net.Listener

	mu sync.Mutex
	h  AcceptHandler
}

// NewWSListener binds addr and starts accepting peer dials.
func NewWSListener(addr string) (*WSListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(errors.ErrNoRoute, "failed to bind peer listener", err)
	}

	l := &WSListener{addr: ln.Addr().String(), listener: ln}

	mux := http.NewServeMux()
	mux.HandleFunc("/peer", l.serve)
	l.server = &http.Server{Handler: mux}

	go func() {
		if err := l.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			logging.Error("peer listener stopped", err)
		}
	}()

	return l, nil
}

// SetHandler registers the inbound-channel handler.
func (l *WSListener) SetHandler(h AcceptHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.h = h
}

// Addr returns the bound address peers should dial.
func (l *WSListener) Addr() string { return l.addr }

// Close stops accepting inbound peers.
func (l *WSListener) Close() error {
	return l.server.Close()
}

var peerUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// serve upgrades an inbound dial, reads the hello frame and hands the
// channel to the transport.
func (l *WSListener) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := peerUpgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("peer upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	ch := newWSChannel(conn)

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	frame, err := ch.Receive()
	if err != nil {
		ch.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	var h hello
	if err := json.Unmarshal(frame, &h); err != nil || h.DeviceID == "" {
		logging.Warn("rejecting peer with malformed hello", map[string]interface{}{"error": errString(err)})
		ch.Close()
		return
	}

	l.mu.Lock()
	handler := l.h
	l.mu.Unlock()

	if handler == nil {
		ch.Close()
		return
	}
	handler(h.DeviceID, ch)
}

func errString(err error) string {
	if err == nil {
		return "empty device id"
	}
	return err.Error()
}

var (
	_ Channel  = (*wsChannel)(nil)
	_ Dialer   = (WSDialer{})
	_ Listener = (*WSListener)(nil)
)
