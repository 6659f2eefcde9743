// Package transport manages direct device-to-device message channels.
package transport

import (
	"sync"

	"github.com/stocknest/backend/internal/errors"
	"github.com/stocknest/backend/internal/models"
)

// Channel is one bidirectional ordered byte-message channel to a peer.
// Send and Receive preserve order for the lifetime of the channel instance;
// a re-negotiated connection starts a fresh ordering domain.
type Channel interface {
	// Send writes one message. Safe for concurrent use.
	Send(data []byte) error

	// Receive blocks until the next message or a terminal error.
	Receive() ([]byte, error)

	// Close tears the channel down; a blocked Receive returns an error.
	Close() error
}

// Dialer establishes an outbound channel to a peer's listen address,
// identifying the local device to the remote side.
type Dialer interface {
	Dial(addr string, localDevice models.UUID) (Channel, error)
}

// AcceptHandler receives inbound channels together with the remote device id.
type AcceptHandler func(deviceID models.UUID, ch Channel)

// Listener accepts inbound peer channels.
type Listener interface {
	// SetHandler registers the inbound-channel handler. Must be called
	// before the listener starts accepting.
	SetHandler(h AcceptHandler)

	// Addr returns the address peers should dial.
	Addr() string

	// Close stops accepting and closes the listen socket.
	Close() error
}

// =====================================================
// In-memory network (tests, single-process runs)
// =====================================================

// MemNetwork wires MemListeners and mem dialers together by address.
type MemNetwork struct {
	mu        sync.Mutex
	listeners map[string]*MemListener
}

// NewMemNetwork creates an empty in-memory network.
func NewMemNetwork() *MemNetwork {
	return &MemNetwork{listeners: make(map[string]*MemListener)}
}

// Listen registers a listener at addr.
func (n *MemNetwork) Listen(addr string) *MemListener {
	n.mu.Lock()
	defer n.mu.Unlock()

	l := &MemListener{net: n, addr: addr}
	n.listeners[addr] = l
	return l
}

// Dial implements Dialer against the in-memory network.
func (n *MemNetwork) Dial(addr string, localDevice models.UUID) (Channel, error) {
	n.mu.Lock()
	l, ok := n.listeners[addr]
	n.mu.Unlock()

	if !ok || l.closed {
		return nil, errors.New(errors.ErrNoRoute, "no listener at "+addr)
	}

	local, remote := newMemPipe()
	l.deliver(localDevice, remote)
	return local, nil
}

// MemListener is the in-memory Listener.
type MemListener struct {
	net    *MemNetwork
	addr   string
	mu     sync.Mutex
	h      AcceptHandler
	closed bool
}

// SetHandler registers the inbound-channel handler.
func (l *MemListener) SetHandler(h AcceptHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.h = h
}

// Addr returns the registered address.
func (l *MemListener) Addr() string { return l.addr }

// Close removes the listener from the network.
func (l *MemListener) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	l.net.mu.Lock()
	delete(l.net.listeners, l.addr)
	l.net.mu.Unlock()
	return nil
}

func (l *MemListener) deliver(deviceID models.UUID, ch Channel) {
	l.mu.Lock()
	h := l.h
	l.mu.Unlock()
	if h != nil {
		h(deviceID, ch)
	} else {
		ch.Close()
	}
}

// memChannel is one end of an in-memory pipe.
type memChannel struct {
	out  chan []byte
	in   chan []byte
	once sync.Once
	done chan struct{}
	peer *memChannel
}

// newMemPipe returns two connected channel ends.
func newMemPipe() (*memChannel, *memChannel) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	a := &memChannel{out: ab, in: ba, done: make(chan struct{})}
	b := &memChannel{out: ba, in: ab, done: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

func (c *memChannel) Send(data []byte) error {
	select {
	case <-c.done:
		return errors.New(errors.ErrChannelClosed, "channel closed")
	case <-c.peer.done:
		return errors.New(errors.ErrChannelClosed, "peer closed")
	case c.out <- data:
		return nil
	}
}

func (c *memChannel) Receive() ([]byte, error) {
	select {
	case <-c.done:
		return nil, errors.New(errors.ErrChannelClosed, "channel closed")
	case data, ok := <-c.in:
		if !ok {
			return nil, errors.New(errors.ErrChannelClosed, "peer closed")
		}
		return data, nil
	case <-c.peer.done:
		// Drain anything already in flight before reporting the close.
		select {
		case data := <-c.in:
			return data, nil
		default:
			return nil, errors.New(errors.ErrChannelClosed, "peer closed")
		}
	}
}

func (c *memChannel) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

var (
	_ Channel  = (*memChannel)(nil)
	_ Dialer   = (*MemNetwork)(nil)
	_ Listener = (*MemListener)(nil)
)
