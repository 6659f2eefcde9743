// Package signal provides signaling channel implementations.
package signal

import (
	"sync"

	"github.com/stocknest/backend/internal/errors"
	"github.com/stocknest/backend/internal/models"
)

// Loopback is an in-process signaling channel. Tests and single-host runs
// attach every participant to one Loopback; envelopes are delivered
// synchronously to all subscribers, including the publisher's own handlers
// (the transport drops self-originated envelopes by sender id).
type Loopback struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]Handler
	closed bool
}

// NewLoopback creates an in-process signaling channel.
func NewLoopback() *Loopback {
	return &Loopback{subs: make(map[int]Handler)}
}

// Publish delivers the envelope to every subscriber.
func (l *Loopback) Publish(env *models.SignalEnvelope) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return errors.New(errors.ErrSignalClosed, "loopback channel closed")
	}
	handlers := make([]Handler, 0, len(l.subs))
	for _, h := range l.subs {
		handlers = append(handlers, h)
	}
	l.mu.Unlock()

	for _, h := range handlers {
		h(env)
	}
	return nil
}

// Subscribe registers a handler and returns an unsubscribe function.
func (l *Loopback) Subscribe(h Handler) func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextID
	l.nextID++
	l.subs[id] = h

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.subs, id)
	}
}

// Close tears the channel down.
func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.subs = make(map[int]Handler)
	return nil
}

var _ Channel = (*Loopback)(nil)
