package sync

import (
	"sync"

	"github.com/stocknest/backend/internal/models"
)

// Event names emitted by the engine. Subscribers register explicitly; there
// is no implicit delivery order between subscribers.
type Event string

const (
	EventPeerConnected         Event = "peer-connected"
	EventPeerDisconnected      Event = "peer-disconnected"
	EventSyncDataReceived      Event = "sync-data-received"
	EventSyncConflictsDetected Event = "sync-conflicts-detected"
	EventSyncConflictsReceived Event = "sync-conflicts-received"
	EventConflictResolved      Event = "conflict-resolved"
)

// PeerEvent accompanies peer-connected and peer-disconnected.
type PeerEvent struct {
	DeviceID models.UUID
}

// DataEvent accompanies sync-data-received.
type DataEvent struct {
	DeviceID   models.UUID
	Warehouses int
}

// ConflictsEvent accompanies sync-conflicts-detected and
// sync-conflicts-received.
type ConflictsEvent struct {
	DeviceID  models.UUID
	Conflicts []*models.ConflictItem
}

// ResolvedEvent accompanies conflict-resolved.
type ResolvedEvent struct {
	ConflictID models.UUID
	Choice     models.ResolutionChoice
}

// Emitter is a fire-and-forget event fan-out. Handlers run synchronously on
// the emitting goroutine; a handler that blocks stalls the emit.
type Emitter struct {
	mu     sync.Mutex
	nextID int
	subs   map[Event]map[int]func(payload interface{})
}

// NewEmitter creates an Emitter.
func NewEmitter() *Emitter {
	return &Emitter{subs: make(map[Event]map[int]func(interface{}))}
}

// Subscribe registers a handler for one event and returns an unsubscribe
// function.
func (e *Emitter) Subscribe(ev Event, fn func(payload interface{})) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.subs[ev] == nil {
		e.subs[ev] = make(map[int]func(interface{}))
	}
	id := e.nextID
	e.nextID++
	e.subs[ev][id] = fn

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.subs[ev], id)
	}
}

// Emit delivers the payload to every handler registered for ev.
func (e *Emitter) Emit(ev Event, payload interface{}) {
	e.mu.Lock()
	handlers := make([]func(interface{}), 0, len(e.subs[ev]))
	for _, fn := range e.subs[ev] {
		handlers = append(handlers, fn)
	}
	e.mu.Unlock()

	for _, fn := range handlers {
		fn(payload)
	}
}
