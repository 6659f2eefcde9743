package sync

import (
	"github.com/stocknest/backend/internal/models"
)

// SyncEngine is the engine surface consumed by the daemon's API layer.
// Transport wiring (HandlePeerMessage and friends) is deliberately not part
// of it; only the composition root touches those.
type SyncEngine interface {
	// RequestFullSync starts a full exchange with a peer.
	RequestFullSync(deviceID models.UUID) error

	// RequestIncrementalSync starts an exchange limited to entities changed
	// since the last completed sync with the peer.
	RequestIncrementalSync(deviceID models.UUID) error

	// RequestEntitySync fetches the warehouse tree holding one entity.
	RequestEntitySync(deviceID, entityID models.UUID) error

	// NotifyLocalChange schedules a debounced change broadcast.
	NotifyLocalChange(entityID models.UUID, entityKind string)

	// PendingConflicts lists conflicts awaiting a decision.
	PendingConflicts() []*models.ConflictItem

	// ResolveConflict applies a choice to a pending conflict.
	ResolveConflict(conflictID models.UUID, choice models.ResolutionChoice) error

	// Events exposes the engine's event emitter.
	Events() *Emitter

	// Stop cancels pending background work.
	Stop()
}

// Ensure *Engine implements the interface at compile time.
var _ SyncEngine = (*Engine)(nil)
