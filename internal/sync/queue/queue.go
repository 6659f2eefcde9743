// Package queue provides the outbox for change notices that could not be
// delivered. Notices for a disconnected peer wait here and are drained
// when the peer's channel comes back.
package queue

import (
	"sync"

	"github.com/stocknest/backend/internal/logging"
	"github.com/stocknest/backend/internal/models"
)

// DefaultMaxPerPeer bounds how many undelivered notices one peer can
// accumulate before the oldest are dropped. Notices are hints, not data:
// a dropped notice costs nothing beyond a later, larger sync.
const DefaultMaxPerPeer = 256

// Outbox holds undelivered change notices keyed by peer.
type Outbox struct {
	mu         sync.Mutex
	maxPerPeer int
	pending    map[models.UUID][]models.ChangeNotice
}

// NewOutbox creates an Outbox. maxPerPeer <= 0 selects the default cap.
func NewOutbox(maxPerPeer int) *Outbox {
	if maxPerPeer <= 0 {
		maxPerPeer = DefaultMaxPerPeer
	}
	return &Outbox{
		maxPerPeer: maxPerPeer,
		pending:    make(map[models.UUID][]models.ChangeNotice),
	}
}

// Add queues a notice for peer. A queued notice for the same entity is
// replaced rather than duplicated; when the peer's queue is full the
// oldest notice is dropped.
func (o *Outbox) Add(peer models.UUID, notice models.ChangeNotice) {
	o.mu.Lock()
	defer o.mu.Unlock()

	notices := o.pending[peer]
	for i, existing := range notices {
		if existing.EntityID == notice.EntityID {
			notices[i] = notice
			return
		}
	}

	if len(notices) >= o.maxPerPeer {
		logging.Debug("outbox full, dropping oldest notice", map[string]interface{}{
			"peer": peer.String(),
		})
		notices = notices[1:]
	}
	o.pending[peer] = append(notices, notice)
}

// Drain returns and clears every queued notice for peer, oldest first.
func (o *Outbox) Drain(peer models.UUID) []models.ChangeNotice {
	o.mu.Lock()
	defer o.mu.Unlock()

	notices := o.pending[peer]
	delete(o.pending, peer)
	return notices
}

// PendingFor reports how many notices wait for peer.
func (o *Outbox) PendingFor(peer models.UUID) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending[peer])
}

// Peers returns every peer with queued notices.
func (o *Outbox) Peers() []models.UUID {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]models.UUID, 0, len(o.pending))
	for peer := range o.pending {
		out = append(out, peer)
	}
	return out
}

// Clear drops everything.
func (o *Outbox) Clear() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending = make(map[models.UUID][]models.ChangeNotice)
}
