// Package signal provides the out-of-band signaling channel StockNest
// devices use to discover each other and negotiate direct connections.
// A signaling channel is a publish/observe medium reachable by every device
// on the local network; it never carries inventory data, only envelopes.
package signal

import "github.com/stocknest/backend/internal/models"

// Handler receives observed envelopes.
type Handler func(env *models.SignalEnvelope)

// Channel is the publish/observe primitive. Implementations deliver every
// published envelope to all subscribers except (optionally) the publisher;
// subscribers filter by TargetID themselves via SignalEnvelope.AddressedTo.
type Channel interface {
	// Publish sends an envelope to every device observing the channel.
	Publish(env *models.SignalEnvelope) error

	// Subscribe registers a handler and returns an unsubscribe function.
	Subscribe(h Handler) (unsubscribe func())

	// Close tears the channel down; further publishes fail.
	Close() error
}
