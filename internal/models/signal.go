// Package models provides data model definitions for StockNest Core.
package models

import "encoding/json"

// SignalType enumerates signaling envelope types.
type SignalType string

const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalDiscovery SignalType = "device-discovery"
)

// SignalEnvelope is the message carried by the signaling channel, the
// out-of-band rendezvous every device can publish to and observe. Devices
// ignore envelopes whose TargetID is neither their own id nor "broadcast".
type SignalEnvelope struct {
	SenderID  UUID            `json:"sender_id"`
	TargetID  UUID            `json:"target_id"`
	Type      SignalType      `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// AddressedTo reports whether a device with the given id should handle the
// envelope.
func (e *SignalEnvelope) AddressedTo(deviceID UUID) bool {
	return e.TargetID == deviceID || e.TargetID == BroadcastTarget
}

// Offer is the negotiation payload published by a connection initiator.
// It advertises the address the responder should expect a dial from, and
// the answer advertises the address the initiator must dial.
type Offer struct {
	DeviceID UUID   `json:"device_id"`
	Name     string `json:"name"`
	Address  string `json:"address"`
}

// Answer is the responder's reply to an Offer.
type Answer struct {
	DeviceID UUID   `json:"device_id"`
	Name     string `json:"name"`
	Address  string `json:"address"`
}

// Announcement is the periodic device-discovery payload.
type Announcement struct {
	DeviceID     UUID   `json:"device_id"`
	Name         string `json:"name"`
	Capabilities string `json:"capabilities,omitempty"`
	Address      string `json:"address,omitempty"`
}
