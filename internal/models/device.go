// Package models provides data model definitions for StockNest Core.
package models

import (
	"strings"
	"time"
)

// Device identifies one StockNest installation. Created on first launch,
// persisted locally, never deleted; it may become stale if the device stops
// announcing, but staleness is detected by the transport layer, not here.
type Device struct {
	ID           UUID   `db:"id" json:"id"`
	Name         string `db:"name" json:"name"`
	Capabilities string `db:"capabilities" json:"capabilities"` // Comma-separated tags
	Address      string `db:"address" json:"address,omitempty"` // Best-effort, may be stale
	CreatedAt    int64  `db:"created_at" json:"created_at"`
	LastSeenAt   int64  `db:"last_seen_at" json:"last_seen_at"`
}

// TableName returns the table name for Device.
func (Device) TableName() string {
	return "devices"
}

// CapabilityList splits the comma-separated capability tags.
func (d *Device) CapabilityList() []string {
	if d.Capabilities == "" {
		return nil
	}
	return strings.Split(d.Capabilities, ",")
}

// HasCapability reports whether the device advertises the given tag.
func (d *Device) HasCapability(tag string) bool {
	for _, c := range d.CapabilityList() {
		if c == tag {
			return true
		}
	}
	return false
}

// Seen updates the LastSeenAt timestamp.
func (d *Device) Seen() {
	d.LastSeenAt = time.Now().Unix()
}

// LastSeenTime returns LastSeenAt as time.Time.
func (d *Device) LastSeenTime() time.Time {
	return time.Unix(d.LastSeenAt, 0)
}
