// Package models provides data model definitions for StockNest Core.
package models

import (
	"encoding/json"
	"time"
)

// ResolutionChoice selects the outcome applied to a conflict.
type ResolutionChoice string

const (
	ResolutionLocal  ResolutionChoice = "local"
	ResolutionRemote ResolutionChoice = "remote"
	ResolutionMerge  ResolutionChoice = "merge"
)

// ConflictItem captures two versions of one entity whose last-modified
// timestamps are indistinguishable but whose content differs. It exists only
// between merge and resolution; the conflict_log table keeps the audit trail.
type ConflictItem struct {
	ID              UUID            `json:"id"`
	EntityID        UUID            `json:"entity_id"`
	EntityKind      string          `json:"entity_kind"` // warehouse, room, container, item
	Local           json.RawMessage `json:"local"`
	Remote          json.RawMessage `json:"remote"`
	LocalTimestamp  int64           `json:"local_timestamp"`
	RemoteTimestamp int64           `json:"remote_timestamp"`
	RemoteDeviceID  UUID            `json:"remote_device_id"`
	DetectedAt      int64           `json:"detected_at"`
}

// DetectedAtTime returns DetectedAt as time.Time.
func (c *ConflictItem) DetectedAtTime() time.Time {
	return time.Unix(c.DetectedAt, 0)
}
