// Package models provides data model definitions for StockNest Core.
package models

import "time"

// ConflictLog records resolved concurrent edits for user awareness.
type ConflictLog struct {
	ID              UUID   `db:"id" json:"id"`
	EntityID        UUID   `db:"entity_id" json:"entity_id"`
	EntityKind      string `db:"entity_kind" json:"entity_kind"`
	RemoteDeviceID  UUID   `db:"remote_device_id" json:"remote_device_id"`
	LocalTimestamp  int64  `db:"local_timestamp" json:"local_timestamp"`
	RemoteTimestamp int64  `db:"remote_timestamp" json:"remote_timestamp"`
	Resolution      string `db:"resolution" json:"resolution"` // local, remote, merge
	DetectedAt      int64  `db:"detected_at" json:"detected_at"`
	ResolvedAt      int64  `db:"resolved_at" json:"resolved_at"`
}

// TableName returns the table name for ConflictLog.
func (ConflictLog) TableName() string {
	return "conflict_log"
}

// DetectedAtTime returns the DetectedAt as time.Time.
func (c *ConflictLog) DetectedAtTime() time.Time {
	return time.Unix(c.DetectedAt, 0)
}

// ResolvedAtTime returns the ResolvedAt as time.Time.
func (c *ConflictLog) ResolvedAtTime() time.Time {
	return time.Unix(c.ResolvedAt, 0)
}
