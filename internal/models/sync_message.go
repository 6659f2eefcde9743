// Package models provides data model definitions for StockNest Core.
package models

import "encoding/json"

// RequestKind enumerates sync request types.
type RequestKind string

const (
	RequestKindFull               RequestKind = "full"
	RequestKindIncremental        RequestKind = "incremental"
	RequestKindEntity             RequestKind = "entity"
	RequestKindConflictResolution RequestKind = "conflict_resolution"
)

// ResponseKind enumerates sync response types.
type ResponseKind string

const (
	ResponseKindData     ResponseKind = "data"
	ResponseKindAck      ResponseKind = "ack"
	ResponseKindConflict ResponseKind = "conflict"
	ResponseKindError    ResponseKind = "error"
)

// SyncRequest is a transient protocol message asking a peer for state.
// It lives only for the duration of one exchange and is never persisted.
type SyncRequest struct {
	Kind         RequestKind      `json:"kind"`
	RequestID    UUID             `json:"request_id"`
	DeviceID     UUID             `json:"device_id"`
	LastSyncTime int64            `json:"last_sync_time,omitempty"`
	EntityID     UUID             `json:"entity_id,omitempty"`
	ConflictID   UUID             `json:"conflict_id,omitempty"`
	Choice       ResolutionChoice `json:"choice,omitempty"`
	Timestamp    int64            `json:"timestamp"`
}

// SyncResponse answers a SyncRequest. Kind data carries warehouse snapshots,
// kind conflict carries the conflicts a merge produced, kind error carries a
// structured reason and never implies the connection is broken.
type SyncResponse struct {
	Kind         ResponseKind    `json:"kind"`
	RequestID    UUID            `json:"request_id"`
	DeviceID     UUID            `json:"device_id"`
	Warehouses   []*Warehouse    `json:"warehouses,omitempty"`
	Conflicts    []*ConflictItem `json:"conflicts,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Timestamp    int64           `json:"timestamp"`
}

// ChangeNotice is the lightweight notification broadcast after local edits.
// It names the changed entity without carrying its payload; receivers pull
// the entity with an entity sync request.
type ChangeNotice struct {
	DeviceID   UUID   `json:"device_id"`
	EntityID   UUID   `json:"entity_id"`
	EntityKind string `json:"entity_kind"`
	Timestamp  int64  `json:"timestamp"`
}

// PeerMessage types.
const (
	PeerMessageRequest  = "sync_request"
	PeerMessageResponse = "sync_response"
	PeerMessageChange   = "change_notice"
)

// PeerMessage is the wire envelope exchanged on a direct peer channel.
// Exactly one of Request, Response or Change is set, matching Type.
type PeerMessage struct {
	Type     string        `json:"type"`
	Request  *SyncRequest  `json:"request,omitempty"`
	Response *SyncResponse `json:"response,omitempty"`
	Change   *ChangeNotice `json:"change,omitempty"`
}

// Encode marshals the message for the wire.
func (m *PeerMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodePeerMessage unmarshals a wire message.
func DecodePeerMessage(data []byte) (*PeerMessage, error) {
	var m PeerMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
