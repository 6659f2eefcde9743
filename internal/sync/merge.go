package sync

import (
	"bytes"
	"encoding/json"

	"github.com/stocknest/backend/internal/models"
	"github.com/stocknest/backend/internal/uuid"
)

// verdict is the outcome of comparing two versions of one entity.
type verdict int

const (
	keepLocal verdict = iota
	takeRemote
	conflicted
)

// merger accumulates the result of merging one remote snapshot batch.
// Merging is last-write-wins per node: the side modified later wins its own
// fields, children are unioned by id and decided independently. Two versions
// whose timestamps fall within the tolerance window are compared by content;
// equal content is a no-op, differing content becomes a ConflictItem and
// neither version is applied.
type merger struct {
	tolerance    int64 // seconds; zero demands exact timestamp equality
	now          int64
	remoteDevice models.UUID

	conflicts []*models.ConflictItem
}

func newMerger(tolerance, now int64, remoteDevice models.UUID) *merger {
	return &merger{tolerance: tolerance, now: now, remoteDevice: remoteDevice}
}

// decide compares one entity's two versions. The shallow docs carry the
// entity's own fields without children, so a child edit never drags its
// parent into conflict.
func (m *merger) decide(localTS, remoteTS int64, localDoc, remoteDoc []byte) verdict {
	delta := remoteTS - localTS
	if delta > m.tolerance {
		return takeRemote
	}
	if delta < -m.tolerance {
		return keepLocal
	}
	if bytes.Equal(contentKey(localDoc), contentKey(remoteDoc)) {
		return keepLocal
	}
	return conflicted
}

func (m *merger) record(kind string, id models.UUID, localDoc, remoteDoc []byte, localTS, remoteTS int64) {
	m.conflicts = append(m.conflicts, &models.ConflictItem{
		ID:              models.UUID(uuid.New()),
		EntityID:        id,
		EntityKind:      kind,
		Local:           localDoc,
		Remote:          remoteDoc,
		LocalTimestamp:  localTS,
		RemoteTimestamp: remoteTS,
		RemoteDeviceID:  m.remoteDevice,
		DetectedAt:      m.now,
	})
}

// mergeWarehouse merges a remote warehouse tree into the local one. A nil
// local means the warehouse is new here and the remote tree is taken
// verbatim. The returned tree is what the caller persists.
func (m *merger) mergeWarehouse(local, remote *models.Warehouse) *models.Warehouse {
	if local == nil {
		return remote
	}

	out := *local
	localDoc := shallowWarehouse(local)
	remoteDoc := shallowWarehouse(remote)
	switch m.decide(local.ModifiedAt(), remote.ModifiedAt(), localDoc, remoteDoc) {
	case takeRemote:
		out.Name = remote.Name
		out.Description = remote.Description
		out.IsPublic = remote.IsPublic
		out.CreatedAt = remote.CreatedAt
		out.UpdatedAt = remote.UpdatedAt
	case conflicted:
		m.record("warehouse", local.ID, localDoc, remoteDoc, local.ModifiedAt(), remote.ModifiedAt())
	}

	out.Rooms = m.mergeRooms(local.Rooms, remote.Rooms)
	return &out
}

func (m *merger) mergeRooms(local, remote []*models.Room) []*models.Room {
	out := make([]*models.Room, len(local))
	copy(out, local)

	index := make(map[models.UUID]int, len(local))
	for i, r := range local {
		index[r.ID] = i
	}

	for _, rr := range remote {
		if i, ok := index[rr.ID]; ok {
			out[i] = m.mergeRoom(out[i], rr)
		} else {
			out = append(out, rr)
		}
	}
	return out
}

func (m *merger) mergeRoom(local, remote *models.Room) *models.Room {
	out := *local
	localDoc := shallowRoom(local)
	remoteDoc := shallowRoom(remote)
	switch m.decide(local.ModifiedAt(), remote.ModifiedAt(), localDoc, remoteDoc) {
	case takeRemote:
		out.Name = remote.Name
		out.CreatedAt = remote.CreatedAt
		out.UpdatedAt = remote.UpdatedAt
	case conflicted:
		m.record("room", local.ID, localDoc, remoteDoc, local.ModifiedAt(), remote.ModifiedAt())
	}

	out.Containers = m.mergeContainers(local.Containers, remote.Containers)
	return &out
}

func (m *merger) mergeContainers(local, remote []*models.Container) []*models.Container {
	out := make([]*models.Container, len(local))
	copy(out, local)

	index := make(map[models.UUID]int, len(local))
	for i, c := range local {
		index[c.ID] = i
	}

	for _, rc := range remote {
		if i, ok := index[rc.ID]; ok {
			out[i] = m.mergeContainer(out[i], rc)
		} else {
			out = append(out, rc)
		}
	}
	return out
}

func (m *merger) mergeContainer(local, remote *models.Container) *models.Container {
	out := *local
	localDoc := shallowContainer(local)
	remoteDoc := shallowContainer(remote)
	switch m.decide(local.ModifiedAt(), remote.ModifiedAt(), localDoc, remoteDoc) {
	case takeRemote:
		out.Name = remote.Name
		out.CreatedAt = remote.CreatedAt
		out.UpdatedAt = remote.UpdatedAt
	case conflicted:
		m.record("container", local.ID, localDoc, remoteDoc, local.ModifiedAt(), remote.ModifiedAt())
	}

	out.Items = m.mergeItems(local.Items, remote.Items)
	return &out
}

func (m *merger) mergeItems(local, remote []*models.Item) []*models.Item {
	out := make([]*models.Item, len(local))
	copy(out, local)

	index := make(map[models.UUID]int, len(local))
	for i, it := range local {
		index[it.ID] = i
	}

	for _, ri := range remote {
		if i, ok := index[ri.ID]; ok {
			out[i] = m.mergeItem(out[i], ri)
		} else {
			out = append(out, ri)
		}
	}
	return out
}

func (m *merger) mergeItem(local, remote *models.Item) *models.Item {
	out := *local
	localDoc := shallowItem(local)
	remoteDoc := shallowItem(remote)
	switch m.decide(local.ModifiedAt(), remote.ModifiedAt(), localDoc, remoteDoc) {
	case takeRemote:
		return remote
	case conflicted:
		m.record("item", local.ID, localDoc, remoteDoc, local.ModifiedAt(), remote.ModifiedAt())
	}
	return &out
}

// =====================================================
// Shallow snapshots
// =====================================================

// Shallow snapshots serialize an entity without its children. They feed
// both the within-tolerance content compare and ConflictItem payloads.

func shallowWarehouse(w *models.Warehouse) []byte {
	c := *w
	c.Rooms = nil
	doc, _ := json.Marshal(&c)
	return doc
}

func shallowRoom(r *models.Room) []byte {
	c := *r
	c.Containers = nil
	doc, _ := json.Marshal(&c)
	return doc
}

func shallowContainer(ct *models.Container) []byte {
	c := *ct
	c.Items = nil
	doc, _ := json.Marshal(&c)
	return doc
}

func shallowItem(i *models.Item) []byte {
	doc, _ := json.Marshal(i)
	return doc
}

// contentKey re-encodes a shallow snapshot with sorted keys and without
// timestamp fields, so field order and clock skew inside the tolerance
// window never affect content equality.
func contentKey(doc []byte) []byte {
	var v map[string]interface{}
	if err := json.Unmarshal(doc, &v); err != nil {
		return doc
	}
	delete(v, "created_at")
	delete(v, "updated_at")
	out, err := json.Marshal(v)
	if err != nil {
		return doc
	}
	return out
}
