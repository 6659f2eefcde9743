package sync

import (
	"testing"

	"github.com/stocknest/backend/internal/models"
)

const mergePeer models.UUID = "dd000000-0000-4000-8000-000000000001"

func mergeOne(t *testing.T, tolerance int64, local, remote *models.Warehouse) (*models.Warehouse, []*models.ConflictItem) {
	t.Helper()
	m := newMerger(tolerance, 5000, mergePeer)
	merged := m.mergeWarehouse(local, remote)
	return merged, m.conflicts
}

func baseWarehouse() *models.Warehouse {
	return &models.Warehouse{
		ID: "w1", Name: "Garage", IsPublic: true, CreatedAt: 100, UpdatedAt: 100,
		Rooms: []*models.Room{
			{
				ID: "r1", WarehouseID: "w1", Name: "Shelf wall", CreatedAt: 100, UpdatedAt: 100,
				Containers: []*models.Container{
					{
						ID: "c1", RoomID: "r1", Name: "Red box", CreatedAt: 100, UpdatedAt: 100,
						Items: []*models.Item{
							{ID: "i1", ContainerID: "c1", Name: "Widget", Quantity: 5,
								Unit: "pcs", CreatedAt: 100, UpdatedAt: 100},
						},
					},
				},
			},
		},
	}
}

func TestMergeInsertsUnknownWarehouse(t *testing.T) {
	remote := baseWarehouse()

	merged, conflicts := mergeOne(t, 0, nil, remote)

	if len(conflicts) != 0 {
		t.Fatalf("conflicts = %d, want 0", len(conflicts))
	}
	if merged != remote {
		t.Fatal("absent local must take the remote tree verbatim")
	}
}

func TestMergeNewerRemoteWins(t *testing.T) {
	local := baseWarehouse()
	remote := baseWarehouse()
	remote.Name = "Workshop"
	remote.UpdatedAt = 200

	merged, conflicts := mergeOne(t, 0, local, remote)

	if len(conflicts) != 0 {
		t.Fatalf("conflicts = %d, want 0", len(conflicts))
	}
	if merged.Name != "Workshop" || merged.UpdatedAt != 200 {
		t.Fatalf("newer remote did not win: %+v", merged)
	}
}

func TestMergeNewerLocalKept(t *testing.T) {
	local := baseWarehouse()
	local.Name = "Workshop"
	local.UpdatedAt = 200
	remote := baseWarehouse()

	merged, conflicts := mergeOne(t, 0, local, remote)

	if len(conflicts) != 0 {
		t.Fatalf("conflicts = %d, want 0", len(conflicts))
	}
	if merged.Name != "Workshop" || merged.UpdatedAt != 200 {
		t.Fatalf("newer local was overwritten: %+v", merged)
	}
}

func TestMergeEqualTimestampsSameContent(t *testing.T) {
	_, conflicts := mergeOne(t, 0, baseWarehouse(), baseWarehouse())

	if len(conflicts) != 0 {
		t.Fatalf("identical trees produced %d conflicts", len(conflicts))
	}
}

func TestMergeEqualTimestampsDifferentContent(t *testing.T) {
	local := baseWarehouse()
	remote := baseWarehouse()
	remote.Rooms[0].Containers[0].Items[0].Quantity = 9

	merged, conflicts := mergeOne(t, 0, local, remote)

	if len(conflicts) != 1 {
		t.Fatalf("conflicts = %d, want 1", len(conflicts))
	}
	c := conflicts[0]
	if c.EntityKind != "item" || c.EntityID != "i1" {
		t.Fatalf("conflict on %s %s, want item i1", c.EntityKind, c.EntityID)
	}
	if c.RemoteDeviceID != mergePeer || c.DetectedAt != 5000 {
		t.Fatalf("conflict attribution: %+v", c)
	}

	// Neither version applies while the conflict is open.
	if got := merged.Rooms[0].Containers[0].Items[0].Quantity; got != 5 {
		t.Fatalf("conflicted item quantity = %v, want untouched local 5", got)
	}
}

func TestMergeItemConflictLeavesParentsAlone(t *testing.T) {
	local := baseWarehouse()
	remote := baseWarehouse()
	remote.Rooms[0].Containers[0].Items[0].Quantity = 9

	_, conflicts := mergeOne(t, 0, local, remote)

	for _, c := range conflicts {
		if c.EntityKind != "item" {
			t.Fatalf("unexpected %s conflict; a child edit must not conflict its parents", c.EntityKind)
		}
	}
}

func TestMergeUnionsChildren(t *testing.T) {
	local := baseWarehouse()
	local.Rooms[0].Containers[0].Items = append(local.Rooms[0].Containers[0].Items,
		&models.Item{ID: "i-local", ContainerID: "c1", Name: "Hammer", Quantity: 1,
			CreatedAt: 150, UpdatedAt: 150})

	remote := baseWarehouse()
	remote.Rooms[0].Containers[0].Items = append(remote.Rooms[0].Containers[0].Items,
		&models.Item{ID: "i-remote", ContainerID: "c1", Name: "Pliers", Quantity: 2,
			CreatedAt: 160, UpdatedAt: 160})

	merged, conflicts := mergeOne(t, 0, local, remote)

	if len(conflicts) != 0 {
		t.Fatalf("conflicts = %d, want 0", len(conflicts))
	}
	items := merged.Rooms[0].Containers[0].Items
	if len(items) != 3 {
		t.Fatalf("merged items = %d, want 3 (union)", len(items))
	}
	ids := map[models.UUID]bool{}
	for _, it := range items {
		ids[it.ID] = true
	}
	if !ids["i1"] || !ids["i-local"] || !ids["i-remote"] {
		t.Fatalf("union missing members: %v", ids)
	}
}

func TestMergeCreatedAtFallback(t *testing.T) {
	// UpdatedAt zero on both sides; CreatedAt decides.
	local := baseWarehouse()
	local.UpdatedAt = 0
	local.CreatedAt = 100
	remote := baseWarehouse()
	remote.UpdatedAt = 0
	remote.CreatedAt = 300
	remote.Name = "Workshop"

	merged, conflicts := mergeOne(t, 0, local, remote)

	if len(conflicts) != 0 {
		t.Fatalf("conflicts = %d, want 0", len(conflicts))
	}
	if merged.Name != "Workshop" {
		t.Fatal("CreatedAt fallback did not pick the newer remote")
	}
}

func TestMergeToleranceWindow(t *testing.T) {
	// 2 seconds apart with identical content: inside a 5s window this is
	// clock skew, not an edit.
	local := baseWarehouse()
	remote := baseWarehouse()
	remote.UpdatedAt = 102
	for _, r := range remote.Rooms {
		r.UpdatedAt = 102
		for _, c := range r.Containers {
			c.UpdatedAt = 102
			for _, i := range c.Items {
				i.UpdatedAt = 102
			}
		}
	}

	_, conflicts := mergeOne(t, 5, local, remote)
	if len(conflicts) != 0 {
		t.Fatalf("skewed but identical trees produced %d conflicts", len(conflicts))
	}

	// Same skew with differing content is a real conflict.
	remote.Rooms[0].Containers[0].Items[0].Quantity = 9
	_, conflicts = mergeOne(t, 5, baseWarehouse(), remote)
	if len(conflicts) != 1 {
		t.Fatalf("conflicts = %d, want 1", len(conflicts))
	}
}
