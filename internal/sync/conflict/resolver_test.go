package conflict

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/stocknest/backend/internal/errors"
	"github.com/stocknest/backend/internal/models"
	"github.com/stocknest/backend/internal/store"
)

func newTestResolver(t *testing.T) (*Resolver, *store.Repository, clockwork.FakeClock) {
	t.Helper()

	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := store.Migrate(db.DB); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	repo := store.NewRepository(db)
	clock := clockwork.NewFakeClockAt(time.Unix(1000, 0))
	return NewResolver(repo, clock), repo, clock
}

// seedWarehouse stores a tree with one item and returns it.
func seedWarehouse(t *testing.T, repo *store.Repository) *models.Warehouse {
	t.Helper()

	w := &models.Warehouse{
		ID: "w1", Name: "Garage", IsPublic: true, CreatedAt: 100, UpdatedAt: 100,
		Rooms: []*models.Room{
			{
				ID: "r1", Name: "Shelf wall", CreatedAt: 100, UpdatedAt: 100,
				Containers: []*models.Container{
					{
						ID: "c1", Name: "Red box", CreatedAt: 100, UpdatedAt: 100,
						Items: []*models.Item{
							{ID: "i1", Name: "Widget", Quantity: 5, Unit: "pcs",
								Metadata: "left shelf", CreatedAt: 100, UpdatedAt: 100},
						},
					},
				},
			},
		},
	}
	if err := repo.SaveWarehouse(w); err != nil {
		t.Fatalf("SaveWarehouse() error = %v", err)
	}
	return w
}

// itemConflict builds a conflict for item i1 between the seeded local
// version and a remote edit.
func itemConflict(t *testing.T) *models.ConflictItem {
	t.Helper()

	local := models.Item{ID: "i1", ContainerID: "c1", Name: "Widget", Quantity: 5,
		Unit: "pcs", Metadata: "left shelf", CreatedAt: 100, UpdatedAt: 100}
	remote := models.Item{ID: "i1", ContainerID: "c1", Name: "Widget", Quantity: 8,
		Unit: "pcs", Metadata: "moved to garage", CreatedAt: 100, UpdatedAt: 100}

	localDoc, _ := json.Marshal(local)
	remoteDoc, _ := json.Marshal(remote)

	return &models.ConflictItem{
		ID:              "conf-1",
		EntityID:        "i1",
		EntityKind:      "item",
		Local:           localDoc,
		Remote:          remoteDoc,
		LocalTimestamp:  100,
		RemoteTimestamp: 100,
		RemoteDeviceID:  "dev-remote",
		DetectedAt:      900,
	}
}

func loadItem(t *testing.T, repo *store.Repository) *models.Item {
	t.Helper()

	w, err := repo.GetWarehouse("w1")
	if err != nil {
		t.Fatalf("GetWarehouse() error = %v", err)
	}
	return w.Rooms[0].Containers[0].Items[0]
}

func TestResolveLocalKeepsLocal(t *testing.T) {
	r, repo, _ := newTestResolver(t)
	seedWarehouse(t, repo)

	if _, err := r.Resolve(itemConflict(t), models.ResolutionLocal); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	item := loadItem(t, repo)
	if item.Quantity != 5 || item.Metadata != "left shelf" {
		t.Fatalf("local choice did not keep the local version: %+v", item)
	}
	if item.UpdatedAt != 1000 {
		t.Fatalf("UpdatedAt = %d, want resolution time 1000", item.UpdatedAt)
	}
}

func TestResolveRemoteOverwrites(t *testing.T) {
	r, repo, _ := newTestResolver(t)
	seedWarehouse(t, repo)

	if _, err := r.Resolve(itemConflict(t), models.ResolutionRemote); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	item := loadItem(t, repo)
	if item.Quantity != 8 || item.Metadata != "moved to garage" {
		t.Fatalf("remote choice did not apply the remote version: %+v", item)
	}
}

func TestResolveMergeCombinesFields(t *testing.T) {
	r, repo, _ := newTestResolver(t)
	seedWarehouse(t, repo)

	if _, err := r.Resolve(itemConflict(t), models.ResolutionMerge); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	item := loadItem(t, repo)
	// Scalars take the remote value; differing text is kept side by side.
	if item.Quantity != 8 {
		t.Fatalf("Quantity = %v, want remote value 8", item.Quantity)
	}
	if item.Metadata != "left shelf | moved to garage" {
		t.Fatalf("Metadata = %q, want both versions joined", item.Metadata)
	}
	if item.Name != "Widget" {
		t.Fatalf("Name = %q, equal text must not be doubled", item.Name)
	}
}

func TestResolveWritesConflictLog(t *testing.T) {
	r, repo, _ := newTestResolver(t)
	seedWarehouse(t, repo)

	if _, err := r.Resolve(itemConflict(t), models.ResolutionRemote); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	logs, err := repo.ListConflictLogs(10)
	if err != nil {
		t.Fatalf("ListConflictLogs() error = %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("conflict log rows = %d, want 1", len(logs))
	}
	row := logs[0]
	if row.EntityID != "i1" || row.EntityKind != "item" {
		t.Fatalf("log row entity: %+v", row)
	}
	if row.Resolution != "remote" || row.ResolvedAt != 1000 {
		t.Fatalf("log row outcome: resolution=%q resolved_at=%d", row.Resolution, row.ResolvedAt)
	}
}

func TestResolveUnknownEntity(t *testing.T) {
	r, repo, _ := newTestResolver(t)
	seedWarehouse(t, repo)

	c := itemConflict(t)
	c.EntityID = "nope"

	_, err := r.Resolve(c, models.ResolutionRemote)
	if err == nil {
		t.Fatal("Resolve() accepted a conflict for an unknown entity")
	}
	if errors.CodeOf(err) != errors.ErrEntityNotFound {
		t.Fatalf("error code = %v, want %v", errors.CodeOf(err), errors.ErrEntityNotFound)
	}
}

func TestResolveWarehouseConflictInsertsMissingTree(t *testing.T) {
	r, repo, _ := newTestResolver(t)

	remote := models.Warehouse{ID: "w9", Name: "Attic", IsPublic: true, CreatedAt: 50, UpdatedAt: 60}
	local := models.Warehouse{ID: "w9", Name: "Loft", IsPublic: true, CreatedAt: 50, UpdatedAt: 60}
	localDoc, _ := json.Marshal(&local)
	remoteDoc, _ := json.Marshal(&remote)

	c := &models.ConflictItem{
		ID: "conf-w", EntityID: "w9", EntityKind: "warehouse",
		Local: localDoc, Remote: remoteDoc,
		LocalTimestamp: 60, RemoteTimestamp: 60,
		RemoteDeviceID: "dev-remote", DetectedAt: 900,
	}

	if _, err := r.Resolve(c, models.ResolutionRemote); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	w, err := repo.GetWarehouse("w9")
	if err != nil {
		t.Fatalf("GetWarehouse() error = %v", err)
	}
	if w.Name != "Attic" {
		t.Fatalf("Name = %q, want Attic", w.Name)
	}
}

func TestResolveInvalidChoice(t *testing.T) {
	r, repo, _ := newTestResolver(t)
	seedWarehouse(t, repo)

	_, err := r.Resolve(itemConflict(t), models.ResolutionChoice("coin-flip"))
	if err == nil {
		t.Fatal("Resolve() accepted an unknown choice")
	}
	if errors.CodeOf(err) != errors.ErrConflictInvalid {
		t.Fatalf("error code = %v, want %v", errors.CodeOf(err), errors.ErrConflictInvalid)
	}
}

func TestMergeDocumentsDeterministic(t *testing.T) {
	local := json.RawMessage(`{"id":"i1","name":"Widget","quantity":5,"metadata":"left"}`)
	remote := json.RawMessage(`{"id":"i1","name":"Widget","quantity":8,"metadata":"right"}`)

	first, err := mergeDocuments(local, remote)
	if err != nil {
		t.Fatalf("mergeDocuments() error = %v", err)
	}
	second, err := mergeDocuments(local, remote)
	if err != nil {
		t.Fatalf("mergeDocuments() error = %v", err)
	}
	if string(first) != string(second) {
		t.Fatalf("merge is not deterministic:\n%s\n%s", first, second)
	}

	var out map[string]interface{}
	if err := json.Unmarshal(first, &out); err != nil {
		t.Fatal(err)
	}
	if out["quantity"].(float64) != 8 {
		t.Fatalf("quantity = %v, want remote 8", out["quantity"])
	}
	if out["metadata"] != "left | right" {
		t.Fatalf("metadata = %v", out["metadata"])
	}
	if out["id"] != "i1" {
		t.Fatalf("id = %v", out["id"])
	}
}
