package queue

import (
	"fmt"
	"testing"

	"github.com/stocknest/backend/internal/models"
)

const (
	peerA models.UUID = "aaaaaaaa-aaaa-4aaa-8aaa-aaaaaaaaaaaa"
	peerB models.UUID = "bbbbbbbb-bbbb-4bbb-8bbb-bbbbbbbbbbbb"
)

func notice(entityID models.UUID, ts int64) models.ChangeNotice {
	return models.ChangeNotice{
		EntityID:   entityID,
		EntityKind: "warehouse",
		Timestamp:  ts,
	}
}

func TestAddAndDrain(t *testing.T) {
	o := NewOutbox(0)

	o.Add(peerA, notice("w1", 100))
	o.Add(peerA, notice("w2", 101))

	if got := o.PendingFor(peerA); got != 2 {
		t.Fatalf("pending = %d, want 2", got)
	}

	drained := o.Drain(peerA)
	if len(drained) != 2 {
		t.Fatalf("drained %d notices, want 2", len(drained))
	}
	if drained[0].EntityID != "w1" || drained[1].EntityID != "w2" {
		t.Fatalf("drain order wrong: %s, %s", drained[0].EntityID, drained[1].EntityID)
	}
	if got := o.PendingFor(peerA); got != 0 {
		t.Fatalf("pending = %d after drain, want 0", got)
	}
	if again := o.Drain(peerA); len(again) != 0 {
		t.Fatalf("second drain returned %d notices", len(again))
	}
}

func TestSameEntityCoalesces(t *testing.T) {
	o := NewOutbox(0)

	o.Add(peerA, notice("w1", 100))
	o.Add(peerA, notice("w1", 200))
	o.Add(peerA, notice("w1", 300))

	drained := o.Drain(peerA)
	if len(drained) != 1 {
		t.Fatalf("drained %d notices, want 1 (coalesced)", len(drained))
	}
	if drained[0].Timestamp != 300 {
		t.Fatalf("kept timestamp %d, want the latest (300)", drained[0].Timestamp)
	}
}

func TestPeersAreIndependent(t *testing.T) {
	o := NewOutbox(0)

	o.Add(peerA, notice("w1", 100))
	o.Add(peerB, notice("w1", 100))
	o.Add(peerB, notice("w2", 101))

	if got := o.Drain(peerA); len(got) != 1 {
		t.Fatalf("peerA drained %d, want 1", len(got))
	}
	if got := o.PendingFor(peerB); got != 2 {
		t.Fatalf("peerB pending = %d after peerA drain, want 2", got)
	}
}

func TestCapDropsOldest(t *testing.T) {
	o := NewOutbox(3)

	for i := 0; i < 5; i++ {
		id := models.UUID(fmt.Sprintf("w%d", i))
		o.Add(peerA, notice(id, int64(i)))
	}

	drained := o.Drain(peerA)
	if len(drained) != 3 {
		t.Fatalf("drained %d notices, want 3 (capped)", len(drained))
	}
	if drained[0].EntityID != "w2" {
		t.Fatalf("oldest surviving notice is %s, want w2", drained[0].EntityID)
	}
}

func TestClear(t *testing.T) {
	o := NewOutbox(0)
	o.Add(peerA, notice("w1", 100))
	o.Add(peerB, notice("w2", 101))

	o.Clear()

	if got := len(o.Peers()); got != 0 {
		t.Fatalf("%d peers still pending after Clear", got)
	}
}
