package sync

import (
	"testing"

	"github.com/stocknest/backend/internal/models"
)

func TestEmitterDeliversToSubscribers(t *testing.T) {
	em := NewEmitter()

	var got []interface{}
	em.Subscribe(EventPeerConnected, func(p interface{}) { got = append(got, p) })
	em.Subscribe(EventPeerConnected, func(p interface{}) { got = append(got, p) })

	em.Emit(EventPeerConnected, PeerEvent{DeviceID: "dev-1"})

	if len(got) != 2 {
		t.Fatalf("delivered to %d handlers, want 2", len(got))
	}
	if ev, ok := got[0].(PeerEvent); !ok || ev.DeviceID != models.UUID("dev-1") {
		t.Fatalf("payload = %#v", got[0])
	}
}

func TestEmitterScopesByEvent(t *testing.T) {
	em := NewEmitter()

	fired := 0
	em.Subscribe(EventSyncDataReceived, func(interface{}) { fired++ })

	em.Emit(EventPeerConnected, PeerEvent{DeviceID: "dev-1"})
	if fired != 0 {
		t.Fatal("handler fired for an event it never subscribed to")
	}

	em.Emit(EventSyncDataReceived, DataEvent{DeviceID: "dev-1", Warehouses: 2})
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
}

func TestEmitterUnsubscribe(t *testing.T) {
	em := NewEmitter()

	fired := 0
	unsub := em.Subscribe(EventConflictResolved, func(interface{}) { fired++ })

	em.Emit(EventConflictResolved, ResolvedEvent{ConflictID: "c1", Choice: models.ResolutionLocal})
	unsub()
	em.Emit(EventConflictResolved, ResolvedEvent{ConflictID: "c2", Choice: models.ResolutionLocal})

	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
}

func TestEmitterNoSubscribers(t *testing.T) {
	em := NewEmitter()
	// Must not panic.
	em.Emit(EventPeerDisconnected, PeerEvent{DeviceID: "dev-1"})
}
