package discovery

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/stocknest/backend/internal/models"
	"github.com/stocknest/backend/internal/signal"
)

const (
	idLocal  models.UUID = "aaaaaaaa-aaaa-4aaa-8aaa-aaaaaaaaaaaa"
	idRemote models.UUID = "bbbbbbbb-bbbb-4bbb-8bbb-bbbbbbbbbbbb"
)

// fakeDevices records upserts in memory.
type fakeDevices struct {
	mu      sync.Mutex
	devices map[models.UUID]*models.Device
	upserts chan models.UUID
}

func newFakeDevices() *fakeDevices {
	return &fakeDevices{
		devices: make(map[models.UUID]*models.Device),
		upserts: make(chan models.UUID, 16),
	}
}

func (f *fakeDevices) UpsertDevice(d *models.Device) error {
	f.mu.Lock()
	f.devices[d.ID] = d
	f.mu.Unlock()
	f.upserts <- d.ID
	return nil
}

func (f *fakeDevices) GetDevice(id models.UUID) (*models.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.devices[id], nil
}

func (f *fakeDevices) ListDevices() ([]*models.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.Device, 0, len(f.devices))
	for _, d := range f.devices {
		out = append(out, d)
	}
	return out, nil
}

// fakeConnector records connect attempts.
type fakeConnector struct {
	attempts chan models.UUID
}

func (f *fakeConnector) Connect(deviceID models.UUID) bool {
	f.attempts <- deviceID
	return true
}

// announceRecorder counts discovery envelopes from one sender.
type announceRecorder struct {
	seen chan *models.SignalEnvelope
}

func recordAnnouncements(sig signal.Channel, from models.UUID) (*announceRecorder, func()) {
	r := &announceRecorder{seen: make(chan *models.SignalEnvelope, 16)}
	unsub := sig.Subscribe(func(env *models.SignalEnvelope) {
		if env.Type == models.SignalDiscovery && env.SenderID == from {
			r.seen <- env
		}
	})
	return r, unsub
}

func (r *announceRecorder) next(t *testing.T) *models.SignalEnvelope {
	t.Helper()
	select {
	case env := <-r.seen:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for announcement")
		return nil
	}
}

func newTestDiscovery(devices *fakeDevices, conn Connector, sig signal.Channel, clock clockwork.Clock) *Discovery {
	cfg := Config{
		DeviceID:         idLocal,
		DeviceName:       "kitchen-tablet",
		Capabilities:     "sync,inventory",
		Address:          "192.168.1.20:8971",
		AnnounceInterval: 30 * time.Second,
	}
	return New(cfg, sig, devices, conn, clock)
}

func TestAnnounceOnStartAndTick(t *testing.T) {
	sig := signal.NewLoopback()
	defer sig.Close()
	clock := clockwork.NewFakeClock()

	rec, unsub := recordAnnouncements(sig, idLocal)
	defer unsub()

	d := newTestDiscovery(newFakeDevices(), nil, sig, clock)
	d.Start()
	defer d.Stop()

	env := rec.next(t)
	if env.TargetID != models.BroadcastTarget {
		t.Fatalf("announcement targeted %q, want broadcast", env.TargetID)
	}
	var ann models.Announcement
	if err := json.Unmarshal(env.Data, &ann); err != nil {
		t.Fatal(err)
	}
	if ann.DeviceID != idLocal || ann.Name != "kitchen-tablet" {
		t.Fatalf("unexpected announcement payload: %+v", ann)
	}
	if ann.Address != "192.168.1.20:8971" {
		t.Fatalf("announcement address %q", ann.Address)
	}

	// One more announcement per interval.
	clock.BlockUntil(1)
	clock.Advance(30 * time.Second)
	rec.next(t)
}

func TestStopHaltsAnnouncing(t *testing.T) {
	sig := signal.NewLoopback()
	defer sig.Close()
	clock := clockwork.NewFakeClock()

	rec, unsub := recordAnnouncements(sig, idLocal)
	defer unsub()

	d := newTestDiscovery(newFakeDevices(), nil, sig, clock)
	d.Start()
	rec.next(t)

	clock.BlockUntil(1)
	d.Stop()

	clock.Advance(5 * time.Minute)
	select {
	case <-rec.seen:
		t.Fatal("announcement published after Stop")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestAnnouncementRegistersAndConnects(t *testing.T) {
	sig := signal.NewLoopback()
	defer sig.Close()
	clock := clockwork.NewFakeClock()

	devices := newFakeDevices()
	conn := &fakeConnector{attempts: make(chan models.UUID, 16)}

	d := newTestDiscovery(devices, conn, sig, clock)
	d.Start()
	defer d.Stop()

	publishAnnouncement(t, sig, idRemote, "garage-pi")

	select {
	case id := <-devices.upserts:
		if id != idRemote {
			t.Fatalf("upserted %s, want %s", id, idRemote)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("announcement was not recorded")
	}

	dev, _ := devices.GetDevice(idRemote)
	if dev == nil || dev.Name != "garage-pi" {
		t.Fatalf("stored device: %+v", dev)
	}
	if dev.LastSeenAt != clock.Now().Unix() {
		t.Fatalf("last seen %d, want %d", dev.LastSeenAt, clock.Now().Unix())
	}

	select {
	case id := <-conn.attempts:
		if id != idRemote {
			t.Fatalf("connected toward %s, want %s", id, idRemote)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no connection attempt after announcement")
	}
}

func TestOwnAnnouncementIgnored(t *testing.T) {
	sig := signal.NewLoopback()
	defer sig.Close()
	clock := clockwork.NewFakeClock()

	devices := newFakeDevices()
	conn := &fakeConnector{attempts: make(chan models.UUID, 16)}

	d := newTestDiscovery(devices, conn, sig, clock)
	d.Start()
	defer d.Stop()

	// Start already published our own announcement; it must not register
	// ourselves or dial ourselves.
	select {
	case id := <-devices.upserts:
		t.Fatalf("own announcement registered device %s", id)
	case <-time.After(100 * time.Millisecond):
	}
	select {
	case id := <-conn.attempts:
		t.Fatalf("own announcement triggered connect to %s", id)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSpoofedAnnouncementDropped(t *testing.T) {
	sig := signal.NewLoopback()
	defer sig.Close()

	devices := newFakeDevices()
	d := newTestDiscovery(devices, nil, sig, clockwork.NewFakeClock())
	d.Start()
	defer d.Stop()

	// Payload claims a different device than the envelope sender.
	payload, _ := json.Marshal(models.Announcement{DeviceID: idLocal, Name: "imposter"})
	if err := sig.Publish(&models.SignalEnvelope{
		SenderID: idRemote,
		TargetID: models.BroadcastTarget,
		Type:     models.SignalDiscovery,
		Data:     payload,
	}); err != nil {
		t.Fatal(err)
	}

	select {
	case id := <-devices.upserts:
		t.Fatalf("spoofed announcement registered device %s", id)
	case <-time.After(100 * time.Millisecond):
	}
}

func publishAnnouncement(t *testing.T, sig signal.Channel, from models.UUID, name string) {
	t.Helper()
	payload, err := json.Marshal(models.Announcement{DeviceID: from, Name: name, Address: "10.0.0.9:8971"})
	if err != nil {
		t.Fatal(err)
	}
	if err := sig.Publish(&models.SignalEnvelope{
		SenderID: from,
		TargetID: models.BroadcastTarget,
		Type:     models.SignalDiscovery,
		Data:     payload,
	}); err != nil {
		t.Fatal(err)
	}
}
