package transport

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
	idAlpha models.UUID = "11111111-1111-4111-8111-111111111111"
	idBeta  models.UUID = "22222222-2222-4222-8222-222222222222"
	idGamma models.UUID = "33333333-3333-4333-8333-333333333333"
)

// harness bundles a Transport with recorders for its callbacks.
type harness struct {
	tr *Transport

	mu           sync.Mutex
	connected    []models.UUID
	disconnected []models.UUID
	messages     chan []byte

	connectedCh    chan models.UUID
	disconnectedCh chan models.UUID
}

func newHarness(t *testing.T, id models.UUID, addr string, net *MemNetwork, sig signal.Channel, clock clockwork.Clock) *harness {
	t.Helper()

	h := &harness{
		messages:       make(chan []byte, 16),
		connectedCh:    make(chan models.UUID, 16),
		disconnectedCh: make(chan models.UUID, 16),
	}

	cfg := Config{DeviceID: id, DeviceName: string(id[:8]), ConnectTimeout: 5 * time.Second}
	h.tr = New(cfg, sig, net, net.Listen(addr), clock)
	h.tr.OnMessage(func(_ models.UUID, data []byte) { h.messages <- data })
	h.tr.OnPeerConnected(func(dev models.UUID) {
		h.mu.Lock()
		h.connected = append(h.connected, dev)
		h.mu.Unlock()
		h.connectedCh <- dev
	})
	h.tr.OnPeerDisconnected(func(dev models.UUID) {
		h.mu.Lock()
		h.disconnected = append(h.disconnected, dev)
		h.mu.Unlock()
		h.disconnectedCh <- dev
	})
	h.tr.Start()
	t.Cleanup(h.tr.Stop)
	return h
}

func (h *harness) connectedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.connected)
}

func waitFor(t *testing.T, ch chan models.UUID, want models.UUID) {
	t.Helper()
	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("expected event for %s, got %s", want, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event for %s", want)
	}
}

func TestConnectHandshake(t *testing.T) {
	net := NewMemNetwork()
	sig := signal.NewLoopback()
	defer sig.Close()

	alpha := newHarness(t, idAlpha, "alpha:1", net, sig, nil)
	beta := newHarness(t, idBeta, "beta:1", net, sig, nil)

	if !alpha.tr.Connect(idBeta) {
		t.Fatal("Connect returned false")
	}
	waitFor(t, alpha.connectedCh, idBeta)
	waitFor(t, beta.connectedCh, idAlpha)

	if st, ok := alpha.tr.PeerState(idBeta); !ok || st != StateConnected {
		t.Fatalf("alpha sees beta as %q, want connected", st)
	}
	if st, ok := beta.tr.PeerState(idAlpha); !ok || st != StateConnected {
		t.Fatalf("beta sees alpha as %q, want connected", st)
	}

	// Messages flow both ways over the established channel.
	if !alpha.tr.Send(idBeta, []byte("ping")) {
		t.Fatal("send alpha->beta failed")
	}
	select {
	case msg := <-beta.messages:
		if string(msg) != "ping" {
			t.Fatalf("beta received %q, want ping", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("beta never received the message")
	}

	if !beta.tr.Send(idAlpha, []byte("pong")) {
		t.Fatal("send beta->alpha failed")
	}
	select {
	case msg := <-alpha.messages:
		if string(msg) != "pong" {
			t.Fatalf("alpha received %q, want pong", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("alpha never received the message")
	}
}

func TestConnectIdempotent(t *testing.T) {
	net := NewMemNetwork()
	sig := signal.NewLoopback()
	defer sig.Close()

	alpha := newHarness(t, idAlpha, "alpha:1", net, sig, nil)
	beta := newHarness(t, idBeta, "beta:1", net, sig, nil)

	if !alpha.tr.Connect(idBeta) {
		t.Fatal("first Connect returned false")
	}
	waitFor(t, alpha.connectedCh, idBeta)
	waitFor(t, beta.connectedCh, idAlpha)

	// Repeat connects must not renegotiate or duplicate events.
	if !alpha.tr.Connect(idBeta) {
		t.Fatal("repeat Connect returned false")
	}
	if got := alpha.connectedCount(); got != 1 {
		t.Fatalf("connected fired %d times, want 1", got)
	}
	if got := len(alpha.tr.ConnectedPeers()); got != 1 {
		t.Fatalf("alpha tracks %d peers, want 1", got)
	}
}

func TestConnectToSelfRejected(t *testing.T) {
	net := NewMemNetwork()
	sig := signal.NewLoopback()
	defer sig.Close()

	alpha := newHarness(t, idAlpha, "alpha:1", net, sig, nil)

	if alpha.tr.Connect(idAlpha) {
		t.Fatal("Connect to self must return false")
	}
	if alpha.tr.Connect("") {
		t.Fatal("Connect to empty id must return false")
	}
}

func TestConnectTimeout(t *testing.T) {
	net := NewMemNetwork()
	sig := signal.NewLoopback()
	defer sig.Close()
	clock := clockwork.NewFakeClock()

	alpha := newHarness(t, idAlpha, "alpha:1", net, sig, clock)

	// Nobody is listening for idGamma; the attempt can only expire.
	if !alpha.tr.Connect(idGamma) {
		t.Fatal("Connect returned false")
	}
	if st, ok := alpha.tr.PeerState(idGamma); !ok || st != StateConnecting {
		t.Fatalf("state %q, want connecting", st)
	}

	clock.Advance(6 * time.Second)
	waitFor(t, alpha.disconnectedCh, idGamma)

	if _, ok := alpha.tr.PeerState(idGamma); ok {
		t.Fatal("failed attempt must be dropped from peer state")
	}
}

func TestCancelConnect(t *testing.T) {
	net := NewMemNetwork()
	sig := signal.NewLoopback()
	defer sig.Close()
	clock := clockwork.NewFakeClock()

	alpha := newHarness(t, idAlpha, "alpha:1", net, sig, clock)

	alpha.tr.Connect(idGamma)
	alpha.tr.CancelConnect(idGamma)

	if _, ok := alpha.tr.PeerState(idGamma); ok {
		t.Fatal("cancelled attempt must be dropped")
	}

	// Cancellation is caller-initiated; no disconnect event fires, not
	// even when the old deadline passes.
	clock.Advance(10 * time.Second)
	select {
	case dev := <-alpha.disconnectedCh:
		t.Fatalf("unexpected disconnect event for %s", dev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSendWithoutChannel(t *testing.T) {
	net := NewMemNetwork()
	sig := signal.NewLoopback()
	defer sig.Close()

	alpha := newHarness(t, idAlpha, "alpha:1", net, sig, nil)

	if alpha.tr.Send(idBeta, []byte("hello")) {
		t.Fatal("Send must return false with no open channel")
	}
	if alpha.tr.Send(idBeta, []byte("hello")) {
		t.Fatal("Send must stay false, not queue")
	}
}

func TestBroadcastPartialDelivery(t *testing.T) {
	net := NewMemNetwork()
	sig := signal.NewLoopback()
	defer sig.Close()

	alpha := newHarness(t, idAlpha, "alpha:1", net, sig, nil)
	beta := newHarness(t, idBeta, "beta:1", net, sig, nil)
	gamma := newHarness(t, idGamma, "gamma:1", net, sig, nil)

	alpha.tr.Connect(idBeta)
	waitFor(t, alpha.connectedCh, idBeta)
	alpha.tr.Connect(idGamma)
	waitFor(t, alpha.connectedCh, idGamma)

	if got := alpha.tr.Broadcast([]byte("notice")); got != 2 {
		t.Fatalf("broadcast delivered to %d peers, want 2", got)
	}

	// Drop gamma; the broadcast keeps going to the peers that remain.
	gamma.tr.DisconnectAll()
	waitFor(t, alpha.disconnectedCh, idGamma)

	if got := alpha.tr.Broadcast([]byte("notice")); got != 1 {
		t.Fatalf("broadcast delivered to %d peers, want 1", got)
	}
	select {
	case msg := <-beta.messages:
		if string(msg) != "notice" {
			t.Fatalf("beta received %q, want notice", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("beta never received the broadcast")
	}
}

func TestPeerDropDetected(t *testing.T) {
	net := NewMemNetwork()
	sig := signal.NewLoopback()
	defer sig.Close()

	alpha := newHarness(t, idAlpha, "alpha:1", net, sig, nil)
	beta := newHarness(t, idBeta, "beta:1", net, sig, nil)

	alpha.tr.Connect(idBeta)
	waitFor(t, alpha.connectedCh, idBeta)
	waitFor(t, beta.connectedCh, idAlpha)

	beta.tr.DisconnectAll()
	waitFor(t, alpha.disconnectedCh, idBeta)

	if _, ok := alpha.tr.PeerState(idBeta); ok {
		t.Fatal("dropped peer must be removed from state")
	}
	if alpha.tr.Send(idBeta, []byte("late")) {
		t.Fatal("Send after drop must return false")
	}
}

// recorder captures every envelope published on a signaling channel.
type recorder struct {
	mu   sync.Mutex
	envs []*models.SignalEnvelope
}

func (r *recorder) attach(sig signal.Channel) func() {
	return sig.Subscribe(func(env *models.SignalEnvelope) {
		r.mu.Lock()
		r.envs = append(r.envs, env)
		r.mu.Unlock()
	})
}

func (r *recorder) answersFrom(dev models.UUID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, env := range r.envs {
		if env.Type == models.SignalAnswer && env.SenderID == dev {
			n++
		}
	}
	return n
}

func injectOffer(t *testing.T, sig signal.Channel, from, to models.UUID, addr string) {
	t.Helper()
	payload, err := json.Marshal(models.Offer{DeviceID: from, Address: addr})
	if err != nil {
		t.Fatal(err)
	}
	if err := sig.Publish(&models.SignalEnvelope{
		SenderID: from,
		TargetID: to,
		Type:     models.SignalOffer,
		Data:     payload,
	}); err != nil {
		t.Fatal(err)
	}
}

// When both devices offer simultaneously, the one with the smaller id
// keeps the initiator role and ignores the competing offer.
func TestGlareSmallerIDKeepsInitiator(t *testing.T) {
	net := NewMemNetwork()
	sig := signal.NewLoopback()
	defer sig.Close()
	clock := clockwork.NewFakeClock()

	alpha := newHarness(t, idAlpha, "alpha:1", net, sig, clock)
	rec := &recorder{}
	defer rec.attach(sig)()

	// Alpha offers first; beta's crossing offer arrives while alpha is
	// still connecting as initiator.
	alpha.tr.Connect(idBeta)
	injectOffer(t, sig, idBeta, idAlpha, "beta:1")

	if got := rec.answersFrom(idAlpha); got != 0 {
		t.Fatalf("alpha published %d answers, want 0 (it holds the initiator role)", got)
	}
	if st, _ := alpha.tr.PeerState(idBeta); st != StateConnecting {
		t.Fatalf("state %q, want connecting", st)
	}
}

// The device with the larger id yields: it abandons its own offer and
// answers the peer's instead.
func TestGlareLargerIDYields(t *testing.T) {
	net := NewMemNetwork()
	sig := signal.NewLoopback()
	defer sig.Close()
	clock := clockwork.NewFakeClock()

	beta := newHarness(t, idBeta, "beta:1", net, sig, clock)
	rec := &recorder{}
	defer rec.attach(sig)()

	beta.tr.Connect(idAlpha)
	injectOffer(t, sig, idAlpha, idBeta, "alpha:1")

	if got := rec.answersFrom(idBeta); got != 1 {
		t.Fatalf("beta published %d answers, want 1 (it yields to the smaller id)", got)
	}

	// Beta is now the responder; the connection completes when the peer
	// dials the answered address.
	ch, err := net.Dial("beta:1", idAlpha)
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close()
	waitFor(t, beta.connectedCh, idAlpha)

	if st, _ := beta.tr.PeerState(idAlpha); st != StateConnected {
		t.Fatalf("state %q, want connected", st)
	}
}

func TestDisconnectAll(t *testing.T) {
	net := NewMemNetwork()
	sig := signal.NewLoopback()
	defer sig.Close()

	alpha := newHarness(t, idAlpha, "alpha:1", net, sig, nil)
	newHarness(t, idBeta, "beta:1", net, sig, nil)
	newHarness(t, idGamma, "gamma:1", net, sig, nil)

	alpha.tr.Connect(idBeta)
	waitFor(t, alpha.connectedCh, idBeta)
	alpha.tr.Connect(idGamma)
	waitFor(t, alpha.connectedCh, idGamma)

	alpha.tr.DisconnectAll()

	if got := len(alpha.tr.ConnectedPeers()); got != 0 {
		t.Fatalf("still tracking %d peers after DisconnectAll", got)
	}
}
