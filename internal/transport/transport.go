// Package transport manages direct device-to-device message channels:
// connection negotiation over the signaling channel, per-peer state
// tracking, and raw message send/broadcast. It knows nothing about the
// sync protocol running on top of it.
package transport

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/stocknest/backend/internal/logging"
	"github.com/stocknest/backend/internal/models"
	"github.com/stocknest/backend/internal/signal"
)

// ConnState is the lifecycle state of one peer connection.
type ConnState string

const (
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateDisconnected ConnState = "disconnected"
	StateFailed       ConnState = "failed"
)

// Role records which side initiated the negotiation.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

// PeerConnection is the ephemeral per-peer record. It is created when a
// connection attempt starts and dropped when the channel closes or fails;
// it is never persisted.
type PeerConnection struct {
	DeviceID models.UUID
	Role     Role
	State    ConnState

	ch    Channel
	timer clockwork.Timer
}

// Config holds the transport's identity and tuning.
type Config struct {
	DeviceID       models.UUID
	DeviceName     string
	ConnectTimeout time.Duration
}

// Transport negotiates and maintains direct channels to peers. Negotiation
// failures and drops are reported through OnPeerDisconnected; the transport
// never retries on its own; retry policy belongs to the caller.
type Transport struct {
	cfg      Config
	signals  signal.Channel
	dialer   Dialer
	listener Listener
	clock    clockwork.Clock

	mu    sync.Mutex
	peers map[models.UUID]*PeerConnection

	onMessage      func(deviceID models.UUID, data []byte)
	onConnected    func(deviceID models.UUID)
	onDisconnected func(deviceID models.UUID)

	unsubscribe func()
}

// New creates a Transport. The listener must already be bound; its address
// is what offers and answers advertise.
func New(cfg Config, signals signal.Channel, dialer Dialer, listener Listener, clock clockwork.Clock) *Transport {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	return &Transport{
		cfg:      cfg,
		signals:  signals,
		dialer:   dialer,
		listener: listener,
		clock:    clock,
		peers:    make(map[models.UUID]*PeerConnection),
	}
}

// OnMessage registers the inbound message callback.
func (t *Transport) OnMessage(fn func(deviceID models.UUID, data []byte)) {
	t.onMessage = fn
}

// OnPeerConnected registers the connection-established callback.
func (t *Transport) OnPeerConnected(fn func(deviceID models.UUID)) {
	t.onConnected = fn
}

// OnPeerDisconnected registers the drop/failure callback.
func (t *Transport) OnPeerDisconnected(fn func(deviceID models.UUID)) {
	t.onDisconnected = fn
}

// Start begins observing the signaling channel and accepting inbound dials.
// Callbacks must be registered before Start.
func (t *Transport) Start() {
	t.listener.SetHandler(t.acceptInbound)
	t.unsubscribe = t.signals.Subscribe(t.handleSignal)
}

// Stop detaches from the signaling channel and drops every peer.
func (t *Transport) Stop() {
	if t.unsubscribe != nil {
		t.unsubscribe()
	}
	t.DisconnectAll()
}

// Connect begins negotiation toward deviceID as initiator. It is
// idempotent: an attempt already connecting or connected returns true
// without creating a duplicate record. The return value reports whether
// negotiation was initiated, not whether it will succeed; completion is
// observed via OnPeerConnected.
func (t *Transport) Connect(deviceID models.UUID) bool {
	if deviceID == t.cfg.DeviceID || deviceID == "" {
		return false
	}

	t.mu.Lock()
	if conn, ok := t.peers[deviceID]; ok {
		if conn.State == StateConnecting || conn.State == StateConnected {
			t.mu.Unlock()
			return true
		}
	}

	conn := &PeerConnection{DeviceID: deviceID, Role: RoleInitiator, State: StateConnecting}
	conn.timer = t.clock.AfterFunc(t.cfg.ConnectTimeout, func() { t.expireAttempt(deviceID) })
	t.peers[deviceID] = conn
	t.mu.Unlock()

	if err := t.publishNegotiation(models.SignalOffer, deviceID); err != nil {
		logging.Warn("failed to publish offer", map[string]interface{}{
			"device_id": deviceID.String(), "error": err.Error(),
		})
		t.fail(deviceID)
		return false
	}

	logging.Debug("connection attempt started", map[string]interface{}{"device_id": deviceID.String()})
	return true
}

// CancelConnect abandons a pending attempt without waiting out the timeout.
// Established connections are not affected.
func (t *Transport) CancelConnect(deviceID models.UUID) {
	t.mu.Lock()
	conn, ok := t.peers[deviceID]
	if !ok || conn.State != StateConnecting {
		t.mu.Unlock()
		return
	}
	t.dropLocked(conn)
	t.mu.Unlock()
}

// Send delivers one message to deviceID. It returns false when no channel
// is open or the write fails; callers must treat false as "undeliverable
// now", not as a protocol error.
func (t *Transport) Send(deviceID models.UUID, data []byte) bool {
	t.mu.Lock()
	conn, ok := t.peers[deviceID]
	if !ok || conn.State != StateConnected || conn.ch == nil {
		t.mu.Unlock()
		return false
	}
	ch := conn.ch
	t.mu.Unlock()

	if err := ch.Send(data); err != nil {
		t.channelBroken(deviceID, ch)
		return false
	}
	return true
}

// Broadcast sends to every connected peer and returns the delivered count.
// Partial delivery is normal, not an error.
func (t *Transport) Broadcast(data []byte) int {
	t.mu.Lock()
	targets := make(map[models.UUID]Channel)
	for id, conn := range t.peers {
		if conn.State == StateConnected && conn.ch != nil {
			targets[id] = conn.ch
		}
	}
	t.mu.Unlock()

	delivered := 0
	for id, ch := range targets {
		if err := ch.Send(data); err != nil {
			t.channelBroken(id, ch)
			continue
		}
		delivered++
	}
	return delivered
}

// DisconnectAll closes every channel and clears all peer state. Used on
// teardown; no per-peer notifications fire.
func (t *Transport) DisconnectAll() {
	t.mu.Lock()
	for _, conn := range t.peers {
		if conn.timer != nil {
			conn.timer.Stop()
		}
		if conn.ch != nil {
			conn.ch.Close()
		}
	}
	t.peers = make(map[models.UUID]*PeerConnection)
	t.mu.Unlock()
}

// PeerState reports the connection state for deviceID.
func (t *Transport) PeerState(deviceID models.UUID) (ConnState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	conn, ok := t.peers[deviceID]
	if !ok {
		return "", false
	}
	return conn.State, true
}

// ConnectedPeers returns the ids of peers with open channels.
func (t *Transport) ConnectedPeers() []models.UUID {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []models.UUID
	for id, conn := range t.peers {
		if conn.State == StateConnected {
			out = append(out, id)
		}
	}
	return out
}

// =====================================================
// Negotiation
// =====================================================

// handleSignal routes offer/answer envelopes addressed to this device.
func (t *Transport) handleSignal(env *models.SignalEnvelope) {
	if env.SenderID == t.cfg.DeviceID || !env.AddressedTo(t.cfg.DeviceID) {
		return
	}

	switch env.Type {
	case models.SignalOffer:
		t.handleOffer(env)
	case models.SignalAnswer:
		t.handleAnswer(env)
	}
}

// handleOffer is the responder path: record the attempt and answer with our
// dial address. When both sides offered at once, the device with the
// smaller id keeps the initiator role and the other side's offer is the one
// answered (glare rule).
func (t *Transport) handleOffer(env *models.SignalEnvelope) {
	var offer models.Offer
	if err := json.Unmarshal(env.Data, &offer); err != nil {
		logging.Warn("dropping malformed offer", map[string]interface{}{"sender": env.SenderID.String()})
		return
	}
	peer := env.SenderID

	t.mu.Lock()
	conn, exists := t.peers[peer]
	switch {
	case exists && conn.State == StateConnected:
		// Stale offer for an already-open channel.
		t.mu.Unlock()
		return

	case exists && conn.State == StateConnecting && conn.Role == RoleInitiator:
		if t.cfg.DeviceID < peer {
			// We keep the initiator role; the peer answers our offer.
			t.mu.Unlock()
			return
		}
		conn.Role = RoleResponder

	default:
		conn = &PeerConnection{DeviceID: peer, Role: RoleResponder, State: StateConnecting}
		conn.timer = t.clock.AfterFunc(t.cfg.ConnectTimeout, func() { t.expireAttempt(peer) })
		t.peers[peer] = conn
	}
	t.mu.Unlock()

	if err := t.publishNegotiation(models.SignalAnswer, peer); err != nil {
		logging.Warn("failed to publish answer", map[string]interface{}{
			"device_id": peer.String(), "error": err.Error(),
		})
		t.fail(peer)
	}
}

// handleAnswer is the initiator path: dial the address the responder
// advertised and promote the attempt on success.
func (t *Transport) handleAnswer(env *models.SignalEnvelope) {
	var answer models.Answer
	if err := json.Unmarshal(env.Data, &answer); err != nil {
		logging.Warn("dropping malformed answer", map[string]interface{}{"sender": env.SenderID.String()})
		return
	}
	peer := env.SenderID

	t.mu.Lock()
	conn, ok := t.peers[peer]
	if !ok || conn.State != StateConnecting || conn.Role != RoleInitiator {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	ch, err := t.dialer.Dial(answer.Address, t.cfg.DeviceID)
	if err != nil {
		logging.Warn("peer dial failed", map[string]interface{}{
			"device_id": peer.String(), "address": answer.Address, "error": err.Error(),
		})
		t.fail(peer)
		return
	}

	t.establish(peer, ch)
}

// acceptInbound attaches a channel dialed by a peer.
func (t *Transport) acceptInbound(deviceID models.UUID, ch Channel) {
	t.mu.Lock()
	if conn, ok := t.peers[deviceID]; ok && conn.State == StateConnected {
		// Duplicate dial; keep the existing channel.
		t.mu.Unlock()
		ch.Close()
		return
	}
	t.mu.Unlock()

	t.establish(deviceID, ch)
}

// establish promotes a peer to connected with the given channel.
func (t *Transport) establish(deviceID models.UUID, ch Channel) {
	t.mu.Lock()
	conn, ok := t.peers[deviceID]
	if !ok {
		// Inbound dial with no tracked attempt (e.g. we restarted mid
		// negotiation); adopt it as a responder connection.
		conn = &PeerConnection{DeviceID: deviceID, Role: RoleResponder}
		t.peers[deviceID] = conn
	}
	if conn.timer != nil {
		conn.timer.Stop()
		conn.timer = nil
	}
	conn.State = StateConnected
	conn.ch = ch
	t.mu.Unlock()

	logging.Info("peer connected", map[string]interface{}{"device_id": deviceID.String()})
	if t.onConnected != nil {
		t.onConnected(deviceID)
	}

	go t.readLoop(deviceID, ch)
}

// readLoop pumps inbound messages until the channel breaks.
func (t *Transport) readLoop(deviceID models.UUID, ch Channel) {
	for {
		data, err := ch.Receive()
		if err != nil {
			t.channelBroken(deviceID, ch)
			return
		}
		if t.onMessage != nil {
			t.onMessage(deviceID, data)
		}
	}
}

// publishNegotiation sends an offer or answer envelope carrying our dial
// address.
func (t *Transport) publishNegotiation(kind models.SignalType, target models.UUID) error {
	var body interface{}
	if kind == models.SignalAnswer {
		body = models.Answer{DeviceID: t.cfg.DeviceID, Name: t.cfg.DeviceName, Address: t.listener.Addr()}
	} else {
		body = models.Offer{DeviceID: t.cfg.DeviceID, Name: t.cfg.DeviceName, Address: t.listener.Addr()}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	return t.signals.Publish(&models.SignalEnvelope{
		SenderID:  t.cfg.DeviceID,
		TargetID:  target,
		Type:      kind,
		Data:      payload,
		Timestamp: t.clock.Now().Unix(),
	})
}

// =====================================================
// Failure paths
// =====================================================

// expireAttempt fails an attempt that never completed within the timeout.
func (t *Transport) expireAttempt(deviceID models.UUID) {
	t.mu.Lock()
	conn, ok := t.peers[deviceID]
	if !ok || conn.State != StateConnecting {
		t.mu.Unlock()
		return
	}
	conn.State = StateFailed
	t.dropLocked(conn)
	t.mu.Unlock()

	logging.Warn("connection attempt timed out", map[string]interface{}{"device_id": deviceID.String()})
	if t.onDisconnected != nil {
		t.onDisconnected(deviceID)
	}
}

// fail marks a negotiation as failed and notifies.
func (t *Transport) fail(deviceID models.UUID) {
	t.mu.Lock()
	conn, ok := t.peers[deviceID]
	if !ok || conn.State == StateConnected {
		t.mu.Unlock()
		return
	}
	conn.State = StateFailed
	t.dropLocked(conn)
	t.mu.Unlock()

	if t.onDisconnected != nil {
		t.onDisconnected(deviceID)
	}
}

// channelBroken handles a mid-session drop of a specific channel instance.
func (t *Transport) channelBroken(deviceID models.UUID, ch Channel) {
	t.mu.Lock()
	conn, ok := t.peers[deviceID]
	if !ok || conn.ch != ch {
		// A newer channel replaced this one; nothing to report.
		t.mu.Unlock()
		ch.Close()
		return
	}
	conn.State = StateDisconnected
	t.dropLocked(conn)
	t.mu.Unlock()

	logging.Info("peer disconnected", map[string]interface{}{"device_id": deviceID.String()})
	if t.onDisconnected != nil {
		t.onDisconnected(deviceID)
	}
}

// dropLocked releases a connection's resources and removes its record.
// Caller holds t.mu.
func (t *Transport) dropLocked(conn *PeerConnection) {
	if conn.timer != nil {
		conn.timer.Stop()
		conn.timer = nil
	}
	if conn.ch != nil {
		conn.ch.Close()
		conn.ch = nil
	}
	delete(t.peers, conn.DeviceID)
}
