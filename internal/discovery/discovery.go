// Package discovery announces this device on the signaling channel and
// registers peers from their announcements. Discovery only learns who is
// out there; staleness and reachability are the transport's problem.
package discovery

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/stocknest/backend/internal/logging"
	"github.com/stocknest/backend/internal/models"
	"github.com/stocknest/backend/internal/signal"
	"github.com/stocknest/backend/internal/store"
)

// Connector is the transport-side hook discovery uses to start a
// connection toward a newly seen peer. Connect is idempotent, so
// discovery calls it on every announcement without tracking attempts.
type Connector interface {
	Connect(deviceID models.UUID) bool
}

// Config holds the local device identity that announcements advertise.
type Config struct {
	DeviceID     models.UUID
	DeviceName   string
	Capabilities string
	Address      string

	AnnounceInterval time.Duration
}

// Discovery runs the announce loop and handles incoming announcements.
type Discovery struct {
	cfg     Config
	signals signal.Channel
	devices store.DeviceRepository
	conn    Connector
	clock   clockwork.Clock

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}

	unsubscribe func()
}

// New creates a Discovery. conn may be nil when auto-connect is not
// wanted (e.g. a device that only accepts inbound connections).
func New(cfg Config, signals signal.Channel, devices store.DeviceRepository, conn Connector, clock clockwork.Clock) *Discovery {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.AnnounceInterval <= 0 {
		cfg.AnnounceInterval = 30 * time.Second
	}
	return &Discovery{
		cfg:     cfg,
		signals: signals,
		devices: devices,
		conn:    conn,
		clock:   clock,
	}
}

// Start announces immediately, then on every tick, and begins observing
// other devices' announcements. Calling Start on a running Discovery is a
// no-op.
func (d *Discovery) Start() {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	d.mu.Unlock()

	d.unsubscribe = d.signals.Subscribe(d.handleSignal)
	d.announce()

	go d.loop()
}

// Stop halts the announce loop and detaches from the signaling channel.
func (d *Discovery) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.stop)
	done := d.done
	d.mu.Unlock()

	if d.unsubscribe != nil {
		d.unsubscribe()
	}
	<-done
}

// Announce publishes one announcement immediately, outside the tick
// schedule. Used when the device's advertised identity changes.
func (d *Discovery) Announce() {
	d.announce()
}

func (d *Discovery) loop() {
	defer close(d.done)

	ticker := d.clock.NewTicker(d.cfg.AnnounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			d.announce()
		case <-d.stop:
			return
		}
	}
}

func (d *Discovery) announce() {
	payload, err := json.Marshal(models.Announcement{
		DeviceID:     d.cfg.DeviceID,
		Name:         d.cfg.DeviceName,
		Capabilities: d.cfg.Capabilities,
		Address:      d.cfg.Address,
	})
	if err != nil {
		logging.Error("failed to encode announcement", err, nil)
		return
	}

	err = d.signals.Publish(&models.SignalEnvelope{
		SenderID:  d.cfg.DeviceID,
		TargetID:  models.BroadcastTarget,
		Type:      models.SignalDiscovery,
		Data:      payload,
		Timestamp: d.clock.Now().Unix(),
	})
	if err != nil {
		logging.Warn("failed to publish announcement", map[string]interface{}{"error": err.Error()})
	}
}

// handleSignal registers the announcing device and kicks off a connection
// attempt toward it.
func (d *Discovery) handleSignal(env *models.SignalEnvelope) {
	if env.Type != models.SignalDiscovery || env.SenderID == d.cfg.DeviceID {
		return
	}
	if !env.AddressedTo(d.cfg.DeviceID) {
		return
	}

	var ann models.Announcement
	if err := json.Unmarshal(env.Data, &ann); err != nil {
		logging.Warn("dropping malformed announcement", map[string]interface{}{"sender": env.SenderID.String()})
		return
	}
	if ann.DeviceID == "" {
		ann.DeviceID = env.SenderID
	}
	if ann.DeviceID != env.SenderID {
		// Announcements speak only for their sender.
		return
	}

	now := d.clock.Now().Unix()
	dev := &models.Device{
		ID:           ann.DeviceID,
		Name:         ann.Name,
		Capabilities: ann.Capabilities,
		Address:      ann.Address,
		CreatedAt:    now,
		LastSeenAt:   now,
	}
	if err := d.devices.UpsertDevice(dev); err != nil {
		logging.Error("failed to record discovered device", err, map[string]interface{}{
			"device_id": dev.ID.String(),
		})
		return
	}

	logging.Debug("device announcement", map[string]interface{}{
		"device_id": dev.ID.String(), "name": dev.Name,
	})

	if d.conn != nil {
		d.conn.Connect(dev.ID)
	}
}
