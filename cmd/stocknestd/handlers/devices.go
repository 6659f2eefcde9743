package handlers

import (
	stderrors "errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stocknest/backend/internal/errors"
	"github.com/stocknest/backend/internal/models"
	"github.com/stocknest/backend/internal/store"
	"github.com/stocknest/backend/internal/transport"
	"github.com/stocknest/backend/internal/uuid"
)

// PeerStatus is the slice of the transport the device endpoints need.
type PeerStatus interface {
	PeerState(deviceID models.UUID) (transport.ConnState, bool)
	Connect(deviceID models.UUID) bool
}

// DeviceHandler handles the known-devices endpoints.
type DeviceHandler struct {
	repo  store.DeviceRepository
	peers PeerStatus
}

// NewDeviceHandler creates a DeviceHandler.
func NewDeviceHandler(repo store.DeviceRepository, peers PeerStatus) *DeviceHandler {
	return &DeviceHandler{repo: repo, peers: peers}
}

// deviceView decorates a stored device with its live connection state.
type deviceView struct {
	*models.Device
	ConnectionState string `json:"connection_state"`
}

// List handles GET /api/devices.
func (h *DeviceHandler) List(w http.ResponseWriter, r *http.Request) {
	devices, err := h.repo.ListDevices()
	if err != nil {
		respondError(w, errors.Wrap(errors.ErrStore, "failed to list devices", err))
		return
	}

	views := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		state := "disconnected"
		if s, ok := h.peers.PeerState(d.ID); ok {
			state = string(s)
		}
		views = append(views, deviceView{Device: d, ConnectionState: state})
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"devices": views,
		"count":   len(views),
	})
}

// Get handles GET /api/devices/{id}.
func (h *DeviceHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := uuid.Validate(id); err != nil {
		respondInvalid(w, "invalid device id")
		return
	}

	device, err := h.repo.GetDevice(models.UUID(id))
	if err != nil {
		if stderrors.Is(err, store.ErrNotFound) {
			respondError(w, errors.New(errors.ErrNotFound, "device not found"))
			return
		}
		respondError(w, errors.Wrap(errors.ErrStore, "failed to load device", err))
		return
	}

	state := "disconnected"
	if s, ok := h.peers.PeerState(device.ID); ok {
		state = string(s)
	}
	respondJSON(w, http.StatusOK, deviceView{Device: device, ConnectionState: state})
}

// Connect handles POST /api/devices/{id}/connect. Connect is idempotent on
// the transport, so retrying while an attempt is in flight is harmless.
func (h *DeviceHandler) Connect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := uuid.Validate(id); err != nil {
		respondInvalid(w, "invalid device id")
		return
	}

	if _, err := h.repo.GetDevice(models.UUID(id)); err != nil {
		if stderrors.Is(err, store.ErrNotFound) {
			respondError(w, errors.New(errors.ErrNotFound, "device not found"))
			return
		}
		respondError(w, errors.Wrap(errors.ErrStore, "failed to load device", err))
		return
	}

	started := h.peers.Connect(models.UUID(id))
	state := "disconnected"
	if s, ok := h.peers.PeerState(models.UUID(id)); ok {
		state = string(s)
	}
	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"device_id": id,
		"started":   started,
		"state":     state,
	})
}
