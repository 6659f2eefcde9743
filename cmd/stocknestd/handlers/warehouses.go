package handlers

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stocknest/backend/internal/errors"
	"github.com/stocknest/backend/internal/models"
	"github.com/stocknest/backend/internal/store"
	"github.com/stocknest/backend/internal/uuid"
)

// ChangeNotifier is the slice of the sync engine warehouse mutations need:
// after a local edit lands, the engine schedules a change notice toward
// connected peers.
type ChangeNotifier interface {
	NotifyLocalChange(entityID models.UUID, entityKind string)
}

// WarehouseHandler handles the inventory tree endpoints.
type WarehouseHandler struct {
	repo   store.SyncRepository
	engine ChangeNotifier
}

// NewWarehouseHandler creates a WarehouseHandler.
func NewWarehouseHandler(repo store.SyncRepository, engine ChangeNotifier) *WarehouseHandler {
	return &WarehouseHandler{repo: repo, engine: engine}
}

// List handles GET /api/warehouses.
func (h *WarehouseHandler) List(w http.ResponseWriter, r *http.Request) {
	warehouses, err := h.repo.GetWarehouses()
	if err != nil {
		respondError(w, errors.Wrap(errors.ErrStore, "failed to list warehouses", err))
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"warehouses": warehouses,
		"count":      len(warehouses),
	})
}

// Get handles GET /api/warehouses/{id}.
func (h *WarehouseHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := uuid.Validate(id); err != nil {
		respondInvalid(w, "invalid warehouse id")
		return
	}

	warehouse, err := h.repo.GetWarehouse(models.UUID(id))
	if err != nil {
		if stderrors.Is(err, store.ErrNotFound) {
			respondError(w, errors.New(errors.ErrNotFound, "warehouse not found"))
			return
		}
		respondError(w, errors.Wrap(errors.ErrStore, "failed to load warehouse", err))
		return
	}
	respondJSON(w, http.StatusOK, warehouse)
}

// Create handles POST /api/warehouses.
func (h *WarehouseHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		IsPublic    bool   `json:"is_public"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondInvalid(w, "invalid request body")
		return
	}
	if req.Name == "" {
		respondInvalid(w, "name is required")
		return
	}

	warehouse := &models.Warehouse{
		ID:          models.UUID(uuid.New()),
		Name:        req.Name,
		Description: req.Description,
		IsPublic:    req.IsPublic,
		CreatedAt:   time.Now().Unix(),
	}
	if err := h.repo.SaveWarehouse(warehouse); err != nil {
		respondError(w, errors.Wrap(errors.ErrStore, "failed to save warehouse", err))
		return
	}

	h.engine.NotifyLocalChange(warehouse.ID, "warehouse")
	respondJSON(w, http.StatusCreated, warehouse)
}

// Put handles PUT /api/warehouses/{id}. The body carries the whole tree;
// persistence is at warehouse granularity, so the stored tree is replaced by
// the submitted one. Entities without an id are treated as new: they get an
// id and a creation timestamp here. The client stamps UpdatedAt on entities
// it edited; this handler only touches the warehouse itself.
func (h *WarehouseHandler) Put(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := uuid.Validate(id); err != nil {
		respondInvalid(w, "invalid warehouse id")
		return
	}

	var warehouse models.Warehouse
	if err := json.NewDecoder(r.Body).Decode(&warehouse); err != nil {
		respondInvalid(w, "invalid request body")
		return
	}
	if warehouse.Name == "" {
		respondInvalid(w, "name is required")
		return
	}

	warehouse.ID = models.UUID(id)
	fillTree(&warehouse)
	warehouse.Touch()

	if err := h.repo.SaveWarehouse(&warehouse); err != nil {
		respondError(w, errors.Wrap(errors.ErrStore, "failed to save warehouse", err))
		return
	}

	h.engine.NotifyLocalChange(warehouse.ID, "warehouse")
	respondJSON(w, http.StatusOK, &warehouse)
}

// Delete handles DELETE /api/warehouses/{id}. Deletions stay local; there
// are no tombstones, so no change notice goes out.
func (h *WarehouseHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := uuid.Validate(id); err != nil {
		respondInvalid(w, "invalid warehouse id")
		return
	}

	if err := h.repo.DeleteWarehouse(models.UUID(id)); err != nil {
		respondError(w, errors.Wrap(errors.ErrStore, "failed to delete warehouse", err))
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"deleted": id})
}

// Share handles POST /api/warehouses/{id}/share. Granting makes the
// warehouse newly visible to the peer, so a change notice goes out to let
// it pull.
func (h *WarehouseHandler) Share(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := uuid.Validate(id); err != nil {
		respondInvalid(w, "invalid warehouse id")
		return
	}

	var req struct {
		DeviceID string `json:"device_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondInvalid(w, "invalid request body")
		return
	}
	if err := uuid.Validate(req.DeviceID); err != nil {
		respondInvalid(w, "invalid device id")
		return
	}

	if _, err := h.repo.GetWarehouse(models.UUID(id)); err != nil {
		if stderrors.Is(err, store.ErrNotFound) {
			respondError(w, errors.New(errors.ErrNotFound, "warehouse not found"))
			return
		}
		respondError(w, errors.Wrap(errors.ErrStore, "failed to load warehouse", err))
		return
	}

	if err := h.repo.Grant(models.UUID(id), models.UUID(req.DeviceID)); err != nil {
		respondError(w, errors.Wrap(errors.ErrStore, "failed to grant share", err))
		return
	}

	h.engine.NotifyLocalChange(models.UUID(id), "warehouse")
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"warehouse_id": id,
		"device_id":    req.DeviceID,
	})
}

// Revoke handles DELETE /api/warehouses/{id}/share/{deviceID}. Revocation
// stops future syncs from carrying the warehouse; copies the peer already
// holds are out of reach.
func (h *WarehouseHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	deviceID := chi.URLParam(r, "deviceID")
	if err := uuid.Validate(id); err != nil {
		respondInvalid(w, "invalid warehouse id")
		return
	}
	if err := uuid.Validate(deviceID); err != nil {
		respondInvalid(w, "invalid device id")
		return
	}

	if err := h.repo.Revoke(models.UUID(id), models.UUID(deviceID)); err != nil {
		respondError(w, errors.Wrap(errors.ErrStore, "failed to revoke share", err))
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"warehouse_id": id,
		"device_id":    deviceID,
	})
}

// fillTree assigns ids, parent links and creation timestamps to entities the
// client submitted without an id.
func fillTree(w *models.Warehouse) {
	now := time.Now().Unix()
	for _, room := range w.Rooms {
		if room.ID == "" {
			room.ID = models.UUID(uuid.New())
			room.CreatedAt = now
		}
		room.WarehouseID = w.ID
		for _, container := range room.Containers {
			if container.ID == "" {
				container.ID = models.UUID(uuid.New())
				container.CreatedAt = now
			}
			container.RoomID = room.ID
			for _, item := range container.Items {
				if item.ID == "" {
					item.ID = models.UUID(uuid.New())
					item.CreatedAt = now
				}
				item.ContainerID = container.ID
			}
		}
	}
}
