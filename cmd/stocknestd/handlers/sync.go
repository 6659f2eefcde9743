package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/stocknest/backend/internal/errors"
	"github.com/stocknest/backend/internal/models"
	"github.com/stocknest/backend/internal/store"
	syncpkg "github.com/stocknest/backend/internal/sync"
	"github.com/stocknest/backend/internal/uuid"
)

// SyncHandler handles sync triggers and conflict endpoints.
type SyncHandler struct {
	repo   store.ConflictLogRepository
	engine syncpkg.SyncEngine
}

// NewSyncHandler creates a SyncHandler.
func NewSyncHandler(repo store.ConflictLogRepository, engine syncpkg.SyncEngine) *SyncHandler {
	return &SyncHandler{repo: repo, engine: engine}
}

// TriggerFull handles POST /api/sync/{deviceID}. The exchange itself is
// asynchronous; 202 only means the request left this device.
func (h *SyncHandler) TriggerFull(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	if err := uuid.Validate(deviceID); err != nil {
		respondInvalid(w, "invalid device id")
		return
	}

	if err := h.engine.RequestFullSync(models.UUID(deviceID)); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"device_id": deviceID,
		"mode":      "full",
	})
}

// TriggerIncremental handles POST /api/sync/{deviceID}/incremental.
func (h *SyncHandler) TriggerIncremental(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	if err := uuid.Validate(deviceID); err != nil {
		respondInvalid(w, "invalid device id")
		return
	}

	if err := h.engine.RequestIncrementalSync(models.UUID(deviceID)); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"device_id": deviceID,
		"mode":      "incremental",
	})
}

// ListConflicts handles GET /api/conflicts. These are unresolved conflicts
// held in memory; resolved ones move to the audit log.
func (h *SyncHandler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts := h.engine.PendingConflicts()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"conflicts": conflicts,
		"count":     len(conflicts),
	})
}

// ResolveConflict handles POST /api/conflicts/{id}/resolve.
func (h *SyncHandler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := uuid.Validate(id); err != nil {
		respondInvalid(w, "invalid conflict id")
		return
	}

	var req struct {
		Choice string `json:"choice"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondInvalid(w, "invalid request body")
		return
	}

	choice := models.ResolutionChoice(req.Choice)
	switch choice {
	case models.ResolutionLocal, models.ResolutionRemote, models.ResolutionMerge:
	default:
		respondInvalid(w, "choice must be local, remote or merge")
		return
	}

	if err := h.engine.ResolveConflict(models.UUID(id), choice); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"conflict_id": id,
		"choice":      string(choice),
	})
}

// ConflictLog handles GET /api/conflicts/log?limit=N.
func (h *SyncHandler) ConflictLog(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondInvalid(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	logs, err := h.repo.ListConflictLogs(limit)
	if err != nil {
		respondError(w, errors.Wrap(errors.ErrStore, "failed to list conflict log", err))
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"entries": logs,
		"count":   len(logs),
	})
}
