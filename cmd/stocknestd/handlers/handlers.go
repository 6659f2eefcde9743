// Package handlers provides the REST API handlers the StockNest UI talks to
// on localhost. Handlers never reach into peers directly; anything that must
// travel goes through the sync engine.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/stocknest/backend/internal/errors"
	"github.com/stocknest/backend/internal/logging"
)

// respondJSON writes payload as a JSON response with the given status.
func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logging.Error("failed to encode response", err)
	}
}

// respondError maps application error codes onto HTTP status codes and
// writes a structured error body.
func respondError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)

	status := http.StatusInternalServerError
	switch code {
	case errors.ErrInvalid, errors.ErrValidation, errors.ErrMalformedPayload, errors.ErrConflictInvalid:
		status = http.StatusBadRequest
	case errors.ErrNotFound, errors.ErrEntityNotFound, errors.ErrConflictNotFound:
		status = http.StatusNotFound
	case errors.ErrAccessDenied:
		status = http.StatusForbidden
	case errors.ErrSyncInProgress:
		status = http.StatusConflict
	case errors.ErrNoRoute, errors.ErrConnectTimeout, errors.ErrChannelClosed:
		status = http.StatusBadGateway
	}

	respondJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"code":    string(code),
			"message": err.Error(),
		},
	})
}

// respondInvalid writes a 400 with an INVALID_INPUT body.
func respondInvalid(w http.ResponseWriter, message string) {
	respondError(w, errors.New(errors.ErrInvalid, message))
}
