// Package httpapi exposes the admin-facing HTTP API of the sync engine.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fairyhunter13/marketplace-sync-engine/internal/lifecycle"
	"github.com/fairyhunter13/marketplace-sync-engine/internal/obs"
	"github.com/fairyhunter13/marketplace-sync-engine/internal/orchestrator"
	"github.com/fairyhunter13/marketplace-sync-engine/internal/store"
)

// jsonError represents a JSON error payload.
type jsonError struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// WriteJSONError writes a JSON error payload with the given status code.
func WriteJSONError(w http.ResponseWriter, status int, message, details string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(jsonError{Error: message, Details: details})
}

// writeEngineError maps orchestrator and ledger errors onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		WriteJSONError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, lifecycle.ErrIllegalTransition):
		WriteJSONError(w, http.StatusConflict, "illegal_transition", err.Error())
	case errors.Is(err, store.ErrDuplicate):
		WriteJSONError(w, http.StatusConflict, "duplicate", err.Error())
	case errors.Is(err, store.ErrVersionConflict):
		WriteJSONError(w, http.StatusConflict, "version_conflict", err.Error())
	case errors.Is(err, orchestrator.ErrInvalidIntent),
		errors.Is(err, orchestrator.ErrInvalidProduct),
		errors.Is(err, orchestrator.ErrUnknownMarketplace):
		WriteJSONError(w, http.StatusBadRequest, "validation_error", err.Error())
	default:
		obs.Logger.Error("request_failed", "path", r.URL.Path, "request_id", RequestIDFromContext(r.Context()), "error", err)
		WriteJSONError(w, http.StatusInternalServerError, "internal_error", "")
	}
}
