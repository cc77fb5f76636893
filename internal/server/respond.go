package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/flightdeck-io/flightdeck/internal/engine"
	"github.com/flightdeck-io/flightdeck/internal/storage"
)

// errValidation tags request-shape failures; the handlers wrap it with
// the specific field complaint.
var errValidation = errors.New("validation")

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// respondErr maps domain errors onto the HTTP taxonomy. Conflict-shaped
// failures (stale version, wrong queue, dead lease, unresolved
// dependency) are all 409; the body keeps the specific cause.
func respondErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrUnknownHook):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrDuplicate):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, storage.ErrConflict),
		errors.Is(err, engine.ErrLeaseExpired),
		errors.Is(err, engine.ErrVersionMismatch),
		errors.Is(err, engine.ErrRoleMismatch),
		errors.Is(err, engine.ErrScopeMismatch),
		errors.Is(err, engine.ErrDependencyUnresolved):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid request body: %w", errValidation)
	}
	return nil
}
