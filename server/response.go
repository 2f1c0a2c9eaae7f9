package server

import (
	"encoding/json"
	"net/http"

	"github.com/pabawi/pabawi/errors"
)

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		return errors.Wrap(err, "failed to encode JSON")
	}
	return nil
}

// writeError writes a JSON error response
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeDomainError maps a domain error to its HTTP status. A full queue is
// a recoverable 429 with a retry hint, not an opaque failure.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.IsQueueFull(err):
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.IsInvalidRequest(err), errors.Is(err, errors.ErrDuplicateID):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, errors.ErrAlreadyFinished):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// readJSON reads and decodes a JSON request body
func readJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return err
	}
	return nil
}

// requireMethod checks if the request method matches the expected method
func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return false
	}
	return true
}

// invalidParam builds the error for an unparseable query parameter
func invalidParam(name, value string) error {
	return errors.NewInvalidRequestError("invalid %s parameter: %q", name, value)
}

// shortID truncates an ID to 8 characters for logging
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
