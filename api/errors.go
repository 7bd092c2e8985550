package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jmcleod/sessionkeeper/identity"
	"github.com/jmcleod/sessionkeeper/storage"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, MessageResponse{Message: msg})
}

// writeInvalid is the validate/heartbeat failure shape, which also carries
// valid=false.
func writeInvalid(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ValidateResponse{Valid: false, Message: msg})
}

func mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, identity.ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, "Invalid or expired token")
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "User not found")
	case errors.Is(err, ErrEmailTaken):
		writeError(w, http.StatusConflict, "Failed to create user")
	default:
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
