package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jmcleod/gatehouse/oauth"
	"github.com/jmcleod/gatehouse/session"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// mapError converts session and provider errors into responses. Messages
// are fixed strings so backend details never reach the client.
func mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusUnauthorized, "Not authenticated")
	case errors.Is(err, session.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "session store unavailable")
	case errors.Is(err, session.ErrSessionLimit):
		writeError(w, http.StatusConflict, "concurrent session limit reached")
	case errors.Is(err, session.ErrLoginState):
		writeError(w, http.StatusBadRequest, "invalid or expired login state")
	case errors.Is(err, session.ErrInvalidPrincipal):
		writeError(w, http.StatusBadGateway, "identity provider returned no subject")
	case errors.Is(err, oauth.ErrExchange):
		writeError(w, http.StatusBadGateway, "identity provider exchange failed")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
