package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/sessmux/sessmux/internal/admission"
	"github.com/sessmux/sessmux/internal/governor"
	"github.com/sessmux/sessmux/internal/process"
	"github.com/sessmux/sessmux/internal/session"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// writeDomainError maps engine errors onto HTTP statuses. Unknown
// errors become a 500 with the error text.
func writeDomainError(w http.ResponseWriter, err error) {
	var rle *admission.RateLimitedError
	if errors.As(err, &rle) {
		w.Header().Set("Retry-After", strconv.Itoa(int(rle.RetryAfter.Seconds())+1))
		writeError(w, http.StatusTooManyRequests, err.Error())
		return
	}
	var capErr *governor.CapExceededError
	if errors.As(err, &capErr) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	var spawnErr *process.SpawnError
	if errors.As(err, &spawnErr) {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	switch {
	case errors.Is(err, admission.ErrCircuitOpen):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, session.ErrProjectNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrUnknownKind),
		errors.Is(err, session.ErrWrongKind):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrNotAttachable):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
