package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sessmux/sessmux/internal/database"
	"github.com/sessmux/sessmux/internal/mux"
	"github.com/sessmux/sessmux/internal/session"
)

// Package-level collaborators, set from main during startup.
var (
	Registry *session.Registry
	Mux      *mux.Multiplexer
)

type createSessionRequest struct {
	Kind      string `json:"kind"`
	SessionID string `json:"session_id,omitempty"`
}

// CreateSession creates a new session in a project, or returns an
// existing attachable one when session_id is supplied.
// POST /api/v1/projects/{projectID}/sessions
func CreateSession(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	kind, err := session.ParseKind(req.Kind)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	s, reused, err := Registry.CreateOrAttach(r.Context(), projectID, kind, req.SessionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if userID := r.Header.Get("X-User-ID"); userID != "" {
		s.SetUser(userID)
	}

	status := http.StatusCreated
	if reused {
		status = http.StatusOK
	}
	writeJSON(w, status, s.Snapshot())
}

// ListSessions returns every session in a project.
// GET /api/v1/projects/{projectID}/sessions
func ListSessions(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	sessions := Registry.List(projectID)
	writeJSON(w, http.StatusOK, map[string][]session.Info{"sessions": sessions})
}

// DeleteSession begins graceful teardown of a session.
// DELETE /api/v1/projects/{projectID}/sessions/{sessionID}
func DeleteSession(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	sessionID := chi.URLParam(r, "sessionID")

	s, err := Registry.Get(sessionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if s.ProjectID != projectID {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	if err := Registry.Close(sessionID, session.ReasonClientClose); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closing"})
}

// GetSessionLogs returns persisted log records for a session, ordered
// by sequence. Works for closed sessions too; the records outlive the
// session.
// GET /api/v1/projects/{projectID}/sessions/{sessionID}/logs
func GetSessionLogs(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	limit := 0
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	logs, err := database.ListSessionLogs(r.Context(), database.DB, sessionID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string][]database.SessionLog{"logs": logs})
}
