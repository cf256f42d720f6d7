package handler

import (
	"log/slog"
	"net/http"

	"anomalygpt/internal/httputil"
	"anomalygpt/internal/service/orchestrator"
)

// SessionHandler handles session HTTP requests.
// Handlers only communicate with the orchestrator, never repositories.
type SessionHandler struct {
	orchestrator *orchestrator.Orchestrator
	logger       *slog.Logger
}

// NewSessionHandler creates a new session handler
func NewSessionHandler(orch *orchestrator.Orchestrator, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{
		orchestrator: orch,
		logger:       logger,
	}
}

// CreateSessionRequest is the body of POST /api/sessions
type CreateSessionRequest struct {
	Title string `json:"title"`
}

// CreateSession creates a new chat session seeded with the greeting
// POST /api/sessions
func (h *SessionHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := httputil.ParseJSON(w, r, &req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Title == "" {
		req.Title = "New conversation"
	}

	session, err := h.orchestrator.CreateSession(r.Context(), req.Title)
	if err != nil {
		handleError(w, err)
		return
	}

	httputil.RespondJSON(w, http.StatusCreated, session)
}

// ListSessions retrieves all sessions, most recently active first
// GET /api/sessions
func (h *SessionHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.orchestrator.ListSessions(r.Context())
	if err != nil {
		handleError(w, err)
		return
	}

	httputil.RespondJSON(w, http.StatusOK, sessions)
}

// GetSession retrieves a single session by ID
// GET /api/sessions/{id}
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := PathParam(w, r, "id", "Session ID")
	if !ok {
		return
	}

	session, err := h.orchestrator.GetSession(r.Context(), sessionID)
	if err != nil {
		handleError(w, err)
		return
	}

	httputil.RespondJSON(w, http.StatusOK, session)
}

// DeleteSession removes a session and its messages
// DELETE /api/sessions/{id}
func (h *SessionHandler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := PathParam(w, r, "id", "Session ID")
	if !ok {
		return
	}

	if err := h.orchestrator.DeleteSession(r.Context(), sessionID); err != nil {
		handleError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListSessionMessages retrieves a session's conversation log with blocks
// GET /api/sessions/{id}/messages
func (h *SessionHandler) ListSessionMessages(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := PathParam(w, r, "id", "Session ID")
	if !ok {
		return
	}

	messages, err := h.orchestrator.ListSessionMessages(r.Context(), sessionID)
	if err != nil {
		handleError(w, err)
		return
	}

	httputil.RespondJSON(w, http.StatusOK, messages)
}
