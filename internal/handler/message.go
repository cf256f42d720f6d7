package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	chatModels "anomalygpt/internal/domain/models/chat"
	"anomalygpt/internal/handler/sse"
	"anomalygpt/internal/httputil"
	"anomalygpt/internal/service/llm"
	"anomalygpt/internal/service/orchestrator"
)

// MessageHandler handles message submission, streaming, and interruption.
type MessageHandler struct {
	orchestrator *orchestrator.Orchestrator
	registry     *llm.ExecutorRegistry
	sseConfig    *sse.Config
	logger       *slog.Logger
}

// NewMessageHandler creates a new message handler
func NewMessageHandler(
	orch *orchestrator.Orchestrator,
	registry *llm.ExecutorRegistry,
	sseConfig *sse.Config,
	logger *slog.Logger,
) *MessageHandler {
	return &MessageHandler{
		orchestrator: orch,
		registry:     registry,
		sseConfig:    sseConfig,
		logger:       logger,
	}
}

// SubmitMessageRequest is the body of POST /api/sessions/{id}/messages
type SubmitMessageRequest struct {
	Content string `json:"content"`
}

// SubmitMessageResponse returns the opened turn and where to stream it from
type SubmitMessageResponse struct {
	Message   *chatModels.Message `json:"message"`
	StreamURL string              `json:"stream_url"`
}

// SubmitMessage appends a user message and starts a streaming turn
// POST /api/sessions/{id}/messages
// Returns 409 if the session already has a turn in flight
func (h *MessageHandler) SubmitMessage(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := PathParam(w, r, "id", "Session ID")
	if !ok {
		return
	}

	var req SubmitMessageRequest
	if err := httputil.ParseJSON(w, r, &req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	message, err := h.orchestrator.SubmitMessage(r.Context(), sessionID, req.Content)
	if err != nil {
		handleError(w, err)
		return
	}

	httputil.RespondJSON(w, http.StatusCreated, SubmitMessageResponse{
		Message:   message,
		StreamURL: "/api/messages/" + message.ID + "/stream",
	})
}

// StreamMessage streams turn events via Server-Sent Events
// GET /api/messages/{id}/stream
//
// Reconnecting clients receive catchup events for everything persisted so
// far, then live events until the turn settles.
func (h *MessageHandler) StreamMessage(w http.ResponseWriter, r *http.Request) {
	turnID, ok := PathParam(w, r, "id", "Message ID")
	if !ok {
		return
	}

	writer, err := sse.NewWriter(w)
	if err != nil {
		httputil.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	clientID := uuid.New().String()
	h.logger.Debug("SSE stream established", "turn_id", turnID, "client_id", clientID)

	executor := h.registry.Get(turnID)
	if executor == nil {
		// Turn finished past the release grace, or never existed. Establish
		// the stream first, then send the error event so the client can
		// fall back to fetching the persisted log.
		event, _ := chatModels.NewTurnErrorEvent(turnID, "streaming not active for this turn", false)
		if writeErr := writer.WriteEvent(event); writeErr != nil {
			h.logger.Debug("client disconnected before error event", "turn_id", turnID, "client_id", clientID)
		}
		return
	}

	eventChan := executor.AddClient(clientID)
	defer executor.RemoveClient(clientID)

	// Catchup: replay persisted blocks (and the terminal event for settled
	// turns) before live events
	clientChan := executor.GetClientChannel(clientID)
	if err := executor.HandleReconnection(r.Context(), clientChan); err != nil {
		h.logger.Warn("catchup failed, client will receive live events only",
			"turn_id", turnID,
			"client_id", clientID,
			"error", err,
		)
	}

	ticker := time.NewTicker(h.sseConfig.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case event, open := <-eventChan:
			if !open {
				// Channel closed - turn complete/error/cancelled
				h.logger.Debug("event channel closed, ending stream",
					"turn_id", turnID,
					"client_id", clientID,
				)
				return
			}
			if err := writer.WriteEvent(event); err != nil {
				h.logger.Info("client disconnected during event write",
					"turn_id", turnID,
					"client_id", clientID,
					"error", err,
				)
				return
			}

		case <-ticker.C:
			if err := writer.WriteKeepAlive(); err != nil {
				h.logger.Info("client disconnected during keepalive",
					"turn_id", turnID,
					"client_id", clientID,
					"error", err,
				)
				return
			}

		case <-r.Context().Done():
			h.logger.Debug("client context cancelled, ending stream",
				"turn_id", turnID,
				"client_id", clientID,
			)
			return
		}
	}
}

// InterruptMessage cancels a streaming turn
// POST /api/messages/{id}/interrupt
func (h *MessageHandler) InterruptMessage(w http.ResponseWriter, r *http.Request) {
	turnID, ok := PathParam(w, r, "id", "Message ID")
	if !ok {
		return
	}

	if err := h.orchestrator.Interrupt(turnID); err != nil {
		handleError(w, err)
		return
	}

	h.logger.Info("turn interrupted by client", "turn_id", turnID)
	httputil.RespondJSON(w, http.StatusOK, map[string]string{"status": "interrupted"})
}
