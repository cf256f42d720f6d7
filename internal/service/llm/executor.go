package llm

import (
	"context"
	"fmt"
	"sync"

	chatModels "anomalygpt/internal/domain/models/chat"
	chatRepo "anomalygpt/internal/domain/repositories/chat"
	services "anomalygpt/internal/domain/services/chat"
)

// Execution status values
const (
	StatusStreaming = "streaming"
	StatusComplete  = "complete"
	StatusError     = "error"
	StatusCancelled = "cancelled"
)

// TurnExecutor holds the live streaming state of one turn: the set of
// connected SSE clients, the turn-scoped cancellation context, and the blocks
// produced so far. The orchestrator drives the turn and reports progress
// through it; SSE handlers attach to it.
//
// The turn ID is the ID of the turn's first assistant message.
//
// Thread-safety: methods are thread-safe. Multiple SSE clients can connect
// concurrently while the orchestrator streams.
type TurnExecutor struct {
	turnID    string
	sessionID string
	model     string
	messages  chatRepo.MessageRepository

	ctx        context.Context
	cancelFunc context.CancelFunc

	// SSE client management
	clients   map[string]chan string // clientID -> event channel
	clientsMu sync.RWMutex

	// Messages belonging to this turn so far, in creation order (for catchup)
	turnMessageIDs []string
	accumulator    *BlockAccumulator // accumulator of the message currently streaming
	progressMu     sync.RWMutex

	status    string
	statusErr error
	statusMu  sync.RWMutex

	// Populated when the turn completes
	metadata   *services.StreamMetadata
	metadataMu sync.RWMutex
}

// NewTurnExecutor creates the streaming state for a turn.
func NewTurnExecutor(
	parentCtx context.Context,
	turnID string,
	sessionID string,
	model string,
	messages chatRepo.MessageRepository,
) *TurnExecutor {
	ctx, cancel := context.WithCancel(parentCtx)

	return &TurnExecutor{
		turnID:         turnID,
		sessionID:      sessionID,
		model:          model,
		messages:       messages,
		ctx:            ctx,
		cancelFunc:     cancel,
		clients:        make(map[string]chan string),
		turnMessageIDs: []string{turnID},
		status:         StatusStreaming,
	}
}

// TurnID returns the turn identifier (first assistant message ID).
func (e *TurnExecutor) TurnID() string { return e.turnID }

// SessionID returns the session this turn belongs to.
func (e *TurnExecutor) SessionID() string { return e.sessionID }

// Model returns the model the turn runs on.
func (e *TurnExecutor) Model() string { return e.model }

// Context returns the turn-scoped context; Interrupt cancels it.
func (e *TurnExecutor) Context() context.Context { return e.ctx }

// AddClient registers a new SSE client for this turn.
// Returns a channel that receives SSE-formatted event strings.
// The client should read from the channel until it closes.
func (e *TurnExecutor) AddClient(clientID string) <-chan string {
	e.clientsMu.Lock()
	defer e.clientsMu.Unlock()

	// Buffered to prevent a slow client from blocking the stream
	eventChan := make(chan string, 20)
	e.clients[clientID] = eventChan

	return eventChan
}

// RemoveClient unregisters an SSE client.
func (e *TurnExecutor) RemoveClient(clientID string) {
	e.clientsMu.Lock()
	defer e.clientsMu.Unlock()

	if ch, exists := e.clients[clientID]; exists {
		close(ch)
		delete(e.clients, clientID)
	}
}

// GetClientChannel returns the channel for a client, for catchup sends.
// Returns nil if the client doesn't exist.
func (e *TurnExecutor) GetClientChannel(clientID string) chan string {
	e.clientsMu.RLock()
	defer e.clientsMu.RUnlock()

	return e.clients[clientID]
}

// Interrupt cancels the streaming turn.
// Safe to call multiple times.
func (e *TurnExecutor) Interrupt() {
	e.cancelFunc()

	e.statusMu.Lock()
	if e.status == StatusStreaming {
		e.status = StatusCancelled
	}
	e.statusMu.Unlock()
}

// Status returns the current execution status.
func (e *TurnExecutor) Status() string {
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()
	return e.status
}

// Err returns the error if status is "error", nil otherwise.
func (e *TurnExecutor) Err() error {
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()
	return e.statusErr
}

// Metadata returns the final stream metadata (available after completion).
func (e *TurnExecutor) Metadata() *services.StreamMetadata {
	e.metadataMu.RLock()
	defer e.metadataMu.RUnlock()
	return e.metadata
}

// TrackMessage adds a message to the turn for catchup replay.
// Called by the orchestrator when it appends a message within the turn.
func (e *TurnExecutor) TrackMessage(messageID string) {
	e.progressMu.Lock()
	defer e.progressMu.Unlock()
	e.turnMessageIDs = append(e.turnMessageIDs, messageID)
}

// SetAccumulator points the executor at the accumulator of the message
// currently streaming, so reconnecting clients can catch up mid-block.
func (e *TurnExecutor) SetAccumulator(acc *BlockAccumulator) {
	e.progressMu.Lock()
	defer e.progressMu.Unlock()
	e.accumulator = acc
}

// Broadcast sends an SSE event to all connected clients.
// A client with a full channel is skipped; it will reconnect for catchup.
func (e *TurnExecutor) Broadcast(event string) {
	e.clientsMu.RLock()
	defer e.clientsMu.RUnlock()

	for _, ch := range e.clients {
		select {
		case ch <- event:
		default:
		}
	}
}

// MarkComplete records successful completion and closes all client channels.
func (e *TurnExecutor) MarkComplete(metadata *services.StreamMetadata) {
	e.metadataMu.Lock()
	e.metadata = metadata
	e.metadataMu.Unlock()

	e.statusMu.Lock()
	e.status = StatusComplete
	e.statusMu.Unlock()

	completeEvent, _ := chatModels.NewTurnCompleteEvent(e.turnID, metadata.StopReason, metadata.InputTokens, metadata.OutputTokens)
	e.Broadcast(completeEvent)

	e.closeClients()
}

// MarkError records a failure and closes all client channels.
func (e *TurnExecutor) MarkError(err error) {
	e.statusMu.Lock()
	e.status = StatusError
	e.statusErr = err
	e.statusMu.Unlock()

	errorEvent, _ := chatModels.NewTurnErrorEvent(e.turnID, err.Error(), false)
	e.Broadcast(errorEvent)

	e.closeClients()
}

// MarkCancelled records an interruption and closes all client channels.
func (e *TurnExecutor) MarkCancelled() {
	e.statusMu.Lock()
	e.status = StatusCancelled
	e.statusMu.Unlock()

	errorEvent, _ := chatModels.NewTurnErrorEvent(e.turnID, "turn was cancelled", true)
	e.Broadcast(errorEvent)

	e.closeClients()
}

func (e *TurnExecutor) closeClients() {
	e.clientsMu.Lock()
	defer e.clientsMu.Unlock()

	for clientID, ch := range e.clients {
		close(ch)
		delete(e.clients, clientID)
	}
}

// settleClient closes and unregisters the client owning the channel. Removal
// and close happen under one lock acquisition, so whichever of settleClient,
// closeClients, and RemoveClient runs first is the only closer. A channel no
// longer in the map was already closed; a channel never registered belongs to
// the caller.
func (e *TurnExecutor) settleClient(ch chan<- string) {
	e.clientsMu.Lock()
	defer e.clientsMu.Unlock()

	for clientID, c := range e.clients {
		if (chan<- string)(c) == ch {
			close(c)
			delete(e.clients, clientID)
			return
		}
	}
}

// HandleReconnection sends catchup events to a newly connected client:
// all persisted blocks of the turn's messages, then the current partial
// block if streaming is still in progress. For finished turns it replays the
// terminal event and settles the client, closing its channel exactly once.
func (e *TurnExecutor) HandleReconnection(ctx context.Context, clientChan chan<- string) error {
	e.progressMu.RLock()
	messageIDs := make([]string, len(e.turnMessageIDs))
	copy(messageIDs, e.turnMessageIDs)
	acc := e.accumulator
	e.progressMu.RUnlock()

	for _, messageID := range messageIDs {
		blocks, err := e.messages.GetMessageBlocks(ctx, messageID)
		if err != nil {
			return fmt.Errorf("failed to fetch message blocks: %w", err)
		}

		for i := range blocks {
			event, err := chatModels.NewBlockCatchupEvent(&blocks[i])
			if err != nil {
				return fmt.Errorf("failed to create catchup event: %w", err)
			}

			select {
			case clientChan <- event:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	switch e.Status() {
	case StatusStreaming:
		if acc != nil {
			if currentBlock := acc.CurrentBlock(); currentBlock != nil {
				event, err := chatModels.NewBlockCatchupEvent(currentBlock)
				if err != nil {
					return fmt.Errorf("failed to create current block catchup event: %w", err)
				}

				select {
				case clientChan <- event:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}

	case StatusComplete:
		if metadata := e.Metadata(); metadata != nil {
			event, err := chatModels.NewTurnCompleteEvent(e.turnID, metadata.StopReason, metadata.InputTokens, metadata.OutputTokens)
			if err != nil {
				return fmt.Errorf("failed to create turn complete event: %w", err)
			}

			select {
			case clientChan <- event:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		e.settleClient(clientChan)

	case StatusError:
		errorMsg := "unknown error"
		if statusErr := e.Err(); statusErr != nil {
			errorMsg = statusErr.Error()
		}

		event, err := chatModels.NewTurnErrorEvent(e.turnID, errorMsg, false)
		if err != nil {
			return fmt.Errorf("failed to create turn error event: %w", err)
		}

		select {
		case clientChan <- event:
		case <-ctx.Done():
			return ctx.Err()
		}
		e.settleClient(clientChan)

	case StatusCancelled:
		event, err := chatModels.NewTurnErrorEvent(e.turnID, "turn was cancelled", true)
		if err != nil {
			return fmt.Errorf("failed to create cancellation event: %w", err)
		}

		select {
		case clientChan <- event:
		case <-ctx.Done():
			return ctx.Err()
		}
		e.settleClient(clientChan)
	}

	return nil
}
