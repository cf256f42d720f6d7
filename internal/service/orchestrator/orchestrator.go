// Package orchestrator runs chat turns: it grounds the user prompt with
// retrieved context, streams model responses, executes requested tools, and
// feeds results back to the model until the turn settles.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"anomalygpt/internal/config"
	"anomalygpt/internal/domain"
	chatModels "anomalygpt/internal/domain/models/chat"
	"anomalygpt/internal/domain/repositories"
	chatRepo "anomalygpt/internal/domain/repositories/chat"
	services "anomalygpt/internal/domain/services/chat"
	"anomalygpt/internal/sensorcat"
	"anomalygpt/internal/service/llm"
	"anomalygpt/internal/service/llm/tools"
	"anomalygpt/internal/service/retrieval"
)

// releaseGrace keeps finished executors reachable for late stream requests.
const releaseGrace = 30 * time.Second

// Orchestrator coordinates sessions and turn execution.
type Orchestrator struct {
	sessions  chatRepo.SessionRepository
	messages  chatRepo.MessageRepository
	tx        repositories.TransactionManager
	provider  services.LLMProvider
	retriever *retrieval.Retriever
	tools     *tools.Registry
	executors *llm.ExecutorRegistry
	catalog   *sensorcat.Catalog

	model     string
	maxTokens int
	logger    *slog.Logger
}

// New creates an Orchestrator.
func New(
	sessions chatRepo.SessionRepository,
	messages chatRepo.MessageRepository,
	txManager repositories.TransactionManager,
	provider services.LLMProvider,
	retriever *retrieval.Retriever,
	toolRegistry *tools.Registry,
	executors *llm.ExecutorRegistry,
	catalog *sensorcat.Catalog,
	model string,
	maxTokens int,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		sessions:  sessions,
		messages:  messages,
		tx:        txManager,
		provider:  provider,
		retriever: retriever,
		tools:     toolRegistry,
		executors: executors,
		catalog:   catalog,
		model:     model,
		maxTokens: maxTokens,
		logger:    logger,
	}
}

// CreateSession creates a session seeded with the assistant greeting.
func (o *Orchestrator) CreateSession(ctx context.Context, title string) (*chatModels.Session, error) {
	if len(title) > config.MaxSessionTitleLength {
		return nil, &domain.ValidationError{
			Message: fmt.Sprintf("title exceeds %d characters", config.MaxSessionTitleLength),
		}
	}

	now := time.Now().UTC()
	session := &chatModels.Session{
		ID:        uuid.New().String(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := o.tx.ExecTx(ctx, func(txCtx context.Context) error {
		if err := o.sessions.CreateSession(txCtx, session); err != nil {
			return err
		}

		greeting := chatModels.Greeting
		greetingMsg := &chatModels.Message{
			ID:          uuid.New().String(),
			SessionID:   session.ID,
			Role:        chatModels.RoleAssistant,
			Status:      chatModels.StatusComplete,
			CreatedAt:   now,
			CompletedAt: &now,
		}
		if err := o.messages.CreateMessage(txCtx, greetingMsg); err != nil {
			return fmt.Errorf("seed greeting: %w", err)
		}
		if err := o.messages.CreateMessageBlock(txCtx, &chatModels.MessageBlock{
			ID:          uuid.New().String(),
			MessageID:   greetingMsg.ID,
			BlockType:   chatModels.BlockTypeText,
			Sequence:    0,
			TextContent: &greeting,
			CreatedAt:   now,
		}); err != nil {
			return fmt.Errorf("seed greeting block: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return session, nil
}

// SubmitMessage appends the user message, opens a turn, and starts streaming
// in the background. Returns the turn's first assistant message; clients
// stream it by turn ID.
func (o *Orchestrator) SubmitMessage(ctx context.Context, sessionID, content string) (*chatModels.Message, error) {
	if _, err := o.sessions.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	if len(content) == 0 {
		return nil, &domain.ValidationError{Message: "message content is required"}
	}
	if len(content) > config.MaxUserMessageLength {
		return nil, &domain.ValidationError{
			Message: fmt.Sprintf("message content exceeds %d characters", config.MaxUserMessageLength),
		}
	}
	if active := o.executors.ActiveForSession(sessionID); active != nil {
		return nil, fmt.Errorf("session %s already has a streaming turn: %w", sessionID, domain.ErrConflict)
	}

	now := time.Now().UTC()
	userMsg := &chatModels.Message{
		ID:          uuid.New().String(),
		SessionID:   sessionID,
		Role:        chatModels.RoleUser,
		Status:      chatModels.StatusComplete,
		CreatedAt:   now,
		CompletedAt: &now,
	}
	model := o.model
	assistantMsg := &chatModels.Message{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Role:      chatModels.RoleAssistant,
		Status:    chatModels.StatusStreaming,
		Model:     &model,
		CreatedAt: now,
	}

	// The user message and the opened turn land atomically: a turn never
	// exists without its prompt
	err := o.tx.ExecTx(ctx, func(txCtx context.Context) error {
		if err := o.messages.CreateMessage(txCtx, userMsg); err != nil {
			return err
		}
		if err := o.messages.CreateMessageBlock(txCtx, &chatModels.MessageBlock{
			ID:          uuid.New().String(),
			MessageID:   userMsg.ID,
			BlockType:   chatModels.BlockTypeText,
			Sequence:    0,
			TextContent: &content,
			CreatedAt:   now,
		}); err != nil {
			return err
		}
		return o.messages.CreateMessage(txCtx, assistantMsg)
	})
	if err != nil {
		return nil, err
	}

	if err := o.sessions.TouchSession(ctx, sessionID); err != nil {
		o.logger.Warn("failed to touch session", "session_id", sessionID, "error", err)
	}

	executor := llm.NewTurnExecutor(context.Background(), assistantMsg.ID, sessionID, o.model, o.messages)
	o.executors.Register(executor)

	go o.runTurn(executor, userMsg.ID, content)

	return assistantMsg, nil
}

// ListSessions returns all sessions, most recently active first.
func (o *Orchestrator) ListSessions(ctx context.Context) ([]chatModels.Session, error) {
	return o.sessions.ListSessions(ctx)
}

// GetSession returns one session by ID.
func (o *Orchestrator) GetSession(ctx context.Context, sessionID string) (*chatModels.Session, error) {
	return o.sessions.GetSession(ctx, sessionID)
}

// DeleteSession removes a session and its conversation log.
// Refused while the session has a streaming turn.
func (o *Orchestrator) DeleteSession(ctx context.Context, sessionID string) error {
	if active := o.executors.ActiveForSession(sessionID); active != nil {
		return fmt.Errorf("session %s has a streaming turn: %w", sessionID, domain.ErrConflict)
	}
	return o.sessions.DeleteSession(ctx, sessionID)
}

// ListSessionMessages returns a session's full conversation log.
func (o *Orchestrator) ListSessionMessages(ctx context.Context, sessionID string) ([]chatModels.Message, error) {
	if _, err := o.sessions.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return o.messages.ListSessionMessages(ctx, sessionID)
}

// Interrupt cancels a streaming turn.
// Returns domain.ErrNotFound if the turn is unknown or already released.
func (o *Orchestrator) Interrupt(turnID string) error {
	executor := o.executors.Get(turnID)
	if executor == nil {
		return fmt.Errorf("turn %s: %w", turnID, domain.ErrNotFound)
	}
	executor.Interrupt()
	return nil
}

// runTurn drives one turn to completion: retrieve, then alternate generation
// and tool execution until the model stops requesting tools, the round bound
// is hit, the turn errors, or the client interrupts.
func (o *Orchestrator) runTurn(executor *llm.TurnExecutor, promptID, prompt string) {
	ctx := executor.Context()
	turnID := executor.TurnID()
	sessionID := executor.SessionID()
	defer o.executors.Release(turnID, releaseGrace)

	startEvent, _ := chatModels.NewTurnStartEvent(turnID, o.model)
	executor.Broadcast(startEvent)

	docs := o.retriever.Retrieve(ctx, promptID, prompt)
	system := buildSystemPrompt(docs)

	assistantID := turnID
	totalInput, totalOutput := 0, 0

	for round := 0; ; round++ {
		if ctx.Err() != nil {
			o.finishCancelled(executor, assistantID)
			return
		}

		// Later rounds stream into fresh assistant messages
		if round > 0 {
			msg, err := o.appendAssistantMessage(ctx, sessionID)
			if err != nil {
				o.finishError(executor, assistantID, err)
				return
			}
			assistantID = msg.ID
			executor.TrackMessage(assistantID)
		}

		metadata, err := o.generate(ctx, executor, sessionID, assistantID, system)
		if err != nil {
			if ctx.Err() != nil {
				o.finishCancelled(executor, assistantID)
			} else {
				o.finishError(executor, assistantID, err)
			}
			return
		}
		totalInput += metadata.InputTokens
		totalOutput += metadata.OutputTokens

		dbCtx := context.WithoutCancel(ctx)
		if err := o.messages.UpdateMessageMetadata(dbCtx, assistantID, metadata.Model, metadata.InputTokens, metadata.OutputTokens, metadata.StopReason); err != nil {
			o.logger.Warn("failed to store message metadata", "message_id", assistantID, "error", err)
		}
		now := time.Now().UTC()
		if err := o.messages.UpdateMessageStatus(dbCtx, assistantID, chatModels.StatusComplete, &now); err != nil {
			o.logger.Warn("failed to complete message", "message_id", assistantID, "error", err)
		}

		blocks, err := o.messages.GetMessageBlocks(ctx, assistantID)
		if err != nil {
			o.finishError(executor, assistantID, err)
			return
		}
		calls := toolCallsFromBlocks(blocks)
		if len(calls) == 0 {
			executor.MarkComplete(&services.StreamMetadata{
				Model:        metadata.Model,
				InputTokens:  totalInput,
				OutputTokens: totalOutput,
				StopReason:   metadata.StopReason,
			})
			o.logger.Info("turn complete",
				"turn_id", turnID,
				"session_id", sessionID,
				"rounds", round+1,
				"input_tokens", totalInput,
				"output_tokens", totalOutput,
			)
			return
		}

		if err := o.executeToolRound(ctx, executor, sessionID, calls); err != nil {
			if ctx.Err() != nil {
				o.finishCancelled(executor, assistantID)
			} else {
				o.finishError(executor, assistantID, err)
			}
			return
		}

		// The round bound stops further generation, never tool settlement:
		// the calls above already have their results persisted
		if round+1 >= config.MaxToolRoundsPerTurn {
			executor.MarkComplete(&services.StreamMetadata{
				Model:        metadata.Model,
				InputTokens:  totalInput,
				OutputTokens: totalOutput,
				StopReason:   chatModels.StopReasonMaxToolRounds,
			})
			o.logger.Warn("turn hit tool round bound",
				"turn_id", turnID,
				"session_id", sessionID,
				"rounds", round+1,
			)
			return
		}
	}
}

// generate streams one model response into the assistant message, persisting
// blocks and broadcasting deltas as they arrive.
func (o *Orchestrator) generate(ctx context.Context, executor *llm.TurnExecutor, sessionID, assistantID, system string) (*services.StreamMetadata, error) {
	history, err := o.messages.ListSessionMessages(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	history = promptHistory(history, assistantID)

	acc := llm.NewBlockAccumulator(assistantID, o.messages)
	executor.SetAccumulator(acc)
	defer executor.SetAccumulator(nil)

	req := &services.GenerateRequest{
		System:    system,
		Messages:  history,
		Tools:     tools.Definitions(o.catalog),
		Model:     o.model,
		MaxTokens: o.maxTokens,
	}

	currentBlockIndex := -1
	var deltaErr error

	metadata, err := o.provider.StreamGenerate(ctx, req, func(delta *chatModels.BlockDelta) {
		if deltaErr != nil {
			return
		}

		if delta.BlockIndex != currentBlockIndex {
			blockStartEvent, _ := chatModels.NewBlockStartEvent(assistantID, delta.BlockIndex, delta.BlockType)
			executor.Broadcast(blockStartEvent)
			currentBlockIndex = delta.BlockIndex
		}

		deltaEvent, _ := chatModels.NewBlockDeltaEvent(assistantID, delta)
		executor.Broadcast(deltaEvent)

		flushed, err := acc.ProcessDelta(context.WithoutCancel(ctx), delta)
		if err != nil {
			deltaErr = err
			return
		}
		if flushed != nil {
			blockStopEvent, _ := chatModels.NewBlockStopEvent(assistantID, flushed.Sequence)
			executor.Broadcast(blockStopEvent)
		}
	})
	if deltaErr != nil {
		return nil, deltaErr
	}
	if err != nil {
		// Persist whatever streamed before the failure
		if _, finErr := acc.Finalize(context.WithoutCancel(ctx)); finErr != nil {
			o.logger.Warn("failed to persist partial blocks", "message_id", assistantID, "error", finErr)
		}
		return nil, err
	}

	lastBlock, err := acc.Finalize(ctx)
	if err != nil {
		return nil, err
	}
	if lastBlock != nil {
		blockStopEvent, _ := chatModels.NewBlockStopEvent(assistantID, lastBlock.Sequence)
		executor.Broadcast(blockStopEvent)
	}

	return metadata, nil
}

// executeToolRound fans the round's calls out to the registry, persists one
// tool message holding the results in call order, and broadcasts progress.
// A call naming a tool outside the registry's vocabulary is a configuration
// fault that fails the turn.
func (o *Orchestrator) executeToolRound(ctx context.Context, executor *llm.TurnExecutor, sessionID string, calls []tools.ToolCall) error {
	results, err := o.tools.ExecuteParallel(ctx, calls)
	if err != nil {
		o.logger.Error("tool dispatch fault",
			"turn_id", executor.TurnID(),
			"session_id", sessionID,
			"error", err,
		)
		return errors.New("assistant requested an unavailable tool")
	}

	toolMsg, appendErr := o.appendToolMessage(context.WithoutCancel(ctx), sessionID, results)
	if appendErr != nil {
		return appendErr
	}
	executor.TrackMessage(toolMsg.ID)

	for _, result := range results {
		resultEvent, _ := chatModels.NewToolResultEvent(result.ID, result.Name, result.IsError)
		executor.Broadcast(resultEvent)

		if result.ImageFile != "" {
			imageEvent, _ := chatModels.NewImageEvent(imageURL(result.ImageFile))
			executor.Broadcast(imageEvent)
		}
	}

	return ctx.Err()
}

// appendAssistantMessage opens a streaming assistant message for a follow-up
// round.
func (o *Orchestrator) appendAssistantMessage(ctx context.Context, sessionID string) (*chatModels.Message, error) {
	model := o.model
	msg := &chatModels.Message{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Role:      chatModels.RoleAssistant,
		Status:    chatModels.StatusStreaming,
		Model:     &model,
		CreatedAt: time.Now().UTC(),
	}
	if err := o.messages.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("append assistant message: %w", err)
	}
	return msg, nil
}

// appendToolMessage persists one tool message carrying the round's results:
// a tool_result block per call in call order, plus an image block after each
// plot result.
func (o *Orchestrator) appendToolMessage(ctx context.Context, sessionID string, results []tools.ToolResult) (*chatModels.Message, error) {
	now := time.Now().UTC()
	msg := &chatModels.Message{
		ID:          uuid.New().String(),
		SessionID:   sessionID,
		Role:        chatModels.RoleTool,
		Status:      chatModels.StatusComplete,
		CreatedAt:   now,
		CompletedAt: &now,
	}
	err := o.tx.ExecTx(ctx, func(txCtx context.Context) error {
		if err := o.messages.CreateMessage(txCtx, msg); err != nil {
			return fmt.Errorf("append tool message: %w", err)
		}

		seq := 0
		for _, result := range results {
			content := result.Content
			if err := o.messages.CreateMessageBlock(txCtx, &chatModels.MessageBlock{
				ID:          uuid.New().String(),
				MessageID:   msg.ID,
				BlockType:   chatModels.BlockTypeToolResult,
				Sequence:    seq,
				TextContent: &content,
				Content: map[string]interface{}{
					"tool_use_id": result.ID,
					"tool_name":   result.Name,
					"is_error":    result.IsError,
				},
				CreatedAt: now,
			}); err != nil {
				return fmt.Errorf("append tool_result block: %w", err)
			}
			seq++

			if result.ImageFile != "" {
				if err := o.messages.CreateMessageBlock(txCtx, &chatModels.MessageBlock{
					ID:        uuid.New().String(),
					MessageID: msg.ID,
					BlockType: chatModels.BlockTypeImage,
					Sequence:  seq,
					Content: map[string]interface{}{
						"url":       imageURL(result.ImageFile),
						"mime_type": "image/png",
					},
					CreatedAt: now,
				}); err != nil {
					return fmt.Errorf("append image block: %w", err)
				}
				seq++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return msg, nil
}

// finishCancelled settles an interrupted turn: the partial assistant message
// is kept as cancelled, and any tool_use blocks it streamed get cancelled
// tool_results so the log never holds an unmatched call.
func (o *Orchestrator) finishCancelled(executor *llm.TurnExecutor, assistantID string) {
	dbCtx := context.Background()

	// Only an in-flight message becomes cancelled; a round that finished
	// before the interrupt keeps its completed status
	if msg, err := o.messages.GetMessage(dbCtx, assistantID); err != nil {
		o.logger.Warn("failed to load cancelled message", "message_id", assistantID, "error", err)
	} else if msg.Status == chatModels.StatusStreaming {
		now := time.Now().UTC()
		if err := o.messages.UpdateMessageStatus(dbCtx, assistantID, chatModels.StatusCancelled, &now); err != nil {
			o.logger.Warn("failed to mark message cancelled", "message_id", assistantID, "error", err)
		}
	}

	blocks, err := o.messages.GetMessageBlocks(dbCtx, assistantID)
	if err != nil {
		o.logger.Warn("failed to load blocks of cancelled message", "message_id", assistantID, "error", err)
		executor.MarkCancelled()
		return
	}
	calls := o.unsettledCalls(dbCtx, executor.SessionID(), toolCallsFromBlocks(blocks))
	if len(calls) > 0 {
		results := make([]tools.ToolResult, len(calls))
		for i, call := range calls {
			results[i] = tools.ToolResult{
				ID:      call.ID,
				Name:    call.Name,
				Content: "cancelled by user",
				IsError: true,
			}
		}
		toolMsg, err := o.appendToolMessage(dbCtx, executor.SessionID(), results)
		if err != nil {
			o.logger.Warn("failed to settle cancelled tool calls", "message_id", assistantID, "error", err)
		} else {
			executor.TrackMessage(toolMsg.ID)
		}
	}

	o.logger.Info("turn cancelled", "turn_id", executor.TurnID(), "session_id", executor.SessionID())
	executor.MarkCancelled()
}

func (o *Orchestrator) finishError(executor *llm.TurnExecutor, assistantID string, err error) {
	if updateErr := o.messages.UpdateMessageError(context.Background(), assistantID, err.Error()); updateErr != nil {
		o.logger.Warn("failed to record message error", "message_id", assistantID, "error", updateErr)
	}

	o.logger.Error("turn failed", "turn_id", executor.TurnID(), "session_id", executor.SessionID(), "error", err)
	executor.MarkError(err)
}

// unsettledCalls filters out calls that already carry a tool_result somewhere
// in the session log. An interrupt landing after a tool round persisted its
// results must not settle the same calls twice.
func (o *Orchestrator) unsettledCalls(ctx context.Context, sessionID string, calls []tools.ToolCall) []tools.ToolCall {
	if len(calls) == 0 {
		return calls
	}
	msgs, err := o.messages.ListSessionMessages(ctx, sessionID)
	if err != nil {
		o.logger.Warn("failed to check settled tool calls", "session_id", sessionID, "error", err)
		return calls
	}
	settled := make(map[string]bool)
	for _, msg := range msgs {
		for _, block := range msg.Blocks {
			if block.BlockType == chatModels.BlockTypeToolResult {
				settled[block.ToolUseID()] = true
			}
		}
	}
	out := calls[:0]
	for _, call := range calls {
		if !settled[call.ID] {
			out = append(out, call)
		}
	}
	return out
}

// promptHistory shapes the conversation log into a request the provider will
// accept: the in-progress assistant message is dropped, complete and
// cancelled messages are kept, and tool blocks are reduced to matched
// tool_use/tool_result pairs. Cancelled assistant messages stay because their
// calls were settled at interruption; the model should see what it already
// said.
func promptHistory(history []chatModels.Message, assistantID string) []chatModels.Message {
	kept := make([]chatModels.Message, 0, len(history))
	for _, msg := range history {
		if msg.ID == assistantID {
			continue
		}
		if msg.Status != chatModels.StatusComplete && msg.Status != chatModels.StatusCancelled {
			continue
		}
		kept = append(kept, msg)
	}

	useIDs := make(map[string]bool)
	resultIDs := make(map[string]bool)
	for _, msg := range kept {
		for _, block := range msg.Blocks {
			switch block.BlockType {
			case chatModels.BlockTypeToolUse:
				useIDs[block.ToolUseID()] = true
			case chatModels.BlockTypeToolResult:
				resultIDs[block.ToolUseID()] = true
			}
		}
	}

	out := make([]chatModels.Message, 0, len(kept))
	for _, msg := range kept {
		blocks := make([]chatModels.MessageBlock, 0, len(msg.Blocks))
		for _, block := range msg.Blocks {
			// Half of a tool exchange is rejected by the API; drop the
			// unmatched side
			if block.BlockType == chatModels.BlockTypeToolUse && !resultIDs[block.ToolUseID()] {
				continue
			}
			if block.BlockType == chatModels.BlockTypeToolResult && !useIDs[block.ToolUseID()] {
				continue
			}
			blocks = append(blocks, block)
		}
		if len(blocks) == 0 {
			continue
		}
		msg.Blocks = blocks
		out = append(out, msg)
	}
	return out
}

// toolCallsFromBlocks extracts the tool calls of an assistant message in
// block order.
func toolCallsFromBlocks(blocks []chatModels.MessageBlock) []tools.ToolCall {
	var calls []tools.ToolCall
	for _, block := range blocks {
		if block.BlockType != chatModels.BlockTypeToolUse {
			continue
		}
		calls = append(calls, tools.ToolCall{
			ID:    block.ToolUseID(),
			Name:  block.ToolName(),
			Input: block.ToolInput(),
		})
	}
	return calls
}

func imageURL(filename string) string {
	return "/api/images/" + filename
}
