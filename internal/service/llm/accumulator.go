package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	chatModels "anomalygpt/internal/domain/models/chat"
	chatRepo "anomalygpt/internal/domain/repositories/chat"
)

// BlockAccumulator accumulates streaming deltas into complete MessageBlocks.
//
// Flow:
//  1. Receive BlockDelta events from the provider stream
//  2. Accumulate deltas for the current block in memory
//  3. When the block index changes, flush the accumulated block to database
//  4. Return the flushed block for SSE broadcast
//
// Thread-safety: NOT thread-safe. Used by a single goroutine (TurnExecutor).
type BlockAccumulator struct {
	messageID string
	messages  chatRepo.MessageRepository

	// Current block being accumulated
	currentBlockIndex int
	currentBlockType  string
	accumulatedText   strings.Builder // text blocks
	accumulatedJSON   strings.Builder // tool_use input

	// tool_use block metadata
	toolUseID *string
	toolName  *string

	lastWrittenSequence int
}

// NewBlockAccumulator creates a new BlockAccumulator for one assistant message.
func NewBlockAccumulator(messageID string, messages chatRepo.MessageRepository) *BlockAccumulator {
	return &BlockAccumulator{
		messageID:           messageID,
		messages:            messages,
		currentBlockIndex:   -1, // No block started yet
		lastWrittenSequence: -1, // No blocks written yet
	}
}

// ProcessDelta processes a single BlockDelta event.
// Returns the flushed MessageBlock if a block was completed, nil otherwise.
func (acc *BlockAccumulator) ProcessDelta(ctx context.Context, delta *chatModels.BlockDelta) (*chatModels.MessageBlock, error) {
	if delta.BlockIndex != acc.currentBlockIndex {
		flushedBlock, err := acc.flushCurrentBlock(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to flush block %d: %w", acc.currentBlockIndex, err)
		}

		acc.startNewBlock(delta)

		return flushedBlock, nil
	}

	acc.accumulateDelta(delta)

	return nil, nil
}

// Finalize flushes any remaining accumulated block (called when streaming completes).
// Returns the final block if one exists, nil otherwise.
func (acc *BlockAccumulator) Finalize(ctx context.Context) (*chatModels.MessageBlock, error) {
	if acc.currentBlockIndex == -1 {
		return nil, nil
	}

	return acc.flushCurrentBlock(ctx)
}

// LastWrittenSequence returns the sequence of the last block written to DB.
func (acc *BlockAccumulator) LastWrittenSequence() int {
	return acc.lastWrittenSequence
}

func (acc *BlockAccumulator) startNewBlock(delta *chatModels.BlockDelta) {
	acc.currentBlockIndex = delta.BlockIndex
	acc.currentBlockType = delta.BlockType

	acc.accumulatedText.Reset()
	acc.accumulatedJSON.Reset()
	acc.toolUseID = nil
	acc.toolName = nil

	acc.accumulateDelta(delta)
}

func (acc *BlockAccumulator) accumulateDelta(delta *chatModels.BlockDelta) {
	if delta.TextDelta != nil {
		acc.accumulatedText.WriteString(*delta.TextDelta)
	}
	if delta.InputJSONDelta != nil {
		acc.accumulatedJSON.WriteString(*delta.InputJSONDelta)
	}

	// Metadata can arrive on the block-start delta or a later one
	if delta.ToolUseID != nil {
		acc.toolUseID = delta.ToolUseID
	}
	if delta.ToolName != nil {
		acc.toolName = delta.ToolName
	}
}

// flushCurrentBlock writes the accumulated block to the database.
func (acc *BlockAccumulator) flushCurrentBlock(ctx context.Context) (*chatModels.MessageBlock, error) {
	if acc.currentBlockIndex == -1 {
		return nil, nil
	}

	block := &chatModels.MessageBlock{
		ID:        uuid.New().String(),
		MessageID: acc.messageID,
		BlockType: acc.currentBlockType,
		Sequence:  acc.currentBlockIndex,
		CreatedAt: time.Now().UTC(),
	}

	text := acc.accumulatedText.String()
	if text != "" {
		block.TextContent = &text
	}

	switch acc.currentBlockType {
	case chatModels.BlockTypeText:
		// Text in text_content, no JSONB needed

	case chatModels.BlockTypeToolUse:
		content := make(map[string]interface{})
		if acc.toolUseID != nil {
			content["tool_use_id"] = *acc.toolUseID
		}
		if acc.toolName != nil {
			content["tool_name"] = *acc.toolName
		}

		// The provider streams tool input as JSON fragments; an empty
		// accumulation means a no-argument call
		input := map[string]interface{}{}
		if jsonStr := acc.accumulatedJSON.String(); jsonStr != "" {
			if err := json.Unmarshal([]byte(jsonStr), &input); err != nil {
				return nil, fmt.Errorf("failed to parse tool input JSON: %w", err)
			}
		}
		content["input"] = input

		block.Content = content
	}

	if err := acc.messages.CreateMessageBlock(ctx, block); err != nil {
		return nil, fmt.Errorf("failed to persist message block: %w", err)
	}

	acc.lastWrittenSequence = acc.currentBlockIndex

	return block, nil
}

// CurrentBlock returns the block being accumulated, for catchup events.
// Does NOT flush to database. Returns nil if no block is in progress.
func (acc *BlockAccumulator) CurrentBlock() *chatModels.MessageBlock {
	if acc.currentBlockIndex == -1 {
		return nil
	}

	block := &chatModels.MessageBlock{
		MessageID: acc.messageID,
		BlockType: acc.currentBlockType,
		Sequence:  acc.currentBlockIndex,
	}

	text := acc.accumulatedText.String()
	if text != "" {
		block.TextContent = &text
	}

	if acc.currentBlockType == chatModels.BlockTypeToolUse {
		content := make(map[string]interface{})
		if acc.toolUseID != nil {
			content["tool_use_id"] = *acc.toolUseID
		}
		if acc.toolName != nil {
			content["tool_name"] = *acc.toolName
		}
		// Input may still be a JSON fragment mid-stream
		if jsonStr := acc.accumulatedJSON.String(); jsonStr != "" {
			content["input_partial"] = jsonStr
		}
		if len(content) > 0 {
			block.Content = content
		}
	}

	return block
}
