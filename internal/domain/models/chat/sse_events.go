package chat

import (
	"encoding/json"
	"fmt"
)

// SSE event type constants
const (
	SSEEventTurnStart    = "turn_start"    // Turn streaming has begun
	SSEEventBlockStart   = "block_start"   // New block started
	SSEEventBlockDelta   = "block_delta"   // Incremental block content
	SSEEventBlockStop    = "block_stop"    // Block finished
	SSEEventBlockCatchup = "block_catchup" // Replaying completed block (reconnection)
	SSEEventToolResult   = "tool_result"   // A tool call finished executing
	SSEEventImage        = "image"         // A plot was rendered for this turn
	SSEEventTurnComplete = "turn_complete" // Turn finished successfully
	SSEEventTurnError    = "turn_error"    // Turn encountered error
)

// TurnStartEvent signals that streaming has begun for a turn
type TurnStartEvent struct {
	TurnID string `json:"turn_id"`
	Model  string `json:"model"`
}

// BlockStartEvent signals that a new block has started
type BlockStartEvent struct {
	MessageID  string `json:"message_id"`
	BlockIndex int    `json:"block_index"`
	BlockType  string `json:"block_type,omitempty"`
}

// BlockDeltaEvent contains incremental content for the current block
type BlockDeltaEvent struct {
	MessageID  string  `json:"message_id"`
	BlockIndex int     `json:"block_index"`
	DeltaType  string  `json:"delta_type"`
	TextDelta  *string `json:"text_delta,omitempty"`
	JSONDelta  *string `json:"json_delta,omitempty"`
}

// BlockStopEvent signals that a block has finished
type BlockStopEvent struct {
	MessageID  string `json:"message_id"`
	BlockIndex int    `json:"block_index"`
}

// BlockCatchupEvent replays a completed block (for reconnection)
type BlockCatchupEvent struct {
	Block MessageBlock `json:"block"`
}

// ToolResultEvent reports the outcome of one tool call
type ToolResultEvent struct {
	ToolUseID string `json:"tool_use_id"`
	ToolName  string `json:"tool_name"`
	IsError   bool   `json:"is_error"`
}

// ImageEvent carries the reference to a plot generated during the turn
type ImageEvent struct {
	URL      string `json:"url"`
	MIMEType string `json:"mime_type"`
}

// TurnCompleteEvent signals that the turn has finished successfully
type TurnCompleteEvent struct {
	TurnID       string `json:"turn_id"`
	StopReason   string `json:"stop_reason"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// TurnErrorEvent signals that the turn encountered an error
type TurnErrorEvent struct {
	TurnID      string `json:"turn_id"`
	Error       string `json:"error"`
	IsCancelled bool   `json:"is_cancelled,omitempty"`
}

// FormatSSE formats an SSE event for transmission:
//
//	event: event_name
//	data: {"field": "value"}
func FormatSSE(eventType string, data interface{}) (string, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal SSE event data: %w", err)
	}

	return fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, string(jsonData)), nil
}

// Helper constructors for common events

func NewTurnStartEvent(turnID, model string) (string, error) {
	return FormatSSE(SSEEventTurnStart, TurnStartEvent{TurnID: turnID, Model: model})
}

func NewBlockStartEvent(messageID string, blockIndex int, blockType string) (string, error) {
	return FormatSSE(SSEEventBlockStart, BlockStartEvent{
		MessageID:  messageID,
		BlockIndex: blockIndex,
		BlockType:  blockType,
	})
}

func NewBlockDeltaEvent(messageID string, delta *BlockDelta) (string, error) {
	return FormatSSE(SSEEventBlockDelta, BlockDeltaEvent{
		MessageID:  messageID,
		BlockIndex: delta.BlockIndex,
		DeltaType:  delta.DeltaType,
		TextDelta:  delta.TextDelta,
		JSONDelta:  delta.InputJSONDelta,
	})
}

func NewBlockStopEvent(messageID string, blockIndex int) (string, error) {
	return FormatSSE(SSEEventBlockStop, BlockStopEvent{MessageID: messageID, BlockIndex: blockIndex})
}

func NewBlockCatchupEvent(block *MessageBlock) (string, error) {
	return FormatSSE(SSEEventBlockCatchup, BlockCatchupEvent{Block: *block})
}

func NewToolResultEvent(toolUseID, toolName string, isError bool) (string, error) {
	return FormatSSE(SSEEventToolResult, ToolResultEvent{
		ToolUseID: toolUseID,
		ToolName:  toolName,
		IsError:   isError,
	})
}

func NewImageEvent(url string) (string, error) {
	return FormatSSE(SSEEventImage, ImageEvent{URL: url, MIMEType: "image/png"})
}

func NewTurnCompleteEvent(turnID, stopReason string, inputTokens, outputTokens int) (string, error) {
	return FormatSSE(SSEEventTurnComplete, TurnCompleteEvent{
		TurnID:       turnID,
		StopReason:   stopReason,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
	})
}

func NewTurnErrorEvent(turnID, errorMsg string, isCancelled bool) (string, error) {
	return FormatSSE(SSEEventTurnError, TurnErrorEvent{
		TurnID:      turnID,
		Error:       errorMsg,
		IsCancelled: isCancelled,
	})
}
