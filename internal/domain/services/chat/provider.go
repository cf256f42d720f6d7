package chat

import (
	"context"

	"anomalygpt/internal/domain/models/chat"
)

// LLMProvider defines the interface the orchestrator uses to stream one model
// response. Implementations translate provider wire events into BlockDeltas.
type LLMProvider interface {
	// StreamGenerate streams a response, invoking onDelta for each
	// incremental event in arrival order. Returns final metadata once the
	// stream completes. A ctx cancellation aborts the stream and returns
	// ctx.Err(); deltas delivered before the abort remain valid.
	StreamGenerate(ctx context.Context, req *GenerateRequest, onDelta func(*chat.BlockDelta)) (*StreamMetadata, error)

	// Name returns the provider name (e.g., "anthropic")
	Name() string
}

// GenerateRequest contains the parameters for one model call.
type GenerateRequest struct {
	// System is the system prompt, already assembled with retrieved context
	System string

	// Messages is the conversation history in seq order. Tool messages carry
	// tool_result blocks correlated to the preceding assistant tool_use blocks.
	Messages []chat.Message

	// Tools the model may call this round
	Tools []ToolDefinition

	Model     string
	MaxTokens int
}

// StreamMetadata contains the final accounting for a streamed response.
type StreamMetadata struct {
	Model        string
	InputTokens  int
	OutputTokens int

	// StopReason indicates why generation stopped (e.g., "end_turn", "tool_use")
	StopReason string
}

// ToolDefinition is the provider-facing schema for one tool.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Properties  map[string]interface{} `json:"properties"`
	Required    []string               `json:"required"`
}
