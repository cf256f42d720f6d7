package chat

import "time"

// Block type constants
const (
	BlockTypeText       = "text"
	BlockTypeToolUse    = "tool_use"
	BlockTypeToolResult = "tool_result"
	BlockTypeImage      = "image"
)

// MessageBlock is one content block within a message, accumulated from the
// provider's streaming content_block deltas for assistant messages.
//
// The content field stores block-type-specific structured data as JSONB:
// - text: null (text in text_content)
// - tool_use: {"tool_use_id": "...", "tool_name": "...", "input": {...}}
// - tool_result: {"tool_use_id": "...", "is_error": false} (payload in text_content)
// - image: {"url": "...", "mime_type": "image/png"}
type MessageBlock struct {
	ID          string                 `json:"id" db:"id"`
	MessageID   string                 `json:"message_id" db:"message_id"`
	BlockType   string                 `json:"block_type" db:"block_type"`
	Sequence    int                    `json:"sequence" db:"sequence"`
	TextContent *string                `json:"text_content,omitempty" db:"text_content"`
	Content     map[string]interface{} `json:"content,omitempty" db:"content"`
	CreatedAt   time.Time              `json:"created_at" db:"created_at"`
}

// Text returns the block's text content, or "" if unset.
func (b *MessageBlock) Text() string {
	if b.TextContent == nil {
		return ""
	}
	return *b.TextContent
}

// ToolUseID extracts the correlation identifier from a tool_use or
// tool_result block. Returns "" for other block types.
func (b *MessageBlock) ToolUseID() string {
	if b.Content == nil {
		return ""
	}
	id, _ := b.Content["tool_use_id"].(string)
	return id
}

// ToolName extracts the tool name from a tool_use block.
func (b *MessageBlock) ToolName() string {
	if b.Content == nil {
		return ""
	}
	name, _ := b.Content["tool_name"].(string)
	return name
}

// ToolInput extracts the typed arguments from a tool_use block.
func (b *MessageBlock) ToolInput() map[string]interface{} {
	if b.Content == nil {
		return nil
	}
	input, _ := b.Content["input"].(map[string]interface{})
	return input
}
