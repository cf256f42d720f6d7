package chat

import (
	"encoding/json"
	"fmt"
)

// Content type structs define the JSONB schema for each block type.

// ToolUseContent represents the content structure for tool_use blocks
type ToolUseContent struct {
	ToolUseID string                 `json:"tool_use_id"`
	ToolName  string                 `json:"tool_name"`
	Input     map[string]interface{} `json:"input"`
}

// ToolResultContent represents the content structure for tool_result blocks.
// The result payload itself lives in the block's text_content.
type ToolResultContent struct {
	ToolUseID string `json:"tool_use_id"`
	ToolName  string `json:"tool_name,omitempty"`
	IsError   bool   `json:"is_error"`
}

// ImageContent represents the content structure for image blocks
type ImageContent struct {
	URL      string `json:"url"`
	MIMEType string `json:"mime_type"`
}

// ValidateContent validates the content map against the expected schema for
// the given block type.
func ValidateContent(blockType string, content map[string]interface{}) error {
	switch blockType {
	case BlockTypeText:
		// Text blocks carry their payload in text_content; content stays null.
		return nil

	case BlockTypeToolUse:
		if content == nil {
			return fmt.Errorf("tool_use block requires content")
		}
		var toolUse ToolUseContent
		if err := mapToStruct(content, &toolUse); err != nil {
			return fmt.Errorf("invalid tool_use content structure: %w", err)
		}
		if toolUse.ToolUseID == "" {
			return fmt.Errorf("tool_use_id is required")
		}
		if toolUse.ToolName == "" {
			return fmt.Errorf("tool_name is required")
		}
		return nil

	case BlockTypeToolResult:
		if content == nil {
			return fmt.Errorf("tool_result block requires content")
		}
		var toolResult ToolResultContent
		if err := mapToStruct(content, &toolResult); err != nil {
			return fmt.Errorf("invalid tool_result content structure: %w", err)
		}
		if toolResult.ToolUseID == "" {
			return fmt.Errorf("tool_use_id is required")
		}
		return nil

	case BlockTypeImage:
		if content == nil {
			return fmt.Errorf("image block requires content")
		}
		var image ImageContent
		if err := mapToStruct(content, &image); err != nil {
			return fmt.Errorf("invalid image content structure: %w", err)
		}
		if image.URL == "" {
			return fmt.Errorf("url is required")
		}
		return nil

	default:
		return fmt.Errorf("unknown block type: %s", blockType)
	}
}

// mapToStruct converts a map to a struct using JSON marshaling.
func mapToStruct(m map[string]interface{}, target interface{}) error {
	jsonBytes, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal map: %w", err)
	}
	if err := json.Unmarshal(jsonBytes, target); err != nil {
		return fmt.Errorf("unmarshal to struct: %w", err)
	}
	return nil
}
