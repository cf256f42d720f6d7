package anthropic

import (
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"

	chatModels "anomalygpt/internal/domain/models/chat"
	services "anomalygpt/internal/domain/services/chat"
)

// convertMessages converts the conversation log to Anthropic SDK format.
// Tool messages become user messages carrying tool_result blocks, which is
// how the Messages API expects tool rounds to be returned.
func convertMessages(messages []chatModels.Message) ([]anthropic.MessageParam, error) {
	result := make([]anthropic.MessageParam, 0, len(messages))

	for i, msg := range messages {
		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(msg.Blocks))

		for _, block := range msg.Blocks {
			switch block.BlockType {
			case chatModels.BlockTypeText:
				if block.TextContent == nil {
					return nil, fmt.Errorf("message %d: text block missing text_content", i)
				}
				blocks = append(blocks, anthropic.NewTextBlock(*block.TextContent))

			case chatModels.BlockTypeToolUse:
				id := block.ToolUseID()
				name := block.ToolName()
				if id == "" || name == "" {
					return nil, fmt.Errorf("message %d: tool_use block missing id or name", i)
				}
				input := block.ToolInput()
				if input == nil {
					input = map[string]interface{}{}
				}
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{
						ID:    id,
						Name:  name,
						Input: input,
					},
				})

			case chatModels.BlockTypeToolResult:
				id := block.ToolUseID()
				if id == "" {
					return nil, fmt.Errorf("message %d: tool_result block missing tool_use_id", i)
				}
				isError, _ := block.Content["is_error"].(bool)
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfToolResult: &anthropic.ToolResultBlockParam{
						ToolUseID: id,
						IsError:   anthropic.Bool(isError),
						Content: []anthropic.ToolResultBlockParamContentUnion{
							{OfText: &anthropic.TextBlockParam{Text: block.Text()}},
						},
					},
				})

			case chatModels.BlockTypeImage:
				// Images are rendered client-side; the model already saw the
				// tool_result for the plot call
				continue
			}
		}

		if len(blocks) == 0 {
			continue
		}

		var message anthropic.MessageParam
		switch msg.Role {
		case chatModels.RoleUser, chatModels.RoleTool:
			message = anthropic.NewUserMessage(blocks...)
		case chatModels.RoleAssistant:
			message = anthropic.NewAssistantMessage(blocks...)
		default:
			return nil, fmt.Errorf("message %d: unsupported role '%s'", i, msg.Role)
		}

		result = append(result, message)
	}

	return result, nil
}

// convertTools converts tool definitions to Anthropic SDK format.
func convertTools(tools []services.ToolDefinition) []anthropic.ToolUnionParam {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		result = append(result, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        tool.Name,
				Description: anthropic.String(tool.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: tool.Properties,
					Required:   tool.Required,
				},
			},
		})
	}
	return result
}

// transformStreamEvent converts an Anthropic streaming event to a BlockDelta.
//
// Anthropic stream events include:
// - MessageStart: message metadata (id, model, role)
// - ContentBlockStart: new content block started (index, type)
// - ContentBlockDelta: incremental content (text_delta, input_json_delta)
// - ContentBlockStop: current block finished
// - MessageDelta: message-level delta (stop_reason)
// - MessageStop: streaming complete
func transformStreamEvent(event anthropic.MessageStreamEventUnion) chatModels.BlockDelta {
	switch e := event.AsAny().(type) {
	case anthropic.ContentBlockStartEvent:
		delta := chatModels.BlockDelta{
			BlockIndex: int(e.Index),
			BlockType:  string(e.ContentBlock.Type),
		}

		if e.ContentBlock.Type == "tool_use" {
			if e.ContentBlock.ID != "" {
				toolID := e.ContentBlock.ID
				delta.ToolUseID = &toolID
			}
			if e.ContentBlock.Name != "" {
				toolName := e.ContentBlock.Name
				delta.ToolName = &toolName
			}
		}

		return delta

	case anthropic.ContentBlockDeltaEvent:
		delta := chatModels.BlockDelta{
			BlockIndex: int(e.Index),
		}

		switch e.Delta.Type {
		case "text_delta":
			delta.DeltaType = chatModels.DeltaTypeTextDelta
			text := e.Delta.Text
			delta.TextDelta = &text

		case "input_json_delta":
			delta.DeltaType = chatModels.DeltaTypeInputJSONDelta
			jsonDelta := e.Delta.PartialJSON
			delta.InputJSONDelta = &jsonDelta
		}

		return delta

	default:
		// MessageStart, ContentBlockStop, MessageDelta, MessageStop carry no
		// block content; metadata is read from the accumulated message
		return chatModels.BlockDelta{}
	}
}
