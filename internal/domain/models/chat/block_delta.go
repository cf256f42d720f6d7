package chat

// Delta type constants
const (
	DeltaTypeTextDelta      = "text_delta"
	DeltaTypeInputJSONDelta = "input_json_delta"
)

// BlockDelta is one incremental streaming event from the provider.
// A delta with a BlockIndex different from the previous one opens a new
// block; the BlockType and tool metadata are only populated on that first
// delta of a block.
type BlockDelta struct {
	BlockIndex int    `json:"block_index"`
	BlockType  string `json:"block_type,omitempty"`
	DeltaType  string `json:"delta_type,omitempty"`

	TextDelta      *string `json:"text_delta,omitempty"`
	InputJSONDelta *string `json:"input_json_delta,omitempty"`

	// tool_use block metadata (block start only)
	ToolUseID *string `json:"tool_use_id,omitempty"`
	ToolName  *string `json:"tool_name,omitempty"`
}

// IsEmpty reports whether the delta carries no content or metadata. Provider
// events that don't map to a delta (message_start, message_stop, ...) arrive
// as empty deltas and are skipped by consumers.
func (d *BlockDelta) IsEmpty() bool {
	return d.BlockType == "" && d.TextDelta == nil && d.InputJSONDelta == nil &&
		d.ToolUseID == nil && d.ToolName == nil
}
