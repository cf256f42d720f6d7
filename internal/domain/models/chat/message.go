package chat

import "time"

// Message role constants
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message status constants
const (
	StatusComplete  = "complete"
	StatusStreaming = "streaming"
	StatusError     = "error"
	StatusCancelled = "cancelled"
)

// Stop reason recorded when the tool-round bound terminates a turn.
const StopReasonMaxToolRounds = "max_tool_rounds"

// Message is one entry in a session's append-only conversation log.
// Exactly one message is appended per orchestrator step: a user message per
// submission, an assistant message per model response, and a tool message per
// tool-execution round.
type Message struct {
	ID           string     `json:"id" db:"id"`
	SessionID    string     `json:"session_id" db:"session_id"`
	Seq          int        `json:"seq" db:"seq"`
	Role         string     `json:"role" db:"role"`
	Status       string     `json:"status" db:"status"`
	Error        *string    `json:"error,omitempty" db:"error"`
	Model        *string    `json:"model,omitempty" db:"model"`
	InputTokens  *int       `json:"input_tokens,omitempty" db:"input_tokens"`
	OutputTokens *int       `json:"output_tokens,omitempty" db:"output_tokens"`
	StopReason   *string    `json:"stop_reason,omitempty" db:"stop_reason"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty" db:"completed_at"`

	Blocks []MessageBlock `json:"blocks,omitempty" db:"-"`
}

// ToolCalls returns the tool_use blocks of the message in sequence order.
func (m *Message) ToolCalls() []MessageBlock {
	var calls []MessageBlock
	for _, b := range m.Blocks {
		if b.BlockType == BlockTypeToolUse {
			calls = append(calls, b)
		}
	}
	return calls
}
