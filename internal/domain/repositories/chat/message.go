package chat

import (
	"context"
	"time"

	"anomalygpt/internal/domain/models/chat"
)

// MessageRepository defines the interface for message and block data access
type MessageRepository interface {
	// CreateMessage appends a message to a session's conversation log.
	// Assigns the next seq within the session.
	CreateMessage(ctx context.Context, message *chat.Message) error

	// GetMessage retrieves a message by ID (without blocks)
	// Returns domain.ErrNotFound if not found
	GetMessage(ctx context.Context, messageID string) (*chat.Message, error)

	// ListSessionMessages retrieves all messages for a session in seq order,
	// with blocks nested in sequence order.
	// Returns empty slice if the session has no messages
	ListSessionMessages(ctx context.Context, sessionID string) ([]chat.Message, error)

	// UpdateMessageStatus updates a message's status and completion time
	// Used for streaming state management
	UpdateMessageStatus(ctx context.Context, messageID, status string, completedAt *time.Time) error

	// UpdateMessageError updates a message's error and sets status to "error"
	UpdateMessageError(ctx context.Context, messageID, errorMsg string) error

	// UpdateMessageMetadata stores final metadata when streaming completes
	// (model, token counts, stop reason)
	UpdateMessageMetadata(ctx context.Context, messageID string, model string, inputTokens, outputTokens int, stopReason string) error

	// CreateMessageBlock creates a single block for a message
	// Used during streaming accumulation (writes one block at a time)
	CreateMessageBlock(ctx context.Context, block *chat.MessageBlock) error

	// CreateMessageBlocks creates multiple blocks in sequence order (batch)
	CreateMessageBlocks(ctx context.Context, blocks []chat.MessageBlock) error

	// GetMessageBlocks retrieves all blocks for a message ordered by sequence
	GetMessageBlocks(ctx context.Context, messageID string) ([]chat.MessageBlock, error)
}
