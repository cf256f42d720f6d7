package chat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"anomalygpt/internal/domain"
	chatModels "anomalygpt/internal/domain/models/chat"
	chatRepo "anomalygpt/internal/domain/repositories/chat"
	"anomalygpt/internal/repository/postgres"
)

// PostgresMessageRepository implements the MessageRepository interface using PostgreSQL
type PostgresMessageRepository struct {
	pool   *pgxpool.Pool
	tables *postgres.TableNames
	logger *slog.Logger
}

// NewMessageRepository creates a new PostgresMessageRepository
func NewMessageRepository(config *postgres.RepositoryConfig) chatRepo.MessageRepository {
	return &PostgresMessageRepository{
		pool:   config.Pool,
		tables: config.Tables,
		logger: config.Logger,
	}
}

// CreateMessage appends a message to a session's conversation log.
// The seq is assigned inside the INSERT so concurrent appends to the same
// session cannot collide.
func (r *PostgresMessageRepository) CreateMessage(ctx context.Context, message *chatModels.Message) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, session_id, seq, role, status, error, model, input_tokens, output_tokens, stop_reason, created_at, completed_at)
		SELECT $1, $2, COALESCE(MAX(seq), 0) + 1, $3, $4, $5, $6, $7, $8, $9, $10, $11
		FROM %s WHERE session_id = $2
		RETURNING seq, created_at
	`, r.tables.Messages, r.tables.Messages)

	executor := postgres.GetExecutor(ctx, r.pool)
	err := executor.QueryRow(ctx, query,
		message.ID,
		message.SessionID,
		message.Role,
		message.Status,
		message.Error,
		message.Model,
		message.InputTokens,
		message.OutputTokens,
		message.StopReason,
		message.CreatedAt,
		message.CompletedAt,
	).Scan(&message.Seq, &message.CreatedAt)

	if err != nil {
		if postgres.IsPgForeignKeyError(err) {
			return fmt.Errorf("session %s: %w", message.SessionID, domain.ErrNotFound)
		}
		return fmt.Errorf("create message: %w", err)
	}

	return nil
}

// GetMessage retrieves a message by ID (without blocks)
func (r *PostgresMessageRepository) GetMessage(ctx context.Context, messageID string) (*chatModels.Message, error) {
	query := fmt.Sprintf(`
		SELECT id, session_id, seq, role, status, error, model, input_tokens, output_tokens, stop_reason, created_at, completed_at
		FROM %s
		WHERE id = $1
	`, r.tables.Messages)

	var message chatModels.Message
	executor := postgres.GetExecutor(ctx, r.pool)
	err := executor.QueryRow(ctx, query, messageID).Scan(
		&message.ID,
		&message.SessionID,
		&message.Seq,
		&message.Role,
		&message.Status,
		&message.Error,
		&message.Model,
		&message.InputTokens,
		&message.OutputTokens,
		&message.StopReason,
		&message.CreatedAt,
		&message.CompletedAt,
	)

	if err != nil {
		if postgres.IsPgNoRowsError(err) {
			return nil, fmt.Errorf("message %s: %w", messageID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get message: %w", err)
	}

	return &message, nil
}

// ListSessionMessages retrieves all messages for a session in seq order with blocks nested
func (r *PostgresMessageRepository) ListSessionMessages(ctx context.Context, sessionID string) ([]chatModels.Message, error) {
	query := fmt.Sprintf(`
		SELECT id, session_id, seq, role, status, error, model, input_tokens, output_tokens, stop_reason, created_at, completed_at
		FROM %s
		WHERE session_id = $1
		ORDER BY seq ASC
	`, r.tables.Messages)

	executor := postgres.GetExecutor(ctx, r.pool)
	rows, err := executor.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := []chatModels.Message{}
	messageIDs := []string{}
	for rows.Next() {
		var message chatModels.Message
		err := rows.Scan(
			&message.ID,
			&message.SessionID,
			&message.Seq,
			&message.Role,
			&message.Status,
			&message.Error,
			&message.Model,
			&message.InputTokens,
			&message.OutputTokens,
			&message.StopReason,
			&message.CreatedAt,
			&message.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, message)
		messageIDs = append(messageIDs, message.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	if len(messages) == 0 {
		return messages, nil
	}

	// Single batch query for blocks to avoid N+1
	blocksByMessage, err := r.getBlocksForMessages(ctx, messageIDs)
	if err != nil {
		return nil, err
	}
	for i := range messages {
		messages[i].Blocks = blocksByMessage[messages[i].ID]
	}

	return messages, nil
}

// getBlocksForMessages retrieves blocks for multiple messages in one query,
// ordered by sequence within each message
func (r *PostgresMessageRepository) getBlocksForMessages(ctx context.Context, messageIDs []string) (map[string][]chatModels.MessageBlock, error) {
	query := fmt.Sprintf(`
		SELECT id, message_id, block_type, sequence, text_content, content, created_at
		FROM %s
		WHERE message_id = ANY($1)
		ORDER BY message_id, sequence ASC
	`, r.tables.MessageBlocks)

	executor := postgres.GetExecutor(ctx, r.pool)
	rows, err := executor.Query(ctx, query, messageIDs)
	if err != nil {
		return nil, fmt.Errorf("list message blocks: %w", err)
	}
	defer rows.Close()

	blocksByMessage := make(map[string][]chatModels.MessageBlock, len(messageIDs))
	for rows.Next() {
		var block chatModels.MessageBlock
		err := rows.Scan(
			&block.ID,
			&block.MessageID,
			&block.BlockType,
			&block.Sequence,
			&block.TextContent,
			&block.Content,
			&block.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan message block: %w", err)
		}
		blocksByMessage[block.MessageID] = append(blocksByMessage[block.MessageID], block)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message blocks: %w", err)
	}

	return blocksByMessage, nil
}

// UpdateMessageStatus updates a message's status and completion time
func (r *PostgresMessageRepository) UpdateMessageStatus(ctx context.Context, messageID, status string, completedAt *time.Time) error {
	query := fmt.Sprintf(`
		UPDATE %s SET status = $2, completed_at = $3 WHERE id = $1
	`, r.tables.Messages)

	executor := postgres.GetExecutor(ctx, r.pool)
	tag, err := executor.Exec(ctx, query, messageID, status, completedAt)
	if err != nil {
		return fmt.Errorf("update message status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("message %s: %w", messageID, domain.ErrNotFound)
	}

	return nil
}

// UpdateMessageError updates a message's error and sets status to "error"
func (r *PostgresMessageRepository) UpdateMessageError(ctx context.Context, messageID, errorMsg string) error {
	query := fmt.Sprintf(`
		UPDATE %s SET status = $2, error = $3, completed_at = $4 WHERE id = $1
	`, r.tables.Messages)

	executor := postgres.GetExecutor(ctx, r.pool)
	tag, err := executor.Exec(ctx, query, messageID, chatModels.StatusError, errorMsg, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update message error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("message %s: %w", messageID, domain.ErrNotFound)
	}

	return nil
}

// UpdateMessageMetadata stores final metadata when streaming completes
func (r *PostgresMessageRepository) UpdateMessageMetadata(ctx context.Context, messageID string, model string, inputTokens, outputTokens int, stopReason string) error {
	query := fmt.Sprintf(`
		UPDATE %s SET model = $2, input_tokens = $3, output_tokens = $4, stop_reason = $5 WHERE id = $1
	`, r.tables.Messages)

	executor := postgres.GetExecutor(ctx, r.pool)
	tag, err := executor.Exec(ctx, query, messageID, model, inputTokens, outputTokens, stopReason)
	if err != nil {
		return fmt.Errorf("update message metadata: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("message %s: %w", messageID, domain.ErrNotFound)
	}

	return nil
}

// CreateMessageBlock creates a single block for a message
func (r *PostgresMessageRepository) CreateMessageBlock(ctx context.Context, block *chatModels.MessageBlock) error {
	if err := chatModels.ValidateContent(block.BlockType, block.Content); err != nil {
		return fmt.Errorf("block content: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, message_id, block_type, sequence, text_content, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, r.tables.MessageBlocks)

	executor := postgres.GetExecutor(ctx, r.pool)
	err := executor.QueryRow(ctx, query,
		block.ID,
		block.MessageID,
		block.BlockType,
		block.Sequence,
		block.TextContent,
		block.Content,
		block.CreatedAt,
	).Scan(&block.CreatedAt)

	if err != nil {
		if postgres.IsPgForeignKeyError(err) {
			return fmt.Errorf("message %s: %w", block.MessageID, domain.ErrNotFound)
		}
		return fmt.Errorf("create message block: %w", err)
	}

	return nil
}

// CreateMessageBlocks creates multiple blocks in sequence order
func (r *PostgresMessageRepository) CreateMessageBlocks(ctx context.Context, blocks []chatModels.MessageBlock) error {
	for i := range blocks {
		if err := r.CreateMessageBlock(ctx, &blocks[i]); err != nil {
			return fmt.Errorf("block %d: %w", i, err)
		}
	}
	return nil
}

// GetMessageBlocks retrieves all blocks for a message ordered by sequence
func (r *PostgresMessageRepository) GetMessageBlocks(ctx context.Context, messageID string) ([]chatModels.MessageBlock, error) {
	blocksByMessage, err := r.getBlocksForMessages(ctx, []string{messageID})
	if err != nil {
		return nil, err
	}
	blocks := blocksByMessage[messageID]
	if blocks == nil {
		blocks = []chatModels.MessageBlock{}
	}
	return blocks, nil
}
