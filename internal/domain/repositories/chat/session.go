package chat

import (
	"context"

	"anomalygpt/internal/domain/models/chat"
)

// SessionRepository defines the interface for session data access
type SessionRepository interface {
	// CreateSession creates a new chat session
	CreateSession(ctx context.Context, session *chat.Session) error

	// GetSession retrieves a session by ID
	// Returns domain.ErrNotFound if not found
	GetSession(ctx context.Context, sessionID string) (*chat.Session, error)

	// ListSessions retrieves all sessions ordered by most recently updated
	// Returns empty slice if no sessions exist
	ListSessions(ctx context.Context) ([]chat.Session, error)

	// TouchSession bumps the session's updated_at timestamp
	// Returns domain.ErrNotFound if not found
	TouchSession(ctx context.Context, sessionID string) error

	// DeleteSession removes a session and, via cascade, its messages and blocks
	// Returns domain.ErrNotFound if not found
	DeleteSession(ctx context.Context, sessionID string) error
}
