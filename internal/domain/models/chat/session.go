package chat

import "time"

// Session is one conversation between a user and the assistant. Its ID is the
// checkpoint key: one ID maps to at most one active conversation state, and
// the message log is reloaded from it when a client reconnects.
type Session struct {
	ID        string    `json:"id" db:"id"`
	Title     string    `json:"title" db:"title"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Greeting is seeded as the first assistant message of every new session.
const Greeting = "What can I help you with today?"
