package config

const (
	// MaxToolRoundsPerTurn bounds the generate/execute loop for a single user
	// turn. The model is an untrusted actor whose output drives control flow;
	// without this bound a model that keeps requesting tools would loop
	// forever. When the bound is hit the turn is finalized with stop reason
	// "max_tool_rounds".
	MaxToolRoundsPerTurn = 10

	// MaxSessionTitleLength is the maximum length for session titles.
	// Limited to 255 to fit in PostgreSQL VARCHAR(255).
	MaxSessionTitleLength = 255

	// MaxUserMessageLength bounds a single user prompt. Long pastes are fine;
	// anything past this is almost certainly a mistake or abuse.
	MaxUserMessageLength = 32_000

	// RetrievalTopK is the number of context documents fetched per user turn.
	RetrievalTopK = 4
)
