package knowledge

import "time"

// Document is one retrievable knowledge snippet with its embedding.
// The corpus describes the APU sensors, the detection pipeline, and the
// failure reports used to ground assistant answers.
type Document struct {
	ID        string    `json:"id" db:"id"`
	Source    string    `json:"source" db:"source"`
	Content   string    `json:"content" db:"content"`
	Embedding []float32 `json:"-" db:"embedding"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`

	// Cosine similarity to the query, populated by SearchSimilar only
	Similarity float64 `json:"similarity,omitempty" db:"-"`
}
