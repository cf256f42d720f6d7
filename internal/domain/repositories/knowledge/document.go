package knowledge

import (
	"context"

	"anomalygpt/internal/domain/models/knowledge"
)

// DocumentRepository defines the interface for knowledge document access.
// Documents carry an embedding vector; similarity search runs in the store.
type DocumentRepository interface {
	// CreateDocument inserts a document with its embedding
	CreateDocument(ctx context.Context, doc *knowledge.Document) error

	// SearchSimilar returns the topK documents closest to the query embedding
	// by cosine distance, most similar first.
	// Returns empty slice if the store holds no documents
	SearchSimilar(ctx context.Context, embedding []float32, topK int) ([]knowledge.Document, error)

	// CountDocuments returns the number of stored documents
	CountDocuments(ctx context.Context) (int, error)
}
