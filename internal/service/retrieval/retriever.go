// Package retrieval grounds each user prompt with knowledge-base documents
// before generation.
package retrieval

import (
	"context"
	"log/slog"

	"anomalygpt/internal/domain/models/knowledge"
	knowledgeRepo "anomalygpt/internal/domain/repositories/knowledge"
	"anomalygpt/internal/service/embedding"
)

// Retriever embeds the latest user prompt and pulls the closest documents
// from the knowledge store.
type Retriever struct {
	documents knowledgeRepo.DocumentRepository
	embedder  embedding.Provider
	audit     *AuditWriter
	topK      int
	logger    *slog.Logger
}

// NewRetriever creates a retriever returning the topK closest documents.
func NewRetriever(
	documents knowledgeRepo.DocumentRepository,
	embedder embedding.Provider,
	audit *AuditWriter,
	topK int,
	logger *slog.Logger,
) *Retriever {
	return &Retriever{
		documents: documents,
		embedder:  embedder,
		audit:     audit,
		topK:      topK,
		logger:    logger,
	}
}

// Retrieve returns documents grounding the prompt, most similar first.
// Retrieval failures degrade to an empty result rather than failing the turn:
// the assistant can still answer from conversation context and tools.
func (r *Retriever) Retrieve(ctx context.Context, promptID, prompt string) []knowledge.Document {
	emb, err := r.embedder.Embed(ctx, prompt)
	if err != nil {
		r.logger.Warn("prompt embedding failed, skipping retrieval",
			"prompt_id", promptID,
			"error", err,
		)
		return nil
	}

	docs, err := r.documents.SearchSimilar(ctx, emb, r.topK)
	if err != nil {
		r.logger.Warn("document search failed, skipping retrieval",
			"prompt_id", promptID,
			"error", err,
		)
		return nil
	}

	if err := r.audit.Record(promptID, prompt, docs); err != nil {
		r.logger.Warn("context audit write failed", "prompt_id", promptID, "error", err)
	}

	r.logger.Debug("retrieved context documents", "prompt_id", promptID, "count", len(docs))
	return docs
}
