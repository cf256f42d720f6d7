package knowledge

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"anomalygpt/internal/domain"
	knowledgeModels "anomalygpt/internal/domain/models/knowledge"
	knowledgeRepo "anomalygpt/internal/domain/repositories/knowledge"
	"anomalygpt/internal/repository/postgres"
)

// PostgresDocumentRepository implements the DocumentRepository interface using
// PostgreSQL with the pgvector extension
type PostgresDocumentRepository struct {
	pool   *pgxpool.Pool
	tables *postgres.TableNames
	logger *slog.Logger
}

// NewDocumentRepository creates a new PostgresDocumentRepository
func NewDocumentRepository(config *postgres.RepositoryConfig) knowledgeRepo.DocumentRepository {
	return &PostgresDocumentRepository{
		pool:   config.Pool,
		tables: config.Tables,
		logger: config.Logger,
	}
}

// CreateDocument inserts a document with its embedding
func (r *PostgresDocumentRepository) CreateDocument(ctx context.Context, doc *knowledgeModels.Document) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, source, content, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, r.tables.Documents)

	executor := postgres.GetExecutor(ctx, r.pool)
	err := executor.QueryRow(ctx, query,
		doc.ID,
		doc.Source,
		doc.Content,
		pgvector.NewVector(doc.Embedding),
		doc.CreatedAt,
	).Scan(&doc.CreatedAt)

	if err != nil {
		if postgres.IsPgDuplicateError(err) {
			return fmt.Errorf("document %s already exists: %w", doc.ID, domain.ErrConflict)
		}
		return fmt.Errorf("create document: %w", err)
	}

	return nil
}

// SearchSimilar returns the topK documents closest to the query embedding by
// cosine distance, most similar first
func (r *PostgresDocumentRepository) SearchSimilar(ctx context.Context, embedding []float32, topK int) ([]knowledgeModels.Document, error) {
	query := fmt.Sprintf(`
		SELECT id, source, content, created_at, 1 - (embedding <=> $1) AS similarity
		FROM %s
		ORDER BY embedding <=> $1
		LIMIT $2
	`, r.tables.Documents)

	executor := postgres.GetExecutor(ctx, r.pool)
	rows, err := executor.Query(ctx, query, pgvector.NewVector(embedding), topK)
	if err != nil {
		return nil, fmt.Errorf("search documents: %w", err)
	}
	defer rows.Close()

	docs := []knowledgeModels.Document{}
	for rows.Next() {
		var doc knowledgeModels.Document
		err := rows.Scan(
			&doc.ID,
			&doc.Source,
			&doc.Content,
			&doc.CreatedAt,
			&doc.Similarity,
		)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}

	return docs, nil
}

// CountDocuments returns the number of stored documents
func (r *PostgresDocumentRepository) CountDocuments(ctx context.Context) (int, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, r.tables.Documents)

	var count int
	executor := postgres.GetExecutor(ctx, r.pool)
	if err := executor.QueryRow(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}

	return count, nil
}
