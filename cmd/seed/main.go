// Command seed provisions backing storage: it creates the Postgres schema,
// embeds and loads knowledge-base documents, and can generate a small demo
// SQLite dataset for local development.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	_ "modernc.org/sqlite"

	"anomalygpt/internal/config"
	"anomalygpt/internal/domain/models/knowledge"
	"anomalygpt/internal/domain/models/sensor"
	"anomalygpt/internal/repository/postgres"
	postgresKnowledge "anomalygpt/internal/repository/postgres/knowledge"
	"anomalygpt/internal/sensorcat"
	"anomalygpt/internal/service/embedding"
)

func main() {
	_ = godotenv.Load()

	docsDir := flag.String("docs", "", "directory of .md/.txt knowledge documents to embed and load")
	demoDataset := flag.String("demo-dataset", "", "write a small demo SQLite dataset to this path")
	flag.Parse()

	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if *demoDataset != "" {
		if err := writeDemoDataset(*demoDataset); err != nil {
			log.Fatalf("Failed to write demo dataset: %v", err)
		}
		logger.Info("demo dataset written", "path", *demoDataset)
	}

	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, skipping schema and documents")
		return
	}

	ctx := context.Background()
	pool, err := postgres.CreateConnectionPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to create connection pool: %v", err)
	}
	defer pool.Close()

	tables := postgres.NewTableNames(cfg.TablePrefix)
	if err := createSchema(ctx, pool, tables, cfg.EmbeddingDims); err != nil {
		log.Fatalf("Failed to create schema: %v", err)
	}
	logger.Info("schema created", "prefix", cfg.TablePrefix)

	if *docsDir != "" {
		count, err := loadDocuments(ctx, pool, tables, cfg, *docsDir, logger)
		if err != nil {
			log.Fatalf("Failed to load documents: %v", err)
		}
		logger.Info("knowledge base loaded", "documents", count)
	}
}

// createSchema provisions the chat log and knowledge-base tables.
// Statements are idempotent so re-running the seeder is safe.
func createSchema(ctx context.Context, pool *pgxpool.Pool, tables *postgres.TableNames, embeddingDims int) error {
	statements := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id UUID PRIMARY KEY,
			title VARCHAR(255) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, tables.Sessions),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id UUID PRIMARY KEY,
			session_id UUID NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT,
			model TEXT,
			input_tokens INTEGER,
			output_tokens INTEGER,
			stop_reason TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			completed_at TIMESTAMPTZ,
			UNIQUE (session_id, seq)
		)`, tables.Messages, tables.Sessions),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id UUID PRIMARY KEY,
			message_id UUID NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
			block_type TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			text_content TEXT,
			content JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (message_id, sequence)
		)`, tables.MessageBlocks, tables.Messages),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id UUID PRIMARY KEY,
			source TEXT NOT NULL,
			content TEXT NOT NULL,
			embedding vector(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, tables.Documents, embeddingDims),

		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_session_seq ON %s (session_id, seq)`,
			tables.Messages, tables.Messages),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_message ON %s (message_id, sequence)`,
			tables.MessageBlocks, tables.MessageBlocks),
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:40], err)
		}
	}
	return nil
}

// loadDocuments embeds every .md/.txt file under dir and inserts one
// knowledge document per file.
func loadDocuments(
	ctx context.Context,
	pool *pgxpool.Pool,
	tables *postgres.TableNames,
	cfg *config.Config,
	dir string,
	logger *slog.Logger,
) (int, error) {
	embedder := embedding.NewOpenAIProvider(
		cfg.EmbeddingAPIKey,
		cfg.EmbeddingBaseURL,
		cfg.EmbeddingModel,
		cfg.EmbeddingDims,
	)
	repo := postgresKnowledge.NewDocumentRepository(&postgres.RepositoryConfig{
		Pool:   pool,
		Tables: tables,
		Logger: logger,
	})

	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read docs dir: %w", err)
	}

	count := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".md" && ext != ".txt" {
			continue
		}

		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return count, fmt.Errorf("read %s: %w", entry.Name(), err)
		}
		content := strings.TrimSpace(string(raw))
		if content == "" {
			continue
		}

		emb, err := embedder.Embed(ctx, content)
		if err != nil {
			return count, fmt.Errorf("embed %s: %w", entry.Name(), err)
		}

		doc := &knowledge.Document{
			ID:        uuid.New().String(),
			Source:    entry.Name(),
			Content:   content,
			Embedding: emb,
			CreatedAt: time.Now().UTC(),
		}
		if err := repo.CreateDocument(ctx, doc); err != nil {
			return count, fmt.Errorf("insert %s: %w", entry.Name(), err)
		}

		logger.Info("document loaded", "source", entry.Name(), "bytes", len(content))
		count++
	}

	return count, nil
}

// writeDemoDataset creates a tiny SQLite dataset with the production schema
// and one synthetic anomaly, enough to exercise every tool locally.
func writeDemoDataset(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dataset directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open dataset: %w", err)
	}
	defer db.Close()

	catalog, err := sensorcat.Load()
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	analog := catalog.AnalogNames()
	digital := catalog.DigitalNames()

	schema := []string{
		`CREATE TABLE IF NOT EXISTS anomalies_consolidated (
			event_id INTEGER, start_ts TEXT, end_ts TEXT, event_duration_in_secs REAL
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS results_agg (ts TEXT, %s_pred REAL)`,
			strings.Join(analog, "_pred REAL, ")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS train_data (ts TEXT, %s INTEGER)`,
			strings.Join(digital, " INTEGER, ")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS train_data_processed (ts TEXT, %s REAL, %s INTEGER, pred_filtered INTEGER)`,
			strings.Join(analog, " REAL, "), strings.Join(digital, " INTEGER, ")),
		`CREATE TABLE IF NOT EXISTS results (
			ts TEXT, sensor TEXT, yhat_lower_with_buffer REAL, yhat_upper_with_buffer REAL
		)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// One ten-minute anomaly with an hour of surrounding samples
	eventStart := time.Date(2022, 2, 1, 10, 0, 0, 0, time.UTC)
	if _, err := db.Exec(
		`INSERT INTO anomalies_consolidated VALUES (1, ?, ?, 600)`,
		eventStart.Format(sensor.TimestampLayout),
		eventStart.Add(10*time.Minute).Format(sensor.TimestampLayout),
	); err != nil {
		return fmt.Errorf("insert anomaly: %w", err)
	}

	analogCols := strings.Join(analog, ", ")
	digitalCols := strings.Join(digital, ", ")
	for i := 0; i < 3600; i += 60 {
		ts := eventStart.Add(time.Duration(i-1800) * time.Second).Format(sensor.TimestampLayout)
		inEvent := i >= 1800 && i < 2400

		flag := 0
		pred := 0.0
		value := 8.0
		if inEvent {
			flag = 1
			pred = 1.0
			value = 9.6
		}

		if _, err := db.Exec(
			fmt.Sprintf(`INSERT INTO results_agg (ts, %s) VALUES (?%s)`,
				strings.Join(analog, "_pred, ")+"_pred", strings.Repeat(", ?", len(analog))),
			append([]interface{}{ts}, repeatValue(pred, len(analog))...)...,
		); err != nil {
			return fmt.Errorf("insert results_agg: %w", err)
		}
		if _, err := db.Exec(
			fmt.Sprintf(`INSERT INTO train_data (ts, %s) VALUES (?%s)`,
				digitalCols, strings.Repeat(", ?", len(digital))),
			append([]interface{}{ts}, repeatValue(flag, len(digital))...)...,
		); err != nil {
			return fmt.Errorf("insert train_data: %w", err)
		}
		if _, err := db.Exec(
			fmt.Sprintf(`INSERT INTO train_data_processed (ts, %s, %s, pred_filtered) VALUES (?%s)`,
				analogCols, digitalCols, strings.Repeat(", ?", len(analog)+len(digital)+1)),
			append(append(append([]interface{}{ts},
				repeatValue(value, len(analog))...),
				repeatValue(flag, len(digital))...),
				flag)...,
		); err != nil {
			return fmt.Errorf("insert train_data_processed: %w", err)
		}
		for _, name := range analog {
			if _, err := db.Exec(
				`INSERT INTO results VALUES (?, ?, 7.0, 9.0)`, ts, name,
			); err != nil {
				return fmt.Errorf("insert results: %w", err)
			}
		}
	}

	return nil
}

func repeatValue(v interface{}, n int) []interface{} {
	out := make([]interface{}, n)
	for i := range out {
		out[i] = v
	}
	return out
}
