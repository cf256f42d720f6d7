package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/cors"

	"anomalygpt/internal/config"
	"anomalygpt/internal/handler"
	"anomalygpt/internal/handler/sse"
	"anomalygpt/internal/middleware"
	"anomalygpt/internal/repository/postgres"
	postgresChat "anomalygpt/internal/repository/postgres/chat"
	postgresKnowledge "anomalygpt/internal/repository/postgres/knowledge"
	"anomalygpt/internal/repository/sqlite"
	"anomalygpt/internal/sensorcat"
	"anomalygpt/internal/service/embedding"
	"anomalygpt/internal/service/llm"
	anthropicProvider "anomalygpt/internal/service/llm/providers/anthropic"
	"anomalygpt/internal/service/llm/tools"
	"anomalygpt/internal/service/orchestrator"
	"anomalygpt/internal/service/plot"
	"anomalygpt/internal/service/retrieval"
)

func main() {
	// Load .env file (silently ignore if it doesn't exist - for production)
	_ = godotenv.Load()

	// Load configuration
	cfg := config.Load()

	// Setup structured logging
	logLevel := slog.LevelInfo
	if cfg.Environment == "dev" {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("server starting",
		"environment", cfg.Environment,
		"port", cfg.Port,
		"table_prefix", cfg.TablePrefix,
	)

	// Create pgx connection pool
	ctx := context.Background()
	pool, err := postgres.CreateConnectionPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to create connection pool: %v", err)
	}
	defer pool.Close()

	logger.Info("database connected",
		"max_conns", 25,
		"min_conns", 5,
	)

	// Create repositories
	tables := postgres.NewTableNames(cfg.TablePrefix)
	repoConfig := &postgres.RepositoryConfig{
		Pool:   pool,
		Tables: tables,
		Logger: logger,
	}
	sessionRepo := postgresChat.NewSessionRepository(repoConfig)
	messageRepo := postgresChat.NewMessageRepository(repoConfig)
	documentRepo := postgresKnowledge.NewDocumentRepository(repoConfig)
	txManager := postgres.NewTransactionManager(pool)

	// Sensor catalog and dataset reader
	catalog, err := sensorcat.Load()
	if err != nil {
		log.Fatalf("Failed to load sensor catalog: %v", err)
	}
	datasetReader, err := sqlite.NewDatasetReader(cfg.DatasetPath, catalog, logger)
	if err != nil {
		log.Fatalf("Failed to open dataset: %v", err)
	}
	defer datasetReader.Close()

	logger.Info("dataset opened", "path", cfg.DatasetPath)

	// Retrieval: embeddings, similarity search, context audit log
	embedder := embedding.NewOpenAIProvider(
		cfg.EmbeddingAPIKey,
		cfg.EmbeddingBaseURL,
		cfg.EmbeddingModel,
		cfg.EmbeddingDims,
	)
	contextLog, err := config.OpenContextLog(cfg.ContextLogPath)
	if err != nil {
		log.Fatalf("Failed to open context log: %v", err)
	}
	defer contextLog.Close()

	retriever := retrieval.NewRetriever(
		documentRepo,
		embedder,
		retrieval.NewAuditWriter(contextLog),
		config.RetrievalTopK,
		logger,
	)

	// Plot rendering and the tool registry
	renderer, err := plot.NewRenderer(cfg.ImageDir, logger)
	if err != nil {
		log.Fatalf("Failed to create plot renderer: %v", err)
	}
	toolRegistry := tools.NewRegistry(datasetReader, renderer, catalog, logger)

	// LLM provider
	provider, err := anthropicProvider.NewProvider(cfg.AnthropicAPIKey)
	if err != nil {
		log.Fatalf("Failed to create LLM provider: %v", err)
	}

	// Turn orchestration
	executorRegistry := llm.NewExecutorRegistry()
	orch := orchestrator.New(
		sessionRepo,
		messageRepo,
		txManager,
		provider,
		retriever,
		toolRegistry,
		executorRegistry,
		catalog,
		cfg.Model,
		cfg.MaxTokens,
		logger,
	)

	logger.Info("services initialized", "model", cfg.Model)

	// Create handlers
	sessionHandler := handler.NewSessionHandler(orch, logger)
	messageHandler := handler.NewMessageHandler(orch, executorRegistry, sse.DefaultConfig(), logger)
	imageHandler := handler.NewImageHandler(cfg.ImageDir, logger)

	// Create HTTP router (Go 1.22+ enhanced patterns)
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	// Session routes
	mux.HandleFunc("POST /api/sessions", sessionHandler.CreateSession)
	mux.HandleFunc("GET /api/sessions", sessionHandler.ListSessions)
	mux.HandleFunc("GET /api/sessions/{id}", sessionHandler.GetSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", sessionHandler.DeleteSession)
	mux.HandleFunc("GET /api/sessions/{id}/messages", sessionHandler.ListSessionMessages)

	// Message routes
	mux.HandleFunc("POST /api/sessions/{id}/messages", messageHandler.SubmitMessage)
	mux.HandleFunc("GET /api/messages/{id}/stream", messageHandler.StreamMessage) // SSE streaming endpoint
	mux.HandleFunc("POST /api/messages/{id}/interrupt", messageHandler.InterruptMessage)

	// Rendered plot images
	mux.HandleFunc("GET /api/images/{name}", imageHandler.GetImage)

	// Build middleware chain
	var httpHandler http.Handler = mux

	// Apply middleware in reverse order (they wrap each other)
	// Order: CORS → Recovery → Auth → Routes
	httpHandler = middleware.Auth(cfg.AuthSecret, logger)(httpHandler)
	httpHandler = middleware.Recovery(logger)(httpHandler)

	// CORS - Must be before auth to handle OPTIONS pre-flight requests
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   strings.Split(cfg.CORSOrigins, ","),
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Origin", "Content-Type", "Accept", "Authorization", "Last-Event-ID"},
		AllowCredentials: true,
	})
	httpHandler = corsHandler.Handler(httpHandler)

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      httpHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // Disabled to allow long-lived SSE streams
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown on SIGINT/SIGTERM
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("listening", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-shutdown
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
}
