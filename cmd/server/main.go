package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"github.com/redis/go-redis/v9"

	"gwi.com/ragchat/internal/api"
	"gwi.com/ragchat/internal/auth"
	"gwi.com/ragchat/internal/billing"
	"gwi.com/ragchat/internal/config"
	"gwi.com/ragchat/internal/core"
	"gwi.com/ragchat/internal/ingest"
	"gwi.com/ragchat/internal/knowledge"
	"gwi.com/ragchat/internal/llm"
	"gwi.com/ragchat/internal/logger"
	"gwi.com/ragchat/internal/search"
	"gwi.com/ragchat/internal/store"
	"gwi.com/ragchat/internal/usage"
)

// modelClient is what a model backend offers: chat plus embeddings.
type modelClient interface {
	llm.Provider
	llm.Embedder
}

func main() {
	// Load configuration
	config.LoadConfig()
	cfg := config.AppConfig

	appLog, err := logger.New(logger.Options{Mode: cfg.LogMode, Level: cfg.LogLevel, Redact: cfg.LogRedact, Salt: cfg.LogHashSalt})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer appLog.Sync()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Initialize database store
	dbStore, err := store.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		appLog.Fatal("failed to initialize database", "driver", cfg.DatabaseDriver, "error", err)
	}
	defer dbStore.Close()

	// Initialize model provider
	primary, fallback, closeModels, err := newModels(ctx, cfg)
	if err != nil {
		appLog.Fatal("failed to initialize model backend", "backend", cfg.ModelBackend, "error", err)
	}
	defer closeModels()

	model := llm.NewResilient(primary, llm.ResilientOptions{
		Fallback:   fallback,
		Embedder:   primary,
		MaxRetries: cfg.ModelMaxRetries,
		Timeout:    cfg.ModelTimeout,
		Logger:     appLog.With("component", "llm"),
	})

	// Initialize session knowledge
	index, err := newIndex(ctx, cfg)
	if err != nil {
		appLog.Fatal("failed to initialize vector index", "backend", cfg.VectorBackend, "error", err)
	}
	sessions := knowledge.NewStore(model, index, knowledge.Options{
		IdleTTL: cfg.SessionIdleTTL,
		Logger:  appLog.With("component", "knowledge"),
	})
	go sessions.RunSweeper(ctx)

	// Usage counters
	var recorder usage.Recorder = usage.Nop{}
	var totals api.UsageTotals
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		counters := usage.NewRedis(rdb, 0)
		recorder, totals = counters, counters
	}

	// Identity
	verifier, err := newVerifier(cfg)
	if err != nil {
		appLog.Fatal("failed to initialize token verifier", "mode", cfg.AuthMode, "error", err)
	}
	roster, err := config.LoadRoster(cfg.GroupRosterFile)
	if err != nil {
		appLog.Fatal("failed to load group roster", "error", err)
	}

	tokenizer, err := billing.NewTokenizer()
	if err != nil {
		appLog.Fatal("failed to initialize tokenizer", "error", err)
	}
	pricing := billing.NewPricing(cfg.PricePer1KTokens)
	searcher := search.NewBing(cfg.BingEndpoint, cfg.BingAPIKey, cfg.SearchTimeout)

	// Initialize services
	engine := core.NewEngine(sessions, model, searcher, tokenizer, pricing, dbStore, recorder, core.EngineConfig{
		TopK:            cfg.RetrievalTopK,
		HistoryLimit:    cfg.HistoryLimit,
		RecencyKeywords: cfg.RecencyKeywords,
		SearchResults:   cfg.SearchResults,
	}, appLog.With("component", "engine"))
	documents := core.NewDocumentService(ingest.NewSplitter(cfg.ChunkSize, cfg.ChunkOverlap), sessions, model,
		tokenizer, pricing, dbStore, core.DocumentConfig{}, appLog.With("component", "documents"))
	users := core.NewUserService(dbStore, core.NewRosterClassifier(roster), appLog.With("component", "users"))
	feedback := core.NewFeedbackService(dbStore, appLog.With("component", "feedback"))

	// Initialize API Handler and Router
	apiHandler := api.NewAPIHandler(api.Deps{
		Chat:           engine,
		Documents:      documents,
		Users:          users,
		Feedback:       feedback,
		Usage:          totals,
		Search:         searcher,
		Verifier:       verifier,
		Health:         dbStore,
		Logger:         appLog.With("component", "http"),
		MaxUploadBytes: cfg.MaxUploadBytes,
		SearchResults:  cfg.SearchResults,
	})
	router := api.NewRouter(apiHandler, cfg.CORSOrigins)

	// Start HTTP server
	serverAddr := fmt.Sprintf(":%s", cfg.HTTPPort)

	srv := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      cfg.ModelTimeout + 2*time.Minute, // streamed answers hold the response open
		IdleTimeout:       120 * time.Second,
	}

	// Graceful shutdown handling
	go func() {
		appLog.Info("starting server", "addr", serverAddr, "model_backend", cfg.ModelBackend, "vector_backend", cfg.VectorBackend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLog.Fatal("could not listen", "addr", serverAddr, "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLog.Error("server forced to shutdown", "error", err)
	}
	stop()
	appLog.Info("server exiting gracefully")
}

// newModels builds the primary model client and, when configured, a fallback
// client for a second chat model on the same backend.
func newModels(ctx context.Context, cfg config.Config) (modelClient, llm.Provider, func(), error) {
	switch cfg.ModelBackend {
	case "vertex":
		primary, err := llm.NewVertex(ctx, cfg.GCPProject, cfg.GCPLocation, cfg.ChatModel, cfg.EmbeddingModel)
		if err != nil {
			return nil, nil, nil, err
		}
		if cfg.ChatFallback == "" {
			return primary, nil, func() {}, nil
		}
		fallback, err := llm.NewVertex(ctx, cfg.GCPProject, cfg.GCPLocation, cfg.ChatFallback, cfg.EmbeddingModel)
		if err != nil {
			return nil, nil, nil, err
		}
		return primary, fallback, func() {}, nil
	default:
		primary, err := llm.NewGemini(ctx, cfg.GeminiAPIKey, cfg.ChatModel, cfg.EmbeddingModel)
		if err != nil {
			return nil, nil, nil, err
		}
		if cfg.ChatFallback == "" {
			return primary, nil, func() { primary.Close() }, nil
		}
		fallback, err := llm.NewGemini(ctx, cfg.GeminiAPIKey, cfg.ChatFallback, cfg.EmbeddingModel)
		if err != nil {
			primary.Close()
			return nil, nil, nil, err
		}
		return primary, fallback, func() { primary.Close(); fallback.Close() }, nil
	}
}

func newIndex(ctx context.Context, cfg config.Config) (knowledge.Index, error) {
	if cfg.VectorBackend != "qdrant" {
		return knowledge.NewMemoryIndex(), nil
	}
	client, err := qdrant.NewClient(&qdrant.Config{Host: cfg.QdrantHost, Port: cfg.QdrantPort})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to qdrant: %w", err)
	}
	index := knowledge.NewQdrantIndex(client, cfg.QdrantCollection)
	if err := index.Init(ctx, uint64(cfg.EmbeddingDim)); err != nil {
		return nil, err
	}
	return index, nil
}

func newVerifier(cfg config.Config) (auth.Verifier, error) {
	if cfg.AuthMode == "hmac" {
		return auth.NewHMACVerifier(cfg.JWTSecret), nil
	}
	v, err := auth.NewOIDCVerifier(&http.Client{Timeout: cfg.JWKSTimeout}, cfg.OIDCDiscoveryURL, cfg.OIDCIssuer, cfg.OIDCAudience)
	if err != nil {
		return nil, err
	}
	return v, nil
}
