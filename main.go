package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lexflow/orchestrator/internal/config"
	"github.com/lexflow/orchestrator/internal/graph"
	"github.com/lexflow/orchestrator/internal/llm"
	"github.com/lexflow/orchestrator/internal/logger"
	"github.com/lexflow/orchestrator/internal/search"
	"github.com/lexflow/orchestrator/internal/store"
	"github.com/lexflow/orchestrator/internal/stream"
	"github.com/lexflow/orchestrator/internal/tools"
	handler "github.com/lexflow/orchestrator/internal/transport/http"
	"github.com/lexflow/orchestrator/policy"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("starting orchestrator",
		zap.Int("http_port", cfg.HTTPPort),
		zap.String("database", cfg.DatabaseURL),
		zap.Int("max_search_steps", cfg.MaxSearchSteps))

	// Initialize store
	db, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("failed to initialize store", zap.Error(err))
	}
	defer db.Close()

	// Initialize retrieval backend
	var searcher search.Searcher
	if cfg.RetrievalURL != "" {
		searcher = search.NewHTTPClient(cfg.RetrievalURL, cfg.SearchTimeout)
		log.Info("using retrieval backend", zap.String("url", cfg.RetrievalURL))
	} else {
		searcher = search.NewStub()
		log.Warn("no retrieval backend configured, using offline stub")
	}

	// Initialize LLM gateway
	gateway := llm.FromConfig(cfg.AnthropicAPIKey, cfg.Model, cfg.MaxTokens,
		cfg.Temperature, cfg.LLMTimeout, log)

	// Initialize policy engine
	ctx := context.Background()
	policyEngine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		log.Fatal("failed to initialize policy engine", zap.Error(err))
	}

	// Initialize tool registry
	registry := tools.NewRegistry(policyEngine, log)
	registry.MustRegister(tools.NewSimilaritySearchTool(searcher, cfg.SearchTimeout))
	registry.MustRegister(tools.NewWebFetchTool(cfg.WebFetchAllowedDomains, cfg.WebFetchMaxBytes, cfg.WebFetchTimeout))

	// Initialize runner and transport
	steps := graph.NewSteps(registry, gateway, cfg, log)
	runner := graph.NewRunner(db, steps, cfg, log)
	adapter := stream.NewAdapter(cfg.KeepaliveInterval, log)
	server := handler.NewServer(handler.NewHandler(runner, adapter, log))

	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatal("failed to start server", zap.Error(err))
		}
	}()
	log.Info("orchestrator started", zap.Int("port", cfg.HTTPPort))

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down orchestrator")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("failed to shutdown server gracefully", zap.Error(err))
	}

	log.Info("orchestrator stopped")
}
