package mcp

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/mstanton/listwise/internal/batch"
	"github.com/mstanton/listwise/internal/config"
	"github.com/mstanton/listwise/internal/embcache"
	"github.com/mstanton/listwise/internal/genclient"
	"github.com/mstanton/listwise/internal/optimizer"
	"github.com/mstanton/listwise/internal/rag"
	"github.com/mstanton/listwise/internal/store"
)

const (
	// ServerName is the MCP server name
	ServerName = "listwise"
	// ServerVersion is the current server version
	ServerVersion = "1.0.0"
)

// Server wraps the MCP server with application dependencies
type Server struct {
	mcp       *server.MCPServer
	cfg       *config.Config
	logger    *zap.Logger
	storage   store.Storage
	cache     *embcache.Cache
	client    *genclient.Client
	retriever *rag.RAG
	optimizer *optimizer.Optimizer
	processor *batch.Processor
}

// NewServer creates a new MCP server instance with the full pipeline
// wired: storage, embedding cache, generation client, retrieval index,
// optimizer, and batch processor.
func NewServer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	storage, err := store.NewSQLiteStorage(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	// Cache construction never fails; disk errors degrade to memory-only.
	cache := embcache.New(
		cfg.Cache.Dir,
		cfg.Cache.MaxSize,
		time.Duration(cfg.Cache.TTLDays)*24*time.Hour,
		logger,
	)

	client := genclient.New(ctx, genclient.Config{
		BaseURL:         cfg.Service.BaseURL,
		GenerationModel: cfg.Service.GenerationModel,
		EmbeddingModel:  cfg.Service.EmbeddingModel,
		Timeout:         time.Duration(cfg.Service.TimeoutSecs) * time.Second,
	}, cache, logger)

	// One client instance backs retrieval, optimization, and batch
	// clustering so they all share the embedding cache.
	retriever := rag.New(client, storage, logger)
	opt := optimizer.New(client, retriever, storage, logger)
	processor := batch.New(client, retriever, batch.Config{
		ClusterSize: cfg.Batch.ClusterSize,
		MaxWorkers:  cfg.Batch.MaxWorkers,
	}, logger)

	s := &Server{
		mcp:       server.NewMCPServer(ServerName, ServerVersion),
		cfg:       cfg,
		logger:    logger,
		storage:   storage,
		cache:     cache,
		client:    client,
		retriever: retriever,
		optimizer: opt,
		processor: processor,
	}

	s.registerTools()
	return s, nil
}

// Serve starts the MCP server on stdio and blocks until shutdown
func (s *Server) Serve(ctx context.Context) error {
	defer func() {
		s.cache.Close()
		_ = s.storage.Close()
	}()
	return server.ServeStdio(s.mcp)
}

// registerTools registers all MCP tools
func (s *Server) registerTools() {
	s.mcp.AddTool(optimizeListingTool(), s.handleOptimizeListing)
	s.mcp.AddTool(optimizeBatchTool(), s.handleOptimizeBatch)
	s.mcp.AddTool(indexCorpusTool(), s.handleIndexCorpus)
	s.mcp.AddTool(getStatsTool(), s.handleGetStats)
}
