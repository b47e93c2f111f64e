// Command modelcheck verifies connectivity with the local generation
// service: it lists the installed models, shows which generation and
// embedding models the client resolved, and runs one embedding round
// trip through the cache.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/mstanton/listwise/internal/config"
	"github.com/mstanton/listwise/internal/embcache"
	"github.com/mstanton/listwise/internal/genclient"
)

func main() {
	_ = godotenv.Load()

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.LoadDefault()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	cacheDir, err := os.MkdirTemp("", "listwise-modelcheck-")
	if err != nil {
		logger.Fatal("failed to create temp cache dir", zap.Error(err))
	}
	defer func() { _ = os.RemoveAll(cacheDir) }()

	cache := embcache.New(cacheDir, 16, time.Hour, logger)
	client := genclient.New(ctx, genclient.Config{
		BaseURL:         cfg.Service.BaseURL,
		GenerationModel: cfg.Service.GenerationModel,
		EmbeddingModel:  cfg.Service.EmbeddingModel,
		Timeout:         time.Duration(cfg.Service.TimeoutSecs) * time.Second,
	}, cache, logger)

	fmt.Printf("Service: %s\n\n", cfg.Service.BaseURL)

	models, err := client.AvailableModels(ctx)
	if err != nil {
		logger.Fatal("service unreachable", zap.Error(err))
	}
	fmt.Printf("Installed models (%d):\n", len(models))
	for _, m := range models {
		fmt.Printf("  %s\n", m)
	}

	fmt.Printf("\nRequested generation model: %s\n", cfg.Service.GenerationModel)
	fmt.Printf("Requested embedding model:  %s\n", cfg.Service.EmbeddingModel)

	const probe = "handmade ceramic coffee mug"
	vec, err := client.Embed(ctx, probe)
	if err != nil {
		logger.Fatal("embedding failed", zap.Error(err))
	}
	fmt.Printf("\nEmbedding probe: %q -> %d dimensions\n", probe, len(vec))

	// Second call should come from the cache.
	if _, err := client.Embed(ctx, probe); err != nil {
		logger.Fatal("cached embedding failed", zap.Error(err))
	}
	stats := client.CacheStats()
	fmt.Printf("Cache: %d hits, %d misses, hit ratio %.2f\n",
		stats.Hits, stats.Misses, stats.HitRatio)
}
