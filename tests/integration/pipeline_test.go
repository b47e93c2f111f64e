package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"

	"github.com/mstanton/listwise/internal/batch"
	"github.com/mstanton/listwise/internal/embcache"
	"github.com/mstanton/listwise/internal/genclient"
	"github.com/mstanton/listwise/internal/optimizer"
	"github.com/mstanton/listwise/internal/rag"
	"github.com/mstanton/listwise/internal/store"
)

// PipelineTestSuite exercises the full optimization pipeline against a
// fake generation service: storage, cache, client, retrieval index,
// optimizer, and batch processor wired together as in production.
type PipelineTestSuite struct {
	suite.Suite
	ctx       context.Context
	service   *httptest.Server
	storage   store.Storage
	cache     *embcache.Cache
	client    *genclient.Client
	retriever *rag.RAG
	optimizer *optimizer.Optimizer
	processor *batch.Processor
}

func TestPipelineSuite(t *testing.T) {
	suite.Run(t, new(PipelineTestSuite))
}

// SetupSuite starts the fake generation service once for all tests.
func (s *PipelineTestSuite) SetupSuite() {
	s.ctx = context.Background()
	s.service = httptest.NewServer(http.HandlerFunc(fakeService))
}

func (s *PipelineTestSuite) TearDownSuite() {
	s.service.Close()
}

// SetupTest rebuilds the whole pipeline on fresh storage and cache.
func (s *PipelineTestSuite) SetupTest() {
	storage, err := store.NewSQLiteStorage(":memory:")
	s.Require().NoError(err)
	s.storage = storage

	logger := zap.NewNop()
	s.cache = embcache.New(filepath.Join(s.T().TempDir(), "cache"), 100, time.Hour, logger)
	s.client = genclient.New(s.ctx, genclient.Config{
		BaseURL:         s.service.URL,
		GenerationModel: "llama3.1:8b",
		EmbeddingModel:  "nomic-embed-text",
		Timeout:         5 * time.Second,
	}, s.cache, logger)
	s.retriever = rag.New(s.client, s.storage, logger)
	s.optimizer = optimizer.New(s.client, s.retriever, s.storage, logger)
	s.processor = batch.New(s.client, s.retriever, batch.Config{
		ClusterSize: 3,
		MaxWorkers:  2,
	}, logger)
}

func (s *PipelineTestSuite) TearDownTest() {
	s.cache.Close()
	_ = s.storage.Close()
}

// fakeService implements the generation API: deterministic embeddings
// derived from the prompt text, and canned JSON answers routed by
// prompt content.
func fakeService(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/api/tags":
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"models": []map[string]string{
				{"name": "llama3.1:8b"},
				{"name": "nomic-embed-text"},
			},
		})
	case "/api/embeddings":
		var req struct {
			Prompt string `json:"prompt"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"embedding": textVector(req.Prompt),
		})
	case "/api/generate":
		var req struct {
			Prompt string `json:"prompt"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"response": cannedResponse(req.Prompt),
		})
	default:
		http.NotFound(w, r)
	}
}

// textVector derives a deterministic vector from the text so repeated
// embeddings of the same text are identical.
func textVector(text string) []float64 {
	vec := make([]float64, 16)
	h := fnv.New32a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum32()
	for i := range vec {
		vec[i] = float64((seed>>(i%24))&0xff) / 255.0
	}
	return vec
}

func cannedResponse(prompt string) string {
	switch {
	case strings.Contains(prompt, "primary search keyword"):
		return `{"base_keyword": "ceramic coffee mug", "product_type": "mug"}`
	case strings.Contains(prompt, "Rewrite this listing title"):
		return "Ceramic Coffee Mug | Handmade Blue Glaze Pottery | Coffee Lover Gift"
	case strings.Contains(prompt, "exactly 13 search tags"):
		return `["ceramic mug", "coffee lover gift", "blue glaze mug", "handmade pottery",
			"stoneware mug", "coffee cup gift", "pottery mug", "glazed mug",
			"artisan ceramic", "mug for her", "kitchen pottery", "unique mug", "clay mug"]`
	case strings.Contains(prompt, "opening paragraph"):
		return "Start your morning with a handmade ceramic coffee mug, glazed in deep blue."
	case strings.Contains(prompt, "Assess the quality"):
		return `{"score": 85, "notes": "strong keyword placement", "recommendations": ["add dimensions"]}`
	}
	return "ok"
}

func (s *PipelineTestSuite) seedCorpus() {
	keywords := []*store.Keyword{
		{Text: "ceramic mug", SearchVolume: 9000, Competition: 0.4, Category: "kitchen"},
		{Text: "coffee lover gift", SearchVolume: 7000, Competition: 0.6, Category: "gifts"},
		{Text: "handmade pottery", SearchVolume: 5000, Competition: 0.3, Category: "kitchen"},
	}
	for _, k := range keywords {
		s.Require().NoError(s.storage.UpsertKeyword(s.ctx, k))
	}
}

func (s *PipelineTestSuite) seedListings(n int) []*store.Listing {
	listings := make([]*store.Listing, n)
	for i := range listings {
		l := &store.Listing{
			MarketplaceID:       fmt.Sprintf("mk-%03d", i),
			TitleOriginal:       fmt.Sprintf("Handmade Ceramic Coffee Mug %d", i),
			TagsOriginal:        []string{"mug", "pottery", "handmade"},
			DescriptionOriginal: "A lovely mug.\n\nHolds 350ml. Dishwasher safe.",
			Status:              store.StatusPending,
		}
		s.Require().NoError(s.storage.UpsertListing(s.ctx, l))
		listings[i] = l
	}
	return listings
}

func (s *PipelineTestSuite) TestIndexCorpus() {
	s.seedCorpus()
	s.seedListings(2)

	keywords, err := s.retriever.IndexKeywords(s.ctx, 100)
	s.Require().NoError(err)
	s.Equal(3, keywords)

	listings, err := s.retriever.IndexListings(s.ctx, 100)
	s.Require().NoError(err)
	s.Equal(2, listings)
}

func (s *PipelineTestSuite) TestSingleListingEndToEnd() {
	s.seedCorpus()
	seeded := s.seedListings(1)
	_, err := s.retriever.IndexKeywords(s.ctx, 100)
	s.Require().NoError(err)

	got, err := s.optimizer.OptimizeListingByID(s.ctx, seeded[0].ID)
	s.Require().NoError(err)

	s.Equal("ceramic coffee mug", got.BaseKeyword)
	s.Equal("mug", got.ProductType)
	s.Equal(store.StatusOptimized, got.Status)
	s.Len(got.TagsOptimized, optimizer.TagCount)
	s.LessOrEqual(len([]rune(got.TitleOptimized)), optimizer.TitleMaxLen)
	s.Contains(got.DescriptionOptimized, "Dishwasher safe.")
	s.Equal(float64(85), got.OptimizationScore)

	// Persisted with one audit record.
	stored, err := s.storage.GetListing(s.ctx, seeded[0].ID)
	s.Require().NoError(err)
	s.Equal(store.StatusOptimized, stored.Status)
	history, err := s.storage.ListHistory(s.ctx, seeded[0].ID)
	s.Require().NoError(err)
	s.Require().Len(history, 1)
	s.Equal(optimizer.AlgorithmVersion, history[0].AlgorithmVersion)
}

func (s *PipelineTestSuite) TestBatchEndToEnd() {
	s.seedCorpus()
	seeded := s.seedListings(7)
	_, err := s.retriever.IndexKeywords(s.ctx, 100)
	s.Require().NoError(err)

	pending, err := s.storage.ListListings(s.ctx, store.StatusPending, 100, 0)
	s.Require().NoError(err)
	s.Require().Len(pending, 7)

	optimized := s.processor.OptimizeListings(s.ctx, pending, s.optimizer)
	s.Len(optimized, 7)

	for _, l := range seeded {
		stored, err := s.storage.GetListing(s.ctx, l.ID)
		s.Require().NoError(err)
		s.Equal(store.StatusOptimized, stored.Status)
		s.Len(stored.TagsOptimized, optimizer.TagCount)
	}
}

func (s *PipelineTestSuite) TestEmbeddingCacheServesRepeats() {
	s.seedCorpus()
	_, err := s.retriever.IndexKeywords(s.ctx, 100)
	s.Require().NoError(err)

	// Re-indexing the same corpus should be served from the cache.
	_, err = s.retriever.IndexKeywords(s.ctx, 100)
	s.Require().NoError(err)

	stats := s.client.CacheStats()
	s.GreaterOrEqual(stats.Hits, uint64(3))
}
