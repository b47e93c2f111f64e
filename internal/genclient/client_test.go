package genclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mstanton/listwise/internal/embcache"
)

// fakeService is a minimal Ollama-compatible test double.
type fakeService struct {
	models     []string
	generate   func(model, prompt, system string) string
	embed      func(model, prompt string) []float32
	embedCalls int64
	genCalls   int64
	lastTemp   float64
}

func (f *fakeService) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		type model struct {
			Name string `json:"name"`
		}
		models := make([]model, len(f.models))
		for i, name := range f.models {
			models[i] = model{Name: name}
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"models": models})
	})

	mux.HandleFunc("/api/generate", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&f.genCalls, 1)
		var req struct {
			Model       string  `json:"model"`
			Prompt      string  `json:"prompt"`
			System      string  `json:"system"`
			Temperature float64 `json:"temperature"`
			Stream      bool    `json:"stream"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.lastTemp = req.Temperature
		out := ""
		if f.generate != nil {
			out = f.generate(req.Model, req.Prompt, req.System)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"response": out})
	})

	mux.HandleFunc("/api/embeddings", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&f.embedCalls, 1)
		var req struct {
			Model  string `json:"model"`
			Prompt string `json:"prompt"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		vec := []float32{0.5, 0.5}
		if f.embed != nil {
			vec = f.embed(req.Model, req.Prompt)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"embedding": vec})
	})

	return mux
}

func newTestClient(t *testing.T, f *fakeService, cfg Config, cache *embcache.Cache) *Client {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)

	cfg.BaseURL = srv.URL
	cfg.Timeout = 5 * time.Second
	c := New(context.Background(), cfg, cache, zap.NewNop())
	c.retry.maxAttempts = 1 // keep failure tests fast
	return c
}

func TestModelResolution(t *testing.T) {
	tests := []struct {
		name      string
		available []string
		genModel  string
		embModel  string
		wantGen   string
		wantEmb   string
	}{
		{
			name:      "exact matches kept",
			available: []string{"llama3.1:8b", "nomic-embed-text"},
			genModel:  "llama3.1:8b",
			embModel:  "nomic-embed-text",
			wantGen:   "llama3.1:8b",
			wantEmb:   "nomic-embed-text",
		},
		{
			name:      "same family variant substituted",
			available: []string{"llama3.1:70b", "nomic-embed-text:latest"},
			genModel:  "llama3.1:8b",
			embModel:  "nomic-embed-text",
			wantGen:   "llama3.1:70b",
			wantEmb:   "nomic-embed-text:latest",
		},
		{
			name:      "embedding fallback list used",
			available: []string{"llama3.1:8b", "mxbai-embed-large:latest"},
			genModel:  "llama3.1:8b",
			embModel:  "snowflake-arctic-embed",
			wantGen:   "llama3.1:8b",
			wantEmb:   "mxbai-embed-large:latest",
		},
		{
			name:      "nothing close keeps requested",
			available: []string{"qwen2.5:7b"},
			genModel:  "llama3.1:8b",
			embModel:  "snowflake-arctic-embed",
			wantGen:   "llama3.1:8b",
			wantEmb:   "snowflake-arctic-embed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeService{models: tt.available}
			c := newTestClient(t, f, Config{GenerationModel: tt.genModel, EmbeddingModel: tt.embModel}, nil)
			assert.Equal(t, tt.wantGen, c.GenerationModel())
			assert.Equal(t, tt.wantEmb, c.EmbeddingModel())
		})
	}
}

func TestModelResolutionListingFailure(t *testing.T) {
	// Point at a dead server: configured names must survive.
	cache := embcache.New("", 10, time.Hour, zap.NewNop())
	c := New(context.Background(), Config{
		BaseURL:         "http://127.0.0.1:1",
		GenerationModel: "llama3.1:8b",
		EmbeddingModel:  "nomic-embed-text",
		Timeout:         200 * time.Millisecond,
	}, cache, zap.NewNop())

	assert.Equal(t, "llama3.1:8b", c.GenerationModel())
	assert.Equal(t, "nomic-embed-text", c.EmbeddingModel())
}

func TestGenerate(t *testing.T) {
	f := &fakeService{
		models: []string{"llama3.1:8b"},
		generate: func(model, prompt, system string) string {
			return "optimized: " + prompt
		},
	}
	c := newTestClient(t, f, Config{GenerationModel: "llama3.1:8b", EmbeddingModel: "nomic-embed-text"}, nil)

	out, err := c.Generate(context.Background(), GenerateRequest{Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "optimized: hello", out)
}

func TestGenerateTemperature(t *testing.T) {
	f := &fakeService{
		models:   []string{"llama3.1:8b"},
		generate: func(model, prompt, system string) string { return "ok" },
	}
	c := newTestClient(t, f, Config{GenerationModel: "llama3.1:8b"}, nil)

	// Unset temperature falls back to the default.
	_, err := c.Generate(context.Background(), GenerateRequest{Prompt: "hello"})
	require.NoError(t, err)
	assert.InDelta(t, DefaultTemperature, f.lastTemp, 1e-9)

	// An explicit zero is sent as zero, requesting deterministic output.
	zero := 0.0
	_, err = c.Generate(context.Background(), GenerateRequest{Prompt: "hello", Temperature: &zero})
	require.NoError(t, err)
	assert.Zero(t, f.lastTemp)
}

func TestGenerateEmptyPrompt(t *testing.T) {
	f := &fakeService{models: []string{"llama3.1:8b"}}
	c := newTestClient(t, f, Config{GenerationModel: "llama3.1:8b"}, nil)

	_, err := c.Generate(context.Background(), GenerateRequest{})
	assert.ErrorIs(t, err, ErrEmptyPrompt)
}

func TestEmbedUsesCache(t *testing.T) {
	f := &fakeService{
		models: []string{"nomic-embed-text"},
		embed: func(model, prompt string) []float32 {
			return []float32{1, 2, 3}
		},
	}
	cache := embcache.New(t.TempDir(), 10, time.Hour, zap.NewNop())
	c := newTestClient(t, f, Config{EmbeddingModel: "nomic-embed-text"}, cache)

	v1, err := c.Embed(context.Background(), "ceramic mug")
	require.NoError(t, err)
	v2, err := c.Embed(context.Background(), "ceramic mug")
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.Equal(t, int64(1), atomic.LoadInt64(&f.embedCalls), "second call must be served from cache")

	stats := c.CacheStats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestEmbedTransportFailure(t *testing.T) {
	cache := embcache.New("", 10, time.Hour, zap.NewNop())
	c := New(context.Background(), Config{
		BaseURL:        "http://127.0.0.1:1",
		EmbeddingModel: "nomic-embed-text",
		Timeout:        200 * time.Millisecond,
	}, cache, zap.NewNop())
	c.retry.maxAttempts = 1

	vec, err := c.Embed(context.Background(), "anything")
	assert.Error(t, err)
	assert.Empty(t, vec)
	assert.Zero(t, c.CacheStats().Size, "failed embeddings are never cached")
}
