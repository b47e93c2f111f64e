// Package genclient is the single entry point for text generation and
// embedding against an Ollama-compatible service. It resolves configured
// model names against the models the service actually serves and routes
// embedding calls through the persistent embedding cache.
package genclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mstanton/listwise/internal/embcache"
)

const (
	// DefaultBaseURL targets a local Ollama instance
	DefaultBaseURL = "http://localhost:11434"

	// DefaultTemperature is used when a request does not set one
	DefaultTemperature = 0.7

	defaultTimeout = 120 * time.Second
)

// Common errors
var (
	ErrEmptyPrompt   = errors.New("prompt cannot be empty")
	ErrEmptyText     = errors.New("text cannot be empty")
	ErrServiceFailed = errors.New("generation service failed")
)

// Config configures a Client. GenerationModel and EmbeddingModel are
// intentionally decoupled: embedding is usually served by a small
// embedding-specialized model while generation uses a larger one.
type Config struct {
	BaseURL         string
	GenerationModel string
	EmbeddingModel  string
	Timeout         time.Duration
}

// GenerateRequest is a single non-streaming generation call.
// Temperature nil means DefaultTemperature; a pointer to 0 requests a
// deterministic generation.
type GenerateRequest struct {
	Prompt      string
	System      string
	Temperature *float64
}

// Client talks to the generation/embedding service.
type Client struct {
	baseURL    string
	genModel   string
	embModel   string
	httpClient *http.Client
	cache      *embcache.Cache
	logger     *zap.Logger
	retry      retryConfig
}

// New creates a client and resolves the configured model names against
// the service's available models, substituting close variants when the
// exact names are absent. A failed model listing keeps the configured
// names as-is.
func New(ctx context.Context, cfg Config, cache *embcache.Cache, logger *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		baseURL:  cfg.BaseURL,
		genModel: cfg.GenerationModel,
		embModel: cfg.EmbeddingModel,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		cache:  cache,
		logger: logger,
		retry:  defaultRetryConfig(),
	}

	c.resolveModels(ctx)
	return c
}

// GenerationModel returns the resolved generation model name.
func (c *Client) GenerationModel() string { return c.genModel }

// EmbeddingModel returns the resolved embedding model name.
func (c *Client) EmbeddingModel() string { return c.embModel }

// Generate issues one non-streaming generation request. Transport and
// decoding failures return an error; callers fall back rather than abort.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	if req.Prompt == "" {
		return "", ErrEmptyPrompt
	}

	temperature := DefaultTemperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}

	body := map[string]interface{}{
		"model":       c.genModel,
		"prompt":      req.Prompt,
		"temperature": temperature,
		"stream":      false,
	}
	if req.System != "" {
		body["system"] = req.System
	}

	text, err := retryWithBackoff(ctx, c.retry, func() (string, error) {
		var resp struct {
			Response string `json:"response"`
		}
		if err := c.post(ctx, "/api/generate", body, &resp); err != nil {
			return "", err
		}
		return resp.Response, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrServiceFailed, err)
	}
	return text, nil
}

// Embed returns the embedding for text, consulting the cache first and
// storing successful results.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyText
	}

	if c.cache != nil {
		if vec, ok := c.cache.Get(text, c.embModel); ok {
			return vec, nil
		}
	}

	vec, err := c.EmbedNoCache(ctx, text)
	if err != nil {
		return nil, err
	}

	if c.cache != nil && len(vec) > 0 {
		c.cache.Put(text, c.embModel, vec)
	}
	return vec, nil
}

// EmbedNoCache calls the embedding endpoint directly, bypassing the cache.
func (c *Client) EmbedNoCache(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyText
	}

	body := map[string]interface{}{
		"model":  c.embModel,
		"prompt": text,
	}

	vec, err := retryWithBackoff(ctx, c.retry, func() ([]float32, error) {
		var resp struct {
			Embedding []float32 `json:"embedding"`
		}
		if err := c.post(ctx, "/api/embeddings", body, &resp); err != nil {
			return nil, err
		}
		return resp.Embedding, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServiceFailed, err)
	}
	return vec, nil
}

// AvailableModels lists the model names the service currently serves.
func (c *Client) AvailableModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("list models: status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("decode model list: %w", err)
	}

	names := make([]string, len(tags.Models))
	for i, m := range tags.Models {
		names[i] = m.Name
	}
	return names, nil
}

// CacheStats exposes the embedding cache counters, or zeros when the
// client runs uncached.
func (c *Client) CacheStats() embcache.Stats {
	if c.cache == nil {
		return embcache.Stats{}
	}
	return c.cache.Stats()
}

// Close releases idle connections.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// post sends a JSON body and decodes a JSON response.
func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("api call: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("api error %d: %s", resp.StatusCode, string(bodyBytes))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
