// Package config loads the application configuration from YAML with
// environment-variable overrides for deployment-specific settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Environment overrides. Each one, when set, wins over the YAML value.
const (
	EnvServiceURL      = "LISTWISE_SERVICE_URL"
	EnvGenerationModel = "LISTWISE_GENERATION_MODEL"
	EnvEmbeddingModel  = "LISTWISE_EMBEDDING_MODEL"
	EnvDBPath          = "LISTWISE_DB_PATH"
)

// ServiceConfig holds connection details for the local generation service.
type ServiceConfig struct {
	BaseURL         string `yaml:"base_url"`
	GenerationModel string `yaml:"generation_model"`
	EmbeddingModel  string `yaml:"embedding_model"`
	TimeoutSecs     int    `yaml:"timeout_secs"`
}

// CacheConfig configures the persistent embedding cache.
type CacheConfig struct {
	Dir     string `yaml:"dir"`
	MaxSize int    `yaml:"max_size"`
	TTLDays int    `yaml:"ttl_days"`
}

// BatchConfig configures batch optimization runs.
type BatchConfig struct {
	ClusterSize int `yaml:"cluster_size"`
	MaxWorkers  int `yaml:"max_workers"`
}

// IndexConfig bounds how much of the corpus the retrieval index loads.
type IndexConfig struct {
	KeywordLimit int `yaml:"keyword_limit"`
	ListingLimit int `yaml:"listing_limit"`
}

// Config is the root configuration.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	Cache   CacheConfig   `yaml:"cache"`
	Batch   BatchConfig   `yaml:"batch"`
	Index   IndexConfig   `yaml:"index"`
	DBPath  string        `yaml:"db_path"`
}

// Load reads a config from path. A missing file yields defaults.
// Environment overrides apply in both cases.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	return cfg, nil
}

// LoadDefault tries ./listwise.yaml, then ~/.config/listwise/config.yaml,
// and falls back to defaults when neither exists.
func LoadDefault() (*Config, error) {
	if _, err := os.Stat("listwise.yaml"); err == nil {
		return Load("listwise.yaml")
	}
	home, err := os.UserHomeDir()
	if err == nil {
		userPath := filepath.Join(home, ".config", "listwise", "config.yaml")
		if _, err := os.Stat(userPath); err == nil {
			return Load(userPath)
		}
	}
	// Load treats a missing file as defaults.
	return Load("listwise.yaml")
}

func defaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			BaseURL:         "http://localhost:11434",
			GenerationModel: "llama3.1:8b",
			EmbeddingModel:  "nomic-embed-text",
			TimeoutSecs:     120,
		},
		Cache: CacheConfig{
			Dir:     filepath.Join(".listwise", "embedding_cache"),
			MaxSize: 1000,
			TTLDays: 7,
		},
		Batch: BatchConfig{
			ClusterSize: 10,
			MaxWorkers:  4,
		},
		Index: IndexConfig{
			KeywordLimit: 500,
			ListingLimit: 200,
		},
		DBPath: "listwise.db",
	}
}

// applyDefaults fills zero values left by a partial YAML file.
func applyDefaults(cfg *Config) {
	def := defaultConfig()
	if cfg.Service.BaseURL == "" {
		cfg.Service.BaseURL = def.Service.BaseURL
	}
	if cfg.Service.GenerationModel == "" {
		cfg.Service.GenerationModel = def.Service.GenerationModel
	}
	if cfg.Service.EmbeddingModel == "" {
		cfg.Service.EmbeddingModel = def.Service.EmbeddingModel
	}
	if cfg.Service.TimeoutSecs <= 0 {
		cfg.Service.TimeoutSecs = def.Service.TimeoutSecs
	}
	if cfg.Cache.Dir == "" {
		cfg.Cache.Dir = def.Cache.Dir
	}
	if cfg.Cache.MaxSize <= 0 {
		cfg.Cache.MaxSize = def.Cache.MaxSize
	}
	if cfg.Cache.TTLDays <= 0 {
		cfg.Cache.TTLDays = def.Cache.TTLDays
	}
	if cfg.Batch.ClusterSize <= 0 {
		cfg.Batch.ClusterSize = def.Batch.ClusterSize
	}
	if cfg.Batch.MaxWorkers <= 0 {
		cfg.Batch.MaxWorkers = def.Batch.MaxWorkers
	}
	if cfg.Index.KeywordLimit <= 0 {
		cfg.Index.KeywordLimit = def.Index.KeywordLimit
	}
	if cfg.Index.ListingLimit <= 0 {
		cfg.Index.ListingLimit = def.Index.ListingLimit
	}
	if cfg.DBPath == "" {
		cfg.DBPath = def.DBPath
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvServiceURL); v != "" {
		cfg.Service.BaseURL = v
	}
	if v := os.Getenv(EnvGenerationModel); v != "" {
		cfg.Service.GenerationModel = v
	}
	if v := os.Getenv(EnvEmbeddingModel); v != "" {
		cfg.Service.EmbeddingModel = v
	}
	if v := os.Getenv(EnvDBPath); v != "" {
		cfg.DBPath = v
	}
}
