// Package config provides configuration management for the ProEthica
// pipeline server.
//
// Configuration can be loaded from multiple sources (in order of precedence):
// 1. Environment variables (highest priority)
// 2. Configuration file (JSON or TOML)
// 3. Default values (lowest priority)
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"proethica/internal/embeddings"
	"proethica/internal/llm"
	"proethica/internal/ontology"
	"proethica/internal/precedent"
)

// Config represents the complete server configuration
type Config struct {
	Server     ServerConfig       `json:"server" toml:"server"`
	Storage    StorageConfig      `json:"storage" toml:"storage"`
	LLM        LLMConfig          `json:"llm" toml:"llm"`
	Embeddings EmbeddingsConfig   `json:"embeddings" toml:"embeddings"`
	Ontology   OntologyConfig     `json:"ontology" toml:"ontology"`
	Pipeline   PipelineConfig     `json:"pipeline" toml:"pipeline"`
	Weights    precedent.Weights  `json:"weights" toml:"weights"`
	Graph      GraphMirrorConfig  `json:"graph" toml:"graph"`
	Metrics    MetricsConfig      `json:"metrics" toml:"metrics"`
}

// ServerConfig contains server-level configuration
type ServerConfig struct {
	Name        string `json:"name" toml:"name"`
	Version     string `json:"version" toml:"version"`
	Environment string `json:"environment" toml:"environment"`
}

// StorageConfig selects and tunes the staging store backend
type StorageConfig struct {
	// Type of storage backend: "memory" or "sqlite"
	Type string `json:"type" toml:"type"`

	// SQLitePath is the database file for the sqlite backend
	SQLitePath string `json:"sqlite_path" toml:"sqlite_path"`

	// SQLiteBusyTimeoutMs is the busy timeout passed to the driver
	SQLiteBusyTimeoutMs int `json:"sqlite_busy_timeout_ms" toml:"sqlite_busy_timeout_ms"`
}

// LLMConfig configures the completion provider
type LLMConfig struct {
	Model     string        `json:"model" toml:"model"`
	MaxTokens int           `json:"max_tokens" toml:"max_tokens"`
	Timeout   time.Duration `json:"timeout" toml:"timeout"`
}

// EmbeddingsConfig configures the embedding provider chain
type EmbeddingsConfig struct {
	Providers     []string      `json:"providers" toml:"providers"`
	Model         string        `json:"model" toml:"model"`
	LocalEndpoint string        `json:"local_endpoint" toml:"local_endpoint"`
	Dimension     int           `json:"dimension" toml:"dimension"`
	BatchSize     int           `json:"batch_size" toml:"batch_size"`
	Timeout       time.Duration `json:"timeout" toml:"timeout"`
}

// OntologyConfig configures the ontology gateway
type OntologyConfig struct {
	Endpoint   string        `json:"endpoint" toml:"endpoint"`
	Timeout    time.Duration `json:"timeout" toml:"timeout"`
	CacheTTL   time.Duration `json:"cache_ttl" toml:"cache_ttl"`
	MaxRetries int           `json:"max_retries" toml:"max_retries"`
}

// PipelineConfig tunes the extraction orchestrator
type PipelineConfig struct {
	// MaxConcurrentCells bounds parallel extraction cells per case
	MaxConcurrentCells int `json:"max_concurrent_cells" toml:"max_concurrent_cells"`

	// RepairRetries is the parse-repair retry count
	RepairRetries int `json:"repair_retries" toml:"repair_retries"`

	// ClassMatchThreshold is the embedding-similarity floor for class
	// assignment
	ClassMatchThreshold float64 `json:"class_match_threshold" toml:"class_match_threshold"`
}

// GraphMirrorConfig enables the optional Neo4j knowledge-graph mirror
type GraphMirrorConfig struct {
	Enabled bool `json:"enabled" toml:"enabled"`
}

// MetricsConfig configures the Prometheus listener
type MetricsConfig struct {
	Enabled bool   `json:"enabled" toml:"enabled"`
	Addr    string `json:"addr" toml:"addr"`
}

// Default returns the default configuration
func Default() *Config {
	embCfg := embeddings.DefaultConfig()
	llmCfg := llm.DefaultConfig()
	ontCfg := ontology.DefaultConfig()

	return &Config{
		Server: ServerConfig{
			Name:        "proethica",
			Version:     "1.0.0",
			Environment: "development",
		},
		Storage: StorageConfig{
			Type:                "memory",
			SQLitePath:          "proethica.db",
			SQLiteBusyTimeoutMs: 5000,
		},
		LLM: LLMConfig{
			Model:     llmCfg.Model,
			MaxTokens: llmCfg.MaxTokens,
			Timeout:   llmCfg.Timeout,
		},
		Embeddings: EmbeddingsConfig{
			Providers:     embCfg.Providers,
			Model:         embCfg.Model,
			LocalEndpoint: embCfg.LocalEndpoint,
			Dimension:     embCfg.Dimension,
			BatchSize:     embCfg.BatchSize,
			Timeout:       embCfg.Timeout,
		},
		Ontology: OntologyConfig{
			Endpoint:   ontCfg.Endpoint,
			Timeout:    ontCfg.Timeout,
			CacheTTL:   ontCfg.CacheTTL,
			MaxRetries: ontCfg.MaxRetries,
		},
		Pipeline: PipelineConfig{
			MaxConcurrentCells:  3,
			RepairRetries:       1,
			ClassMatchThreshold: 0.75,
		},
		Weights: precedent.DefaultWeights(),
		Graph:   GraphMirrorConfig{Enabled: false},
		Metrics: MetricsConfig{Enabled: false, Addr: ":9090"},
	}
}

// Load loads configuration from environment variables and applies defaults
func Load() (*Config, error) {
	cfg := Default()
	cfg.loadFromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a JSON or TOML file, then applies
// environment overrides.
func LoadFromFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse TOML config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	}

	cfg.loadFromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadFromEnv applies PE_-prefixed environment overrides.
func (c *Config) loadFromEnv() {
	if v := os.Getenv("PE_SERVER_NAME"); v != "" {
		c.Server.Name = v
	}
	if v := os.Getenv("PE_SERVER_ENVIRONMENT"); v != "" {
		c.Server.Environment = v
	}

	if v := os.Getenv("PE_STORAGE_TYPE"); v != "" {
		c.Storage.Type = v
	}
	if v := os.Getenv("PE_STORAGE_SQLITE_PATH"); v != "" {
		c.Storage.SQLitePath = v
	}
	if v := os.Getenv("PE_STORAGE_SQLITE_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Storage.SQLiteBusyTimeoutMs = n
		}
	}

	if v := os.Getenv("PE_LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("PE_LLM_MAX_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LLM.MaxTokens = n
		}
	}
	if v := os.Getenv("PE_LLM_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.LLM.Timeout = d
		}
	}

	if v := os.Getenv("PE_EMBEDDINGS_PROVIDERS"); v != "" {
		c.Embeddings.Providers = strings.Split(v, ",")
	}
	if v := os.Getenv("PE_EMBEDDINGS_MODEL"); v != "" {
		c.Embeddings.Model = v
	}
	if v := os.Getenv("PE_EMBEDDINGS_LOCAL_ENDPOINT"); v != "" {
		c.Embeddings.LocalEndpoint = v
	}
	if v := os.Getenv("PE_EMBEDDINGS_DIMENSION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Embeddings.Dimension = n
		}
	}

	if v := os.Getenv("PE_ONTOLOGY_ENDPOINT"); v != "" {
		c.Ontology.Endpoint = v
	}
	if v := os.Getenv("PE_ONTOLOGY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Ontology.Timeout = d
		}
	}
	if v := os.Getenv("PE_ONTOLOGY_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Ontology.CacheTTL = d
		}
	}

	if v := os.Getenv("PE_PIPELINE_MAX_CONCURRENT_CELLS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Pipeline.MaxConcurrentCells = n
		}
	}
	if v := os.Getenv("PE_PIPELINE_REPAIR_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Pipeline.RepairRetries = n
		}
	}
	if v := os.Getenv("PE_PIPELINE_CLASS_MATCH_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Pipeline.ClassMatchThreshold = f
		}
	}

	if v := os.Getenv("PE_GRAPH_ENABLED"); v != "" {
		c.Graph.Enabled = parseBool(v)
	}
	if v := os.Getenv("PE_METRICS_ENABLED"); v != "" {
		c.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("PE_METRICS_ADDR"); v != "" {
		c.Metrics.Addr = v
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return fmt.Errorf("server.name cannot be empty")
	}
	if c.Server.Environment != "development" && c.Server.Environment != "staging" && c.Server.Environment != "production" {
		return fmt.Errorf("server.environment must be one of: development, staging, production")
	}

	if c.Storage.Type != "memory" && c.Storage.Type != "sqlite" {
		return fmt.Errorf("storage.type must be 'memory' or 'sqlite'")
	}
	if c.Storage.Type == "sqlite" && c.Storage.SQLitePath == "" {
		return fmt.Errorf("storage.sqlite_path cannot be empty for the sqlite backend")
	}

	if c.Pipeline.MaxConcurrentCells < 1 {
		return fmt.Errorf("pipeline.max_concurrent_cells must be >= 1")
	}
	if c.Pipeline.RepairRetries < 0 {
		return fmt.Errorf("pipeline.repair_retries cannot be negative")
	}
	if c.Pipeline.ClassMatchThreshold <= 0 || c.Pipeline.ClassMatchThreshold > 1 {
		return fmt.Errorf("pipeline.class_match_threshold must be in (0,1]")
	}

	if c.Embeddings.Dimension <= 0 {
		return fmt.Errorf("embeddings.dimension must be positive")
	}
	if len(c.Embeddings.Providers) == 0 {
		return fmt.Errorf("embeddings.providers cannot be empty")
	}

	if _, err := c.Weights.Normalize(); err != nil {
		return fmt.Errorf("weights: %w", err)
	}

	return nil
}

// EmbeddingConfig converts to the embeddings package config.
func (c *Config) EmbeddingConfig() *embeddings.Config {
	return &embeddings.Config{
		Providers:     c.Embeddings.Providers,
		Model:         c.Embeddings.Model,
		APIKey:        os.Getenv("VOYAGE_API_KEY"),
		LocalEndpoint: c.Embeddings.LocalEndpoint,
		Dimension:     c.Embeddings.Dimension,
		BatchSize:     c.Embeddings.BatchSize,
		Timeout:       c.Embeddings.Timeout,
	}
}

// LLMClientConfig converts to the llm package config.
func (c *Config) LLMClientConfig() *llm.Config {
	return &llm.Config{
		Model:     c.LLM.Model,
		MaxTokens: c.LLM.MaxTokens,
		Timeout:   c.LLM.Timeout,
	}
}

// OntologyClientConfig converts to the ontology package config.
func (c *Config) OntologyClientConfig() *ontology.Config {
	return &ontology.Config{
		Endpoint:   c.Ontology.Endpoint,
		Timeout:    c.Ontology.Timeout,
		CacheTTL:   c.Ontology.CacheTTL,
		MaxRetries: c.Ontology.MaxRetries,
	}
}

// parseBool parses a boolean from string (handles various formats)
func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes" || s == "on" || s == "enabled"
}
