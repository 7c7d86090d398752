package main

import (
	"fmt"
	"log"

	"proethica/internal/config"
	"proethica/internal/embeddings"
	"proethica/internal/extraction"
	"proethica/internal/features"
	"proethica/internal/knowledge"
	"proethica/internal/llm"
	"proethica/internal/ontology"
	"proethica/internal/precedent"
	"proethica/internal/server"
	"proethica/internal/staging"
)

// components bundles the wired pipeline for the CLI and the MCP server.
type components struct {
	cfg          *config.Config
	store        staging.Store
	orchestrator *extraction.Orchestrator
	builder      *features.Builder
	engine       *precedent.Engine
	graphStore   *knowledge.GraphStore
	server       *server.PipelineServer
}

// initialize wires the pipeline from configuration.
func initialize(cfg *config.Config) (*components, error) {
	var store staging.Store
	var err error
	switch cfg.Storage.Type {
	case "sqlite":
		store, err = staging.NewSQLiteStore(cfg.Storage.SQLitePath, cfg.Storage.SQLiteBusyTimeoutMs)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize sqlite store: %w", err)
		}
	default:
		store = staging.NewMemoryStore()
	}

	chain, err := embeddings.NewChainFromConfig(cfg.EmbeddingConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedding chain: %w", err)
	}

	client, err := llm.NewAnthropicClient(cfg.LLMClientConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize LLM client: %w", err)
	}

	gateway := ontology.NewClient(cfg.OntologyClientConfig())
	matcher := ontology.NewMatcher(gateway, chain, cfg.Pipeline.ClassMatchThreshold)

	orchestrator := extraction.NewOrchestrator(store, client, matcher, &extraction.Config{
		MaxConcurrentCells: cfg.Pipeline.MaxConcurrentCells,
		RepairRetries:      cfg.Pipeline.RepairRetries,
	})
	builder := features.NewBuilder(store, chain, client)

	engine, err := precedent.NewEngine(store, cfg.Weights)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize precedent engine: %w", err)
	}

	comps := &components{
		cfg:          cfg,
		store:        store,
		orchestrator: orchestrator,
		builder:      builder,
		engine:       engine,
		server:       server.NewPipelineServer(store, orchestrator, builder, engine),
	}

	if cfg.Graph.Enabled {
		neo4jClient, err := knowledge.NewNeo4jClient(knowledge.ConfigFromEnv())
		if err != nil {
			log.Printf("Warning: knowledge graph mirror disabled: %v", err)
		} else {
			comps.graphStore = knowledge.NewGraphStore(neo4jClient, "")
		}
	}

	return comps, nil
}

// close releases backend resources.
func (c *components) close() {
	if err := staging.CloseStore(c.store); err != nil {
		log.Printf("Warning: failed to close store: %v", err)
	}
}
