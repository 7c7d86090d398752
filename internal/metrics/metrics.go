// Package metrics exposes Prometheus instrumentation for the extraction
// pipeline and the precedent engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CellsTotal counts executed extraction cells by step and outcome.
	CellsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "proethica",
		Name:      "extraction_cells_total",
		Help:      "Extraction cells executed, labeled by step and session outcome.",
	}, []string{"step", "outcome"})

	// LLMErrors counts provider failures surfaced as llm_error outcomes.
	LLMErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "proethica",
		Name:      "llm_errors_total",
		Help:      "LLM provider failures.",
	})

	// LLMDuration observes wall time of one extraction cell, from session
	// start to finish (context loading, LLM round trips and staging).
	LLMDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "proethica",
		Name:      "cell_duration_seconds",
		Help:      "Wall time of one extraction cell.",
		Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
	})

	// SimilarityCacheHits counts precedent cache hits.
	SimilarityCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "proethica",
		Name:      "similarity_cache_hits_total",
		Help:      "Pairwise similarity cache hits.",
	})

	// SimilarityCacheMisses counts precedent cache misses.
	SimilarityCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "proethica",
		Name:      "similarity_cache_misses_total",
		Help:      "Pairwise similarity cache misses that triggered computation.",
	})

	// FeaturesBuilt counts feature-record builds.
	FeaturesBuilt = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "proethica",
		Name:      "feature_records_built_total",
		Help:      "Case feature records built or rebuilt.",
	})
)
