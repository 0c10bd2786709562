package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"vidsearch/internal/config"
	"vidsearch/internal/embedding"
	"vidsearch/internal/ingest"
	"vidsearch/internal/llm"
	"vidsearch/internal/llm/hashing"
	"vidsearch/internal/llm/openai"
	vlog "vidsearch/internal/log"
	"vidsearch/internal/metrics"
	"vidsearch/internal/search"
	"vidsearch/internal/vectorstore"
)

// app holds the wired components for one command invocation.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Prometheus
	backend  vectorstore.Backend
	llm      llm.Embedder
	provider *embedding.Provider
	store    *vectorstore.Store
	engine   *search.Engine
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	a := &app{cfg: cfg, logger: vlog.New(os.Stderr, cfg.LogLevel)}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if a.metrics, err = metrics.NewPrometheus(a.registry); err != nil {
		return nil, err
	}

	if a.llm, err = newEmbedder(cfg); err != nil {
		return nil, err
	}
	a.provider, err = embedding.New(a.llm, embedding.Config{
		Model:     cfg.EmbeddingModel,
		Dim:       cfg.EmbeddingDim,
		BatchSize: cfg.EmbedBatch,
		Timeout:   cfg.EmbedTimeout,
		CacheSize: cfg.EmbedCache,
	}, embedding.WithLogger(a.logger), embedding.WithMetrics(a.metrics))
	if err != nil {
		return nil, err
	}

	if a.backend, err = openBackend(ctx, cfg); err != nil {
		return nil, err
	}
	a.store, err = vectorstore.New(ctx, vectorstore.Options{
		Dim:     cfg.EmbeddingDim,
		Model:   cfg.EmbeddingModel,
		Backend: a.backend,
		Logger:  a.logger,
		Metrics: a.metrics,
	})
	if err != nil {
		if a.backend != nil {
			_ = a.backend.Close()
		}
		return nil, err
	}
	if stale := a.store.Stale(); len(stale) > 0 {
		a.logger.Warn("store holds vectors from another model",
			"stale", len(stale), "model", cfg.EmbeddingModel, "hint", "re-ingest or run drop-stale")
	}

	a.engine = search.New(search.Config{
		Model:       cfg.EmbeddingModel,
		Dim:         cfg.EmbeddingDim,
		Threshold:   cfg.SimilarityThreshold,
		DefaultTopK: cfg.TopK,
	}, a.provider, a.store, search.WithLogger(a.logger), search.WithMetrics(a.metrics))
	return a, nil
}

func (a *app) Close() error { return a.store.Close() }

func (a *app) pipeline() *ingest.Pipeline {
	opts := []ingest.Option{ingest.WithLogger(a.logger), ingest.WithMetrics(a.metrics)}
	if runs, ok := a.backend.(ingest.RunLog); ok {
		opts = append(opts, ingest.WithRunLog(runs))
	}
	return ingest.New(ingest.Config{
		Workers:    a.cfg.IngestWorkers,
		BatchSize:  a.cfg.EmbedBatch,
		MaxRetries: a.cfg.IngestRetries,
	}, a.provider, a.store, opts...)
}

func newEmbedder(cfg config.Config) (llm.Embedder, error) {
	switch cfg.EmbedProvider {
	case config.ProviderOpenAI:
		return openai.New(openai.Options{
			BaseURL:     cfg.OpenAIBaseURL,
			APIKey:      cfg.OpenAIAPIKey,
			MinInterval: cfg.LLMMinInterval,
			Timeout:     cfg.EmbedTimeout,
		}), nil
	case config.ProviderHashing:
		if want := hashing.Model(cfg.EmbeddingDim); cfg.EmbeddingModel != want {
			return nil, fmt.Errorf("hashing provider serves %q, configured model is %q", want, cfg.EmbeddingModel)
		}
		return hashing.New(cfg.EmbeddingDim), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.EmbedProvider)
	}
}

func openBackend(ctx context.Context, cfg config.Config) (vectorstore.Backend, error) {
	switch cfg.StoreBackend {
	case config.BackendSQLite:
		b, err := vectorstore.OpenSQLite(ctx, cfg.DBPath)
		if err != nil {
			return nil, err
		}
		return b, nil
	case config.BackendRedis:
		b, err := vectorstore.DialRedis(ctx, cfg.RedisAddr, cfg.RedisPrefix)
		if err != nil {
			return nil, err
		}
		return b, nil
	case config.BackendMemory:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}
