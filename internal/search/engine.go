// Package search answers free-text queries against the vector store.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	vlog "vidsearch/internal/log"
	"vidsearch/internal/metrics"
	"vidsearch/internal/models"
	"vidsearch/internal/textnorm"
	"vidsearch/internal/vectorstore"
)

var (
	// ErrInvalidQuery is returned for a query with no searchable content.
	ErrInvalidQuery = errors.New("search: invalid query")
	// ErrSearchUnavailable means the embedding provider could not serve the query.
	// It is distinct from an empty result.
	ErrSearchUnavailable = errors.New("search: unavailable")

	ErrModelVersionMismatch = vectorstore.ErrModelVersionMismatch
	ErrInvalidArgument      = vectorstore.ErrInvalidArgument
)

const DefaultTopK = 10

// Embedder produces query vectors. *embedding.Provider satisfies it.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Model() string
	Dim() int
}

// Index is the read side of the vector store. *vectorstore.Store satisfies it.
type Index interface {
	Query(ctx context.Context, vector []float32, k int, filter vectorstore.Filter) ([]vectorstore.Hit, error)
	Count() int
	Model() string
	Dim() int
	Stale() []string
}

// Config holds the engine's query policy.
type Config struct {
	// Model and Dim, when set, must agree with both the provider and the store.
	Model string
	Dim   int
	// Threshold drops hits scoring below it. Nil disables the cut.
	Threshold *float64
	// DefaultTopK is used by front ends when the caller gives no k.
	DefaultTopK int
}

// Engine runs queries. It is safe for concurrent use.
type Engine struct {
	cfg     Config
	emb     Embedder
	index   Index
	logger  *slog.Logger
	metrics metrics.Recorder
}

// Option customizes an Engine.
type Option func(*Engine)

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

func WithMetrics(m metrics.Recorder) Option { return func(e *Engine) { e.metrics = m } }

func New(cfg Config, emb Embedder, index Index, opts ...Option) *Engine {
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = DefaultTopK
	}
	e := &Engine{cfg: cfg, emb: emb, index: index}
	for _, o := range opts {
		o(e)
	}
	e.logger = vlog.OrDiscard(e.logger)
	e.metrics = metrics.OrNoop(e.metrics)
	return e
}

// DefaultTopK returns the configured fallback result count.
func (e *Engine) DefaultTopK() int { return e.cfg.DefaultTopK }

// CheckCompatible reports ErrModelVersionMismatch when the store holds
// vectors from another model, or when provider, store and configuration
// disagree on model or dimension.
func (e *Engine) CheckCompatible() error {
	if stale := e.index.Stale(); len(stale) > 0 {
		return fmt.Errorf("%w: %d stored items were embedded with another model; re-ingest or drop them",
			ErrModelVersionMismatch, len(stale))
	}
	if e.emb.Model() != e.index.Model() || e.emb.Dim() != e.index.Dim() {
		return fmt.Errorf("%w: provider %s/%d, store %s/%d",
			ErrModelVersionMismatch, e.emb.Model(), e.emb.Dim(), e.index.Model(), e.index.Dim())
	}
	if (e.cfg.Model != "" && e.cfg.Model != e.index.Model()) || (e.cfg.Dim != 0 && e.cfg.Dim != e.index.Dim()) {
		return fmt.Errorf("%w: configured %s/%d, store %s/%d",
			ErrModelVersionMismatch, e.cfg.Model, e.cfg.Dim, e.index.Model(), e.index.Dim())
	}
	return nil
}

// Search returns up to topK items ranked by similarity to rawQuery, restricted
// by filter. topK is clamped to [1, number of stored items]. An empty store
// yields an empty result, not an error.
func (e *Engine) Search(ctx context.Context, rawQuery string, topK int, filter vectorstore.Filter) (res []models.Result, err error) {
	start := time.Now()
	defer func() { e.metrics.ObserveOp(metrics.OpSearch, time.Since(start), err) }()

	if strings.TrimSpace(rawQuery) == "" {
		return nil, fmt.Errorf("%w: query is empty", ErrInvalidQuery)
	}
	if err := e.CheckCompatible(); err != nil {
		return nil, err
	}
	q := textnorm.Normalize(rawQuery)
	if q == "" {
		return nil, fmt.Errorf("%w: query has no searchable text", ErrInvalidQuery)
	}
	vec, err := e.emb.Embed(ctx, q)
	if err != nil {
		e.logger.Warn("query embedding failed", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrSearchUnavailable, err)
	}

	n := e.index.Count()
	if n == 0 {
		return []models.Result{}, nil
	}
	topK = max(1, min(topK, n))
	hits, err := e.index.Query(ctx, vec, topK, filter)
	if err != nil {
		return nil, err
	}

	res = make([]models.Result, 0, len(hits))
	for _, h := range hits {
		if e.cfg.Threshold != nil && h.Score < *e.cfg.Threshold {
			// hits arrive best first
			break
		}
		res = append(res, models.Result{
			ItemID:   h.ID,
			Score:    h.Score,
			Rank:     len(res) + 1,
			URL:      itemURL(h.ID, h.Metadata),
			Metadata: h.Metadata,
		})
	}
	e.logger.Debug("search", "query", q, "k", topK, "results", len(res))
	return res, nil
}

func itemURL(id string, meta map[string]string) string {
	if u := meta["url"]; u != "" {
		return u
	}
	return "https://youtu.be/" + id
}
