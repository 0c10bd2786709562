// Package embedding turns normalized text into fixed-length vectors through a
// pluggable backend, enforcing the declared model and dimension.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"vidsearch/internal/llm"
	vlog "vidsearch/internal/log"
	"vidsearch/internal/metrics"
	"vidsearch/internal/vectorstore"
)

var (
	// ErrEmptyInput is returned for text that is empty after trimming. Not retryable.
	ErrEmptyInput = errors.New("embedding: empty input")
	// ErrEmbeddingFailure covers backend errors, timeouts and malformed responses.
	ErrEmbeddingFailure = errors.New("embedding: provider failure")
	// ErrDimensionMismatch is the store's sentinel so one errors.Is check
	// covers both sides.
	ErrDimensionMismatch = vectorstore.ErrDimensionMismatch
)

const (
	DefaultBatchSize = 16
	DefaultTimeout   = 30 * time.Second
)

// Config declares what the backend is expected to produce.
type Config struct {
	Model string
	Dim   int
	// BatchSize caps inputs per backend call.
	BatchSize int
	// Timeout bounds each backend call.
	Timeout time.Duration
	// CacheSize is the number of texts remembered within a run; 0 disables caching.
	CacheSize int
}

// Provider wraps an llm.Embedder.
type Provider struct {
	emb     llm.Embedder
	cfg     Config
	cache   *lru.Cache[string, []float32]
	logger  *slog.Logger
	metrics metrics.Recorder
}

// Option customizes a Provider.
type Option func(*Provider)

func WithLogger(l *slog.Logger) Option { return func(p *Provider) { p.logger = l } }

func WithMetrics(m metrics.Recorder) Option { return func(p *Provider) { p.metrics = m } }

// New validates cfg and returns a provider.
func New(emb llm.Embedder, cfg Config, opts ...Option) (*Provider, error) {
	if emb == nil {
		return nil, errors.New("embedding: nil backend")
	}
	if cfg.Model == "" {
		return nil, errors.New("embedding: model is required")
	}
	if cfg.Dim <= 0 {
		return nil, fmt.Errorf("embedding: dimension must be positive, got %d", cfg.Dim)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	p := &Provider{emb: emb, cfg: cfg}
	for _, o := range opts {
		o(p)
	}
	p.logger = vlog.OrDiscard(p.logger)
	p.metrics = metrics.OrNoop(p.metrics)
	if cfg.CacheSize > 0 {
		c, err := lru.New[string, []float32](cfg.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("embedding: cache: %w", err)
		}
		p.cache = c
	}
	return p, nil
}

func (p *Provider) Model() string { return p.cfg.Model }
func (p *Provider) Dim() int      { return p.cfg.Dim }

// ResetCache forgets every cached vector. Called at the start of each ingest run.
func (p *Provider) ResetCache() {
	if p.cache != nil {
		p.cache.Purge()
	}
}

// Embed returns the vector for one text.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := p.EmbedMany(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedMany returns one vector per input, in input order. Any empty input
// fails the whole call with ErrEmptyInput before the backend is contacted.
func (p *Provider) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			return nil, fmt.Errorf("%w: input %d", ErrEmptyInput, i)
		}
	}
	out := make([][]float32, len(texts))
	var pending []int
	for i, t := range texts {
		if v, ok := p.cached(t); ok {
			out[i] = v
			continue
		}
		pending = append(pending, i)
	}
	for start := 0; start < len(pending); start += p.cfg.BatchSize {
		end := min(start+p.cfg.BatchSize, len(pending))
		idx := pending[start:end]
		batch := make([]string, len(idx))
		for j, i := range idx {
			batch[j] = texts[i]
		}
		vecs, err := p.call(ctx, batch)
		if err != nil {
			return nil, err
		}
		for j, i := range idx {
			out[i] = vecs[j]
			if p.cache != nil {
				p.cache.Add(texts[i], vecs[j])
			}
		}
	}
	return out, nil
}

func (p *Provider) cached(text string) ([]float32, bool) {
	if p.cache == nil {
		return nil, false
	}
	v, ok := p.cache.Get(text)
	if ok {
		p.metrics.CacheHit()
	} else {
		p.metrics.CacheMiss()
	}
	return v, ok
}

// call runs one backend request under the configured timeout and checks its shape.
func (p *Provider) call(ctx context.Context, batch []string) (vecs [][]float32, err error) {
	start := time.Now()
	defer func() { p.metrics.ObserveOp(metrics.OpEmbed, time.Since(start), err) }()

	cctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	vecs, err = p.emb.Embeddings(cctx, p.cfg.Model, batch)
	if err != nil {
		p.logger.Debug("embedding call failed", "model", p.cfg.Model, "batch", len(batch), "error", err)
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingFailure, err)
	}
	if len(vecs) != len(batch) {
		return nil, fmt.Errorf("%w: got %d vectors for %d inputs", ErrEmbeddingFailure, len(vecs), len(batch))
	}
	for _, v := range vecs {
		if len(v) != p.cfg.Dim {
			return nil, &vectorstore.DimensionError{Expected: p.cfg.Dim, Actual: len(v)}
		}
	}
	return vecs, nil
}
