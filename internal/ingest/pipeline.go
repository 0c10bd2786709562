// Package ingest turns raw records into stored vectors: compose and
// normalize text, embed on a bounded worker pool, upsert, and report.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"vidsearch/internal/corpus"
	"vidsearch/internal/embedding"
	vlog "vidsearch/internal/log"
	"vidsearch/internal/metrics"
	"vidsearch/internal/models"
	"vidsearch/internal/textnorm"
	"vidsearch/internal/vectorstore"
)

// Reasons recorded in the report.
const (
	ReasonEmptyText = "empty text"
	ReasonMissingID = "missing id"
)

const (
	DefaultWorkers      = 4
	DefaultMaxRetries   = 3
	DefaultRetryBackoff = 500 * time.Millisecond
	DefaultStreamBatch  = 256
)

// Embedder is the provider side of the pipeline. *embedding.Provider satisfies it.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedMany(ctx context.Context, texts []string) ([][]float32, error)
	ResetCache()
}

// Writer is the store side of the pipeline. *vectorstore.Store satisfies it.
type Writer interface {
	Upsert(ctx context.Context, id string, vector []float32, metadata map[string]string) error
}

// RunLog persists finished reports. *vectorstore.SQLiteBackend satisfies it.
type RunLog interface {
	SaveRun(ctx context.Context, rep models.IngestReport) error
}

// Config tunes a Pipeline. Zero Workers, BatchSize, RetryBackoff and
// StreamBatch take the defaults.
type Config struct {
	Workers      int
	// BatchSize is how many texts go to the embedder in one call. Each worker
	// handles one batch at a time.
	BatchSize    int
	MaxRetries   int
	RetryBackoff time.Duration
	// FieldOrder and MaxRunes configure text composition.
	FieldOrder []string
	MaxRunes   int
	// StreamBatch is how many records IngestStream buffers per round.
	StreamBatch int
}

// Pipeline is safe to reuse across runs but not for concurrent runs.
type Pipeline struct {
	cfg      Config
	composer textnorm.Composer
	emb      Embedder
	store    Writer
	runs     RunLog
	logger   *slog.Logger
	metrics  metrics.Recorder
}

type Option func(*Pipeline)

func WithLogger(l *slog.Logger) Option { return func(p *Pipeline) { p.logger = l } }

func WithMetrics(m metrics.Recorder) Option { return func(p *Pipeline) { p.metrics = m } }

// WithRunLog records every finished report.
func WithRunLog(r RunLog) Option { return func(p *Pipeline) { p.runs = r } }

func New(cfg Config, emb Embedder, store Writer, opts ...Option) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = embedding.DefaultBatchSize
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.StreamBatch <= 0 {
		cfg.StreamBatch = DefaultStreamBatch
	}
	composer := textnorm.NewComposer()
	if len(cfg.FieldOrder) > 0 {
		composer.Order = cfg.FieldOrder
	}
	if cfg.MaxRunes != 0 {
		composer.MaxRunes = cfg.MaxRunes
	}
	p := &Pipeline{cfg: cfg, composer: composer, emb: emb, store: store}
	for _, o := range opts {
		o(p)
	}
	p.logger = vlog.OrDiscard(p.logger)
	p.metrics = metrics.OrNoop(p.metrics)
	return p
}

type outcome int

const (
	pending outcome = iota
	succeeded
	skipped
	failed
)

type job struct {
	rec    models.Record
	text   string
	result outcome
	reason string
}

// Ingest processes records and reports per-item outcomes. A failing item
// never aborts the run. The error is non-nil only when ctx is cancelled; the
// report then covers the items that completed.
func (p *Pipeline) Ingest(ctx context.Context, records []models.Record) (models.IngestReport, error) {
	rep := p.begin()
	err := p.run(ctx, records, &rep)
	p.finish(ctx, &rep, err)
	return rep, err
}

// IngestStream drains src in batches. Unreadable rows are reported as failed;
// any other source error stops the run and is returned.
func (p *Pipeline) IngestStream(ctx context.Context, src corpus.Source) (models.IngestReport, error) {
	rep := p.begin()
	batch := make([]models.Record, 0, p.cfg.StreamBatch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := p.run(ctx, batch, &rep)
		batch = batch[:0]
		return err
	}

	var err error
	for err == nil {
		var rec models.Record
		rec, err = src.Next()
		if errors.Is(err, io.EOF) {
			err = flush()
			break
		}
		var rowErr *corpus.RowError
		switch {
		case errors.As(err, &rowErr):
			// flush first so the report stays in input order
			if err = flush(); err != nil {
				break
			}
			p.rowFailed(&rep, rowErr)
		case err != nil:
			err = fmt.Errorf("read source: %w", err)
		default:
			batch = append(batch, rec)
			if len(batch) >= p.cfg.StreamBatch {
				err = flush()
			}
		}
	}
	p.finish(ctx, &rep, err)
	return rep, err
}

func (p *Pipeline) rowFailed(rep *models.IngestReport, rowErr *corpus.RowError) {
	id := rowErr.ID
	if id == "" {
		id = fmt.Sprintf("line %d", rowErr.Line)
	}
	p.metrics.IngestItem(metrics.OutcomeFailed)
	p.logger.Warn("unreadable row", "line", rowErr.Line, "error", rowErr.Err)
	rep.Failed = append(rep.Failed, models.ItemError{ID: id, Reason: rowErr.Err.Error()})
}

func (p *Pipeline) begin() models.IngestReport {
	p.emb.ResetCache()
	return models.IngestReport{
		RunID:     uuid.NewString(),
		StartedAt: time.Now().UTC(),
		Skipped:   []models.ItemError{},
		Failed:    []models.ItemError{},
	}
}

func (p *Pipeline) finish(ctx context.Context, rep *models.IngestReport, err error) {
	rep.FinishedAt = time.Now().UTC()
	p.metrics.ObserveOp(metrics.OpIngest, rep.FinishedAt.Sub(rep.StartedAt), err)
	p.logger.Info("ingest finished",
		"run", rep.RunID, "succeeded", rep.Succeeded,
		"skipped", len(rep.Skipped), "failed", len(rep.Failed),
		"elapsed", rep.FinishedAt.Sub(rep.StartedAt).String())
	if p.runs != nil {
		// a cancelled ctx must not lose the record of a partial run
		if serr := p.runs.SaveRun(context.WithoutCancel(ctx), *rep); serr != nil {
			p.logger.Warn("saving ingest run failed", "run", rep.RunID, "error", serr)
		}
	}
}

// run processes one slice of records and appends its outcomes to rep in input order.
func (p *Pipeline) run(ctx context.Context, records []models.Record, rep *models.IngestReport) error {
	jobs := p.prepare(records)
	todo := make([]*job, 0, len(jobs))
	for _, j := range jobs {
		if j.result == pending {
			todo = append(todo, j)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)
	for start := 0; start < len(todo); start += p.cfg.BatchSize {
		if gctx.Err() != nil {
			break
		}
		batch := todo[start:min(start+p.cfg.BatchSize, len(todo))]
		g.Go(func() error { return p.processBatch(gctx, batch) })
	}
	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}

	for _, j := range jobs {
		switch j.result {
		case succeeded:
			rep.Succeeded++
		case skipped:
			rep.Skipped = append(rep.Skipped, models.ItemError{ID: j.rec.ID, Reason: j.reason})
		case failed:
			rep.Failed = append(rep.Failed, models.ItemError{ID: j.rec.ID, Reason: j.reason})
		}
	}
	return err
}

// prepare drops earlier duplicates of an id, composes text and settles the
// jobs that need no embedding.
func (p *Pipeline) prepare(records []models.Record) []*job {
	last := make(map[string]int, len(records))
	for i, r := range records {
		last[r.ID] = i
	}
	jobs := make([]*job, 0, len(last))
	for i, r := range records {
		if r.ID != "" && last[r.ID] != i {
			continue
		}
		j := &job{rec: r}
		jobs = append(jobs, j)
		if r.ID == "" {
			p.settle(j, failed, ReasonMissingID)
			continue
		}
		j.text = p.composer.Compose(r.Fields)
		if j.text == "" {
			p.settle(j, skipped, ReasonEmptyText)
		}
	}
	return jobs
}

// processBatch embeds a batch in one call and stores the vectors. When the
// batched call fails every job is retried on its own, so one bad input cannot
// fail its neighbours. It returns an error only for cancellation.
func (p *Pipeline) processBatch(ctx context.Context, batch []*job) error {
	if len(batch) > 1 {
		texts := make([]string, len(batch))
		for i, j := range batch {
			texts[i] = j.text
		}
		vecs, err := p.emb.EmbedMany(ctx, texts)
		if err == nil {
			for i, j := range batch {
				if err := p.put(ctx, j, vecs[i]); err != nil {
					return err
				}
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.logger.Debug("batch embedding failed, falling back to single items", "size", len(batch), "error", err)
	}
	for _, j := range batch {
		if err := p.process(ctx, j); err != nil {
			return err
		}
	}
	return nil
}

// process embeds and stores one job with retries.
func (p *Pipeline) process(ctx context.Context, j *job) error {
	vec, err := p.embed(ctx, j.text)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, embedding.ErrEmptyInput) {
			p.settle(j, skipped, ReasonEmptyText)
			return nil
		}
		p.settle(j, failed, err.Error())
		return nil
	}
	return p.put(ctx, j, vec)
}

func (p *Pipeline) put(ctx context.Context, j *job, vec []float32) error {
	if err := p.store.Upsert(ctx, j.rec.ID, vec, j.rec.Metadata); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.settle(j, failed, err.Error())
		return nil
	}
	p.settle(j, succeeded, "")
	return nil
}

// embed retries embedding failures with exponential backoff. Dimension
// mismatches and empty input are permanent.
func (p *Pipeline) embed(ctx context.Context, text string) ([]float32, error) {
	backoff := p.cfg.RetryBackoff
	for attempt := 0; ; attempt++ {
		vec, err := p.emb.Embed(ctx, text)
		if err == nil {
			return vec, nil
		}
		if !errors.Is(err, embedding.ErrEmbeddingFailure) || errors.Is(err, vectorstore.ErrDimensionMismatch) {
			return nil, err
		}
		if attempt >= p.cfg.MaxRetries {
			return nil, fmt.Errorf("after %d attempts: %w", attempt+1, err)
		}
		p.logger.Debug("retrying embedding", "attempt", attempt+1, "backoff", backoff.String(), "error", err)
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
		backoff *= 2
	}
}

func (p *Pipeline) settle(j *job, o outcome, reason string) {
	j.result, j.reason = o, reason
	switch o {
	case succeeded:
		p.metrics.IngestItem(metrics.OutcomeSucceeded)
	case skipped:
		p.metrics.IngestItem(metrics.OutcomeSkipped)
		p.logger.Debug("skipped item", "id", j.rec.ID, "reason", reason)
	case failed:
		p.metrics.IngestItem(metrics.OutcomeFailed)
		p.logger.Warn("item failed", "id", j.rec.ID, "reason", reason)
	}
}
