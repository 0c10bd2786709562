package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vidsearch/internal/corpus"
	"vidsearch/internal/embedding"
	"vidsearch/internal/llm"
	"vidsearch/internal/llm/hashing"
	"vidsearch/internal/models"
	"vidsearch/internal/vectorstore"
)

const dim = 64

func newStore(t *testing.T) *vectorstore.Store {
	t.Helper()
	s, err := vectorstore.New(context.Background(), vectorstore.Options{Dim: dim, Model: hashing.Model(dim)})
	require.NoError(t, err)
	return s
}

func newProvider(t *testing.T, emb llm.Embedder) *embedding.Provider {
	t.Helper()
	p, err := embedding.New(emb, embedding.Config{Model: hashing.Model(dim), Dim: dim, CacheSize: 16})
	require.NoError(t, err)
	return p
}

func rec(id string, texts ...string) models.Record {
	r := models.Record{ID: id}
	for i, t := range texts {
		r.Fields = append(r.Fields, models.Field{Name: models.DefaultFieldOrder[i], Text: t})
	}
	return r
}

func fastConfig() Config {
	return Config{Workers: 3, MaxRetries: 2, RetryBackoff: time.Millisecond}
}

func TestSkipVersusFail(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	p := New(fastConfig(), newProvider(t, hashing.New(dim)), store)

	rep, err := p.Ingest(ctx, []models.Record{rec("x", "")})
	require.NoError(t, err)
	assert.Equal(t, []models.ItemError{{ID: "x", Reason: ReasonEmptyText}}, rep.Skipped)
	assert.Empty(t, rep.Failed)
	assert.Zero(t, rep.Succeeded)
	_, err = store.Get("x")
	assert.ErrorIs(t, err, vectorstore.ErrNotFound)
	assert.NotEmpty(t, rep.RunID)
}

func TestMixedBatchKeepsInputOrder(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	failing := hashing.New(dim)
	emb := llm.EmbedderFunc(func(ctx context.Context, model string, inputs []string) ([][]float32, error) {
		for _, in := range inputs {
			if strings.Contains(in, "explode") {
				return nil, errors.New("backend rejected input")
			}
		}
		return failing.Embeddings(ctx, model, inputs)
	})
	p := New(fastConfig(), newProvider(t, emb), store)

	rep, err := p.Ingest(ctx, []models.Record{
		rec("a", "photosynthesis in plants"),
		rec("b", "  ", "?!"),
		rec("c", "explode here"),
		rec("", "no id"),
		rec("d", "world war two timeline"),
		rec("e", "", "", "explode again"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Succeeded)
	assert.Equal(t, []models.ItemError{{ID: "b", Reason: ReasonEmptyText}}, rep.Skipped)
	require.Len(t, rep.Failed, 3)
	assert.Equal(t, "c", rep.Failed[0].ID)
	assert.Equal(t, "", rep.Failed[1].ID)
	assert.Equal(t, ReasonMissingID, rep.Failed[1].Reason)
	assert.Equal(t, "e", rep.Failed[2].ID)
	assert.Contains(t, rep.Failed[0].Reason, "after 3 attempts")
	assert.Equal(t, 6, rep.Total())
	assert.Equal(t, []string{"a", "d"}, store.IDs())
}

func TestPunctuationOnlyTextIsSkipped(t *testing.T) {
	store := newStore(t)
	p := New(fastConfig(), newProvider(t, hashing.New(dim)), store)

	rep, err := p.Ingest(context.Background(), []models.Record{rec("p", "- . ,"), rec("q", "...", "--")})
	require.NoError(t, err)
	assert.Equal(t, []models.ItemError{{ID: "p", Reason: ReasonEmptyText}, {ID: "q", Reason: ReasonEmptyText}}, rep.Skipped)
	assert.Empty(t, rep.Failed)
	assert.Zero(t, store.Count())
}

// countingEmbedder counts backend round trips and inputs.
type countingEmbedder struct {
	base   hashing.Embedder
	calls  atomic.Int32
	inputs atomic.Int32
	// failBatches rejects any call with more than one input.
	failBatches bool
}

func (c *countingEmbedder) Embeddings(ctx context.Context, model string, inputs []string) ([][]float32, error) {
	c.calls.Add(1)
	c.inputs.Add(int32(len(inputs)))
	if c.failBatches && len(inputs) > 1 {
		return nil, errors.New("413 payload too large")
	}
	return c.base.Embeddings(ctx, model, inputs)
}

func distinctRecords(n int) []models.Record {
	recs := make([]models.Record, n)
	for i := range recs {
		recs[i] = rec(fmt.Sprintf("v%02d", i), fmt.Sprintf("video number %d about topic %d", i, i*7))
	}
	return recs
}

func TestIngestEmbedsInBatches(t *testing.T) {
	emb := &countingEmbedder{base: hashing.New(dim)}
	store := newStore(t)
	p := New(Config{Workers: 2, BatchSize: 16, RetryBackoff: time.Millisecond}, newProvider(t, emb), store)

	rep, err := p.Ingest(context.Background(), distinctRecords(16))
	require.NoError(t, err)
	assert.Equal(t, 16, rep.Succeeded)
	assert.Equal(t, int32(1), emb.calls.Load())
	assert.Equal(t, int32(16), emb.inputs.Load())
	assert.Equal(t, 16, store.Count())

	emb.calls.Store(0)
	p = New(Config{Workers: 2, BatchSize: 4, RetryBackoff: time.Millisecond}, newProvider(t, emb), newStore(t))
	rep, err = p.Ingest(context.Background(), distinctRecords(10))
	require.NoError(t, err)
	assert.Equal(t, 10, rep.Succeeded)
	assert.Equal(t, int32(3), emb.calls.Load())
}

func TestFailedBatchFallsBackToSingleItems(t *testing.T) {
	emb := &countingEmbedder{base: hashing.New(dim), failBatches: true}
	store := newStore(t)
	p := New(Config{Workers: 1, BatchSize: 8, MaxRetries: 1, RetryBackoff: time.Millisecond}, newProvider(t, emb), store)

	rep, err := p.Ingest(context.Background(), distinctRecords(5))
	require.NoError(t, err)
	assert.Equal(t, 5, rep.Succeeded)
	assert.Empty(t, rep.Failed)
	// one rejected batch, then one call per item
	assert.Equal(t, int32(6), emb.calls.Load())
	assert.Equal(t, []string{"v00", "v01", "v02", "v03", "v04"}, store.IDs())
}

func TestRetryThenSucceed(t *testing.T) {
	var calls atomic.Int32
	base := hashing.New(dim)
	flaky := llm.EmbedderFunc(func(ctx context.Context, model string, inputs []string) ([][]float32, error) {
		if calls.Add(1) <= 2 {
			return nil, errors.New("503 service unavailable")
		}
		return base.Embeddings(ctx, model, inputs)
	})
	store := newStore(t)
	p := New(Config{Workers: 1, MaxRetries: 3, RetryBackoff: time.Millisecond}, newProvider(t, flaky), store)

	rep, err := p.Ingest(context.Background(), []models.Record{rec("a", "some text")})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Succeeded)
	assert.Empty(t, rep.Failed)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDimensionMismatchFailsWithoutRetry(t *testing.T) {
	var calls atomic.Int32
	wrong := llm.EmbedderFunc(func(ctx context.Context, model string, inputs []string) ([][]float32, error) {
		calls.Add(1)
		return [][]float32{make([]float32, dim+1)}, nil
	})
	p := New(fastConfig(), newProvider(t, wrong), newStore(t))
	rep, err := p.Ingest(context.Background(), []models.Record{rec("a", "text")})
	require.NoError(t, err)
	require.Len(t, rep.Failed, 1)
	assert.Contains(t, rep.Failed[0].Reason, "dimension mismatch")
	assert.Equal(t, int32(1), calls.Load())
}

func TestIngestIsIdempotentAndLastDuplicateWins(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	p := New(fastConfig(), newProvider(t, hashing.New(dim)), store)

	batch := []models.Record{
		{ID: "a", Fields: []models.Field{{Name: "title", Text: "first version"}}, Metadata: map[string]string{"v": "1"}},
		{ID: "b", Fields: []models.Field{{Name: "title", Text: "other"}}},
		{ID: "a", Fields: []models.Field{{Name: "title", Text: "second version"}}, Metadata: map[string]string{"v": "2"}},
	}
	rep, err := p.Ingest(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Succeeded)
	got, err := store.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "2", got.Metadata["v"])

	before, _ := store.Get("a")
	rep2, err := p.Ingest(ctx, batch)
	require.NoError(t, err)
	assert.NotEqual(t, rep.RunID, rep2.RunID)
	assert.Equal(t, 2, store.Count())
	after, _ := store.Get("a")
	assert.Equal(t, before.Vector, after.Vector)
	assert.Equal(t, before.Metadata, after.Metadata)
}

func TestCancelledContextReturnsPartialReport(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var once sync.Once
	blocking := llm.EmbedderFunc(func(c context.Context, model string, inputs []string) ([][]float32, error) {
		once.Do(cancel)
		<-c.Done()
		return nil, c.Err()
	})
	p := New(Config{Workers: 1, MaxRetries: 1, RetryBackoff: time.Millisecond}, newProvider(t, blocking), newStore(t))

	rep, err := p.Ingest(ctx, []models.Record{rec("a", "one"), rec("b", "two"), rec("c", "")})
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, rep.Succeeded)
	assert.Empty(t, rep.Failed)
	assert.Equal(t, []models.ItemError{{ID: "c", Reason: ReasonEmptyText}}, rep.Skipped)
}

type memRuns struct{ reports []models.IngestReport }

func (m *memRuns) SaveRun(ctx context.Context, rep models.IngestReport) error {
	m.reports = append(m.reports, rep)
	return nil
}

func TestIngestStream(t *testing.T) {
	csv := "id,title,transcript,duration\n" +
		"v1,Photosynthesis,plants and light,PT1M\n" +
		"v2,Broken duration,text,PTbad\n" +
		"v3,,,PT2S\n" +
		"v4,Cell biology,mitochondria,PT3M\n"
	src, err := corpus.NewCSVSource(strings.NewReader(csv))
	require.NoError(t, err)

	store := newStore(t)
	runs := &memRuns{}
	cfg := fastConfig()
	cfg.StreamBatch = 1
	p := New(cfg, newProvider(t, hashing.New(dim)), store, WithRunLog(runs))

	rep, err := p.IngestStream(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Succeeded)
	require.Len(t, rep.Failed, 1)
	assert.Equal(t, "v2", rep.Failed[0].ID)
	assert.Equal(t, []models.ItemError{{ID: "v3", Reason: ReasonEmptyText}}, rep.Skipped)
	assert.Equal(t, []string{"v1", "v4"}, store.IDs())

	got, err := store.Get("v1")
	require.NoError(t, err)
	assert.Equal(t, "60", got.Metadata["duration_seconds"])

	require.Len(t, runs.reports, 1)
	assert.Equal(t, rep.RunID, runs.reports[0].RunID)
	assert.False(t, runs.reports[0].FinishedAt.Before(runs.reports[0].StartedAt))
}
