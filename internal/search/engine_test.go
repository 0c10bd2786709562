package search

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vidsearch/internal/embedding"
	"vidsearch/internal/llm"
	"vidsearch/internal/models"
	"vidsearch/internal/textnorm"
	"vidsearch/internal/vectorstore"
)

const testModel = "concept-test"

// concepts maps vocabulary onto a handful of axes so similarity in tests
// follows meaning rather than hash collisions.
var concepts = map[string]int{
	"photosynthesis": 0, "plants": 0, "sunlight": 0, "energy": 0, "chlorophyll": 0,
	"how": 1, "why": 1,
	"world": 2, "war": 2, "two": 2, "timeline": 2,
	"guitar": 3, "music": 3, "song": 3,
}

const conceptDim = 4

func conceptEmbedder() llm.Embedder {
	return llm.EmbedderFunc(func(ctx context.Context, model string, inputs []string) ([][]float32, error) {
		out := make([][]float32, len(inputs))
		for i, in := range inputs {
			v := make([]float32, conceptDim)
			for _, tok := range strings.Fields(in) {
				if c, ok := concepts[tok]; ok {
					v[c]++
				}
			}
			out[i] = v
		}
		return out, nil
	})
}

type fixture struct {
	provider *embedding.Provider
	store    *vectorstore.Store
	engine   *Engine
}

func newFixture(t *testing.T, cfg Config, emb llm.Embedder) *fixture {
	t.Helper()
	ctx := context.Background()
	p, err := embedding.New(emb, embedding.Config{Model: testModel, Dim: conceptDim})
	require.NoError(t, err)
	s, err := vectorstore.New(ctx, vectorstore.Options{Dim: conceptDim, Model: testModel})
	require.NoError(t, err)
	return &fixture{provider: p, store: s, engine: New(cfg, p, s)}
}

func (f *fixture) add(t *testing.T, id, text string, meta map[string]string) {
	t.Helper()
	v, err := f.provider.Embed(context.Background(), textnorm.Normalize(text))
	require.NoError(t, err)
	require.NoError(t, f.store.Upsert(context.Background(), id, v, meta))
}

func seedScenario(t *testing.T, f *fixture) {
	f.add(t, "A", "photosynthesis process in plants", map[string]string{"category": "biology"})
	f.add(t, "B", "world war two timeline", map[string]string{"category": "history"})
	f.add(t, "C", "how plants make energy from sunlight", map[string]string{"category": "biology"})
}

func ids(res []models.Result) []string {
	out := make([]string, len(res))
	for i, r := range res {
		out[i] = r.ItemID
	}
	return out
}

func TestPhotosynthesisScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{}, conceptEmbedder())
	seedScenario(t, f)

	res, err := f.engine.Search(ctx, "how does photosynthesis work", 2, vectorstore.Filter{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"A", "C"}, ids(res))

	all, err := f.engine.Search(ctx, "how does photosynthesis work", 3, vectorstore.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "B", all[2].ItemID)
	assert.Less(t, all[2].Score, all[1].Score)

	threshold := 0.1
	cut := newFixture(t, Config{Threshold: &threshold}, conceptEmbedder())
	seedScenario(t, cut)
	res, err = cut.engine.Search(ctx, "how does photosynthesis work", 3, vectorstore.Filter{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"A", "C"}, ids(res))
}

func TestResultsAreRankedAndDeterministic(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{}, conceptEmbedder())
	seedScenario(t, f)
	f.add(t, "D", "guitar song", nil)

	first, err := f.engine.Search(ctx, "why plants need sunlight", 4, vectorstore.Filter{})
	require.NoError(t, err)
	second, err := f.engine.Search(ctx, "why plants need sunlight", 4, vectorstore.Filter{})
	require.NoError(t, err)
	assert.Equal(t, first, second)

	for i, r := range first {
		assert.Equal(t, i+1, r.Rank)
		if i > 0 {
			assert.GreaterOrEqual(t, first[i-1].Score, r.Score)
		}
	}
}

func TestTopKIsClamped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{}, conceptEmbedder())
	seedScenario(t, f)

	res, err := f.engine.Search(ctx, "plants", 1000, vectorstore.Filter{})
	require.NoError(t, err)
	assert.Len(t, res, 3)

	res, err = f.engine.Search(ctx, "plants", 0, vectorstore.Filter{})
	require.NoError(t, err)
	assert.Len(t, res, 1)
}

func TestFilterRestrictsCategory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{}, conceptEmbedder())
	seedScenario(t, f)
	f.add(t, "E", "world war timeline", map[string]string{"category": "history"})

	res, err := f.engine.Search(ctx, "world war two", 5, vectorstore.Filter{Equals: map[string]string{"category": "biology"}})
	require.NoError(t, err)
	require.NotEmpty(t, res)
	for _, r := range res {
		assert.Equal(t, "biology", r.Metadata["category"])
	}

	_, err = f.engine.Search(ctx, "world war two", 5, vectorstore.Filter{Equals: map[string]string{" ": "x"}})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestInvalidQueries(t *testing.T) {
	f := newFixture(t, Config{}, conceptEmbedder())
	seedScenario(t, f)
	for _, q := range []string{"", "   \t\n", "?!", "...", "- . ,"} {
		_, err := f.engine.Search(context.Background(), q, 3, vectorstore.Filter{})
		assert.ErrorIs(t, err, ErrInvalidQuery, "query %q", q)
	}
}

func TestUnavailableIsDistinctFromEmpty(t *testing.T) {
	ctx := context.Background()
	empty := newFixture(t, Config{}, conceptEmbedder())
	res, err := empty.engine.Search(ctx, "plants", 5, vectorstore.Filter{})
	require.NoError(t, err)
	assert.Empty(t, res)

	down := errors.New("provider down")
	broken := newFixture(t, Config{}, llm.EmbedderFunc(func(ctx context.Context, model string, inputs []string) ([][]float32, error) {
		return nil, down
	}))
	_, err = broken.engine.Search(ctx, "plants", 5, vectorstore.Filter{})
	assert.ErrorIs(t, err, ErrSearchUnavailable)
	assert.ErrorIs(t, err, embedding.ErrEmbeddingFailure)
	assert.ErrorIs(t, err, down)
}

func TestModelMismatchRefusesQuery(t *testing.T) {
	ctx := context.Background()
	p, err := embedding.New(conceptEmbedder(), embedding.Config{Model: "other-model", Dim: conceptDim})
	require.NoError(t, err)
	s, err := vectorstore.New(ctx, vectorstore.Options{Dim: conceptDim, Model: testModel})
	require.NoError(t, err)
	_, err = New(Config{}, p, s).Search(ctx, "plants", 3, vectorstore.Filter{})
	assert.ErrorIs(t, err, ErrModelVersionMismatch)

	f := newFixture(t, Config{Model: testModel, Dim: 8}, conceptEmbedder())
	_, err = f.engine.Search(ctx, "plants", 3, vectorstore.Filter{})
	assert.ErrorIs(t, err, ErrModelVersionMismatch)

	staleIdx := staleIndex{Store: f.store}
	_, err = New(Config{}, f.provider, staleIdx).Search(ctx, "plants", 3, vectorstore.Filter{})
	assert.ErrorIs(t, err, ErrModelVersionMismatch)
}

type staleIndex struct{ *vectorstore.Store }

func (staleIndex) Stale() []string { return []string{"old"} }

func TestResultURL(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{}, conceptEmbedder())
	f.add(t, "abc123", "plants", nil)
	f.add(t, "xyz", "sunlight", map[string]string{"url": "https://example.org/v/xyz"})

	res, err := f.engine.Search(ctx, "plants", 2, vectorstore.Filter{})
	require.NoError(t, err)
	urls := map[string]string{}
	for _, r := range res {
		urls[r.ItemID] = r.URL
	}
	assert.Equal(t, "https://youtu.be/abc123", urls["abc123"])
	assert.Equal(t, "https://example.org/v/xyz", urls["xyz"])
}

func TestEvaluate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{}, conceptEmbedder())
	seedScenario(t, f)

	cases, err := ReadCases(strings.NewReader(`[
		{"query": "world war", "relevant": ["B"]},
		{"query": "how does photosynthesis work", "relevant": ["A"]},
		{"query": "guitar", "relevant": ["missing"]}
	]`))
	require.NoError(t, err)
	m, err := Evaluate(ctx, f.engine, cases)
	require.NoError(t, err)
	assert.Equal(t, 3, m.Queries)
	assert.InDelta(t, 2.0/3, m.HitAt5, 1e-9)
	assert.InDelta(t, 2.0/3, m.HitAt10, 1e-9)
	// B ranks first for its query, A second behind C for the other
	assert.InDelta(t, (1.0+0.5)/3, m.MRR, 1e-9)

	empty, err := Evaluate(ctx, f.engine, nil)
	require.NoError(t, err)
	assert.Equal(t, Metrics{}, empty)
}
