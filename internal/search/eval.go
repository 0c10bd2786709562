package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"vidsearch/internal/models"
	"vidsearch/internal/vectorstore"
)

// Case bundles a query text with the ids of its relevant items.
type Case struct {
	Query    string   `json:"query"`
	Relevant []string `json:"relevant"`
}

// Metrics aggregates leaderboard numbers.
type Metrics struct {
	Queries int     `json:"queries"`
	HitAt5  float64 `json:"hitAt5"`
	HitAt10 float64 `json:"hitAt10"`
	MRR     float64 `json:"mrr"`
}

// Searcher is what Evaluate needs from an engine.
type Searcher interface {
	Search(ctx context.Context, rawQuery string, topK int, filter vectorstore.Filter) ([]models.Result, error)
}

// Evaluate runs every case with k=10 and computes hit@5, hit@10 and MRR.
func Evaluate(ctx context.Context, s Searcher, cases []Case) (Metrics, error) {
	var hits5, hits10, sumRR float64
	for _, c := range cases {
		res, err := s.Search(ctx, c.Query, 10, vectorstore.Filter{})
		if err != nil {
			return Metrics{}, fmt.Errorf("case %q: %w", c.Query, err)
		}
		truth := toSet(c.Relevant)
		if hitAtK(res, truth, 5) {
			hits5++
		}
		if hitAtK(res, truth, 10) {
			hits10++
		}
		sumRR += rr(res, truth)
	}
	if len(cases) == 0 {
		return Metrics{}, nil
	}
	n := float64(len(cases))
	return Metrics{Queries: len(cases), HitAt5: hits5 / n, HitAt10: hits10 / n, MRR: sumRR / n}, nil
}

// ReadCases decodes a JSON array of cases.
func ReadCases(r io.Reader) ([]Case, error) {
	var cases []Case
	if err := json.NewDecoder(r).Decode(&cases); err != nil {
		return nil, fmt.Errorf("decode eval cases: %w", err)
	}
	return cases, nil
}

func toSet(xs []string) map[string]struct{} {
	m := make(map[string]struct{}, len(xs))
	for _, x := range xs {
		m[x] = struct{}{}
	}
	return m
}

func hitAtK(res []models.Result, truth map[string]struct{}, k int) bool {
	k = min(k, len(res))
	for i := 0; i < k; i++ {
		if _, ok := truth[res[i].ItemID]; ok {
			return true
		}
	}
	return false
}

func rr(res []models.Result, truth map[string]struct{}) float64 {
	for i := range res {
		if _, ok := truth[res[i].ItemID]; ok {
			return 1.0 / float64(i+1)
		}
	}
	return 0
}
