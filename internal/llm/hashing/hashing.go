// Package hashing provides a deterministic, dependency-free embedder based on
// signed feature hashing of word unigrams. It stands in for a trained model
// when running offline; similarity reflects shared vocabulary only.
package hashing

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"

	"vidsearch/internal/llm"
)

// ModelPrefix prefixes the model identifier so vectors from different
// dimensions never share an embedding space.
const ModelPrefix = "hashing-fnv1a"

// Embedder hashes tokens into Dim signed buckets.
type Embedder struct {
	Dim int
}

var _ llm.Embedder = Embedder{}

func New(dim int) Embedder { return Embedder{Dim: dim} }

// Model returns the identifier for vectors produced with dim buckets.
func Model(dim int) string { return fmt.Sprintf("%s-%d", ModelPrefix, dim) }

// Embeddings ignores model beyond validating that it names this embedder.
func (e Embedder) Embeddings(ctx context.Context, model string, inputs []string) ([][]float32, error) {
	if e.Dim <= 0 {
		return nil, fmt.Errorf("hashing: invalid dimension %d", e.Dim)
	}
	if model != "" && model != Model(e.Dim) {
		return nil, fmt.Errorf("hashing: unknown model %q", model)
	}
	out := make([][]float32, len(inputs))
	for i, s := range inputs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = e.vector(s)
	}
	return out, nil
}

func (e Embedder) vector(s string) []float32 {
	v := make([]float32, e.Dim)
	for _, tok := range strings.Fields(s) {
		tok = strings.Trim(tok, ".,'-")
		if tok == "" {
			continue
		}
		h := fnv.New64a()
		_, _ = h.Write([]byte(tok))
		sum := h.Sum64()
		idx := int(sum % uint64(e.Dim))
		if sum&(1<<63) != 0 {
			v[idx]--
		} else {
			v[idx]++
		}
	}
	// sublinear term weighting keeps long transcripts from dominating
	for i, x := range v {
		if x != 0 {
			v[i] = float32(math.Copysign(1+math.Log(math.Abs(float64(x))), float64(x)))
		}
	}
	return v
}
