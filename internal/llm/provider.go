package llm

import (
	"context"
)

// Embedder provides embedding generation APIs.
type Embedder interface {
	Embeddings(ctx context.Context, model string, inputs []string) ([][]float32, error)
}

// ModelLister is implemented by backends that can enumerate served models.
type ModelLister interface {
	ListModels(ctx context.Context) ([]string, error)
}

// EmbedderFunc adapts a function to the Embedder interface.
type EmbedderFunc func(ctx context.Context, model string, inputs []string) ([][]float32, error)

func (f EmbedderFunc) Embeddings(ctx context.Context, model string, inputs []string) ([][]float32, error) {
	return f(ctx, model, inputs)
}
