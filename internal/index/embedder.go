package index

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// EmbedBackend is the slice of the Ollama client the index needs.
type EmbedBackend interface {
	Embed(ctx context.Context, model, text string) ([]float32, error)
}

// Embedder binds a backend to a fixed embedding model.
type Embedder struct {
	backend EmbedBackend
	model   string
}

func NewEmbedder(backend EmbedBackend, model string) *Embedder {
	return &Embedder{backend: backend, model: model}
}

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return e.backend.Embed(ctx, e.model, text)
}

// EmbedBatch embeds texts concurrently, preserving input order. A single
// failure aborts the batch.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, text := range texts {
		g.Go(func() error {
			vec, err := e.backend.Embed(ctx, e.model, text)
			if err != nil {
				return err
			}
			vectors[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vectors, nil
}
