package retrieval

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// EmbeddingProvider is the slice of engine.Engine the embedder needs.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Embedder generates text embeddings through a provider.
type Embedder struct {
	provider EmbeddingProvider
	// limit bounds concurrent provider calls in EmbedBatch; 0 means no limit.
	limit int
}

// NewEmbedder creates an Embedder. concurrency bounds EmbedBatch; pass 0
// to issue every request of a batch at once.
func NewEmbedder(p EmbeddingProvider, concurrency int) *Embedder {
	return &Embedder{provider: p, limit: concurrency}
}

// Embed returns the embedding vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.provider.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	return vec, nil
}

// EmbedBatch embeds texts concurrently, preserving order. The first failure
// cancels the rest and fails the batch. Returns nil for empty input.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	if e.limit > 0 {
		g.SetLimit(e.limit)
	}

	for i, text := range texts {
		g.Go(func() error {
			vec, err := e.provider.Embed(gCtx, text)
			if err != nil {
				return fmt.Errorf("embedding text %d: %w", i, err)
			}
			results[i] = vec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
