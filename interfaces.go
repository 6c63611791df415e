package prism

import "context"

// EmbeddingProvider generates vector embeddings from text. When
// provided via WithEmbeddingProvider it replaces the config-selected
// backend. Output dimensionality must match PRISM_EMBEDDING_DIMENSIONS
// or slot projection will reject the vectors.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}
